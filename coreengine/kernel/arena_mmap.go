//go:build linux || darwin || freebsd || netbsd || openbsd

package kernel

import "golang.org/x/sys/unix"

const mmapSupported = true

func mapChunk(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapChunk(b []byte) error {
	return unix.Munmap(b)
}
