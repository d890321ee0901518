//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package kernel

import "errors"

const mmapSupported = false

func mapChunk(int) ([]byte, error) {
	return nil, errors.New("anonymous mappings are not supported on this platform")
}

func unmapChunk([]byte) error {
	return nil
}
