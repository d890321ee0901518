package kernel

import (
	"fmt"
	"math/bits"
	"sync"
)

const minArenaClass = 4 << 10

// ArenaConfig sizes the snapshot arena.
type ArenaConfig struct {
	// ChunkSize is the size of each block reserved from the OS.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`
	// MaxChunks caps how many chunks the arena may reserve.
	MaxChunks int `json:"max_chunks" yaml:"max_chunks"`
	// UseMmap reserves chunks with anonymous mappings instead of the Go heap.
	UseMmap bool `json:"use_mmap" yaml:"use_mmap"`
}

// DefaultArenaConfig returns default arena configuration.
func DefaultArenaConfig() ArenaConfig {
	return ArenaConfig{
		ChunkSize: 4 << 20,
		MaxChunks: 64,
		UseMmap:   true,
	}
}

// SnapshotArena hands out scratch buffers for encoding snapshots. Chunks are
// reserved coarsely and carved into power-of-two slabs that are recycled
// through per-class free lists, so steady-state hibernation allocates nothing.
type SnapshotArena struct {
	mu        sync.Mutex
	chunkSize int
	maxChunks int
	mmap      bool
	chunks    [][]byte
	current   []byte
	offset    int
	free      map[int][][]byte
	inUse     int64
	closed    bool
}

// NewSnapshotArena creates an arena. No memory is reserved until first use.
func NewSnapshotArena(cfg ArenaConfig) (*SnapshotArena, error) {
	if cfg.ChunkSize < minArenaClass {
		return nil, fmt.Errorf("arena chunk size %d is below the minimum %d", cfg.ChunkSize, minArenaClass)
	}
	if cfg.MaxChunks <= 0 {
		return nil, fmt.Errorf("arena needs at least one chunk")
	}
	return &SnapshotArena{
		chunkSize: cfg.ChunkSize,
		maxChunks: cfg.MaxChunks,
		mmap:      cfg.UseMmap && mmapSupported,
		free:      make(map[int][][]byte),
	}, nil
}

// arenaClass rounds n up to the slab size that serves it.
func arenaClass(n int) int {
	if n <= minArenaClass {
		return minArenaClass
	}
	return 1 << bits.Len(uint(n-1))
}

// Acquire returns an empty buffer with capacity for at least n bytes.
func (a *SnapshotArena) Acquire(n int) ([]byte, error) {
	class := arenaClass(n)
	if class > a.chunkSize {
		return nil, &ResourceError{Resource: "snapshot_arena", Limit: int64(a.chunkSize), Requested: int64(n), Err: ErrPoolExhausted}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("snapshot arena closed: %w", ErrPoolExhausted)
	}

	if list := a.free[class]; len(list) > 0 {
		buf := list[len(list)-1]
		a.free[class] = list[:len(list)-1]
		a.inUse += int64(class)
		return buf[:0], nil
	}

	if a.current == nil || a.offset+class > len(a.current) {
		if len(a.chunks) >= a.maxChunks {
			return nil, &ResourceError{Resource: "snapshot_arena", Limit: int64(a.maxChunks * a.chunkSize), Requested: a.inUse + int64(class), Err: ErrPoolExhausted}
		}
		chunk, err := a.reserve()
		if err != nil {
			return nil, err
		}
		a.chunks = append(a.chunks, chunk)
		a.current = chunk
		a.offset = 0
	}

	buf := a.current[a.offset : a.offset+class : a.offset+class]
	a.offset += class
	a.inUse += int64(class)
	return buf[:0], nil
}

func (a *SnapshotArena) reserve() ([]byte, error) {
	if a.mmap {
		chunk, err := mapChunk(a.chunkSize)
		if err != nil {
			return nil, fmt.Errorf("failed to map arena chunk: %w", err)
		}
		return chunk, nil
	}
	return make([]byte, a.chunkSize), nil
}

// Release returns a buffer obtained from Acquire.
func (a *SnapshotArena) Release(buf []byte) {
	class := cap(buf)
	if class < minArenaClass || class&(class-1) != 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.free[class] = append(a.free[class], buf[:0])
	a.inUse -= int64(class)
}

// InUse returns the bytes currently handed out.
func (a *SnapshotArena) InUse() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Capacity returns the bytes reserved from the OS or heap.
func (a *SnapshotArena) Capacity() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(len(a.chunks) * a.chunkSize)
}

// Close unmaps every chunk. No buffer from the arena may be used afterwards.
func (a *SnapshotArena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	var firstErr error
	if a.mmap {
		for _, chunk := range a.chunks {
			if err := unmapChunk(chunk); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	a.chunks = nil
	a.current = nil
	a.free = nil
	return firstErr
}
