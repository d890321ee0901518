package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

// ErrNotFound is returned by a Store when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot not found")

// Store keeps sealed snapshots while their processes are cold.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// =============================================================================
// Memory Store
// =============================================================================

// MemoryStore holds snapshots on the Go heap. Put takes ownership of data.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
	bytes int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[key]; ok {
		s.bytes -= int64(len(old))
	}
	s.items[key] = data
	s.bytes += int64(len(data))
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.items[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[key]; ok {
		s.bytes -= int64(len(old))
		delete(s.items, key)
	}
	return nil
}

// Len returns the number of stored snapshots.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Bytes returns the total size of stored snapshots.
func (s *MemoryStore) Bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

// =============================================================================
// AFS Store
// =============================================================================

// AFSStore spills snapshots to any afs-supported location (file://, mem://,
// s3://, gs://) so cold state leaves the process heap.
type AFSStore struct {
	fs      afs.Service
	baseURL string
}

// NewAFSStore creates a store rooted at baseURL. A nil fs uses afs.New().
func NewAFSStore(fs afs.Service, baseURL string) *AFSStore {
	if fs == nil {
		fs = afs.New()
	}
	return &AFSStore{fs: fs, baseURL: baseURL}
}

func (s *AFSStore) location(key string) string {
	return url.Join(s.baseURL, key+".snap")
}

func (s *AFSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.fs.Upload(ctx, s.location(key), file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload snapshot %s: %w", key, err)
	}
	return nil
}

func (s *AFSStore) Get(ctx context.Context, key string) ([]byte, error) {
	location := s.location(key)
	exists, err := s.fs.Exists(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot %s: %w", key, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	data, err := s.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to download snapshot %s: %w", key, err)
	}
	return data, nil
}

func (s *AFSStore) Delete(ctx context.Context, key string) error {
	location := s.location(key)
	exists, err := s.fs.Exists(ctx, location)
	if err != nil || !exists {
		return err
	}
	if err := s.fs.Delete(ctx, location); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
	}
	return nil
}
