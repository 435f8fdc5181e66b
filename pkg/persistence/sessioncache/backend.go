package sessioncache

import (
	"context"
	"sync"
)

// DefaultKey is the storage key under which the serialized cache record lives.
const DefaultKey = "chat_session_cache_v1"

// Backend is the durable key-value slot that mirrors the store.
//
// Load returns (nil, nil) when nothing has been saved yet.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Close() error
}

// MemoryBackend keeps the record in process. It is the default when no durable
// backend is configured and the double used in tests.
type MemoryBackend struct {
	mu   sync.Mutex
	data []byte

	// SaveErr, when set, is returned by every Save.
	SaveErr error
	saves   int
}

var _ Backend = &MemoryBackend{}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load(context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	return append([]byte(nil), b.data...), nil
}

func (b *MemoryBackend) Save(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	if b.SaveErr != nil {
		return b.SaveErr
	}
	b.data = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

func (b *MemoryBackend) SetSaveErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SaveErr = err
}

func (b *MemoryBackend) Close() error { return nil }
