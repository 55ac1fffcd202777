package cache

import (
	"context"
	"errors"
	"time"

	"github.com/bluele/gcache"
)

// MemoryStore is an in-process LRU store.
type MemoryStore struct {
	c gcache.Cache
}

// NewMemoryStore creates an LRU store holding at most size entries.
// A zero ttl keeps entries until they are evicted.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	b := gcache.New(size).LRU()
	if ttl > 0 {
		b = b.Expiration(ttl)
	}
	return &MemoryStore{c: b.Build()}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, err := m.c.Get(key)
	if errors.Is(err, gcache.KeyNotFoundError) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	// Callers may mutate what they get back.
	out := make([]byte, len(b))
	copy(out, b)
	return out, true, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	b := make([]byte, len(value))
	copy(b, value)
	return m.c.Set(key, b)
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.c.Remove(key)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.c.Purge()
	return nil
}

// Len returns the number of live entries.
func (m *MemoryStore) Len() int {
	return m.c.Len(true)
}
