// Package cache provides the key-value store used for the catalog cache,
// provider lookups and persisted pricing. Backends are swappable: an
// in-memory LRU for tests and single instances, PostgreSQL for production.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Store is a byte-oriented key-value store.
type Store interface {
	// Get returns the value for key. ok is false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// KeyOf derives a stable key from a structured request. The request is
// encoded as JSON (map keys sorted, struct fields in declaration order) and
// hashed, so equal requests always map to the same key.
func KeyOf(namespace string, request any) (string, error) {
	b, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("cache key for %s: %w", namespace, err)
	}
	return namespace + ":" + strconv.FormatUint(xxhash.Sum64(b), 16), nil
}

// GetJSON reads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, b)
}
