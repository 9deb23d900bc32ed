package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
)

// NamespaceBackend exposes one namespace of a store as a cache tier. Values are
// stored as JSON strings so arbitrary bytes survive the JSON payload column.
type NamespaceBackend struct {
	store     engine.Store
	namespace string
	now       func() time.Time
}

var _ engine.Backend = (*NamespaceBackend)(nil)

// NewNamespaceBackend creates a cache tier over namespace. now may be nil.
func NewNamespaceBackend(store engine.Store, namespace string, now func() time.Time) *NamespaceBackend {
	if now == nil {
		now = time.Now
	}
	return &NamespaceBackend{store: store, namespace: namespace, now: now}
}

// Get returns the value and remaining TTL of key.
func (b *NamespaceBackend) Get(ctx context.Context, key string) (engine.CacheEntry, error) {
	rec, err := b.store.Get(ctx, b.namespace, key)
	if err != nil {
		return engine.CacheEntry{}, err
	}

	var value []byte
	if err := json.Unmarshal(rec.Payload, &value); err != nil {
		return engine.CacheEntry{}, fmt.Errorf("failed to decode cached value %s: %w", key, err)
	}

	var remaining time.Duration
	if exp := rec.ExpiresAt(); !exp.IsZero() {
		remaining = exp.Sub(b.now())
		if remaining <= 0 {
			return engine.CacheEntry{}, fmt.Errorf("record %s/%s: %w", b.namespace, key, engine.ErrNotFound)
		}
	}
	return engine.CacheEntry{Value: value, TTL: remaining}, nil
}

// Set stores value under key.
func (b *NamespaceBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cached value %s: %w", key, err)
	}
	return b.store.Put(ctx, b.namespace, key, payload, ttl)
}

// Delete removes key. Removing an absent key is not an error.
func (b *NamespaceBackend) Delete(ctx context.Context, key string) error {
	if err := b.store.Delete(ctx, b.namespace, key); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	return nil
}
