package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 16

type memoryEntry struct {
	value    []byte
	expireAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// MemoryBackend is the in-process tier. Keys are spread over independently locked
// shards; expired entries are dropped when read or swept.
type MemoryBackend struct {
	shards []*memoryShard
	now    func() time.Time
}

var _ engine.Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates a memory tier with n shards. now may be nil.
func NewMemoryBackend(n int, now func() time.Time) *MemoryBackend {
	if n <= 0 {
		n = DefaultShards
	}
	if now == nil {
		now = time.Now
	}
	shards := make([]*memoryShard, n)
	for i := range shards {
		shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	return &MemoryBackend{shards: shards, now: now}
}

func (m *MemoryBackend) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Get returns a live entry and its remaining TTL.
func (m *MemoryBackend) Get(_ context.Context, key string) (engine.CacheEntry, error) {
	sh := m.shard(key)
	now := m.now()

	sh.mu.RLock()
	ent, ok := sh.entries[key]
	sh.mu.RUnlock()

	if !ok {
		return engine.CacheEntry{}, fmt.Errorf("key %s: %w", key, engine.ErrNotFound)
	}
	if ent.expired(now) {
		sh.mu.Lock()
		if cur, still := sh.entries[key]; still && cur.expired(now) {
			delete(sh.entries, key)
		}
		sh.mu.Unlock()
		return engine.CacheEntry{}, fmt.Errorf("key %s: %w", key, engine.ErrNotFound)
	}

	out := engine.CacheEntry{Value: append([]byte(nil), ent.value...)}
	if !ent.expireAt.IsZero() {
		out.TTL = ent.expireAt.Sub(now)
	}
	return out, nil
}

// Set stores a copy of value. A ttl of zero stores the entry without expiry.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	ent := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		ent.expireAt = m.now().Add(ttl)
	}

	sh := m.shard(key)
	sh.mu.Lock()
	sh.entries[key] = ent
	sh.mu.Unlock()
	return nil
}

// Delete removes key.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	sh := m.shard(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, including expired ones not yet reclaimed.
func (m *MemoryBackend) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Sweep removes expired entries one shard at a time and returns how many were removed.
func (m *MemoryBackend) Sweep() int {
	now := m.now()
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, ent := range sh.entries {
			if ent.expired(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
