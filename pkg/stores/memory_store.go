package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
)

// MemoryStore implements engine.Store in process memory. It follows the same TTL
// rules as SQLiteStore and is used by tests and when no database path is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]engine.Record
	policy  ttlPolicy
	closed  bool
}

var _ engine.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store. Path and pool settings in cfg are ignored.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]engine.Record),
		policy:  newTTLPolicy(cfg.NamespaceTTLs, cfg.Now),
	}
}

// Put inserts or replaces a record. A ttl of zero applies the namespace default.
func (m *MemoryStore) Put(_ context.Context, namespace, key string, payload json.RawMessage, ttl time.Duration) error {
	if namespace == "" || key == "" {
		return ErrInvalidKey
	}
	if !json.Valid(payload) {
		return ErrInvalidPayload
	}
	ttl, err := m.policy.effective(namespace, ttl)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return engine.ErrClosed
	}

	ns, ok := m.records[namespace]
	if !ok {
		ns = make(map[string]engine.Record)
		m.records[namespace] = ns
	}
	ns[key] = engine.Record{
		Namespace: namespace,
		Key:       key,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: m.policy.now(),
		TTL:       ttl,
	}
	return nil
}

// Get retrieves a live record, removing it if it has expired.
func (m *MemoryStore) Get(_ context.Context, namespace, key string) (*engine.Record, error) {
	now := m.policy.now()

	m.mu.RLock()
	rec, ok := m.records[namespace][key]
	m.mu.RUnlock()

	if ok && rec.Expired(now) {
		m.mu.Lock()
		if cur, still := m.records[namespace][key]; still && cur.Expired(now) {
			delete(m.records[namespace], key)
		}
		m.mu.Unlock()
		ok = false
	}
	if !ok {
		return nil, fmt.Errorf("record %s/%s: %w", namespace, key, engine.ErrNotFound)
	}

	rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	return &rec, nil
}

// List returns the live keys of a namespace in key order.
func (m *MemoryStore) List(_ context.Context, namespace string) ([]string, error) {
	now := m.policy.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := []string{}
	for k, rec := range m.records[namespace] {
		if !rec.Expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes a record. Deleting an absent or expired record returns engine.ErrNotFound.
func (m *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	now := m.policy.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[namespace][key]
	if !ok {
		return fmt.Errorf("record %s/%s: %w", namespace, key, engine.ErrNotFound)
	}
	delete(m.records[namespace], key)
	if rec.Expired(now) {
		return fmt.Errorf("record %s/%s: %w", namespace, key, engine.ErrNotFound)
	}
	return nil
}

// Search returns live records of one namespace whose key or payload contains query,
// newest first.
func (m *MemoryStore) Search(_ context.Context, namespace, query string, limit int) ([]*engine.Record, error) {
	now := m.policy.now()
	needle := []byte(query)

	m.mu.RLock()
	matches := []*engine.Record{}
	for _, rec := range m.records[namespace] {
		if rec.Expired(now) {
			continue
		}
		if strings.Contains(rec.Key, query) || bytes.Contains(rec.Payload, needle) {
			r := rec
			r.Payload = append(json.RawMessage(nil), rec.Payload...)
			matches = append(matches, &r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].Key < matches[j].Key
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Counts returns the number of live records per namespace.
func (m *MemoryStore) Counts(_ context.Context) (map[string]int, error) {
	now := m.policy.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for ns, recs := range m.records {
		for _, rec := range recs {
			if !rec.Expired(now) {
				counts[ns]++
			}
		}
	}
	return counts, nil
}

// DeleteExpired removes every expired record.
func (m *MemoryStore) DeleteExpired(_ context.Context) (int64, error) {
	now := m.policy.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, recs := range m.records {
		for k, rec := range recs {
			if rec.Expired(now) {
				delete(recs, k)
				n++
			}
		}
	}
	return n, nil
}

// Close marks the store closed; later writes fail with engine.ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
