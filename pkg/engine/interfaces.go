package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Provider is an activatable resource instance. Implementations are built by a Factory
// and driven by the activation controller.
type Provider interface {
	// Activate performs the cold start. It must honour ctx cancellation.
	Activate(ctx context.Context) error

	// Invoke runs one operation against the active provider.
	Invoke(ctx context.Context, op string, input json.RawMessage) (json.RawMessage, error)

	// Capabilities returns the operations this provider understands.
	Capabilities() []string

	// Close releases provider resources at shutdown.
	Close(ctx context.Context) error
}

// Factory builds a provider for a descriptor. Factories are registered per kind at startup.
type Factory func(desc ResourceDescriptor) (Provider, error)

// CacheEntry is a value held by a cache backend.
type CacheEntry struct {
	Value []byte

	// TTL is the remaining time to live; zero means no expiry.
	TTL time.Duration
}

// Backend is a single cache tier. Get returns ErrNotFound for absent or expired keys.
type Backend interface {
	Get(ctx context.Context, key string) (CacheEntry, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Store is the namespaced TTL persistence store.
type Store interface {
	Put(ctx context.Context, namespace, key string, payload json.RawMessage, ttl time.Duration) error
	Get(ctx context.Context, namespace, key string) (*Record, error)
	List(ctx context.Context, namespace string) ([]string, error)
	Delete(ctx context.Context, namespace, key string) error

	// Search returns live records in one namespace whose key or payload contains query.
	Search(ctx context.Context, namespace, query string, limit int) ([]*Record, error)

	// Counts returns live entry counts per namespace.
	Counts(ctx context.Context) (map[string]int, error)

	// DeleteExpired reclaims expired records and returns how many were removed.
	DeleteExpired(ctx context.Context) (int64, error)

	Close() error
}

// Admitter decides whether a resource may be activated given the currently active set.
type Admitter interface {
	Admit(ctx context.Context, req AdmissionRequest) error
}

// AdmissionRequest is the input to an admission decision.
type AdmissionRequest struct {
	Resource     ResourceDescriptor `json:"resource"`
	Active       []string           `json:"active"`
	ActiveWeight int                `json:"active_weight"`
}
