package stores

import (
	"errors"
	"time"
)

// Well-known namespaces.
const (
	NamespaceSessions    = "swarm_sessions"
	NamespaceKnowledge   = "knowledge_base"
	NamespacePerformance = "performance_cache"
	NamespaceAgentMemory = "agent_memory"
	NamespaceErrors      = "error_patterns"
)

// ErrInvalidPayload is returned when a payload is not valid JSON.
var ErrInvalidPayload = errors.New("payload is not valid JSON")

// ErrInvalidKey is returned for an empty namespace or key.
var ErrInvalidKey = errors.New("namespace and key are required")

// DefaultNamespaceTTLs returns the default expiry for each well-known namespace.
func DefaultNamespaceTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		NamespaceSessions:    24 * time.Hour,
		NamespaceKnowledge:   7 * 24 * time.Hour,
		NamespacePerformance: time.Hour,
		NamespaceAgentMemory: 30 * 24 * time.Hour,
		NamespaceErrors:      14 * 24 * time.Hour,
	}
}

// Config holds store configuration.
type Config struct {
	// Path is the SQLite database path. ":memory:" opens a private in-memory database.
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// NamespaceTTLs supplies the TTL applied when Put is called with ttl == 0.
	// Namespaces without an entry never expire by default.
	NamespaceTTLs map[string]time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// ttlPolicy resolves effective TTLs and the current time for both store implementations.
type ttlPolicy struct {
	defaults map[string]time.Duration
	now      func() time.Time
}

func newTTLPolicy(defaults map[string]time.Duration, now func() time.Time) ttlPolicy {
	if defaults == nil {
		defaults = DefaultNamespaceTTLs()
	}
	if now == nil {
		now = time.Now
	}
	return ttlPolicy{defaults: defaults, now: now}
}

// effective returns the TTL to persist for a Put into namespace.
func (p ttlPolicy) effective(namespace string, ttl time.Duration) (time.Duration, error) {
	switch {
	case ttl < 0:
		return 0, errors.New("ttl must not be negative")
	case ttl == 0:
		return p.defaults[namespace], nil
	default:
		return ttl, nil
	}
}
