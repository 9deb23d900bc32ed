package engine

import (
	"encoding/json"
	"time"
)

// ResourceDescriptor is the immutable catalog entry for an activatable resource.
type ResourceDescriptor struct {
	// ID is the unique resource identifier referenced by classification rules.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Kind selects the provider factory. Defaults to ID when empty.
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`

	// CapabilityKeywords is the ordered set of capabilities this resource offers.
	CapabilityKeywords []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// ActivationLatency is the expected cold start time. Used for monitoring only.
	ActivationLatency time.Duration `json:"activation_latency" yaml:"activation_latency" validate:"gte=0"`

	// MemoryWeight is an integer cost unit charged against the activation budget.
	MemoryWeight int `json:"memory_weight" yaml:"memory_weight" validate:"gte=0"`

	// Config is opaque provider configuration.
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`

	// Script is the Starlark source used by scripted providers.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`
}

// FactoryKind returns the registry key used to build a provider for d.
func (d ResourceDescriptor) FactoryKind() string {
	if d.Kind != "" {
		return d.Kind
	}
	return d.ID
}

// HandleState is the lifecycle state of an activation handle.
type HandleState string

const (
	// HandleUninitialized is the state before any acquire.
	HandleUninitialized HandleState = "uninitialized"

	// HandleActivating means exactly one activation is in flight.
	HandleActivating HandleState = "activating"

	// HandleActive means the provider is ready for use.
	HandleActive HandleState = "active"

	// HandleFailed means the last activation attempt failed.
	HandleFailed HandleState = "failed"
)

// IsTerminal returns true for states that end an activation attempt.
func (s HandleState) IsTerminal() bool {
	return s == HandleActive || s == HandleFailed
}

// Tier identifies a level of the tiered cache.
type Tier string

const (
	// TierPersistent is the fast, always-on tier.
	TierPersistent Tier = "persistent"

	// TierLazy is the cold tier opened on first use.
	TierLazy Tier = "lazy"

	// TierMemory is the in-process last-resort tier.
	TierMemory Tier = "memory"

	// TierNone marks a miss.
	TierNone Tier = "none"
)

// Classification is the outcome of classifying a task descriptor.
type Classification struct {
	// Confidence is the rule's fixed confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Strategy names the selected handling strategy.
	Strategy string `json:"strategy"`

	// Resources is the ordered, de-duplicated resource set required.
	Resources []string `json:"resources"`

	// Rule is the index of the matched rule, or -1 for the default rule.
	Rule int `json:"rule"`
}

// IsDefault reports whether the default rule produced c.
func (c Classification) IsDefault() bool {
	return c.Rule < 0
}

// Record is a namespaced persistence entry.
type Record struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`

	// TTL of zero means the record never expires.
	TTL time.Duration `json:"ttl"`
}

// ExpiresAt returns the expiry instant, or the zero time when the record never expires.
func (r Record) ExpiresAt() time.Time {
	if r.TTL <= 0 {
		return time.Time{}
	}
	return r.CreatedAt.Add(r.TTL)
}

// Expired reports whether the record is logically absent at now.
func (r Record) Expired(now time.Time) bool {
	exp := r.ExpiresAt()
	return !exp.IsZero() && now.After(exp)
}
