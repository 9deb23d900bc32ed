package config

import (
	"time"

	"github.com/openfroyo/kindle/pkg/classifier"
	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/openfroyo/kindle/pkg/stores"
	"github.com/openfroyo/kindle/pkg/telemetry"
)

// Tier backends.
const (
	BackendNone   = "none"
	BackendRedis  = "redis"
	BackendStore  = "store"
	BackendMemory = "memory"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config is the complete kindle configuration.
type Config struct {
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Resources is the activation catalog.
	Resources []engine.ResourceDescriptor `yaml:"resources" json:"resources" validate:"required,min=1,dive"`

	// Rules is the ordered classification table; the first match wins.
	Rules []classifier.Rule `yaml:"rules" json:"rules" validate:"dive"`

	// Fallback is used when no rule matches.
	Fallback FallbackConfig `yaml:"fallback" json:"fallback"`

	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Activation ActivationConfig `yaml:"activation" json:"activation"`
}

// FallbackConfig is the classification reported when no rule matches.
type FallbackConfig struct {
	Strategy   string   `yaml:"strategy" json:"strategy" validate:"required"`
	Confidence float64  `yaml:"confidence" json:"confidence" validate:"gte=0,lte=1"`
	Resources  []string `yaml:"resources" json:"resources"`
}

// Rule returns the fallback as a classifier rule.
func (f FallbackConfig) Rule() classifier.Rule {
	return classifier.Rule{
		Confidence: f.Confidence,
		Strategy:   f.Strategy,
		Resources:  f.Resources,
	}
}

// CacheConfig configures the tiered cache.
type CacheConfig struct {
	// DefaultTTL applies to writes without an explicit TTL.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"gte=0"`

	// MemoryShards is the shard count of the in-process tier.
	MemoryShards int `yaml:"memory_shards" json:"memory_shards" validate:"gte=0"`

	Persistent TierConfig `yaml:"persistent" json:"persistent"`
	Lazy       TierConfig `yaml:"lazy" json:"lazy"`
}

// TierConfig selects and configures one cold cache tier.
type TierConfig struct {
	// Backend is one of none, redis, store or memory.
	Backend string `yaml:"backend" json:"backend" validate:"omitempty,oneof=none redis store memory"`

	// URL is the Redis connection string for the redis backend.
	URL string `yaml:"url" json:"url,omitempty"`

	// Prefix is prepended to Redis keys.
	Prefix string `yaml:"prefix" json:"prefix,omitempty"`

	// Namespace is the store namespace used by the store backend.
	Namespace string `yaml:"namespace" json:"namespace,omitempty"`

	// Timeout bounds connecting to the tier.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	// RetryAfter is how long a failed lazy open is remembered.
	RetryAfter time.Duration `yaml:"retry_after" json:"retry_after" validate:"gte=0"`
}

// Enabled reports whether the tier is configured.
func (t TierConfig) Enabled() bool {
	return t.Backend != "" && t.Backend != BackendNone
}

// StoreConfig configures the namespaced persistence store.
type StoreConfig struct {
	// Driver is sqlite or memory.
	Driver string `yaml:"driver" json:"driver" validate:"oneof=sqlite memory"`

	// Path is the SQLite database file.
	Path string `yaml:"path" json:"path" validate:"required_if=Driver sqlite"`

	// SweepInterval is how often expired records are removed. Zero disables sweeping.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval" validate:"gte=0"`

	// NamespaceTTLs overrides the default expiry per namespace.
	NamespaceTTLs map[string]time.Duration `yaml:"namespace_ttls" json:"namespace_ttls"`
}

// StoreOptions returns the stores.Config for s.
func (s StoreConfig) StoreOptions() stores.Config {
	return stores.Config{
		Path:          s.Path,
		NamespaceTTLs: s.NamespaceTTLs,
	}
}

// ActivationConfig configures the activation controller and its admission policies.
type ActivationConfig struct {
	// Timeout bounds a single activation.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	// MemoryBudget caps the summed memory weight of active resources. Zero disables it.
	MemoryBudget int `yaml:"memory_budget" json:"memory_budget" validate:"gte=0"`

	// Denied lists resource ids that may never be activated.
	Denied []string `yaml:"denied" json:"denied"`

	// PolicyPaths are extra .rego or .json policy files and directories.
	PolicyPaths []string `yaml:"policy_paths" json:"policy_paths"`

	// ScriptTimeout bounds each call into a script provider.
	ScriptTimeout time.Duration `yaml:"script_timeout" json:"script_timeout" validate:"gte=0"`

	// DegradeOnFailure runs a task with whatever resources activated instead of failing it.
	DegradeOnFailure bool `yaml:"degrade_on_failure" json:"degrade_on_failure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	fallback := classifier.DefaultRule()
	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		Resources: DefaultResources(),
		Rules:     classifier.DefaultRules(),
		Fallback: FallbackConfig{
			Strategy:   fallback.Strategy,
			Confidence: fallback.Confidence,
			Resources:  []string{},
		},
		Cache: CacheConfig{
			DefaultTTL:   time.Hour,
			MemoryShards: 16,
			Persistent:   TierConfig{Backend: BackendNone},
			Lazy: TierConfig{
				Backend:    BackendStore,
				Namespace:  stores.NamespacePerformance,
				Timeout:    5 * time.Second,
				RetryAfter: 10 * time.Second,
			},
		},
		Store: StoreConfig{
			Driver:        DriverSQLite,
			Path:          "kindle.db",
			SweepInterval: 5 * time.Minute,
			NamespaceTTLs: stores.DefaultNamespaceTTLs(),
		},
		Activation: ActivationConfig{
			Timeout:       30 * time.Second,
			ScriptTimeout: 30 * time.Second,
		},
	}
}

// DefaultResources returns the built-in catalog. Every entry uses the
// simulated provider.
func DefaultResources() []engine.ResourceDescriptor {
	simulated := func(id string, latency time.Duration, weight int, caps ...string) engine.ResourceDescriptor {
		return engine.ResourceDescriptor{
			ID:                 id,
			Kind:               "simulated",
			CapabilityKeywords: caps,
			ActivationLatency:  latency,
			MemoryWeight:       weight,
		}
	}
	return []engine.ResourceDescriptor{
		simulated("search", 300*time.Millisecond, 12, "web_search", "research", "error_lookup"),
		simulated("serverProvisioner", 2*time.Second, 15, "server_create", "vps", "cloud_infra"),
		simulated("orchestrator", time.Second, 25, "swarm", "workflow", "coordination"),
		simulated("imageGenerator", 1500*time.Millisecond, 15, "image_generation", "design"),
		simulated("docProcessor", 500*time.Millisecond, 12, "document_parsing", "pdf", "ocr"),
		simulated("cache", 200*time.Millisecond, 15, "key_value", "session_state"),
		simulated("vectorStore", 300*time.Millisecond, 18, "embeddings", "semantic_search"),
		simulated("cloudDeploy", 800*time.Millisecond, 20, "sandbox", "scale_out"),
		simulated("appDeploy", 1200*time.Millisecond, 15, "app_deploy", "containers"),
	}
}
