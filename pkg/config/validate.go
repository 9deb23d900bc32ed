package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks field constraints and cross references.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	var errs []error

	ids := make(map[string]bool, len(c.Resources))
	for _, r := range c.Resources {
		if ids[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate resource %q", r.ID))
		}
		ids[r.ID] = true
	}

	for i, rule := range c.Rules {
		for _, id := range rule.Resources {
			if !ids[id] {
				errs = append(errs, fmt.Errorf("rule %d (%s) references unknown resource %q", i, rule.Strategy, id))
			}
		}
	}
	for _, id := range c.Fallback.Resources {
		if !ids[id] {
			errs = append(errs, fmt.Errorf("fallback references unknown resource %q", id))
		}
	}

	tiers := []struct {
		name string
		tier TierConfig
	}{{"persistent", c.Cache.Persistent}, {"lazy", c.Cache.Lazy}}
	for _, t := range tiers {
		name, tier := t.name, t.tier
		switch tier.Backend {
		case BackendRedis:
			if tier.URL == "" {
				errs = append(errs, fmt.Errorf("cache.%s: redis backend requires url", name))
			}
		case BackendStore:
			if tier.Namespace == "" {
				errs = append(errs, fmt.Errorf("cache.%s: store backend requires namespace", name))
			}
		}
	}

	for ns, ttl := range c.Store.NamespaceTTLs {
		if ttl < 0 {
			errs = append(errs, fmt.Errorf("store.namespace_ttls[%s] must not be negative", ns))
		}
	}

	return errors.Join(errs...)
}
