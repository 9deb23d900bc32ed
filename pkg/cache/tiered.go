package cache

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/openfroyo/kindle/pkg/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is applied to writes that do not specify a positive ttl.
const DefaultTTL = time.Hour

// Options configures a TieredCache.
type Options struct {
	// DefaultTTL replaces a ttl <= 0 on Set. Defaults to one hour.
	DefaultTTL time.Duration

	// LazyTimeout bounds each read and write-behind on the lazy tier. Defaults to 5s.
	LazyTimeout time.Duration

	// Events, if set, receives a cache.write_degraded event per rejected write.
	Events *telemetry.EventPublisher

	Logger zerolog.Logger
}

// Result is the outcome of a Get.
type Result struct {
	Value []byte
	Found bool
	Tier  engine.Tier
}

// TieredCache reads through Persistent, Memory and Lazy tiers and writes through
// to Persistent and Memory, with Lazy written behind. Tier failures are absorbed
// and counted.
type TieredCache struct {
	persistent engine.Backend
	lazy       engine.Backend
	memory     engine.Backend

	defaultTTL  time.Duration
	lazyTimeout time.Duration
	events      *telemetry.EventPublisher
	logger      zerolog.Logger

	sf    singleflight.Group
	stats counters
}

// New creates a tiered cache. persistent and lazy may be nil; a nil memory tier is
// replaced by a fresh MemoryBackend.
func New(persistent, lazy, memory engine.Backend, opts Options) *TieredCache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.LazyTimeout <= 0 {
		opts.LazyTimeout = 5 * time.Second
	}
	if memory == nil {
		memory = NewMemoryBackend(DefaultShards, nil)
	}
	return &TieredCache{
		persistent:  persistent,
		lazy:        lazy,
		memory:      memory,
		defaultTTL:  opts.DefaultTTL,
		lazyTimeout: opts.LazyTimeout,
		events:      opts.Events,
		logger:      opts.Logger.With().Str("component", "cache").Logger(),
	}
}

// Get returns the value of key from the first tier that holds it.
//
// A key resident in Memory is served from there before Lazy is consulted: writes
// that reached only Memory stay readable, and a key already promoted from Lazy is
// never fetched from Lazy again. A Lazy hit is promoted into Persistent and Memory.
func (c *TieredCache) Get(ctx context.Context, key string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if c.persistent != nil {
		ent, err := c.persistent.Get(ctx, key)
		if err == nil {
			c.stats.persistentHits.Add(1)
			return Result{Value: ent.Value, Found: true, Tier: engine.TierPersistent}, nil
		}
		if !errors.Is(err, engine.ErrNotFound) {
			c.stats.persistentErrors.Add(1)
			c.logger.Debug().Err(err).Str("key", key).Msg("Persistent tier unavailable, falling back")
		}
	}

	if ent, err := c.memory.Get(ctx, key); err == nil {
		c.stats.memoryFallbacks.Add(1)
		return Result{Value: ent.Value, Found: true, Tier: engine.TierMemory}, nil
	}

	if c.lazy != nil {
		v, err, _ := c.sf.Do(key, func() (interface{}, error) {
			return c.fetchLazy(ctx, key)
		})
		if err == nil {
			c.stats.lazyFallbacks.Add(1)
			value := v.([]byte)
			return Result{Value: append([]byte(nil), value...), Found: true, Tier: engine.TierLazy}, nil
		}
		if !errors.Is(err, engine.ErrNotFound) {
			c.stats.lazyErrors.Add(1)
			c.logger.Debug().Err(err).Str("key", key).Msg("Lazy tier unavailable")
		}
	}

	c.stats.misses.Add(1)
	return Result{Tier: engine.TierNone}, nil
}

// fetchLazy reads key from the lazy tier and promotes a hit. It runs once per key
// for concurrent callers, detached from any single caller's cancellation.
func (c *TieredCache) fetchLazy(ctx context.Context, key string) ([]byte, error) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lazyTimeout)
	defer cancel()

	ent, err := c.lazy.Get(lctx, key)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &engine.TimeoutError{Op: "get", Resource: string(engine.TierLazy), After: c.lazyTimeout}
		}
		if !errors.Is(err, engine.ErrNotFound) && !engine.IsCacheUnavailable(err) {
			err = engine.NewCacheUnavailableError(engine.TierLazy, "get", err)
		}
		return nil, err
	}

	ttl := ent.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.promote(lctx, key, ent.Value, ttl)
	return ent.Value, nil
}

func (c *TieredCache) promote(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c.persistent != nil {
		if err := c.persistent.Set(ctx, key, value, ttl); err != nil {
			c.degraded(engine.TierPersistent, key, err)
			c.logger.Debug().Err(err).Str("key", key).Msg("Promotion to persistent tier failed")
		}
	}
	_ = c.memory.Set(ctx, key, value, ttl)
	c.stats.promotions.Add(1)
}

// Set writes value to Persistent and Memory, then writes it behind to Lazy so
// that a later process can recover it. A ttl <= 0 uses the default TTL.
// It fails only when neither Persistent nor Memory accepted the write; Lazy
// failures are counted and logged.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.stats.sets.Add(1)

	var persistErr error
	if c.persistent != nil {
		if persistErr = c.persistent.Set(ctx, key, value, ttl); persistErr != nil {
			c.degraded(engine.TierPersistent, key, persistErr)
			c.logger.Warn().Err(persistErr).Str("key", key).Msg("Persistent write failed, kept in memory")
			persistErr = engine.NewCacheUnavailableError(engine.TierPersistent, "set", persistErr)
		}
	}

	if err := c.memory.Set(ctx, key, value, ttl); err != nil {
		memErr := engine.NewCacheUnavailableError(engine.TierMemory, "set", err)
		if c.persistent == nil || persistErr != nil {
			return errors.Join(persistErr, memErr)
		}
		c.logger.Warn().Err(err).Str("key", key).Msg("Memory write failed")
	}

	if c.lazy != nil {
		c.writeBehind(ctx, key, value, ttl)
	}
	return nil
}

func (c *TieredCache) writeBehind(ctx context.Context, key string, value []byte, ttl time.Duration) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lazyTimeout)
	defer cancel()

	if err := c.lazy.Set(lctx, key, value, ttl); err != nil {
		c.degraded(engine.TierLazy, key, err)
		c.logger.Debug().Err(err).Str("key", key).Msg("Lazy write-behind failed")
	}
}

func (c *TieredCache) degraded(tier engine.Tier, key string, err error) {
	c.stats.writeDegraded.Add(1)
	if c.events == nil {
		return
	}
	if perr := c.events.PublishCacheWriteDegraded(tier, key, err); perr != nil {
		c.logger.Debug().Err(perr).Str("key", key).Msg("Cache event dropped")
	}
}

// Delete removes key from every tier. Lazy failures are logged, not returned.
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	var errs []error
	if c.persistent != nil {
		if err := c.persistent.Delete(ctx, key); err != nil {
			errs = append(errs, engine.NewCacheUnavailableError(engine.TierPersistent, "delete", err))
		}
	}
	if c.lazy != nil {
		if err := c.lazy.Delete(ctx, key); err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("Lazy delete failed")
		}
	}
	if err := c.memory.Delete(ctx, key); err != nil {
		errs = append(errs, engine.NewCacheUnavailableError(engine.TierMemory, "delete", err))
	}
	return errors.Join(errs...)
}

// Warm pulls keys from the lazy tier into Persistent and Memory ahead of demand.
// It returns how many keys were found and promoted. Warming does not count as gets.
func (c *TieredCache) Warm(ctx context.Context, keys []string) (int, error) {
	if c.lazy == nil {
		return 0, nil
	}

	warmed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
		_, err, _ := c.sf.Do(key, func() (interface{}, error) {
			return c.fetchLazy(ctx, key)
		})
		switch {
		case err == nil:
			warmed++
		case errors.Is(err, engine.ErrNotFound):
		default:
			c.stats.lazyErrors.Add(1)
			c.logger.Debug().Err(err).Str("key", key).Msg("Warm skipped key")
		}
	}

	c.logger.Info().Int("requested", len(keys)).Int("warmed", warmed).Msg("Cache warming completed")
	return warmed, nil
}

// Stats returns a copy of the instrumentation counters.
func (c *TieredCache) Stats() Stats {
	return c.stats.snapshot()
}

// HasPersistent reports whether a persistent tier is configured.
func (c *TieredCache) HasPersistent() bool { return c.persistent != nil }

// HasLazy reports whether a lazy tier is configured.
func (c *TieredCache) HasLazy() bool { return c.lazy != nil }
