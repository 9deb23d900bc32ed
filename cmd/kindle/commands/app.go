package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/kindle/pkg/activation"
	"github.com/openfroyo/kindle/pkg/cache"
	"github.com/openfroyo/kindle/pkg/classifier"
	"github.com/openfroyo/kindle/pkg/config"
	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/openfroyo/kindle/pkg/manager"
	"github.com/openfroyo/kindle/pkg/policy"
	"github.com/openfroyo/kindle/pkg/providers"
	"github.com/openfroyo/kindle/pkg/stores"
	"github.com/openfroyo/kindle/pkg/telemetry"
	"github.com/rs/zerolog"
)

// app holds the components built from one configuration.
type app struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	store   engine.Store
	policy  *policy.Engine
	manager *manager.Manager

	closers []func() error
}

// newApp wires every component described by cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.close(context.WithoutCancel(ctx))
		}
	}()

	var err error
	a.tel, err = telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.tel.Shutdown(context.WithoutCancel(ctx)) })
	a.logger = a.tel.Logger.Zerolog()

	a.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	a.policy, err = policy.NewEngine(a.logger, policy.Options{
		MemoryBudget: cfg.Activation.MemoryBudget,
		Denied:       cfg.Activation.Denied,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	a.policy.SetEvents(a.tel.Events)
	if len(cfg.Activation.PolicyPaths) > 0 {
		if err := a.policy.LoadPolicies(ctx, cfg.Activation.PolicyPaths); err != nil {
			return nil, err
		}
	}

	catalog, err := activation.NewCatalog(cfg.Resources...)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	registry := activation.NewRegistry()
	if err := providers.RegisterBuiltins(registry, cfg.Activation.ScriptTimeout, a.logger); err != nil {
		return nil, err
	}
	controller := activation.NewController(catalog, registry, activation.Options{
		ActivationTimeout: cfg.Activation.Timeout,
		Admitter:          a.policy,
		Observer:          a.tel.Metrics,
		Events:            a.tel.Events,
		Logger:            a.logger,
	})

	tiered, err := a.buildCache(ctx)
	if err != nil {
		return nil, err
	}

	a.manager, err = manager.New(
		classifier.New(cfg.Rules, cfg.Fallback.Rule()),
		controller,
		tiered,
		a.store,
		manager.Options{
			DegradeOnFailure: cfg.Activation.DegradeOnFailure,
			Telemetry:        a.tel,
			Logger:           a.logger,
		},
	)
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (engine.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return stores.NewMemoryStore(cfg.StoreOptions()), nil
	default:
		s, err := stores.OpenSQLiteStore(ctx, cfg.StoreOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to open store %s: %w", cfg.Path, err)
		}
		return s, nil
	}
}

// buildCache connects the persistent tier eagerly and defers the lazy tier to
// its first use. An unreachable persistent tier is logged and left out.
func (a *app) buildCache(ctx context.Context) (*cache.TieredCache, error) {
	cc := a.cfg.Cache

	var persistent engine.Backend
	if cc.Persistent.Enabled() {
		b, closer, err := a.openTier(ctx, cc.Persistent)
		if err != nil {
			a.logger.Warn().Err(err).Str("backend", cc.Persistent.Backend).Msg("Persistent tier unavailable")
		} else {
			persistent = b
			if closer != nil {
				a.closers = append(a.closers, closer)
			}
		}
	}

	var lazy *cache.LazyBackend
	var lazyTier engine.Backend
	if cc.Lazy.Enabled() {
		tier := cc.Lazy
		lazy = cache.NewLazy(func(ctx context.Context) (engine.Backend, error) {
			b, _, err := a.openTier(ctx, tier)
			return b, err
		}, cache.LazyOptions{
			OpenTimeout: tier.Timeout,
			RetryAfter:  tier.RetryAfter,
		})
		lazyTier = lazy
		a.closers = append(a.closers, lazy.Close)
	}

	tiered := cache.New(persistent, lazyTier, cache.NewMemoryBackend(cc.MemoryShards, nil), cache.Options{
		DefaultTTL:  cc.DefaultTTL,
		LazyTimeout: cc.Lazy.Timeout,
		Events:      a.tel.Events,
		Logger:      a.logger,
	})

	err := a.tel.Metrics.RegisterCacheCounters(func() telemetry.CacheCounters {
		s := tiered.Stats()
		return telemetry.CacheCounters{
			PersistentHits:   s.PersistentHits,
			LazyFallbacks:    s.LazyFallbacks,
			MemoryFallbacks:  s.MemoryFallbacks,
			Misses:           s.Misses,
			PersistentErrors: s.PersistentErrors,
			LazyErrors:       s.LazyErrors,
			WriteDegraded:    s.WriteDegraded,
			Promotions:       s.Promotions,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register cache metrics: %w", err)
	}
	return tiered, nil
}

// openTier builds the backend for one tier. The returned closer is nil for
// backends that share the app's store.
func (a *app) openTier(ctx context.Context, tc config.TierConfig) (engine.Backend, func() error, error) {
	switch tc.Backend {
	case config.BackendRedis:
		b, err := stores.NewRedisBackend(ctx, stores.RedisOptions{
			URL:            tc.URL,
			Prefix:         tc.Prefix,
			ConnectTimeout: tc.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case config.BackendStore:
		return stores.NewNamespaceBackend(a.store, tc.Namespace, nil), nil, nil
	case config.BackendMemory:
		return cache.NewMemoryBackend(a.cfg.Cache.MemoryShards, nil), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache backend %q", tc.Backend)
	}
}

// close releases everything newApp opened, newest first.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Close(ctx))
	} else if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// withApp loads the configuration, runs fn against the wired app and closes it.
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()
	return fn(a)
}
