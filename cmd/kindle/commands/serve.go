package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/kindle/pkg/classifier"
	"github.com/openfroyo/kindle/pkg/config"
	"github.com/openfroyo/kindle/pkg/policy"
	"github.com/openfroyo/kindle/pkg/stores"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	var reloadDelay time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the metrics endpoint, the expiry sweeper and config reloading",
		Long: `Run kindle as a long-lived process.

serve exposes Prometheus metrics when enabled, removes expired store records
on the configured sweep interval, and reloads the classification rules,
memory budget, denylist and policy files when they change on disk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				return a.serve(cmd.Context(), reloadDelay)
			})
		},
	}

	cmd.Flags().DurationVar(&reloadDelay, "reload-delay", 250*time.Millisecond, "debounce delay for file changes")

	return cmd
}

func (a *app) serve(ctx context.Context, reloadDelay time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.tel.Metrics.Serve(ctx, a.logger)
	})

	if a.cfg.Store.SweepInterval > 0 {
		sweeper := stores.NewSweeper(a.store, a.cfg.Store.SweepInterval, a.logger)
		sweeper.OnSweep = a.tel.Metrics.ObserveSweep
		g.Go(func() error {
			sweeper.Run(ctx)
			return nil
		})
	}

	if configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, reloadDelay, a.logger, a.reload)
		})
	}

	if paths := a.cfg.Activation.PolicyPaths; len(paths) > 0 {
		g.Go(func() error {
			return policy.NewLoader(a.logger).Watch(ctx, paths, reloadDelay, func(policies []policy.Policy) error {
				return a.policy.ReplacePolicies(ctx, policies)
			})
		})
	}

	a.logger.Info().
		Int("resources", a.manager.Controller().Catalog().Len()).
		Dur("sweep_interval", a.cfg.Store.SweepInterval).
		Msg("kindle serving")

	return g.Wait()
}

// reload applies the parts of cfg that can change without a restart. The
// catalog is fixed for the life of the process, so every referenced resource
// must already exist in it.
func (a *app) reload(cfg *config.Config) error {
	catalog := a.manager.Controller().Catalog()
	for i, r := range cfg.Rules {
		for _, id := range r.Resources {
			if _, ok := catalog.Get(id); !ok {
				return fmt.Errorf("rules[%d]: resource %q is not in the running catalog", i, id)
			}
		}
	}
	for _, id := range cfg.Fallback.Resources {
		if _, ok := catalog.Get(id); !ok {
			return fmt.Errorf("fallback: resource %q is not in the running catalog", id)
		}
	}

	a.manager.SetClassifier(classifier.New(cfg.Rules, cfg.Fallback.Rule()))
	a.policy.SetOptions(policy.Options{
		MemoryBudget: cfg.Activation.MemoryBudget,
		Denied:       cfg.Activation.Denied,
	})

	a.logger.Info().Int("rules", len(cfg.Rules)).Msg("Configuration reloaded")
	return nil
}
