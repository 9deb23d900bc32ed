package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/openfroyo/kindle/pkg/cache"
	"github.com/spf13/cobra"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Read and write the tiered cache",
		Long: `Operate on the tiered cache configured in the config file.

Reads fall back from the persistent tier to memory and then the lazy tier.
Writes go to the persistent tier and memory, and behind to the lazy tier. The
memory tier lives only as long as the process, so one-shot commands read what
earlier invocations left in the persistent and lazy tiers.`,
	}

	cmd.AddCommand(newCacheGetCommand())
	cmd.AddCommand(newCacheSetCommand())
	cmd.AddCommand(newCacheDeleteCommand())
	cmd.AddCommand(newCacheStatsCommand())
	cmd.AddCommand(newCacheWarmCommand())

	return cmd
}

func newCacheGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				res, err := a.manager.Cache().Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !res.Found {
					return fmt.Errorf("key %q not found", args[0])
				}
				view := struct {
					Key   string `json:"key"`
					Value string `json:"value"`
					Tier  string `json:"tier"`
				}{args[0], string(res.Value), string(res.Tier)}
				return output(cmd.OutOrStdout(), view, func(w io.Writer) error {
					fmt.Fprintf(w, "%s (from %s)\n", res.Value, res.Tier)
					return nil
				})
			})
		},
	}
}

func newCacheSetCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a value",
		Example: `  kindle cache set greeting hello --ttl 10m`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.manager.Cache().Set(cmd.Context(), args[0], []byte(args[1]), ttl); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "set %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "time to live (default: the cache default TTL)")

	return cmd
}

func newCacheDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key from every tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.manager.Cache().Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newCacheStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache tiers and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				c := a.manager.Cache()
				s := c.Stats()
				view := struct {
					Persistent bool        `json:"persistent"`
					Lazy       bool        `json:"lazy"`
					Stats      cache.Stats `json:"stats"`
					HitRate    float64     `json:"hit_rate"`
				}{c.HasPersistent(), c.HasLazy(), s, s.HitRate()}

				return output(cmd.OutOrStdout(), view, func(w io.Writer) error {
					return printTable(w, []string{"COUNTER", "VALUE"}, [][]string{
						{"persistent tier", fmt.Sprint(c.HasPersistent())},
						{"lazy tier", fmt.Sprint(c.HasLazy())},
						{"persistent hits", fmt.Sprint(s.PersistentHits)},
						{"lazy fallbacks", fmt.Sprint(s.LazyFallbacks)},
						{"memory fallbacks", fmt.Sprint(s.MemoryFallbacks)},
						{"misses", fmt.Sprint(s.Misses)},
						{"persistent errors", fmt.Sprint(s.PersistentErrors)},
						{"lazy errors", fmt.Sprint(s.LazyErrors)},
						{"degraded writes", fmt.Sprint(s.WriteDegraded)},
						{"promotions", fmt.Sprint(s.Promotions)},
						{"sets", fmt.Sprint(s.Sets)},
					})
				})
			})
		},
	}
}

func newCacheWarmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "warm <key>...",
		Short: "Promote keys from the lazy tier into the fast tiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				n, err := a.manager.Cache().Warm(cmd.Context(), args)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "warmed %d of %d keys\n", n, len(args))
				return nil
			})
		},
	}
}
