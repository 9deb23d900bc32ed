package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/openfroyo/kindle/pkg/stores"
	"github.com/spf13/cobra"
)

func newStoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the namespaced persistence store",
		Long: `Read and write records in the namespaced store.

Well-known namespaces and their default expiry:
  swarm_sessions     24h
  knowledge_base     7d
  performance_cache  1h
  agent_memory       30d
  error_patterns     14d

A --ttl of 0 applies the namespace default.`,
	}

	cmd.AddCommand(newStorePutCommand())
	cmd.AddCommand(newStoreGetCommand())
	cmd.AddCommand(newStoreListCommand())
	cmd.AddCommand(newStoreDeleteCommand())
	cmd.AddCommand(newStoreSearchCommand())
	cmd.AddCommand(newStoreCountsCommand())
	cmd.AddCommand(newStoreSweepCommand())

	return cmd
}

func newStorePutCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "put <namespace> <key> <json>",
		Short: "Store a JSON payload",
		Example: `  kindle store put knowledge_base retry-522 '{"solution":"retry with backoff"}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.store.Put(cmd.Context(), args[0], args[1], json.RawMessage(args[2]), ttl); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s/%s\n", args[0], args[1])
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "time to live (0 uses the namespace default)")

	return cmd
}

func newStoreGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <namespace> <key>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				rec, err := a.store.Get(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), rec, func(w io.Writer) error {
					printRecord(w, rec)
					return nil
				})
			})
		},
	}
}

func newStoreListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [namespace]",
		Short: "List keys of a namespace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns := stores.NamespaceSessions
			if len(args) == 1 {
				ns = args[0]
			}
			return withApp(cmd.Context(), func(a *app) error {
				keys, err := a.store.List(cmd.Context(), ns)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), keys, func(w io.Writer) error {
					for _, k := range keys {
						fmt.Fprintln(w, k)
					}
					return nil
				})
			})
		},
	}
}

func newStoreDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <namespace> <key>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.store.Delete(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newStoreSearchCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <namespace> <query>",
		Short: "Find records whose key or payload contains query",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				records, err := a.store.Search(cmd.Context(), args[0], args[1], limit)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), records, func(w io.Writer) error {
					for _, rec := range records {
						printRecord(w, rec)
						fmt.Fprintln(w)
					}
					return nil
				})
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 5, "maximum number of records")

	return cmd
}

func newStoreCountsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Count live records per namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				counts, err := a.store.Counts(cmd.Context())
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), counts, func(w io.Writer) error {
					names := make([]string, 0, len(counts))
					for ns := range counts {
						names = append(names, ns)
					}
					sort.Strings(names)
					rows := make([][]string, 0, len(names))
					for _, ns := range names {
						rows = append(rows, []string{ns, strconv.Itoa(counts[ns])})
					}
					return printTable(w, []string{"NAMESPACE", "RECORDS"}, rows)
				})
			})
		},
	}
}

func newStoreSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				sweeper := stores.NewSweeper(a.store, a.cfg.Store.SweepInterval, a.logger)
				sweeper.OnSweep = a.tel.Metrics.ObserveSweep
				removed, err := sweeper.SweepOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired records\n", removed)
				return nil
			})
		},
	}
}

func printRecord(w io.Writer, rec *engine.Record) {
	fmt.Fprintf(w, "%s/%s\n", rec.Namespace, rec.Key)
	fmt.Fprintf(w, "  created: %s\n", rec.CreatedAt.Format(time.RFC3339))
	if exp := rec.ExpiresAt(); !exp.IsZero() {
		fmt.Fprintf(w, "  expires: %s\n", exp.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  payload: %s\n", rec.Payload)
}
