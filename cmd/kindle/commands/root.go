package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/kindle/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kindle",
		Short: "kindle - lazy resource activation and tiered caching",
		Long: `kindle routes free-text tasks to the resources they need.

A task is classified by an ordered keyword rule table. The resources its rule
names are activated on first use, admitted by Rego policies, and each
resource's output is served through a three-tier cache:
  - Persistent: always-on shared tier (Redis)
  - Lazy: cold tier opened on first use (Redis or the local store)
  - Memory: in-process last resort

Sessions, learnings and knowledge patterns persist in a namespaced SQLite
store with per-namespace expiry.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newClassifyCommand())
	rootCmd.AddCommand(newRulesCommand())
	rootCmd.AddCommand(newResourcesCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newStoreCommand())
	rootCmd.AddCommand(newPoliciesCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// loadConfig reads --config, or returns the built-in configuration.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
