package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/openfroyo/kindle/pkg/classifier"
	"github.com/spf13/cobra"
)

func newClassifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <task>",
		Short: "Classify a task without activating anything",
		Example: `  # Show the strategy and resources for a task
  kindle classify "process important document PDF"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c := classifier.New(cfg.Rules, cfg.Fallback.Rule()).Classify(strings.Join(args, " "))

			return output(cmd.OutOrStdout(), c, func(w io.Writer) error {
				rule := strconv.Itoa(c.Rule)
				if c.IsDefault() {
					rule = "default"
				}
				fmt.Fprintf(w, "strategy:   %s\n", c.Strategy)
				fmt.Fprintf(w, "confidence: %.2f\n", c.Confidence)
				fmt.Fprintf(w, "resources:  %s\n", strings.Join(c.Resources, ", "))
				fmt.Fprintf(w, "rule:       %s\n", rule)
				return nil
			})
		},
	}
}

func newRulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the classification rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c := classifier.New(cfg.Rules, cfg.Fallback.Rule())

			return output(cmd.OutOrStdout(), c.Rules(), func(w io.Writer) error {
				rows := make([][]string, 0, len(c.Rules())+1)
				for i, r := range c.Rules() {
					rows = append(rows, []string{
						strconv.Itoa(i),
						r.Strategy,
						fmt.Sprintf("%.2f", r.Confidence),
						strings.Join(r.Keywords, ","),
						strings.Join(r.Resources, ","),
					})
				}
				fb := c.Fallback()
				rows = append(rows, []string{"-", fb.Strategy, fmt.Sprintf("%.2f", fb.Confidence), "", strings.Join(fb.Resources, ",")})
				return printTable(w, []string{"#", "STRATEGY", "CONFIDENCE", "KEYWORDS", "RESOURCES"}, rows)
			})
		},
	}
}

func newResourcesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List the resource catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			return output(cmd.OutOrStdout(), cfg.Resources, func(w io.Writer) error {
				rows := make([][]string, 0, len(cfg.Resources))
				for _, r := range cfg.Resources {
					rows = append(rows, []string{
						r.ID,
						r.FactoryKind(),
						r.ActivationLatency.String(),
						strconv.Itoa(r.MemoryWeight),
						strings.Join(r.CapabilityKeywords, ","),
					})
				}
				return printTable(w, []string{"ID", "KIND", "LATENCY", "WEIGHT", "CAPABILITIES"}, rows)
			})
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d resources, %d rules\n", len(cfg.Resources), len(cfg.Rules))
			return nil
		},
	}
}
