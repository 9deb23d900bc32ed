package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/kindle/pkg/engine"
	"github.com/openfroyo/kindle/pkg/policy"
	"github.com/spf13/cobra"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List admission policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				policies := a.policy.ListPolicies()
				return output(cmd.OutOrStdout(), policies, func(w io.Writer) error {
					rows := make([][]string, 0, len(policies))
					for _, p := range policies {
						source := p.Source
						if source == "" {
							source = "builtin"
						}
						rows = append(rows, []string{p.Name, string(p.Severity), fmt.Sprint(p.Enabled), source})
					}
					return printTable(w, []string{"NAME", "SEVERITY", "ENABLED", "SOURCE"}, rows)
				})
			})
		},
	}

	cmd.AddCommand(newPoliciesCheckCommand())

	return cmd
}

type admissionView struct {
	Resource string           `json:"resource"`
	Decision *policy.Decision `json:"decision"`
}

func newPoliciesCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <resource>...",
		Short: "Evaluate admission for resources activated in order",
		Long: `Evaluate the admission policies as if the given resources were activated
one after another. Each admitted resource counts towards the active set and
memory weight seen by the next one. Nothing is activated.`,
		Example: `  kindle policies check orchestrator vectorStore cloudDeploy`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				catalog := a.manager.Controller().Catalog()

				var (
					views  []admissionView
					active []string
					weight int
				)
				for _, id := range args {
					desc, ok := catalog.Get(id)
					if !ok {
						return fmt.Errorf("%w: %s", engine.ErrUnknownResource, id)
					}
					decision, err := a.policy.Check(cmd.Context(), engine.AdmissionRequest{
						Resource:     desc,
						Active:       append([]string(nil), active...),
						ActiveWeight: weight,
					})
					if err != nil {
						return err
					}
					views = append(views, admissionView{Resource: id, Decision: decision})
					if decision.Allowed {
						active = append(active, id)
						weight += desc.MemoryWeight
					}
				}

				return output(cmd.OutOrStdout(), views, func(w io.Writer) error {
					for _, v := range views {
						verdict := "admitted"
						if !v.Decision.Allowed {
							msgs := make([]string, 0, len(v.Decision.Violations))
							for _, viol := range v.Decision.Violations {
								msgs = append(msgs, viol.Message)
							}
							verdict = "denied: " + strings.Join(msgs, "; ")
						}
						fmt.Fprintf(w, "%-18s %s\n", v.Resource, verdict)
					}
					return nil
				})
			})
		},
	}
}
