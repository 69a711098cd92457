package commands

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List the admission policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.policies == nil {
				return errors.New("policy admission is disabled")
			}
			policies := a.policies.ListPolicies()

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), policies)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tKINDS\tSOURCE")
			for _, p := range policies {
				src := p.Source
				if p.Builtin {
					src = "builtin"
				}
				kinds := strings.Join(p.Kinds, ",")
				if kinds == "" {
					kinds = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, kinds, src)
			}
			return w.Flush()
		},
	}

	return cmd
}
