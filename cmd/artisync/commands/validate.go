package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/artisync/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [group...]",
		Short: "Check definitions without applying them",
		Long: `Parse and classify the definitions of the given groups, or of every
group, and report parse errors, naming conflicts, policy violations and
dependency cycles. Neither the targets nor the state are touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			engines, err := a.groups(args)
			if err != nil {
				return err
			}

			var reports []*engine.Report
			problems := 0
			for _, e := range engines {
				report, err := e.Plan(ctx)
				if err != nil {
					return err
				}
				reports = append(reports, report)
				problems += len(report.Errors)
				if report.Degraded {
					problems++
				}
			}

			if err := printReports(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			if problems > 0 {
				return fmt.Errorf("validation found %d problems", problems)
			}
			return nil
		},
	}

	return cmd
}
