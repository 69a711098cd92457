package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/artisync/pkg/engine"
)

func newSyncCommand() *cobra.Command {
	var (
		force  bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "sync [group...]",
		Short: "Run one synchronization cycle now",
		Long: `Run one synchronization cycle of the given groups, or of every group.

Before synchronizing, each group is planned. A group whose cycle would
remove artifacts is only synchronized with --force.`,
		Example: `  # Synchronize every group
  artisync sync

  # Synchronize one group, allowing removals
  artisync sync persistence --force

  # Show what a cycle would do
  artisync sync --dry-run`,
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
			failed := 0
			for _, e := range engines {
				plan, err := e.Plan(ctx)
				if err != nil {
					return err
				}
				if dryRun {
					reports = append(reports, plan)
					continue
				}
				if len(plan.Removed) > 0 && !force {
					return fmt.Errorf("group %s would remove %d artifacts %v; rerun with --force",
						e.Group().Name, len(plan.Removed), plan.Removed)
				}

				report, err := a.coord.Force(ctx, e.Group().Name)
				if report != nil {
					reports = append(reports, report)
					if report.HasErrors() {
						failed++
					}
				}
				if err != nil {
					a.logger.Error().Err(err).Str("group", e.Group().Name).Msg("Cycle aborted")
				}
			}

			if err := printReports(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d groups reported errors", failed, len(engines))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "synchronize even if artifacts would be removed")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan without touching targets or state")

	return cmd
}
