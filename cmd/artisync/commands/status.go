package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		group string
		runs  int
		limit int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show synchronized artifacts and recent runs",
		Example: `  # Show everything
  artisync status

  # Show the last 20 runs of one group
  artisync status --group persistence --runs 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			states, err := a.store.ListStates(ctx, limit, 0)
			if err != nil {
				return err
			}
			history, err := a.store.ListRuns(ctx, group, runs)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), struct {
					Artifacts []*artifact.State `json:"artifacts"`
					Runs      []*stores.Run     `json:"runs"`
				}{states, history})
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tNAME\tLOCATION\tSYNCED")
			for _, s := range states {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Kind, s.Name, s.Location, s.SyncedAt.Format(time.RFC3339))
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "RUN\tGROUP\tSTATUS\tSTARTED\tERRORS")
			for _, r := range history {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", r.ID, r.Group, r.Status, r.StartedAt.Format(time.RFC3339), len(r.Errors))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "only show runs of this group")
	cmd.Flags().IntVar(&runs, "runs", 10, "number of recent runs to show")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum number of artifacts to show")

	return cmd
}
