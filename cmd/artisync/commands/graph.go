package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var levels bool

	cmd := &cobra.Command{
		Use:   "graph <group>",
		Short: "Print the dependency graph of a group",
		Long: `Print the dependency graph of a group's current definitions in DOT
format, or as dependency levels with --levels.`,
		Example: `  # Render with Graphviz
  artisync graph persistence | dot -Tsvg > persistence.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := a.engine(args[0])
			if err != nil {
				return err
			}
			g, err := e.Graph(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !levels {
				_, err := fmt.Fprint(out, g.ToDOT())
				return err
			}
			for i, level := range g.Levels() {
				fmt.Fprintf(out, "%d: %v\n", i, level)
			}
			if ext := g.External(); len(ext) > 0 {
				fmt.Fprintf(out, "external: %v\n", ext)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&levels, "levels", false, "print dependency levels instead of DOT")

	return cmd
}
