package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/artisync/pkg/engine"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the synchronization daemon",
		Long: `Run the synchronization daemon until interrupted.

The daemon:
  - Synchronizes every group on startup and then at its interval
  - Serves Prometheus metrics when enabled
  - Reloads policy files on change when policy.watch is set`,
		Example: `  # Run with artisync.yaml from the working directory
  artisync run

  # Run with an explicit config file
  artisync run --config /etc/artisync/artisync.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.policies != nil && a.cfg.Policy.Watch {
				if err := a.policies.Watch(ctx); err != nil {
					a.logger.Warn().Err(err).Msg("Policy hot reload disabled")
				}
			}

			metricsErr := make(chan error, 1)
			go func() {
				metricsErr <- a.tel.Metrics.Serve(ctx)
			}()

			a.coord.OnReport(func(r *engine.Report) {
				a.logger.Info().
					Str("run_id", r.RunID).
					Str("summary", r.Summary()).
					Msg("Scheduled cycle finished")
			})
			if err := a.coord.Start(ctx); err != nil {
				return err
			}

			a.logger.Info().
				Strs("groups", a.coord.Groups()).
				Str("registry", a.cfg.Registry.Root).
				Msg("Artisync daemon started")

			select {
			case <-ctx.Done():
			case err := <-metricsErr:
				if err != nil {
					a.logger.Error().Err(err).Msg("Metrics server failed")
				}
				<-ctx.Done()
			}

			a.coord.Stop()
			a.logger.Info().Msg("Artisync daemon stopped")
			return nil
		},
	}

	return cmd
}
