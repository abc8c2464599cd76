package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/logging"
	"github.com/JakeFAU/tracksync/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API",
		Long: `Starts the HTTP API. Runs are submitted with POST /v1/runs, controlled
with pause/resume/cancel, and observed through /v1/runs/{id}/events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()
			undo := zap.ReplaceGlobals(logger)
			defer undo()

			app := server.NewApp(cfg, logger)
			if err := app.Build(cmd.Context()); err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}
