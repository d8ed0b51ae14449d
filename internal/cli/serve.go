package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/rtdispatch/internal/config"
	"github.com/me/rtdispatch/internal/runs"
	"github.com/me/rtdispatch/internal/scenario"
	"github.com/me/rtdispatch/internal/server"
)

func newServeCmd() *cobra.Command {
	cfg := config.DefaultServerConfig()
	var allowRuns bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve recorded runs over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			var opts []server.Option
			if allowRuns {
				opts = append(opts, server.WithRunService(runs.NewService(st, scenario.Options{}, logger)))
			}
			cfg.DBPath = flagDB
			srv := server.New(cfg, st, logger, opts...)
			return server.Serve(ctx, cfg.Addr, srv.Handler(), logger)
		},
	}

	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	cmd.Flags().BoolVar(&allowRuns, "allow-runs", false, "Accept scenarios on POST /api/v1/runs")
	return cmd
}
