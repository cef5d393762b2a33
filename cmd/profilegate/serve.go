package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/profilegate/internal/config"
)

func newServeCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the access layer until interrupted",
		Long: `Serve keeps the access layer resident: maintenance jobs run on
schedule, metrics are exposed for scraping, and tenant quota changes in the
config file are applied without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			mux := http.NewServeMux()
			mux.Handle("/metrics", a.Metrics.Handler())
			srv := &http.Server{Addr: metricsAddr, Handler: mux}

			serveErr := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()
			a.Logger.Info("metrics listening", "addr", metricsAddr)

			if configPath != "" {
				go func() {
					if err := config.Watch(ctx, configPath, a.Logger, a.ApplyConfig); err != nil && !errors.Is(err, context.Canceled) {
						a.Logger.Warn("config watcher stopped", "error", err)
					}
				}()
			}

			select {
			case err := <-serveErr:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Metrics listen address")

	return cmd
}
