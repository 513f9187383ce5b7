package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/storybook/internal/http"
	"github.com/fyrsmithlabs/storybook/internal/logging"
)

func newServeCmd() *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve project status and metrics over HTTP",
		Long: `Start the read-only HTTP status server.

Endpoints:
  GET /health
  GET /metrics
  GET /api/v1/projects/:id
  GET /api/v1/projects/:id/results?stage=improvement|finalization
  GET /api/v1/projects/:id/results/:index`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return serve(ctx, a, host)
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "listen address")
	return cmd
}

// serve runs the status server until ctx is cancelled.
func serve(ctx context.Context, a *app, host string) error {
	log := logging.FromContext(ctx)
	zl := log.Underlying().Named("http")
	srv, err := httpserver.NewServer(a.service, zl,
		&httpserver.Config{Host: host, Port: a.cfg.Server.Port},
		httpserver.WithTelemetry(a.telemetry),
		httpserver.WithMetrics(httpserver.NewHTTPMetrics(zl)),
	)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info(ctx, "shutdown signal received",
		zap.Duration("timeout", a.cfg.Server.ShutdownTimeout.Duration()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
