package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leedenison/portfoliodb/internal/config"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/resilience"
	"github.com/leedenison/portfoliodb/internal/store"
)

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the retry and refresh sweeps",
		Long: `Run the periodic sweeps until interrupted.

Every sweep interval the service re-attempts descriptors whose retry is due and
force-refreshes canonical mappings older than stale_after. Precedence changes
written to config.toml are published without a restart. When metrics are
enabled, /metrics, /healthz and /livez are served on the metrics address.`,
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := app.Config
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Listen = listen
			}

			if err := config.WatchPrecedence(app.ConfigDir, app.Logger, func(entries []models.PrecedenceEntry) error {
				_, err := app.Admin.SetPrecedence(ctx, entries)
				return err
			}); err != nil {
				app.Logger.Warn().Err(err).Msg("Precedence hot reload disabled")
			}

			health := newHealthMonitor(app)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return app.Scheduler.Run(gctx) })
			g.Go(func() error { return health.Run(gctx) })
			if cfg.Metrics.Enabled {
				g.Go(func() error { return serveHTTP(gctx, app, cfg.Metrics.Listen, health) })
			}

			app.Logger.Info().
				Dur("interval", cfg.Sweep.Interval).
				Dur("stale_after", cfg.Sweep.StaleAfter).
				Bool("metrics", cfg.Metrics.Enabled).
				Msg("Service started")

			err := g.Wait()
			if errors.Is(err, context.Canceled) {
				app.Logger.Info().Msg("Service stopped")
				return nil
			}
			return err
		}),
	}
	cmd.Flags().String("listen", "", "serve metrics and health on this address (overrides config)")
	return cmd
}

func newHealthMonitor(app *App) *resilience.HealthMonitor {
	health := resilience.NewHealthMonitor(resilience.DefaultHealthMonitorConfig(), app.Logger)
	health.RegisterComponent("store", resilience.DatabaseHealthCheck(app.Store.DB().PingContext))
	health.RegisterComponent("resolvers", resilience.BreakerHealthCheck(app.Chain.Breakers()))
	health.RegisterComponent("retry_sweep", resilience.SweepHealthCheck(func(ctx context.Context) (time.Time, error) {
		return app.Store.GetLastSweep(ctx, store.SweepRetries)
	}, 3*app.Config.Sweep.Interval))
	return health
}

func serveHTTP(ctx context.Context, app *App, addr string, health *resilience.HealthMonitor) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.HealthHTTPHandler())
	mux.HandleFunc("/livez", health.LivenessHTTPHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
		return ctx.Err()
	}
}
