// Package cli provides the command-line interface of the identity resolution service.
package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/leedenison/portfoliodb/internal/admin"
	"github.com/leedenison/portfoliodb/internal/config"
	"github.com/leedenison/portfoliodb/internal/engine"
	"github.com/leedenison/portfoliodb/internal/ingest"
	"github.com/leedenison/portfoliodb/internal/logging"
	"github.com/leedenison/portfoliodb/internal/merge"
	"github.com/leedenison/portfoliodb/internal/resilience"
	"github.com/leedenison/portfoliodb/internal/resolver"
	"github.com/leedenison/portfoliodb/internal/resolver/kite"
	"github.com/leedenison/portfoliodb/internal/resolver/openfigi"
	"github.com/leedenison/portfoliodb/internal/resolver/reference"
	"github.com/leedenison/portfoliodb/internal/scheduler"
	"github.com/leedenison/portfoliodb/internal/store"
)

// Version information
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// App holds the application dependencies. They are built on first use so
// commands that need no store never open one.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger

	Store     *store.SQLiteStore
	Chain     *resolver.Chain
	Engine    *engine.Engine
	Admin     *admin.Admin
	Ingester  *ingest.Ingester
	Scheduler *scheduler.Scheduler
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "portfoliodb",
		Short: "PortfolioDB instrument identity resolution",
		Long: `PortfolioDB resolves broker descriptors into canonical instruments.

Descriptors are checked against the identity store first and otherwise fanned
out to the configured resolvers. Disagreements are settled by the admin-defined
precedence order, duplicate instruments are merged, and descriptors no resolver
could identify are retried with exponential backoff.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			app.ConfigDir = dir
			app.Config = cfg

			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				cfg.Logging.Level = "debug"
			}
			app.Logger = logging.NewLoggerWithConfig(cfg.Logging)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/portfoliodb)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newResolveCmd(app))
	rootCmd.AddCommand(newIngestCmd(app))
	rootCmd.AddCommand(newPrecedenceCmd(app))
	rootCmd.AddCommand(newResolverCmd(app))
	rootCmd.AddCommand(newRefreshCmd(app))
	rootCmd.AddCommand(newOverrideCmd(app))
	rootCmd.AddCommand(newRetriesCmd(app))
	rootCmd.AddCommand(newConflictsCmd(app))
	rootCmd.AddCommand(newSweepCmd(app))
	rootCmd.AddCommand(newInstrumentCmd(app))

	return rootCmd
}

// Open builds the store, the resolver chain and the services on top of them,
// and publishes the stored precedence order.
func (a *App) Open(ctx context.Context) error {
	if a.Store != nil {
		return nil
	}
	cfg := a.Config

	path := cfg.Store.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.ConfigDir, path)
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = s
	a.Logger.Debug().Str("path", path).Msg("Identity store opened")

	a.Chain = resolver.NewChain(resolver.ChainConfig{
		MaxParallel:   cfg.Resolution.MaxParallel,
		PluginTimeout: cfg.Resolution.PluginTimeout,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Resolution.BreakerFailures,
			SuccessThreshold: 1,
			Timeout:          cfg.Resolution.BreakerCooldown,
		},
	}, a.Logger, reference.New(), openfigi.New(nil), kite.New(nil))

	for name, opts := range cfg.Resolvers {
		if _, ok := a.Chain.Plugin(name); !ok {
			a.Logger.Warn().Str("resolver", name).Msg("Options for unknown resolver ignored")
			continue
		}
		if p := opts["path"]; p != "" && !filepath.IsAbs(p) {
			opts["path"] = filepath.Join(a.ConfigDir, p)
		}
		if err := a.Chain.Configure(name, opts); err != nil {
			// An unconfigured resolver answers every call with a transient error.
			a.Logger.Warn().Err(err).Str("resolver", name).Msg("Resolver left unconfigured")
		}
	}

	a.Engine = engine.New(s, a.Chain, merge.NewCoordinator(s, a.Logger), engine.Config{
		Workers:        cfg.Resolution.Workers,
		AttemptTimeout: cfg.Resolution.AttemptTimeout,
		Backoff: resilience.Backoff{
			Base:   cfg.Retry.BaseDelay,
			Max:    cfg.Retry.MaxDelay,
			Jitter: cfg.Retry.Jitter,
		},
		MaxRetries: cfg.Retry.MaxRetries,
	}, a.Logger)
	a.Admin = admin.New(s, a.Chain, a.Engine, a.Logger)
	a.Ingester = ingest.New(s, a.Engine, a.Logger)
	a.Scheduler = scheduler.New(s, a.Engine, scheduler.Config{
		Interval:   cfg.Sweep.Interval,
		StaleAfter: cfg.Sweep.StaleAfter,
		BatchSize:  cfg.Sweep.BatchSize,
		Workers:    cfg.Resolution.Workers,
	}, a.Logger)

	if _, err := a.Admin.Bootstrap(ctx, cfg.Precedence); err != nil {
		return fmt.Errorf("failed to publish precedence: %w", err)
	}
	return nil
}

// Close releases the store.
func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	err := a.Store.Close()
	a.Store = nil
	return err
}

// opened wraps a RunE so the app is opened before it runs.
func (a *App) opened(run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.Open(cmd.Context()); err != nil {
			return err
		}
		return run(cmd, args)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				_ = output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("portfoliodb v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
		},
	}
}
