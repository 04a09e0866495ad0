package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"helios-hq/portcullis/pkg/audit"
	"helios-hq/portcullis/pkg/config"
	"helios-hq/portcullis/pkg/quota"
	"helios-hq/portcullis/pkg/quota/renewal"
	"helios-hq/portcullis/pkg/quota/store"
)

var runFlags struct {
	logLevel string
	watch    bool
	dryRun   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the quota engine",
	Long: `Start the quota engine with the specified configuration.

The engine opens the configured storage backend, starts the renewal
sweep and the audit recorder, and serves Prometheus metrics.

Examples:
  # Start with default config
  portcullis run

  # Start with custom config
  portcullis run --config /etc/portcullis/config.yaml

  # Reload the config file on change
  portcullis run --watch

  # Validate config without starting
  portcullis run --dry-run`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.watch, "watch", false, "reload the config file on change")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting")
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if runFlags.logLevel != "" {
		cfg.Logging.Level = runFlags.logLevel
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLogLevel(cfg.Logging.Level))
	setupLogging(cfg.Logging.Format, levelVar)

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	fmt.Printf("Portcullis v%s\n", Version)
	fmt.Printf("Loading configuration from: %s\n", cfgFile)
	fmt.Println("✓ Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage backend
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()
	fmt.Printf("✓ Storage backend ready (%s)\n", cfg.Storage.Backend)

	metrics := quota.NewMetrics()

	// Audit trail
	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		auditStore, err := audit.NewSQLiteStore(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer auditStore.Close()

		recorder = audit.NewRecorder(audit.RecorderConfig{
			Store:  auditStore,
			Buffer: cfg.Audit.Buffer,
		})
		defer recorder.Close()
		fmt.Println("✓ Audit trail initialized")
	}

	// Admission engine
	engineCfg := quota.Config{
		Windows:     backend,
		Grants:      backend,
		RetryBudget: cfg.Engine.RetryBudget,
		Metrics:     metrics,
	}
	if recorder != nil {
		engineCfg.Events = recorder
	}
	engine, err := quota.NewEngine(engineCfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	fmt.Println("✓ Admission engine ready")

	// Renewal sweep
	if cfg.Renewal.Enabled {
		schedCfg := renewal.Config{
			Pool:      backend,
			Schedule:  cfg.Renewal.Schedule,
			Lookahead: cfg.Renewal.Lookahead,
			Metrics:   metrics,
		}
		if recorder != nil {
			schedCfg.Events = recorder
		}
		scheduler, err := renewal.NewScheduler(schedCfg)
		if err != nil {
			return fmt.Errorf("failed to create renewal scheduler: %w", err)
		}
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start renewal scheduler: %w", err)
		}
		defer scheduler.Stop()
		fmt.Printf("✓ Renewal sweep scheduled (%s)\n", cfg.Renewal.Schedule)
	}

	// Admin listener: the JSON admin API, plus Prometheus metrics when
	// enabled.
	mux := http.NewServeMux()
	mux.Handle("/v1/", newAPIHandler(engine))
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	adminSrv := &http.Server{
		Addr:         cfg.Metrics.ListenAddress,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin listener failed", "error", err)
		}
	}()
	fmt.Printf("✓ Admin API: http://%s/v1/\n", cfg.Metrics.ListenAddress)
	if cfg.Metrics.Enabled {
		fmt.Printf("✓ Metrics endpoint: http://%s%s\n", cfg.Metrics.ListenAddress, cfg.Metrics.Path)
	}

	// Config hot reload: operational knobs only.
	if runFlags.watch {
		watcher, err := config.NewWatcher(config.WatcherConfig{Path: cfgFile})
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		go func() {
			if err := watcher.Watch(ctx, func(next *config.Config) {
				levelVar.Set(parseLogLevel(next.Logging.Level))
			}); err != nil {
				slog.Error("config watcher failed", "error", err)
			}
		}()
		defer watcher.Stop()
		fmt.Println("✓ Configuration watcher started")
	}

	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived signal %s, shutting down gracefully...\n", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin listener shutdown failed", "error", err)
	}

	fmt.Println("✓ Engine stopped")
	return nil
}

// openBackend opens the configured storage backend.
func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMemoryBackend(), nil
	case "sqlite":
		backend, err := store.NewSQLiteBackendWithConfig(store.SQLiteBackendConfig{
			DBPath:      cfg.Storage.SQLite.Path,
			BusyTimeout: cfg.Storage.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite backend: %w", err)
		}
		return backend, nil
	case "redis":
		backend := store.NewRedisBackendWithConfig(store.RedisBackendConfig{
			Addr:      cfg.Storage.Redis.Addr,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := backend.Ping(pingCtx); err != nil {
			backend.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Storage.Redis.Addr, err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging(format string, level slog.Leveler) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
