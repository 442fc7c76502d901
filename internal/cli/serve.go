package cli

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/agentcore/internal/config"
	"github.com/harun/agentcore/internal/engine"
	"github.com/harun/agentcore/internal/logger"
	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/server"
	"github.com/harun/agentcore/internal/supervisor"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/planexec"
	"github.com/harun/agentcore/pkg/storage"
)

const (
	shutdownTimeout     = 10 * time.Second
	healthCheckInterval = 30 * time.Second
	reloadDebounce      = 500 * time.Millisecond
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentcore engine in the foreground",
	Long: `Run the agentcore engine in the foreground.
The event queue worker, the session janitor and, when enabled, the admin
HTTP server run until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Service:   "agentcore",

		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			log.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Audit log unavailable, continuing without it")
		}
		defer observability.GetAuditLogger().Close()
	}

	if cfg.Tracing.Enabled {
		err := tracing.InitOpenTelemetry(cmd.Context(), tracing.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     version,
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		}()
	}

	sup := supervisor.New(pidFilePath(cfg))
	if err := sup.WritePID(); err != nil {
		return err
	}
	defer func() {
		if err := sup.RemovePID(); err != nil {
			log.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	ctx, stop := sup.NotifyContext(cmd.Context())
	defer stop()

	store, err := engine.OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var actor planexec.ActionExecutor
	if cfg.Executor.ActionEndpoint != "" {
		actor = engine.NewHTTPActionExecutor(cfg.Executor.ActionEndpoint, cfg.Executor.ActionTimeout())
	} else {
		log.Warn().Msg("No action endpoint configured, plan steps will fail")
	}

	eng, err := engine.New(cfg, store, actor)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		srv, err = server.NewServer(server.Config{
			Addr:         cfg.Server.Addr(),
			SharedSecret: cfg.Server.SharedSecret,
			Engine:       eng,
		})
		if err == nil {
			err = srv.Start()
		}
		if err != nil {
			_ = eng.Stop()
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}

	if _, statErr := os.Stat(loader.GetConfigPath()); statErr == nil {
		watcher, err := config.NewWatcher(loader, reloadDebounce, eng.ApplyConfig)
		if err == nil {
			err = watcher.Start()
		}
		if err != nil {
			log.Warn().Err(err).Msg("Config hot reload disabled")
		} else {
			defer watcher.Stop()
		}
	}

	sup.Go(ctx, "storage-health", func(ctx context.Context) error {
		return watchStorage(ctx, store, healthCheckInterval)
	})

	sup.OnSignal(ctx, "log-reopen", lg.Reopen, syscall.SIGHUP)

	fmt.Fprintf(cmd.OutOrStdout(), "agentcore running (PID %d, storage %s)\n", os.Getpid(), cfg.Storage.Backend)
	if srv != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Admin server listening on http://%s\n", srv.Addr())
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
	}
	if err := eng.Stop(); err != nil {
		log.Warn().Err(err).Msg("Engine shutdown failed")
	}
	sup.Wait(5 * time.Second)

	log.Info().Msg("agentcore stopped")
	return nil
}

// watchStorage logs transitions of the storage backend's health.
func watchStorage(ctx context.Context, store storage.Adapter, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval/2)
			ok := store.IsHealthy(checkCtx)
			cancel()
			if ok == healthy {
				continue
			}
			healthy = ok
			if ok {
				log.Info().Msg("Storage backend recovered")
			} else {
				log.Error().Msg("Storage backend unhealthy")
			}
		}
	}
}
