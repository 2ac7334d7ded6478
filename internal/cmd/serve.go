package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nctiggy/nwha/internal/config"
	"github.com/nctiggy/nwha/internal/logging"
	"github.com/nctiggy/nwha/internal/server"
	"github.com/nctiggy/nwha/internal/store"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	Long: `Run the nwha server.

The server takes an exclusive lock on the data directory, stops sessions left
running by a previous process, and serves the project, session and chat API.
Session settings in the config file are reloaded when the file changes; new
values apply to sessions started afterwards.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	lock, err := store.AcquireLock(dataDir(cfg), logger)
	if err != nil {
		return err
	}
	defer lock.Release()

	live := config.NewLive(cfg)
	a, err := newApp(live, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown incomplete", "error", err.Error())
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := a.controller.RecoverOrphans(ctx); err != nil {
		logger.Warn("orphan recovery failed", "error", err.Error())
	} else if n > 0 {
		logger.Info("stopped sessions left by a previous run", "count", n)
	}

	if cfg.Server.AuthBypass {
		if _, err := a.store.EnsureDevUser(ctx); err != nil {
			return fmt.Errorf("create development user: %w", err)
		}
		logger.Warn("auth bypass enabled; /auth/dev-login is served")
	}

	watchConfig(live, logger)

	srv := server.New(a.store, a.controller, a.responder,
		server.WithConfig(server.Config{
			Addr:              cfg.Server.Addr,
			AuthBypass:        cfg.Server.AuthBypass,
			CORSOrigin:        cfg.Server.CORSOrigin,
			ReadHeaderTimeout: 10 * time.Second,
		}),
		server.WithRunner(a.newLoop()),
		server.WithWorkspaces(a.workspaces),
		server.WithBus(a.bus),
		server.WithLogger(logger),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(cmd.OutOrStdout(), "nwha listening on %s\n", cfg.Server.Addr)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// watchConfig reloads live when the config file changes.
func watchConfig(live *config.Live, logger *logging.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	live.Watch(
		func(cfg *config.Config) {
			logger.Info("configuration reloaded",
				"max_iterations_default", cfg.Session.MaxIterationsDefault,
				"paused_timeout_minutes", cfg.Session.PausedTimeoutMinutes,
			)
		},
		func(err error) {
			logger.Warn("configuration reload rejected", "error", err.Error())
		},
	)
}

func dataDir(cfg *config.Config) string {
	return filepath.Dir(cfg.DatabasePath())
}
