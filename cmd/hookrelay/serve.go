package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hookrelay/internal/config"
	"hookrelay/internal/history"
	"hookrelay/internal/notify"
	"hookrelay/internal/repo"
	"hookrelay/internal/server"
)

// shutdownGrace is added to the deploy timeout when waiting for in-flight
// deployments and their notifications on shutdown.
const shutdownGrace = 30 * time.Second

var (
	logFile  string
	logLevel string
	dbPath   string
	host     string
	port     int
	testMode bool
	async    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server that receives GitHub webhooks on POST /webhook.

Push events for configured repositories (and branches) trigger a deployment:
git pull, compose validation, "up -d --build" and a running-services check.

SIGHUP reloads the repository table from the configuration file.
SIGINT/SIGTERM stop accepting requests and wait for running deployments.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("HOOKRELAY_LOG_FILE", "./hookrelay.log"), "Path to log file (empty logs to stdout only)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", getEnvOrDefault("HOOKRELAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("HOOKRELAY_DB_PATH", "./hookrelay.db"), "Path to SQLite history database")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("HOOKRELAY_HOST", "127.0.0.1"), "Host to bind to")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("HOOKRELAY_PORT", 3000), "Port to listen on")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", getEnvOrDefaultBool("HOOKRELAY_TEST_MODE", false), "Disable rate limiting and history")
	serveCmd.Flags().BoolVar(&async, "async", getEnvOrDefaultBool("HOOKRELAY_ASYNC", false), "Acknowledge deliveries with 202 and deploy in the background")
}

func runServe(cmd *cobra.Command, args []string) error {
	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}

	logger, cleanup, err := setupLogging(logFile, level)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer cleanup()

	logger.Info("Starting hookrelay", "version", version)

	path, file, repos, err := loadConfig(logger)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return err
	}
	logger.Info("Configuration validated successfully", "config", path, "count", len(repos))

	if len(repos) == 0 {
		logger.Warn("No repositories configured", "config", path)
		logger.Warn("The server will start but won't deploy anything until repositories are added")
	}

	registry := repo.NewRegistry(repos)

	var hist *history.History
	if !testMode {
		logger.Info("Initializing history database", "db", dbPath)
		hist, err = history.Open(dbPath)
		if err != nil {
			logger.Error("Failed to initialize history database", "error", err)
			return fmt.Errorf("failed to initialize history database: %w", err)
		}
		defer hist.Close()
	}

	executor, err := newExecutor(file.Deploy, logger)
	if err != nil {
		return err
	}

	dispatcher := notify.FromConfig(file.Notify, nil, logger)
	if channels := dispatcher.Channels(); len(channels) > 0 {
		logger.Info("Notifications enabled", "channels", channels)
	} else {
		logger.Warn("No notification channel configured; outcomes are only logged")
	}

	srv := server.NewServer(registry, executor, dispatcher, hist, logger)
	srv.TestMode = testMode
	srv.Async = async || file.Deploy.Async
	if !srv.Async {
		srv.WriteTimeout = longestTimeout(file.Deploy, repos) + shutdownGrace
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(addr)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			logger.Error("Server failed", "error", err)
			return fmt.Errorf("server failed: %w", err)

		case sig := <-signals:
			if sig == syscall.SIGHUP {
				reload(path, registry, logger)
				continue
			}

			logger.Info("Signal received, shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), longestTimeout(file.Deploy, repos)+shutdownGrace)
			err := srv.Shutdown(ctx)
			cancel()
			if err != nil {
				logger.Error("Shutdown incomplete", "error", err)
				return err
			}
			logger.Info("Server stopped")
			return nil
		}
	}
}

// reload re-reads the repository table. A broken file keeps the current table.
func reload(path string, registry *repo.Registry, logger *slog.Logger) {
	_, repos, err := config.Load(path)
	if err != nil {
		logger.Error("Configuration reload failed, keeping current repositories", "config", path, "error", err)
		return
	}
	registry.Replace(repos)
	logger.Info("Configuration reloaded", "config", path, "count", len(repos))
}

func longestTimeout(d config.Deploy, repos map[string]*repo.Config) time.Duration {
	longest := d.TimeoutDuration()
	for _, cfg := range repos {
		if cfg.Timeout > longest {
			longest = cfg.Timeout
		}
	}
	return longest + d.SettleDuration()
}
