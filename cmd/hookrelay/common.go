package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"hookrelay/internal/config"
	"hookrelay/internal/deployment"
	"hookrelay/internal/repo"
	"hookrelay/internal/security"
	"hookrelay/pkg/fileutil"
)

var configFile string

// resolveConfigPath returns --config or the first default location that exists.
func resolveConfigPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}

	searchPaths := fileutil.DefaultConfigPaths(config.DefaultFileName)
	if path := fileutil.FirstExisting(searchPaths); path != "" {
		return path, nil
	}

	var b strings.Builder
	b.WriteString("no configuration file found in default locations:\n")
	for _, path := range searchPaths {
		fmt.Fprintf(&b, "  - %s\n", path)
	}
	b.WriteString("use --config to specify a custom location")
	return "", fmt.Errorf("%s", b.String())
}

// loadConfig resolves, loads and sanity-checks the configuration file,
// logging warnings that do not prevent startup.
func loadConfig(logger *slog.Logger) (string, *config.File, map[string]*repo.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return "", nil, nil, err
	}

	file, repos, err := config.Load(path)
	if err != nil {
		return path, nil, nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}

	if err := security.ValidateSecurePermissions(path); err != nil {
		logger.Warn("Configuration file permissions are too open", "config", path, "error", err)
	}
	for name, cfg := range repos {
		if security.IsWeakSecret(cfg.Secret) {
			logger.Warn("Repository secret looks weak; generate one with 'hookrelay secret'", "repo", name)
		}
	}

	return path, file, repos, nil
}

// newExecutor builds the deployment executor from the deploy settings.
func newExecutor(d config.Deploy, logger *slog.Logger) (*deployment.Executor, error) {
	compose, err := d.ComposeArgs()
	if err != nil {
		return nil, err
	}

	executor := deployment.NewExecutor(logger)
	executor.Compose = compose
	executor.Policy = d.Policy()
	executor.Descriptor = d.Descriptor
	executor.Timeout = d.TimeoutDuration()
	executor.SettleDelay = d.SettleDuration()
	return executor, nil
}

// setupLogging returns a JSON logger writing to stdout and, when logPath is
// set, to an append-only log file. The caller runs the returned cleanup.
func setupLogging(logPath string, level slog.Level) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stdout
	cleanup := func() {}

	if logPath != "" {
		file, err := security.OpenAppendFile(logPath, security.PermLogFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, file)
		cleanup = func() { file.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler), cleanup, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func parseLevelOrInfo(s string) slog.Level {
	level, err := parseLevel(s)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
