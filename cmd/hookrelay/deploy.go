package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"hookrelay/internal/history"
	"hookrelay/internal/notify"
	"hookrelay/pkg/cmdutil"
)

var (
	deployDBPath   string
	deployNotify   bool
	deployShowLogs bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy OWNER/NAME",
	Short: "Run a deployment for a repository now",
	Long: `Run the deployment protocol for a configured repository without a webhook.

This uses the same steps, history and notifications as a push delivery:
- git pull (origin <branch> when a branch is configured)
- check and validate the compose file
- compose up -d --build with DEPLOYMENT_VERSION set
- verify the services are running after the settle delay

Example:
  hookrelay deploy acme/website`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&deployDBPath, "db", getEnvOrDefault("HOOKRELAY_DB_PATH", "./hookrelay.db"), "Path to SQLite history database (empty disables history)")
	deployCmd.Flags().BoolVar(&deployNotify, "notify", true, "Send outcome notifications")
	deployCmd.Flags().BoolVar(&deployShowLogs, "output", false, "Print captured command output")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	repoName := args[0]

	logger, cleanup, err := setupLogging(getEnvOrDefault("HOOKRELAY_LOG_FILE", ""), parseLevelOrInfo(getEnvOrDefault("HOOKRELAY_LOG_LEVEL", "warn")))
	if err != nil {
		return err
	}
	defer cleanup()

	path, file, repos, err := loadConfig(logger)
	if err != nil {
		return err
	}

	cfg, ok := repos[repoName]
	if !ok {
		return fmt.Errorf("repository '%s' not found in config file %s", repoName, path)
	}

	executor, err := newExecutor(file.Deploy, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Deploying '%s' from %s...\n", repoName, cfg.Path)
	outcome := executor.Deploy(ctx, cfg)

	if deployDBPath != "" {
		hist, err := history.Open(deployDBPath)
		if err != nil {
			logger.Error("Failed to open history database", "error", err)
		} else {
			status := history.StatusSuccess
			var errMsg *string
			if !outcome.Success {
				status = history.StatusFailed
				errMsg = &outcome.Error
			}
			durationMs := outcome.Duration().Milliseconds()
			if _, err := hist.Record(context.Background(), &history.Record{
				Repo:        repoName,
				Branch:      cfg.Branch,
				Status:      status,
				Version:     outcome.Version,
				DeliveryID:  "cli-" + uuid.NewString(),
				StartedAt:   outcome.StartedAt,
				CompletedAt: &outcome.FinishedAt,
				DurationMs:  &durationMs,
				Error:       errMsg,
			}); err != nil {
				logger.Error("Failed to record deployment history", "error", err)
			}
			hist.Close()
		}
	}

	if deployNotify {
		dispatcher := notify.FromConfig(file.Notify, nil, logger)
		dispatcher.Dispatch(context.Background(), notify.FromOutcome(outcome))
		dispatcher.Wait()
	}

	if deployShowLogs {
		if outcome.Stdout != "" {
			fmt.Println("--- stdout ---")
			fmt.Println(outcome.Stdout)
		}
		if outcome.Stderr != "" {
			fmt.Println("--- stderr ---")
			fmt.Println(outcome.Stderr)
		}
	}

	if !outcome.Success {
		if tail := cmdutil.Tail(outcome.Stderr, 10); tail != "" && !deployShowLogs {
			fmt.Println(tail)
		}
		return fmt.Errorf("deployment failed at step %s: %s", outcome.FailedStep, outcome.Error)
	}

	fmt.Printf("✓ Deployed '%s' (version %d) in %s\n", repoName, outcome.Version, outcome.Duration().Round(time.Millisecond))
	return nil
}
