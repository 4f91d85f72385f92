package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // Will be set during build

var rootCmd = &cobra.Command{
	Use:   "hookrelay",
	Short: "Webhook-triggered compose deployments",
	Long: `Hookrelay receives GitHub push webhooks, verifies them against a
per-repository secret and redeploys the matching docker compose project.

Outcomes are reported to Discord-style webhooks, Slack and GitHub commit statuses.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", getEnvOrDefault("HOOKRELAY_CONFIG_FILE", ""), "Path to hookrelay.yaml configuration file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(versionCmd)
}
