package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hookrelay/internal/security"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a webhook secret",
	Long: `Print a random secret suitable for a repository's "secret" field.

Paste the same value into the GitHub webhook settings.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := security.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), secret)
		return nil
	},
}
