package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hookrelay/internal/history"
	"hookrelay/internal/security"
)

var (
	historyDBPath string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history [OWNER/NAME]",
	Short: "Show deployment history",
	Long: `Show recorded deployments.

Without arguments, prints the latest deployment of every repository.
With a repository name, prints its most recent deployments.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyDBPath, "db", getEnvOrDefault("HOOKRELAY_DB_PATH", "./hookrelay.db"), "Path to SQLite history database")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of deployments to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(historyDBPath); err != nil {
		return fmt.Errorf("history database not found: %s", historyDBPath)
	}

	hist, err := history.Open(historyDBPath)
	if err != nil {
		return err
	}
	defer hist.Close()

	var records []history.Record
	if len(args) == 1 {
		if err := security.ValidateRepoName(args[0]); err != nil {
			return err
		}
		records, err = hist.Recent(cmd.Context(), args[0], historyLimit)
		if err != nil {
			return err
		}
	} else {
		latest, err := hist.LatestPerRepo(cmd.Context())
		if err != nil {
			return err
		}
		for _, r := range latest {
			records = append(records, *r)
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Repo < records[j].Repo })
	}

	if len(records) == 0 {
		fmt.Println("No deployments recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPO\tSTATUS\tSTARTED\tDURATION\tVERSION\tCOMMIT\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Repo,
			r.Status,
			r.StartedAt.Local().Format(time.DateTime),
			formatDuration(r.DurationMs),
			formatVersion(r.Version),
			shortCommit(r.Commit),
			deref(r.Error))
	}
	return w.Flush()
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).Round(time.Millisecond).String()
}

func formatVersion(v int64) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprint(v)
}

func shortCommit(c *string) string {
	if c == nil || *c == "" {
		return "-"
	}
	if len(*c) > 7 {
		return (*c)[:7]
	}
	return *c
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
