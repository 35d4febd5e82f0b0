package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/database"
)

// defaultHistoryLimit is the number of runs listed without --limit.
const defaultHistoryLimit = 20

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show previous fetch runs",
		Long: `History lists previous fetch runs recorded in the history database, newest
first. With --run it shows one run in detail, including its failed tasks and
the exit address changes observed by the leak monitor.

Examples:
  # List the latest runs
  torfetch history

  # Show one run (a unique ID prefix is enough)
  torfetch history --run 3f2a`,
		Args: cobra.NoArgs,
		RunE: runHistoryCmd,
	}

	cmd.Flags().String("run", "", "Show the run with this ID or ID prefix")
	cmd.Flags().IntP("limit", "l", defaultHistoryLimit, "Maximum number of runs to list (0 lists all)")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	cmd.Flags().String("db-dir", "",
		"Directory of the run history database (default: data directory)")

	return cmd
}

// runHistoryCmd executes the history command.
func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	_, _ = setupLogger(cmd, cfg)

	runID, err := cmd.Flags().GetString("run")
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.DBDir, database.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	if runID != "" {
		run, err := db.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to get run: %w", err)
		}
		if run == nil {
			return fmt.Errorf("no run matches %q", runID)
		}
		if asJSON {
			return writeJSON(out, run)
		}
		printRunDetails(out, run)
		return nil
	}

	runs, err := db.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if asJSON {
		if runs == nil {
			runs = []database.RunRecord{}
		}
		return writeJSON(out, runs)
	}
	printRunList(out, runs)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// shortID returns the first block of a run ID.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// printRunList writes one line per run.
func printRunList(w io.Writer, runs []database.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet.")
		fmt.Fprintln(w, "\nUse 'torfetch fetch <tasks-file>' to start one.")
		return
	}

	fmt.Fprintf(w, "Runs (%d):\n\n", len(runs))
	fmt.Fprintf(w, "  %-8s  %-19s  %6s  %6s  %6s  %6s  %s\n",
		"ID", "Started", "Total", "Done", "Skip", "Failed", "Exit")
	fmt.Fprintln(w, "  "+strings.Repeat("-", 76))

	for _, r := range runs {
		exit := r.ExitAddress
		if r.ExitCountry != "" {
			exit += " (" + r.ExitCountry + ")"
		}
		if r.Cancelled {
			exit += " [cancelled]"
		}
		fmt.Fprintf(w, "  %-8s  %-19s  %6d  %6d  %6d  %6d  %s\n",
			shortID(r.ID),
			r.StartedAt.Local().Format(time.DateTime),
			r.Total, r.Completed, r.Skipped, r.Failed,
			exit,
		)
	}

	fmt.Fprintln(w, "\nUse 'torfetch history --run <id>' to see failures and exit changes of a run.")
}

// printRunDetails writes everything stored about one run.
func printRunDetails(w io.Writer, r *database.RunRecord) {
	fmt.Fprintf(w, "Run %s\n\n", r.ID)
	fmt.Fprintf(w, "  Tasks:     %s\n", r.TaskFile)
	fmt.Fprintf(w, "  Started:   %s\n", r.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "  Duration:  %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "  Proxy:     %s\n", r.Proxy)
	fmt.Fprintf(w, "  Exit:      %s %s\n", r.ExitAddress, r.ExitCountry)
	fmt.Fprintf(w, "  Results:   %d total, %d completed, %d skipped, %d failed\n",
		r.Total, r.Completed, r.Skipped, r.Failed)
	if r.Cancelled {
		fmt.Fprintln(w, "  Status:    cancelled")
	}
	if r.FailureReport != "" {
		fmt.Fprintf(w, "  Report:    %s\n", r.FailureReport)
	}

	if len(r.Failures) > 0 {
		fmt.Fprintf(w, "\nFailures (%d):\n", len(r.Failures))
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  %s\n    -> %s\n    %s\n", f.URL, f.Path, f.Error)
		}
	}

	if len(r.Rotations) > 0 {
		fmt.Fprintf(w, "\nExit changes (%d):\n", len(r.Rotations))
		for _, rot := range r.Rotations {
			fmt.Fprintf(w, "  %s  %s -> %s %s\n",
				rot.ObservedAt.Local().Format(time.DateTime), rot.Previous, rot.Current, rot.Country)
		}
	}
}
