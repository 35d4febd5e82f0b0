package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/progress"
)

// NewProgressCmd creates the progress command and its subcommands.
func NewProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Inspect or reset the download progress file",
		Long: `Progress manages the file that records which resources were downloaded.
Recorded resources are skipped by fetch; clearing them makes the next fetch
download them again.`,
	}

	cmd.PersistentFlags().String("progress-file", "",
		"Progress file (default: progress.json in the data directory)")

	cmd.AddCommand(newProgressShowCmd())
	cmd.AddCommand(newProgressClearCmd())

	return cmd
}

func newProgressShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List completed resources",
		Args:  cobra.NoArgs,
		RunE:  runProgressShowCmd,
	}
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func newProgressClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear [keys...]",
		Short: "Forget completed resources so they are downloaded again",
		Long: `Clear removes the given resource keys (by default the URL) from the
progress file. Use --all to remove every key.`,
		RunE: runProgressClearCmd,
	}
	cmd.Flags().Bool("all", false, "Remove every key")
	return cmd
}

// openProgressStore opens the progress file selected by flags and config.
func openProgressStore(cmd *cobra.Command) (*progress.Store, error) {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, _ := setupLogger(cmd, cfg)

	store, err := progress.Open(cfg.ProgressFile, progress.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open progress file: %w", err)
	}
	return store, nil
}

// runProgressShowCmd executes the progress show command.
func runProgressShowCmd(cmd *cobra.Command, _ []string) error {
	store, err := openProgressStore(cmd)
	if err != nil {
		return err
	}

	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}

	entries := store.Entries()
	out := cmd.OutOrStdout()

	if asJSON {
		if entries == nil {
			entries = []progress.Entry{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintf(out, "No completed resources in %s\n", store.Path())
		return nil
	}

	fmt.Fprintf(out, "Completed resources in %s (%d):\n\n", store.Path(), len(entries))
	for _, e := range entries {
		at := "unknown"
		if !e.CompletedAt.IsZero() {
			at = e.CompletedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(out, "  %-19s  %s\n", at, e.Key)
	}
	return nil
}

// runProgressClearCmd executes the progress clear command.
func runProgressClearCmd(cmd *cobra.Command, args []string) error {
	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return err
	}
	if len(args) == 0 && !all {
		return errors.New("no keys given (use --all to clear everything)")
	}
	if len(args) > 0 && all {
		return errors.New("--all cannot be combined with keys")
	}

	store, err := openProgressStore(cmd)
	if err != nil {
		return err
	}

	removed, err := store.Clear(args...)
	if err != nil {
		return fmt.Errorf("failed to update progress file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d key(s) from %s (%d remaining)\n", removed, store.Path(), store.Len())
	return nil
}
