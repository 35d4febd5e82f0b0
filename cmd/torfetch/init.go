package main

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/config"
)

//go:embed templates/torfetch.yaml
var configTemplate embed.FS

// templatePath is the template inside configTemplate.
const templatePath = "templates/torfetch.yaml"

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a torfetch configuration file",
		Long: `Init writes a commented .torfetch configuration file to the current
directory. Every setting in it is optional and shows its default value.

Settings are applied in this order, later ones winning:
defaults, the configuration file, TORFETCH_* environment variables
(also read from a .env file), command-line flags.

Examples:
  # Create .torfetch in current directory
  torfetch init

  # Create config file at a specific path
  torfetch init -o ~/.config/torfetch/config.yaml

  # Force overwrite existing file
  torfetch init -f`,
		Args: cobra.NoArgs,
		RunE: runInitCmd,
	}

	cmd.Flags().StringP("output", "o", config.DefaultConfigFile,
		"Output file path for the configuration")
	cmd.Flags().BoolP("force", "f", false,
		"Overwrite existing configuration file")

	return cmd
}

// runInitCmd executes the init command.
func runInitCmd(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	content, err := configTemplate.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("failed to read config template: %w", err)
	}

	if err := writeNewFile(path, content, force); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("configuration file already exists: %s (use -f to overwrite)", path)
		}
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created configuration file: %s\n", path)
	fmt.Fprintln(out, "\nEdit it to set, for example:")
	fmt.Fprintln(out, "  - the candidate proxy ports or the embedded Tor daemon")
	fmt.Fprintln(out, "  - download concurrency, retries and rate limit")
	fmt.Fprintln(out, "  - where progress, failure reports and history are kept")
	return nil
}

// writeNewFile writes data to path with owner-only permissions, creating
// parent directories. Unless overwrite is set an existing file is left
// untouched and an error matching fs.ErrExist is returned.
func writeNewFile(path string, data []byte, overwrite bool) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0600) //nolint:gosec // user-chosen output path
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
