package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

// writeConfig writes a configuration file into a temporary directory and
// returns its path. Tests pass it with --config so that no user file is read.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "torfetch.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// findCmd returns the subcommand at path with flags parsed from args.
func findCmd(t *testing.T, path []string, args ...string) *cobra.Command {
	t.Helper()

	cmd, _, err := NewRootCmd().Find(path)
	if err != nil {
		t.Fatalf("failed to find command %v: %v", path, err)
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("failed to parse flags %v: %v", args, err)
	}
	return cmd
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), err
}
