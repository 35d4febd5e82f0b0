package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/config"
)

func TestInitCmd(t *testing.T) {
	t.Parallel()

	t.Run("writes a loadable template", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "nested", "config.yaml")
		out, err := execute(t, "init", "-o", path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(out, "Created configuration file: "+path) {
			t.Errorf("unexpected output:\n%s", out)
		}

		f, err := config.LoadConfigFile(path)
		if err != nil {
			t.Fatalf("template does not parse: %v", err)
		}
		cfg := config.NewConfig()
		f.Apply(cfg)
		if err := cfg.Validate(); err != nil {
			t.Errorf("template config is invalid: %v", err)
		}
		if cfg.Concurrency != config.DefaultConcurrency {
			t.Errorf("template Concurrency = %d, want %d", cfg.Concurrency, config.DefaultConcurrency)
		}
	})

	t.Run("refuses to overwrite without force", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), ".torfetch")
		if err := os.WriteFile(path, []byte("keep"), 0600); err != nil {
			t.Fatal(err)
		}

		if _, err := execute(t, "init", "-o", path); err == nil || !strings.Contains(err.Error(), "already exists") {
			t.Errorf("error = %v, want already exists", err)
		}
		data, err := os.ReadFile(path) //nolint:gosec // test file
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "keep" {
			t.Error("existing file was modified")
		}

		if _, err := execute(t, "init", "-o", path, "--force"); err != nil {
			t.Fatalf("unexpected error with --force: %v", err)
		}
		data, err = os.ReadFile(path) //nolint:gosec // test file
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "proxy:") {
			t.Error("--force should overwrite the file with the template")
		}
	})

	t.Run("default output name", func(t *testing.T) {
		t.Parallel()

		f := NewInitCmd().Flags().Lookup("output")
		if f == nil || f.DefValue != config.DefaultConfigFile {
			t.Errorf("output default should be %q", config.DefaultConfigFile)
		}
	})
}
