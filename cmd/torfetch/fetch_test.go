package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/config"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/download"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/geoip"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/identity"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/pipeline"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/report"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tor"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/verify"
)

func TestNewFetchCmd(t *testing.T) {
	t.Parallel()

	cmd := NewFetchCmd()

	if cmd.Use != "fetch <tasks-file>" {
		t.Errorf("expected Use to be 'fetch <tasks-file>', got %q", cmd.Use)
	}

	t.Run("requires exactly one argument", func(t *testing.T) {
		t.Parallel()
		if err := cmd.Args(cmd, nil); err == nil {
			t.Error("expected error without arguments")
		}
		if err := cmd.Args(cmd, []string{"a.yaml", "b.yaml"}); err == nil {
			t.Error("expected error with two arguments")
		}
		if err := cmd.Args(cmd, []string{"tasks.yaml"}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("flag defaults", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name string
			want string
		}{
			{"concurrency", "3"},
			{"max-retries", "3"},
			{"backoff-cap", "10s"},
			{"min-free-mb", "500"},
			{"transfer-timeout", "30s"},
			{"monitor-interval", "30s"},
			{"proxy-host", config.DefaultProxyHost},
			{"proxy-ports", "[9150,9050]"},
			{"rate", "0"},
			{"no-history", "false"},
		}
		for _, tt := range tests {
			f := cmd.Flags().Lookup(tt.name)
			if f == nil {
				t.Errorf("flag %q not defined", tt.name)
				continue
			}
			if f.DefValue != tt.want {
				t.Errorf("flag %q default = %q, want %q", tt.name, f.DefValue, tt.want)
			}
		}
	})

	t.Run("shorthands", func(t *testing.T) {
		t.Parallel()
		for name, short := range map[string]string{
			"concurrency": "n", "transfer-timeout": "t", "tor-timeout": "T",
			"json": "j", "markdown": "m", "output": "o",
		} {
			f := cmd.Flags().Lookup(name)
			if f == nil || f.Shorthand != short {
				t.Errorf("flag %q shorthand should be %q", name, short)
			}
		}
	})
}

func TestGetSummaryOptions(t *testing.T) {
	t.Parallel()

	t.Run("json and markdown conflict", func(t *testing.T) {
		t.Parallel()
		cmd := findCmd(t, []string{"fetch"}, "--json", "--markdown")
		if _, err := getSummaryOptions(cmd); !errors.Is(err, errConflictingFormats) {
			t.Errorf("getSummaryOptions() error = %v, want errConflictingFormats", err)
		}
	})

	t.Run("reads flags", func(t *testing.T) {
		t.Parallel()
		cmd := findCmd(t, []string{"fetch"}, "-m", "-o", "out.md", "-v")
		opts, err := getSummaryOptions(cmd)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !opts.markdown || opts.json || opts.output != "out.md" || !opts.verbose {
			t.Errorf("getSummaryOptions() = %+v", opts)
		}
	})
}

func TestRunFetchCmdRejectsBadInput(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, "log:\n  verbose: false\n")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "invalid port",
			args: []string{"fetch", "--config", cfgPath, "--proxy-ports", "0", "tasks.yaml"},
			want: "configuration error",
		},
		{
			name: "conflicting formats",
			args: []string{"fetch", "--config", cfgPath, "--json", "--markdown", "tasks.yaml"},
			want: errConflictingFormats.Error(),
		},
		{
			name: "missing argument",
			args: []string{"fetch", "--config", cfgPath},
			want: "accepts 1 arg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func testSummary() *report.Summary {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &report.Summary{
		Report: &download.Report{
			RunID:      uuid.MustParse("3f2a8d7e-0000-4000-8000-000000000001"),
			StartedAt:  start,
			FinishedAt: start.Add(3 * time.Second),
			Stats:      download.Stats{Total: 3, Completed: 1, Skipped: 1, Failed: 1},
			Failures: []download.Failure{
				{URL: "https://example.com/c.jpg", Path: "out/c.jpg", Error: "status 404"},
			},
		},
		Proxy: "socks5://127.0.0.1:9150",
		Exit:  "198.51.100.7",
	}
}

func TestOutputSummary(t *testing.T) {
	t.Parallel()

	t.Run("simple to stdout", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if err := outputSummary(&buf, summaryOptions{}, testSummary()); err != nil {
			t.Fatalf("outputSummary() error = %v", err)
		}
		for _, want := range []string{"TORFETCH RUN SUMMARY", "socks5://127.0.0.1:9150", "FAILED:    1"} {
			if !strings.Contains(buf.String(), want) {
				t.Errorf("expected output to contain %q", want)
			}
		}
	})

	t.Run("json", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		if err := outputSummary(&buf, summaryOptions{json: true}, testSummary()); err != nil {
			t.Fatalf("outputSummary() error = %v", err)
		}
		var got report.JSONSummary
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if got.Total != 3 || got.Failed != 1 || len(got.Failures) != 1 {
			t.Errorf("unexpected summary: %+v", got)
		}
	})

	t.Run("markdown to file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "reports", "summary.md")
		var stdout bytes.Buffer
		if err := outputSummary(&stdout, summaryOptions{markdown: true, output: path}, testSummary()); err != nil {
			t.Fatalf("outputSummary() error = %v", err)
		}
		if stdout.Len() != 0 {
			t.Error("nothing should be written to stdout when an output file is given")
		}

		data, err := os.ReadFile(path) //nolint:gosec // test file
		if err != nil {
			t.Fatalf("failed to read summary: %v", err)
		}
		if !strings.Contains(string(data), "# torfetch Run Summary") {
			t.Errorf("expected markdown heading, got:\n%s", data)
		}

		if runtime.GOOS != "windows" {
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if perm := info.Mode().Perm(); perm != 0600 {
				t.Errorf("summary permissions = %o, want 600", perm)
			}
		}
	})
}

func TestNewSummary(t *testing.T) {
	t.Parallel()

	ep, err := tor.NewEndpoint("127.0.0.1", 9150)
	if err != nil {
		t.Fatal(err)
	}

	run := pipeline.NewRun("tasks.yaml", []tor.Endpoint{ep})
	run.Verified = &verify.Result{
		Endpoint: ep,
		Baseline: identity.Identity{Address: "203.0.113.5", Family: identity.FamilyIPv4},
		Exit:     identity.Identity{Address: "198.51.100.7", Family: identity.FamilyIPv4},
	}
	run.Report = testSummary().Report

	s := newSummary(run, geoip.Nop{})

	if s.Proxy != "socks5://127.0.0.1:9150" {
		t.Errorf("Proxy = %q", s.Proxy)
	}
	if s.Exit != "198.51.100.7" {
		t.Errorf("Exit = %q", s.Exit)
	}
	if s.ExitCountry != "" {
		t.Errorf("ExitCountry = %q, want empty without a GeoIP database", s.ExitCountry)
	}
	if s.Report != run.Report {
		t.Error("summary should carry the run report")
	}
}
