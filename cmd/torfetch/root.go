package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/verify"
)

// Process exit codes. A detected leak exits with monitor.ExitCodeLeak (3)
// from inside the leak monitor.
const (
	exitCodeError        = 1
	exitCodeVerification = 2
)

// NewRootCmd creates the root command for torfetch.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "torfetch",
		Short: "Anonymity-gated resource downloader for Tor",
		Long: `torfetch downloads a list of resources through a Tor SOCKS5 proxy.

Before any download it compares the IP address seen directly with the one
seen through each candidate proxy, and only uses a proxy that changes it.
While downloads run, the check is repeated in the background; if the
direct address is ever observed through the proxy, torfetch exits
immediately with status 3.

Exit status: 0 success, 1 error, 2 no working proxy, 3 identity leak.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().BoolP("quiet", "q", false, "Only log warnings and errors")
	cmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	cmd.PersistentFlags().StringP("config", "c", "",
		"Configuration file path (default: .torfetch in current or home directory)")

	// Add subcommands
	cmd.AddCommand(NewFetchCmd())
	cmd.AddCommand(NewVerifyCmd())
	cmd.AddCommand(NewProbeCmd())
	cmd.AddCommand(NewProgressCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if errors.Is(err, verify.ErrNoWorkingProxy) {
		return exitCodeVerification
	}
	return exitCodeError
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
