package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/verify"
)

// NewVerifyCmd creates the verify command.
func NewVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Find a proxy that changes the observed IP address",
		Long: `Verify tries each candidate proxy in order and reports the first one whose
exit address differs from the address seen without a proxy.

Nothing is downloaded. The direct address is not printed unless
--show-baseline is given.

Examples:
  # Try Tor Browser (9150) and then the Tor daemon (9050)
  torfetch verify

  # Try a specific port only
  torfetch verify --proxy-ports 9050`,
		Args: cobra.NoArgs,
		RunE: runVerifyCmd,
	}

	addProxyFlags(cmd)
	cmd.Flags().Bool("show-baseline", false,
		"Print the direct (unproxied) address as well")

	return cmd
}

// runVerifyCmd executes the verify command.
func runVerifyCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	showBaseline, err := cmd.Flags().GetBool("show-baseline")
	if err != nil {
		return err
	}

	logger, redactor := setupLogger(cmd, cfg)
	ctx, cancel := commandContext(cmd, logger)
	defer cancel()

	locator, closeLocator := openLocator(cfg, logger)
	defer closeLocator()

	candidates, stopTor, err := proxyCandidates(ctx, cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer stopTor()

	verifier := newVerifier(cfg, newProber(cfg, logger), locator, logger, redactor)
	result, err := verifier.Verify(ctx, candidates)
	if err != nil {
		return err
	}

	printVerification(cmd.OutOrStdout(), result, locator.Country(result.Exit.Address), showBaseline)
	return nil
}

// printVerification writes a verification result for humans.
func printVerification(w io.Writer, result *verify.Result, country string, showBaseline bool) {
	fmt.Fprintf(w, "Proxy verified: %s\n", result.Endpoint)
	fmt.Fprintf(w, "  exit:     %s (%s, %s)\n", result.Exit.Address, result.Exit.Family, country)
	if showBaseline {
		fmt.Fprintf(w, "  baseline: %s (%s)\n", result.Baseline.Address, result.Baseline.Family)
	} else {
		fmt.Fprintln(w, "  baseline: hidden (use --show-baseline)")
	}
	fmt.Fprintf(w, "  at:       %s\n", result.VerifiedAt.Format(time.RFC3339))
}
