package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tor"
)

// NewProbeCmd creates the probe command.
func NewProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Print the IP address seen by identity services",
		Long: `Probe asks the identity services which address they see, either directly
or through one proxy, and prints the answer. It does not compare anything;
use verify for that.

Examples:
  # Address seen without a proxy
  torfetch probe

  # Address seen through Tor Browser
  torfetch probe --via 127.0.0.1:9150`,
		Args: cobra.NoArgs,
		RunE: runProbeCmd,
	}

	addProxyFlags(cmd)
	cmd.Flags().String("via", "", "Probe through this SOCKS5 proxy (host:port)")

	return cmd
}

// runProbeCmd executes the probe command.
func runProbeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	viaFlag, err := cmd.Flags().GetString("via")
	if err != nil {
		return err
	}

	var via *tor.Endpoint
	if viaFlag != "" {
		ep, err := tor.ParseEndpoint(viaFlag)
		if err != nil {
			return err
		}
		via = &ep
	}

	logger, _ := setupLogger(cmd, cfg)
	ctx, cancel := commandContext(cmd, logger)
	defer cancel()

	locator, closeLocator := openLocator(cfg, logger)
	defer closeLocator()

	id, err := newProber(cfg, logger).Probe(ctx, via)
	if err != nil {
		return err
	}

	route := "direct"
	if via != nil {
		route = via.String()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", route, id.Address, id.Family, locator.Country(id.Address))
	return nil
}
