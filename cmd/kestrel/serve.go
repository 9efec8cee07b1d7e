// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kestrel gateway",
		Long:  "Load configuration, wire all subsystems, and serve the control-plane HTTP API until interrupted.",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose)

	gw, err := WireGateway(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("kestrel starting",
		"listen", cfg.Server.Listen,
		"providers", gw.Providers.Names(),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return gw.Server.Start(ctx)
}
