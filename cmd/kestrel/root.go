// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrel-dev/kestrel/internal/config"
)

// NewRootCmd creates the root kestrel command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kestrel",
		Short:         "Kestrel — resilient AI provider gateway",
		Long:          "Kestrel fronts AI text-generation services with circuit breakers, retries, rate limiting, and performance monitoring.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags. Config keys can also come from KESTREL_ env vars.
	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newServeCmd(),
		newSendCmd(),
		newStreamCmd(),
		newValidateCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	return root
}

// loadConfig resolves the --config flag and loads the effective
// configuration (defaults, file, KESTREL_ env overrides).
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// newLogger builds the process logger from the logging config, with
// --verbose forcing debug level.
func newLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
