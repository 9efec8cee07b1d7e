// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrel-dev/kestrel/internal/provider"
	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message to a provider",
		Long:  "Send a single message through the full resilience pipeline and print the response.",
		Args:  cobra.ExactArgs(1),
		RunE:  runSend,
	}

	addCallFlags(cmd)

	return cmd
}

func addCallFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("provider", "p", "", "provider to use (defaults to the only one configured)")
	cmd.Flags().StringP("system", "s", "", "system prompt")
	cmd.Flags().StringP("model", "m", "", "model override")
	cmd.Flags().Int("max-tokens", 0, "response token cap override")
	cmd.Flags().Float32("temperature", -1, "sampling temperature override")
}

func runSend(cmd *cobra.Command, args []string) error {
	p, err := resolveProvider(cmd)
	if err != nil {
		return err
	}

	msgs := []provider.Message{{Role: provider.RoleUser, Content: args[0]}}
	system, _ := cmd.Flags().GetString("system")

	out, err := p.SendMessage(cmd.Context(), msgs, system, callOptions(cmd)...)
	if err != nil {
		return kerrors.Wrap(err, kerrors.CodeCLIRequestFailure, "send failed",
			kerrors.FieldProvider(p.Name()))
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}

// resolveProvider loads config, wires the gateway, and picks the target
// provider from --provider or, when only one is configured, by default.
func resolveProvider(cmd *cobra.Command) (provider.Provider, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	gw, err := WireGateway(cfg, newLogger(cfg.Logging, verbose))
	if err != nil {
		return nil, err
	}

	name, _ := cmd.Flags().GetString("provider")
	if name == "" {
		names := gw.Providers.Names()
		switch len(names) {
		case 0:
			return nil, kerrors.New(kerrors.CodeCLIInputInvalid, "no providers configured")
		case 1:
			name = names[0]
		default:
			return nil, kerrors.Errorf(kerrors.CodeCLIInputInvalid,
				"multiple providers configured (%v), pick one with --provider", names)
		}
	}

	p, err := gw.Providers.Get(name)
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.CodeCLIInputInvalid, "resolving provider")
	}

	if model, _ := cmd.Flags().GetString("model"); model != "" {
		p.SetModel(model)
	}
	return p, nil
}

func callOptions(cmd *cobra.Command) []provider.CallOption {
	var opts []provider.CallOption
	if n, _ := cmd.Flags().GetInt("max-tokens"); n > 0 {
		opts = append(opts, provider.WithMaxTokens(n))
	}
	if t, _ := cmd.Flags().GetFloat32("temperature"); t >= 0 {
		opts = append(opts, provider.WithTemperature(t))
	}
	return opts
}
