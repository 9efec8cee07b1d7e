// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrel-dev/kestrel/internal/provider"
	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream <message>",
		Short: "Stream a response from a provider",
		Long:  "Send a single message and print response deltas as they arrive.",
		Args:  cobra.ExactArgs(1),
		RunE:  runStream,
	}

	addCallFlags(cmd)

	return cmd
}

func runStream(cmd *cobra.Command, args []string) error {
	p, err := resolveProvider(cmd)
	if err != nil {
		return err
	}

	msgs := []provider.Message{{Role: provider.RoleUser, Content: args[0]}}
	system, _ := cmd.Flags().GetString("system")

	ch, err := p.StreamMessage(cmd.Context(), msgs, system, callOptions(cmd)...)
	if err != nil {
		return kerrors.Wrap(err, kerrors.CodeCLIRequestFailure, "stream failed",
			kerrors.FieldProvider(p.Name()))
	}

	out := cmd.OutOrStdout()
	for ev := range ch {
		switch ev.Type {
		case provider.EventTextDelta:
			fmt.Fprint(out, ev.Text)
		case provider.EventDone:
			fmt.Fprintln(out)
			return nil
		case provider.EventError:
			fmt.Fprintln(out)
			return kerrors.Wrap(ev.Err, kerrors.CodeCLIRequestFailure, "stream failed",
				kerrors.FieldProvider(p.Name()))
		}
	}
	return nil
}
