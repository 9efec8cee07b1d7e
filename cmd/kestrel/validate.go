// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a provider credential",
		Long:  "Check the configured credential against the provider's API and print the verdict.",
		RunE:  runValidate,
	}

	cmd.Flags().StringP("provider", "p", "", "provider to check (defaults to the only one configured)")

	return cmd
}

func runValidate(cmd *cobra.Command, _ []string) error {
	p, err := resolveProvider(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	valid, err := p.ValidateKey(cmd.Context())
	if err != nil {
		return kerrors.Wrap(err, kerrors.CodeCLIRequestFailure, "key check inconclusive",
			kerrors.FieldProvider(p.Name()))
	}

	if valid {
		_, err = fmt.Fprintf(out, "%s: credential is valid\n", p.Name())
	} else {
		_, err = fmt.Fprintf(out, "%s: credential is INVALID\n", p.Name())
	}
	return err
}
