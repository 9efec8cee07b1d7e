// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kestrel-dev/kestrel/internal/telemetry"
	"github.com/kestrel-dev/kestrel/pkg/health"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long:  "Query a running gateway's control plane and display breaker and monitor state.",
		RunE:  runStatus,
	}

	cmd.Flags().String("address", "127.0.0.1:18790", "gateway address to check")

	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("address")
	out := cmd.OutOrStdout()

	gw := newGatewayClient(addr)

	var healthBody struct {
		Status string `json:"status"`
	}
	if err := gw.getJSON("/healthz", &healthBody); err != nil {
		if errors.Is(err, ErrGatewayNotRunning) {
			_, _ = fmt.Fprintf(out, "Gateway at %s is not running (connection refused)\n", addr)
			return nil
		}
		_, _ = fmt.Fprintf(out, "Gateway at %s: %s\n", addr, err)
		return nil
	}
	_, _ = fmt.Fprintf(out, "Gateway at %s: %s\n", addr, healthBody.Status)

	var breakersBody struct {
		Breakers []health.BreakerStatus `json:"breakers"`
	}
	if err := gw.getJSON("/v1/breakers", &breakersBody); err == nil && len(breakersBody.Breakers) > 0 {
		_, _ = fmt.Fprintln(out, "\nBreakers:")
		for _, b := range breakersBody.Breakers {
			_, _ = fmt.Fprintf(out, "  %-12s %-9s failures=%d requests=%d\n",
				b.Name, b.State, b.FailuresInWindow, b.TotalRequests)
		}
	}

	var metrics map[string]telemetry.Metrics
	if err := gw.getJSON("/v1/metrics", &metrics); err == nil && len(metrics) > 0 {
		names := make([]string, 0, len(metrics))
		for name := range metrics {
			names = append(names, name)
		}
		sort.Strings(names)

		_, _ = fmt.Fprintln(out, "\nMonitors:")
		for _, name := range names {
			m := metrics[name]
			_, _ = fmt.Fprintf(out, "  %-12s ops=%d success=%.0f%% p95=%s timeouts=%d trips=%d\n",
				name, m.TotalOperations, m.SuccessRate*100, m.P95, m.Timeouts, m.BreakerTrips)
		}
	}

	return nil
}
