// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarry-dev/quarry/internal/server"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func newStatusCmd(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Query a running server for readiness, the tenant's index size and provider health.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cc)
		},
	}

	addRemoteFlags(cmd)

	return cmd
}

// statusResponse mirrors GET /api/v1/status.
type statusResponse struct {
	Status    string                  `json:"status"`
	TenantID  string                  `json:"tenant_id"`
	IndexSize int                     `json:"index_size"`
	Providers []server.ProviderHealth `json:"providers"`
}

func runStatus(cmd *cobra.Command, cc *cliContext) error {
	client := newAPIClient(cmd, cc)
	out := cmd.OutOrStdout()

	var body statusResponse
	if err := client.getJSON(cmd.Context(), "/api/v1/status", &body); err != nil {
		if quarryerr.HasCode(err, quarryerr.CodeCLIServerNotRunning) {
			_, _ = fmt.Fprintf(out, "Server at %s is not running (connection refused)\n", client.baseURL)
			return nil
		}
		_, _ = fmt.Fprintf(out, "Server at %s: %s\n", client.baseURL, err)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Server at %s: %s\n", client.baseURL, body.Status)
	_, _ = fmt.Fprintf(out, "Tenant %s: %d indexed chunk(s)\n", body.TenantID, body.IndexSize)
	if len(body.Providers) == 0 {
		_, _ = fmt.Fprintln(out, "Providers: none configured")
		return nil
	}
	_, _ = fmt.Fprintln(out, "Providers:")
	for _, p := range body.Providers {
		state := "available"
		if !p.Available {
			state = "unavailable"
		}
		line := fmt.Sprintf("  %-12s %s", p.Provider, state)
		if p.Message != "" {
			line += " (" + p.Message + ")"
		}
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}
