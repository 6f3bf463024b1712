// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarry-dev/quarry/internal/mcp"
)

func newMCPCmd(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve one tenant's documents over the Model Context Protocol",
		Long: "Start an MCP server exposing search_documents, ask and the file list for a single tenant. " +
			"It speaks stdio by default, for MCP clients that launch quarry as a subprocess, " +
			"or streamable HTTP with --http.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd, cc)
		},
	}

	cmd.Flags().StringP("tenant", "t", defaultTenant, "tenant whose documents are served")
	cmd.Flags().String("http", "", "serve streamable HTTP on this address instead of stdio")

	return cmd
}

func runMCP(cmd *cobra.Command, cc *cliContext) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	httpAddr, _ := cmd.Flags().GetString("http")

	cfg, err := cc.load(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := WireApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	srv, err := mcp.NewServer(tenant, app.MCPPorts())
	if err != nil {
		return err
	}
	if httpAddr != "" {
		slog.Info("serving MCP over HTTP", "addr", httpAddr, "tenant_id", tenant)
		return srv.RunHTTP(ctx, httpAddr)
	}
	slog.Debug("serving MCP over stdio", "tenant_id", tenant)
	return srv.Run(ctx)
}
