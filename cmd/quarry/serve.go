// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarry-dev/quarry/internal/server"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func newServeCmd(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the quarry HTTP API",
		Long:    "Load configuration, initialize storage, the index and providers, and serve the HTTP API until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, cc)
		},
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")

	return cmd
}

func runServe(cmd *cobra.Command, cc *cliContext) error {
	if f := cmd.Flags().Lookup("listen"); f.Changed {
		if err := cc.v.BindPFlag("networking.listen", f); err != nil {
			return quarryerr.Errorf(quarryerr.CodeCLISetupFailure, "binding listen flag: %w", err)
		}
	}
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
	defer func() {
		if err := app.Close(); err != nil {
			slog.Warn("closing subsystems", "error", err)
		}
	}()

	srvCfg, err := app.ServerConfig()
	if err != nil {
		return err
	}
	if len(srvCfg.Tokens) == 0 {
		slog.Warn("authentication disabled: no API tokens configured, tenants are taken from the X-Tenant-ID header")
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", srvCfg.ListenAddr)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeServerStartFailure, "listening on %s: %w", srvCfg.ListenAddr, err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "quarry listening on http://%s (storage: %s, embedding: %s)\n",
		ln.Addr(), cfg.Storage.Backend, app.Embedder.Name())

	if err := srv.Serve(ctx, ln); err != nil {
		return err
	}
	slog.Info("quarry stopped")
	return nil
}
