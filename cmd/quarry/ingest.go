// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quarry-dev/quarry/internal/ingest"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// defaultTenant is used by local commands when --tenant is not given.
const defaultTenant = "default"

func newIngestCmd(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Index local files or directories for a tenant",
		Long: "Ingest files directly into the local store, bypassing the HTTP API. Directories are walked " +
			"recursively, skipping hidden entries and unsupported types. With --watch, directories are " +
			"kept in sync until interrupted.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, cc, args)
		},
	}

	cmd.Flags().StringP("tenant", "t", defaultTenant, "tenant to ingest into")
	cmd.Flags().BoolP("watch", "w", false, "keep watching directories for changes")

	return cmd
}

func runIngest(cmd *cobra.Command, cc *cliContext, paths []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	watch, _ := cmd.Flags().GetBool("watch")

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

	out := cmd.OutOrStdout()
	var dirs []string
	failed := 0
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return quarryerr.Errorf(quarryerr.CodeCLIInputInvalid, "resolving %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return quarryerr.Errorf(quarryerr.CodeCLIInputInvalid, "reading %s: %w", p, err)
		}
		if info.IsDir() {
			dirs = append(dirs, abs)
			n, err := ingest.NewWatcher(app.Files, tenant, abs).Sync(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "%s: indexed %d file(s)\n", p, n)
			continue
		}
		if err := ingestFile(ctx, out, app.Files, tenant, abs); err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "%s: failed: %s\n", p, err)
		}
	}

	if watch && len(dirs) > 0 {
		_, _ = fmt.Fprintf(out, "Watching %d folder(s) for tenant %q, press Ctrl+C to stop\n", len(dirs), tenant)
		g, gctx := errgroup.WithContext(ctx)
		for _, dir := range dirs {
			w := ingest.NewWatcher(app.Files, tenant, dir)
			g.Go(func() error { return w.Run(gctx) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if failed > 0 {
		return quarryerr.Errorf(quarryerr.CodeCLIRequestFailure, "%d file(s) failed to ingest", failed)
	}
	return nil
}

// ingestFile indexes one file under its path-derived id, so re-running the
// command re-indexes rather than duplicates.
func ingestFile(ctx context.Context, out io.Writer, svc *ingest.Service, tenant, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	rec, err := svc.Ingest(ctx, tenant, ingest.PathFileID(tenant, path), path, size, f)
	if err != nil {
		return err
	}
	slog.Debug("file ingested", "path", path, "file_id", rec.ID)
	_, _ = fmt.Fprintf(out, "%s: indexed %s, %d chunk(s) [%s]\n",
		rec.Name, humanize.Bytes(uint64(max(rec.Size, 0))), rec.ChunkCount, rec.ID)
	return nil
}
