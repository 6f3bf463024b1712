// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/quarry-dev/quarry/internal/config"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func newDoctorCmd(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Long:  "Check the binary, configuration, provider keys, storage, disk space and whether a server is reachable.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd, cc)
		},
	}

	addRemoteFlags(cmd)

	return cmd
}

func runDoctor(cmd *cobra.Command, cc *cliContext) error {
	w := cmd.OutOrStdout()
	client := newAPIClient(cmd, cc)

	cfg, cfgErr := cc.load(cmd)

	checks := []struct {
		name string
		fn   func() string
	}{
		{"Binary", checkBinary},
		{"Platform", checkPlatform},
		{"Config", func() string { return checkConfig(cc.configFile, cfgErr) }},
		{"Server", func() string { return checkServer(cmd.Context(), client) }},
	}
	if cfg != nil {
		checks = append(checks, []struct {
			name string
			fn   func() string
		}{
			{"Providers", func() string { return checkProviders(cfg) }},
			{"Embedding", func() string { return checkEmbedding(cfg) }},
			{"Storage", func() string { return checkStorage(cfg) }},
			{"Disk Space", func() string { return checkDiskSpace(cfg.Storage.DataDir) }},
		}...)
	}

	for _, c := range checks {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", c.name+":", c.fn()); err != nil {
			return err
		}
	}
	return nil
}

func checkBinary() string {
	return fmt.Sprintf("quarry %s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}

func checkPlatform() string {
	return fmt.Sprintf("%s/%s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func checkConfig(path string, loadErr error) string {
	source := "using defaults (no config file found)"
	if path != "" {
		source = "loaded from " + path
	}
	if loadErr != nil {
		return fmt.Sprintf("%s, invalid: %s", source, loadErr)
	}
	return source
}

func checkServer(ctx context.Context, client *apiClient) string {
	var body struct {
		Status string `json:"status"`
	}
	if err := client.getJSON(ctx, "/health", &body); err != nil {
		if quarryerr.HasCode(err, quarryerr.CodeCLIServerNotRunning) {
			return fmt.Sprintf("not running at %s (run 'quarry serve')", client.baseURL)
		}
		return fmt.Sprintf("error: %s", err)
	}
	return fmt.Sprintf("%s at %s", body.Status, client.baseURL)
}

func checkProviders(cfg *config.Config) string {
	names := cfg.ConfiguredProviders()
	if len(names) == 0 {
		return "no API keys configured (chat will fail; run 'quarry init' or 'quarry secret set --provider')"
	}
	defName, _, _ := strings.Cut(cfg.Models.Default, "/")
	for _, n := range names {
		if n == defName {
			return fmt.Sprintf("%s (default %s)", strings.Join(names, ", "), cfg.Models.Default)
		}
	}
	return fmt.Sprintf("%s (default %s has no API key; a failover model will be used)",
		strings.Join(names, ", "), cfg.Models.Default)
}

func checkEmbedding(cfg *config.Config) string {
	e := cfg.Embedding
	desc := fmt.Sprintf("%s, %d dimensions", e.Backend, e.Dimensions)
	if e.Model != "" {
		desc += ", model " + e.Model
	}
	return desc
}

func checkStorage(cfg *config.Config) string {
	if cfg.Storage.Backend == "postgres" {
		return "postgres"
	}
	info, err := os.Stat(cfg.Storage.DataDir)
	switch {
	case os.IsNotExist(err):
		return fmt.Sprintf("sqlite, %s does not exist yet (created on first use)", cfg.Storage.DataDir)
	case err != nil:
		return fmt.Sprintf("sqlite, cannot read %s: %s", cfg.Storage.DataDir, err)
	case !info.IsDir():
		return fmt.Sprintf("sqlite, %s is not a directory", cfg.Storage.DataDir)
	}
	return "sqlite in " + cfg.Storage.DataDir
}

func checkDiskSpace(dataDir string) string {
	path := dataDir
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Fall back to home directory if data dir doesn't exist yet.
		path, _ = os.UserHomeDir()
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}

	availBytes := stat.Bavail * uint64(stat.Bsize) //nolint:gosec // block size is positive
	return humanize.IBytes(availBytes) + " available"
}
