// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// readableByOthers covers the group and world read bits.
const readableByOthers fs.FileMode = 0o044

// WarnInsecurePermissions logs a warning when the config file, which may
// hold API keys and auth tokens, is readable by other users. It reports
// whether a warning was logged.
func WarnInsecurePermissions(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		slog.Debug("could not stat config file for permission check", "path", path, "error", err)
		return false
	}
	if info.Mode().Perm()&readableByOthers == 0 {
		return false
	}
	slog.Warn("config file is readable by other users and may expose credentials",
		"path", path,
		"mode", info.Mode().Perm(),
		"recommended", "0600")
	return true
}
