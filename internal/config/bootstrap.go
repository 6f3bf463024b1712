// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package config

import (
	_ "embed"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

//go:embed quarry.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/quarry/quarry.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", quarryerr.Errorf(quarryerr.CodeConfigLoadReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "quarry", "quarry.yaml"), nil
}

// BootstrapConfig writes the default commented config if none exists yet.
// It returns the path written, or "" when nothing was written. Failures are
// logged and skipped.
func BootstrapConfig() string {
	cfgPath, err := DefaultConfigPath()
	if err != nil {
		slog.Debug("skipping config bootstrap", "error", err)
		return ""
	}
	return bootstrapAt(cfgPath)
}

func bootstrapAt(cfgPath string) string {
	if _, err := os.Stat(cfgPath); err == nil {
		return ""
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Debug("skipping config bootstrap: cannot create directory", "path", dir, "error", err)
		return ""
	}
	if err := os.WriteFile(cfgPath, DefaultConfigYAML, 0o600); err != nil {
		slog.Debug("skipping config bootstrap: cannot write config", "path", cfgPath, "error", err)
		return ""
	}

	slog.Info("created default config", "path", cfgPath)
	return cfgPath
}

// ReadInto loads the config file into v. An explicit path must exist.
// Without one, quarry.yaml is looked up in ".", ~/.config/quarry and
// /etc/quarry; when none is found and bootstrap is set, the default config
// is written to ~/.config/quarry and read. It returns the file used, or ""
// when running on defaults alone.
func ReadInto(v *viper.Viper, path string, bootstrap bool) (string, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return "", quarryerr.Errorf(quarryerr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
		return path, nil
	}

	// No SetConfigType: viper would then also try the bare name, which
	// matches a ./quarry binary.
	v.SetConfigName("quarry")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/quarry")
	v.AddConfigPath("/etc/quarry")
	err := v.ReadInConfig()
	if err == nil {
		return v.ConfigFileUsed(), nil
	}
	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) {
		return "", quarryerr.Errorf(quarryerr.CodeConfigLoadReadFailure, "reading config: %w", err)
	}
	if !bootstrap {
		return "", nil
	}
	written := BootstrapConfig()
	if written == "" {
		return "", nil
	}
	v.SetConfigFile(written)
	if err := v.ReadInConfig(); err != nil {
		return "", quarryerr.Errorf(quarryerr.CodeConfigLoadReadFailure, "reading bootstrapped config: %w", err)
	}
	return written, nil
}
