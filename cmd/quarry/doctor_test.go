// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/config"
)

func TestDoctor_RunsAllChecks(t *testing.T) {
	isolate(t)
	cfgPath, _ := writeTestConfig(t, "")

	out, _, err := runCLI(t, "--config", cfgPath, "doctor", "--address", "127.0.0.1:1")
	require.NoError(t, err)

	for _, check := range []string{"Binary:", "Platform:", "Config:", "Server:", "Providers:", "Embedding:", "Storage:", "Disk Space:"} {
		assert.Contains(t, out, check)
	}
	assert.Contains(t, out, "loaded from "+cfgPath)
	assert.Contains(t, out, "hashing, 64 dimensions")
	assert.Contains(t, out, "no API keys configured")
	assert.Contains(t, out, "does not exist yet")
}

func TestDoctor_ServerRunning(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	old := defaultHTTPClient
	defaultHTTPClient = srv.Client()
	defer func() { defaultHTTPClient = old }()

	out, _, err := runCLI(t, "doctor", "--address", srv.URL[len("http://"):])
	require.NoError(t, err)
	assert.Contains(t, out, "ok at "+srv.URL)
}

func TestDoctor_ServerNotRunning(t *testing.T) {
	isolate(t)

	out, _, err := runCLI(t, "doctor", "--address", "127.0.0.1:1")
	require.NoError(t, err)
	assert.Contains(t, out, "not running")
	assert.Contains(t, out, "quarry serve")
}

func TestDoctor_InvalidConfigStillReports(t *testing.T) {
	isolate(t)
	cfgPath, _ := writeTestConfig(t, "retrieval:\n  top_k: 0\n")

	out, _, err := runCLI(t, "--config", cfgPath, "doctor", "--address", "127.0.0.1:1")
	require.NoError(t, err)
	assert.Contains(t, out, "invalid:")
	assert.Contains(t, out, "Binary:")
	assert.NotContains(t, out, "Disk Space:")
}

func TestCheckProviders(t *testing.T) {
	tests := []struct {
		name      string
		providers map[string]config.ProviderConfig
		def       string
		want      string
	}{
		{
			name: "none",
			def:  "anthropic/claude-sonnet-4-5",
			want: "no API keys configured",
		},
		{
			name:      "default configured",
			providers: map[string]config.ProviderConfig{"anthropic": {APIKey: "k"}, "openai": {APIKey: "k"}},
			def:       "anthropic/claude-sonnet-4-5",
			want:      "anthropic, openai (default anthropic/claude-sonnet-4-5)",
		},
		{
			name:      "default missing",
			providers: map[string]config.ProviderConfig{"openai": {APIKey: "k"}},
			def:       "anthropic/claude-sonnet-4-5",
			want:      "default anthropic/claude-sonnet-4-5 has no API key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Providers: tt.providers, Models: config.ModelsConfig{Default: tt.def}}
			assert.Contains(t, checkProviders(cfg), tt.want)
		})
	}
}

func TestCheckStorage(t *testing.T) {
	dir := t.TempDir()
	file := dir + "/file"
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	tests := []struct {
		name    string
		storage config.StorageConfig
		want    string
	}{
		{name: "postgres", storage: config.StorageConfig{Backend: "postgres", DatabaseURL: "postgres://x"}, want: "postgres"},
		{name: "existing dir", storage: config.StorageConfig{Backend: "sqlite", DataDir: dir}, want: "sqlite in " + dir},
		{name: "missing dir", storage: config.StorageConfig{Backend: "sqlite", DataDir: dir + "/nope"}, want: "does not exist yet"},
		{name: "not a dir", storage: config.StorageConfig{Backend: "sqlite", DataDir: file}, want: "is not a directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, checkStorage(&config.Config{Storage: tt.storage}), tt.want)
		})
	}
}

func TestCheckDiskSpace(t *testing.T) {
	result := checkDiskSpace(t.TempDir())
	assert.Regexp(t, regexp.MustCompile(`^\d+(\.\d+)?\s*(B|KiB|MiB|GiB|TiB|PiB) available$`), result)
}
