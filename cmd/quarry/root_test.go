// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func TestRootCommand_Help(t *testing.T) {
	isolate(t)

	out, _, err := runCLI(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"serve", "ingest", "ask", "chat", "status", "mcp", "secret", "config", "doctor", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	isolate(t)

	out, _, err := runCLI(t, "--verbose", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "--config")
	assert.Contains(t, out, "--env-file")
	assert.Contains(t, out, "--data-dir")
	assert.Contains(t, out, "--verbose")
}

func TestVersionCommand(t *testing.T) {
	isolate(t)

	out, _, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "quarry dev")
	assert.Contains(t, out, "commit:")
}

func TestVersionCommand_SkipsConfig(t *testing.T) {
	isolate(t)
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	_, _, err = runCLI(t, "version")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(home, ".config", "quarry", "quarry.yaml"))
}

func TestServeCommand_MissingConfigFile(t *testing.T) {
	isolate(t)

	_, _, err := runCLI(t, "serve", "--config", "/nonexistent/path.yaml")
	require.Error(t, err)
	assert.True(t, quarryerr.HasCode(err, quarryerr.CodeConfigLoadReadFailure))
}

func TestConfigPath(t *testing.T) {
	t.Run("explicit file", func(t *testing.T) {
		isolate(t)
		cfgPath, _ := writeTestConfig(t, "")

		out, _, err := runCLI(t, "--config", cfgPath, "config", "path")
		require.NoError(t, err)
		assert.Equal(t, cfgPath+"\n", out)
	})

	t.Run("bootstrapped default", func(t *testing.T) {
		isolate(t)
		home, err := os.UserHomeDir()
		require.NoError(t, err)

		out, _, err := runCLI(t, "config", "path")
		require.NoError(t, err)
		want := filepath.Join(home, ".config", "quarry", "quarry.yaml")
		assert.Equal(t, want+"\n", out)
		assert.FileExists(t, want)
	})
}

func TestConfigShow(t *testing.T) {
	isolate(t)
	cfgPath, dataDir := writeTestConfig(t, `providers:
  openai:
    api_key: sk-test-secret-value
auth:
  tokens:
    - token: tok-abcdefghijkl
      tenant_id: acme
      name: ci
`)

	out, _, err := runCLI(t, "--config", cfgPath, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-test-secret-value")
	assert.NotContains(t, out, "tok-abcdefghijkl")

	var shown map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	storage, ok := shown["storage"].(map[string]any)
	require.True(t, ok, "storage section missing: %s", out)
	assert.Equal(t, dataDir, storage["data_dir"])
}

func TestConfigShow_EnvOverride(t *testing.T) {
	isolate(t)
	cfgPath, _ := writeTestConfig(t, "")
	t.Setenv("QUARRY_RETRIEVAL_TOP_K", "9")

	out, _, err := runCLI(t, "--config", cfgPath, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "top_k: 9")
}

func TestConfigShow_DataDirFlag(t *testing.T) {
	isolate(t)
	cfgPath, _ := writeTestConfig(t, "")
	override := filepath.Join(t.TempDir(), "elsewhere")

	out, _, err := runCLI(t, "--config", cfgPath, "--data-dir", override, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, override)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantErr bool
	}{
		{name: "valid"},
		{name: "bad top_k", extra: "retrieval:\n  top_k: 0\n", wantErr: true},
		{name: "remote embedding without key", extra: "embedding:\n  backend: openai\n", wantErr: true},
		{name: "token without tenant", extra: "auth:\n  tokens:\n    - token: abc\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			cfgPath, _ := writeTestConfig(t, tt.extra)

			out, _, err := runCLI(t, "--config", cfgPath, "config", "validate")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, quarryerr.HasCode(err, quarryerr.CodeConfigValidateInvalidValue))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "configuration is valid\n", out)
		})
	}
}

func TestEnvFile(t *testing.T) {
	isolate(t)
	cfgPath, _ := writeTestConfig(t, "")
	envPath := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("QUARRY_RETRIEVAL_TOP_K=7\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("QUARRY_RETRIEVAL_TOP_K") })

	out, _, err := runCLI(t, "--config", cfgPath, "--env-file", envPath, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "top_k: 7")
}

func TestEnvFile_Missing(t *testing.T) {
	isolate(t)

	_, _, err := runCLI(t, "--env-file", "/nonexistent/.env", "config", "path")
	require.Error(t, err)
	assert.True(t, quarryerr.HasCode(err, quarryerr.CodeConfigLoadReadFailure))
}
