// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/quarry-dev/quarry/internal/config"
	"github.com/quarry-dev/quarry/internal/provider"
	"github.com/quarry-dev/quarry/internal/secrets"
)

// isolate points HOME and the working directory at temp dirs and swaps in
// an in-memory secret store, so no command touches the user's config,
// .env or keyring.
func isolate(t *testing.T) *secrets.MemoryStore {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("QUARRY_TOKEN", "")
	t.Chdir(t.TempDir())

	store := secrets.NewMemoryStore()
	orig := secretStoreFactory
	secretStoreFactory = func() secrets.Store { return store }
	t.Cleanup(func() { secretStoreFactory = orig })
	return store
}

// testConfigYAML is a minimal config keeping all state under dataDir.
func testConfigYAML(dataDir string) string {
	return fmt.Sprintf(`storage:
  backend: sqlite
  data_dir: %q
embedding:
  backend: hashing
  dimensions: 64
chunking:
  max_chunk_size: 200
  overlap: 20
logging:
  level: error
`, dataDir)
}

// writeTestConfig writes a config file with its data dir next to it and
// returns the config path and the data dir. Sections in extra override
// the base config key by key.
func writeTestConfig(t *testing.T, extra string) (cfgPath, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	cfgPath = filepath.Join(dir, "quarry.yaml")
	body := testConfigYAML(dataDir)
	if extra != "" {
		body = mergeYAML(t, body, extra)
	}
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath, dataDir
}

// mergeYAML overlays the top-level sections of extra onto base.
func mergeYAML(t *testing.T, base, extra string) string {
	t.Helper()
	var b, e map[string]map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(base), &b))
	require.NoError(t, yaml.Unmarshal([]byte(extra), &e))
	for section, values := range e {
		if b[section] == nil {
			b[section] = map[string]any{}
		}
		for k, v := range values {
			b[section][k] = v
		}
	}
	out, err := yaml.Marshal(b)
	require.NoError(t, err)
	return string(out)
}

func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	path, _ := writeTestConfig(t, extra)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

// runCLI executes a fresh root command and returns what it wrote to stdout
// and stderr.
func runCLI(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	return runCLIWithInput(t, "", args...)
}

func runCLIWithInput(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(bytes.NewBufferString(stdin))
	root.SetArgs(args)
	err = root.ExecuteContext(t.Context())
	return out.String(), errOut.String(), err
}

// stubProvider always answers with a fixed text.
type stubProvider struct {
	name   string
	answer string

	mu    sync.Mutex
	calls []provider.ChatRequest
}

func (s *stubProvider) Name() string                   { return s.name }
func (s *stubProvider) Available(context.Context) bool { return true }
func (s *stubProvider) Close() error                   { return nil }

func (s *stubProvider) ListModels(context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (s *stubProvider) Chat(_ context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	ch := make(chan provider.ChatEvent, 2)
	ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: s.answer}
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
	close(ch)
	return ch, nil
}

func (s *stubProvider) Status(context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{Available: true, Provider: s.name, Message: "ok"}, nil
}

func (s *stubProvider) requests() []provider.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.ChatRequest(nil), s.calls...)
}

// stubProviders replaces the built-in provider constructors for the test.
func stubProviders(t *testing.T, factories map[string]providerFactory) {
	t.Helper()
	orig := builtinProviderFactories
	builtinProviderFactories = factories
	t.Cleanup(func() { builtinProviderFactories = orig })
}

// newTestViper returns a viper instance holding only the defaults.
func newTestViper() *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)
	return v
}
