// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/config"
	"github.com/quarry-dev/quarry/internal/orchestrator"
	"github.com/quarry-dev/quarry/internal/provider"
	"github.com/quarry-dev/quarry/internal/server"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func TestWireApp(t *testing.T) {
	cfg := loadTestConfig(t, "")

	app, err := WireApp(t.Context(), cfg)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	assert.NotNil(t, app.Stores)
	assert.NotNil(t, app.Index)
	assert.NotNil(t, app.Files)
	assert.NotNil(t, app.Retriever)
	assert.NotNil(t, app.Orchestrator)
	assert.Equal(t, "hashing", app.Embedder.Name())
	assert.Equal(t, 64, app.Embedder.Dimensions())
	assert.Empty(t, app.Providers.Names())
	assert.DirExists(t, cfg.Storage.DataDir)

	ports := app.MCPPorts()
	require.NoError(t, ports.Validate())
}

func TestWireApp_ServerConfig(t *testing.T) {
	cfg := loadTestConfig(t, `auth:
  tokens:
    - token: tok-acme
      tenant_id: acme
      name: ci
networking:
  listen: "127.0.0.1:0"
`)

	app, err := WireApp(t.Context(), cfg)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	sc, err := app.ServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", sc.ListenAddr)
	assert.Equal(t, []server.Token{{Token: "tok-acme", TenantID: "acme", Name: "ci"}}, sc.Tokens)
	assert.Equal(t, 10.0, sc.RateLimit.RequestsPerSecond)
	assert.Equal(t, 30, sc.ChatRateLimit.PerMinute)

	srv, err := server.New(sc)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Authenticated routes reject requests without the configured token.
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWireApp_UnknownEmbeddingBackend(t *testing.T) {
	cfg := loadTestConfig(t, "")
	cfg.Embedding.Backend = "bogus"

	_, err := WireApp(t.Context(), cfg)
	require.Error(t, err)
	assert.True(t, quarryerr.HasCode(err, quarryerr.CodeCLISetupFailure))
	assert.Contains(t, err.Error(), "bogus")
}

func TestWireApp_UnknownRetrievalMode(t *testing.T) {
	cfg := loadTestConfig(t, "")
	cfg.Retrieval.Mode = "fuzzy"

	_, err := WireApp(t.Context(), cfg)
	require.Error(t, err)
}

func TestWireApp_Close(t *testing.T) {
	cfg := loadTestConfig(t, "")
	app, err := WireApp(t.Context(), cfg)
	require.NoError(t, err)

	require.NoError(t, app.Close())
	// Closers run once.
	assert.NoError(t, app.Close())
}

func TestRegisterBuiltinProviders(t *testing.T) {
	stubProviders(t, map[string]providerFactory{
		"anthropic": func(_ context.Context, pc config.ProviderConfig) (provider.Provider, error) {
			return &stubProvider{name: "anthropic", answer: pc.APIKey}, nil
		},
		"openai": func(context.Context, config.ProviderConfig) (provider.Provider, error) {
			return nil, errors.New("bad endpoint")
		},
		// google has a key but no constructor.
	})

	cfg := &config.Config{Providers: map[string]config.ProviderConfig{
		"anthropic":  {APIKey: "sk-ant"},
		"openai":     {APIKey: "sk-oai"},
		"google":     {APIKey: "g-key"},
		"openrouter": {APIKey: ""},
	}}
	reg := provider.NewRegistry()
	registerBuiltinProviders(t.Context(), cfg, reg)

	assert.Equal(t, []string{"anthropic"}, reg.Names())
}

func TestConfigureRouting(t *testing.T) {
	tests := []struct {
		name        string
		registered  []string
		def         string
		failover    []string
		wantDefault string
		wantChain   int
	}{
		{
			name:        "default usable",
			registered:  []string{"anthropic", "openai"},
			def:         "anthropic/claude-sonnet-4-5",
			failover:    []string{"openai/gpt-4.1"},
			wantDefault: "anthropic/claude-sonnet-4-5",
			wantChain:   1,
		},
		{
			name:        "unregistered failover dropped",
			registered:  []string{"anthropic"},
			def:         "anthropic/claude-sonnet-4-5",
			failover:    []string{"openai/gpt-4.1"},
			wantDefault: "anthropic/claude-sonnet-4-5",
			wantChain:   0,
		},
		{
			name:        "first failover promoted",
			registered:  []string{"openai", "google"},
			def:         "anthropic/claude-sonnet-4-5",
			failover:    []string{"openai/gpt-4.1", "google/gemini-2.5-flash"},
			wantDefault: "openai/gpt-4.1",
			wantChain:   1,
		},
		{
			name:        "nothing usable",
			def:         "anthropic/claude-sonnet-4-5",
			wantDefault: "",
			wantChain:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := provider.NewRegistry()
			for _, name := range tt.registered {
				reg.Register(name, &stubProvider{name: name})
			}
			cfg := &config.Config{Models: config.ModelsConfig{Default: tt.def, Failover: tt.failover}}

			configureRouting(cfg, reg)
			assert.Equal(t, tt.wantDefault, reg.Default())
			assert.Equal(t, 1+tt.wantChain, reg.MaxAttempts())
		})
	}
}

func TestStatusAdapter(t *testing.T) {
	stubProviders(t, map[string]providerFactory{
		"anthropic": func(context.Context, config.ProviderConfig) (provider.Provider, error) {
			return &stubProvider{name: "anthropic", answer: "ok"}, nil
		},
	})
	cfg := loadTestConfig(t, "providers:\n  anthropic:\n    api_key: sk-ant\n")

	app, err := WireApp(t.Context(), cfg)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	status := &statusAdapter{reg: app.Providers, index: app.Index}
	providers := status.Providers(t.Context())
	require.Len(t, providers, 1)
	assert.Equal(t, "anthropic", providers[0].Provider)
	assert.True(t, providers[0].Available)
	assert.Equal(t, 0, status.IndexSize("acme"))
}

func TestWireApp_AnswersFromIngestedFile(t *testing.T) {
	stub := &stubProvider{name: "anthropic", answer: "Widgets are blue [1]."}
	stubProviders(t, map[string]providerFactory{
		"anthropic": func(context.Context, config.ProviderConfig) (provider.Provider, error) { return stub, nil },
	})
	cfg := loadTestConfig(t, "providers:\n  anthropic:\n    api_key: sk-ant\nretrieval:\n  min_similarity: -1\n")

	app, err := WireApp(t.Context(), cfg)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	doc := "# Widgets\n\nAll widgets made by the acme factory are painted blue before shipping.\n"
	rec, err := app.Files.Ingest(t.Context(), "acme", "f-widgets", "widgets.md", int64(len(doc)), strings.NewReader(doc))
	require.NoError(t, err)
	assert.Positive(t, rec.ChunkCount)
	assert.Equal(t, rec.ChunkCount, app.Index.Size("acme"))
	assert.Zero(t, app.Index.Size("other"))

	resp, err := app.Orchestrator.HandleMessage(t.Context(), orchestrator.Request{
		TenantID: "acme",
		Message:  "what colour are the widgets?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Widgets are blue [1].", resp.Answer)
	assert.NotEmpty(t, resp.ConversationID)
	require.Len(t, resp.RelatedFiles, 1)
	assert.Equal(t, rec.ID, resp.RelatedFiles[0].FileID)

	calls := stub.requests()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[len(calls)-1].SystemPrompt, "painted blue")
}
