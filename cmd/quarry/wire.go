// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/quarry-dev/quarry/internal/chunk"
	"github.com/quarry-dev/quarry/internal/config"
	"github.com/quarry-dev/quarry/internal/embedding"
	googleemb "github.com/quarry-dev/quarry/internal/embedding/google"
	openaiemb "github.com/quarry-dev/quarry/internal/embedding/openai"
	"github.com/quarry-dev/quarry/internal/index"
	"github.com/quarry-dev/quarry/internal/ingest"
	"github.com/quarry-dev/quarry/internal/mcp"
	"github.com/quarry-dev/quarry/internal/orchestrator"
	"github.com/quarry-dev/quarry/internal/provider"
	anthropicprov "github.com/quarry-dev/quarry/internal/provider/anthropic"
	googleprov "github.com/quarry-dev/quarry/internal/provider/google"
	openaiprov "github.com/quarry-dev/quarry/internal/provider/openai"
	openrouterprov "github.com/quarry-dev/quarry/internal/provider/openrouter"
	"github.com/quarry-dev/quarry/internal/retrieval"
	"github.com/quarry-dev/quarry/internal/scanner"
	"github.com/quarry-dev/quarry/internal/server"
	"github.com/quarry-dev/quarry/internal/store"
	_ "github.com/quarry-dev/quarry/internal/store/postgres" // register postgres backend
	_ "github.com/quarry-dev/quarry/internal/store/sqlite"   // register sqlite backend
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// App holds all wired subsystems and manages their lifecycle.
type App struct {
	Config       *config.Config
	Stores       *store.Stores
	Index        *index.Index
	Embedder     embedding.Embedder
	Providers    *provider.Registry
	Retriever    *retrieval.Retriever
	Orchestrator *orchestrator.Orchestrator
	Files        *ingest.Service

	closers []func() error
}

// WireApp creates all subsystems and wires them together. On failure every
// subsystem already opened is closed again.
func WireApp(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	app := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	// 1. Storage.
	if cfg.Storage.Backend == "sqlite" {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
			return nil, quarryerr.Errorf(quarryerr.CodeCLISetupFailure, "creating data directory: %w", err)
		}
	}
	stores, err := store.Open(&store.StorageConfig{
		Backend:          cfg.Storage.Backend,
		DataDir:          cfg.Storage.DataDir,
		DatabaseURL:      cfg.Storage.DatabaseURL,
		VectorDimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return nil, quarryerr.Wrapf(err, quarryerr.CodeCLISetupFailure, "opening %s storage", cfg.Storage.Backend)
	}
	app.Stores = stores
	app.closers = append(app.closers, stores.Close)

	// 2. Embedder and the in-memory index, rebuilt from the vector store.
	emb, err := newEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Embedder = emb

	mode, err := index.ParseMode(cfg.Retrieval.Mode)
	if err != nil {
		return nil, err
	}
	ix, err := index.New(ctx, stores.Vectors, cfg.Embedding.Dimensions, index.WithMode(mode))
	if err != nil {
		return nil, quarryerr.Wrapf(err, quarryerr.CodeCLISetupFailure, "loading vector index")
	}
	app.Index = ix
	// The index closes before the stores it reads from.
	app.closers = append([]func() error{ix.Close}, app.closers...)

	// 3. Ingestion.
	chunker, err := chunk.New(
		chunk.WithChunkSize(cfg.Chunking.MaxChunkSize),
		chunk.WithOverlap(cfg.Chunking.Overlap),
	)
	if err != nil {
		return nil, err
	}
	maxBytes, err := cfg.Uploads.MaxBytes()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Uploads.Scan.Policy()
	if err != nil {
		return nil, err
	}
	indexer := ingest.NewIndexer(chunker, emb, ix, stores.Chunks,
		ingest.WithEmbedBatchSize(cfg.Embedding.BatchSize))
	app.Files = ingest.NewService(stores.Files, stores.Chunks, indexer,
		ingest.WithMaxFileSize(maxBytes),
		ingest.WithAllowedExtensions(cfg.Uploads.AllowedExtensions...),
		ingest.WithScanner(scanner.NewDefault(), policy))

	// 4. Generation providers, routed by the registry.
	app.Providers = provider.NewRegistry()
	app.closers = append([]func() error{app.Providers.Close}, app.closers...)
	registerBuiltinProviders(ctx, cfg, app.Providers)
	configureRouting(cfg, app.Providers)

	generator := provider.NewGenerator(app.Providers,
		provider.WithMaxTokens(cfg.Generation.MaxTokens),
		provider.WithCallTimeout(cfg.Generation.Timeout))

	// 5. Retrieval and the conversation orchestrator.
	app.Retriever = retrieval.NewRetriever(emb, ix, retrieval.Params{
		TopK:          cfg.Retrieval.TopK,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
	})
	app.Orchestrator = orchestrator.New(orchestrator.Config{
		MaxContextChars: cfg.Retrieval.MaxContextChars,
		HistoryTurns:    cfg.Conversations.HistoryTurns,
		HistoryChars:    cfg.Conversations.HistoryChars,
		SystemPrompt:    cfg.Generation.SystemPrompt,
		Retry: orchestrator.RetryPolicy{
			MaxAttempts:    cfg.Generation.MaxAttempts,
			InitialBackoff: cfg.Generation.InitialBackoff,
			MaxBackoff:     cfg.Generation.MaxBackoff,
		},
	}, app.Retriever, generator, stores.Conversations, orchestrator.WithFiles(stores.Files))
	app.closers = append([]func() error{app.Orchestrator.Close}, app.closers...)

	return app, nil
}

// Close releases every subsystem in reverse dependency order.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Services adapts the app to the HTTP handlers' dependencies.
func (a *App) Services() (*server.Services, error) {
	return server.NewServices(a.Orchestrator, a.Files, a.Retriever, &statusAdapter{reg: a.Providers, index: a.Index})
}

// ServerConfig builds the HTTP server configuration.
func (a *App) ServerConfig() (server.Config, error) {
	services, err := a.Services()
	if err != nil {
		return server.Config{}, err
	}
	nc := a.Config.Networking
	tokens := make([]server.Token, 0, len(a.Config.Auth.Tokens))
	for _, t := range a.Config.Auth.Tokens {
		tokens = append(tokens, server.Token{Token: t.Token, TenantID: t.TenantID, Name: t.Name})
	}
	return server.Config{
		ListenAddr:  nc.Listen,
		CORSOrigins: nc.CORSOrigins,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: nc.RateLimit.RPS,
			Burst:             nc.RateLimit.Burst,
		},
		ChatRateLimit: server.ChatRateLimitConfig{
			PerMinute: nc.ChatRateLimit.PerMinute,
			Burst:     nc.ChatRateLimit.Burst,
		},
		Tokens:   tokens,
		Services: services,
	}, nil
}

// MCPPorts exposes search, chat and the file list to the MCP server.
func (a *App) MCPPorts() *mcp.Ports {
	return &mcp.Ports{Search: a.Retriever, Chat: a.Orchestrator, Files: a.Files}
}

// embedderFactory builds the embedding backend named in config.
type embedderFactory func(ctx context.Context, cfg *config.Config) (embedding.Embedder, error)

// embedderFactories maps embedding.backend values to constructors.
// Declared as a variable so tests can inject fakes.
var embedderFactories = map[string]embedderFactory{
	"hashing": func(_ context.Context, cfg *config.Config) (embedding.Embedder, error) {
		return embedding.NewHashing(cfg.Embedding.Dimensions)
	},
	"openai": func(_ context.Context, cfg *config.Config) (embedding.Embedder, error) {
		pc := cfg.Providers["openai"]
		return openaiemb.New(openaiemb.Config{
			APIKey:     pc.APIKey,
			BaseURL:    pc.Endpoint,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		})
	},
	"google": func(ctx context.Context, cfg *config.Config) (embedding.Embedder, error) {
		pc := cfg.Providers["google"]
		return googleemb.New(ctx, googleemb.Config{
			APIKey:     pc.APIKey,
			BaseURL:    pc.Endpoint,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		})
	},
}

func newEmbedder(ctx context.Context, cfg *config.Config) (embedding.Embedder, error) {
	factory, ok := embedderFactories[cfg.Embedding.Backend]
	if !ok {
		return nil, quarryerr.Errorf(quarryerr.CodeCLISetupFailure, "unknown embedding backend %q", cfg.Embedding.Backend)
	}
	emb, err := factory(ctx, cfg)
	if err != nil {
		return nil, quarryerr.Wrapf(err, quarryerr.CodeCLISetupFailure, "creating %s embedder", cfg.Embedding.Backend)
	}
	if cfg.Embedding.Timeout > 0 {
		emb = embedding.WithTimeout(emb, cfg.Embedding.Timeout)
	}
	slog.Debug("embedder ready", "backend", emb.Name(), "dimensions", emb.Dimensions())
	return emb, nil
}

// providerFactory creates a provider from its config block.
type providerFactory func(ctx context.Context, pc config.ProviderConfig) (provider.Provider, error)

// builtinProviderFactories maps provider names to their constructors.
// Declared as a variable so tests can inject failing factories.
var builtinProviderFactories = map[string]providerFactory{
	"anthropic": func(_ context.Context, pc config.ProviderConfig) (provider.Provider, error) {
		return anthropicprov.New(anthropicprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
	},
	"google": func(ctx context.Context, pc config.ProviderConfig) (provider.Provider, error) {
		return googleprov.New(ctx, googleprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
	},
	"openai": func(_ context.Context, pc config.ProviderConfig) (provider.Provider, error) {
		return openaiprov.New(openaiprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
	},
	"openrouter": func(_ context.Context, pc config.ProviderConfig) (provider.Provider, error) {
		return openrouterprov.New(openrouterprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
	},
}

// registerBuiltinProviders registers every configured provider with an API
// key. Empty keys, unknown names and constructor failures are logged and
// skipped; none is fatal at startup.
func registerBuiltinProviders(ctx context.Context, cfg *config.Config, reg *provider.Registry) {
	for _, name := range config.KnownProviders {
		pc, ok := cfg.Providers[name]
		if !ok || pc.APIKey == "" {
			continue
		}
		factory, ok := builtinProviderFactories[name]
		if !ok {
			slog.Warn("no built-in implementation for provider, skipping", "provider", name)
			continue
		}
		p, err := factory(ctx, pc)
		if err != nil {
			slog.Warn("failed to create provider", "provider", name, "error", err)
			continue
		}
		reg.Register(name, p)
		slog.Info("registered provider", "provider", name)
	}
}

// configureRouting installs the default model and the failover chain,
// dropping references to providers that were not registered. Without any
// usable model the service still starts: ingestion and search work, and
// chat reports the missing provider.
func configureRouting(cfg *config.Config, reg *provider.Registry) {
	registered := reg.Names()
	usable := func(ref string) bool {
		name, _, _ := strings.Cut(ref, "/")
		return slices.Contains(registered, name)
	}

	var chain []string
	for _, ref := range cfg.Models.Failover {
		if usable(ref) {
			chain = append(chain, ref)
		} else {
			slog.Warn("failover model skipped: provider not configured", "model", ref)
		}
	}

	def := cfg.Models.Default
	if !usable(def) {
		if len(chain) == 0 {
			slog.Warn("no generation provider configured; chat requests will fail until an API key is set",
				"model", def)
			return
		}
		slog.Warn("default model unavailable: provider not configured, promoting first failover",
			"model", def, "promoted", chain[0])
		def, chain = chain[0], chain[1:]
	}
	if err := reg.SetDefault(def); err != nil {
		slog.Warn("setting default model", "model", def, "error", err)
		return
	}
	if err := reg.SetFailover(chain); err != nil {
		slog.Warn("setting failover chain", "error", err)
	}
}

// statusAdapter bridges the provider registry and the index to the server's
// StatusService.
type statusAdapter struct {
	reg   *provider.Registry
	index *index.Index
}

func (s *statusAdapter) Providers(ctx context.Context) []server.ProviderHealth {
	statuses := s.reg.Statuses(ctx)
	out := make([]server.ProviderHealth, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, server.ProviderHealth{
			Provider:  st.Provider,
			Available: st.Available,
			Message:   st.Message,
			Health:    st.Health,
		})
	}
	return out
}

func (s *statusAdapter) IndexSize(tenantID string) int {
	return s.index.Size(tenantID)
}
