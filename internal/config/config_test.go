// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/config"
	"github.com/quarry-dev/quarry/internal/orchestrator"
	"github.com/quarry-dev/quarry/internal/retrieval"
	"github.com/quarry-dev/quarry/internal/secrets"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quarry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// validConfig returns the defaults, which must pass validation.
func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestLoad_DefaultValues(t *testing.T) {
	cfg := validConfig(t)

	assert.Equal(t, "127.0.0.1:8080", cfg.Networking.Listen)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.False(t, strings.HasPrefix(cfg.Storage.DataDir, "~"), "data dir is expanded")
	assert.Equal(t, "anthropic/claude-sonnet-4-5", cfg.Models.Default)
	assert.Equal(t, "hashing", cfg.Embedding.Backend)
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.Equal(t, 1000, cfg.Chunking.MaxChunkSize)
	assert.Equal(t, 200, cfg.Chunking.Overlap)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Zero(t, cfg.Retrieval.MinSimilarity)
	assert.Equal(t, 8000, cfg.Retrieval.MaxContextChars)
	assert.Equal(t, "exact", cfg.Retrieval.Mode)
	assert.Equal(t, 60*time.Second, cfg.Generation.Timeout)
	assert.Equal(t, 3, cfg.Generation.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Generation.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.Generation.MaxBackoff)
	assert.Equal(t, 10, cfg.Conversations.HistoryTurns)
	assert.Equal(t, 12000, cfg.Conversations.HistoryChars)

	assert.Equal(t, "redact", cfg.Uploads.Scan.Secrets)
	assert.Equal(t, "flag", cfg.Uploads.Scan.Injection)
	n, err := cfg.Uploads.MaxBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000), n)
	assert.Empty(t, cfg.ConfiguredProviders())
}

// The package constants apply when a component is built without a config
// value, so they must agree with the config defaults.
func TestLoad_DefaultsMatchPackageDefaults(t *testing.T) {
	cfg := validConfig(t)

	assert.Equal(t, orchestrator.DefaultHistoryTurns, cfg.Conversations.HistoryTurns)
	assert.Equal(t, orchestrator.DefaultHistoryChars, cfg.Conversations.HistoryChars)
	assert.Equal(t, orchestrator.DefaultRetryPolicy.MaxAttempts, cfg.Generation.MaxAttempts)
	assert.Equal(t, orchestrator.DefaultRetryPolicy.InitialBackoff, cfg.Generation.InitialBackoff)
	assert.Equal(t, orchestrator.DefaultRetryPolicy.MaxBackoff, cfg.Generation.MaxBackoff)
	assert.Equal(t, retrieval.DefaultMaxContextChars, cfg.Retrieval.MaxContextChars)
	assert.Equal(t, retrieval.DefaultTopK, cfg.Retrieval.TopK)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
networking:
  listen: "0.0.0.0:9999"
providers:
  openai:
    api_key: "sk-test"
models:
  default: "openai/gpt-4.1"
  failover: ["anthropic/claude-sonnet-4-5"]
retrieval:
  top_k: 8
  min_similarity: 0.25
generation:
  initial_backoff: 250ms
auth:
  tokens:
    - token: "t-acme"
      tenant_id: "acme"
      name: "acme web"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9999", cfg.Networking.Listen)
	assert.Equal(t, "openai/gpt-4.1", cfg.Models.Default)
	assert.Equal(t, []string{"anthropic/claude-sonnet-4-5"}, cfg.Models.Failover)
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.25, cfg.Retrieval.MinSimilarity, 1e-9)
	assert.Equal(t, 250*time.Millisecond, cfg.Generation.InitialBackoff)
	assert.Equal(t, []string{"openai"}, cfg.ConfiguredProviders())
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, "acme", cfg.Auth.Tokens[0].TenantID)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("QUARRY_NETWORKING_LISTEN", "10.0.0.1:8081")
	t.Setenv("QUARRY_RETRIEVAL_TOP_K", "12")
	t.Setenv("QUARRY_GENERATION_TIMEOUT", "2s")
	t.Setenv("QUARRY_PROVIDERS_ANTHROPIC_API_KEY", "sk-env")

	cfg := validConfig(t)
	assert.Equal(t, "10.0.0.1:8081", cfg.Networking.Listen)
	assert.Equal(t, 12, cfg.Retrieval.TopK)
	assert.Equal(t, 2*time.Second, cfg.Generation.Timeout)
	assert.Equal(t, "sk-env", cfg.Providers["anthropic"].APIKey)
}

func TestLoad_ResolvesKeyringReferences(t *testing.T) {
	store := secrets.NewMemoryStore()
	require.NoError(t, store.Set("quarry", "openai_api_key", "sk-from-keyring"))

	path := writeConfig(t, `
providers:
  openai:
    api_key: keyring://quarry/openai_api_key
`)
	cfg, err := config.Load(path, config.WithSecrets(store))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-keyring", cfg.Providers["openai"].APIKey)
}

func TestLoad_ValidationAtLoadTime(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: mongo
retrieval:
  top_k: 0
`)
	_, err := config.Load(path)
	require.Error(t, err)
	assert.True(t, quarryerr.IsInvalidInput(err))
	assert.Contains(t, err.Error(), "storage.backend")
	assert.Contains(t, err.Error(), "retrieval.top_k")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, quarryerr.HasCode(err, quarryerr.CodeConfigLoadReadFailure))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		key    string
	}{
		{"empty listen", func(c *config.Config) { c.Networking.Listen = "" }, "networking.listen"},
		{"listen without port", func(c *config.Config) { c.Networking.Listen = "127.0.0.1" }, "networking.listen"},
		{"port too high", func(c *config.Config) { c.Networking.Listen = "127.0.0.1:70000" }, "networking.listen"},
		{"negative rps", func(c *config.Config) { c.Networking.RateLimit.RPS = -1 }, "networking.rate_limit.rps"},
		{"chat burst", func(c *config.Config) { c.Networking.ChatRateLimit.Burst = 0 }, "networking.chat_rate_limit.burst"},
		{"token without tenant", func(c *config.Config) {
			c.Auth.Tokens = []config.TokenConfig{{Token: "t"}}
		}, "auth.tokens[0].tenant_id"},
		{"duplicate token", func(c *config.Config) {
			c.Auth.Tokens = []config.TokenConfig{{Token: "t", TenantID: "a"}, {Token: "t", TenantID: "b"}}
		}, "auth.tokens[1].token"},
		{"postgres without url", func(c *config.Config) { c.Storage.Backend = "postgres" }, "storage.database_url"},
		{"model without slash", func(c *config.Config) { c.Models.Default = "gpt" }, "models.default"},
		{"unknown provider", func(c *config.Config) { c.Models.Failover = []string{"acme/model"} }, "models.failover[0]"},
		{"unknown provider section", func(c *config.Config) {
			c.Providers["acme"] = config.ProviderConfig{APIKey: "k"}
		}, "providers.acme"},
		{"embedding backend", func(c *config.Config) { c.Embedding.Backend = "word2vec" }, "embedding.backend"},
		{"embedding key", func(c *config.Config) { c.Embedding.Backend = "openai" }, "providers.openai.api_key"},
		{"dimensions", func(c *config.Config) { c.Embedding.Dimensions = 0 }, "embedding.dimensions"},
		{"overlap too large", func(c *config.Config) { c.Chunking.Overlap = 1000 }, "chunking.overlap"},
		{"min similarity", func(c *config.Config) { c.Retrieval.MinSimilarity = 1.5 }, "retrieval.min_similarity"},
		{"retrieval mode", func(c *config.Config) { c.Retrieval.Mode = "fuzzy" }, "retrieval.mode"},
		{"history turns", func(c *config.Config) { c.Conversations.HistoryTurns = -1 }, "conversations.history_turns"},
		{"attempts", func(c *config.Config) { c.Generation.MaxAttempts = 0 }, "generation.max_attempts"},
		{"backoff order", func(c *config.Config) { c.Generation.MaxBackoff = time.Millisecond }, "generation.max_backoff"},
		{"file size", func(c *config.Config) { c.Uploads.MaxFileSize = "huge" }, "uploads.max_file_size"},
		{"extension", func(c *config.Config) { c.Uploads.AllowedExtensions = []string{".exe"} }, "uploads.allowed_extensions"},
		{"scan secrets", func(c *config.Config) { c.Uploads.Scan.Secrets = "shred" }, "uploads.scan.secrets"},
		{"scan injection", func(c *config.Config) { c.Uploads.Scan.Injection = "" }, "uploads.scan.injection"},
		{"log level", func(c *config.Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			errs := cfg.Validate()
			require.Len(t, errs, 1, "%v", errs)
			assert.Contains(t, errs[0].Error(), tt.key)
			assert.True(t, quarryerr.HasCode(errs[0], quarryerr.CodeConfigValidateInvalidValue))
		})
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := validConfig(t)
	cfg.Retrieval.TopK = 0
	cfg.Logging.Format = "xml"
	cfg.Embedding.BatchSize = 0
	assert.Len(t, cfg.Validate(), 3)
}

func TestRedacted(t *testing.T) {
	cfg := validConfig(t)
	cfg.Providers["openai"] = config.ProviderConfig{APIKey: "sk-secret"}
	cfg.Auth.Tokens = []config.TokenConfig{{Token: "t-secret", TenantID: "acme"}}
	cfg.Storage.DatabaseURL = "postgres://user:pw@db/quarry"

	r := cfg.Redacted()
	assert.Equal(t, "********", r.Providers["openai"].APIKey)
	assert.Empty(t, r.Providers["anthropic"].APIKey)
	assert.Equal(t, "********", r.Auth.Tokens[0].Token)
	assert.Equal(t, "acme", r.Auth.Tokens[0].TenantID)
	assert.Equal(t, "********", r.Storage.DatabaseURL)

	assert.Equal(t, "sk-secret", cfg.Providers["openai"].APIKey, "original untouched")
	assert.Equal(t, "t-secret", cfg.Auth.Tokens[0].Token)
}

func TestReadInto_BootstrapsDefaultConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())

	v := viper.New()
	config.SetDefaults(v)
	path, err := config.ReadInto(v, "", true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "quarry", "quarry.yaml"), path)
	assert.False(t, config.WarnInsecurePermissions(path))

	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Retrieval.TopK)

	// Once written, the file is discovered rather than rewritten.
	v2 := viper.New()
	path2, err := config.ReadInto(v2, "", true)
	require.NoError(t, err)
	assert.Equal(t, path, path2)
}

func TestReadInto_WithoutBootstrap(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	path, err := config.ReadInto(viper.New(), "", false)
	require.NoError(t, err)
	assert.Empty(t, path)
}
