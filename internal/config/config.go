// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package config loads quarry's configuration from defaults, an optional
// YAML file and QUARRY_* environment variables.
package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quarry-dev/quarry/internal/ingest"
	"github.com/quarry-dev/quarry/internal/scanner"
	"github.com/quarry-dev/quarry/internal/secrets"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Providers quarry knows how to construct.
var KnownProviders = []string{"anthropic", "openai", "google", "openrouter"}

// Config is the top-level quarry configuration.
type Config struct {
	Networking    NetworkingConfig          `mapstructure:"networking" yaml:"networking"`
	Auth          AuthConfig                `mapstructure:"auth" yaml:"auth"`
	Storage       StorageConfig             `mapstructure:"storage" yaml:"storage"`
	Providers     map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Models        ModelsConfig              `mapstructure:"models" yaml:"models"`
	Embedding     EmbeddingConfig           `mapstructure:"embedding" yaml:"embedding"`
	Chunking      ChunkingConfig            `mapstructure:"chunking" yaml:"chunking"`
	Retrieval     RetrievalConfig           `mapstructure:"retrieval" yaml:"retrieval"`
	Generation    GenerationConfig          `mapstructure:"generation" yaml:"generation"`
	Conversations ConversationsConfig       `mapstructure:"conversations" yaml:"conversations"`
	Uploads       UploadsConfig             `mapstructure:"uploads" yaml:"uploads"`
	Logging       LoggingConfig             `mapstructure:"logging" yaml:"logging"`
}

// NetworkingConfig controls the HTTP listener.
type NetworkingConfig struct {
	Listen        string          `mapstructure:"listen" yaml:"listen"`
	CORSOrigins   []string        `mapstructure:"cors_origins" yaml:"cors_origins"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	ChatRateLimit ChatRateConfig  `mapstructure:"chat_rate_limit" yaml:"chat_rate_limit"`
}

// RateLimitConfig is the per-IP request limit. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

// ChatRateConfig is the per-tenant limit on chat messages.
type ChatRateConfig struct {
	PerMinute int `mapstructure:"per_minute" yaml:"per_minute"`
	Burst     int `mapstructure:"burst" yaml:"burst"`
}

// AuthConfig lists the bearer tokens the server accepts. With no tokens the
// server runs in dev mode and trusts the X-Tenant-ID header.
type AuthConfig struct {
	Tokens []TokenConfig `mapstructure:"tokens" yaml:"tokens"`
}

// TokenConfig binds a bearer token to a tenant.
type TokenConfig struct {
	Token    string `mapstructure:"token" yaml:"token"`
	TenantID string `mapstructure:"tenant_id" yaml:"tenant_id"`
	Name     string `mapstructure:"name" yaml:"name"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
}

// ProviderConfig holds credentials and endpoint for an LLM provider.
type ProviderConfig struct {
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// ModelsConfig selects the generation model and its failover chain.
type ModelsConfig struct {
	Default  string   `mapstructure:"default" yaml:"default"`
	Failover []string `mapstructure:"failover" yaml:"failover"`
}

type EmbeddingConfig struct {
	Backend    string        `mapstructure:"backend" yaml:"backend"`
	Model      string        `mapstructure:"model" yaml:"model"`
	Dimensions int           `mapstructure:"dimensions" yaml:"dimensions"`
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ChunkingConfig struct {
	MaxChunkSize int `mapstructure:"max_chunk_size" yaml:"max_chunk_size"`
	Overlap      int `mapstructure:"overlap" yaml:"overlap"`
}

type RetrievalConfig struct {
	TopK            int     `mapstructure:"top_k" yaml:"top_k"`
	MinSimilarity   float64 `mapstructure:"min_similarity" yaml:"min_similarity"`
	MaxContextChars int     `mapstructure:"max_context_chars" yaml:"max_context_chars"`
	Mode            string  `mapstructure:"mode" yaml:"mode"`
}

// GenerationConfig bounds provider calls and the retry policy around them.
type GenerationConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	MaxTokens      int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	SystemPrompt   string        `mapstructure:"system_prompt" yaml:"system_prompt"`
}

type ConversationsConfig struct {
	HistoryTurns int `mapstructure:"history_turns" yaml:"history_turns"`
	HistoryChars int `mapstructure:"history_chars" yaml:"history_chars"`
}

type UploadsConfig struct {
	MaxFileSize string `mapstructure:"max_file_size" yaml:"max_file_size"`
	// AllowedExtensions narrows the supported set. Empty allows every
	// supported extension.
	AllowedExtensions []string   `mapstructure:"allowed_extensions" yaml:"allowed_extensions"`
	Scan              ScanConfig `mapstructure:"scan" yaml:"scan"`
}

// ScanConfig selects how extracted document text is screened before
// indexing. Each field is one of off, flag, redact or block.
type ScanConfig struct {
	Secrets   string `mapstructure:"secrets" yaml:"secrets"`
	Injection string `mapstructure:"injection" yaml:"injection"`
}

// Policy parses the configured modes.
func (s ScanConfig) Policy() (scanner.Policy, error) {
	secrets, err := scanner.ParseMode(s.Secrets)
	if err != nil {
		return scanner.Policy{}, err
	}
	injection, err := scanner.ParseMode(s.Injection)
	if err != nil {
		return scanner.Policy{}, err
	}
	return scanner.Policy{Secrets: secrets, Injection: injection}, nil
}

// MaxBytes parses MaxFileSize.
func (u UploadsConfig) MaxBytes() (int64, error) {
	return ingest.ParseSize(u.MaxFileSize)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("networking.listen", "127.0.0.1:8080")
	v.SetDefault("networking.cors_origins", []string{})
	v.SetDefault("networking.rate_limit.rps", 10.0)
	v.SetDefault("networking.rate_limit.burst", 20)
	v.SetDefault("networking.chat_rate_limit.per_minute", 30)
	v.SetDefault("networking.chat_rate_limit.burst", 5)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.data_dir", "~/.local/share/quarry")
	v.SetDefault("storage.database_url", "")

	// Registering the provider keys lets QUARRY_PROVIDERS_<NAME>_API_KEY
	// reach them through AutomaticEnv.
	for _, name := range KnownProviders {
		v.SetDefault("providers."+name+".api_key", "")
		v.SetDefault("providers."+name+".endpoint", "")
	}

	v.SetDefault("models.default", "anthropic/claude-sonnet-4-5")
	v.SetDefault("models.failover", []string{})

	v.SetDefault("embedding.backend", "hashing")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.timeout", 15*time.Second)

	v.SetDefault("chunking.max_chunk_size", 1000)
	v.SetDefault("chunking.overlap", 200)

	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.min_similarity", 0.0)
	v.SetDefault("retrieval.max_context_chars", 8000)
	v.SetDefault("retrieval.mode", "exact")

	v.SetDefault("generation.timeout", 60*time.Second)
	v.SetDefault("generation.max_attempts", 3)
	v.SetDefault("generation.initial_backoff", 500*time.Millisecond)
	v.SetDefault("generation.max_backoff", 5*time.Second)
	v.SetDefault("generation.max_tokens", 1024)
	v.SetDefault("generation.system_prompt", "")

	v.SetDefault("conversations.history_turns", 10)
	v.SetDefault("conversations.history_chars", 12000)

	v.SetDefault("uploads.max_file_size", ingest.DefaultMaxFileSize)
	v.SetDefault("uploads.allowed_extensions", []string{})
	v.SetDefault("uploads.scan.secrets", string(scanner.ModeRedact))
	v.SetDefault("uploads.scan.injection", string(scanner.ModeFlag))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// SetupEnv binds QUARRY_* environment variables, with "." in keys mapped
// to "_".
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix("QUARRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadOption configures Load and FromViper.
type LoadOption func(*loadOptions)

type loadOptions struct {
	secrets secrets.Store
}

// WithSecrets resolves keyring:// values through store before decoding.
func WithSecrets(store secrets.Store) LoadOption {
	return func(o *loadOptions) { o.secrets = store }
}

// Load reads configuration from the given path (or defaults only) with
// environment variable overrides.
func Load(path string, opts ...LoadOption) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, quarryerr.Errorf(quarryerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}
	return FromViper(v, opts...)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper, opts ...LoadOption) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.secrets != nil {
		secrets.ResolveViper(v, o.secrets)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeConfigParseInvalidFormat, "decoding config: %w", err)
	}
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, quarryerr.Errorf(quarryerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}
	return &cfg, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate checks the configuration for logical errors.
// It returns a slice of all validation errors found, collecting all issues
// rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateNetworking()...)
	errs = append(errs, c.validateAuth()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateModels()...)
	errs = append(errs, c.validateEmbedding()...)
	errs = append(errs, c.validateRetrieval()...)
	errs = append(errs, c.validateGeneration()...)
	errs = append(errs, c.validateUploads()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

func invalid(format string, args ...any) error {
	return quarryerr.Errorf(quarryerr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func oneOf(key, value string, allowed ...string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return invalid("%s must be one of [%s], got %q", key, strings.Join(allowed, ", "), value)
}

func (c *Config) validateNetworking() []error {
	var errs []error

	if c.Networking.Listen == "" {
		errs = append(errs, invalid("networking.listen must not be empty"))
	} else if _, portStr, err := net.SplitHostPort(c.Networking.Listen); err != nil {
		errs = append(errs, invalid("networking.listen must be a valid host:port address, got %q: %w", c.Networking.Listen, err))
	} else if port, err := strconv.Atoi(portStr); err != nil || port < 0 || port > 65535 {
		// Port 0 picks a free port.
		errs = append(errs, invalid("networking.listen port must be between 0 and 65535, got %q", portStr))
	}

	if c.Networking.RateLimit.RPS < 0 {
		errs = append(errs, invalid("networking.rate_limit.rps must not be negative, got %g", c.Networking.RateLimit.RPS))
	}
	if c.Networking.RateLimit.RPS > 0 && c.Networking.RateLimit.Burst < 1 {
		errs = append(errs, invalid("networking.rate_limit.burst must be at least 1, got %d", c.Networking.RateLimit.Burst))
	}
	if c.Networking.ChatRateLimit.PerMinute < 0 {
		errs = append(errs, invalid("networking.chat_rate_limit.per_minute must not be negative, got %d", c.Networking.ChatRateLimit.PerMinute))
	}
	if c.Networking.ChatRateLimit.PerMinute > 0 && c.Networking.ChatRateLimit.Burst < 1 {
		errs = append(errs, invalid("networking.chat_rate_limit.burst must be at least 1, got %d", c.Networking.ChatRateLimit.Burst))
	}
	return errs
}

func (c *Config) validateAuth() []error {
	var errs []error
	seen := make(map[string]bool, len(c.Auth.Tokens))
	for i, tok := range c.Auth.Tokens {
		if tok.Token == "" {
			errs = append(errs, invalid("auth.tokens[%d].token must not be empty", i))
		} else if seen[tok.Token] {
			errs = append(errs, invalid("auth.tokens[%d].token duplicates an earlier token", i))
		}
		seen[tok.Token] = true
		if strings.TrimSpace(tok.TenantID) == "" {
			errs = append(errs, invalid("auth.tokens[%d].tenant_id must not be empty", i))
		}
	}
	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error
	if err := oneOf("storage.backend", c.Storage.Backend, "sqlite", "postgres"); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.DataDir == "" {
			errs = append(errs, invalid("storage.data_dir must not be empty for the sqlite backend"))
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, invalid("storage.database_url must be set for the postgres backend"))
		}
	}
	return errs
}

func (c *Config) validateModels() []error {
	var errs []error

	check := func(key, ref string) {
		name, model, ok := strings.Cut(ref, "/")
		if !ok || name == "" || model == "" {
			errs = append(errs, invalid("%s must be in \"provider/model\" format, got %q", key, ref))
			return
		}
		if !slices.Contains(KnownProviders, name) {
			errs = append(errs, invalid("%s %q references unknown provider %q", key, ref, name))
		}
	}

	if c.Models.Default == "" {
		errs = append(errs, invalid("models.default must not be empty"))
	} else {
		check("models.default", c.Models.Default)
	}
	for i, ref := range c.Models.Failover {
		check("models.failover["+strconv.Itoa(i)+"]", ref)
	}

	for name := range c.Providers {
		if !slices.Contains(KnownProviders, name) {
			errs = append(errs, invalid("providers.%s is not a known provider (known: %s)", name, strings.Join(KnownProviders, ", ")))
		}
	}
	return errs
}

func (c *Config) validateEmbedding() []error {
	var errs []error
	e := c.Embedding
	if err := oneOf("embedding.backend", e.Backend, "hashing", "openai", "google"); err != nil {
		errs = append(errs, err)
	}
	if e.Backend == "openai" || e.Backend == "google" {
		if c.Providers[e.Backend].APIKey == "" {
			errs = append(errs, invalid("embedding.backend %q needs providers.%s.api_key", e.Backend, e.Backend))
		}
	}
	if e.Dimensions <= 0 {
		errs = append(errs, invalid("embedding.dimensions must be greater than 0, got %d", e.Dimensions))
	}
	if e.BatchSize <= 0 {
		errs = append(errs, invalid("embedding.batch_size must be greater than 0, got %d", e.BatchSize))
	}
	if e.Timeout < 0 {
		errs = append(errs, invalid("embedding.timeout must not be negative, got %s", e.Timeout))
	}

	if c.Chunking.MaxChunkSize <= 0 {
		errs = append(errs, invalid("chunking.max_chunk_size must be greater than 0, got %d", c.Chunking.MaxChunkSize))
	}
	if c.Chunking.Overlap < 0 || (c.Chunking.MaxChunkSize > 0 && c.Chunking.Overlap >= c.Chunking.MaxChunkSize) {
		errs = append(errs, invalid("chunking.overlap must be in [0, max_chunk_size), got %d", c.Chunking.Overlap))
	}
	return errs
}

func (c *Config) validateRetrieval() []error {
	var errs []error
	r := c.Retrieval
	if r.TopK < 1 {
		errs = append(errs, invalid("retrieval.top_k must be at least 1, got %d", r.TopK))
	}
	if r.MinSimilarity < -1 || r.MinSimilarity > 1 {
		errs = append(errs, invalid("retrieval.min_similarity must be in [-1, 1], got %g", r.MinSimilarity))
	}
	if r.MaxContextChars < 1 {
		errs = append(errs, invalid("retrieval.max_context_chars must be at least 1, got %d", r.MaxContextChars))
	}
	if err := oneOf("retrieval.mode", r.Mode, "exact", "native"); err != nil {
		errs = append(errs, err)
	}

	if c.Conversations.HistoryTurns < 0 {
		errs = append(errs, invalid("conversations.history_turns must not be negative, got %d", c.Conversations.HistoryTurns))
	}
	if c.Conversations.HistoryChars < 0 {
		errs = append(errs, invalid("conversations.history_chars must not be negative, got %d", c.Conversations.HistoryChars))
	}
	return errs
}

func (c *Config) validateGeneration() []error {
	var errs []error
	g := c.Generation
	if g.Timeout < 0 {
		errs = append(errs, invalid("generation.timeout must not be negative, got %s", g.Timeout))
	}
	if g.MaxAttempts < 1 {
		errs = append(errs, invalid("generation.max_attempts must be at least 1, got %d", g.MaxAttempts))
	}
	if g.InitialBackoff <= 0 {
		errs = append(errs, invalid("generation.initial_backoff must be positive, got %s", g.InitialBackoff))
	}
	if g.MaxBackoff < g.InitialBackoff {
		errs = append(errs, invalid("generation.max_backoff (%s) must not be below initial_backoff (%s)", g.MaxBackoff, g.InitialBackoff))
	}
	if g.MaxTokens <= 0 {
		errs = append(errs, invalid("generation.max_tokens must be greater than 0, got %d", g.MaxTokens))
	}
	return errs
}

func (c *Config) validateUploads() []error {
	var errs []error
	if _, err := c.Uploads.MaxBytes(); err != nil {
		errs = append(errs, invalid("uploads.max_file_size: %w", err))
	}
	supported := ingest.SupportedExtensions()
	for _, ext := range c.Uploads.AllowedExtensions {
		if !slices.Contains(supported, strings.ToLower(ext)) {
			errs = append(errs, invalid("uploads.allowed_extensions: %q is not supported (supported: %s)",
				ext, strings.Join(supported, ", ")))
		}
	}
	if _, err := scanner.ParseMode(c.Uploads.Scan.Secrets); err != nil {
		errs = append(errs, invalid("uploads.scan.secrets: %w", err))
	}
	if _, err := scanner.ParseMode(c.Uploads.Scan.Injection); err != nil {
		errs = append(errs, invalid("uploads.scan.injection: %w", err))
	}
	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error
	if err := oneOf("logging.level", c.Logging.Level, "debug", "info", "warn", "error"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("logging.format", c.Logging.Format, "text", "json"); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// ConfiguredProviders returns the known providers that have an API key,
// in KnownProviders order.
func (c *Config) ConfiguredProviders() []string {
	var names []string
	for _, name := range KnownProviders {
		if c.Providers[name].APIKey != "" {
			names = append(names, name)
		}
	}
	return names
}

const redacted = "********"

// Redacted returns a copy with API keys, tokens and the database URL masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = redacted
		}
		out.Providers[name] = p
	}
	out.Auth.Tokens = make([]TokenConfig, len(c.Auth.Tokens))
	for i, t := range c.Auth.Tokens {
		t.Token = redacted
		out.Auth.Tokens[i] = t
	}
	if out.Storage.DatabaseURL != "" {
		out.Storage.DatabaseURL = redacted
	}
	return &out
}
