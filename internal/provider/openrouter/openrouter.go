// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package openrouter serves OpenRouter through its OpenAI-compatible API.
package openrouter

import (
	"github.com/quarry-dev/quarry/internal/provider"
	"github.com/quarry-dev/quarry/internal/provider/openai"
)

const (
	name    = "openrouter"
	baseURL = "https://openrouter.ai/api/v1"
	// appURL and appTitle identify quarry in OpenRouter's usage dashboards.
	appURL   = "https://github.com/quarry-dev/quarry"
	appTitle = "quarry"
)

// Config holds OpenRouter provider configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
}

// New creates an OpenRouter provider. Returns an error if the API key is missing.
func New(cfg Config) (*openai.Provider, error) {
	base := baseURL
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	return openai.NewCompatible(name, openai.Config{
		APIKey:  cfg.APIKey,
		BaseURL: base,
		Headers: map[string]string{
			"HTTP-Referer": appURL,
			"X-Title":      appTitle,
		},
		Models: knownModels(),
	})
}

// knownModels returns a curated set of popular models available via OpenRouter.
func knownModels() []provider.ModelInfo {
	return []provider.ModelInfo{
		{ID: "anthropic/claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Provider: name, MaxContextTokens: 200000, MaxOutputTokens: 16000},
		{ID: "openai/gpt-4.1", Name: "GPT-4.1", Provider: name, MaxContextTokens: 128000, MaxOutputTokens: 32768},
		{ID: "google/gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: name, MaxContextTokens: 1000000, MaxOutputTokens: 65536},
		{ID: "meta-llama/llama-4-maverick", Name: "Llama 4 Maverick", Provider: name, MaxContextTokens: 128000, MaxOutputTokens: 32768},
	}
}
