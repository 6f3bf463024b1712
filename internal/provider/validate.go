// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package provider

import (
	"context"
	"io"
	"net/http"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// ProviderName identifies a supported generation backend.
type ProviderName string

const (
	ProviderAnthropic  ProviderName = "anthropic"
	ProviderOpenAI     ProviderName = "openai"
	ProviderGoogle     ProviderName = "google"
	ProviderOpenRouter ProviderName = "openrouter"
)

// ValidateKey makes a lightweight call to the provider's models endpoint to
// confirm the API key is accepted.
func ValidateKey(ctx context.Context, client *http.Client, provider ProviderName, key string) error {
	return ValidateKeyWithURL(ctx, client, provider, key, "")
}

// ValidateKeyWithURL is ValidateKey against an explicit models endpoint. An
// empty url selects the provider default.
func ValidateKeyWithURL(ctx context.Context, client *http.Client, provider ProviderName, key, url string) error {
	headers := map[string]string{}
	defaultURL := ""

	switch provider {
	case ProviderAnthropic:
		defaultURL = "https://api.anthropic.com/v1/models"
		headers["x-api-key"] = key
		headers["anthropic-version"] = "2023-06-01"
	case ProviderOpenAI:
		defaultURL = "https://api.openai.com/v1/models"
		headers["Authorization"] = "Bearer " + key
	case ProviderGoogle:
		defaultURL = "https://generativelanguage.googleapis.com/v1/models"
		headers["x-goog-api-key"] = key
	case ProviderOpenRouter:
		defaultURL = "https://openrouter.ai/api/v1/models"
		headers["Authorization"] = "Bearer " + key
	default:
		return quarryerr.Errorf(quarryerr.CodeProviderKeyInvalid, "unknown provider: %s", provider)
	}
	if url == "" {
		url = defaultURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return quarryerr.Wrapf(err, quarryerr.CodeProviderKeyCheckFailed, "building validation request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return quarryerr.Wrapf(err, quarryerr.CodeProviderKeyCheckFailed, "validating %s key", provider)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return quarryerr.Errorf(quarryerr.CodeProviderKeyInvalid, "invalid %s API key (HTTP %d)", provider, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return quarryerr.Errorf(quarryerr.CodeProviderKeyCheckFailed, "%s validation failed (HTTP %d)", provider, resp.StatusCode)
	}
	return nil
}
