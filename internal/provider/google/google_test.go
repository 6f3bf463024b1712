// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package google_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/provider"
	"github.com/quarry-dev/quarry/internal/provider/google"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

var (
	_ provider.Provider       = (*google.Provider)(nil)
	_ provider.HealthReporter = (*google.Provider)(nil)
)

func mustNewProvider(t *testing.T, baseURL string) *google.Provider {
	t.Helper()
	p, err := google.New(context.Background(), google.Config{APIKey: "test-key", BaseURL: baseURL})
	require.NoError(t, err)
	return p
}

func TestGoogleProvider_MissingAPIKey(t *testing.T) {
	_, err := google.New(context.Background(), google.Config{})
	require.Error(t, err)
	assert.True(t, quarryerr.HasCode(err, quarryerr.CodeProviderRequestInvalid))
}

func TestGoogleProvider_Metadata(t *testing.T) {
	p := mustNewProvider(t, "")
	assert.Equal(t, "google", p.Name())
	assert.True(t, p.Available(context.Background()))

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, m := range models {
		assert.Equal(t, "google", m.Provider)
		ids[m.ID] = true
	}
	assert.True(t, ids["gemini-2.5-pro"])
	assert.True(t, ids["gemini-2.5-flash"])

	p.RecordFailure()
	st, err := p.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Available)
	require.NotNil(t, st.Health)
	assert.Equal(t, int64(1), st.Health.FailureCount)
}

func TestGoogleProvider_ChatStreamsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "gemini-2.5-flash:streamGenerateContent")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Revenue "}]}}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":1}}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"rose."}]}}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3}}`+"\n\n")
	}))
	defer srv.Close()

	p := mustNewProvider(t, srv.URL+"/")
	events, err := p.Chat(context.Background(), provider.ChatRequest{
		Model:        "gemini-2.5-flash",
		SystemPrompt: "Use the context.",
		Messages:     []provider.Message{{Role: provider.MessageRoleUser, Content: "What happened to revenue?"}},
	})
	require.NoError(t, err)

	text, usage, err := provider.Collect(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, "Revenue rose.", text)
	assert.Equal(t, provider.Usage{InputTokens: 7, OutputTokens: 3}, usage)
}

func TestGoogleProvider_ChatRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	p := mustNewProvider(t, srv.URL+"/")
	events, err := p.Chat(context.Background(), provider.ChatRequest{
		Model:    "gemini-2.5-flash",
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	_, _, err = provider.Collect(context.Background(), events)
	require.Error(t, err)
	assert.True(t, quarryerr.IsRateLimited(err), "got %s", quarryerr.CodeOf(err))
}

func TestGoogleProvider_ChatRejectsBadRequests(t *testing.T) {
	p := mustNewProvider(t, "")

	_, err := p.Chat(context.Background(), provider.ChatRequest{})
	assert.True(t, quarryerr.HasCode(err, quarryerr.CodeGenerationRequestInvalid))

	_, err = p.Chat(context.Background(), provider.ChatRequest{
		Model:    "gemini-2.5-flash",
		Messages: []provider.Message{{Role: "tool", Content: strings.Repeat("x", 3)}},
	})
	assert.True(t, quarryerr.IsInvalidInput(err))
}
