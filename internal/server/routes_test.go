// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package server_test

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/orchestrator"
	"github.com/quarry-dev/quarry/internal/server"
	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func TestRoutes_Chat(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "T", http.MethodPost, "/api/v1/chat", map[string]any{
		"message":        "What happened to revenue?",
		"top_k":          3,
		"min_similarity": 0.5,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[orchestrator.Response](t, w)
	assert.Equal(t, "conv-new", resp.ConversationID)
	assert.Equal(t, "Revenue rose 10%.", resp.Answer)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "c1", resp.Citations[0].ChunkID)
	assert.Equal(t, "q3.txt", resp.RelatedFiles[0].Name)

	assert.Equal(t, "T", e.chat.last.TenantID)
	assert.Equal(t, 3, e.chat.last.TopK)
	require.NotNil(t, e.chat.last.MinSimilarity)
	assert.InDelta(t, 0.5, *e.chat.last.MinSimilarity, 1e-9)
}

func TestRoutes_ChatValidation(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "missing message", body: map[string]any{"conversation_id": "c"}},
		{name: "empty message", body: map[string]any{"message": ""}},
		{name: "top_k out of range", body: map[string]any{"message": "q", "top_k": 0}},
		{name: "similarity out of range", body: map[string]any{"message": "q", "min_similarity": 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, "T", http.MethodPost, "/api/v1/chat", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
		})
	}
}

func TestRoutes_ChatErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		detail     string
		retryAfter bool
	}{
		{
			name:   "unknown conversation",
			err:    quarryerr.New(quarryerr.CodeStoreConversationGetNotFound, "conversation \"x\" not found"),
			status: http.StatusNotFound,
			detail: "conversation \"x\" not found",
		},
		{
			name:   "backend timeout hides internals",
			err:    quarryerr.New(quarryerr.CodeGenerationTimeout, "dial tcp 10.1.2.3: i/o timeout"),
			status: http.StatusGatewayTimeout,
			detail: "an upstream backend timed out",
		},
		{
			name:   "all providers down",
			err:    quarryerr.New(quarryerr.CodeProviderUpstreamFailure, "anthropic: 500"),
			status: http.StatusBadGateway,
			detail: "an upstream backend failed",
		},
		{
			name:       "upstream rate limit",
			err:        quarryerr.New(quarryerr.CodeGenerationRateLimited, "slow down"),
			status:     http.StatusTooManyRequests,
			detail:     "slow down",
			retryAfter: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.chat.fail = tt.err

			w := e.do(t, "T", http.MethodPost, "/api/v1/chat", map[string]any{"message": "q"})
			require.Equal(t, tt.status, w.Code, w.Body.String())
			p := decode[problem](t, w)
			assert.Contains(t, p.Detail, tt.detail)
			assert.Equal(t, string(quarryerr.CodeOf(tt.err)), p.code())
			if tt.retryAfter {
				assert.NotEmpty(t, w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestRoutes_ChatRateLimitedPerTenant(t *testing.T) {
	e := newTestEnv(t, func(c *server.Config) {
		c.ChatRateLimit = server.ChatRateLimitConfig{PerMinute: 1, Burst: 1}
	})

	body := map[string]any{"message": "q"}
	require.Equal(t, http.StatusOK, e.do(t, "T", http.MethodPost, "/api/v1/chat", body).Code)

	w := e.do(t, "T", http.MethodPost, "/api/v1/chat", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, e.do(t, "U", http.MethodPost, "/api/v1/chat", body).Code)
}

func TestRoutes_Conversations(t *testing.T) {
	e := newTestEnv(t)
	e.chat.add("T", &store.Conversation{ID: "old", Title: "Old", CreatedAt: created, UpdatedAt: created})
	e.chat.add("T", &store.Conversation{
		ID:        "new",
		Title:     "Revenue",
		CreatedAt: created,
		UpdatedAt: created.Add(time.Hour),
		Turns: []*store.Turn{
			{ID: "t1", Role: store.RoleUser, Text: "What happened to revenue?", CreatedAt: created},
			{ID: "t2", Role: store.RoleAssistant, Text: "It rose.", CitedChunkIDs: []string{"c1"}, CreatedAt: created},
		},
	})
	e.chat.add("U", &store.Conversation{ID: "theirs", Title: "Other tenant", CreatedAt: created, UpdatedAt: created})

	t.Run("list", func(t *testing.T) {
		w := e.do(t, "T", http.MethodGet, "/api/v1/conversations?limit=10", nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[struct {
			Conversations []server.ConversationSummary `json:"conversations"`
		}](t, w)
		require.Len(t, got.Conversations, 2)
		assert.Equal(t, "new", got.Conversations[0].ID)
		assert.Equal(t, "old", got.Conversations[1].ID)
	})

	t.Run("get", func(t *testing.T) {
		w := e.do(t, "T", http.MethodGet, "/api/v1/conversations/new", nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[server.ConversationDetail](t, w)
		assert.Equal(t, "Revenue", got.Title)
		require.Len(t, got.Turns, 2)
		assert.Equal(t, "assistant", got.Turns[1].Role)
		assert.Equal(t, []string{"c1"}, got.Turns[1].CitedChunkIDs)
	})

	t.Run("other tenant is not found", func(t *testing.T) {
		w := e.do(t, "T", http.MethodGet, "/api/v1/conversations/theirs", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("rename", func(t *testing.T) {
		w := e.do(t, "T", http.MethodPut, "/api/v1/conversations/old", map[string]any{"title": "Renamed"})
		require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
		got := decode[server.ConversationDetail](t, e.do(t, "T", http.MethodGet, "/api/v1/conversations/old", nil))
		assert.Equal(t, "Renamed", got.Title)

		w = e.do(t, "T", http.MethodPut, "/api/v1/conversations/old", map[string]any{"title": ""})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("delete", func(t *testing.T) {
		require.Equal(t, http.StatusNoContent, e.do(t, "T", http.MethodDelete, "/api/v1/conversations/old", nil).Code)
		assert.Equal(t, http.StatusNotFound, e.do(t, "T", http.MethodGet, "/api/v1/conversations/old", nil).Code)
		assert.Equal(t, http.StatusNotFound, e.do(t, "T", http.MethodDelete, "/api/v1/conversations/old", nil).Code)
	})
}

func TestRoutes_Search(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "T", http.MethodPost, "/api/v1/search", map[string]any{"query": "revenue"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[struct {
		Results []server.SearchHit `json:"results"`
	}](t, w)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "c1", got.Results[0].ChunkID)
	assert.Equal(t, 5, e.search.last.TopK, "k defaults to the configured top_k")
	assert.InDelta(t, 0.3, e.search.last.MinSimilarity, 1e-9)

	w = e.do(t, "T", http.MethodPost, "/api/v1/search", map[string]any{"query": "revenue", "k": 1, "min_similarity": 0.8})
	require.Equal(t, http.StatusOK, w.Code)
	got = decode[struct {
		Results []server.SearchHit `json:"results"`
	}](t, w)
	assert.Len(t, got.Results, 1)
	assert.InDelta(t, 0.8, e.search.last.MinSimilarity, 1e-9)

	w = e.do(t, "U", http.MethodPost, "/api/v1/search", map[string]any{"query": "revenue"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"results":[]}`, w.Body.String())
}

func TestRoutes_SearchEmbeddingFailure(t *testing.T) {
	e := newTestEnv(t)
	e.search.fail = quarryerr.New(quarryerr.CodeEmbeddingUpstreamFailure, "backend down")

	w := e.do(t, "T", http.MethodPost, "/api/v1/search", map[string]any{"query": "revenue"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestRoutes_Files(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.files.Upload(t.Context(), "T", "q3.txt", -1, strings.NewReader("Quarterly revenue rose 10%."))
	require.NoError(t, err)
	_, err = e.files.Upload(t.Context(), "U", "other.txt", -1, strings.NewReader("other"))
	require.NoError(t, err)

	w := e.do(t, "T", http.MethodGet, "/api/v1/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Files []server.FileView `json:"files"`
	}](t, w)
	require.Len(t, list.Files, 1)
	assert.Equal(t, "q3.txt", list.Files[0].Name)
	assert.Equal(t, "indexed", list.Files[0].Status)

	w = e.do(t, "T", http.MethodGet, "/api/v1/files/file-q3.txt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text", decode[server.FileView](t, w).Type)

	w = e.do(t, "T", http.MethodGet, "/api/v1/files/file-q3.txt/chunks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	chunks := decode[struct {
		Chunks []server.ChunkView `json:"chunks"`
	}](t, w)
	require.Len(t, chunks.Chunks, 2)
	assert.Equal(t, 1, chunks.Chunks[1].SequenceIndex)

	w = e.do(t, "T", http.MethodGet, "/api/v1/files/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode[map[string]any](t, w)
	assert.EqualValues(t, 1, sum["total_files"])
	assert.EqualValues(t, 1, sum["indexed"])

	assert.Equal(t, http.StatusNotFound, e.do(t, "T", http.MethodGet, "/api/v1/files/file-other.txt", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, "T", http.MethodDelete, "/api/v1/files/file-other.txt", nil).Code)

	require.Equal(t, http.StatusNoContent, e.do(t, "T", http.MethodDelete, "/api/v1/files/file-q3.txt", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, "T", http.MethodGet, "/api/v1/files/file-q3.txt/chunks", nil).Code)
}

func TestRoutes_Status(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "T", http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Status    string                  `json:"status"`
		TenantID  string                  `json:"tenant_id"`
		IndexSize int                     `json:"index_size"`
		Providers []server.ProviderHealth `json:"providers"`
	}](t, w)
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, "T", got.TenantID)
	assert.Equal(t, 42, got.IndexSize)
	require.Len(t, got.Providers, 2)
	assert.False(t, got.Providers[1].Available)
	assert.EqualValues(t, 3, got.Providers[1].Health.FailureCount)

	w = e.do(t, "U", http.MethodGet, "/api/v1/status", nil)
	assert.Zero(t, decode[map[string]any](t, w)["index_size"])
}
