// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/server"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func TestServer_NewValidation(t *testing.T) {
	svc, err := server.NewServices(newFakeChat(), newFakeFiles(), &fakeSearch{}, nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		cfg     server.Config
		wantErr string
	}{
		{name: "missing listen address", cfg: server.Config{Services: svc}, wantErr: "listen address is required"},
		{name: "missing services", cfg: server.Config{ListenAddr: "127.0.0.1:0"}, wantErr: "services are required"},
		{
			name:    "bad rate limit",
			cfg:     server.Config{ListenAddr: "127.0.0.1:0", Services: svc, RateLimit: server.RateLimitConfig{RequestsPerSecond: -1}},
			wantErr: "must not be negative",
		},
		{
			name:    "token without tenant",
			cfg:     server.Config{ListenAddr: "127.0.0.1:0", Services: svc, Tokens: []server.Token{{Token: "x"}}},
			wantErr: "needs a token and a tenant id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.New(tt.cfg)
			require.Error(t, err)
			assert.True(t, quarryerr.HasCode(err, quarryerr.CodeServerConfigInvalid), "got %s", quarryerr.CodeOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewServices_RequiresCoreServices(t *testing.T) {
	_, err := server.NewServices(nil, newFakeFiles(), &fakeSearch{}, nil)
	assert.ErrorContains(t, err, "chat service is required")
	_, err = server.NewServices(newFakeChat(), nil, &fakeSearch{}, nil)
	assert.ErrorContains(t, err, "file service is required")
	_, err = server.NewServices(newFakeChat(), newFakeFiles(), nil, nil)
	assert.ErrorContains(t, err, "search service is required")

	svc, err := server.NewServices(newFakeChat(), newFakeFiles(), &fakeSearch{}, nil)
	require.NoError(t, err)
	assert.Nil(t, svc.Status())
}

func TestServer_HealthIsPublic(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestServer_OpenAPIDocument(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "", http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		Info struct {
			Title string `json:"title"`
		} `json:"info"`
		Paths map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "Quarry", doc.Info.Title)
	for path, method := range map[string]string{
		"/api/v1/chat":               "post",
		"/api/v1/chat/stream":        "post",
		"/api/v1/conversations/{id}": "put",
		"/api/v1/search":             "post",
		"/api/v1/files":              "post",
		"/api/v1/files/{id}/chunks":  "get",
		"/api/v1/status":             "get",
	} {
		assert.Contains(t, doc.Paths[path], method, path)
	}
}

func TestServer_CORSAllowsTenantHeader(t *testing.T) {
	e := newTestEnv(t, func(c *server.Config) { c.CORSOrigins = []string{"https://app.example.com"} })

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", server.TenantHeader)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, strings.ToLower(w.Header().Get("Access-Control-Allow-Headers")), "x-tenant-id")
}

func TestServer_ServeShutsDownGracefully(t *testing.T) {
	e := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}
