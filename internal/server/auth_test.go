// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package server_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/server"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func TestAuthenticator_DevMode(t *testing.T) {
	a, err := server.NewAuthenticator(nil)
	require.NoError(t, err)
	require.True(t, a.DevMode())

	tests := []struct {
		name   string
		header string
		want   string
		check  func(error) bool
	}{
		{name: "tenant header", header: "acme", want: "acme"},
		{name: "trimmed", header: "  acme ", want: "acme"},
		{name: "missing", header: "", check: quarryerr.IsUnauthorized},
		{name: "too long", header: strings.Repeat("a", 129), check: quarryerr.IsInvalidInput},
		{name: "control characters", header: "ac\x01me", check: quarryerr.IsInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
			req.Header.Set(server.TenantHeader, tt.header)
			tenant, err := a.Authenticate(req)
			if tt.check != nil {
				require.Error(t, err)
				assert.True(t, tt.check(err), "got %s", quarryerr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tenant.ID)
		})
	}
}

func TestAuthenticator_Tokens(t *testing.T) {
	a, err := server.NewAuthenticator([]server.Token{
		{Token: "tok-acme", TenantID: "acme", Name: "ci"},
		{Token: "tok-globex", TenantID: "globex"},
	})
	require.NoError(t, err)
	require.False(t, a.DevMode())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.Header.Set("Authorization", "Bearer tok-globex")
	req.Header.Set(server.TenantHeader, "acme")
	tenant, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "globex", tenant.ID, "the token decides the tenant, not the header")

	for _, header := range []string{"", "Bearer ", "Bearer tok-acm", "Basic tok-acme"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		_, err := a.Authenticate(req)
		assert.True(t, quarryerr.IsUnauthorized(err), "header %q", header)
	}
}

func TestServer_RejectsUnauthenticatedAPI(t *testing.T) {
	e := newTestEnv(t, func(c *server.Config) {
		c.Tokens = []server.Token{{Token: "secret", TenantID: "T"}}
	})

	w := e.do(t, "T", http.MethodGet, "/api/v1/files", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "T", decode[map[string]any](t, rec)["tenant_id"])

	assert.Equal(t, http.StatusOK, e.do(t, "", http.MethodGet, "/health", nil).Code)
}

func TestServer_DevModeRequiresTenantHeader(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "", http.MethodGet, "/api/v1/files", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), server.TenantHeader)
}
