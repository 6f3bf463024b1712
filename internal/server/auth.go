// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"unicode"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// TenantHeader carries the tenant id in dev mode.
const TenantHeader = "X-Tenant-ID"

const maxTenantIDLength = 128

// Token binds a bearer token to a tenant.
type Token struct {
	Token    string
	TenantID string
	Name     string
}

// Tenant is the authenticated caller of a request.
type Tenant struct {
	ID string
	// Name labels the token used, empty in dev mode.
	Name string
}

type tenantContextKey struct{}

// WithTenant returns a context carrying t.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, t)
}

// TenantFromContext returns the authenticated tenant, or nil.
func TenantFromContext(ctx context.Context) *Tenant {
	t, _ := ctx.Value(tenantContextKey{}).(*Tenant)
	return t
}

// Authenticator resolves the tenant of a request. With no tokens it runs in
// dev mode and trusts the X-Tenant-ID header.
type Authenticator struct {
	tokens []Token
}

// NewAuthenticator validates tokens and returns an Authenticator.
func NewAuthenticator(tokens []Token) (*Authenticator, error) {
	for i, t := range tokens {
		if t.Token == "" || t.TenantID == "" {
			return nil, quarryerr.Errorf(quarryerr.CodeServerConfigInvalid, "auth token %d needs a token and a tenant id", i)
		}
	}
	return &Authenticator{tokens: tokens}, nil
}

// DevMode reports whether requests are trusted without a token.
func (a *Authenticator) DevMode() bool { return len(a.tokens) == 0 }

// Authenticate returns the tenant for r.
func (a *Authenticator) Authenticate(r *http.Request) (*Tenant, error) {
	if a.DevMode() {
		id := strings.TrimSpace(r.Header.Get(TenantHeader))
		if err := validTenantID(id); err != nil {
			return nil, err
		}
		return &Tenant{ID: id}, nil
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return nil, quarryerr.New(quarryerr.CodeServerAuthUnauthorized, "missing bearer token")
	}
	// Every token is compared so timing does not reveal which prefix matched.
	var match *Token
	for i := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(a.tokens[i].Token), []byte(raw)) == 1 {
			match = &a.tokens[i]
		}
	}
	if match == nil {
		return nil, quarryerr.New(quarryerr.CodeServerAuthUnauthorized, "invalid bearer token")
	}
	return &Tenant{ID: match.TenantID, Name: match.Name}, nil
}

func validTenantID(id string) error {
	if id == "" {
		return quarryerr.Errorf(quarryerr.CodeServerAuthUnauthorized, "missing %s header", TenantHeader)
	}
	if len(id) > maxTenantIDLength || strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return quarryerr.Errorf(quarryerr.CodeServerRequestInvalid, "invalid %s header", TenantHeader)
	}
	return nil
}

// Middleware authenticates every /api/ request. Other paths (health,
// OpenAPI documents) are public.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		tenant, err := a.Authenticate(r)
		if err != nil {
			slog.Warn("request not authenticated",
				"security_event", true,
				"method", r.Method,
				"path", r.URL.Path,
				"remote", clientIP(r.RemoteAddr),
				"error", err)
			writeProblem(w, quarryerr.HTTPStatus(err), err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
	})
}
