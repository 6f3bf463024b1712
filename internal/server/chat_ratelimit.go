// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package server

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/time/rate"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// ChatRateLimitConfig limits chat messages per tenant, on top of the per-IP
// limit.
type ChatRateLimitConfig struct {
	// PerMinute is the sustained message rate per tenant. Zero disables it.
	PerMinute int
	Burst     int
	// MaxTenants caps tracked tenants. Zero selects 10000.
	MaxTenants int
}

func (c *ChatRateLimitConfig) validate() error {
	if c.PerMinute < 0 {
		return quarryerr.Errorf(quarryerr.CodeServerConfigInvalid,
			"chat rate limit per minute must not be negative (got %d)", c.PerMinute)
	}
	if c.PerMinute > 0 && c.Burst <= 0 {
		return quarryerr.Errorf(quarryerr.CodeServerConfigInvalid,
			"chat rate limit burst must be positive when per minute is set (got burst=%d, per_minute=%d)",
			c.Burst, c.PerMinute)
	}
	if c.MaxTenants < 0 {
		return quarryerr.Errorf(quarryerr.CodeServerConfigInvalid,
			"chat rate limit max tenants must not be negative (got %d)", c.MaxTenants)
	}
	if c.MaxTenants == 0 {
		c.MaxTenants = defaultMaxKeys
	}
	return nil
}

// newChatLimiter returns nil when chat limiting is disabled.
func newChatLimiter(cfg ChatRateLimitConfig, done <-chan struct{}) (*keyedLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PerMinute == 0 {
		return nil, nil
	}
	l := newKeyedLimiter(rate.Limit(float64(cfg.PerMinute)/60), cfg.Burst, cfg.MaxTenants)
	go l.sweepLoop(done)
	return l, nil
}

// hashKey returns the first 8 hex chars of SHA-256(key) for log privacy.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h[:4])
}

func (s *Server) checkChatLimit(ctx context.Context, endpoint string) error {
	if s.chatLimiter == nil {
		return nil
	}
	key := "tenant:"
	if t := TenantFromContext(ctx); t != nil {
		key += t.ID
	}
	if s.chatLimiter.allow(key) {
		return nil
	}
	slog.Warn("chat rate limit exceeded", "endpoint", endpoint, "key_hash", hashKey(key))
	return tooManyRequests("chat rate limit exceeded")
}

func tooManyRequests(msg string) error {
	return huma.ErrorWithHeaders(huma.NewError(http.StatusTooManyRequests, msg),
		http.Header{"Retry-After": []string{retryAfterValue}})
}
