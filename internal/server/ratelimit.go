// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package server

import (
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

const (
	defaultMaxKeys  = 10000
	sweepInterval   = 5 * time.Minute
	staleAfter      = 10 * time.Minute
	retryAfterValue = "1"
)

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate per IP. Zero disables limiting.
	RequestsPerSecond float64
	// Burst is the maximum burst size per IP.
	Burst int
	// MaxVisitors caps the number of tracked IPs; the least recently seen
	// are evicted first. Zero selects 10000.
	MaxVisitors int
}

// Validate checks the configuration and applies defaults.
func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerSecond < 0 {
		return quarryerr.Errorf(quarryerr.CodeServerConfigInvalid,
			"rate limit requests per second must not be negative (got %g)", c.RequestsPerSecond)
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		return quarryerr.Errorf(quarryerr.CodeServerConfigInvalid,
			"rate limit burst must be positive when rate is set (got burst=%d, rate=%g)", c.Burst, c.RequestsPerSecond)
	}
	if c.MaxVisitors < 0 {
		return quarryerr.Errorf(quarryerr.CodeServerConfigInvalid,
			"rate limit max visitors must not be negative (got %d)", c.MaxVisitors)
	}
	if c.MaxVisitors == 0 {
		c.MaxVisitors = defaultMaxKeys
	}
	return nil
}

// keyedLimiter holds one token bucket per key.
type keyedLimiter struct {
	limit   rate.Limit
	burst   int
	maxKeys int
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(limit rate.Limit, burst, maxKeys int) *keyedLimiter {
	return &keyedLimiter{
		limit:   limit,
		burst:   burst,
		maxKeys: maxKeys,
		now:     time.Now,
		entries: make(map[string]*limiterEntry),
	}
}

func (k *keyedLimiter) allow(key string) bool {
	now := k.now()
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	k.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// sweep drops keys idle for longer than staleAfter, then the least recently
// seen keys beyond maxKeys. It returns the number of keys removed.
func (k *keyedLimiter) sweep() int {
	now := k.now()
	k.mu.Lock()
	defer k.mu.Unlock()

	type seen struct {
		key  string
		last time.Time
	}
	removed := 0
	live := make([]seen, 0, len(k.entries))
	for key, e := range k.entries {
		if now.Sub(e.lastSeen) > staleAfter {
			delete(k.entries, key)
			removed++
			continue
		}
		live = append(live, seen{key, e.lastSeen})
	}

	if k.maxKeys > 0 && len(live) > k.maxKeys {
		slices.SortFunc(live, func(a, b seen) int { return a.last.Compare(b.last) })
		excess := len(live) - k.maxKeys
		for _, s := range live[:excess] {
			delete(k.entries, s.key)
		}
		removed += excess
		slog.Warn("rate limiter key cap enforced", "evicted", excess, "max_keys", k.maxKeys)
	}
	return removed
}

func (k *keyedLimiter) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// sweepLoop runs sweep periodically until done is closed.
func (k *keyedLimiter) sweepLoop(done <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.sweep()
		case <-done:
			return
		}
	}
}

// rateLimitMiddleware enforces per-IP limits. It passes everything through
// when cfg.RequestsPerSecond is zero. Closing done stops the sweeper.
func rateLimitMiddleware(cfg RateLimitConfig, done <-chan struct{}) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newKeyedLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst, cfg.MaxVisitors)
	go limiter.sweepLoop(done)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Keyed by host alone so extra connections share one bucket.
			ip := clientIP(r.RemoteAddr)
			if !limiter.allow(ip) {
				slog.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
				w.Header().Set("Retry-After", retryAfterValue)
				writeProblem(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
