// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package orchestrator

import (
	"context"
	"log/slog"
	"time"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// RetryPolicy bounds retries of transient generation failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy makes three attempts, waiting 500ms then 1s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

// delay returns the wait before the attempt following the given one
// (1-based), doubling from InitialBackoff and capped at MaxBackoff.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// the attempts run out. Only timeouts and rate limits are retried.
func withRetry(ctx context.Context, p RetryPolicy, sleep sleepFunc, fn func(context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !quarryerr.IsRetryable(err) || attempt == attempts {
			return err
		}
		wait := p.delay(attempt)
		slog.Warn("retrying generation",
			"attempt", attempt,
			"wait", wait,
			"code", quarryerr.CodeOf(err),
			"error", err)
		if serr := sleep(ctx, wait); serr != nil {
			return err
		}
	}
	return err
}
