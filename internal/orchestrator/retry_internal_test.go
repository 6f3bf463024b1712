// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 6, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 5 * time.Second},
		{9, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestWithRetry_SleepsBetweenRetryableAttempts(t *testing.T) {
	var waits []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	calls := 0
	err := withRetry(context.Background(), DefaultRetryPolicy, sleep, func(context.Context) error {
		calls++
		return quarryerr.New(quarryerr.CodeGenerationRateLimited, "429")
	})
	require.Error(t, err)
	assert.True(t, quarryerr.IsRateLimited(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, waits)
}

func TestWithRetry_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, DefaultRetryPolicy, sleepCtx, func(context.Context) error {
		calls++
		cancel()
		return quarryerr.New(quarryerr.CodeGenerationTimeout, "deadline")
	})
	assert.True(t, quarryerr.IsTimeout(err))
	assert.Equal(t, 1, calls)
}

func TestTitleFrom(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"What happened to revenue?", "What happened to revenue?"},
		{"  spaced \n out  ", "spaced out"},
		{"abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz", "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwx..."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, titleFrom(tt.in))
	}
}

func TestHistory_KeepsNewestTurnsWithinBudget(t *testing.T) {
	turns := []*store.Turn{
		{Role: store.RoleUser, Text: "aaaa"},
		{Role: store.RoleAssistant, Text: "bbbb"},
		{Role: store.RoleUser, Text: "cc"},
		{Role: store.RoleAssistant, Text: "dd"},
	}

	msgs := history(turns, 6)
	require.Len(t, msgs, 2)
	assert.Equal(t, "cc", msgs[0].Content)
	assert.Equal(t, "dd", msgs[1].Content)

	// "bbbb" fits a budget of 10 but an assistant turn cannot open the history.
	msgs = history(turns, 10)
	require.Len(t, msgs, 2)
	assert.Equal(t, "cc", msgs[0].Content)

	assert.Len(t, history(turns, 0), 4, "no budget keeps everything")
	assert.Empty(t, history(turns, 1))
}
