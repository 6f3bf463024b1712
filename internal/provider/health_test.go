// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package provider_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/provider"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func TestNewHealthTracker_RejectsNonPositiveCooldown(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		_, err := provider.NewHealthTracker(d)
		require.Error(t, err)
		assert.True(t, quarryerr.IsInvalidInput(err))
	}
}

func TestHealthTracker_FailureAndRecovery(t *testing.T) {
	h := provider.MustHealthTracker(30 * time.Second)
	assert.True(t, h.IsHealthy())

	h.RecordFailure()
	assert.False(t, h.IsHealthy())

	h.RecordSuccess()
	assert.True(t, h.IsHealthy())
}

func TestHealthTracker_CooldownBoundary(t *testing.T) {
	cooldown := 10 * time.Second
	now := time.Now()

	tests := []struct {
		name        string
		elapsed     time.Duration
		wantHealthy bool
	}{
		{"before cooldown", 9 * time.Second, false},
		{"at exact cooldown boundary", 10 * time.Second, true},
		{"after cooldown", 11 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := provider.MustHealthTracker(cooldown)
			h.SetNowFunc(func() time.Time { return now })
			h.RecordFailure()
			require.False(t, h.IsHealthy())

			h.SetNowFunc(func() time.Time { return now.Add(tt.elapsed) })
			assert.Equal(t, tt.wantHealthy, h.IsHealthy())
		})
	}
}

func TestHealthTracker_Metrics(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := provider.MustHealthTracker(time.Minute)
	h.SetNowFunc(func() time.Time { return now })

	m := h.HealthMetrics()
	assert.True(t, m.Available)
	assert.Zero(t, m.FailureCount)
	assert.Nil(t, m.LastFailureAt)
	assert.Nil(t, m.CooldownUntil)

	h.RecordFailure()
	h.RecordFailure()
	m = h.HealthMetrics()
	assert.False(t, m.Available)
	assert.Equal(t, int64(2), m.FailureCount)
	require.NotNil(t, m.LastFailureAt)
	assert.Equal(t, now, *m.LastFailureAt)
	require.NotNil(t, m.CooldownUntil)
	assert.Equal(t, now.Add(time.Minute), *m.CooldownUntil)

	h.RecordSuccess()
	m = h.HealthMetrics()
	assert.True(t, m.Available)
	assert.Nil(t, m.CooldownUntil)
	assert.Equal(t, int64(2), m.FailureCount, "failure count is cumulative")
}
