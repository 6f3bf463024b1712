// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package provider_test

import (
	"context"
	"sync"

	"github.com/quarry-dev/quarry/internal/provider"
)

// mockProvider is a scriptable provider.Provider. Each Chat call pops the
// next scripted result; when the script is empty it answers "hello".
type mockProvider struct {
	name      string
	available bool
	health    *provider.HealthTracker

	mu       sync.Mutex
	script   []error
	requests []provider.ChatRequest
}

func newMockProvider(name string, available bool, script ...error) *mockProvider {
	return &mockProvider{name: name, available: available, script: script}
}

func (m *mockProvider) withHealth() *mockProvider {
	m.health = provider.MustHealthTracker(provider.DefaultHealthCooldown)
	return m
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Available(context.Context) bool {
	if m.health != nil {
		return m.health.IsHealthy()
	}
	return m.available
}

func (m *mockProvider) ListModels(context.Context) ([]provider.ModelInfo, error) { return nil, nil }

func (m *mockProvider) Chat(_ context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var next error
	if len(m.script) > 0 {
		next, m.script = m.script[0], m.script[1:]
	}
	m.mu.Unlock()

	ch := make(chan provider.ChatEvent, 4)
	if next != nil {
		ch <- provider.ChatEvent{Type: provider.EventTypeError, Err: next}
	} else {
		ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: "hel"}
		ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: "lo"}
		ch <- provider.ChatEvent{Type: provider.EventTypeUsage, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}}
		ch <- provider.ChatEvent{Type: provider.EventTypeDone}
	}
	close(ch)
	return ch, nil
}

func (m *mockProvider) Status(ctx context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{Available: m.Available(ctx), Provider: m.name, Message: "ok"}, nil
}

func (m *mockProvider) Close() error { return nil }

func (m *mockProvider) calls() []provider.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provider.ChatRequest(nil), m.requests...)
}

// healthyMock adds HealthReporter to mockProvider.
type healthyMock struct {
	*mockProvider
}

func (h healthyMock) RecordSuccess() { h.health.RecordSuccess() }
func (h healthyMock) RecordFailure() { h.health.RecordFailure() }
func (h healthyMock) HealthMetrics() provider.HealthMetrics {
	return h.health.HealthMetrics()
}
