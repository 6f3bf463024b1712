// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package provider

import (
	"context"
	"log/slog"
	"time"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// DefaultMaxTokens caps answer length when none is configured.
const DefaultMaxTokens = 1024

// Generator is the text-completion capability the chat pipeline depends on:
// one answer for a system context, prior turns, and a new user message.
type Generator struct {
	registry  *Registry
	maxTokens int
	timeout   time.Duration
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithMaxTokens sets the answer token cap.
func WithMaxTokens(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

// WithCallTimeout bounds each provider call. Zero disables the bound.
func WithCallTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) { g.timeout = d }
}

// NewGenerator creates a Generator that routes through registry.
func NewGenerator(registry *Registry, opts ...GeneratorOption) *Generator {
	g := &Generator{registry: registry, maxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Complete returns the answer text. Each call walks the registry's failover
// chain once: a provider that fails is marked unhealthy and the next
// candidate is tried. When every candidate fails, the last classified
// generation error is returned so callers can decide whether to retry.
// A retried call still reaches a provider that is cooling down when no
// healthy candidate remains.
func (g *Generator) Complete(ctx context.Context, tenantID, system string, history []Message, message string) (string, error) {
	if message == "" {
		return "", quarryerr.New(quarryerr.CodeGenerationRequestInvalid, "generation: user message is empty")
	}

	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, Message{Role: MessageRoleUser, Content: message})

	var (
		tried   []string
		lastErr error
	)
	for range g.registry.MaxAttempts() {
		p, model, err := g.registry.Route(ctx, tenantID, "", tried)
		if err != nil {
			if lastErr != nil {
				return "", lastErr
			}
			return "", quarryerr.Errorf(quarryerr.CodeGenerationUpstreamFailure, "generation: no backend available: %v", err)
		}
		tried = append(tried, p.Name())

		text, err := g.completeOnce(ctx, p, ChatRequest{
			Model:        model,
			Messages:     messages,
			SystemPrompt: system,
			Options:      ChatOptions{MaxTokens: g.maxTokens},
		})
		if err == nil {
			if hr, ok := p.(HealthReporter); ok {
				hr.RecordSuccess()
			}
			return text, nil
		}

		if hr, ok := p.(HealthReporter); ok {
			hr.RecordFailure()
		}
		slog.Warn("generation attempt failed",
			"provider", p.Name(),
			"model", model,
			"tenant_id", tenantID,
			"error", err,
		)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (g *Generator) completeOnce(ctx context.Context, p Provider, req ChatRequest) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	events, err := p.Chat(ctx, req)
	if err != nil {
		return "", UpstreamError(p.Name(), 0, err)
	}
	text, _, err := Collect(ctx, events)
	if err != nil {
		return "", UpstreamError(p.Name(), 0, err)
	}
	return text, nil
}
