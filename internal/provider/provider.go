// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package provider adapts LLM generation backends behind one streaming
// interface and routes requests across them with failover.
package provider

import (
	"context"
	"strings"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Provider is the core interface for generation backends.
type Provider interface {
	Name() string
	Available(ctx context.Context) bool
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
	Status(ctx context.Context) (ProviderStatus, error)
	Close() error
}

// HealthReporter is implemented by providers that track their own health so
// the router can skip them during a cooldown.
type HealthReporter interface {
	RecordSuccess()
	RecordFailure()
	HealthMetrics() HealthMetrics
}

// ChatRequest represents a request to the LLM.
type ChatRequest struct {
	Model        string
	Messages     []Message
	SystemPrompt string
	Options      ChatOptions
}

// ChatOptions contains model configuration.
type ChatOptions struct {
	Temperature   *float32
	MaxTokens     int
	StopSequences []string
}

// Message represents a conversation message.
type Message struct {
	Role    MessageRole
	Content string
}

// MessageRole defines the role of a message sender.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// ChatEvent is a streaming response event.
type ChatEvent struct {
	Type  EventType
	Text  string
	Usage *Usage
	// Err is set on EventTypeError and is already classified into the
	// generation error taxonomy.
	Err error
}

// EventType defines the type of chat event.
type EventType string

const (
	EventTypeTextDelta EventType = "text_delta"
	EventTypeUsage     EventType = "usage"
	EventTypeDone      EventType = "done"
	EventTypeError     EventType = "error"
)

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ModelInfo describes a model's capabilities.
type ModelInfo struct {
	ID               string
	Name             string
	Provider         string
	MaxContextTokens int
	MaxOutputTokens  int
}

// ProviderStatus indicates provider health.
type ProviderStatus struct {
	Available bool
	Provider  string
	Message   string
	Health    *HealthMetrics
}

// Collect drains a chat stream into the complete answer text. It returns the
// first error event, or the context error if ctx ends before the stream does.
// Usage events are summed.
func Collect(ctx context.Context, events <-chan ChatEvent) (string, Usage, error) {
	var (
		b     strings.Builder
		usage Usage
	)
	for {
		select {
		case <-ctx.Done():
			return "", usage, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return "", usage, err
				}
				return b.String(), usage, nil
			}
			switch ev.Type {
			case EventTypeTextDelta:
				b.WriteString(ev.Text)
			case EventTypeUsage:
				if ev.Usage != nil {
					usage.InputTokens += ev.Usage.InputTokens
					usage.OutputTokens += ev.Usage.OutputTokens
				}
			case EventTypeError:
				if ev.Err == nil {
					return "", usage, quarryerr.New(quarryerr.CodeGenerationUpstreamFailure, "stream ended with an error event")
				}
				return "", usage, ev.Err
			case EventTypeDone:
				return b.String(), usage, nil
			}
		}
	}
}

// Send delivers ev unless ctx ends first. Providers use it so an abandoned
// stream never blocks their producer goroutine.
func Send(ctx context.Context, ch chan<- ChatEvent, ev ChatEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
