// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/quarry-dev/quarry/internal/orchestrator"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Stream event names.
const (
	EventState  = "state"
	EventAnswer = "answer"
	EventError  = "error"
)

// maxStreamBody bounds the JSON body of a streaming chat request.
const maxStreamBody = 1 << 20

// SSEEvent represents a single server-sent event.
type SSEEvent struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

type stateEvent struct {
	ConversationID string             `json:"conversation_id"`
	State          orchestrator.State `json:"state"`
}

type errorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (s *Server) registerSSERoute() {
	s.router.Post("/api/v1/chat/stream", s.handleChatStream)

	// The handler needs the raw ResponseWriter, so only the OpenAPI entry
	// goes through huma.
	minLen := 1
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "chat-stream",
		Method:      http.MethodPost,
		Path:        "/api/v1/chat/stream",
		Summary:     "Ask a question and stream processing states via SSE",
		Description: "Emits a state event for every step, then an answer or error event. Set Accept: text/event-stream for SSE, otherwise receives a JSON array of events.",
		Tags:        []string{"chat"},
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"application/json": {
					Schema: &huma.Schema{
						Type:     "object",
						Required: []string{"message"},
						Properties: map[string]*huma.Schema{
							"message":         {Type: "string", MinLength: &minLen, Description: "The question"},
							"conversation_id": {Type: "string", Description: "Conversation to continue; omit to start one"},
							"top_k":           {Type: "integer", Description: "Passages to retrieve"},
							"min_similarity":  {Type: "number", Description: "Minimum cosine similarity"},
						},
					},
				},
			},
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Streaming response (SSE or JSON depending on Accept header)",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {
						Schema: &huma.Schema{Type: "string", Description: "Server-sent event stream"},
					},
					"application/json": {
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"events": {
									Type:        "array",
									Description: "Collected events as JSON objects",
									Items:       &huma.Schema{Type: "object"},
								},
							},
						},
					},
				},
			},
			"400": {Description: "Malformed request body"},
			"422": {Description: "Validation error (missing message)"},
			"429": {Description: "Chat rate limit exceeded"},
		},
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	if tenant == nil {
		writeProblem(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var body ChatRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStreamBody)).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeProblem(w, http.StatusUnprocessableEntity, "message is required")
		return
	}
	if err := s.checkChatLimit(r.Context(), "chat_stream"); err != nil {
		w.Header().Set("Retry-After", retryAfterValue)
		writeProblem(w, http.StatusTooManyRequests, err.Error())
		return
	}

	events := s.runChat(r, body.request(tenant.ID))
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeSSE(w, events)
		return
	}
	writeEventsJSON(w, events)
}

// runChat answers the message on its own goroutine and delivers the state
// transitions followed by exactly one answer or error event. The channel is
// closed when the turn ends.
func (s *Server) runChat(r *http.Request, req orchestrator.Request) <-chan SSEEvent {
	// A turn has a handful of states; the buffer keeps OnState from blocking.
	ch := make(chan SSEEvent, 16)
	req.OnState = func(convID string, st orchestrator.State) {
		ch <- marshalEvent(EventState, stateEvent{ConversationID: convID, State: st})
	}
	go func() {
		defer close(ch)
		resp, err := s.services.Chat().HandleMessage(r.Context(), req)
		if err != nil {
			herr := apiError(r.Context(), "chat_stream", err)
			ev := errorEvent{
				Code:    string(quarryerr.CodeOf(err)),
				Message: herr.Error(),
				Status:  quarryerr.HTTPStatus(err),
			}
			var model *huma.ErrorModel
			if errors.As(herr, &model) {
				ev.Message = model.Detail
			}
			ch <- marshalEvent(EventError, ev)
			return
		}
		ch <- marshalEvent(EventAnswer, resp)
	}()
	return ch
}

func marshalEvent(name string, v any) SSEEvent {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(errorEvent{Message: "encoding event", Status: http.StatusInternalServerError})
		name = EventError
	}
	return SSEEvent{Event: name, Data: string(data)}
}

func writeSSE(w http.ResponseWriter, events <-chan SSEEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, _ := w.(http.Flusher)
	failed := false
	for event := range events {
		if failed {
			// Drain so the producer can finish.
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, event.Data); err != nil {
			failed = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeEventsJSON(w http.ResponseWriter, events <-chan SSEEvent) {
	collected := []json.RawMessage{}
	for event := range events {
		raw, err := json.Marshal(struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}{Event: event.Event, Data: json.RawMessage(event.Data)})
		if err != nil {
			continue
		}
		collected = append(collected, raw)
	}

	w.Header().Set("Content-Type", "application/json")
	resp := struct {
		Events []json.RawMessage `json:"events"`
	}{Events: collected}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		writeProblem(w, http.StatusInternalServerError, "encoding response")
	}
}
