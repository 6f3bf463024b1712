// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package orchestrator

// State is a step in handling one chat message.
type State string

const (
	StateReceived   State = "received"
	StateRetrieving State = "retrieving"
	StateAssembling State = "assembling"
	StateGenerating State = "generating"
	StatePersisting State = "persisting"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// StateHook observes transitions. It runs synchronously on the request
// goroutine and must not block.
type StateHook func(conversationID string, s State)
