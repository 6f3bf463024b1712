// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package orchestrator

import (
	"strings"

	"github.com/quarry-dev/quarry/internal/provider"
	"github.com/quarry-dev/quarry/internal/store"
)

// DefaultSystemPrompt instructs the model to stay within the supplied context.
const DefaultSystemPrompt = "Use the following pieces of context to answer the question at the end. " +
	"If you don't know the answer from the context, just say that you don't know. " +
	"Do not try to make up an answer. Keep the answer concise and relevant."

const titleRunes = 50

// systemPrompt appends the assembled context to the instructions. With no
// context the instructions go out alone.
func systemPrompt(instructions, contextText string) string {
	if contextText == "" {
		return instructions
	}
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nContext:\n")
	b.WriteString(contextText)
	return b.String()
}

// titleFrom derives a conversation title from its first message.
func titleFrom(message string) string {
	msg := strings.Join(strings.Fields(message), " ")
	r := []rune(msg)
	if len(r) <= titleRunes {
		return msg
	}
	return string(r[:titleRunes]) + "..."
}

// history converts stored turns (oldest first) into provider messages,
// keeping the newest turns whose combined text fits maxChars. The result is
// trimmed so it starts with a user message, as the chat APIs expect.
func history(turns []*store.Turn, maxChars int) []provider.Message {
	start := len(turns)
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		n := len(turns[i].Text)
		if maxChars > 0 && used+n > maxChars {
			break
		}
		used += n
		start = i
	}
	kept := turns[start:]
	for len(kept) > 0 && kept[0].Role != store.RoleUser {
		kept = kept[1:]
	}

	msgs := make([]provider.Message, 0, len(kept))
	for _, t := range kept {
		role := provider.MessageRoleUser
		if t.Role == store.RoleAssistant {
			role = provider.MessageRoleAssistant
		}
		msgs = append(msgs, provider.Message{Role: role, Content: t.Text})
	}
	return msgs
}
