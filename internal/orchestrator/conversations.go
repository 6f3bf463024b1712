// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxTitleRunes    = 200
)

// ListConversations returns the tenant's conversations, most recently
// updated first. Turns are not loaded.
func (o *Orchestrator) ListConversations(ctx context.Context, tenantID string, opts store.ListOpts) ([]*store.Conversation, error) {
	if tenantID == "" {
		return nil, quarryerr.New(quarryerr.CodeChatRequestInvalid, "tenant id is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	opts.Limit = min(opts.Limit, maxListLimit)
	opts.Offset = max(opts.Offset, 0)
	return o.convs.ListConversations(ctx, tenantID, opts)
}

// GetConversation returns one conversation with all of its turns.
func (o *Orchestrator) GetConversation(ctx context.Context, tenantID, id string) (*store.Conversation, error) {
	if err := requireIDs(tenantID, id); err != nil {
		return nil, err
	}
	return o.convs.GetConversation(ctx, tenantID, id)
}

// RenameConversation sets a conversation's title.
func (o *Orchestrator) RenameConversation(ctx context.Context, tenantID, id, title string) error {
	if err := requireIDs(tenantID, id); err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return quarryerr.New(quarryerr.CodeChatRequestInvalid, "title is empty",
			quarryerr.FieldConversationID(id))
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return quarryerr.Errorf(quarryerr.CodeChatRequestInvalid, "title exceeds %d characters", maxTitleRunes)
	}
	return o.convs.UpdateConversationTitle(ctx, tenantID, id, title)
}

// DeleteConversation removes a conversation and its turns. It waits for
// writes already queued on the conversation.
func (o *Orchestrator) DeleteConversation(ctx context.Context, tenantID, id string) error {
	if err := requireIDs(tenantID, id); err != nil {
		return err
	}
	err := o.lanes.Do(ctx, id, func(ctx context.Context) error {
		return o.convs.DeleteConversation(ctx, tenantID, id)
	})
	if err != nil {
		return err
	}
	slog.Info("conversation deleted", "tenant_id", tenantID, "conversation_id", id)
	return nil
}

func requireIDs(tenantID, id string) error {
	if tenantID == "" {
		return quarryerr.New(quarryerr.CodeChatRequestInvalid, "tenant id is required")
	}
	if id == "" {
		return quarryerr.New(quarryerr.CodeChatRequestInvalid, "conversation id is required")
	}
	return nil
}
