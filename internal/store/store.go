// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package store

import "context"

// ConversationStore persists conversations and their append-only turn logs.
// Every read and write is scoped by tenant; a conversation owned by another
// tenant is reported as not found.
type ConversationStore interface {
	// CreateConversation inserts conv and its first turns in one
	// transaction. An existing id is a conflict.
	CreateConversation(ctx context.Context, conv *Conversation, turns ...*Turn) error
	GetConversation(ctx context.Context, tenantID, id string) (*Conversation, error)
	ListConversations(ctx context.Context, tenantID string, opts ListOpts) ([]*Conversation, error)
	UpdateConversationTitle(ctx context.Context, tenantID, id, title string) error
	DeleteConversation(ctx context.Context, tenantID, id string) error

	// AppendTurns appends all turns to an existing conversation in one
	// transaction and bumps its updated_at. A missing conversation is not
	// found; it is never recreated.
	AppendTurns(ctx context.Context, tenantID string, conv *Conversation, turns ...*Turn) error
	// RecentTurns returns the last n turns in chronological order.
	RecentTurns(ctx context.Context, tenantID, conversationID string, n int) ([]*Turn, error)
}

// ChunkStore persists chunk metadata alongside the relational file records.
type ChunkStore interface {
	PutChunks(ctx context.Context, tenantID, fileID string, chunks []Chunk) error
	ListChunksByFile(ctx context.Context, tenantID, fileID string) ([]Chunk, error)
	DeleteChunksByFile(ctx context.Context, tenantID, fileID string) ([]string, error)
}

// FileStore manages uploaded file records.
type FileStore interface {
	CreateFile(ctx context.Context, file *File) error
	GetFile(ctx context.Context, tenantID, id string) (*File, error)
	ListFiles(ctx context.Context, tenantID string, opts ListOpts) ([]*File, error)
	UpdateFile(ctx context.Context, file *File) error
	DeleteFile(ctx context.Context, tenantID, id string) error
}
