// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package store

import "time"

// --- Chunk and vector types ---

// Chunk is a bounded span of a file's extracted text. Offsets are byte
// offsets into that text. Chunks are immutable once created.
type Chunk struct {
	ID            string
	FileID        string
	TenantID      string
	Text          string
	StartOffset   int
	EndOffset     int
	SequenceIndex int
}

// VectorRecord is the embedding of exactly one chunk.
type VectorRecord struct {
	ChunkID   string
	TenantID  string
	Embedding []float32
	CreatedAt time.Time
}

// IndexEntry pairs a chunk with its vector record.
type IndexEntry struct {
	Chunk  Chunk
	Record VectorRecord
}

// RetrievalResult is a transient search hit, never persisted.
type RetrievalResult struct {
	ChunkID     string
	FileID      string
	Text        string
	Score       float64
	StartOffset int
	EndOffset   int
	CreatedAt   time.Time
}

// --- Conversation types ---

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation is a tenant-owned, ordered log of turns.
type Conversation struct {
	ID        string
	TenantID  string
	Title     string
	Turns     []*Turn
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is a single message in a conversation. Turns are immutable once appended.
type Turn struct {
	ID             string
	ConversationID string
	Role           Role
	Text           string
	CitedChunkIDs  []string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// --- File types ---

// FileType is the coarse classification used for extraction and summaries.
type FileType string

const (
	FileTypeText     FileType = "text"
	FileTypePDF      FileType = "pdf"
	FileTypeImage    FileType = "image"
	FileTypeDocument FileType = "document"
)

// FileStatus tracks where a file is in the indexing path.
type FileStatus string

const (
	FileStatusPending FileStatus = "pending"
	FileStatusIndexed FileStatus = "indexed"
	FileStatusFailed  FileStatus = "failed"
)

// File is the relational record of an uploaded document.
type File struct {
	ID         string
	TenantID   string
	Name       string
	Type       FileType
	Size       int64
	Status     FileStatus
	ChunkCount int
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// --- Query options ---

// ListOpts provides pagination for list operations.
type ListOpts struct {
	Limit  int
	Offset int
}
