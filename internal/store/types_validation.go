// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package store

import (
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Valid reports whether the role is a known turn role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Valid reports whether the file type is known.
func (t FileType) Valid() bool {
	switch t {
	case FileTypeText, FileTypePDF, FileTypeImage, FileTypeDocument:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is a known indexing state.
func (s FileStatus) Valid() bool {
	switch s {
	case FileStatusPending, FileStatusIndexed, FileStatusFailed:
		return true
	default:
		return false
	}
}

// Validate checks that the Chunk carries its identity and a sane span.
func (c Chunk) Validate() error {
	if c.ID == "" {
		return quarryerr.New(quarryerr.CodeStoreInvalidInput, "chunk: ID is required")
	}
	if c.TenantID == "" {
		return quarryerr.New(quarryerr.CodeStoreInvalidInput, "chunk: TenantID is required")
	}
	if c.FileID == "" {
		return quarryerr.New(quarryerr.CodeStoreInvalidInput, "chunk: FileID is required")
	}
	if c.StartOffset < 0 || c.EndOffset < c.StartOffset {
		return quarryerr.Errorf(quarryerr.CodeStoreInvalidInput,
			"chunk %s: invalid span [%d, %d)", c.ID, c.StartOffset, c.EndOffset)
	}
	if c.SequenceIndex < 0 {
		return quarryerr.Errorf(quarryerr.CodeStoreInvalidInput, "chunk %s: negative sequence index", c.ID)
	}
	return nil
}

// Validate checks that the entry's chunk and record agree on identity.
func (e IndexEntry) Validate() error {
	if err := e.Chunk.Validate(); err != nil {
		return err
	}
	if e.Record.ChunkID != e.Chunk.ID {
		return quarryerr.Errorf(quarryerr.CodeStoreInvalidInput,
			"index entry: record chunk %q does not match chunk %q", e.Record.ChunkID, e.Chunk.ID)
	}
	if e.Record.TenantID != e.Chunk.TenantID {
		return quarryerr.Errorf(quarryerr.CodeStoreInvalidInput,
			"index entry %s: record tenant does not match chunk tenant", e.Chunk.ID)
	}
	if len(e.Record.Embedding) == 0 {
		return quarryerr.Errorf(quarryerr.CodeStoreInvalidInput, "index entry %s: empty embedding", e.Chunk.ID)
	}
	return nil
}

// CheckFileEntries reports an error unless every entry belongs to the given
// tenant and file.
func CheckFileEntries(tenantID, fileID string, entries []IndexEntry) error {
	for _, e := range entries {
		if e.Chunk.TenantID != tenantID || e.Chunk.FileID != fileID {
			return quarryerr.Errorf(quarryerr.CodeStoreInvalidInput,
				"chunk %s does not belong to file %s of tenant %s", e.Chunk.ID, fileID, tenantID)
		}
	}
	return nil
}

// Validate checks the conversation header fields.
func (c Conversation) Validate() error {
	if c.ID == "" {
		return quarryerr.New(quarryerr.CodeStoreInvalidInput, "conversation: ID is required")
	}
	if c.TenantID == "" {
		return quarryerr.New(quarryerr.CodeStoreInvalidInput, "conversation: TenantID is required")
	}
	if c.CreatedAt.IsZero() {
		return quarryerr.New(quarryerr.CodeStoreInvalidInput, "conversation: CreatedAt is required")
	}
	return nil
}

// Validate checks that a turn is appendable.
func (t Turn) Validate() error {
	if t.ID == "" {
		return quarryerr.New(quarryerr.CodeStoreTurnAppendInvalid, "turn: ID is required")
	}
	if !t.Role.Valid() {
		return quarryerr.Errorf(quarryerr.CodeStoreTurnAppendInvalid, "turn: invalid role %q", t.Role)
	}
	if t.CreatedAt.IsZero() {
		return quarryerr.New(quarryerr.CodeStoreTurnAppendInvalid, "turn: CreatedAt is required")
	}
	return nil
}

// Validate checks a file record before it is written.
func (f File) Validate() error {
	if f.ID == "" {
		return quarryerr.New(quarryerr.CodeStoreInvalidInput, "file: ID is required")
	}
	if f.TenantID == "" {
		return quarryerr.New(quarryerr.CodeStoreInvalidInput, "file: TenantID is required")
	}
	if f.Name == "" {
		return quarryerr.New(quarryerr.CodeStoreInvalidInput, "file: Name is required")
	}
	if !f.Type.Valid() {
		return quarryerr.Errorf(quarryerr.CodeStoreInvalidInput, "file: invalid type %q", f.Type)
	}
	if !f.Status.Valid() {
		return quarryerr.Errorf(quarryerr.CodeStoreInvalidInput, "file: invalid status %q", f.Status)
	}
	if f.Size < 0 {
		return quarryerr.New(quarryerr.CodeStoreInvalidInput, "file: negative size")
	}
	return nil
}
