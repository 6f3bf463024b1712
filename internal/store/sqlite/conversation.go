// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Compile-time interface check.
var _ store.ConversationStore = (*ConversationStore)(nil)

// ConversationStore implements store.ConversationStore backed by SQLite.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore opens (or creates) a SQLite database at dbPath and
// initialises the conversations and turns tables.
func NewConversationStore(dbPath string) (*ConversationStore, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	cs, err := NewConversationStoreWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return cs, nil
}

// NewConversationStoreWithDB migrates and wraps an already-open database.
// The caller owns db.
func NewConversationStoreWithDB(db *sql.DB) (*ConversationStore, error) {
	if err := migrateConversations(db); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "migrating conversation tables: %w", err)
	}
	return &ConversationStore{db: db}, nil
}

func migrateConversations(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id, updated_at);

CREATE TABLE IF NOT EXISTS turns (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT UNIQUE NOT NULL,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	text            TEXT NOT NULL DEFAULT '',
	cited_chunk_ids TEXT NOT NULL DEFAULT '[]',
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database connection.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

func (s *ConversationStore) CreateConversation(ctx context.Context, conv *store.Conversation, turns ...*store.Turn) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	if len(turns) == 0 {
		return insertConversation(ctx, s.db, conv)
	}
	for _, turn := range turns {
		if err := turn.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "beginning tx for conversation %s: %w", conv.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertConversation(ctx, tx, conv); err != nil {
		return err
	}
	if err := insertTurns(ctx, tx, conv.ID, turns); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "committing conversation %s: %w", conv.ID, err)
	}
	return nil
}

func insertConversation(ctx context.Context, ex execer, conv *store.Conversation) error {
	const q = `INSERT INTO conversations (id, tenant_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`

	updated := conv.UpdatedAt
	if updated.IsZero() {
		updated = conv.CreatedAt
	}
	_, err := ex.ExecContext(ctx, q, conv.ID, conv.TenantID, conv.Title, formatTime(conv.CreatedAt), formatTime(updated))
	if isUniqueViolation(err) {
		return quarryerr.New(quarryerr.CodeStoreConversationConflict, "conversation "+conv.ID+" already exists",
			quarryerr.FieldConversationID(conv.ID))
	}
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "creating conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *ConversationStore) GetConversation(ctx context.Context, tenantID, id string) (*store.Conversation, error) {
	const q = `SELECT id, tenant_id, title, created_at, updated_at FROM conversations WHERE id = ? AND tenant_id = ?`

	var conv store.Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, q, id, tenantID).Scan(
		&conv.ID, &conv.TenantID, &conv.Title, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversationNotFound(tenantID, id)
	}
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "getting conversation %s: %w", id, err)
	}
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)

	const turnsQ = `SELECT id, conversation_id, role, text, cited_chunk_ids, metadata, created_at
FROM turns WHERE conversation_id = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, turnsQ, id)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "loading turns for conversation %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	conv.Turns, err = scanTurns(rows)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *ConversationStore) ListConversations(ctx context.Context, tenantID string, opts store.ListOpts) ([]*store.Conversation, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	const q = `SELECT id, tenant_id, title, created_at, updated_at
FROM conversations WHERE tenant_id = ? ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, q, tenantID, limit, opts.Offset)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "listing conversations for tenant %s: %w", tenantID, err)
	}
	defer func() { _ = rows.Close() }()

	var convs []*store.Conversation
	for rows.Next() {
		var conv store.Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&conv.ID, &conv.TenantID, &conv.Title, &createdAt, &updatedAt); err != nil {
			return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "scanning conversation row: %w", err)
		}
		conv.CreatedAt = parseTime(createdAt)
		conv.UpdatedAt = parseTime(updatedAt)
		convs = append(convs, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "iterating conversations: %w", err)
	}
	return convs, nil
}

func (s *ConversationStore) UpdateConversationTitle(ctx context.Context, tenantID, id, title string) error {
	const q = `UPDATE conversations SET title = ? WHERE id = ? AND tenant_id = ?`

	result, err := s.db.ExecContext(ctx, q, title, id, tenantID)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "renaming conversation %s: %w", id, err)
	}
	return requireAffected(result, conversationNotFound(tenantID, id))
}

func (s *ConversationStore) DeleteConversation(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "deleting conversation %s: %w", id, err)
	}
	return requireAffected(result, conversationNotFound(tenantID, id))
}

func (s *ConversationStore) AppendTurns(ctx context.Context, tenantID string, conv *store.Conversation, turns ...*store.Turn) error {
	if conv == nil || conv.ID == "" {
		return quarryerr.New(quarryerr.CodeStoreTurnAppendInvalid, "append turns: conversation is required")
	}
	for _, turn := range turns {
		if err := turn.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "beginning tx for conversation %s: %w", conv.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	// A conversation deleted since the caller loaded it stays deleted.
	var owner string
	err = tx.QueryRowContext(ctx, `SELECT tenant_id FROM conversations WHERE id = ?`, conv.ID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return conversationNotFound(tenantID, conv.ID)
	case err != nil:
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "checking conversation %s: %w", conv.ID, err)
	case owner != tenantID:
		return conversationNotFound(tenantID, conv.ID)
	}

	if err := insertTurns(ctx, tx, conv.ID, turns); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "committing turns for conversation %s: %w", conv.ID, err)
	}
	return nil
}

// insertTurns writes turns and bumps the conversation's updated_at to the
// latest turn time.
func insertTurns(ctx context.Context, tx *sql.Tx, conversationID string, turns []*store.Turn) error {
	const insertTurn = `INSERT INTO turns (id, conversation_id, role, text, cited_chunk_ids, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	var latest string
	for _, turn := range turns {
		cited, err := json.Marshal(nonNilStrings(turn.CitedChunkIDs))
		if err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "marshalling cited chunks: %w", err)
		}
		meta, err := json.Marshal(turn.Metadata)
		if err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "marshalling turn metadata: %w", err)
		}

		created := formatTime(turn.CreatedAt)
		if _, err := tx.ExecContext(ctx, insertTurn,
			turn.ID, conversationID, string(turn.Role), turn.Text, string(cited), string(meta), created,
		); err != nil {
			if isUniqueViolation(err) {
				return quarryerr.Errorf(quarryerr.CodeStoreTurnAppendInvalid, "turn %s already appended", turn.ID)
			}
			return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "appending turn %s: %w", turn.ID, err)
		}
		turn.ConversationID = conversationID
		if created > latest {
			latest = created
		}
	}

	if latest != "" {
		const bump = `UPDATE conversations SET updated_at = ? WHERE id = ? AND updated_at < ?`
		if _, err := tx.ExecContext(ctx, bump, latest, conversationID, latest); err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "touching conversation %s: %w", conversationID, err)
		}
	}
	return nil
}

func (s *ConversationStore) RecentTurns(ctx context.Context, tenantID, conversationID string, n int) ([]*store.Turn, error) {
	if n <= 0 {
		return nil, nil
	}

	// Sub-select the N most recent, then re-order chronologically.
	const q = `SELECT id, conversation_id, role, text, cited_chunk_ids, metadata, created_at FROM (
	SELECT t.seq, t.id, t.conversation_id, t.role, t.text, t.cited_chunk_ids, t.metadata, t.created_at
	FROM turns t JOIN conversations c ON c.id = t.conversation_id
	WHERE c.id = ? AND c.tenant_id = ?
	ORDER BY t.seq DESC LIMIT ?
) ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, q, conversationID, tenantID, n)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "loading recent turns for %s: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]*store.Turn, error) {
	var turns []*store.Turn
	for rows.Next() {
		var turn store.Turn
		var cited, meta, createdAt string
		if err := rows.Scan(&turn.ID, &turn.ConversationID, &turn.Role, &turn.Text, &cited, &meta, &createdAt); err != nil {
			return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "scanning turn row: %w", err)
		}
		if cited != "" && cited != "[]" {
			if err := json.Unmarshal([]byte(cited), &turn.CitedChunkIDs); err != nil {
				return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "unmarshalling cited chunks: %w", err)
			}
		}
		if meta != "" && meta != "{}" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &turn.Metadata); err != nil {
				return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "unmarshalling turn metadata: %w", err)
			}
		}
		turn.CreatedAt = parseTime(createdAt)
		turns = append(turns, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "iterating turns: %w", err)
	}
	return turns, nil
}

func conversationNotFound(tenantID, id string) error {
	return quarryerr.New(quarryerr.CodeStoreConversationGetNotFound, "conversation "+id+" not found",
		quarryerr.FieldTenantID(tenantID), quarryerr.FieldConversationID(id))
}

func requireAffected(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "checking rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
