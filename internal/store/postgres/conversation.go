// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

var _ store.ConversationStore = (*ConversationStore)(nil)

// ConversationStore implements store.ConversationStore on PostgreSQL.
type ConversationStore struct {
	pool *pgxpool.Pool
}

// execer is satisfied by *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *ConversationStore) CreateConversation(ctx context.Context, conv *store.Conversation, turns ...*store.Turn) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	if len(turns) == 0 {
		return insertConversation(ctx, s.pool, conv)
	}
	for _, turn := range turns {
		if err := turn.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "beginning tx for conversation %s: %w", conv.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertConversation(ctx, tx, conv); err != nil {
		return err
	}
	if err := insertTurns(ctx, tx, conv.ID, turns); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "committing conversation %s: %w", conv.ID, err)
	}
	return nil
}

func insertConversation(ctx context.Context, ex execer, conv *store.Conversation) error {
	updated := conv.UpdatedAt
	if updated.IsZero() {
		updated = conv.CreatedAt
	}
	_, err := ex.Exec(ctx,
		`INSERT INTO conversations (id, tenant_id, title, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		conv.ID, conv.TenantID, conv.Title, conv.CreatedAt.UTC(), updated.UTC(),
	)
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
	var conv store.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, title, created_at, updated_at FROM conversations WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	).Scan(&conv.ID, &conv.TenantID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if isNoRows(err) {
		return nil, conversationNotFound(tenantID, id)
	}
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "getting conversation %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, text, cited_chunk_ids, metadata, created_at
		 FROM turns WHERE conversation_id = $1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "loading turns for conversation %s: %w", id, err)
	}
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

	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, title, created_at, updated_at FROM conversations
		 WHERE tenant_id = $1 ORDER BY updated_at DESC, id ASC LIMIT $2 OFFSET $3`,
		tenantID, limit, opts.Offset)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "listing conversations for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var convs []*store.Conversation
	for rows.Next() {
		var conv store.Conversation
		if err := rows.Scan(&conv.ID, &conv.TenantID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "scanning conversation row: %w", err)
		}
		convs = append(convs, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "iterating conversations: %w", err)
	}
	return convs, nil
}

func (s *ConversationStore) UpdateConversationTitle(ctx context.Context, tenantID, id, title string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET title = $1 WHERE id = $2 AND tenant_id = $3`, title, id, tenantID)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "renaming conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return conversationNotFound(tenantID, id)
	}
	return nil
}

func (s *ConversationStore) DeleteConversation(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "deleting conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return conversationNotFound(tenantID, id)
	}
	return nil
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "beginning tx for conversation %s: %w", conv.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock serialises concurrent appenders on the same conversation. A
	// conversation deleted since the caller loaded it stays deleted.
	var owner string
	err = tx.QueryRow(ctx, `SELECT tenant_id FROM conversations WHERE id = $1 FOR UPDATE`, conv.ID).Scan(&owner)
	switch {
	case isNoRows(err):
		return conversationNotFound(tenantID, conv.ID)
	case err != nil:
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "checking conversation %s: %w", conv.ID, err)
	case owner != tenantID:
		return conversationNotFound(tenantID, conv.ID)
	}

	if err := insertTurns(ctx, tx, conv.ID, turns); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "committing turns for conversation %s: %w", conv.ID, err)
	}
	return nil
}

func insertTurns(ctx context.Context, tx pgx.Tx, conversationID string, turns []*store.Turn) error {
	for _, turn := range turns {
		meta, err := json.Marshal(nonNilMap(turn.Metadata))
		if err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "marshalling turn metadata: %w", err)
		}
		cited := turn.CitedChunkIDs
		if cited == nil {
			cited = []string{}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO turns (id, conversation_id, role, text, cited_chunk_ids, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			turn.ID, conversationID, string(turn.Role), turn.Text, cited, string(meta), turn.CreatedAt.UTC())
		if isUniqueViolation(err) {
			return quarryerr.Errorf(quarryerr.CodeStoreTurnAppendInvalid, "turn %s already appended", turn.ID)
		}
		if err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "appending turn %s: %w", turn.ID, err)
		}
		turn.ConversationID = conversationID

		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET updated_at = $1 WHERE id = $2 AND updated_at < $1`,
			turn.CreatedAt.UTC(), conversationID); err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "touching conversation %s: %w", conversationID, err)
		}
	}
	return nil
}

func (s *ConversationStore) RecentTurns(ctx context.Context, tenantID, conversationID string, n int) ([]*store.Turn, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, text, cited_chunk_ids, metadata, created_at FROM (
			SELECT t.seq, t.id, t.conversation_id, t.role, t.text, t.cited_chunk_ids, t.metadata, t.created_at
			FROM turns t JOIN conversations c ON c.id = t.conversation_id
			WHERE c.id = $1 AND c.tenant_id = $2
			ORDER BY t.seq DESC LIMIT $3
		) recent ORDER BY seq ASC`,
		conversationID, tenantID, n)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "loading recent turns for %s: %w", conversationID, err)
	}
	return scanTurns(rows)
}

func scanTurns(rows pgx.Rows) ([]*store.Turn, error) {
	defer rows.Close()

	var turns []*store.Turn
	for rows.Next() {
		var turn store.Turn
		var role string
		var meta []byte
		if err := rows.Scan(&turn.ID, &turn.ConversationID, &role, &turn.Text, &turn.CitedChunkIDs, &meta, &turn.CreatedAt); err != nil {
			return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "scanning turn row: %w", err)
		}
		turn.Role = store.Role(role)
		if len(turn.CitedChunkIDs) == 0 {
			turn.CitedChunkIDs = nil
		}
		if len(meta) > 0 && string(meta) != "{}" {
			if err := json.Unmarshal(meta, &turn.Metadata); err != nil {
				return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "unmarshalling turn metadata: %w", err)
			}
		}
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

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
