// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Compile-time interface checks.
var (
	_ store.FileStore  = (*FileStore)(nil)
	_ store.ChunkStore = (*FileStore)(nil)
)

// FileStore implements store.FileStore and store.ChunkStore backed by SQLite.
type FileStore struct {
	db *sql.DB
}

// NewFileStoreWithDB migrates the files and chunks tables on an already-open
// database. The caller owns db.
func NewFileStoreWithDB(db *sql.DB) (*FileStore, error) {
	if err := migrateFiles(db); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "migrating file tables: %w", err)
	}
	return &FileStore{db: db}, nil
}

func migrateFiles(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS files (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	size        INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'pending',
	chunk_count INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_tenant ON files(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS chunks (
	id             TEXT NOT NULL,
	tenant_id      TEXT NOT NULL,
	file_id        TEXT NOT NULL,
	text           TEXT NOT NULL,
	start_offset   INTEGER NOT NULL,
	end_offset     INTEGER NOT NULL,
	sequence_index INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(tenant_id, file_id, sequence_index);
`
	_, err := db.Exec(ddl)
	return err
}

// ---------- files ----------

func (s *FileStore) CreateFile(ctx context.Context, file *store.File) error {
	if err := file.Validate(); err != nil {
		return err
	}

	const q = `INSERT INTO files (id, tenant_id, name, type, size, status, chunk_count, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	updated := file.UpdatedAt
	if updated.IsZero() {
		updated = file.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, q,
		file.ID, file.TenantID, file.Name, string(file.Type), file.Size, string(file.Status),
		file.ChunkCount, file.Error, formatTime(file.CreatedAt), formatTime(updated),
	)
	if isUniqueViolation(err) {
		return quarryerr.New(quarryerr.CodeStoreFileConflict, "file "+file.ID+" already exists",
			quarryerr.FieldFileID(file.ID))
	}
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "creating file %s: %w", file.ID, err)
	}
	return nil
}

func (s *FileStore) GetFile(ctx context.Context, tenantID, id string) (*store.File, error) {
	const q = `SELECT id, tenant_id, name, type, size, status, chunk_count, error, created_at, updated_at
FROM files WHERE id = ? AND tenant_id = ?`

	file, err := scanFile(s.db.QueryRowContext(ctx, q, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fileNotFound(tenantID, id)
	}
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "getting file %s: %w", id, err)
	}
	return file, nil
}

func (s *FileStore) ListFiles(ctx context.Context, tenantID string, opts store.ListOpts) ([]*store.File, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	const q = `SELECT id, tenant_id, name, type, size, status, chunk_count, error, created_at, updated_at
FROM files WHERE tenant_id = ? ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, q, tenantID, limit, opts.Offset)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "listing files for tenant %s: %w", tenantID, err)
	}
	defer func() { _ = rows.Close() }()

	var files []*store.File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "scanning file row: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "iterating files: %w", err)
	}
	return files, nil
}

func (s *FileStore) UpdateFile(ctx context.Context, file *store.File) error {
	if err := file.Validate(); err != nil {
		return err
	}

	const q = `UPDATE files SET name = ?, type = ?, size = ?, status = ?, chunk_count = ?, error = ?, updated_at = ?
WHERE id = ? AND tenant_id = ?`

	updated := file.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	result, err := s.db.ExecContext(ctx, q,
		file.Name, string(file.Type), file.Size, string(file.Status), file.ChunkCount, file.Error,
		formatTime(updated), file.ID, file.TenantID,
	)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "updating file %s: %w", file.ID, err)
	}
	return requireAffected(result, fileNotFound(file.TenantID, file.ID))
}

func (s *FileStore) DeleteFile(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "deleting file %s: %w", id, err)
	}
	return requireAffected(result, fileNotFound(tenantID, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*store.File, error) {
	var file store.File
	var createdAt, updatedAt string
	if err := row.Scan(
		&file.ID, &file.TenantID, &file.Name, &file.Type, &file.Size, &file.Status,
		&file.ChunkCount, &file.Error, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	file.CreatedAt = parseTime(createdAt)
	file.UpdatedAt = parseTime(updatedAt)
	return &file, nil
}

func fileNotFound(tenantID, id string) error {
	return quarryerr.New(quarryerr.CodeStoreFileGetNotFound, "file "+id+" not found",
		quarryerr.FieldTenantID(tenantID), quarryerr.FieldFileID(id))
}

// ---------- chunks ----------

// PutChunks replaces the file's chunk metadata in one transaction.
func (s *FileStore) PutChunks(ctx context.Context, tenantID, fileID string, chunks []store.Chunk) error {
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return err
		}
		if c.TenantID != tenantID || c.FileID != fileID {
			return quarryerr.Errorf(quarryerr.CodeStoreInvalidInput,
				"chunk %s does not belong to file %s of tenant %s", c.ID, fileID, tenantID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "beginning tx for chunks of %s: %w", fileID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE tenant_id = ? AND file_id = ?`, tenantID, fileID); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "clearing chunks of %s: %w", fileID, err)
	}

	const q = `INSERT INTO chunks (id, tenant_id, file_id, text, start_offset, end_offset, sequence_index)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, id) DO UPDATE SET file_id = excluded.file_id, text = excluded.text,
	start_offset = excluded.start_offset, end_offset = excluded.end_offset, sequence_index = excluded.sequence_index`
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, q, c.ID, tenantID, fileID, c.Text, c.StartOffset, c.EndOffset, c.SequenceIndex); err != nil {
			return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "inserting chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "committing chunks of %s: %w", fileID, err)
	}
	return nil
}

func (s *FileStore) ListChunksByFile(ctx context.Context, tenantID, fileID string) ([]store.Chunk, error) {
	const q = `SELECT id, tenant_id, file_id, text, start_offset, end_offset, sequence_index
FROM chunks WHERE tenant_id = ? AND file_id = ? ORDER BY sequence_index ASC`

	rows, err := s.db.QueryContext(ctx, q, tenantID, fileID)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "listing chunks of %s: %w", fileID, err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []store.Chunk
	for rows.Next() {
		var c store.Chunk
		if err := rows.Scan(&c.ID, &c.TenantID, &c.FileID, &c.Text, &c.StartOffset, &c.EndOffset, &c.SequenceIndex); err != nil {
			return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "scanning chunk row: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "iterating chunks: %w", err)
	}
	return chunks, nil
}

// DeleteChunksByFile removes the file's chunk metadata and returns the removed ids.
func (s *FileStore) DeleteChunksByFile(ctx context.Context, tenantID, fileID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "beginning tx for chunks of %s: %w", fileID, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE tenant_id = ? AND file_id = ? ORDER BY sequence_index`, tenantID, fileID)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "selecting chunks of %s: %w", fileID, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "scanning chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "iterating chunk ids: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE tenant_id = ? AND file_id = ?`, tenantID, fileID); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "deleting chunks of %s: %w", fileID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "committing chunk delete for %s: %w", fileID, err)
	}
	return ids, nil
}
