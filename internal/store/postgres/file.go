// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

var (
	_ store.FileStore  = (*FileStore)(nil)
	_ store.ChunkStore = (*FileStore)(nil)
)

// FileStore implements store.FileStore and store.ChunkStore on PostgreSQL.
type FileStore struct {
	pool *pgxpool.Pool
}

const fileColumns = `id, tenant_id, name, type, size, status, chunk_count, error, created_at, updated_at`

func (s *FileStore) CreateFile(ctx context.Context, file *store.File) error {
	if err := file.Validate(); err != nil {
		return err
	}
	updated := file.UpdatedAt
	if updated.IsZero() {
		updated = file.CreatedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO files (`+fileColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		file.ID, file.TenantID, file.Name, string(file.Type), file.Size, string(file.Status),
		file.ChunkCount, file.Error, file.CreatedAt.UTC(), updated.UTC())
	if isUniqueViolation(err) {
		return quarryerr.New(quarryerr.CodeStoreFileConflict, "file "+file.ID+" already exists", quarryerr.FieldFileID(file.ID))
	}
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "creating file %s: %w", file.ID, err)
	}
	return nil
}

func (s *FileStore) GetFile(ctx context.Context, tenantID, id string) (*store.File, error) {
	file, err := scanFile(s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if isNoRows(err) {
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

	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM files WHERE tenant_id = $1 ORDER BY created_at DESC, id ASC LIMIT $2 OFFSET $3`,
		tenantID, limit, opts.Offset)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "listing files for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

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
	updated := file.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE files SET name = $1, type = $2, size = $3, status = $4, chunk_count = $5, error = $6, updated_at = $7
		 WHERE id = $8 AND tenant_id = $9`,
		file.Name, string(file.Type), file.Size, string(file.Status), file.ChunkCount, file.Error,
		updated.UTC(), file.ID, file.TenantID)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "updating file %s: %w", file.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fileNotFound(file.TenantID, file.ID)
	}
	return nil
}

func (s *FileStore) DeleteFile(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM files WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "deleting file %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fileNotFound(tenantID, id)
	}
	return nil
}

func scanFile(row pgx.Row) (*store.File, error) {
	var file store.File
	var fileType, status string
	if err := row.Scan(
		&file.ID, &file.TenantID, &file.Name, &fileType, &file.Size, &status,
		&file.ChunkCount, &file.Error, &file.CreatedAt, &file.UpdatedAt,
	); err != nil {
		return nil, err
	}
	file.Type = store.FileType(fileType)
	file.Status = store.FileStatus(status)
	return &file, nil
}

func fileNotFound(tenantID, id string) error {
	return quarryerr.New(quarryerr.CodeStoreFileGetNotFound, "file "+id+" not found",
		quarryerr.FieldTenantID(tenantID), quarryerr.FieldFileID(id))
}

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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "beginning tx for chunks of %s: %w", fileID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE tenant_id = $1 AND file_id = $2`, tenantID, fileID); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "clearing chunks of %s: %w", fileID, err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO chunks (id, tenant_id, file_id, text, start_offset, end_offset, sequence_index)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (tenant_id, id) DO UPDATE SET file_id = EXCLUDED.file_id, text = EXCLUDED.text,
			   start_offset = EXCLUDED.start_offset, end_offset = EXCLUDED.end_offset, sequence_index = EXCLUDED.sequence_index`,
			c.ID, tenantID, fileID, c.Text, c.StartOffset, c.EndOffset, c.SequenceIndex)
	}
	br := tx.SendBatch(ctx, batch)
	for i := range chunks {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "inserting chunk %s: %w", chunks[i].ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "closing chunk batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "committing chunks of %s: %w", fileID, err)
	}
	return nil
}

func (s *FileStore) ListChunksByFile(ctx context.Context, tenantID, fileID string) ([]store.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, file_id, text, start_offset, end_offset, sequence_index
		 FROM chunks WHERE tenant_id = $1 AND file_id = $2 ORDER BY sequence_index ASC`,
		tenantID, fileID)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "listing chunks of %s: %w", fileID, err)
	}
	defer rows.Close()

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
	rows, err := s.pool.Query(ctx,
		`WITH removed AS (
			DELETE FROM chunks WHERE tenant_id = $1 AND file_id = $2 RETURNING id, sequence_index
		) SELECT id FROM removed ORDER BY sequence_index`,
		tenantID, fileID)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "deleting chunks of %s: %w", fileID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "collecting deleted chunk ids: %w", err)
	}
	return ids, nil
}
