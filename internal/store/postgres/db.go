// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package postgres is the PostgreSQL storage backend. Vectors live in a
// pgvector column and native search uses the cosine distance operator.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func init() {
	store.RegisterBackend("postgres", openStores)
}

// DB wraps the shared connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and migrates the schema for the given
// embedding dimension.
func Open(ctx context.Context, databaseURL string, dimensions int) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreInvalidInput, "parsing database url: %w", err)
	}

	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "pinging database: %w", err)
	}

	if err := migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "migrating postgres schema: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS turns (
	seq             BIGSERIAL PRIMARY KEY,
	id              TEXT UNIQUE NOT NULL,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	text            TEXT NOT NULL DEFAULT '',
	cited_chunk_ids TEXT[] NOT NULL DEFAULT '{}',
	metadata        JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq);

CREATE TABLE IF NOT EXISTS files (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	size        BIGINT NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'pending',
	chunk_count INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_tenant ON files(tenant_id, created_at DESC);

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

CREATE TABLE IF NOT EXISTS chunk_vectors (
	id             BIGSERIAL PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	chunk_id       TEXT NOT NULL,
	file_id        TEXT NOT NULL,
	text           TEXT NOT NULL,
	start_offset   INTEGER NOT NULL,
	end_offset     INTEGER NOT NULL,
	sequence_index INTEGER NOT NULL,
	embedding      vector(%d) NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, chunk_id)
);
CREATE INDEX IF NOT EXISTS idx_chunk_vectors_file ON chunk_vectors(tenant_id, file_id);
`, dimensions)

	_, err := pool.Exec(ctx, ddl)
	return err
}

func openStores(cfg store.StorageConfig) (*store.Stores, error) {
	if cfg.DatabaseURL == "" {
		return nil, quarryerr.New(quarryerr.CodeStoreInvalidInput, "postgres backend requires storage.database_url")
	}

	db, err := Open(context.Background(), cfg.DatabaseURL, cfg.VectorDimensions)
	if err != nil {
		return nil, err
	}

	files := &FileStore{pool: db.pool}
	return store.NewStores(
		&ConversationStore{pool: db.pool},
		files,
		files,
		&VectorStore{pool: db.pool, dimensions: cfg.VectorDimensions},
		db,
	), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
