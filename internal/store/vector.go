// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package store

import "context"

// VectorStore is the durable side of the tenant index. Writes must be
// committed before the call returns.
type VectorStore interface {
	// Upsert replaces any existing records with the same (tenant, chunk) key.
	// All entries are written in a single transaction.
	Upsert(ctx context.Context, entries []IndexEntry) error
	// ReplaceFile swaps every record of the file for entries in a single
	// transaction and returns the chunk ids that existed before.
	ReplaceFile(ctx context.Context, tenantID, fileID string, entries []IndexEntry) ([]string, error)
	// DeleteByFile removes every record for the file and returns the removed chunk ids.
	DeleteByFile(ctx context.Context, tenantID, fileID string) ([]string, error)
	// Search runs the backend's own nearest-neighbour search, scoped to tenantID.
	Search(ctx context.Context, tenantID string, query []float32, k int) ([]RetrievalResult, error)
	// Load streams every stored record to fn, used to warm the in-memory index.
	Load(ctx context.Context, fn func(IndexEntry) error) error
	Close() error
}
