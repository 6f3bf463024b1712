// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package store

// StorageConfig controls which backend the store factory uses.
type StorageConfig struct {
	Backend          string // "sqlite" (default) or "postgres".
	DataDir          string // Directory for SQLite databases.
	DatabaseURL      string // Connection string for postgres.
	VectorDimensions int    // Embedding dimensions; 0 uses the default (384).
}
