// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package sqlite

import (
	"os"
	"path/filepath"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func init() {
	store.RegisterBackend("sqlite", openStores)
}

// openStores opens quarry.db (conversations, files, chunks) and vectors.db
// under cfg.DataDir.
func openStores(cfg store.StorageConfig) (*store.Stores, error) {
	if cfg.DataDir == "" {
		return nil, quarryerr.New(quarryerr.CodeStoreInvalidInput, "sqlite backend requires a data directory")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreDatabaseFailure, "creating data dir %s: %w", cfg.DataDir, err)
	}

	// quarry.db is shared between the conversation and file stores.
	db, err := openDB(filepath.Join(cfg.DataDir, "quarry.db"))
	if err != nil {
		return nil, err
	}

	conv, err := NewConversationStoreWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	files, err := NewFileStoreWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	vs, err := NewVectorStore(filepath.Join(cfg.DataDir, "vectors.db"), cfg.VectorDimensions)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return store.NewStores(conv, files, files, vs, db), nil
}
