// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package sqlite_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/store"
)

// testDir creates a temp directory for a test and removes it on cleanup.
func testDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "quarry-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// testDBPath returns a temp SQLite database path.
func testDBPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(testDir(t), name+".db")
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(tenantID, fileID, chunkID string, seq int, vec []float32, createdAt time.Time) store.IndexEntry {
	return store.IndexEntry{
		Chunk: store.Chunk{
			ID:            chunkID,
			FileID:        fileID,
			TenantID:      tenantID,
			Text:          "text of " + chunkID,
			StartOffset:   seq * 10,
			EndOffset:     seq*10 + 9,
			SequenceIndex: seq,
		},
		Record: store.VectorRecord{
			ChunkID:   chunkID,
			TenantID:  tenantID,
			Embedding: vec,
			CreatedAt: createdAt,
		},
	}
}
