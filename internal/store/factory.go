// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package store

import (
	"errors"
	"io"
	"sync"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// DefaultVectorDimensions matches the default hashing embedder.
const DefaultVectorDimensions = 384

// Stores groups every store a backend provides. Close releases all of them.
type Stores struct {
	Conversations ConversationStore
	Chunks        ChunkStore
	Files         FileStore
	Vectors       VectorStore

	closers []io.Closer
}

// NewStores assembles a Stores value. Backend packages pass the resources
// that must be released on Close (connection pools, database handles).
func NewStores(conv ConversationStore, chunks ChunkStore, files FileStore, vectors VectorStore, closers ...io.Closer) *Stores {
	return &Stores{
		Conversations: conv,
		Chunks:        chunks,
		Files:         files,
		Vectors:       vectors,
		closers:       closers,
	}
}

// Close closes the vector store and then every registered closer.
func (s *Stores) Close() error {
	var errs []error
	if s.Vectors != nil {
		if err := s.Vectors.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BackendFactory opens all stores for a backend.
type BackendFactory func(cfg StorageConfig) (*Stores, error)

var (
	factories   = map[string]BackendFactory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a factory for a named storage backend.
// Backend packages call this from init(). This function is goroutine-safe.
func RegisterBackend(name string, factory BackendFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Backends lists registered backend names.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}

func resolveBackend(cfg *StorageConfig) string {
	if cfg.Backend == "" {
		return "sqlite"
	}
	return cfg.Backend
}

// Open creates all stores for the configured backend.
func Open(cfg *StorageConfig) (*Stores, error) {
	backend := resolveBackend(cfg)

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreBackendUnsupported, "unsupported storage backend: %q", backend)
	}

	resolved := *cfg
	resolved.Backend = backend
	if resolved.VectorDimensions <= 0 {
		resolved.VectorDimensions = DefaultVectorDimensions
	}

	return factory(resolved)
}
