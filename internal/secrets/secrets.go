// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package secrets keeps provider API keys and auth tokens out of config
// files. Values live in the OS keyring and config refers to them with
// keyring://service/key URIs.
package secrets

import (
	"maps"
	"slices"
	"strings"
	"sync"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// DefaultService is the keyring service quarry stores its secrets under.
const DefaultService = "quarry"

// Store holds named secrets grouped by service.
type Store interface {
	Set(service, key, value string) error
	// Get fails with CodeSecretNotFound when the key does not exist.
	Get(service, key string) (string, error)
	// Delete fails with CodeSecretNotFound when the key does not exist.
	Delete(service, key string) error
	// List returns the key names stored under service, sorted.
	List(service string) ([]string, error)
}

// ProviderKey is the key name under which a provider's API key is stored.
func ProviderKey(provider string) string {
	return strings.ToLower(provider) + "_api_key"
}

// ProviderKeyURI returns the config reference for a provider's stored key.
func ProviderKeyURI(provider string) string {
	return keyringScheme + DefaultService + "/" + ProviderKey(provider)
}

func checkRef(op, service, key string) error {
	if service == "" {
		return quarryerr.Errorf(quarryerr.CodeSecretInvalidInput, "secret %s: service must not be empty", op)
	}
	if key == "" {
		return quarryerr.Errorf(quarryerr.CodeSecretInvalidInput, "secret %s: key must not be empty", op)
	}
	return nil
}

func notFound(service, key string) error {
	return quarryerr.Errorf(quarryerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
}

// MemoryStore is an in-process Store, used when no keyring is available.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]string)}
}

func (m *MemoryStore) Set(service, key, value string) error {
	if err := checkRef("set", service, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[service] == nil {
		m.data[service] = make(map[string]string)
	}
	m.data[service][key] = value
	return nil
}

func (m *MemoryStore) Get(service, key string) (string, error) {
	if err := checkRef("get", service, key); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[service][key]
	if !ok {
		return "", notFound(service, key)
	}
	return v, nil
}

func (m *MemoryStore) Delete(service, key string) error {
	if err := checkRef("delete", service, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[service][key]; !ok {
		return notFound(service, key)
	}
	delete(m.data[service], key)
	return nil
}

func (m *MemoryStore) List(service string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.data[service])), nil
}
