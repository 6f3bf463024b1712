// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package secrets

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"

	"github.com/zalando/go-keyring"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// indexKey holds a JSON list of the keys stored under a service, since the
// keyring cannot enumerate entries itself.
const indexKey = "__quarry_keys__"

// KeyringStore is a Store backed by the OS keyring (Keychain, Secret
// Service or Windows Credential Manager).
type KeyringStore struct{}

// NewKeyringStore returns a KeyringStore.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func (s *KeyringStore) Set(service, key, value string) error {
	if err := checkRef("set", service, key); err != nil {
		return err
	}
	if key == indexKey {
		return quarryerr.Errorf(quarryerr.CodeSecretInvalidInput, "secret set: %q is reserved", key)
	}
	if err := keyring.Set(service, key, value); err != nil {
		return quarryerr.Wrapf(err, quarryerr.CodeSecretStoreFailure, "storing secret %s/%s", service, key)
	}

	keys, err := s.List(service)
	if err != nil {
		return err
	}
	if slices.Contains(keys, key) {
		return nil
	}
	return s.saveIndex(service, append(keys, key))
}

func (s *KeyringStore) Get(service, key string) (string, error) {
	if err := checkRef("get", service, key); err != nil {
		return "", err
	}
	v, err := keyring.Get(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", notFound(service, key)
	}
	if err != nil {
		return "", quarryerr.Wrapf(err, quarryerr.CodeSecretStoreFailure, "reading secret %s/%s", service, key)
	}
	return v, nil
}

func (s *KeyringStore) Delete(service, key string) error {
	if err := checkRef("delete", service, key); err != nil {
		return err
	}
	err := keyring.Delete(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return notFound(service, key)
	}
	if err != nil {
		return quarryerr.Wrapf(err, quarryerr.CodeSecretStoreFailure, "deleting secret %s/%s", service, key)
	}

	keys, err := s.List(service)
	if err != nil {
		return err
	}
	return s.saveIndex(service, slices.DeleteFunc(keys, func(k string) bool { return k == key }))
}

func (s *KeyringStore) List(service string) ([]string, error) {
	raw, err := keyring.Get(service, indexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, quarryerr.Wrapf(err, quarryerr.CodeSecretStoreFailure, "reading key index of %s", service)
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, quarryerr.Wrapf(err, quarryerr.CodeSecretStoreFailure, "decoding key index of %s", service)
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *KeyringStore) saveIndex(service string, keys []string) error {
	if len(keys) == 0 {
		if err := keyring.Delete(service, indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			slog.Debug("removing empty key index", "service", service, "error", err)
		}
		return nil
	}
	slices.Sort(keys)
	data, err := json.Marshal(keys)
	if err != nil {
		return quarryerr.Wrapf(err, quarryerr.CodeSecretStoreFailure, "encoding key index of %s", service)
	}
	if err := keyring.Set(service, indexKey, string(data)); err != nil {
		return quarryerr.Wrapf(err, quarryerr.CodeSecretStoreFailure, "writing key index of %s", service)
	}
	return nil
}
