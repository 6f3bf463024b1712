// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package secrets

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

const keyringScheme = "keyring://"

// IsURI reports whether value is a keyring:// reference.
func IsURI(value string) bool {
	return strings.HasPrefix(value, keyringScheme)
}

// ParseURI splits keyring://service/key into its parts.
func ParseURI(uri string) (service, key string, err error) {
	if !IsURI(uri) {
		return "", "", quarryerr.Errorf(quarryerr.CodeSecretInvalidInput, "not a keyring URI: %q", uri)
	}
	service, key, ok := strings.Cut(strings.TrimPrefix(uri, keyringScheme), "/")
	if !ok || service == "" || key == "" {
		return "", "", quarryerr.Errorf(quarryerr.CodeSecretInvalidInput,
			"invalid keyring URI %q: expected keyring://service/key", uri)
	}
	return service, key, nil
}

// Resolve returns the secret a keyring:// value refers to. Other values are
// returned unchanged.
func Resolve(store Store, value string) (string, error) {
	if !IsURI(value) {
		return value, nil
	}
	service, key, err := ParseURI(value)
	if err != nil {
		return "", err
	}
	secret, err := store.Get(service, key)
	if err != nil {
		return "", quarryerr.Wrapf(err, quarryerr.CodeSecretResolveFailure, "resolving %q", value)
	}
	return secret, nil
}

// ResolveViper replaces every keyring:// string in v with its secret and
// returns the config keys that could not be resolved. Unresolved keys keep
// their URI so the failure surfaces where the value is used.
func ResolveViper(v *viper.Viper, store Store) []string {
	var unresolved []string
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if !IsURI(val) {
			continue
		}
		resolved, err := Resolve(store, val)
		if err != nil {
			slog.Warn("keyring reference not resolved", "config_key", key, "error", err)
			unresolved = append(unresolved, key)
			continue
		}
		v.Set(key, resolved)
	}
	return unresolved
}
