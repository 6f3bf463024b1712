// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package secrets_test

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/secrets"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri         string
		wantService string
		wantKey     string
		wantErr     bool
	}{
		{uri: "keyring://quarry/openai_api_key", wantService: "quarry", wantKey: "openai_api_key"},
		{uri: "keyring://quarry/nested/key", wantService: "quarry", wantKey: "nested/key"},
		{uri: "vault://quarry/key", wantErr: true},
		{uri: "keyring://quarry/", wantErr: true},
		{uri: "keyring:///key", wantErr: true},
		{uri: "keyring://quarry", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			svc, key, err := secrets.ParseURI(tt.uri)
			if tt.wantErr {
				assert.True(t, quarryerr.HasCode(err, quarryerr.CodeSecretInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantService, svc)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestResolve(t *testing.T) {
	s := secrets.NewMemoryStore()
	require.NoError(t, s.Set("quarry", "openai_api_key", "sk-live"))

	v, err := secrets.Resolve(s, "keyring://quarry/openai_api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-live", v)

	v, err = secrets.Resolve(s, "sk-literal")
	require.NoError(t, err)
	assert.Equal(t, "sk-literal", v)

	_, err = secrets.Resolve(s, "keyring://quarry/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keyring://quarry/missing")
	assert.True(t, quarryerr.IsNotFound(err))
}

func TestResolveViper(t *testing.T) {
	s := secrets.NewMemoryStore()
	require.NoError(t, s.Set("quarry", "openai_api_key", "sk-live"))

	v := viper.New()
	v.Set("providers.openai.api_key", "keyring://quarry/openai_api_key")
	v.Set("providers.anthropic.api_key", "keyring://quarry/anthropic_api_key")
	v.Set("server.listen", ":8080")

	unresolved := secrets.ResolveViper(v, s)
	assert.Equal(t, []string{"providers.anthropic.api_key"}, unresolved)
	assert.Equal(t, "sk-live", v.GetString("providers.openai.api_key"))
	assert.Equal(t, "keyring://quarry/anthropic_api_key", v.GetString("providers.anthropic.api_key"))
	assert.Equal(t, ":8080", v.GetString("server.listen"))
}
