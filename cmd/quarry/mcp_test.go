// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/mcp"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func TestMCPCommand_HTTPShutsDown(t *testing.T) {
	isolate(t)
	cfgPath, _ := writeTestConfig(t, "")

	ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
	defer cancel()

	root := NewRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--config", cfgPath, "mcp", "--tenant", "acme", "--http", "127.0.0.1:0"})
	require.NoError(t, root.ExecuteContext(ctx))
}

func TestMCPCommand_EmptyTenant(t *testing.T) {
	isolate(t)
	cfgPath, _ := writeTestConfig(t, "")

	_, _, err := runCLI(t, "--config", cfgPath, "mcp", "--tenant", "")
	require.Error(t, err)
	assert.True(t, quarryerr.HasCode(err, quarryerr.CodeMCPConfigInvalid))
}

func TestVersionSetsMCPVersion(t *testing.T) {
	assert.Equal(t, version, mcp.Version)
}
