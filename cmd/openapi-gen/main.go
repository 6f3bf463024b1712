// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/quarry-dev/quarry/internal/ingest"
	"github.com/quarry-dev/quarry/internal/orchestrator"
	"github.com/quarry-dev/quarry/internal/retrieval"
	"github.com/quarry-dev/quarry/internal/server"
	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func main() {
	spec, err := generateSpec()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	outPath := "api/openapi/spec.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output dir: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, spec, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing spec: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OpenAPI spec written to %s\n", outPath)
}

// generateSpec creates a server with all routes registered and extracts the
// OpenAPI document huma builds from the handler types.
func generateSpec() ([]byte, error) {
	// Handlers are never invoked during spec generation.
	svc, err := server.NewServices(stubChat{}, stubFiles{}, stubSearch{}, nil)
	if err != nil {
		return nil, err
	}

	srv, err := server.New(server.Config{
		ListenAddr: "127.0.0.1:0",
		Services:   svc,
	})
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeCLISetupFailure, "creating server: %w", err)
	}

	return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
}

type stubChat struct{}

func (stubChat) HandleMessage(context.Context, orchestrator.Request) (*orchestrator.Response, error) {
	return nil, nil
}

func (stubChat) ListConversations(context.Context, string, store.ListOpts) ([]*store.Conversation, error) {
	return nil, nil
}

func (stubChat) GetConversation(context.Context, string, string) (*store.Conversation, error) {
	return nil, nil
}
func (stubChat) RenameConversation(context.Context, string, string, string) error { return nil }
func (stubChat) DeleteConversation(context.Context, string, string) error         { return nil }

type stubFiles struct{}

func (stubFiles) Upload(context.Context, string, string, int64, io.Reader) (*store.File, error) {
	return nil, nil
}
func (stubFiles) Get(context.Context, string, string) (*store.File, error) { return nil, nil }
func (stubFiles) List(context.Context, string, store.ListOpts) ([]*store.File, error) {
	return nil, nil
}

func (stubFiles) Chunks(context.Context, string, string) ([]store.Chunk, error) {
	return nil, nil
}
func (stubFiles) Delete(context.Context, string, string) error { return nil }
func (stubFiles) Summarize(context.Context, string) (ingest.Summary, error) {
	return ingest.Summary{}, nil
}
func (stubFiles) MaxFileSize() int64 { return 50 << 20 }

type stubSearch struct{}

func (stubSearch) Retrieve(context.Context, string, string, retrieval.Params) ([]store.RetrievalResult, error) {
	return nil, nil
}
func (stubSearch) Defaults() retrieval.Params { return retrieval.Params{TopK: 5} }
