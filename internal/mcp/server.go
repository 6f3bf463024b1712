// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package mcp exposes a tenant's documents to MCP clients: passage search,
// question answering and the file list.
package mcp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quarry-dev/quarry/internal/orchestrator"
	"github.com/quarry-dev/quarry/internal/retrieval"
	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Version is the MCP server version.
var Version = "0.1.0"

// Searcher runs raw retrieval.
type Searcher interface {
	Retrieve(ctx context.Context, tenantID, query string, p retrieval.Params) ([]store.RetrievalResult, error)
	Defaults() retrieval.Params
}

// Asker answers questions.
type Asker interface {
	HandleMessage(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
}

// FileLister lists a tenant's files.
type FileLister interface {
	List(ctx context.Context, tenantID string, opts store.ListOpts) ([]*store.File, error)
}

// Ports aggregates what the MCP server calls into.
type Ports struct {
	Search Searcher
	// Chat and Files are optional; their tools are not registered when nil.
	Chat  Asker
	Files FileLister
}

// Validate ensures the required ports are set.
func (p *Ports) Validate() error {
	if p == nil || p.Search == nil {
		return quarryerr.New(quarryerr.CodeMCPConfigInvalid, "mcp: search service is required")
	}
	return nil
}

// Server serves one tenant over MCP. The tenant is fixed at start-up since
// MCP sessions carry no caller identity.
type Server struct {
	tenantID string
	ports    *Ports
	server   *mcp.Server
}

// NewServer creates an MCP server bound to tenantID.
func NewServer(tenantID string, ports *Ports) (*Server, error) {
	if tenantID == "" {
		return nil, quarryerr.New(quarryerr.CodeMCPConfigInvalid, "mcp: tenant id is required")
	}
	if err := ports.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		tenantID: tenantID,
		ports:    ports,
		server:   mcp.NewServer(&mcp.Implementation{Name: "quarry", Version: Version}, nil),
	}
	s.registerTools()
	s.registerResources()
	return s, nil
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server { return s.server }

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return quarryerr.Wrap(err, quarryerr.CodeMCPServeFailure, "serving mcp over stdio")
	}
	return nil
}

// RunHTTP serves the streamable HTTP transport on addr until ctx is cancelled.
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return quarryerr.Wrap(err, quarryerr.CodeMCPServeFailure, "serving mcp over http")
	}
	return nil
}
