// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package server

import (
	"context"
	"io"

	"github.com/quarry-dev/quarry/internal/ingest"
	"github.com/quarry-dev/quarry/internal/orchestrator"
	"github.com/quarry-dev/quarry/internal/retrieval"
	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
	"github.com/quarry-dev/quarry/pkg/health"
)

// ChatService answers messages and manages conversations.
type ChatService interface {
	HandleMessage(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
	ListConversations(ctx context.Context, tenantID string, opts store.ListOpts) ([]*store.Conversation, error)
	GetConversation(ctx context.Context, tenantID, id string) (*store.Conversation, error)
	RenameConversation(ctx context.Context, tenantID, id, title string) error
	DeleteConversation(ctx context.Context, tenantID, id string) error
}

// FileService manages a tenant's documents.
type FileService interface {
	Upload(ctx context.Context, tenantID, filename string, size int64, r io.Reader) (*store.File, error)
	Get(ctx context.Context, tenantID, fileID string) (*store.File, error)
	List(ctx context.Context, tenantID string, opts store.ListOpts) ([]*store.File, error)
	Chunks(ctx context.Context, tenantID, fileID string) ([]store.Chunk, error)
	Delete(ctx context.Context, tenantID, fileID string) error
	Summarize(ctx context.Context, tenantID string) (ingest.Summary, error)
	MaxFileSize() int64
}

// SearchService runs raw retrieval without generation.
type SearchService interface {
	Retrieve(ctx context.Context, tenantID, query string, p retrieval.Params) ([]store.RetrievalResult, error)
	Defaults() retrieval.Params
}

// ProviderHealth is one generation provider's state.
type ProviderHealth struct {
	Provider  string          `json:"provider"`
	Available bool            `json:"available"`
	Message   string          `json:"message,omitempty"`
	Health    *health.Metrics `json:"health,omitempty"`
}

// StatusService reports readiness details.
type StatusService interface {
	Providers(ctx context.Context) []ProviderHealth
	IndexSize(tenantID string) int
}

// Services holds dependencies injected into route handlers.
// Each field is an interface so subsystems can be mocked in tests.
type Services struct {
	chat   ChatService
	files  FileService
	search SearchService
	status StatusService // optional
}

// NewServices creates a Services instance. status may be nil.
func NewServices(chat ChatService, files FileService, search SearchService, status StatusService) (*Services, error) {
	if chat == nil {
		return nil, quarryerr.New(quarryerr.CodeServerConfigInvalid, "chat service is required")
	}
	if files == nil {
		return nil, quarryerr.New(quarryerr.CodeServerConfigInvalid, "file service is required")
	}
	if search == nil {
		return nil, quarryerr.New(quarryerr.CodeServerConfigInvalid, "search service is required")
	}
	return &Services{chat: chat, files: files, search: search, status: status}, nil
}

func (s *Services) Chat() ChatService     { return s.chat }
func (s *Services) Files() FileService    { return s.files }
func (s *Services) Search() SearchService { return s.search }
func (s *Services) Status() StatusService { return s.status }
