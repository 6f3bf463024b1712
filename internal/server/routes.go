// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/quarry-dev/quarry/internal/ingest"
	"github.com/quarry-dev/quarry/internal/orchestrator"
	"github.com/quarry-dev/quarry/internal/store"
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, func(_ context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Provider health and index size",
		Tags:        []string{"system"},
	}, s.handleStatus)

	// Chat
	huma.Register(s.api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/api/v1/chat",
		Summary:     "Ask a question about the tenant's documents",
		Tags:        []string{"chat"},
	}, s.handleChat)

	// Conversations
	huma.Register(s.api, huma.Operation{
		OperationID: "list-conversations",
		Method:      http.MethodGet,
		Path:        "/api/v1/conversations",
		Summary:     "List conversations, most recently updated first",
		Tags:        []string{"conversations"},
	}, s.handleListConversations)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-conversation",
		Method:      http.MethodGet,
		Path:        "/api/v1/conversations/{id}",
		Summary:     "Get a conversation with its turns",
		Tags:        []string{"conversations"},
	}, s.handleGetConversation)

	huma.Register(s.api, huma.Operation{
		OperationID:   "rename-conversation",
		Method:        http.MethodPut,
		Path:          "/api/v1/conversations/{id}",
		Summary:       "Rename a conversation",
		Tags:          []string{"conversations"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleRenameConversation)

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-conversation",
		Method:        http.MethodDelete,
		Path:          "/api/v1/conversations/{id}",
		Summary:       "Delete a conversation",
		Tags:          []string{"conversations"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleDeleteConversation)

	// Search
	huma.Register(s.api, huma.Operation{
		OperationID: "search-documents",
		Method:      http.MethodPost,
		Path:        "/api/v1/search",
		Summary:     "Retrieve matching passages without generating an answer",
		Tags:        []string{"search"},
	}, s.handleSearch)

	// Files (upload is registered separately)
	huma.Register(s.api, huma.Operation{
		OperationID: "list-files",
		Method:      http.MethodGet,
		Path:        "/api/v1/files",
		Summary:     "List files",
		Tags:        []string{"files"},
	}, s.handleListFiles)

	huma.Register(s.api, huma.Operation{
		OperationID: "files-summary",
		Method:      http.MethodGet,
		Path:        "/api/v1/files/summary",
		Summary:     "Counts and sizes of the tenant's files",
		Tags:        []string{"files"},
	}, s.handleFilesSummary)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-file",
		Method:      http.MethodGet,
		Path:        "/api/v1/files/{id}",
		Summary:     "Get a file",
		Tags:        []string{"files"},
	}, s.handleGetFile)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-file-chunks",
		Method:      http.MethodGet,
		Path:        "/api/v1/files/{id}/chunks",
		Summary:     "List a file's chunks in order",
		Tags:        []string{"files"},
	}, s.handleFileChunks)

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-file",
		Method:        http.MethodDelete,
		Path:          "/api/v1/files/{id}",
		Summary:       "Delete a file and its indexed chunks",
		Tags:          []string{"files"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleDeleteFile)
}

// --- Views ---

// ConversationSummary is a conversation without its turns.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TurnView is one message of a conversation.
type TurnView struct {
	ID            string            `json:"id"`
	Role          string            `json:"role" enum:"user,assistant"`
	Text          string            `json:"text"`
	CitedChunkIDs []string          `json:"cited_chunk_ids,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ConversationDetail is a conversation with its turns, oldest first.
type ConversationDetail struct {
	ConversationSummary
	Turns []TurnView `json:"turns"`
}

// FileView is a file record.
type FileView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type" enum:"text,pdf,image,document"`
	Size       int64     `json:"size"`
	Status     string    `json:"status" enum:"pending,indexed,failed"`
	ChunkCount int       `json:"chunk_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChunkView is one chunk of a file.
type ChunkView struct {
	ID            string `json:"id"`
	SequenceIndex int    `json:"sequence_index"`
	StartOffset   int    `json:"start_offset"`
	EndOffset     int    `json:"end_offset"`
	Text          string `json:"text"`
}

// SearchHit is one retrieved passage.
type SearchHit struct {
	ChunkID string  `json:"chunk_id"`
	FileID  string  `json:"file_id"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

func summaryView(c *store.Conversation) ConversationSummary {
	return ConversationSummary{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

func fileView(f *store.File) FileView {
	return FileView{
		ID:         f.ID,
		Name:       f.Name,
		Type:       string(f.Type),
		Size:       f.Size,
		Status:     string(f.Status),
		ChunkCount: f.ChunkCount,
		Error:      f.Error,
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
	}
}

// --- Request/Response types for huma ---

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok" doc:"Health status"`
	}
}

type statusOutput struct {
	Body struct {
		Status    string           `json:"status" example:"ok"`
		TenantID  string           `json:"tenant_id"`
		IndexSize int              `json:"index_size" doc:"Indexed chunks of the caller's tenant"`
		Providers []ProviderHealth `json:"providers"`
	}
}

// ChatRequestBody is the body of a chat message.
type ChatRequestBody struct {
	ConversationID string   `json:"conversation_id,omitempty" doc:"Conversation to continue; omit to start one"`
	Message        string   `json:"message" minLength:"1" maxLength:"32000" doc:"The question"`
	TopK           int      `json:"top_k,omitempty" minimum:"1" maximum:"100" doc:"Passages to retrieve"`
	MinSimilarity  *float64 `json:"min_similarity,omitempty" minimum:"-1" maximum:"1" doc:"Minimum cosine similarity"`
}

func (b ChatRequestBody) request(tenantID string) orchestrator.Request {
	return orchestrator.Request{
		TenantID:       tenantID,
		ConversationID: b.ConversationID,
		Message:        b.Message,
		TopK:           b.TopK,
		MinSimilarity:  b.MinSimilarity,
	}
}

type chatInput struct {
	Body ChatRequestBody
}

type chatOutput struct {
	Body orchestrator.Response
}

type listInput struct {
	Limit  int `query:"limit" minimum:"0" maximum:"200" doc:"Page size"`
	Offset int `query:"offset" minimum:"0"`
}

type listConversationsOutput struct {
	Body struct {
		Conversations []ConversationSummary `json:"conversations"`
	}
}

type idInput struct {
	ID string `path:"id"`
}

type getConversationOutput struct {
	Body ConversationDetail
}

type renameInput struct {
	ID   string `path:"id"`
	Body struct {
		Title string `json:"title" minLength:"1" maxLength:"200"`
	}
}

type searchInput struct {
	Body struct {
		Query         string   `json:"query" minLength:"1" maxLength:"32000"`
		K             int      `json:"k,omitempty" minimum:"1" maximum:"100" doc:"Results to return; defaults to the configured top_k"`
		MinSimilarity *float64 `json:"min_similarity,omitempty" minimum:"-1" maximum:"1"`
	}
}

type searchOutput struct {
	Body struct {
		Results []SearchHit `json:"results"`
	}
}

type listFilesOutput struct {
	Body struct {
		Files []FileView `json:"files"`
	}
}

type fileOutput struct {
	Body FileView
}

type fileChunksOutput struct {
	Body struct {
		Chunks []ChunkView `json:"chunks"`
	}
}

type filesSummaryOutput struct {
	Body ingest.Summary
}

// --- Handlers ---

// tenantID returns the authenticated tenant. The auth middleware guarantees
// one on every /api/ route.
func tenantID(ctx context.Context) (string, error) {
	t := TenantFromContext(ctx)
	if t == nil || t.ID == "" {
		return "", huma.Error401Unauthorized("not authenticated")
	}
	return t.ID, nil
}

func (s *Server) handleStatus(ctx context.Context, _ *struct{}) (*statusOutput, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	out := &statusOutput{}
	out.Body.Status = "ok"
	out.Body.TenantID = tenant
	out.Body.Providers = []ProviderHealth{}
	if st := s.services.Status(); st != nil {
		out.Body.IndexSize = st.IndexSize(tenant)
		if p := st.Providers(ctx); p != nil {
			out.Body.Providers = p
		}
	}
	return out, nil
}

func (s *Server) handleChat(ctx context.Context, input *chatInput) (*chatOutput, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.checkChatLimit(ctx, "chat"); err != nil {
		return nil, err
	}
	resp, err := s.services.Chat().HandleMessage(ctx, input.Body.request(tenant))
	if err != nil {
		return nil, apiError(ctx, "chat", err)
	}
	return &chatOutput{Body: *resp}, nil
}

func (s *Server) handleListConversations(ctx context.Context, input *listInput) (*listConversationsOutput, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	convs, err := s.services.Chat().ListConversations(ctx, tenant, store.ListOpts{Limit: input.Limit, Offset: input.Offset})
	if err != nil {
		return nil, apiError(ctx, "list conversations", err)
	}
	out := &listConversationsOutput{}
	out.Body.Conversations = make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out.Body.Conversations = append(out.Body.Conversations, summaryView(c))
	}
	return out, nil
}

func (s *Server) handleGetConversation(ctx context.Context, input *idInput) (*getConversationOutput, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.services.Chat().GetConversation(ctx, tenant, input.ID)
	if err != nil {
		return nil, apiError(ctx, "get conversation", err)
	}
	detail := ConversationDetail{ConversationSummary: summaryView(c), Turns: make([]TurnView, 0, len(c.Turns))}
	for _, t := range c.Turns {
		detail.Turns = append(detail.Turns, TurnView{
			ID:            t.ID,
			Role:          string(t.Role),
			Text:          t.Text,
			CitedChunkIDs: t.CitedChunkIDs,
			Metadata:      t.Metadata,
			CreatedAt:     t.CreatedAt,
		})
	}
	return &getConversationOutput{Body: detail}, nil
}

func (s *Server) handleRenameConversation(ctx context.Context, input *renameInput) (*struct{}, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.services.Chat().RenameConversation(ctx, tenant, input.ID, input.Body.Title); err != nil {
		return nil, apiError(ctx, "rename conversation", err)
	}
	return nil, nil
}

func (s *Server) handleDeleteConversation(ctx context.Context, input *idInput) (*struct{}, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.services.Chat().DeleteConversation(ctx, tenant, input.ID); err != nil {
		return nil, apiError(ctx, "delete conversation", err)
	}
	return nil, nil
}

func (s *Server) handleSearch(ctx context.Context, input *searchInput) (*searchOutput, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	search := s.services.Search()
	p := search.Defaults()
	if input.Body.K > 0 {
		p.TopK = input.Body.K
	}
	if input.Body.MinSimilarity != nil {
		p.MinSimilarity = *input.Body.MinSimilarity
	}
	results, err := search.Retrieve(ctx, tenant, input.Body.Query, p)
	if err != nil {
		return nil, apiError(ctx, "search", err)
	}
	out := &searchOutput{}
	out.Body.Results = make([]SearchHit, 0, len(results))
	for _, r := range results {
		out.Body.Results = append(out.Body.Results, SearchHit{ChunkID: r.ChunkID, FileID: r.FileID, Text: r.Text, Score: r.Score})
	}
	return out, nil
}

func (s *Server) handleListFiles(ctx context.Context, input *listInput) (*listFilesOutput, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	files, err := s.services.Files().List(ctx, tenant, store.ListOpts{Limit: input.Limit, Offset: input.Offset})
	if err != nil {
		return nil, apiError(ctx, "list files", err)
	}
	out := &listFilesOutput{}
	out.Body.Files = make([]FileView, 0, len(files))
	for _, f := range files {
		out.Body.Files = append(out.Body.Files, fileView(f))
	}
	return out, nil
}

func (s *Server) handleFilesSummary(ctx context.Context, _ *struct{}) (*filesSummaryOutput, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	sum, err := s.services.Files().Summarize(ctx, tenant)
	if err != nil {
		return nil, apiError(ctx, "files summary", err)
	}
	return &filesSummaryOutput{Body: sum}, nil
}

func (s *Server) handleGetFile(ctx context.Context, input *idInput) (*fileOutput, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	f, err := s.services.Files().Get(ctx, tenant, input.ID)
	if err != nil {
		return nil, apiError(ctx, "get file", err)
	}
	return &fileOutput{Body: fileView(f)}, nil
}

func (s *Server) handleFileChunks(ctx context.Context, input *idInput) (*fileChunksOutput, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	chunks, err := s.services.Files().Chunks(ctx, tenant, input.ID)
	if err != nil {
		return nil, apiError(ctx, "list chunks", err)
	}
	out := &fileChunksOutput{}
	out.Body.Chunks = make([]ChunkView, 0, len(chunks))
	for _, c := range chunks {
		out.Body.Chunks = append(out.Body.Chunks, ChunkView{
			ID:            c.ID,
			SequenceIndex: c.SequenceIndex,
			StartOffset:   c.StartOffset,
			EndOffset:     c.EndOffset,
			Text:          c.Text,
		})
	}
	return out, nil
}

func (s *Server) handleDeleteFile(ctx context.Context, input *idInput) (*struct{}, error) {
	tenant, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.services.Files().Delete(ctx, tenant, input.ID); err != nil {
		return nil, apiError(ctx, "delete file", err)
	}
	return nil, nil
}
