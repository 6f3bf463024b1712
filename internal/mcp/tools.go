// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package mcp

import (
	"context"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quarry-dev/quarry/internal/orchestrator"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

const maxK = 100

// SearchInput is the input of search_documents.
type SearchInput struct {
	Query         string   `json:"query" jsonschema:"what to look for in the documents"`
	K             int      `json:"k,omitempty" jsonschema:"number of passages to return (default: the configured top_k)"`
	MinSimilarity *float64 `json:"min_similarity,omitempty" jsonschema:"minimum cosine similarity between -1 and 1"`
}

// SearchOutput is the output of search_documents.
type SearchOutput struct {
	Results []Passage `json:"results"`
	Count   int       `json:"count"`
}

// Passage is one retrieved chunk.
type Passage struct {
	ChunkID string  `json:"chunk_id"`
	FileID  string  `json:"file_id"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

// AskInput is the input of ask.
type AskInput struct {
	Question       string `json:"question" jsonschema:"the question to answer from the documents"`
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"continue an earlier conversation"`
}

// AskOutput is the output of ask.
type AskOutput struct {
	ConversationID string   `json:"conversation_id"`
	Answer         string   `json:"answer"`
	Sources        []Source `json:"sources"`
	Degraded       bool     `json:"degraded,omitempty"`
}

// Source is a cited chunk with its file name when known.
type Source struct {
	FileID   string `json:"file_id"`
	ChunkID  string `json:"chunk_id"`
	FileName string `json:"file_name,omitempty"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search_documents",
		Description: "Find the passages of the indexed documents most similar to a query",
	}, s.handleSearch)

	if s.ports.Chat != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "ask",
			Description: "Answer a question from the indexed documents, citing the passages used",
		}, s.handleAsk)
	}
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchOutput{}, quarryerr.New(quarryerr.CodeMCPRequestInvalid, "query is required")
	}
	p := s.ports.Search.Defaults()
	if input.K > 0 {
		p.TopK = min(input.K, maxK)
	}
	if input.MinSimilarity != nil {
		p.MinSimilarity = *input.MinSimilarity
	}

	results, err := s.ports.Search.Retrieve(ctx, s.tenantID, input.Query, p)
	if err != nil {
		return nil, SearchOutput{}, err
	}
	out := SearchOutput{Results: make([]Passage, len(results)), Count: len(results)}
	for i, r := range results {
		out.Results[i] = Passage{ChunkID: r.ChunkID, FileID: r.FileID, Text: r.Text, Score: r.Score}
	}
	return nil, out, nil
}

func (s *Server) handleAsk(ctx context.Context, _ *mcp.CallToolRequest, input AskInput) (*mcp.CallToolResult, AskOutput, error) {
	if strings.TrimSpace(input.Question) == "" {
		return nil, AskOutput{}, quarryerr.New(quarryerr.CodeMCPRequestInvalid, "question is required")
	}
	resp, err := s.ports.Chat.HandleMessage(ctx, orchestrator.Request{
		TenantID:       s.tenantID,
		ConversationID: input.ConversationID,
		Message:        input.Question,
	})
	if err != nil {
		return nil, AskOutput{}, err
	}

	names := make(map[string]string, len(resp.RelatedFiles))
	for _, f := range resp.RelatedFiles {
		names[f.FileID] = f.Name
	}
	out := AskOutput{
		ConversationID: resp.ConversationID,
		Answer:         resp.Answer,
		Sources:        make([]Source, len(resp.Citations)),
		Degraded:       resp.Degraded,
	}
	for i, c := range resp.Citations {
		out.Sources[i] = Source{FileID: c.FileID, ChunkID: c.ChunkID, FileName: names[c.FileID]}
	}
	return nil, out, nil
}
