// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

const filesURI = "quarry://files"

// maxListedFiles bounds the files resource.
const maxListedFiles = 500

type fileInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Size       int64     `json:"size"`
	ChunkCount int       `json:"chunk_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Server) registerResources() {
	if s.ports.Files == nil {
		return
	}
	s.server.AddResource(&mcp.Resource{
		URI:         filesURI,
		Name:        "files",
		Description: "Files indexed for this tenant",
		MIMEType:    "application/json",
	}, s.handleFilesResource)
}

func (s *Server) handleFilesResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	files, err := s.ports.Files.List(ctx, s.tenantID, store.ListOpts{Limit: maxListedFiles})
	if err != nil {
		return nil, err
	}
	infos := make([]fileInfo, len(files))
	for i, f := range files {
		infos[i] = fileInfo{
			ID:         f.ID,
			Name:       f.Name,
			Type:       string(f.Type),
			Status:     string(f.Status),
			Size:       f.Size,
			ChunkCount: f.ChunkCount,
			UpdatedAt:  f.UpdatedAt,
		}
	}
	data, err := json.Marshal(infos)
	if err != nil {
		return nil, quarryerr.Wrap(err, quarryerr.CodeMCPServeFailure, "encoding files")
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
