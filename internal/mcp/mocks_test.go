// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package mcp

import (
	"context"

	"github.com/quarry-dev/quarry/internal/orchestrator"
	"github.com/quarry-dev/quarry/internal/retrieval"
	"github.com/quarry-dev/quarry/internal/store"
)

type mockSearch struct {
	results  []store.RetrievalResult
	err      error
	tenantID string
	params   retrieval.Params
}

func (m *mockSearch) Retrieve(_ context.Context, tenantID, _ string, p retrieval.Params) ([]store.RetrievalResult, error) {
	m.tenantID = tenantID
	m.params = p
	return m.results, m.err
}

func (m *mockSearch) Defaults() retrieval.Params {
	return retrieval.Params{TopK: 5, MinSimilarity: 0.2}
}

type mockChat struct {
	resp *orchestrator.Response
	err  error
	req  orchestrator.Request
}

func (m *mockChat) HandleMessage(_ context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	m.req = req
	return m.resp, m.err
}

type mockFiles struct {
	files []*store.File
}

func (m *mockFiles) List(_ context.Context, tenantID string, _ store.ListOpts) ([]*store.File, error) {
	var out []*store.File
	for _, f := range m.files {
		if f.TenantID == tenantID {
			out = append(out, f)
		}
	}
	return out, nil
}
