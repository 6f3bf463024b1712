// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarry-dev/quarry/internal/ingest"
	"github.com/quarry-dev/quarry/internal/orchestrator"
	"github.com/quarry-dev/quarry/internal/retrieval"
	"github.com/quarry-dev/quarry/internal/server"
	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
	"github.com/quarry-dev/quarry/pkg/health"
)

var created = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeChat keeps conversations in memory, keyed by tenant.
type fakeChat struct {
	mu    sync.Mutex
	convs map[string]map[string]*store.Conversation
	fail  error
	last  orchestrator.Request
}

func newFakeChat() *fakeChat {
	return &fakeChat{convs: map[string]map[string]*store.Conversation{}}
}

func (f *fakeChat) add(tenant string, c *store.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convs[tenant] == nil {
		f.convs[tenant] = map[string]*store.Conversation{}
	}
	f.convs[tenant][c.ID] = c
}

func (f *fakeChat) HandleMessage(_ context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	f.mu.Lock()
	f.last = req
	fail := f.fail
	f.mu.Unlock()

	convID := req.ConversationID
	if convID == "" {
		convID = "conv-new"
	}
	if req.OnState != nil {
		req.OnState(convID, orchestrator.StateReceived)
		req.OnState(convID, orchestrator.StateRetrieving)
	}
	if fail != nil {
		if req.OnState != nil {
			req.OnState(convID, orchestrator.StateFailed)
		}
		return nil, fail
	}
	if req.OnState != nil {
		req.OnState(convID, orchestrator.StateGenerating)
		req.OnState(convID, orchestrator.StateComplete)
	}
	return &orchestrator.Response{
		ConversationID: convID,
		Title:          req.Message,
		Answer:         "Revenue rose 10%.",
		Citations:      []retrieval.Citation{{FileID: "f1", ChunkID: "c1"}},
		RelatedFiles:   []orchestrator.RelatedFile{{FileID: "f1", Name: "q3.txt"}},
	}, nil
}

func (f *fakeChat) ListConversations(_ context.Context, tenantID string, _ store.ListOpts) ([]*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Conversation
	for _, c := range f.convs[tenantID] {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *store.Conversation) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return out, nil
}

func (f *fakeChat) GetConversation(_ context.Context, tenantID, id string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[tenantID][id]
	if !ok {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreConversationGetNotFound, "conversation %q not found", id)
	}
	return c, nil
}

func (f *fakeChat) RenameConversation(ctx context.Context, tenantID, id, title string) error {
	c, err := f.GetConversation(ctx, tenantID, id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	c.Title = title
	f.mu.Unlock()
	return nil
}

func (f *fakeChat) DeleteConversation(ctx context.Context, tenantID, id string) error {
	if _, err := f.GetConversation(ctx, tenantID, id); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.convs[tenantID], id)
	f.mu.Unlock()
	return nil
}

// fakeFiles records uploads without extracting anything.
type fakeFiles struct {
	mu      sync.Mutex
	files   map[string]map[string]*store.File
	maxSize int64
	fail    error
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{files: map[string]map[string]*store.File{}, maxSize: 1 << 20}
}

func (f *fakeFiles) Upload(_ context.Context, tenantID, filename string, _ int64, r io.Reader) (*store.File, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxSize {
		return nil, quarryerr.Errorf(quarryerr.CodeIngestFileTooLarge, "%s exceeds the maximum upload size", filename)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file := &store.File{
		ID:        "file-" + filename,
		TenantID:  tenantID,
		Name:      filename,
		Type:      store.FileTypeText,
		Size:      int64(len(data)),
		Status:    store.FileStatusIndexed,
		CreatedAt: created,
		UpdatedAt: created,
	}
	if f.fail != nil {
		file.Status = store.FileStatusFailed
		file.Error = f.fail.Error()
	} else {
		file.ChunkCount = 1
	}
	if f.files[tenantID] == nil {
		f.files[tenantID] = map[string]*store.File{}
	}
	f.files[tenantID][file.ID] = file
	return file, f.fail
}

func (f *fakeFiles) Get(_ context.Context, tenantID, fileID string) (*store.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[tenantID][fileID]
	if !ok {
		return nil, quarryerr.Errorf(quarryerr.CodeStoreFileGetNotFound, "file %q not found", fileID)
	}
	return file, nil
}

func (f *fakeFiles) List(_ context.Context, tenantID string, _ store.ListOpts) ([]*store.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.File
	for _, file := range f.files[tenantID] {
		out = append(out, file)
	}
	slices.SortFunc(out, func(a, b *store.File) int { return bytes.Compare([]byte(a.ID), []byte(b.ID)) })
	return out, nil
}

func (f *fakeFiles) Chunks(ctx context.Context, tenantID, fileID string) ([]store.Chunk, error) {
	if _, err := f.Get(ctx, tenantID, fileID); err != nil {
		return nil, err
	}
	return []store.Chunk{
		{ID: "c1", FileID: fileID, TenantID: tenantID, Text: "Quarterly revenue rose 10%.", EndOffset: 27},
		{ID: "c2", FileID: fileID, TenantID: tenantID, Text: "Net income fell.", StartOffset: 28, EndOffset: 44, SequenceIndex: 1},
	}, nil
}

func (f *fakeFiles) Delete(ctx context.Context, tenantID, fileID string) error {
	if _, err := f.Get(ctx, tenantID, fileID); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.files[tenantID], fileID)
	f.mu.Unlock()
	return nil
}

func (f *fakeFiles) Summarize(ctx context.Context, tenantID string) (ingest.Summary, error) {
	files, _ := f.List(ctx, tenantID, store.ListOpts{})
	sum := ingest.Summary{ByType: map[store.FileType]int{}}
	for _, file := range files {
		sum.TotalFiles++
		sum.TotalBytes += file.Size
		sum.TotalChunks += file.ChunkCount
		sum.ByType[file.Type]++
		switch file.Status {
		case store.FileStatusIndexed:
			sum.Indexed++
		case store.FileStatusFailed:
			sum.Failed++
		default:
			sum.Pending++
		}
	}
	return sum, nil
}

func (f *fakeFiles) MaxFileSize() int64 { return f.maxSize }

// fakeSearch returns fixed results for tenant T.
type fakeSearch struct {
	mu   sync.Mutex
	last retrieval.Params
	fail error
}

func (f *fakeSearch) Retrieve(_ context.Context, tenantID, _ string, p retrieval.Params) ([]store.RetrievalResult, error) {
	f.mu.Lock()
	f.last = p
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	if tenantID != "T" {
		return nil, nil
	}
	results := []store.RetrievalResult{
		{ChunkID: "c1", FileID: "f1", Text: "Quarterly revenue rose 10%.", Score: 0.91},
		{ChunkID: "c2", FileID: "f1", Text: "Net income fell.", Score: 0.42},
	}
	if p.TopK < len(results) {
		results = results[:p.TopK]
	}
	return results, nil
}

func (f *fakeSearch) Defaults() retrieval.Params {
	return retrieval.Params{TopK: 5, MinSimilarity: 0.3}
}

type fakeStatus struct{}

func (fakeStatus) Providers(context.Context) []server.ProviderHealth {
	return []server.ProviderHealth{
		{Provider: "anthropic", Available: true, Health: &health.Metrics{Available: true}},
		{Provider: "openai", Available: false, Message: "cooling down", Health: &health.Metrics{FailureCount: 3}},
	}
}

func (fakeStatus) IndexSize(tenantID string) int {
	if tenantID == "T" {
		return 42
	}
	return 0
}

type testEnv struct {
	srv    *server.Server
	chat   *fakeChat
	files  *fakeFiles
	search *fakeSearch
}

func newTestEnv(t *testing.T, mutate ...func(*server.Config)) *testEnv {
	t.Helper()
	e := &testEnv{chat: newFakeChat(), files: newFakeFiles(), search: &fakeSearch{}}
	svc, err := server.NewServices(e.chat, e.files, e.search, fakeStatus{})
	require.NoError(t, err)

	cfg := server.Config{ListenAddr: "127.0.0.1:0", Services: svc}
	for _, m := range mutate {
		m(&cfg)
	}
	e.srv, err = server.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.srv.Close() })
	return e
}

// do sends a request as tenant (dev mode) and returns the recorder.
func (e *testEnv) do(t *testing.T, tenant, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set(server.TenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type problem struct {
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Errors []struct {
		Location string `json:"location"`
		Value    any    `json:"value"`
	} `json:"errors"`
}

func (p problem) code() string {
	for _, e := range p.Errors {
		if e.Location == "code" {
			s, _ := e.Value.(string)
			return s
		}
	}
	return ""
}
