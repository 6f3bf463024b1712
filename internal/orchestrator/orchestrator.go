// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package orchestrator runs one chat message through retrieval, context
// assembly, generation and persistence, and manages conversations.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-dev/quarry/internal/provider"
	"github.com/quarry-dev/quarry/internal/retrieval"
	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Default history bounds.
const (
	DefaultHistoryTurns = 10
	DefaultHistoryChars = 12000
)

// Retriever finds the passages relevant to a message.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID, query string, p retrieval.Params) ([]store.RetrievalResult, error)
	Defaults() retrieval.Params
}

// Generator produces an answer from a system prompt, prior turns and the
// new message.
type Generator interface {
	Complete(ctx context.Context, tenantID, system string, history []provider.Message, message string) (string, error)
}

// Config tunes the orchestrator. Zero values select defaults.
type Config struct {
	MaxContextChars int
	HistoryTurns    int
	HistoryChars    int
	SystemPrompt    string
	Retry           RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = retrieval.DefaultMaxContextChars
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = DefaultHistoryTurns
	}
	if c.HistoryChars <= 0 {
		c.HistoryChars = DefaultHistoryChars
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryPolicy
	}
	return c
}

// Request is one user message.
type Request struct {
	TenantID string
	// ConversationID continues an existing conversation; empty starts one.
	ConversationID string
	Message        string
	// TopK and MinSimilarity override the retriever defaults when set.
	TopK          int
	MinSimilarity *float64
	// OnState observes this request's transitions, after any hook set with
	// WithStateHook.
	OnState StateHook
}

// RelatedFile is a file cited by an answer.
type RelatedFile struct {
	FileID string `json:"file_id"`
	Name   string `json:"name,omitempty"`
}

// Response is the outcome of a completed message.
type Response struct {
	ConversationID string               `json:"conversation_id"`
	Title          string               `json:"title"`
	Answer         string               `json:"answer"`
	Citations      []retrieval.Citation `json:"citations"`
	RelatedFiles   []RelatedFile        `json:"related_files"`
	// Degraded is set when retrieval failed and the answer was produced
	// without document context.
	Degraded bool `json:"degraded"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFiles resolves related file names through fs.
func WithFiles(fs store.FileStore) Option {
	return func(o *Orchestrator) { o.files = fs }
}

// WithStateHook registers a transition observer.
func WithStateHook(h StateHook) Option {
	return func(o *Orchestrator) { o.hook = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides uuid-based identifiers.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// Orchestrator handles chat messages. Requests run concurrently; writes to
// one conversation are serialised through its lane.
type Orchestrator struct {
	cfg       Config
	retriever Retriever
	generator Generator
	convs     store.ConversationStore
	files     store.FileStore
	lanes     *LanePool
	hook      StateHook
	now       func() time.Time
	newID     func() string
}

// New creates an Orchestrator.
func New(cfg Config, retriever Retriever, generator Generator, convs store.ConversationStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg.withDefaults(),
		retriever: retriever,
		generator: generator,
		convs:     convs,
		lanes:     NewLanePool(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close stops the conversation lanes after queued writes finish.
func (o *Orchestrator) Close() error {
	o.lanes.Close()
	return nil
}

// run tracks the state of one request.
type run struct {
	o      *Orchestrator
	req    Request
	convID string
	state  State
	start  time.Time
}

func (r *run) enter(s State) {
	r.state = s
	slog.Debug("chat state",
		"tenant_id", r.req.TenantID,
		"conversation_id", r.convID,
		"state", string(s))
	if r.o.hook != nil {
		r.o.hook(r.convID, s)
	}
	if r.req.OnState != nil {
		r.req.OnState(r.convID, s)
	}
}

func (r *run) fail(err error) error {
	from := r.state
	r.enter(StateFailed)
	slog.Warn("chat message failed",
		"tenant_id", r.req.TenantID,
		"conversation_id", r.convID,
		"stage", string(from),
		"code", quarryerr.CodeOf(err),
		"elapsed", time.Since(r.start),
		"error", err)
	return err
}

// HandleMessage answers req.Message within the tenant's conversation. On
// success both the user and assistant turns have been appended. On failure
// nothing is persisted.
func (o *Orchestrator) HandleMessage(ctx context.Context, req Request) (*Response, error) {
	r := &run{o: o, req: req, convID: req.ConversationID, start: o.now()}
	r.enter(StateReceived)

	if err := validateRequest(req); err != nil {
		return nil, r.fail(err)
	}

	conv, isNew, err := o.resolveConversation(ctx, req)
	if err != nil {
		return nil, r.fail(err)
	}
	r.convID = conv.ID

	r.enter(StateRetrieving)
	results, retrievalErr := o.retrieve(ctx, req)
	if ctx.Err() != nil {
		return nil, r.fail(ctx.Err())
	}
	degraded := retrievalErr != nil
	if degraded {
		slog.Warn("retrieval degraded, answering without document context",
			"tenant_id", req.TenantID,
			"conversation_id", conv.ID,
			"code", quarryerr.CodeOf(retrievalErr),
			"error", retrievalErr)
		results = nil
	}

	r.enter(StateAssembling)
	assembled := retrieval.Assemble(results, o.cfg.MaxContextChars)

	r.enter(StateGenerating)
	var prior []provider.Message
	if !isNew {
		if prior, err = o.priorTurns(ctx, req.TenantID, conv.ID); err != nil {
			return nil, r.fail(err)
		}
	}
	system := systemPrompt(o.cfg.SystemPrompt, assembled.Text)
	var answer string
	err = withRetry(ctx, o.cfg.Retry, sleepCtx, func(ctx context.Context) error {
		var gerr error
		answer, gerr = o.generator.Complete(ctx, req.TenantID, system, prior, req.Message)
		return gerr
	})
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StatePersisting)
	if err := o.persist(ctx, req, conv, isNew, r.start, answer, assembled, retrievalErr); err != nil {
		return nil, r.fail(err)
	}

	resp := &Response{
		ConversationID: conv.ID,
		Title:          conv.Title,
		Answer:         answer,
		Citations:      assembled.Citations,
		RelatedFiles:   o.relatedFiles(ctx, req.TenantID, assembled.FileIDs()),
		Degraded:       degraded,
	}
	if resp.Citations == nil {
		resp.Citations = []retrieval.Citation{}
	}
	r.enter(StateComplete)
	slog.Info("chat message answered",
		"tenant_id", req.TenantID,
		"conversation_id", conv.ID,
		"citations", len(resp.Citations),
		"degraded", degraded,
		"elapsed", time.Since(r.start))
	return resp, nil
}

func validateRequest(req Request) error {
	if req.TenantID == "" {
		return quarryerr.New(quarryerr.CodeChatRequestInvalid, "tenant id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return quarryerr.New(quarryerr.CodeChatRequestInvalid, "message is empty",
			quarryerr.FieldTenantID(req.TenantID))
	}
	if req.TopK < 0 {
		return quarryerr.Errorf(quarryerr.CodeChatRequestInvalid, "top_k must not be negative, got %d", req.TopK)
	}
	if req.MinSimilarity != nil && (*req.MinSimilarity < -1 || *req.MinSimilarity > 1) {
		return quarryerr.Errorf(quarryerr.CodeChatRequestInvalid, "min_similarity must be within [-1, 1], got %v", *req.MinSimilarity)
	}
	return nil
}

// resolveConversation loads the conversation the message continues, or
// prepares a new one. A conversation id the tenant does not own is denied
// and reported as a security event.
func (o *Orchestrator) resolveConversation(ctx context.Context, req Request) (*store.Conversation, bool, error) {
	if req.ConversationID == "" {
		now := o.now()
		return &store.Conversation{
			ID:        o.newID(),
			TenantID:  req.TenantID,
			Title:     titleFrom(req.Message),
			CreatedAt: now,
			UpdatedAt: now,
		}, true, nil
	}

	conv, err := o.convs.GetConversation(ctx, req.TenantID, req.ConversationID)
	if err == nil {
		return conv, false, nil
	}
	if !quarryerr.IsNotFound(err) {
		return nil, false, err
	}
	slog.Warn("conversation access denied",
		"security_event", true,
		"tenant_id", req.TenantID,
		"conversation_id", req.ConversationID)
	return nil, false, quarryerr.New(quarryerr.CodeChatConversationForbidden, "conversation not accessible",
		quarryerr.FieldTenantID(req.TenantID),
		quarryerr.FieldConversationID(req.ConversationID))
}

func (o *Orchestrator) retrieve(ctx context.Context, req Request) ([]store.RetrievalResult, error) {
	p := o.retriever.Defaults()
	if req.TopK > 0 {
		p.TopK = req.TopK
	}
	if req.MinSimilarity != nil {
		p.MinSimilarity = *req.MinSimilarity
	}
	return o.retriever.Retrieve(ctx, req.TenantID, req.Message, p)
}

func (o *Orchestrator) priorTurns(ctx context.Context, tenantID, conversationID string) ([]provider.Message, error) {
	turns, err := o.convs.RecentTurns(ctx, tenantID, conversationID, o.cfg.HistoryTurns)
	if err != nil {
		return nil, err
	}
	return history(turns, o.cfg.HistoryChars), nil
}

func (o *Orchestrator) persist(
	ctx context.Context,
	req Request,
	conv *store.Conversation,
	isNew bool,
	receivedAt time.Time,
	answer string,
	assembled retrieval.Context,
	retrievalErr error,
) error {
	meta := map[string]string{"retrieval": "ok"}
	if retrievalErr != nil {
		meta["retrieval"] = "degraded"
		meta["retrieval_error"] = string(quarryerr.CodeOf(retrievalErr))
	} else if len(assembled.Citations) == 0 {
		meta["retrieval"] = "empty"
	}

	userTurn := &store.Turn{
		ID:             o.newID(),
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Text:           req.Message,
		CreatedAt:      receivedAt,
	}
	assistantTurn := &store.Turn{
		ID:             o.newID(),
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Text:           answer,
		CitedChunkIDs:  assembled.ChunkIDs(),
		Metadata:       meta,
		CreatedAt:      o.now(),
	}

	// The answer already exists; finish the write even if the caller has
	// gone away so the conversation does not lose it. Only a conversation
	// started by this request is created; one deleted while the answer was
	// generated stays deleted.
	wctx := context.WithoutCancel(ctx)
	return o.lanes.Do(wctx, conv.ID, func(ctx context.Context) error {
		if isNew {
			return o.convs.CreateConversation(ctx, conv, userTurn, assistantTurn)
		}
		return o.convs.AppendTurns(ctx, req.TenantID, conv, userTurn, assistantTurn)
	})
}

func (o *Orchestrator) relatedFiles(ctx context.Context, tenantID string, fileIDs []string) []RelatedFile {
	out := make([]RelatedFile, 0, len(fileIDs))
	for _, id := range fileIDs {
		rf := RelatedFile{FileID: id}
		if o.files != nil {
			if f, err := o.files.GetFile(ctx, tenantID, id); err == nil {
				rf.Name = f.Name
			}
		}
		out = append(out, rf)
	}
	return out
}
