// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package orchestrator

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

const laneQueueSize = 256

type workItem struct {
	fn     func(context.Context) error
	ctx    context.Context
	result chan<- error
}

// Lane serialises writes to one conversation. Work submitted via Submit runs
// one item at a time in submission order on a background goroutine.
type Lane struct {
	conversationID string
	queue          chan workItem
	done           chan struct{}
	closing        chan struct{}

	once sync.Once
}

// NewLane creates a Lane for conversationID and starts its worker. Call
// Close when the lane is no longer needed.
func NewLane(conversationID string) *Lane {
	l := &Lane{
		conversationID: conversationID,
		queue:          make(chan workItem, laneQueueSize),
		done:           make(chan struct{}),
		closing:        make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Lane) run() {
	defer close(l.done)
	for {
		select {
		case w := <-l.queue:
			l.executeWork(w)
		case <-l.closing:
			// Drain what was already accepted.
			for {
				select {
				case w := <-l.queue:
					l.executeWork(w)
				default:
					return
				}
			}
		}
	}
}

func (l *Lane) executeWork(w workItem) {
	if err := w.ctx.Err(); err != nil {
		w.result <- err
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("conversation lane panic recovered",
					"conversation_id", l.conversationID,
					"panic", r,
					"stack", string(debug.Stack()))
				err = quarryerr.Errorf(quarryerr.CodeChatLaneFailure, "lane worker panic: %v", r)
			}
		}()
		err = w.fn(w.ctx)
	}()

	w.result <- err
}

// Submit enqueues fn and blocks until it has run. If ctx is done before fn
// starts, ctx.Err() is returned and fn is skipped.
func (l *Lane) Submit(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-l.closing:
		return quarryerr.New(quarryerr.CodeChatLaneClosed, "lane is closed")
	default:
	}

	result := make(chan error, 1)
	w := workItem{fn: fn, ctx: ctx, result: result}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closing:
		return quarryerr.New(quarryerr.CodeChatLaneClosed, "lane is closed")
	case l.queue <- w:
	}

	// The worker drains the queue on close, so an accepted item always
	// produces a result.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

// Close stops accepting work, waits for queued work to finish, and stops the
// worker. It is idempotent.
func (l *Lane) Close() {
	l.once.Do(func() {
		close(l.closing)
		<-l.done
	})
}

type poolEntry struct {
	lane *Lane
	refs int
}

// LanePool hands out one Lane per conversation id. Lanes are reference
// counted and shut down once the last holder releases them, so idle
// conversations cost nothing.
type LanePool struct {
	mu     sync.Mutex
	lanes  map[string]*poolEntry
	closed bool
}

// NewLanePool returns an empty LanePool.
func NewLanePool() *LanePool {
	return &LanePool{lanes: make(map[string]*poolEntry)}
}

// Acquire returns the lane for conversationID, creating it on first use.
// Every Acquire must be paired with a Release.
func (p *LanePool) Acquire(conversationID string) (*Lane, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, quarryerr.New(quarryerr.CodeChatLaneClosed, "lane pool is closed")
	}
	e, ok := p.lanes[conversationID]
	if !ok {
		e = &poolEntry{lane: NewLane(conversationID)}
		p.lanes[conversationID] = e
	}
	e.refs++
	return e.lane, nil
}

// Release drops one reference to the conversation's lane.
func (p *LanePool) Release(conversationID string) {
	p.mu.Lock()
	e, ok := p.lanes[conversationID]
	if !ok {
		p.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.lanes, conversationID)
	p.mu.Unlock()

	e.lane.Close()
}

// Do runs fn on the conversation's lane.
func (p *LanePool) Do(ctx context.Context, conversationID string, fn func(context.Context) error) error {
	lane, err := p.Acquire(conversationID)
	if err != nil {
		return err
	}
	defer p.Release(conversationID)
	return lane.Submit(ctx, fn)
}

// Len reports the number of live lanes.
func (p *LanePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// Close shuts down every lane and rejects further work.
func (p *LanePool) Close() {
	p.mu.Lock()
	lanes := p.lanes
	p.lanes = make(map[string]*poolEntry)
	p.closed = true
	p.mu.Unlock()

	for _, e := range lanes {
		e.lane.Close()
	}
}
