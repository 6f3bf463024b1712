// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package chunk splits extracted document text into overlapping spans.
//
// Spans prefer paragraph boundaries, then sentence ends, then whitespace,
// and fall back to a hard cut when a single unit is longer than the limit.
// Sizes and offsets are in bytes; cuts never split a UTF-8 sequence.
package chunk

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// DefaultChunkSize is the default maximum span length in bytes.
const DefaultChunkSize = 1000

// DefaultOverlap is the default number of bytes shared by adjacent spans.
const DefaultOverlap = 200

// chunkIDSpace namespaces deterministic chunk ids.
var chunkIDSpace = uuid.MustParse("6f1c8a52-3b0e-4a8e-9d57-0c2b7e4d1a90")

// Span is a piece of the input text. Text == input[Start:End].
type Span struct {
	Text  string
	Start int
	End   int
}

// Chunker splits text into spans. It is safe for concurrent use.
type Chunker struct {
	maxSize int
	overlap int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithChunkSize sets the maximum span length in bytes.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		c.maxSize = size
	}
}

// WithOverlap sets the number of bytes adjacent spans share.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		c.overlap = overlap
	}
}

// New creates a Chunker. The size must be positive and the overlap must be
// non-negative and smaller than the size.
func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{
		maxSize: DefaultChunkSize,
		overlap: DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.maxSize <= 0 {
		return nil, quarryerr.Errorf(quarryerr.CodeChunkParamsInvalid, "chunk size must be positive, got %d", c.maxSize)
	}
	if c.overlap < 0 || c.overlap >= c.maxSize {
		return nil, quarryerr.Errorf(quarryerr.CodeChunkParamsInvalid,
			"overlap must be in [0, %d), got %d", c.maxSize, c.overlap)
	}
	return c, nil
}

// Split is a convenience wrapper around New and Chunker.Split.
func Split(text string, maxSize, overlap int) ([]Span, error) {
	c, err := New(WithChunkSize(maxSize), WithOverlap(overlap))
	if err != nil {
		return nil, err
	}
	return c.Split(text), nil
}

// MaxSize returns the configured maximum span length.
func (c *Chunker) MaxSize() int { return c.maxSize }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the spans of text in document order. Empty or
// whitespace-only input yields no spans.
func (c *Chunker) Split(text string) []Span {
	n := len(text)
	var spans []Span

	start, prevEnd := 0, 0
	for start < n {
		end := n
		if start+c.maxSize < n {
			// Every span must carry some text past the previous one.
			floor := max(start, prevEnd)
			for floor < n && isSpace(text[floor]) {
				floor++
			}
			end = c.cut(text, start, floor, start+c.maxSize)
		}

		if s, e := trimSpan(text, start, end); s < e {
			spans = append(spans, Span{Text: text[s:e], Start: s, End: e})
		}
		if end >= n {
			break
		}

		next := end - c.overlap
		if next <= start {
			// The span was shorter than the overlap; continue without one.
			next = end
		}
		for next < end && !utf8.RuneStart(text[next]) {
			next++
		}
		start, prevEnd = next, end
	}
	return spans
}

// Chunks splits text and wraps each span as a store.Chunk owned by the file.
// Ids are derived from tenant, file and span, so re-chunking identical
// input reproduces identical ids.
func (c *Chunker) Chunks(tenantID, fileID, text string) []store.Chunk {
	spans := c.Split(text)
	chunks := make([]store.Chunk, 0, len(spans))
	for i, sp := range spans {
		chunks = append(chunks, store.Chunk{
			ID:            ChunkID(tenantID, fileID, i, sp),
			FileID:        fileID,
			TenantID:      tenantID,
			Text:          sp.Text,
			StartOffset:   sp.Start,
			EndOffset:     sp.End,
			SequenceIndex: i,
		})
	}
	return chunks
}

// ChunkID returns the deterministic id of the seq-th span of a file.
func ChunkID(tenantID, fileID string, seq int, sp Span) string {
	name := fmt.Sprintf("%s/%s/%d/%d/%d", tenantID, fileID, seq, sp.Start, sp.End)
	return uuid.NewSHA1(chunkIDSpace, []byte(name)).String()
}

// cut picks the end of the span that starts at start and may not pass limit.
// The end must lie beyond floor.
func (c *Chunker) cut(text string, start, floor, limit int) int {
	for _, isBreak := range []func(string, int) bool{paragraphBreak, sentenceBreak, spaceBreak} {
		for i := limit; i > floor && i > start; i-- {
			if isBreak(text, i) {
				return i
			}
		}
	}

	// Hard cut, backed off to a rune boundary.
	end := limit
	for end > floor && !utf8.RuneStart(text[end]) {
		end--
	}
	if end <= floor {
		// A single rune is wider than what is left of the window.
		end = limit
		for end < len(text) && !utf8.RuneStart(text[end]) {
			end++
		}
	}
	return end
}

// paragraphBreak reports whether i directly follows a blank line.
func paragraphBreak(text string, i int) bool {
	return i >= 2 && text[i-1] == '\n' && (text[i-2] == '\n' || (text[i-2] == '\r' && i >= 3 && text[i-3] == '\n'))
}

// sentenceBreak reports whether i directly follows sentence-ending punctuation.
func sentenceBreak(text string, i int) bool {
	if i < 1 || !strings.ContainsRune(".!?", rune(text[i-1])) {
		return false
	}
	return i == len(text) || isSpace(text[i])
}

func spaceBreak(text string, i int) bool {
	return i >= 1 && isSpace(text[i-1])
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r' || b == '\f' || b == '\v'
}

func trimSpan(text string, s, e int) (int, int) {
	for s < e && isSpace(text[s]) {
		s++
	}
	for e > s && isSpace(text[e-1]) {
		e--
	}
	return s, e
}
