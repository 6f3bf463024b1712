// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package retrieval

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/quarry-dev/quarry/internal/store"
)

// DefaultMaxContextChars bounds the rendered context block.
const DefaultMaxContextChars = 8000

// Citation attributes part of an answer to a chunk.
type Citation struct {
	FileID  string `json:"file_id"`
	ChunkID string `json:"chunk_id"`
}

// Context is the rendered block handed to the generation backend.
type Context struct {
	Text      string
	Citations []Citation
	// Sources are the results that made it into Text, in order.
	Sources []store.RetrievalResult
}

// ChunkIDs returns the cited chunk ids in citation order.
func (c Context) ChunkIDs() []string {
	out := make([]string, len(c.Citations))
	for i, cit := range c.Citations {
		out[i] = cit.ChunkID
	}
	return out
}

// FileIDs returns the distinct cited file ids in first-cited order.
func (c Context) FileIDs() []string {
	var out []string
	seen := make(map[string]bool)
	for _, cit := range c.Citations {
		if !seen[cit.FileID] {
			seen[cit.FileID] = true
			out = append(out, cit.FileID)
		}
	}
	return out
}

// Assemble renders results into a numbered context block no longer than
// maxContextChars bytes. Results are taken in the given order; the first one
// that does not fit ends the block, so no chunk is ever cut. Overlapping
// spans of the same file are collapsed to the higher-scoring one. Empty
// input gives an empty Context.
func Assemble(results []store.RetrievalResult, maxContextChars int) Context {
	var out Context
	if len(results) == 0 || maxContextChars <= 0 {
		return out
	}

	var b strings.Builder
	for _, r := range dedupe(results) {
		section := fmt.Sprintf("[%d] (file %s)\n%s", len(out.Citations)+1, r.FileID, r.Text)
		sep := ""
		if b.Len() > 0 {
			sep = "\n\n"
		}
		if b.Len()+len(sep)+len(section) > maxContextChars {
			break
		}
		b.WriteString(sep)
		b.WriteString(section)
		out.Citations = append(out.Citations, Citation{FileID: r.FileID, ChunkID: r.ChunkID})
		out.Sources = append(out.Sources, r)
	}
	out.Text = b.String()
	return out
}

// dedupe drops results whose span overlaps a higher-scoring result of the
// same file, keeping the survivors in their original order.
func dedupe(results []store.RetrievalResult) []store.RetrievalResult {
	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(results[b].Score, results[a].Score)
	})

	keep := make([]bool, len(results))
	var kept []store.RetrievalResult
	for _, i := range order {
		r := results[i]
		if slices.ContainsFunc(kept, func(k store.RetrievalResult) bool { return overlaps(k, r) }) {
			continue
		}
		keep[i] = true
		kept = append(kept, r)
	}

	out := make([]store.RetrievalResult, 0, len(kept))
	for i, r := range results {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out
}

func overlaps(a, b store.RetrievalResult) bool {
	if a.ChunkID == b.ChunkID {
		return true
	}
	return a.FileID == b.FileID && a.StartOffset < b.EndOffset && b.StartOffset < a.EndOffset
}
