// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package scanner

import (
	"context"
	"slices"
	"strings"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Placeholder replaces redacted regions.
const Placeholder = "[REDACTED]"

// Mode defines how matches of one kind are handled.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeFlag   Mode = "flag"
	ModeRedact Mode = "redact"
	ModeBlock  Mode = "block"
)

// Valid reports whether the mode is a known scanner mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeOff, ModeFlag, ModeRedact, ModeBlock:
		return true
	default:
		return false
	}
}

// ParseMode parses a mode string (case-insensitive).
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", quarryerr.Errorf(quarryerr.CodeConfigValidateInvalidValue, "invalid scanner mode: %q", s)
	}
	return m, nil
}

// Policy selects a mode per kind.
type Policy struct {
	Secrets   Mode
	Injection Mode
}

// DefaultPolicy redacts credentials and flags injection attempts.
func DefaultPolicy() Policy {
	return Policy{Secrets: ModeRedact, Injection: ModeFlag}
}

func (p Policy) mode(k Kind) Mode {
	if k == KindSecret {
		return p.Secrets
	}
	return p.Injection
}

// Filter scans text and applies policy. The returned text is the normalized
// content with redacted regions replaced; the Result lists every match that
// was not switched off. A kind in block mode with at least one match fails
// with CodeIngestContentBlocked.
func (s *Scanner) Filter(ctx context.Context, text string, policy Policy) (string, Result, error) {
	if policy.Secrets == ModeOff && policy.Injection == ModeOff {
		return text, Result{Content: text}, nil
	}
	result, err := s.Scan(ctx, text)
	if err != nil {
		return "", Result{}, err
	}

	result.Matches = slices.DeleteFunc(result.Matches, func(m Match) bool {
		return policy.mode(m.Kind) == ModeOff
	})

	var toRedact []Match
	for _, m := range result.Matches {
		switch policy.mode(m.Kind) {
		case ModeBlock:
			return "", result, quarryerr.New(quarryerr.CodeIngestContentBlocked,
				"document content blocked by scanner",
				quarryerr.Field("rule", m.Rule),
				quarryerr.Field("kind", string(m.Kind)),
				quarryerr.Field("matches", len(result.Matches)))
		case ModeRedact:
			toRedact = append(toRedact, m)
		}
	}
	return redact(result.Content, toRedact), result, nil
}

// redact replaces matched regions in content with Placeholder, merging
// overlapping matches first.
func redact(content string, matches []Match) string {
	if len(matches) == 0 {
		return content
	}

	sorted := slices.Clone(matches)
	slices.SortFunc(sorted, func(a, b Match) int { return a.Location - b.Location })

	type span struct{ start, end int }
	spans := []span{{sorted[0].Location, sorted[0].Location + sorted[0].Length}}
	for _, m := range sorted[1:] {
		last := &spans[len(spans)-1]
		end := m.Location + m.Length
		if m.Location <= last.end {
			last.end = max(last.end, end)
			continue
		}
		spans = append(spans, span{m.Location, end})
	}

	var b strings.Builder
	b.Grow(len(content))
	pos := 0
	for _, sp := range spans {
		b.WriteString(content[pos:sp.start])
		b.WriteString(Placeholder)
		pos = min(sp.end, len(content))
	}
	b.WriteString(content[pos:])
	return b.String()
}
