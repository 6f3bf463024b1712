// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package scanner inspects extracted document text before it is indexed.
// Credentials found in a document are redacted so they never reach an
// embedding backend or a generated answer, and text that tries to steer the
// model is reported.
package scanner

import (
	"context"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Kind groups rules by what they detect.
type Kind string

const (
	KindSecret    Kind = "secret"
	KindInjection Kind = "injection"
)

// Valid reports whether the kind is known.
func (k Kind) Valid() bool {
	return k == KindSecret || k == KindInjection
}

// Severity indicates how critical a detection is.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Valid reports whether the severity is a known severity level.
func (s Severity) Valid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	default:
		return false
	}
}

// Rule defines a detection pattern.
type Rule struct {
	Name     string
	Kind     Kind
	Pattern  *regexp.Regexp
	Severity Severity
}

// Match describes a single pattern match. Location and Length are byte
// offsets into Result.Content.
type Match struct {
	Rule     string
	Kind     Kind
	Location int
	Length   int
	Severity Severity
}

// Result holds the outcome of a scan.
type Result struct {
	// Content is the normalized text the match offsets refer to.
	Content string
	Matches []Match
}

// Of returns the matches of one kind.
func (r Result) Of(kind Kind) []Match {
	var out []Match
	for _, m := range r.Matches {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// Scanner matches text against a fixed rule set.
type Scanner struct {
	rules []Rule
}

// New creates a scanner with the given rules.
func New(rules []Rule) (*Scanner, error) {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		switch {
		case r.Name == "":
			return nil, quarryerr.Errorf(quarryerr.CodeScannerRuleInvalid, "rule %d has empty name", i)
		case r.Pattern == nil:
			return nil, quarryerr.Errorf(quarryerr.CodeScannerRuleInvalid, "rule %d (%s) has nil pattern", i, r.Name)
		case !r.Kind.Valid():
			return nil, quarryerr.Errorf(quarryerr.CodeScannerRuleInvalid, "rule %d (%s) has invalid kind %q", i, r.Name, r.Kind)
		case !r.Severity.Valid():
			return nil, quarryerr.Errorf(quarryerr.CodeScannerRuleInvalid, "rule %d (%s) has invalid severity %q", i, r.Name, r.Severity)
		case seen[r.Name]:
			return nil, quarryerr.Errorf(quarryerr.CodeScannerRuleInvalid, "duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return &Scanner{rules: rules}, nil
}

// NewDefault creates a scanner with DefaultRules.
func NewDefault() *Scanner {
	s, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return s
}

// invisibleCharReplacer strips zero-width and other invisible characters
// that would otherwise split a token and hide it from the rules.
var invisibleCharReplacer = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // byte order mark
	"\u00ad", "", // soft hyphen
	"\u034f", "", // combining grapheme joiner
	"\u061c", "", // Arabic letter mark
	"\u180e", "", // Mongolian vowel separator
	"\u2060", "", // word joiner
	"\u2061", "", // invisible function application
	"\u2062", "", // invisible times
	"\u2063", "", // invisible separator
	"\u2064", "", // invisible plus
)

// Normalize applies NFKC normalization after stripping invisible characters.
func Normalize(s string) string {
	return norm.NFKC.String(invisibleCharReplacer.Replace(s))
}

// Scan normalizes content and reports every rule match, ordered by offset.
func (s *Scanner) Scan(ctx context.Context, content string) (Result, error) {
	content = Normalize(content)
	result := Result{Content: content}
	for _, rule := range s.rules {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		for _, loc := range rule.Pattern.FindAllStringIndex(content, -1) {
			result.Matches = append(result.Matches, Match{
				Rule:     rule.Name,
				Kind:     rule.Kind,
				Location: loc[0],
				Length:   loc[1] - loc[0],
				Severity: rule.Severity,
			})
		}
	}
	slices.SortStableFunc(result.Matches, func(a, b Match) int { return a.Location - b.Location })
	return result, nil
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return slices.Concat(SecretRules(), InjectionRules())
}

// InjectionRules returns patterns for text that addresses the model instead
// of the reader.
func InjectionRules() []Rule {
	return []Rule{
		{
			Name:     "instruction_override",
			Kind:     KindInjection,
			Pattern:  regexp.MustCompile(`(?i)(ignore|disregard|override|forget|do\s+not\s+follow)\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
			Severity: SeverityHigh,
		},
		{
			Name:     "role_confusion",
			Kind:     KindInjection,
			Pattern:  regexp.MustCompile(`(?i)you\s+are\s+now\s+\w+[,.]?\s*(do|ignore|forget|disregard)`),
			Severity: SeverityHigh,
		},
		{
			Name:     "system_block_injection",
			Kind:     KindInjection,
			Pattern:  regexp.MustCompile(`(?i)(?:<\|?system\|?>|\[system\]|<<SYS>>)`),
			Severity: SeverityHigh,
		},
		{
			Name:     "role_impersonation",
			Kind:     KindInjection,
			Pattern:  regexp.MustCompile(`(?is)\[INST\].{0,1000}?\[/INST\]`),
			Severity: SeverityMedium,
		},
		{
			Name:     "delimiter_abuse",
			Kind:     KindInjection,
			Pattern:  regexp.MustCompile("(?i)```system\\b"),
			Severity: SeverityMedium,
		},
	}
}

// SecretRules returns credential patterns.
func SecretRules() []Rule {
	secret := func(name, pattern string, sev Severity) Rule {
		return Rule{Name: name, Kind: KindSecret, Pattern: regexp.MustCompile(pattern), Severity: sev}
	}
	return []Rule{
		secret("aws_access_key", `AKIA[0-9A-Z]{16}`, SeverityHigh),
		secret("anthropic_api_key", `sk-ant-api\d{2}-[A-Za-z0-9_-]{20,}`, SeverityHigh),
		secret("openai_api_key", `sk-proj-[A-Za-z0-9_-]{20,}`, SeverityHigh),
		secret("openai_legacy_key", `sk-[A-Za-z0-9]{40,}`, SeverityMedium),
		secret("google_api_key", `AIza[0-9A-Za-z_-]{35}`, SeverityHigh),
		secret("github_pat", `gh[pousr]_[A-Za-z0-9]{36}`, SeverityHigh),
		secret("github_fine_grained_pat", `github_pat_[A-Za-z0-9_]{22,}`, SeverityHigh),
		secret("slack_token", `xox[bpas]-[A-Za-z0-9-]{10,}`, SeverityHigh),
		secret("npm_token", `npm_[A-Za-z0-9]{36}`, SeverityHigh),
		secret("vault_token", `hvs\.[A-Za-z0-9_-]{24,}`, SeverityHigh),
		secret("bearer_token", `(?i)bearer\s+[A-Za-z0-9_\-.]{20,}`, SeverityHigh),
		secret("pem_private_key", `-----BEGIN\s+(?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`, SeverityHigh),
		secret("database_connection_string",
			`(?i)(postgres(?:ql)?|mysql|mongodb|redis|jdbc:[a-z]+)://[^\s:@]+:(?:[^@\s%]|%[0-9A-Fa-f]{2})+@(?:\[[0-9A-Fa-f:]+\]|[^\s/:]+)(?:[:/][^\s]*)?`,
			SeverityHigh),
		secret("mssql_connection_string", `(?i)(?:Server|Data Source)\s*=\s*[^;]+;\s*(?:Password|Pwd)\s*=\s*[^;]+`, SeverityHigh),
		secret("azure_connection_string", `(?i)AccountKey\s*=\s*[A-Za-z0-9+/=]{20,}`, SeverityHigh),
		secret("keyring_uri", `keyring://[^\s]+`, SeverityMedium),
	}
}
