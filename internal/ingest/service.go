// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package ingest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/quarry-dev/quarry/internal/scanner"
	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// DefaultMaxFileSize is the upload cap when none is configured.
const DefaultMaxFileSize = "50MB"

const (
	maxNameLength = 255
	listPageSize  = 200
)

// ParseSize parses a human-readable size such as "50MB" or "2GiB".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, quarryerr.Errorf(quarryerr.CodeConfigValidateInvalidValue, "invalid size %q: %w", s, err)
	}
	if n == 0 || n > 1<<40 {
		return 0, quarryerr.Errorf(quarryerr.CodeConfigValidateInvalidValue, "size %q is out of range", s)
	}
	return int64(n), nil
}

// Service is the file-management surface: upload, list, inspect and delete
// a tenant's documents.
type Service struct {
	files   store.FileStore
	chunks  store.ChunkStore
	indexer *Indexer
	maxSize int64
	allowed []string
	extract ExtractFunc
	scanner *scanner.Scanner
	policy  scanner.Policy
	now     func() time.Time
	newID   func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMaxFileSize caps upload size in bytes.
func WithMaxFileSize(n int64) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithAllowedExtensions narrows uploads to the given extensions. Each must
// also be one Classify accepts.
func WithAllowedExtensions(exts ...string) ServiceOption {
	return func(s *Service) {
		s.allowed = s.allowed[:0]
		for _, ext := range exts {
			s.allowed = append(s.allowed, strings.ToLower(ext))
		}
	}
}

// WithExtractor replaces the built-in text extraction.
func WithExtractor(fn ExtractFunc) ServiceOption {
	return func(s *Service) { s.extract = fn }
}

// WithScanner filters extracted text through sc before it is indexed.
func WithScanner(sc *scanner.Scanner, policy scanner.Policy) ServiceOption {
	return func(s *Service) {
		s.scanner = sc
		s.policy = policy
	}
}

// WithServiceClock overrides time.Now.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(files store.FileStore, chunks store.ChunkStore, indexer *Indexer, opts ...ServiceOption) *Service {
	def, _ := ParseSize(DefaultMaxFileSize)
	s := &Service{
		files:   files,
		chunks:  chunks,
		indexer: indexer,
		maxSize: def,
		extract: Extract,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxFileSize returns the upload cap in bytes.
func (s *Service) MaxFileSize() int64 { return s.maxSize }

// Upload stores and indexes a new file. size is the declared length, or -1
// when unknown. The file record is kept even when extraction or indexing
// fails, with status failed and the reason; the error is returned as well.
func (s *Service) Upload(ctx context.Context, tenantID, filename string, size int64, r io.Reader) (*store.File, error) {
	return s.ingest(ctx, tenantID, s.newID(), filename, size, r)
}

// Ingest is Upload with a caller-chosen file id. An existing file with that
// id is re-indexed in place.
func (s *Service) Ingest(ctx context.Context, tenantID, fileID, filename string, size int64, r io.Reader) (*store.File, error) {
	if fileID == "" {
		return nil, quarryerr.New(quarryerr.CodeIngestRequestInvalid, "file id is required")
	}
	return s.ingest(ctx, tenantID, fileID, filename, size, r)
}

func (s *Service) ingest(ctx context.Context, tenantID, fileID, filename string, size int64, r io.Reader) (*store.File, error) {
	if tenantID == "" {
		return nil, quarryerr.New(quarryerr.CodeIngestRequestInvalid, "tenant id is required")
	}
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == string(filepath.Separator) || len(name) > maxNameLength {
		return nil, quarryerr.Errorf(quarryerr.CodeIngestRequestInvalid, "invalid file name %q", filename)
	}
	ft, err := Classify(name)
	if err != nil {
		return nil, err
	}
	if ext := strings.ToLower(filepath.Ext(name)); len(s.allowed) > 0 && !slices.Contains(s.allowed, ext) {
		return nil, quarryerr.Errorf(quarryerr.CodeIngestFormatUnsupported, "file type %q is not allowed", ext)
	}
	if size > s.maxSize {
		return nil, s.tooLarge(name)
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, quarryerr.Errorf(quarryerr.CodeIngestRequestInvalid, "reading %s: %w", name, err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, s.tooLarge(name)
	}

	file, err := s.record(ctx, tenantID, fileID, name, ft, int64(len(data)))
	if err != nil {
		return nil, err
	}

	text, err := s.extract(name, data)
	if err == nil {
		text, err = s.filter(ctx, file, text)
	}
	if err == nil {
		file.ChunkCount, err = s.indexer.IndexFile(ctx, tenantID, file.ID, text)
	}
	if err != nil {
		return s.markFailed(ctx, file, err)
	}

	file.Status = store.FileStatusIndexed
	file.Error = ""
	file.UpdatedAt = s.now().UTC()
	if err := s.files.UpdateFile(ctx, file); err != nil {
		return file, err
	}
	slog.Info("file indexed",
		"tenant_id", tenantID,
		"file_id", file.ID,
		"name", name,
		"size", humanize.Bytes(uint64(file.Size)),
		"chunks", file.ChunkCount)
	return file, nil
}

func (s *Service) filter(ctx context.Context, file *store.File, text string) (string, error) {
	if s.scanner == nil {
		return text, nil
	}
	out, result, err := s.scanner.Filter(ctx, text, s.policy)
	if err != nil {
		return "", err
	}
	if len(result.Matches) > 0 {
		rules := make([]string, 0, len(result.Matches))
		for _, m := range result.Matches {
			if !slices.Contains(rules, m.Rule) {
				rules = append(rules, m.Rule)
			}
		}
		slog.Warn("document scanner matched",
			"tenant_id", file.TenantID,
			"file_id", file.ID,
			"name", file.Name,
			"secrets", len(result.Of(scanner.KindSecret)),
			"injection", len(result.Of(scanner.KindInjection)),
			"rules", rules)
	}
	return out, nil
}

// record creates the pending file row, or resets an existing one.
func (s *Service) record(ctx context.Context, tenantID, fileID, name string, ft store.FileType, size int64) (*store.File, error) {
	now := s.now().UTC()
	existing, err := s.files.GetFile(ctx, tenantID, fileID)
	switch {
	case err == nil:
		existing.Name = name
		existing.Type = ft
		existing.Size = size
		existing.Status = store.FileStatusPending
		existing.Error = ""
		existing.UpdatedAt = now
		if err := s.files.UpdateFile(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	case !quarryerr.IsNotFound(err):
		return nil, err
	}

	file := &store.File{
		ID:        fileID,
		TenantID:  tenantID,
		Name:      name,
		Type:      ft,
		Size:      size,
		Status:    store.FileStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.files.CreateFile(ctx, file); err != nil {
		return nil, err
	}
	return file, nil
}

func (s *Service) markFailed(ctx context.Context, file *store.File, cause error) (*store.File, error) {
	slog.Warn("file indexing failed",
		"tenant_id", file.TenantID,
		"file_id", file.ID,
		"name", file.Name,
		"code", quarryerr.CodeOf(cause),
		"error", cause)
	file.Status = store.FileStatusFailed
	file.Error = cause.Error()
	file.UpdatedAt = s.now().UTC()
	if err := s.files.UpdateFile(context.WithoutCancel(ctx), file); err != nil {
		return file, quarryerr.Join(cause, err)
	}
	return file, cause
}

func (s *Service) tooLarge(name string) error {
	return quarryerr.Errorf(quarryerr.CodeIngestFileTooLarge, "%s exceeds the maximum upload size of %s",
		name, humanize.Bytes(uint64(s.maxSize)))
}

// Get returns one file record.
func (s *Service) Get(ctx context.Context, tenantID, fileID string) (*store.File, error) {
	return s.files.GetFile(ctx, tenantID, fileID)
}

// List returns the tenant's files, newest first.
func (s *Service) List(ctx context.Context, tenantID string, opts store.ListOpts) ([]*store.File, error) {
	if tenantID == "" {
		return nil, quarryerr.New(quarryerr.CodeIngestRequestInvalid, "tenant id is required")
	}
	return s.files.ListFiles(ctx, tenantID, opts)
}

// Chunks returns the chunk metadata of one file in sequence order.
func (s *Service) Chunks(ctx context.Context, tenantID, fileID string) ([]store.Chunk, error) {
	if _, err := s.files.GetFile(ctx, tenantID, fileID); err != nil {
		return nil, err
	}
	return s.chunks.ListChunksByFile(ctx, tenantID, fileID)
}

// Delete removes a file together with its index records and chunk
// metadata. An index consistency error is reported after the file is gone.
func (s *Service) Delete(ctx context.Context, tenantID, fileID string) error {
	if _, err := s.files.GetFile(ctx, tenantID, fileID); err != nil {
		return err
	}
	ierr := s.indexer.DeleteFile(ctx, tenantID, fileID)
	if ierr != nil && !quarryerr.IsIndexConsistency(ierr) {
		return ierr
	}
	if err := s.files.DeleteFile(ctx, tenantID, fileID); err != nil {
		return err
	}
	slog.Info("file deleted", "tenant_id", tenantID, "file_id", fileID)
	return ierr
}

// Summary aggregates a tenant's files.
type Summary struct {
	TotalFiles  int                    `json:"total_files"`
	TotalBytes  int64                  `json:"total_bytes"`
	TotalChunks int                    `json:"total_chunks"`
	Indexed     int                    `json:"indexed"`
	Failed      int                    `json:"failed"`
	Pending     int                    `json:"pending"`
	ByType      map[store.FileType]int `json:"by_type"`
}

// Summarize walks every file of the tenant.
func (s *Service) Summarize(ctx context.Context, tenantID string) (Summary, error) {
	sum := Summary{ByType: make(map[store.FileType]int)}
	for offset := 0; ; offset += listPageSize {
		page, err := s.List(ctx, tenantID, store.ListOpts{Limit: listPageSize, Offset: offset})
		if err != nil {
			return Summary{}, err
		}
		for _, f := range page {
			sum.TotalFiles++
			sum.TotalBytes += f.Size
			sum.TotalChunks += f.ChunkCount
			sum.ByType[f.Type]++
			switch f.Status {
			case store.FileStatusIndexed:
				sum.Indexed++
			case store.FileStatusFailed:
				sum.Failed++
			case store.FileStatusPending:
				sum.Pending++
			}
		}
		if len(page) < listPageSize {
			return sum, nil
		}
	}
}
