// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

// Package ingest turns uploaded documents into indexed chunks: it classifies
// and extracts files, chunks and embeds their text, keeps the vector index
// and chunk metadata in step, and watches directories for changes.
package ingest

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

var extensions = map[store.FileType][]string{
	store.FileTypeText:     {".txt", ".md"},
	store.FileTypePDF:      {".pdf"},
	store.FileTypeImage:    {".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"},
	store.FileTypeDocument: {".docx", ".doc"},
}

// Classify returns the file type implied by name's extension. Extensions
// outside the allow-list are rejected as unsupported.
func Classify(name string) (store.FileType, error) {
	ext := strings.ToLower(filepath.Ext(name))
	for ft, exts := range extensions {
		if slices.Contains(exts, ext) {
			return ft, nil
		}
	}
	return "", quarryerr.Errorf(quarryerr.CodeIngestFormatUnsupported, "file type %q is not supported", ext)
}

// Supported reports whether Classify accepts name.
func Supported(name string) bool {
	_, err := Classify(name)
	return err == nil
}

// SupportedExtensions lists every accepted extension, sorted.
func SupportedExtensions() []string {
	var out []string
	for _, exts := range extensions {
		out = append(out, exts...)
	}
	slices.Sort(out)
	return out
}
