// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/quarry-dev/quarry/internal/store"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// ExtractFunc turns a file's bytes into plain text.
type ExtractFunc func(name string, data []byte) (string, error)

// Extract returns the plain text of a document, choosing the extractor from
// the file name. Images are indexed by a placeholder naming the file. Legacy
// .doc files are classified but cannot be extracted.
func Extract(name string, data []byte) (string, error) {
	ft, err := Classify(name)
	if err != nil {
		return "", err
	}

	switch ft {
	case store.FileTypeText:
		if !utf8.Valid(data) {
			return "", quarryerr.Errorf(quarryerr.CodeIngestExtractFailure, "%s is not valid UTF-8 text", name)
		}
		return string(data), nil
	case store.FileTypePDF:
		return extractPDF(name, data)
	case store.FileTypeImage:
		return "[Image: " + filepath.Base(name) + "]", nil
	case store.FileTypeDocument:
		if strings.EqualFold(filepath.Ext(name), ".doc") {
			return "", quarryerr.New(quarryerr.CodeIngestFormatUnsupported,
				"legacy .doc files cannot be extracted; save the document as .docx")
		}
		return extractDOCX(name, data)
	}
	return "", quarryerr.Errorf(quarryerr.CodeIngestFormatUnsupported, "no extractor for %s", name)
}

func extractPDF(name string, data []byte) (text string, err error) {
	// The PDF parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = quarryerr.Errorf(quarryerr.CodeIngestExtractFailure, "reading pdf %s: %v", name, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", quarryerr.Errorf(quarryerr.CodeIngestExtractFailure, "opening pdf %s: %w", name, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", quarryerr.Errorf(quarryerr.CodeIngestExtractFailure, "reading pdf %s: %w", name, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", quarryerr.Errorf(quarryerr.CodeIngestExtractFailure, "reading pdf %s: %w", name, err)
	}
	return buf.String(), nil
}

const docxBody = "word/document.xml"

// extractDOCX reads the paragraphs of a .docx body, one per line.
func extractDOCX(name string, data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", quarryerr.Errorf(quarryerr.CodeIngestExtractFailure, "opening docx %s: %w", name, err)
	}
	f, err := zr.Open(docxBody)
	if err != nil {
		return "", quarryerr.Errorf(quarryerr.CodeIngestExtractFailure, "docx %s has no %s: %w", name, docxBody, err)
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	dec := xml.NewDecoder(f)
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", quarryerr.Errorf(quarryerr.CodeIngestExtractFailure, "parsing docx %s: %w", name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br", "cr":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}
