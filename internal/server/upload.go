// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// uploadField is the multipart field carrying the file.
const uploadField = "file"

// multipartOverhead is the slack allowed over the file cap for multipart
// headers and boundaries.
const multipartOverhead = 64 << 10

func (s *Server) registerUploadRoute() {
	s.router.Post("/api/v1/files", s.handleUpload)

	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "upload-file",
		Method:      http.MethodPost,
		Path:        "/api/v1/files",
		Summary:     "Upload and index a file",
		Description: "Multipart upload with a single \"file\" part. The file is extracted, chunked and indexed before the response is sent. A file whose extraction or indexing fails is still recorded with status failed.",
		Tags:        []string{"files"},
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"multipart/form-data": {
					Schema: &huma.Schema{
						Type:     "object",
						Required: []string{uploadField},
						Properties: map[string]*huma.Schema{
							uploadField: {Type: "string", Format: "binary", Description: "The document"},
						},
					},
				},
			},
		},
		Responses: map[string]*huma.Response{
			"201": {Description: "File indexed"},
			"400": {Description: "Malformed upload"},
			"413": {Description: "File exceeds the size cap"},
			"415": {Description: "File type not supported or not allowed"},
		},
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	if tenant == nil {
		writeProblem(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	files := s.services.Files()
	r.Body = http.MaxBytesReader(w, r.Body, files.MaxFileSize()+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "expected a multipart/form-data body")
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeProblem(w, http.StatusBadRequest, "missing \""+uploadField+"\" part")
			return
		}
		if err != nil {
			s.uploadReadError(w, r, err)
			return
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}

		f, err := files.Upload(r.Context(), tenant.ID, part.FileName(), -1, part)
		_ = part.Close()
		if err != nil {
			var details []*huma.ErrorDetail
			if f != nil {
				details = append(details, &huma.ErrorDetail{Location: "file_id", Value: f.ID})
			}
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				err = quarryerr.New(quarryerr.CodeIngestFileTooLarge, "upload exceeds the size cap")
			}
			writeAPIError(w, r, "upload", err, details...)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "/api/v1/files/"+f.ID)
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(fileView(f)); err != nil {
			slog.Warn("writing upload response", "error", err)
		}
		return
	}
}

func (s *Server) uploadReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeAPIError(w, r, "upload", quarryerr.New(quarryerr.CodeIngestFileTooLarge, "upload exceeds the size cap"))
		return
	}
	writeProblem(w, http.StatusBadRequest, "malformed multipart body")
}
