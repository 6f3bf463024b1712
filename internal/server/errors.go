// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// apiError maps a quarry error onto an HTTP problem response. Client errors
// keep their message; server-side failures are logged and reported with a
// generic message that does not leak internals.
func apiError(ctx context.Context, op string, err error) error {
	status := quarryerr.HTTPStatus(err)
	code := string(quarryerr.CodeOf(err))
	attrs := []any{"op", op, "status", status, "code", code, "error", err}
	if t := TenantFromContext(ctx); t != nil {
		attrs = append(attrs, "tenant_id", t.ID)
	}

	msg := err.Error()
	switch {
	case status == http.StatusForbidden:
		slog.Warn("request forbidden", append(attrs, "security_event", true)...)
	case status >= http.StatusInternalServerError:
		slog.Error("request failed", attrs...)
		msg = publicMessage(status)
	}

	herr := huma.NewError(status, msg, &huma.ErrorDetail{Location: "code", Value: code})
	if status == http.StatusTooManyRequests {
		return huma.ErrorWithHeaders(herr, http.Header{"Retry-After": []string{retryAfterValue}})
	}
	return herr
}

func publicMessage(status int) string {
	switch status {
	case http.StatusBadGateway:
		return "an upstream backend failed"
	case http.StatusGatewayTimeout:
		return "an upstream backend timed out"
	default:
		return "internal error"
	}
}

// writeProblem writes a problem+json body in the same shape huma uses, for
// handlers outside huma.
func writeProblem(w http.ResponseWriter, status int, msg string, details ...*huma.ErrorDetail) {
	body := &huma.ErrorModel{
		Title:  http.StatusText(status),
		Status: status,
		Detail: msg,
		Errors: details,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("writing error response", "error", err)
	}
}

// writeAPIError is apiError for raw handlers. extra details are appended to
// the mapped ones.
func writeAPIError(w http.ResponseWriter, r *http.Request, op string, err error, extra ...*huma.ErrorDetail) {
	herr := apiError(r.Context(), op, err)
	var hh huma.HeadersError
	if errors.As(herr, &hh) {
		for k, vals := range hh.GetHeaders() {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
	}
	var model *huma.ErrorModel
	if !errors.As(herr, &model) {
		writeProblem(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeProblem(w, model.Status, model.Detail, append(model.Errors, extra...)...)
}
