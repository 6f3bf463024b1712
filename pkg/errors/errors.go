// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeStoreConversationGetNotFound Code = "store.conversation.get.not_found"
	CodeStoreFileGetNotFound         Code = "store.file.get.not_found"
	CodeStoreEntityNotFound          Code = "store.entity.get.not_found"
	CodeStoreTurnAppendInvalid       Code = "store.turn.append.invalid_input"
	CodeStoreConversationConflict    Code = "store.conversation.create.conflict"
	CodeStoreFileConflict            Code = "store.file.create.conflict"
	CodeStoreVectorDatabase          Code = "store.vector.database_failure"
	CodeStoreDatabaseFailure         Code = "store.database.failure"
	CodeStoreBackendUnsupported      Code = "store.backend.unsupported"
	CodeStoreInvalidInput            Code = "store.invalid_input"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeChunkParamsInvalid Code = "chunk.params.invalid"

	CodeEmbeddingRequestInvalid   Code = "embedding.request.invalid"
	CodeEmbeddingUpstreamFailure  Code = "embedding.upstream.failure"
	CodeEmbeddingUpstreamTimeout  Code = "embedding.upstream.timeout"
	CodeEmbeddingResponseInvalid  Code = "embedding.upstream_response.failure"
	CodeEmbeddingBackendUnknown   Code = "embedding.backend.invalid_value"
	CodeIndexInputInvalid         Code = "index.input.invalid"
	CodeIndexTenantForbidden      Code = "index.tenant.forbidden"
	CodeIndexConsistencyMismatch  Code = "index.consistency.mismatch"
	CodeIndexClosed               Code = "index.lifecycle.closed"
	CodeRetrievalRequestInvalid   Code = "retrieval.request.invalid"
	CodeGenerationRequestInvalid  Code = "generation.request.invalid"
	CodeGenerationRateLimited     Code = "generation.upstream.rate_limited"
	CodeGenerationTimeout         Code = "generation.upstream.timeout"
	CodeGenerationUpstreamFailure Code = "generation.upstream.failure"

	CodeProviderRequestInvalid  Code = "provider.request.invalid"
	CodeProviderNotFound        Code = "provider.registry.not_found"
	CodeProviderAllUnavailable  Code = "provider.routing.all_unavailable"
	CodeProviderNoDefault       Code = "provider.routing.no_default"
	CodeProviderInvalidModelRef Code = "provider.routing.invalid_model_ref"
	CodeProviderResponseInvalid Code = "provider.response.invalid"
	CodeProviderUpstreamFailure Code = "provider.upstream.failure"
	CodeProviderKeyInvalid      Code = "provider.key.unauthorized"
	CodeProviderKeyCheckFailed  Code = "provider.key_check.upstream.failure"

	CodeChatRequestInvalid        Code = "chat.request.invalid"
	CodeChatConversationForbidden Code = "chat.conversation.forbidden"
	CodeChatLaneClosed            Code = "chat.lane.closed"
	CodeChatLaneFailure           Code = "chat.lane.failure"

	CodeIngestRequestInvalid    Code = "ingest.request.invalid"
	CodeIngestFormatUnsupported Code = "ingest.format.unsupported"
	CodeIngestExtractFailure    Code = "ingest.extract.failure"
	CodeIngestFileTooLarge      Code = "ingest.file.too_large"
	CodeIngestWatchFailure      Code = "ingest.watch.failure"
	CodeIngestContentBlocked    Code = "ingest.content.blocked"

	CodeScannerRuleInvalid Code = "scanner.rule.invalid"

	CodeSecretInvalidInput   Code = "secret.input.invalid"
	CodeSecretNotFound       Code = "secret.get.not_found"
	CodeSecretStoreFailure   Code = "secret.store.failure"
	CodeSecretResolveFailure Code = "secret.resolve.failure"

	CodeServerRequestInvalid   Code = "server.request.invalid"
	CodeServerAuthUnauthorized Code = "server.auth.unauthorized"
	CodeServerAuthForbidden    Code = "server.auth.forbidden"
	CodeServerRateLimited      Code = "server.request.rate_limited"
	CodeServerInternalFailure  Code = "server.internal.failure"
	CodeServerEntityNotFound   Code = "server.entity.not_found"
	CodeServerConfigInvalid    Code = "server.config.invalid"
	CodeServerStartFailure     Code = "server.start.failure"
	CodeServerShutdownFailure  Code = "server.shutdown.failure"

	CodeMCPConfigInvalid  Code = "mcp.config.invalid"
	CodeMCPRequestInvalid Code = "mcp.request.invalid"
	CodeMCPServeFailure   Code = "mcp.serve.failure"

	CodeCLIRequestFailure   Code = "cli.request.failure"
	CodeCLISetupFailure     Code = "cli.setup.failure"
	CodeCLIInputInvalid     Code = "cli.input.invalid"
	CodeCLIServerNotRunning Code = "cli.server.not_running"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldTenantID(value string) Attr {
	return Field("tenant_id", value)
}

func FieldConversationID(value string) Attr {
	return Field("conversation_id", value)
}

func FieldFileID(value string) Attr {
	return Field("file_id", value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain without changing its code.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

// CodeOf returns the innermost code in the chain, which is the most specific one.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	case nil:
		return ""
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

// IsInvalidInput reports a ValidationError: bad input the caller can fix.
func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

// IsUnauthorized reports an AuthorizationError.
func IsUnauthorized(err error) bool {
	r := reason(CodeOf(err))
	return r == "unauthorized" || r == "forbidden" || r == "denied"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

// IsBlocked reports content refused by the document scanner.
func IsBlocked(err error) bool {
	return reason(CodeOf(err)) == "blocked"
}

func IsRateLimited(err error) bool {
	return reason(CodeOf(err)) == "rate_limited"
}

// IsRetryable reports whether an upstream call may be attempted again.
// Only timeouts and rate limits qualify.
func IsRetryable(err error) bool {
	return IsTimeout(err) || IsRateLimited(err)
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

// IsEmbeddingBackend reports an EmbeddingBackendError.
func IsEmbeddingBackend(err error) bool {
	return area(CodeOf(err)) == "embedding"
}

// IsGenerationBackend reports a GenerationBackendError of any subtype.
func IsGenerationBackend(err error) bool {
	return area(CodeOf(err)) == "generation"
}

// IsIndexConsistency reports that the index and relational store disagree.
func IsIndexConsistency(err error) bool {
	return HasCode(err, CodeIndexConsistencyMismatch)
}

// IsStorage reports a StorageError raised by a persistence backend.
func IsStorage(err error) bool {
	code := CodeOf(err)
	if area(code) != "store" {
		return false
	}
	r := reason(code)
	return r == "failure" || r == "database_failure"
}

func IsUnsupported(err error) bool {
	return reason(CodeOf(err)) == "unsupported"
}

func IsTooLarge(err error) bool {
	return reason(CodeOf(err)) == "too_large"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsUnauthorized(err):
		if r := reason(CodeOf(err)); r == "forbidden" || r == "denied" {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case IsTooLarge(err):
		return http.StatusRequestEntityTooLarge
	case IsUnsupported(err) && area(CodeOf(err)) == "ingest":
		return http.StatusUnsupportedMediaType
	case IsBlocked(err):
		return http.StatusUnprocessableEntity
	case IsRateLimited(err):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return oops.Code(CodeServerInternalFailure).Wrap(joined)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}

func area(code Code) string {
	raw := string(code)
	if idx := strings.Index(raw, "."); idx > 0 {
		return raw[:idx]
	}
	return raw
}
