// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package provider

import (
	"context"
	"errors"
	"net/http"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// statusOverloaded is Anthropic's "overloaded" response.
const statusOverloaded = 529

// UpstreamError classifies a failed backend call into the generation error
// taxonomy. status is the HTTP status reported by the SDK, or 0 when the
// call never produced a response. Errors that already carry a generation
// code are returned unchanged.
func UpstreamError(providerName string, status int, err error) error {
	if err == nil {
		return nil
	}
	if quarryerr.IsGenerationBackend(err) {
		return err
	}

	field := quarryerr.FieldProvider(providerName)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return quarryerr.Wrap(err, quarryerr.CodeGenerationTimeout, providerName+": generation timed out", field)
	case status == http.StatusTooManyRequests || status == statusOverloaded:
		return quarryerr.Wrap(err, quarryerr.CodeGenerationRateLimited, providerName+": rate limited", field)
	case status >= 400 && status < 500:
		return quarryerr.Wrap(err, quarryerr.CodeGenerationRequestInvalid, providerName+": request rejected", field)
	default:
		return quarryerr.Wrap(err, quarryerr.CodeGenerationUpstreamFailure, providerName+": generation failed", field)
	}
}
