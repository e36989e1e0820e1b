// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"axonflow/gateway/sdk"
)

// ClassifyHTTPStatus maps a non-2xx provider response into the sdk retry
// error taxonomy:
//
//   - 429 becomes a rate-limited RetryableError carrying the Retry-After
//     hint when the server sent one
//   - 5xx becomes a plain RetryableError
//   - every other 4xx becomes a NonRetryableError
func ClassifyHTTPStatus(provider string, status int, message, retryAfter string) error {
	switch {
	case status == http.StatusTooManyRequests:
		perr := &ProviderError{
			Provider:   provider,
			Code:       ErrCodeRateLimit,
			Message:    message,
			StatusCode: status,
			Retryable:  true,
		}
		return &sdk.RetryableError{
			Err:         perr,
			RateLimited: true,
			RetryAfter:  parseRetryAfter(retryAfter),
		}
	case status >= 500:
		perr := &ProviderError{
			Provider:   provider,
			Code:       ErrCodeServerError,
			Message:    message,
			StatusCode: status,
			Retryable:  true,
		}
		return &sdk.RetryableError{Err: perr}
	default:
		code := ErrCodeInvalidRequest
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden:
			code = ErrCodeAuth
		case http.StatusNotFound:
			code = ErrCodeModelNotFound
		}
		perr := &ProviderError{
			Provider:   provider,
			Code:       code,
			Message:    message,
			StatusCode: status,
		}
		return &sdk.NonRetryableError{Err: perr}
	}
}

// ClassifyTransportError maps connection failures and timeouts into
// retryable errors.
func ClassifyTransportError(provider string, err error) error {
	code := ErrCodeUnavailable
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		code = ErrCodeTimeout
	}
	perr := &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   fmt.Sprintf("request failed: %v", err),
		Retryable: true,
		Cause:     err,
	}
	return &sdk.RetryableError{Err: perr}
}

// parseRetryAfter handles the delta-seconds form of Retry-After. The
// HTTP-date form is rare from LLM providers and falls back to zero, which
// lets the caller's own backoff schedule apply.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
