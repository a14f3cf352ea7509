// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("llm circuit breaker is open")

	// ErrEmptyResponse is returned when a provider answers without text.
	ErrEmptyResponse = errors.New("llm returned an empty response")

	// ErrMissingAPIKey is returned when a hosted backend has no credentials.
	ErrMissingAPIKey = errors.New("llm api key is missing")
)

// ErrorKind classifies a provider failure for retry decisions.
type ErrorKind int

const (
	// KindTransient failures may succeed on retry (timeouts, 429, 5xx).
	KindTransient ErrorKind = iota
	// KindPermanent failures will not succeed on retry (4xx, bad config).
	KindPermanent
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ProviderError is the only error type a Gateway implementation returns.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (%s, status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is retryable.
func (e *ProviderError) Transient() bool {
	return e.Kind == KindTransient
}

// NewTransientError wraps err as a retryable provider failure.
func NewTransientError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindTransient, Err: err}
}

// NewPermanentError wraps err as a non-retryable provider failure.
func NewPermanentError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindPermanent, Err: err}
}

// ClassifyStatus maps an HTTP status code to an ErrorKind.
//
// 408, 425, 429 and every 5xx are transient; anything else is permanent.
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// NewStatusError builds a ProviderError from a non-200 HTTP response.
func NewStatusError(provider string, code int, body string) *ProviderError {
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return &ProviderError{
		Provider:   provider,
		Kind:       ClassifyStatus(code),
		StatusCode: code,
		Err:        fmt.Errorf("status %d: %s", code, body),
	}
}

// ClassifyTransportError wraps an error from the HTTP round trip.
//
// Caller cancellation is permanent; deadlines and network timeouts are
// transient, as are connection-level failures.
func ClassifyTransportError(provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return NewPermanentError(provider, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError(provider, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransientError(provider, err)
	}
	return NewTransientError(provider, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return false
}

// IsPermanent reports whether err is a provider failure that must not be retried.
func IsPermanent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Transient()
	}
	return false
}
