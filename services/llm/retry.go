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
	"math"
	"math/rand/v2"
	"time"
)

// ErrInvalidRetryConfig is returned by RetryConfig.Validate.
var ErrInvalidRetryConfig = errors.New("invalid retry config")

// RetryConfig sets how often and how patiently a gateway call is retried.
type RetryConfig struct {
	// MaxAttempts counts the first call. Default: 3
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" validate:"min=1,max=20"`

	// InitialBackoff is the wait before the first retry. Default: 500ms
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps every wait, jitter included. Default: 10s
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffFactor grows the wait per retry. Default: 2.0
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoff_factor"`

	// JitterFactor spreads each wait by up to this fraction. Default: 0.2
	JitterFactor float64 `json:"jitter_factor" yaml:"jitter_factor" validate:"min=0,max=1"`
}

// DefaultRetryConfig returns three attempts backing off from 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate checks the retry configuration.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1, got %d", ErrInvalidRetryConfig, c.MaxAttempts)
	case c.InitialBackoff <= 0:
		return fmt.Errorf("%w: initial_backoff must be positive, got %s", ErrInvalidRetryConfig, c.InitialBackoff)
	case c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("%w: max_backoff %s is below initial_backoff %s", ErrInvalidRetryConfig, c.MaxBackoff, c.InitialBackoff)
	case c.BackoffFactor < 1.0:
		return fmt.Errorf("%w: backoff_factor must be at least 1, got %v", ErrInvalidRetryConfig, c.BackoffFactor)
	case c.JitterFactor < 0 || c.JitterFactor > 1:
		return fmt.Errorf("%w: jitter_factor must be in [0,1], got %v", ErrInvalidRetryConfig, c.JitterFactor)
	}
	return nil
}

// Delay returns the wait before retry n, where n is 1 before the second
// attempt. spread in [-1, 1] picks a point inside the jitter band.
func (c RetryConfig) Delay(n int, spread float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(c.InitialBackoff) * math.Pow(c.BackoffFactor, float64(n-1))
	d *= 1 + spread*c.JitterFactor
	if limit := float64(c.MaxBackoff); d > limit {
		d = limit
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// RetryStats describes one retried gateway call.
type RetryStats struct {
	Attempts int
	Waited   time.Duration

	// LastKind is the kind of the last failed attempt.
	LastKind ErrorKind
}

// attemptFunc makes attempt n of one gateway call.
type attemptFunc func(ctx context.Context, n int) (*Generation, error)

// retryGenerate runs attempt until it yields a generation.
//
// Errors that are not a *ProviderError are classified as transport
// failures first. Transient failures are retried up to cfg.MaxAttempts.
// A permanent failure, a rejection by an open breaker or a cancelled ctx
// ends the call at once: the breaker stays open far longer than any
// backoff. The returned error is always a *ProviderError.
func retryGenerate(ctx context.Context, cfg RetryConfig, attempt attemptFunc) (*Generation, RetryStats, error) {
	var stats RetryStats
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return nil, stats, NewPermanentError("gateway", err)
		}
		stats.Attempts = n

		gen, err := attempt(ctx, n)
		if err == nil {
			return gen, stats, nil
		}
		var pe *ProviderError
		if !errors.As(err, &pe) {
			pe = ClassifyTransportError("gateway", err)
			err = pe
		}
		stats.LastKind = pe.Kind
		if pe.Kind == KindPermanent || errors.Is(err, ErrCircuitOpen) || n >= cfg.MaxAttempts {
			return nil, stats, err
		}

		wait := cfg.Delay(n, rand.Float64()*2-1)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, stats, NewPermanentError("gateway", ctx.Err())
		case <-timer.C:
		}
		stats.Waited += wait
	}
}
