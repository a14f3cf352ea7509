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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResilientConfig() ResilientConfig {
	return ResilientConfig{
		Retry: fastRetry(3),
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 10,
			SuccessThreshold: 1,
			OpenDuration:     time.Hour,
			HalfOpenMax:      1,
		},
	}
}

func TestResilientGateway_RetriesTransient(t *testing.T) {
	mock := NewMockGateway(
		MockResponse{Err: NewTransientError("mock", errors.New("503"))},
		MockResponse{Err: NewTransientError("mock", errors.New("429"))},
		MockResponse{Text: "ok", Tokens: 12},
	)
	g := NewResilientGateway(mock, testResilientConfig(), nil)

	gen, err := g.Generate(context.Background(), "prompt", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "ok", gen.Text)
	assert.Equal(t, 12, gen.TokenCount)
	assert.Equal(t, 3, mock.CallCount())
}

func TestResilientGateway_PermanentNotRetried(t *testing.T) {
	mock := NewMockGateway(
		MockResponse{Err: NewPermanentError("mock", errors.New("401"))},
		MockResponse{Text: "never"},
	)
	g := NewResilientGateway(mock, testResilientConfig(), nil)

	_, err := g.Generate(context.Background(), "prompt", GenerationParams{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, mock.CallCount())
	assert.Equal(t, CircuitClosed, g.Breaker().State())
}

func TestResilientGateway_ExhaustedTransientSurfaces(t *testing.T) {
	mock := NewMockGateway(MockResponse{Err: NewTransientError("mock", errors.New("503"))})
	g := NewResilientGateway(mock, testResilientConfig(), nil)

	_, err := g.Generate(context.Background(), "prompt", GenerationParams{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, mock.CallCount())
}

func TestResilientGateway_BreakerOpens(t *testing.T) {
	cfg := testResilientConfig()
	cfg.Retry = fastRetry(1)
	cfg.CircuitBreaker.FailureThreshold = 2

	mock := NewMockGateway(MockResponse{Err: NewTransientError("mock", errors.New("503"))})
	g := NewResilientGateway(mock, cfg, nil)

	for i := 0; i < 2; i++ {
		_, _ = g.Generate(context.Background(), "p", GenerationParams{})
	}
	require.Equal(t, CircuitOpen, g.Breaker().State())

	_, err := g.Generate(context.Background(), "p", GenerationParams{})
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, 2, mock.CallCount(), "open breaker must not reach the provider")
}

func TestResilientGateway_CallTimeoutIsTransient(t *testing.T) {
	cfg := testResilientConfig()
	cfg.CallTimeout = 5 * time.Millisecond

	var calls int
	slow := NewMockGatewayFunc(func(ctx context.Context, prompt string, params GenerationParams) (*Generation, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, ClassifyTransportError("slow", ctx.Err())
		}
		return &Generation{Text: "late but fine", TokenCount: 3}, nil
	})
	g := NewResilientGateway(slow, cfg, nil)

	gen, err := g.Generate(context.Background(), "p", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "late but fine", gen.Text)
	assert.Equal(t, 2, slow.CallCount())
}

func TestResilientGateway_RateLimited(t *testing.T) {
	cfg := testResilientConfig()
	cfg.RateLimit = RateLimitConfig{RequestsPerSecond: 1000, Burst: 1}
	g := NewResilientGateway(NewMockGateway(MockResponse{Text: "x"}), cfg, nil)

	for i := 0; i < 3; i++ {
		_, err := g.Generate(context.Background(), "p", GenerationParams{})
		require.NoError(t, err)
	}
}

func TestResilientGateway_PermanentErrorsKeepBreakerClosed(t *testing.T) {
	cfg := testResilientConfig()
	cfg.Retry = fastRetry(1)
	cfg.CircuitBreaker.FailureThreshold = 2

	mock := NewMockGateway(
		MockResponse{Err: NewTransientError("mock", errors.New("503"))},
		MockResponse{Err: NewPermanentError("mock", errors.New("400"))},
		MockResponse{Err: NewTransientError("mock", errors.New("503"))},
		MockResponse{Err: NewPermanentError("mock", errors.New("400"))},
	)
	g := NewResilientGateway(mock, cfg, nil)

	for i := 0; i < 4; i++ {
		_, err := g.Generate(context.Background(), "p", GenerationParams{})
		require.Error(t, err)
	}
	assert.Equal(t, CircuitClosed, g.Breaker().State())
	assert.Equal(t, int64(2), g.Breaker().Stats().TotalFailures)
}

func TestResilientGateway_CallerCancelDoesNotCount(t *testing.T) {
	cfg := testResilientConfig()
	cfg.CircuitBreaker.FailureThreshold = 1

	ctx, cancel := context.WithCancel(context.Background())
	blocked := NewMockGatewayFunc(func(ctx context.Context, prompt string, params GenerationParams) (*Generation, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	g := NewResilientGateway(blocked, cfg, nil)

	_, err := g.Generate(ctx, "p", GenerationParams{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, blocked.CallCount())
	assert.Equal(t, CircuitClosed, g.Breaker().State())
}
