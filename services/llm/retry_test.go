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

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestRetryConfig_Validate(t *testing.T) {
	base := func() RetryConfig {
		return RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 2 * time.Second, BackoffFactor: 2.0}
	}
	tests := []struct {
		name    string
		mutate  func(*RetryConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(*RetryConfig) {}},
		{name: "zero attempts", mutate: func(c *RetryConfig) { c.MaxAttempts = 0 }, wantErr: true},
		{name: "zero initial backoff", mutate: func(c *RetryConfig) { c.InitialBackoff = 0 }, wantErr: true},
		{name: "max below initial", mutate: func(c *RetryConfig) { c.MaxBackoff = time.Millisecond }, wantErr: true},
		{name: "shrinking factor", mutate: func(c *RetryConfig) { c.BackoffFactor = 0.5 }, wantErr: true},
		{name: "jitter above one", mutate: func(c *RetryConfig) { c.JitterFactor = 1.5 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRetryConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
	assert.NoError(t, DefaultRetryConfig().Validate())
}

func TestRetryConfig_Delay(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
	tests := []struct {
		n      int
		spread float64
		want   time.Duration
	}{
		{n: 1, want: 100 * time.Millisecond},
		{n: 2, want: 200 * time.Millisecond},
		{n: 4, want: 800 * time.Millisecond},
		{n: 6, want: time.Second},
		{n: 1, spread: 1, want: 120 * time.Millisecond},
		{n: 1, spread: -1, want: 80 * time.Millisecond},
		{n: 5, spread: 1, want: time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Delay(tt.n, tt.spread), "n=%d spread=%v", tt.n, tt.spread)
	}
}

func TestRetryGenerate_TransientThenSuccess(t *testing.T) {
	gen, stats, err := retryGenerate(context.Background(), fastRetry(3), func(ctx context.Context, n int) (*Generation, error) {
		if n < 3 {
			return nil, NewTransientError("mock", errors.New("503"))
		}
		return &Generation{Text: "ok"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", gen.Text)
	assert.Equal(t, 3, stats.Attempts)
	assert.Positive(t, stats.Waited)
}

func TestRetryGenerate_PermanentStops(t *testing.T) {
	_, stats, err := retryGenerate(context.Background(), fastRetry(5), func(ctx context.Context, n int) (*Generation, error) {
		return nil, NewPermanentError("mock", errors.New("401"))
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, stats.Attempts)
	assert.Equal(t, KindPermanent, stats.LastKind)
	assert.Zero(t, stats.Waited)
}

func TestRetryGenerate_Exhausted(t *testing.T) {
	_, stats, err := retryGenerate(context.Background(), fastRetry(4), func(ctx context.Context, n int) (*Generation, error) {
		return nil, NewTransientError("mock", errors.New("503"))
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 4, stats.Attempts)
	assert.Equal(t, KindTransient, stats.LastKind)
}

func TestRetryGenerate_OpenBreakerStops(t *testing.T) {
	_, stats, err := retryGenerate(context.Background(), fastRetry(4), func(ctx context.Context, n int) (*Generation, error) {
		return nil, NewTransientError("gateway", ErrCircuitOpen)
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, stats.Attempts)
}

func TestRetryGenerate_ClassifiesPlainErrors(t *testing.T) {
	_, stats, err := retryGenerate(context.Background(), fastRetry(2), func(ctx context.Context, n int) (*Generation, error) {
		return nil, errors.New("connection reset")
	})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindTransient, pe.Kind)
	assert.Equal(t, 2, stats.Attempts)
}

func TestRetryGenerate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, stats, err := retryGenerate(ctx, fastRetry(3), func(ctx context.Context, n int) (*Generation, error) {
		called = true
		return nil, nil
	})
	assert.False(t, called)
	assert.Zero(t, stats.Attempts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsPermanent(err))
}

func TestRetryGenerate_CancelledDuringBackoff(t *testing.T) {
	cfg := fastRetry(3)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	_, stats, err := retryGenerate(ctx, cfg, func(ctx context.Context, n int) (*Generation, error) {
		cancel()
		return nil, NewTransientError("mock", errors.New("503"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, stats.Attempts)
}
