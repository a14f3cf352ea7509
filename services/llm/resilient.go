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
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	gatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reason_llm_calls_total",
		Help: "Total gateway calls by result",
	}, []string{"result"})

	gatewayRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reason_llm_retries_total",
		Help: "Total retried gateway attempts",
	})

	gatewayTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reason_llm_tokens_total",
		Help: "Total tokens reported by successful gateway calls",
	})

	gatewayCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reason_llm_call_duration_seconds",
		Help:    "Gateway call duration including retries",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	breakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reason_llm_breaker_transitions_total",
		Help: "Circuit breaker state transitions by target state",
	}, []string{"to"})
)

// RateLimitConfig bounds the request rate sent to a provider.
type RateLimitConfig struct {
	// RequestsPerSecond of 0 disables limiting.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" validate:"min=0"`
	Burst             int     `json:"burst" yaml:"burst" validate:"min=0"`
}

// ResilientConfig configures NewResilientGateway.
type ResilientConfig struct {
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`

	// CallTimeout bounds a single attempt. An attempt that hits it is a
	// transient failure and is retried. 0 disables the per-call timeout.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

// DefaultResilientConfig returns sensible defaults.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Retry:          DefaultRetryConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		CallTimeout:    2 * time.Minute,
	}
}

// ResilientGateway wraps a Gateway with retries, a circuit breaker and an
// optional rate limiter.
//
// Transient failures are retried with exponential backoff and jitter;
// permanent failures return on the first attempt. Only transient failures
// count toward opening the breaker, so a bad prompt cannot trip it.
//
// Thread Safety: Safe for concurrent use.
type ResilientGateway struct {
	inner   Gateway
	config  ResilientConfig
	breaker *CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewResilientGateway wraps inner.
func NewResilientGateway(inner Gateway, config ResilientConfig, logger *slog.Logger) *ResilientGateway {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Retry.MaxAttempts < 1 {
		config.Retry = DefaultRetryConfig()
	}
	if config.CircuitBreaker.FailureThreshold < 1 {
		config.CircuitBreaker = DefaultCircuitBreakerConfig()
	}

	g := &ResilientGateway{
		inner:   inner,
		config:  config,
		breaker: NewCircuitBreaker(config.CircuitBreaker),
		logger:  logger,
	}
	if config.RateLimit.RequestsPerSecond > 0 {
		burst := config.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(config.RateLimit.RequestsPerSecond), burst)
	}
	g.breaker.OnTransition(func(from, to CircuitState) {
		breakerTransitionsTotal.WithLabelValues(to.String()).Inc()
		logger.Warn("llm circuit breaker transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	return g
}

// Breaker exposes the circuit breaker for stats and health checks.
func (g *ResilientGateway) Breaker() *CircuitBreaker {
	return g.breaker
}

// Generate implements Gateway.
//
// Outputs:
//   - *Generation: The first successful generation.
//   - error: *ProviderError when attempts are exhausted or the failure is
//     permanent; ErrCircuitOpen (wrapped as transient) when the breaker
//     rejects the call. A rejection is not retried.
func (g *ResilientGateway) Generate(ctx context.Context, prompt string, params GenerationParams) (*Generation, error) {
	start := time.Now()
	defer func() {
		gatewayCallDuration.Observe(time.Since(start).Seconds())
	}()

	gen, stats, err := retryGenerate(ctx, g.config.Retry, func(ctx context.Context, n int) (*Generation, error) {
		if n > 1 {
			gatewayRetriesTotal.Inc()
		}
		out, err := g.attempt(ctx, prompt, params)
		if err != nil {
			g.logger.Debug("llm attempt failed",
				slog.Int("attempt", n),
				slog.Bool("transient", IsTransient(err)),
				slog.String("error", err.Error()),
			)
		}
		return out, err
	})
	if err != nil {
		gatewayCallsTotal.WithLabelValues("error").Inc()
		g.logger.Warn("llm call failed",
			slog.Int("attempts", stats.Attempts),
			slog.Duration("waited", stats.Waited),
			slog.String("kind", stats.LastKind.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	gatewayCallsTotal.WithLabelValues("ok").Inc()
	gatewayTokensTotal.Add(float64(gen.TokenCount))
	return gen, nil
}

func (g *ResilientGateway) attempt(ctx context.Context, prompt string, params GenerationParams) (*Generation, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, ClassifyTransportError("gateway", fmt.Errorf("rate limiter: %w", err))
		}
	}

	done, err := g.breaker.Acquire()
	if err != nil {
		return nil, NewTransientError("gateway", err)
	}

	callCtx := ctx
	if g.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.config.CallTimeout)
		defer cancel()
	}

	gen, err := g.inner.Generate(callCtx, prompt, params)
	switch {
	case err != nil && ctx.Err() == nil && callCtx.Err() != nil:
		// The per-call timeout fired, whatever the provider reported.
		err = NewTransientError("gateway", fmt.Errorf("call timeout after %s: %w", g.config.CallTimeout, err))
	case err != nil && !errors.As(err, new(*ProviderError)):
		err = ClassifyTransportError("gateway", err)
	case err == nil && gen == nil:
		err = NewTransientError("gateway", ErrEmptyResponse)
	}
	done(err)
	if err != nil {
		return nil, err
	}
	return gen, nil
}
