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
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	// CircuitClosed admits every call.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until OpenDuration has passed.
	CircuitOpen
	// CircuitHalfOpen admits up to HalfOpenMax trial calls.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the run of transient failures that opens the
	// breaker. Default: 5
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" validate:"min=1"`

	// SuccessThreshold is the run of good trial calls that closes it
	// again. Default: 2
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold" validate:"min=1"`

	// OpenDuration is how long calls are rejected. Default: 30s
	OpenDuration time.Duration `json:"open_duration" yaml:"open_duration"`

	// HalfOpenMax bounds trial calls in flight. Default: 1
	HalfOpenMax int `json:"half_open_max" yaml:"half_open_max" validate:"min=1"`
}

// DefaultCircuitBreakerConfig returns the defaults listed on the fields.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitBreakerStats is a snapshot of a CircuitBreaker.
type CircuitBreakerStats struct {
	State           string    `json:"state"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	CurrentFailures int       `json:"current_failures"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreaker stops calling a provider that keeps failing.
//
// It judges outcomes itself: only transient provider failures count
// against the provider. A success or a permanent failure shows the
// provider is answering and ends a failure run. A call the caller
// cancelled says nothing about the provider and is ignored.
//
// Outcomes are tied to the state they were admitted in, so a slow call
// admitted before the breaker opened cannot close it later.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu      sync.Mutex
	state   CircuitState
	epoch   uint64
	run     int
	trials  int
	changed time.Time

	onTransition func(from, to CircuitState)

	calls, failures, rejections int64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	cb := &CircuitBreaker{config: config, now: time.Now}
	cb.changed = cb.now()
	return cb
}

// OnTransition registers a hook for state changes. The hook runs with the
// breaker locked and must not call back into it.
func (cb *CircuitBreaker) OnTransition(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTransition = fn
}

// State returns the current state. An open breaker whose OpenDuration has
// passed still reports open until the next Acquire.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Acquire admits one gateway call or rejects it with ErrCircuitOpen.
//
// On admission the caller must call done exactly once with the call's
// error; later calls of done are ignored.
func (cb *CircuitBreaker) Acquire() (done func(err error), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.calls++
	if cb.state == CircuitOpen && !cb.now().Before(cb.changed.Add(cb.config.OpenDuration)) {
		cb.setState(CircuitHalfOpen)
	}

	trial := false
	switch cb.state {
	case CircuitOpen:
		cb.rejections++
		return nil, ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.trials >= cb.config.HalfOpenMax {
			cb.rejections++
			return nil, ErrCircuitOpen
		}
		cb.trials++
		trial = true
	}

	epoch := cb.epoch
	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.observe(epoch, trial, err) })
	}, nil
}

func (cb *CircuitBreaker) observe(epoch uint64, trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial && epoch == cb.epoch && cb.trials > 0 {
		cb.trials--
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	failed := IsTransient(err)
	if failed {
		cb.failures++
	}
	if epoch != cb.epoch {
		return
	}

	switch cb.state {
	case CircuitClosed:
		if !failed {
			cb.run = 0
			return
		}
		cb.run++
		if cb.run >= cb.config.FailureThreshold {
			cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		if failed {
			cb.setState(CircuitOpen)
			return
		}
		cb.run++
		if cb.run >= cb.config.SuccessThreshold {
			cb.setState(CircuitClosed)
		}
	}
}

// setState must be called with the lock held.
func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.epoch++
	cb.run = 0
	cb.trials = 0
	cb.changed = cb.now()
	if cb.onTransition != nil && from != to {
		cb.onTransition(from, to)
	}
}

// Stats returns a snapshot. CurrentFailures is the current failure run
// while closed.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	current := 0
	if cb.state == CircuitClosed {
		current = cb.run
	}
	return CircuitBreakerStats{
		State:           cb.state.String(),
		TotalCalls:      cb.calls,
		TotalFailures:   cb.failures,
		TotalRejections: cb.rejections,
		CurrentFailures: current,
		LastStateChange: cb.changed,
	}
}

// Reset closes the breaker. Outcomes of calls admitted before the reset
// are ignored.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(CircuitClosed)
}
