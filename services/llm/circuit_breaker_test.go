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

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testBreaker(failures, successes int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		OpenDuration:     time.Minute,
		HalfOpenMax:      1,
	})
	cb.now = clock.now
	return cb, clock
}

var errUnavailable = NewTransientError("mock", errors.New("503"))

// call runs one admitted call ending in err.
func call(t *testing.T, cb *CircuitBreaker, err error) {
	t.Helper()
	done, acqErr := cb.Acquire()
	require.NoError(t, acqErr)
	done(err)
}

func TestCircuitBreaker_OpensOnTransientRun(t *testing.T) {
	cb, _ := testBreaker(3, 1)

	call(t, cb, errUnavailable)
	call(t, cb, errUnavailable)
	call(t, cb, nil)
	assert.Equal(t, 0, cb.Stats().CurrentFailures)

	for i := 0; i < 3; i++ {
		call(t, cb, errUnavailable)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	_, err := cb.Acquire()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int64(1), cb.Stats().TotalRejections)
}

func TestCircuitBreaker_PermanentFailuresDoNotTrip(t *testing.T) {
	cb, _ := testBreaker(2, 1)

	for i := 0; i < 10; i++ {
		call(t, cb, NewPermanentError("mock", errors.New("400")))
	}
	assert.Equal(t, CircuitClosed, cb.State())

	call(t, cb, errUnavailable)
	call(t, cb, NewPermanentError("mock", errors.New("400")))
	call(t, cb, errUnavailable)
	assert.Equal(t, CircuitClosed, cb.State(), "a permanent answer ends the failure run")
	assert.Equal(t, int64(2), cb.Stats().TotalFailures)
}

func TestCircuitBreaker_CancelledCallsAreNeutral(t *testing.T) {
	cb, _ := testBreaker(2, 1)

	call(t, cb, errUnavailable)
	call(t, cb, NewPermanentError("gateway", context.Canceled))
	assert.Equal(t, 1, cb.Stats().CurrentFailures)

	call(t, cb, errUnavailable)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb, clock := testBreaker(1, 2)
	var transitions []CircuitState
	cb.OnTransition(func(from, to CircuitState) { transitions = append(transitions, to) })

	call(t, cb, errUnavailable)
	require.Equal(t, CircuitOpen, cb.State())

	clock.advance(30 * time.Second)
	_, err := cb.Acquire()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.advance(30 * time.Second)
	done, err := cb.Acquire()
	require.NoError(t, err)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	_, err = cb.Acquire()
	assert.ErrorIs(t, err, ErrCircuitOpen, "only one trial in flight")

	done(nil)
	call(t, cb, nil)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := testBreaker(1, 1)

	call(t, cb, errUnavailable)
	clock.advance(time.Minute)
	call(t, cb, errUnavailable)
	assert.Equal(t, CircuitOpen, cb.State())

	_, err := cb.Acquire()
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_IgnoresOutcomesFromEarlierState(t *testing.T) {
	cb, clock := testBreaker(1, 1)

	slow, err := cb.Acquire()
	require.NoError(t, err)
	call(t, cb, errUnavailable)
	require.Equal(t, CircuitOpen, cb.State())

	slow(nil)
	assert.Equal(t, CircuitOpen, cb.State(), "a call admitted while closed cannot close an open breaker")

	clock.advance(time.Minute)
	trial, err := cb.Acquire()
	require.NoError(t, err)
	cb.Reset()
	trial(errUnavailable)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_DoneIsIdempotent(t *testing.T) {
	cb, _ := testBreaker(2, 1)

	done, err := cb.Acquire()
	require.NoError(t, err)
	done(errUnavailable)
	done(errUnavailable)

	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 1, cb.Stats().CurrentFailures)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := testBreaker(1, 1)
	call(t, cb, errUnavailable)
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	call(t, cb, nil)

	stats := cb.Stats()
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, int64(2), stats.TotalCalls)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
