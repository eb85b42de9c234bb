// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transcription

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the state of the local-engine circuit breaker.
//
// # State Diagram
//
//	CLOSED ──[failure threshold]──► OPEN
//	   ▲                              │
//	   │                          [timeout]
//	   │                              ▼
//	   └──────[success]────────── HALF_OPEN ──[failure]──► OPEN
type CircuitState int

const (
	// CircuitClosed routes local requests normally.
	CircuitClosed CircuitState = iota

	// CircuitOpen sends requests straight to the cloud.
	CircuitOpen

	// CircuitHalfOpen lets local requests through to test recovery.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// BreakerConfig configures the local-engine circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is consecutive fallback-eligible local failures
	// before the circuit opens. Default: 3
	FailureThreshold int

	// SuccessThreshold is consecutive successes needed to close from
	// half-open. Default: 1
	SuccessThreshold int

	// OpenTimeout is how long requests bypass the local engine.
	// Default: 2 minutes
	OpenTimeout time.Duration

	// OnStateChange is called asynchronously on every transition.
	OnStateChange func(from, to CircuitState)

	now func() time.Time
}

// DefaultBreakerConfig returns the defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      2 * time.Minute,
	}
}

// circuitBreaker stops sending requests to a local engine that keeps
// failing, so users are not charged a slow local failure on every request
// before the cloud fallback.
//
// # Thread Safety
//
// Safe for concurrent use.
type circuitBreaker struct {
	config      BreakerConfig
	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

func newCircuitBreaker(config BreakerConfig) *circuitBreaker {
	d := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = d.SuccessThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = d.OpenTimeout
	}
	if config.now == nil {
		config.now = time.Now
	}
	return &circuitBreaker{config: config, state: CircuitClosed}
}

// Allow reports whether a local request may proceed, moving an expired
// open circuit to half-open.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if cb.config.now().Sub(cb.lastFailure) > cb.config.OpenTimeout {
			cb.transitionTo(CircuitHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful local request.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		if cb.successes >= cb.config.SuccessThreshold {
			cb.failures = 0
			cb.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure notes a local failure that caused a fallback.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.successes = 0
	cb.lastFailure = cb.config.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *circuitBreaker) transitionTo(state CircuitState) {
	if cb.state == state {
		return
	}
	old := cb.state
	cb.state = state
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(old, state)
	}
}

// State returns the current circuit state.
func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears the counters.
func (cb *circuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	cb.transitionTo(CircuitClosed)
}
