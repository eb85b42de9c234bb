// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator serialises access to heavy local models so that at
// most one of them is resident in memory at a time.
//
// Transcription acquires WorkloadTranscription through the transcription
// router. WorkloadAnalysis is acquired by the summary and analysis
// pipeline of the embedding application, which lives outside this module;
// it registers its own unload hook and calls Acquire directly. Within this
// module only the status endpoint and tests observe it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/scribe/services/telemetry"
)

// Workload identifies a family of operations sharing one resident model.
type Workload int

const (
	// WorkloadTranscription runs the local speech model.
	WorkloadTranscription Workload = iota + 1

	// WorkloadAnalysis runs the local language model used for summaries.
	// Its caller is external; see the package documentation.
	WorkloadAnalysis
)

// String returns the workload name used in logs and metrics.
func (w Workload) String() string {
	switch w {
	case WorkloadTranscription:
		return "transcription"
	case WorkloadAnalysis:
		return "analysis"
	default:
		return fmt.Sprintf("unknown(%d)", int(w))
	}
}

// State is the coordinator's current activity.
type State int

const (
	StateIdle State = iota
	StateTranscribing
	StateAnalyzing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTranscribing:
		return "transcribing"
	case StateAnalyzing:
		return "analyzing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func busyState(w Workload) State {
	if w == WorkloadAnalysis {
		return StateAnalyzing
	}
	return StateTranscribing
}

var (
	// ErrUnknownWorkload is returned for a Workload outside the defined set.
	ErrUnknownWorkload = errors.New("unknown workload")

	// ErrUnloadFailed wraps an unload hook failure. The new operation is
	// not started because the previous model may still hold its memory.
	ErrUnloadFailed = errors.New("unloading resident model failed")
)

// UnloadHook frees the memory held by a workload's model.
type UnloadHook func(ctx context.Context) error

// Operation is work run while holding the coordinator.
type Operation func(ctx context.Context) error

// Status is a point-in-time view for the API.
type Status struct {
	State    string `json:"state"`
	Resident string `json:"resident,omitempty"`
}

// Config configures a Coordinator.
type Config struct {
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Coordinator runs one Operation at a time and keeps track of which
// workload's model is resident.
//
// # Description
//
// The slot is a single-element channel: Acquire blocks on it (honouring
// ctx) so waiters queue without spinning. When the holder's workload
// differs from the resident one, the resident workload's unload hook runs
// exactly once before the operation starts. Consecutive operations for the
// same workload skip the unload entirely.
//
// The slot is always released, including when the operation returns an
// error, its context is cancelled, or it panics.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	slot    chan struct{}
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	state    State
	resident Workload
	hooks    map[Workload]UnloadHook
}

// New creates an idle Coordinator with nothing resident.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		slot:    make(chan struct{}, 1),
		logger:  logger,
		metrics: cfg.Metrics,
		hooks:   make(map[Workload]UnloadHook),
	}
}

// RegisterUnloadHook sets the hook that frees workload's model. A later
// registration replaces an earlier one.
func (c *Coordinator) RegisterUnloadHook(workload Workload, hook UnloadHook) error {
	if err := validate(workload); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[workload] = hook
	return nil
}

// Acquire runs op for workload once the coordinator is free.
//
// # Inputs
//
//   - ctx: Bounds the wait for the slot and is passed to the unload hook
//     and op.
//   - workload: The workload op belongs to.
//   - op: The work to run.
//
// # Outputs
//
//   - error: ctx.Err() if the wait was abandoned, ErrUnloadFailed if the
//     other workload could not be unloaded, otherwise op's error.
func (c *Coordinator) Acquire(ctx context.Context, workload Workload, op Operation) error {
	if err := validate(workload); err != nil {
		return err
	}
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer c.release()

	if err := c.switchTo(ctx, workload); err != nil {
		return err
	}
	return op(ctx)
}

// switchTo unloads the resident workload when it differs from workload and
// marks workload busy. Caller holds the slot.
func (c *Coordinator) switchTo(ctx context.Context, workload Workload) error {
	c.mu.Lock()
	prev := c.resident
	hook := c.hooks[prev]
	c.mu.Unlock()

	if prev != 0 && prev != workload {
		if hook != nil {
			c.logger.Info("unloading resident model", "resident", prev.String(), "next", workload.String())
			c.metrics.Unload(ctx, prev.String())
			if err := hook(ctx); err != nil {
				c.logger.Error("unload hook failed", "workload", prev.String(), "error", err)
				return fmt.Errorf("%w: %s: %w", ErrUnloadFailed, prev, err)
			}
		}
	}

	c.mu.Lock()
	c.resident = workload
	c.state = busyState(workload)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	<-c.slot
}

// Evict unloads the resident workload, if any, once the coordinator is
// free. Used on shutdown and under memory pressure.
func (c *Coordinator) Evict(ctx context.Context) error {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.slot }()

	c.mu.Lock()
	prev := c.resident
	hook := c.hooks[prev]
	c.mu.Unlock()
	if prev == 0 {
		return nil
	}
	if hook != nil {
		c.metrics.Unload(ctx, prev.String())
		if err := hook(ctx); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrUnloadFailed, prev, err)
		}
	}
	c.mu.Lock()
	c.resident = 0
	c.mu.Unlock()
	return nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Resident returns the workload whose model is loaded, and false when
// nothing is.
func (c *Coordinator) Resident() (Workload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident, c.resident != 0
}

// Status returns a snapshot for display.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{State: c.state.String()}
	if c.resident != 0 {
		s.Resident = c.resident.String()
	}
	return s
}

func validate(w Workload) error {
	if w != WorkloadTranscription && w != WorkloadAnalysis {
		return fmt.Errorf("%w: %d", ErrUnknownWorkload, int(w))
	}
	return nil
}
