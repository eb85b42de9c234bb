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
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/scribe/services/coordinator"
	"github.com/AleutianAI/scribe/services/events"
	"github.com/AleutianAI/scribe/services/telemetry"
)

// Router picks an engine per request and falls back to the cloud when the
// local engine fails.
//
// # Description
//
// Every request gets a request id and exactly one initial routing
// decision. When a local attempt fails with a fallback-eligible error and
// strict-local mode is off, a second decision marked as a fallback is
// recorded and the request is retried once on the cloud engine. If that
// also fails, the local error is returned because it says more about what
// went wrong.
//
// Local inference runs under the coordinator as WorkloadTranscription.
// Repeated fallback-eligible local failures open a circuit breaker; while
// it is open, requests go straight to the cloud with reason
// local_circuit_open.
//
// # Thread Safety
//
// Safe for concurrent use.
type Router struct {
	sel      *selector
	cloud    Service
	newLocal LocalEngineBuilder
	coord    *coordinator.Coordinator
	strict   bool
	breaker  *circuitBreaker
	events   events.Publisher
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	engine LocalEngine
	folder string
}

func newRouter(sel *selector, cfg FactoryConfig) (*Router, error) {
	r := &Router{
		sel:      sel,
		cloud:    cfg.Cloud,
		newLocal: cfg.NewLocal,
		coord:    cfg.Coordinator,
		strict:   cfg.StrictLocal,
		breaker:  newCircuitBreaker(cfg.Breaker),
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	if r.coord != nil {
		if err := r.coord.RegisterUnloadHook(coordinator.WorkloadTranscription, r.unloadEngine); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Transcribe implements Service.
func (r *Router) Transcribe(ctx context.Context, audioPath, languageHint string) (string, error) {
	res, err := r.TranscribeDetailed(ctx, audioPath, languageHint)
	return res.Text, err
}

// TranscribeDetailed is Transcribe plus the routing decisions taken.
// The Result carries the request id and decisions even on error.
func (r *Router) TranscribeDetailed(ctx context.Context, audioPath, languageHint string) (res Result, err error) {
	res.RequestID = uuid.NewString()
	ctx, span := telemetry.StartSpan(ctx, "scribe.transcription", "Router.Transcribe",
		trace.WithAttributes(attribute.String("request.id", res.RequestID)))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	decision, sel, ok := r.decide(ctx, res.RequestID)
	if !ok {
		return res, ErrNoEngine
	}
	r.record(ctx, &res, decision)

	if decision.Route == EngineCloud {
		res.Text, err = r.runCloud(ctx, audioPath, languageHint)
		return res, err
	}

	text, localErr := r.runLocal(ctx, sel, audioPath, languageHint)
	if localErr == nil {
		r.breaker.RecordSuccess()
		res.Text = text
		return res, nil
	}

	reason, eligible := FallbackReason(localErr)
	if eligible {
		r.breaker.RecordFailure()
	}
	if r.strict || !eligible || r.cloud == nil {
		r.logger.Warn("local transcription failed, not falling back",
			"request_id", res.RequestID, "strict", r.strict, "eligible", eligible, "error", localErr)
		return res, localErr
	}

	r.record(ctx, &res, Decision{
		RequestID: res.RequestID,
		Route:     EngineCloud,
		Reason:    reason,
		ModelID:   sel.ModelID,
		Fallback:  true,
	})
	text, cloudErr := r.runCloud(ctx, audioPath, languageHint)
	if cloudErr != nil {
		r.logger.Error("cloud fallback failed, returning local error",
			"request_id", res.RequestID, "local_error", localErr, "cloud_error", cloudErr)
		return res, localErr
	}
	res.Text = text
	return res, nil
}

// decide makes the initial routing decision. ok is false when no engine
// can serve the request.
func (r *Router) decide(ctx context.Context, requestID string) (Decision, localSelection, bool) {
	pref, err := r.sel.prefs.PreferredEngine(ctx)
	if err != nil {
		r.logger.Warn("reading engine preference failed, using default", "error", err)
	}
	if pref == EngineCloud && r.cloud != nil {
		return Decision{RequestID: requestID, Route: EngineCloud, Reason: ReasonCloudPreferred}, localSelection{}, true
	}

	sel, ok := r.sel.resolveLocal(ctx)
	if !ok {
		if r.cloud == nil {
			return Decision{}, localSelection{}, false
		}
		return Decision{RequestID: requestID, Route: EngineCloud, Reason: ReasonLocalModelUnavailable}, localSelection{}, true
	}

	if !r.strict && r.cloud != nil && !r.breaker.Allow() {
		return Decision{RequestID: requestID, Route: EngineCloud, Reason: ReasonLocalCircuitOpen, ModelID: sel.ModelID}, sel, true
	}

	reason := ReasonLocalPreferred
	if pref == EngineCloud {
		reason = ReasonCloudUnavailable
	}
	return Decision{RequestID: requestID, Route: EngineLocal, Reason: reason, ModelID: sel.ModelID}, sel, true
}

func (r *Router) record(ctx context.Context, res *Result, d Decision) {
	res.Decisions = append(res.Decisions, d)
	r.events.Publish(events.Event{
		Type:      events.TypeRoutingDecision,
		RequestID: d.RequestID,
		Route:     string(d.Route),
		Reason:    d.Reason,
		ModelID:   d.ModelID,
	})
	r.metrics.RoutingDecision(ctx, string(d.Route), d.Reason)
	r.logger.Info("routing decision", "request_id", d.RequestID, "route", d.Route,
		"reason", d.Reason, "model_id", d.ModelID, "fallback", d.Fallback)
}

func (r *Router) runCloud(ctx context.Context, audioPath, languageHint string) (string, error) {
	start := time.Now()
	text, err := r.cloud.Transcribe(ctx, audioPath, languageHint)
	r.metrics.Transcription(ctx, string(EngineCloud), time.Since(start), err)
	return text, err
}

func (r *Router) runLocal(ctx context.Context, sel localSelection, audioPath, languageHint string) (string, error) {
	start := time.Now()
	var text string
	op := func(ctx context.Context) error {
		engine := r.engineFor(ctx, sel)
		if err := engine.Load(ctx); err != nil {
			return err
		}
		var err error
		text, err = engine.Transcribe(ctx, audioPath, languageHint)
		return err
	}

	var err error
	if r.coord != nil {
		err = r.coord.Acquire(ctx, coordinator.WorkloadTranscription, op)
	} else {
		err = op(ctx)
	}
	r.metrics.Transcription(ctx, string(EngineLocal), time.Since(start), err)
	return text, err
}

// engineFor returns the engine for sel, replacing (and unloading) an
// engine built for a different model or folder.
func (r *Router) engineFor(ctx context.Context, sel localSelection) LocalEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engine != nil && r.engine.ModelID() == sel.ModelID && r.folder == sel.Folder {
		return r.engine
	}
	if r.engine != nil {
		if err := r.engine.Unload(ctx); err != nil {
			r.logger.Warn("unloading previous local engine failed", "model_id", r.engine.ModelID(), "error", err)
		}
	}
	r.engine = r.newLocal(sel.ModelID, sel.Folder)
	r.folder = sel.Folder
	return r.engine
}

// unloadEngine is the coordinator's unload hook for transcription.
func (r *Router) unloadEngine(ctx context.Context) error {
	r.mu.Lock()
	engine := r.engine
	r.mu.Unlock()
	if engine == nil {
		return nil
	}
	return engine.Unload(ctx)
}

// BreakerState returns the local circuit breaker state.
func (r *Router) BreakerState() CircuitState {
	return r.breaker.State()
}

// Close unloads the local engine.
func (r *Router) Close(ctx context.Context) error {
	return r.unloadEngine(ctx)
}
