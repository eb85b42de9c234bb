// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the scribe instruments. All names use the "scribe_" prefix.
//
// Thread Safety: Safe for concurrent use. Methods are no-ops on a nil
// receiver.
type Metrics struct {
	// --- Downloads ---

	// DownloadsStarted counts download attempts by model.
	DownloadsStarted metric.Int64Counter

	// DownloadsFinished counts finished attempts by model and result
	// (success, failed, cancelled, stale).
	DownloadsFinished metric.Int64Counter

	// DownloadDuration records wall-clock time of successful downloads.
	DownloadDuration metric.Float64Histogram

	// --- Transcription ---

	// RoutingDecisions counts routing decisions by route and reason.
	RoutingDecisions metric.Int64Counter

	// TranscriptionDuration records engine latency by engine and outcome.
	TranscriptionDuration metric.Float64Histogram

	// --- Coordinator ---

	// CoordinatorUnloads counts unload hook invocations by workload.
	CoordinatorUnloads metric.Int64Counter
}

// NewMetrics registers all instruments on meter.
//
// Description:
//
//	Creates counters and histograms. Fails on the first registration error.
//
// Inputs:
//
//	meter - Usually otel.Meter("scribe").
//
// Outputs:
//
//	*Metrics - Ready to use.
//	error - Non-nil if any instrument cannot be created.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DownloadsStarted, err = meter.Int64Counter(
		"scribe_model_downloads_started_total",
		metric.WithDescription("Model download attempts started"),
		metric.WithUnit("{download}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create downloads_started: %w", err)
	}

	m.DownloadsFinished, err = meter.Int64Counter(
		"scribe_model_downloads_finished_total",
		metric.WithDescription("Model download attempts finished, by result"),
		metric.WithUnit("{download}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create downloads_finished: %w", err)
	}

	m.DownloadDuration, err = meter.Float64Histogram(
		"scribe_model_download_duration_seconds",
		metric.WithDescription("Successful model download duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 15, 30, 60, 120, 300, 600, 1200, 2400),
	)
	if err != nil {
		return nil, fmt.Errorf("create download_duration: %w", err)
	}

	m.RoutingDecisions, err = meter.Int64Counter(
		"scribe_routing_decisions_total",
		metric.WithDescription("Transcription routing decisions by route and reason"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create routing_decisions: %w", err)
	}

	m.TranscriptionDuration, err = meter.Float64Histogram(
		"scribe_transcription_duration_seconds",
		metric.WithDescription("Transcription engine latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create transcription_duration: %w", err)
	}

	m.CoordinatorUnloads, err = meter.Int64Counter(
		"scribe_coordinator_unloads_total",
		metric.WithDescription("Unload hooks invoked when switching workloads"),
		metric.WithUnit("{unload}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create coordinator_unloads: %w", err)
	}

	return m, nil
}

// DownloadStarted records a new attempt.
func (m *Metrics) DownloadStarted(ctx context.Context, modelID string) {
	if m == nil {
		return
	}
	m.DownloadsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("model", modelID)))
}

// DownloadFinished records the outcome of an attempt. elapsed is recorded
// only for result "success".
func (m *Metrics) DownloadFinished(ctx context.Context, modelID, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", modelID), attribute.String("result", result))
	m.DownloadsFinished.Add(ctx, 1, attrs)
	if result == "success" {
		m.DownloadDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("model", modelID)))
	}
}

// RoutingDecision records one routing decision.
func (m *Metrics) RoutingDecision(ctx context.Context, route, reason string) {
	if m == nil {
		return
	}
	m.RoutingDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("reason", reason),
	))
}

// Transcription records engine latency.
func (m *Metrics) Transcription(ctx context.Context, engine string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.TranscriptionDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("outcome", outcome),
	))
}

// Unload records an unload hook invocation.
func (m *Metrics) Unload(ctx context.Context, workload string) {
	if m == nil {
		return
	}
	m.CoordinatorUnloads.Add(ctx, 1, metric.WithAttributes(attribute.String("workload", workload)))
}
