// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the model manager, the transcription router and the
// resource coordinator over HTTP for the UI layer.
package api

import (
	"context"

	"github.com/AleutianAI/scribe/services/coordinator"
	"github.com/AleutianAI/scribe/services/events"
	"github.com/AleutianAI/scribe/services/models"
	"github.com/AleutianAI/scribe/services/transcription"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.3.0"

// ModelService is the part of *models.Manager the handlers use.
type ModelService interface {
	Catalog() *models.Catalog
	Snapshot(ctx context.Context) []models.Status
	State(ctx context.Context, id string) models.State
	Metadata(id string) (models.Metadata, bool)
	StartDownload(ctx context.Context, id string) error
	RetryDownload(ctx context.Context, id string) error
	ForceRetryDownload(ctx context.Context, id string) error
	CancelDownload(ctx context.Context, id string) error
	DeleteModel(ctx context.Context, id string) error
}

// ServiceFactory picks the transcription service for a request.
type ServiceFactory interface {
	CreateTranscriptionService(ctx context.Context) (transcription.Service, error)
}

// detailedTranscriber is implemented by *transcription.Router.
type detailedTranscriber interface {
	TranscribeDetailed(ctx context.Context, audioPath, languageHint string) (transcription.Result, error)
}

// EventSource is the read side of *events.Bus.
type EventSource interface {
	Since(seq int64) []events.Event
	Subscribe(buffer int, filter func(events.Event) bool) (<-chan events.Event, func())
}

// CoordinatorStatus reports what the coordinator is doing.
type CoordinatorStatus interface {
	Status() coordinator.Status
}

// -----------------------------------------------------------------------------
// Requests and responses
// -----------------------------------------------------------------------------

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable code.
	Code string `json:"code,omitempty"`

	// Details carries remediation or technical context (optional).
	Details string `json:"details,omitempty"`
}

// Error codes.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeModelNotFound    = "model_not_found"
	CodeNetwork          = "network_error"
	CodeStorage          = "storage_error"
	CodeCancelled        = "cancelled"
	CodeNoEngine         = "no_engine"
	CodeTranscription    = "transcription_failed"
	CodeAudioProcessing  = "audio_processing_failed"
	CodeResourceBusy     = "resource_busy"
	CodeInternal         = "internal_error"
	CodeServiceNotConfig = "not_configured"
)

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Models      int    `json:"models"`
	Installed   int    `json:"installed"`
	Downloading int    `json:"downloading"`
}

// ModelListResponse is returned by GET /v1/models.
type ModelListResponse struct {
	Models    []models.Status `json:"models"`
	DefaultID string          `json:"defaultId"`
}

// ActionResponse acknowledges a model command.
type ActionResponse struct {
	ModelID string `json:"modelId"`
	State   string `json:"state"`
}

// EventsResponse is returned by GET /v1/events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	Latest int64          `json:"latest"`
}

// TranscriptionRequest is the body of POST /v1/transcriptions.
type TranscriptionRequest struct {
	AudioPath string `json:"audio_path" binding:"required"`
	Language  string `json:"language" binding:"omitempty,len=2,alpha"`
}

// PreferencesRequest is the body of PUT /v1/preferences. Empty fields are
// left unchanged.
type PreferencesRequest struct {
	PreferredEngine string `json:"preferred_engine" binding:"omitempty,oneof=local cloud"`
	SelectedModelID string `json:"selected_model_id"`
}

// PreferencesResponse is returned by both preference endpoints.
type PreferencesResponse struct {
	PreferredEngine string `json:"preferredEngine"`
	SelectedModelID string `json:"selectedModelId"`
}

// ProgressMessage is one frame of the progress websocket.
type ProgressMessage struct {
	// Type is "snapshot" for the first frame, then the event type.
	Type     string           `json:"type"`
	ModelID  string           `json:"modelId"`
	State    string           `json:"state"`
	Progress float64          `json:"progress"`
	Message  string           `json:"message,omitempty"`
	Metadata *models.Metadata `json:"metadata,omitempty"`
}
