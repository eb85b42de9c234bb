// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transcription turns audio files into text with a local model or
// the cloud, and decides per request which one to use.
package transcription

import "context"

// Engine names a transcription backend.
type Engine string

const (
	EngineLocal Engine = "local"
	EngineCloud Engine = "cloud"
)

// ParseEngine accepts "local" or "cloud".
func ParseEngine(s string) (Engine, bool) {
	switch Engine(s) {
	case EngineLocal, EngineCloud:
		return Engine(s), true
	}
	return "", false
}

// Service transcribes one audio file.
type Service interface {
	// Transcribe returns the text spoken in audioPath. languageHint is an
	// ISO-639-1 code or "" for auto-detection.
	Transcribe(ctx context.Context, audioPath, languageHint string) (string, error)
}

// LocalEngine is a Service backed by an on-device model that can be
// loaded and unloaded around use.
type LocalEngine interface {
	Service
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	ModelID() string
}

// Decision records one routing choice.
type Decision struct {
	RequestID string `json:"requestId"`
	Route     Engine `json:"route"`
	Reason    string `json:"reason"`
	ModelID   string `json:"modelId,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
}

// Result is a transcript together with the routing decisions that
// produced it.
type Result struct {
	Text      string     `json:"text"`
	RequestID string     `json:"requestId"`
	Decisions []Decision `json:"decisions"`
}

// Routing reasons for the initial decision.
const (
	ReasonCloudPreferred        = "cloud_preferred"
	ReasonLocalPreferred        = "local_preferred"
	ReasonLocalModelUnavailable = "local_model_unavailable"
	ReasonLocalCircuitOpen      = "local_circuit_open"
	ReasonCloudUnavailable      = "cloud_unavailable"
)
