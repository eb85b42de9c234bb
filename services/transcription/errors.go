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
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures for the routing policy.
type ErrorKind int

const (
	// ErrorNotInitialized means the engine was used before it was set up
	// (no API key, no model folder).
	ErrorNotInitialized ErrorKind = iota

	// ErrorInitializationFailed means loading the engine failed.
	ErrorInitializationFailed

	// ErrorModelUnavailable means no usable model exists for the engine.
	ErrorModelUnavailable

	// ErrorInsufficientMemory means the engine ran out of memory.
	ErrorInsufficientMemory

	// ErrorTranscriptionFailed means inference itself failed.
	ErrorTranscriptionFailed

	// ErrorAudioProcessingFailed means the input audio could not be read
	// or decoded. Another engine would fail the same way.
	ErrorAudioProcessingFailed
)

var kindNames = map[ErrorKind]string{
	ErrorNotInitialized:        "not_initialized",
	ErrorInitializationFailed:  "initialization_failed",
	ErrorModelUnavailable:      "model_unavailable",
	ErrorInsufficientMemory:    "insufficient_memory",
	ErrorTranscriptionFailed:   "transcription_failed",
	ErrorAudioProcessingFailed: "audio_processing_failed",
}

// String returns the snake_case name used in routing reasons.
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// EngineError is a failure raised by a transcription engine.
type EngineError struct {
	Kind    ErrorKind
	Engine  string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s engine: %s", e.Engine, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error { return e.Err }

func newEngineError(kind ErrorKind, engine, msg string, err error) *EngineError {
	return &EngineError{Kind: kind, Engine: engine, Message: msg, Err: err}
}

// KindOf returns the kind of an *EngineError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return 0, false
}

var (
	// ErrNoEngine is returned when neither a local model nor a cloud
	// engine is available.
	ErrNoEngine = errors.New("no transcription engine available")
)

// FallbackReason decides whether a local failure may be retried on the
// cloud engine, and returns the routing reason to record.
//
// Cancellation and audio processing failures are terminal: the caller gave
// up, or the input itself is bad. Everything else (resource, model, and
// inference failures, plus unclassified errors) is eligible.
func FallbackReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", false
	}
	kind, ok := KindOf(err)
	if !ok {
		return "local_error", true
	}
	if kind == ErrorAudioProcessingFailed {
		return "", false
	}
	return "local_" + kind.String(), true
}
