// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

// ErrorKind categorizes model operation failures.
type ErrorKind int

const (
	// ErrorNetwork indicates the transfer failed (unreachable hub, bad status).
	ErrorNetwork ErrorKind = iota

	// ErrorStorage indicates a filesystem problem, including a download that
	// finished but did not produce a valid model folder.
	ErrorStorage

	// ErrorNotFound indicates the model id is not in the catalog.
	ErrorNotFound

	// ErrorCancelled indicates the operation was cancelled.
	ErrorCancelled
)

// String returns the kind as a string for logging.
func (k ErrorKind) String() string {
	switch k {
	case ErrorNetwork:
		return "NETWORK"
	case ErrorStorage:
		return "STORAGE"
	case ErrorNotFound:
		return "NOT_FOUND"
	case ErrorCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ModelError provides structured error information for model operations.
type ModelError struct {
	// Kind categorizes the error for programmatic handling.
	Kind ErrorKind

	// Model is the id of the model involved.
	Model string

	// Message is a human-readable description.
	Message string

	// Detail carries technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	if e.Err != nil && e.Detail == "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *ModelError) Unwrap() error {
	return e.Err
}

// FullError returns a detailed message including remediation.
func (e *ModelError) FullError() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Model != "" {
		fmt.Fprintf(&b, " (model: %s)", e.Model)
	}
	if e.Detail != "" {
		b.WriteString("\n\nDetails: ")
		b.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		b.WriteString("\n\nTo fix:\n")
		b.WriteString(e.Remediation)
	}
	return b.String()
}

// Retryable reports whether retrying the same operation could succeed.
func (e *ModelError) Retryable() bool {
	return e.Kind == ErrorNetwork || e.Kind == ErrorStorage
}

// IsKind reports whether err is a *ModelError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var me *ModelError
	return errors.As(err, &me) && me.Kind == k
}

func notFoundError(id string) *ModelError {
	return &ModelError{
		Kind:        ErrorNotFound,
		Model:       id,
		Message:     fmt.Sprintf("unknown model %q", id),
		Remediation: "Run 'scribe models list' to see available model ids.",
	}
}

func networkError(id string, err error) *ModelError {
	if errors.Is(err, context.Canceled) {
		return cancelledError(id, err)
	}
	return &ModelError{
		Kind:        ErrorNetwork,
		Model:       id,
		Message:     "model download failed",
		Err:         err,
		Remediation: "Check your network connection and retry the download.",
	}
}

func storageError(id, msg string, err error) *ModelError {
	return &ModelError{
		Kind:        ErrorStorage,
		Model:       id,
		Message:     msg,
		Err:         err,
		Remediation: "Free disk space or delete the model folder, then force a retry.",
	}
}

func cancelledError(id string, err error) *ModelError {
	return &ModelError{
		Kind:    ErrorCancelled,
		Model:   id,
		Message: "model operation cancelled",
		Err:     err,
	}
}
