// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the key-value persistence used for download
// state, download metadata, the installed-folder mapping, the catalog
// cache, and user preferences.
//
// Two implementations exist:
//
//   - BadgerStore: embedded BadgerDB, used by the scribe binary
//   - MemoryStore: map-backed, used by tests
//
// Values are opaque bytes. Strings and JSON are convenience layers over
// the byte API so that every caller agrees on the encoding.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: store is closed")

// Store is a small persistent key-value store.
//
// # Description
//
// Get methods report absence with ok=false rather than an error. Remove
// ignores keys that do not exist.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// GetBytes returns the value stored under key.
	GetBytes(ctx context.Context, key string) (value []byte, ok bool, err error)

	// SetBytes stores value under key, replacing any previous value.
	SetBytes(ctx context.Context, key string, value []byte) error

	// GetString returns the string stored under key.
	GetString(ctx context.Context, key string) (value string, ok bool, err error)

	// SetString stores a string under key.
	SetString(ctx context.Context, key string, value string) error

	// Remove deletes keys. Missing keys are not an error.
	Remove(ctx context.Context, keys ...string) error

	// Close releases resources.
	Close() error
}

// GetJSON decodes the JSON value stored under key into out.
//
// # Outputs
//
//   - bool: false when the key is absent (out untouched).
//   - error: Non-nil on storage failure or undecodable value.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	data, ok, err := s.GetBytes(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.SetBytes(ctx, key, data)
}
