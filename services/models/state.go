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
	"encoding/json"
	"fmt"
	"time"
)

// State is the download lifecycle state of one model.
type State int

const (
	// StateNotDownloaded: nothing on disk, nothing in flight.
	StateNotDownloaded State = iota

	// StateDownloading: a transfer task is active.
	StateDownloading

	// StateDownloaded: a valid folder exists on disk.
	StateDownloaded

	// StateFailed: the last attempt failed; see Metadata.ErrorMessage.
	StateFailed

	// StateStale: a transfer made no progress for longer than the stale
	// threshold and was abandoned.
	StateStale
)

var stateNames = map[State]string{
	StateNotDownloaded: "not_downloaded",
	StateDownloading:   "downloading",
	StateDownloaded:    "downloaded",
	StateFailed:        "failed",
	StateStale:         "stale",
}

// String returns the persisted form of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseState parses the persisted form produced by String.
func ParseState(s string) (State, error) {
	for st, name := range stateNames {
		if name == s {
			return st, nil
		}
	}
	return StateNotDownloaded, fmt.Errorf("unknown download state %q", s)
}

// MarshalJSON encodes the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the string form.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseState(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Metadata is the persisted progress record of a download.
type Metadata struct {
	State              State     `json:"state"`
	StartedAt          time.Time `json:"startedAt"`
	LastProgressUpdate time.Time `json:"lastProgressUpdate"`
	AttemptCount       int       `json:"attemptCount"`
	ExpectedSizeBytes  *int64    `json:"expectedSizeBytes,omitempty"`
	CurrentProgress    float64   `json:"currentProgress"`
	ErrorMessage       string    `json:"errorMessage,omitempty"`
}

// Status is a read-only snapshot of one model for listings.
type Status struct {
	Descriptor
	State     State     `json:"state"`
	Metadata  *Metadata `json:"metadata,omitempty"`
	Folder    string    `json:"folder,omitempty"`
	IsDefault bool      `json:"isDefault"`
}

// Persisted key names.
const (
	keyStatePrefix    = "downloadState_"
	keyMetadataPrefix = "downloadMetadata_"
	keyFolderMapping  = "installedModelFolders"
	keyCatalogCache   = "modelCatalog"
)

func stateKey(id string) string    { return keyStatePrefix + id }
func metadataKey(id string) string { return keyMetadataPrefix + id }
