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
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// writeFiles creates rel paths (slash separated) under dir.
func writeFiles(t *testing.T, dir string, files ...string) {
	t.Helper()
	for _, rel := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
}

// validModelFiles is a minimal folder layout that passes validation.
var validModelFiles = []string{
	"AudioEncoder.mlmodelc/model.mil",
	"TextDecoder.mlmodelc/model.mil",
	"tokenizer.json",
}

var weightsOnlyFiles = []string{
	"AudioEncoder.mlmodelc/model.mil",
	"config.json",
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTransport writes a fixed file set into the destination, then
// returns err.
type fakeTransport struct {
	mu    sync.Mutex
	files []string
	err   error
	calls int
}

func (f *fakeTransport) Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) error {
	f.mu.Lock()
	f.calls++
	files, err := f.files, f.err
	f.mu.Unlock()

	total := int64(len(files))
	for i, rel := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p := filepath.Join(req.Dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			return err
		}
		progress(int64(i+1), total)
	}
	return err
}

func (f *fakeTransport) set(files []string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files, f.err = files, err
}

// fakeRecoverer writes a tokenizer when ok is true.
type fakeRecoverer struct {
	mu    sync.Mutex
	ok    bool
	calls []string
}

func (f *fakeRecoverer) Recover(_ context.Context, id, dir string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if !f.ok {
		return false
	}
	p := filepath.Join(dir, tokenizerSubdir, tokenizerFile)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return false
	}
	return os.WriteFile(p, []byte("{}"), 0o644) == nil
}

func (f *fakeRecoverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
