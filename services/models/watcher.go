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
	"time"

	"github.com/fsnotify/fsnotify"
)

// RootWatcher reconciles install states when model folders appear in or
// disappear from the candidate roots.
//
// Only direct children of each root are watched. Changes deeper inside a
// model folder are still caught because State re-validates on every read.
type RootWatcher struct {
	watcher   *fsnotify.Watcher
	roots     map[string]bool
	reconcile func(ctx context.Context) error
	debounce  time.Duration
	logger    *slog.Logger
}

// NewRootWatcher watches every existing directory in roots. Missing roots
// are skipped. reconcile is usually Manager.ReconcileInstallStates.
func NewRootWatcher(roots []string, reconcile func(ctx context.Context) error, logger *slog.Logger) (*RootWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	rw := &RootWatcher{
		watcher:   w,
		roots:     make(map[string]bool),
		reconcile: reconcile,
		debounce:  500 * time.Millisecond,
		logger:    logger,
	}
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		if err := w.Add(root); err != nil {
			logger.Warn("cannot watch model root", "root", root, "error", err)
			continue
		}
		rw.roots[filepath.Clean(root)] = true
	}
	return rw, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (w *RootWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.reconcile(ctx); err != nil {
				w.logger.Warn("reconciling after model folder change failed", "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("model root watcher error", "error", err)
		}
	}
}

func (w *RootWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	return w.roots[filepath.Dir(filepath.Clean(event.Name))]
}
