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
	"log/slog"

	"github.com/AleutianAI/scribe/services/coordinator"
	"github.com/AleutianAI/scribe/services/events"
	"github.com/AleutianAI/scribe/services/telemetry"
)

// InstalledModels reports which local models are usable. *models.Provider
// satisfies it.
type InstalledModels interface {
	InstalledModelIDs(ctx context.Context) []string
	InstalledFolder(ctx context.Context, id string) (string, bool)
}

// LocalEngineBuilder creates a LocalEngine for an installed model.
type LocalEngineBuilder func(modelID, folder string) LocalEngine

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	Preferences *Preferences
	Models      InstalledModels

	// Cloud is nil when no cloud engine is configured.
	Cloud Service

	// NewLocal defaults to CommandEngines running DefaultLocalBinary.
	NewLocal LocalEngineBuilder

	// Coordinator serialises local inference with other heavy workloads.
	// nil runs local inference directly.
	Coordinator *coordinator.Coordinator

	Events  events.Publisher
	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	// StrictLocal disables cloud fallback after a local failure.
	StrictLocal bool

	Breaker BreakerConfig
}

// localSelection is the model a local request will run on.
type localSelection struct {
	ModelID string
	Folder  string
}

// selector resolves the local model to use, normalising a stale selection.
type selector struct {
	prefs  *Preferences
	models InstalledModels
	events events.Publisher
	logger *slog.Logger
}

// resolveLocal returns the selected model when it is installed. Otherwise,
// when any other model is installed, the selection is normalised to the
// first installed id, persisted, and announced.
func (s *selector) resolveLocal(ctx context.Context) (localSelection, bool) {
	selected, err := s.prefs.SelectedModelID(ctx)
	if err != nil {
		s.logger.Warn("reading selected model failed", "error", err)
	}
	if selected != "" {
		if folder, ok := s.models.InstalledFolder(ctx, selected); ok {
			return localSelection{ModelID: selected, Folder: folder}, true
		}
	}

	for _, id := range s.models.InstalledModelIDs(ctx) {
		folder, ok := s.models.InstalledFolder(ctx, id)
		if !ok {
			continue
		}
		if err := s.prefs.SetSelectedModelID(ctx, id); err != nil {
			s.logger.Warn("persisting normalised model selection failed", "model_id", id, "error", err)
		}
		s.logger.Info("selected model not installed, using installed model",
			"previous_model_id", selected, "model_id", id)
		s.events.Publish(events.Event{
			Type:              events.TypeModelSelectionNormalized,
			PreviousModelID:   selected,
			NormalizedModelID: id,
		})
		return localSelection{ModelID: id, Folder: folder}, true
	}
	return localSelection{}, false
}

// Factory builds the transcription Service for the current preferences
// and installed models.
//
// # Thread Safety
//
// Safe for concurrent use. The Router it hands out is shared, so circuit
// breaker state and the loaded local engine persist across requests.
type Factory struct {
	sel    *selector
	cloud  Service
	router *Router
	logger *slog.Logger
}

// NewFactory creates a Factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Preferences == nil || cfg.Models == nil {
		return nil, errors.New("transcription factory: preferences and models are required")
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewLocal == nil {
		cfg.NewLocal = NewCommandEngineBuilder("", cfg.Logger)
	}
	sel := &selector{prefs: cfg.Preferences, models: cfg.Models, events: cfg.Events, logger: cfg.Logger}
	router, err := newRouter(sel, cfg)
	if err != nil {
		return nil, err
	}
	return &Factory{sel: sel, cloud: cfg.Cloud, router: router, logger: cfg.Logger}, nil
}

// CreateTranscriptionService returns the Service to use.
//
// # Description
//
// Cloud preference with a cloud engine configured yields the cloud engine
// directly. Otherwise, if a local model is usable (normalising a stale
// selection to an installed model, which publishes a
// model_selection_normalized event), the shared Router is returned. With
// no local model the cloud engine is returned when there is one.
//
// # Outputs
//
//   - Service: The engine or router.
//   - error: ErrNoEngine when nothing can transcribe.
func (f *Factory) CreateTranscriptionService(ctx context.Context) (Service, error) {
	pref, err := f.sel.prefs.PreferredEngine(ctx)
	if err != nil {
		f.logger.Warn("reading engine preference failed, using default", "error", err)
	}
	if pref == EngineCloud && f.cloud != nil {
		return f.cloud, nil
	}
	if _, ok := f.sel.resolveLocal(ctx); ok {
		return f.router, nil
	}
	if f.cloud != nil {
		return f.cloud, nil
	}
	return nil, ErrNoEngine
}

// Router returns the shared Router.
func (f *Factory) Router() *Router {
	return f.router
}

// Preferences returns the preferences the factory reads.
func (f *Factory) Preferences() *Preferences {
	return f.sel.prefs
}
