// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/scribe/cmd/scribe/config"
	"github.com/AleutianAI/scribe/services/api"
	"github.com/AleutianAI/scribe/services/coordinator"
	"github.com/AleutianAI/scribe/services/events"
	"github.com/AleutianAI/scribe/services/models"
	"github.com/AleutianAI/scribe/services/storage"
	"github.com/AleutianAI/scribe/services/telemetry"
	"github.com/AleutianAI/scribe/services/transcription"
)

// app holds every long-lived service of `scribe serve`.
type app struct {
	cfg    *config.ScribeConfig
	logger *slog.Logger

	store       storage.Store
	bus         *events.Bus
	metrics     *telemetry.Metrics
	provider    *models.Provider
	manager     *models.Manager
	coordinator *coordinator.Coordinator
	factory     *transcription.Factory
	handlers    *api.Handlers

	// observer overrides the Wi-Fi detector. Tests use it.
	observer models.NetworkObserver

	wg sync.WaitGroup
}

func openStore(cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.InMemory {
		return storage.NewMemoryStore(), nil
	}
	bc := storage.DefaultBadgerConfig(cfg.Path)
	bc.Logger = logger
	return storage.OpenBadger(bc)
}

// newApp constructs the services in dependency order. Nothing runs until
// start is called.
func newApp(ctx context.Context, cfg *config.ScribeConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.NewBus(0)}

	// new downloads land in the first root
	if err := os.MkdirAll(cfg.Models.Roots[0], 0o750); err != nil {
		return nil, fmt.Errorf("creating model root: %w", err)
	}

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	a.store = store

	metrics, err := telemetry.NewMetrics(otel.GetMeterProvider().Meter("scribe"))
	if err != nil {
		logger.Warn("metrics unavailable", "error", err)
	}
	a.metrics = metrics

	loader := &models.CatalogLoader{Store: store, URL: cfg.Models.CatalogURL, Logger: logger}
	catalog, err := loader.Load(ctx)
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("loading model catalog: %w", err)
	}

	var recoverer models.TokenizerRecoverer
	if cfg.Tokenizer.Enabled {
		recoverer = models.NewTokenizerFetcher(models.TokenizerFetcherConfig{
			HubEndpoint:  cfg.Models.HubEndpoint,
			Token:        cfg.Models.HubToken,
			ProbeTimeout: cfg.Tokenizer.ProbeTimeout,
			Logger:       logger,
		})
	}

	a.provider, err = models.NewProvider(models.ProviderConfig{
		Roots:      cfg.Models.Roots,
		Catalog:    catalog,
		Store:      store,
		Tokenizers: recoverer,
		Transport: models.NewHubTransport(models.HubTransportConfig{
			Endpoint: cfg.Models.HubEndpoint,
			Token:    cfg.Models.HubToken,
			Logger:   logger,
		}),
		Logger: logger,
	})
	if err != nil {
		a.closeStore()
		return nil, err
	}

	a.manager, err = models.NewManager(models.ManagerConfig{
		Provider:          a.provider,
		Catalog:           catalog,
		Store:             store,
		Events:            a.bus,
		Metrics:           metrics,
		Logger:            logger,
		StaleThreshold:    cfg.Models.StaleThreshold,
		HealthInterval:    cfg.Models.HealthInterval,
		MaxAttempts:       cfg.Models.MaxAttempts,
		DisableAutoResume: !cfg.Models.AutoResume,
	})
	if err != nil {
		a.closeStore()
		return nil, err
	}

	a.coordinator = coordinator.New(coordinator.Config{Logger: logger, Metrics: metrics})

	var cloud transcription.Service
	if cfg.Cloud.APIKey != "" {
		engine, err := transcription.NewCloudEngine(transcription.CloudConfig{
			APIKey:  cfg.Cloud.APIKey,
			BaseURL: cfg.Cloud.BaseURL,
			Model:   cfg.Cloud.Model,
			Logger:  logger,
		})
		if err != nil {
			logger.Warn("cloud transcription disabled", "error", err)
		} else {
			cloud = engine
		}
	}

	engine, _ := transcription.ParseEngine(cfg.Transcription.PreferredEngine)
	prefs := transcription.NewPreferences(store, engine, cfg.Transcription.DefaultModel)
	breaker := transcription.DefaultBreakerConfig()
	breaker.FailureThreshold = cfg.Transcription.BreakerFailures
	breaker.OpenTimeout = cfg.Transcription.BreakerOpenTimeout
	breaker.OnStateChange = func(from, to transcription.CircuitState) {
		logger.Warn("local transcription circuit changed", "from", from.String(), "to", to.String())
	}

	a.factory, err = transcription.NewFactory(transcription.FactoryConfig{
		Preferences: prefs,
		Models:      a.provider,
		Cloud:       cloud,
		NewLocal:    transcription.NewCommandEngineBuilder(cfg.Transcription.LocalBinary, logger),
		Coordinator: a.coordinator,
		Events:      a.bus,
		Metrics:     metrics,
		Logger:      logger,
		StrictLocal: cfg.Transcription.StrictLocal,
		Breaker:     breaker,
	})
	if err != nil {
		a.closeStore()
		return nil, err
	}

	a.handlers, err = api.NewHandlers(api.Config{
		Models:      a.manager,
		Factory:     a.factory,
		Preferences: prefs,
		Coordinator: a.coordinator,
		Events:      a.bus,
		Logger:      logger,
	})
	if err != nil {
		a.closeStore()
		return nil, err
	}
	return a, nil
}

// start restores persisted download state and launches the background
// loops. They stop when ctx is done.
func (a *app) start(ctx context.Context) error {
	if err := a.manager.LoadDownloadStates(ctx); err != nil {
		return fmt.Errorf("restoring download state: %w", err)
	}

	a.goRun(func() { a.manager.RunHealthMonitor(ctx) })

	if a.cfg.Prefetch.Enabled {
		observer := a.observer
		if observer == nil {
			observer = &models.InterfaceObserver{Interval: a.cfg.Prefetch.PollInterval, Logger: a.logger}
		}
		prefetcher := models.NewPrefetcher(a.manager, observer, a.logger)
		a.goRun(func() { prefetcher.Run(ctx) })
	}

	if a.cfg.Models.WatchRoots {
		w, err := models.NewRootWatcher(a.provider.Roots(), a.manager.ReconcileInstallStates, a.logger)
		if err != nil {
			a.logger.Warn("model root watcher disabled", "error", err)
		} else {
			a.goRun(func() { w.Run(ctx) })
		}
	}
	return nil
}

func (a *app) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// router returns the HTTP handler for the API.
func (a *app) router() http.Handler {
	var metrics http.Handler
	if a.cfg.Telemetry.MetricExporter == "prometheus" {
		metrics = telemetry.MetricsHandler()
	}
	return api.NewRouter(a.handlers, a.cfg.Telemetry.ServiceName, metrics)
}

// close stops downloads, unloads the local engine, and closes the store.
// The ctx passed to start must already be cancelled.
func (a *app) close(ctx context.Context) error {
	a.wg.Wait()
	a.manager.Close()
	var errs []error
	if err := a.factory.Router().Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unloading local engine: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing state store: %w", err))
	}
	return errors.Join(errs...)
}

func (a *app) closeStore() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing state store failed", "error", err)
	}
}
