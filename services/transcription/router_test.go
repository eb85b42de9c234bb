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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribe/services/coordinator"
	"github.com/AleutianAI/scribe/services/events"
	"github.com/AleutianAI/scribe/services/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeModels reports a fixed installed set in catalog order.
type fakeModels struct {
	order   []string
	folders map[string]string
}

func installed(ids ...string) *fakeModels {
	m := &fakeModels{folders: map[string]string{}}
	for _, id := range ids {
		m.order = append(m.order, id)
		m.folders[id] = "/models/" + id
	}
	return m
}

func (m *fakeModels) InstalledModelIDs(context.Context) []string {
	return append([]string(nil), m.order...)
}

func (m *fakeModels) InstalledFolder(_ context.Context, id string) (string, bool) {
	f, ok := m.folders[id]
	return f, ok
}

type fakeService struct {
	text  string
	err   error
	calls atomic.Int32
}

func (s *fakeService) Transcribe(context.Context, string, string) (string, error) {
	s.calls.Add(1)
	return s.text, s.err
}

type fakeLocal struct {
	id      string
	folder  string
	text    string
	err     error
	loads   atomic.Int32
	unloads atomic.Int32
	calls   atomic.Int32
}

func (l *fakeLocal) Transcribe(context.Context, string, string) (string, error) {
	l.calls.Add(1)
	return l.text, l.err
}

func (l *fakeLocal) Load(context.Context) error {
	l.loads.Add(1)
	return nil
}

func (l *fakeLocal) Unload(context.Context) error {
	l.unloads.Add(1)
	return nil
}

func (l *fakeLocal) ModelID() string { return l.id }

type routerFixture struct {
	factory *Factory
	router  *Router
	prefs   *Preferences
	store   *storage.MemoryStore
	bus     *events.Bus
	cloud   *fakeService
	coord   *coordinator.Coordinator

	mu      sync.Mutex
	engines []*fakeLocal
	// localText and localErr configure engines built from now on.
	localText string
	localErr  error
}

type fixtureOption func(*FactoryConfig)

func withStrictLocal() fixtureOption { return func(c *FactoryConfig) { c.StrictLocal = true } }
func withoutCloud() fixtureOption    { return func(c *FactoryConfig) { c.Cloud = nil } }

func newRouterFixture(t *testing.T, models InstalledModels, opts ...fixtureOption) *routerFixture {
	t.Helper()
	f := &routerFixture{
		store:     storage.NewMemoryStore(),
		bus:       events.NewBus(0),
		cloud:     &fakeService{text: "cloud text"},
		coord:     coordinator.New(coordinator.Config{Logger: quietLogger()}),
		localText: "local text",
	}
	f.prefs = NewPreferences(f.store, EngineLocal, "base")
	cfg := FactoryConfig{
		Preferences: f.prefs,
		Models:      models,
		Cloud:       f.cloud,
		Coordinator: f.coord,
		Events:      f.bus,
		Logger:      quietLogger(),
		NewLocal: func(modelID, folder string) LocalEngine {
			f.mu.Lock()
			defer f.mu.Unlock()
			e := &fakeLocal{id: modelID, folder: folder, text: f.localText, err: f.localErr}
			f.engines = append(f.engines, e)
			return e
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	factory, err := NewFactory(cfg)
	require.NoError(t, err)
	f.factory = factory
	f.router = factory.Router()
	return f
}

func (f *routerFixture) failLocal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localErr = err
}

func (f *routerFixture) builtEngines() []*fakeLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLocal(nil), f.engines...)
}

func (f *routerFixture) eventsOf(typ events.Type) []events.Event {
	var out []events.Event
	for _, e := range f.bus.Since(0) {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestRouter_LocalSuccess(t *testing.T) {
	f := newRouterFixture(t, installed("base"))

	res, err := f.router.TranscribeDetailed(context.Background(), "/audio.wav", "en")
	require.NoError(t, err)
	assert.Equal(t, "local text", res.Text)
	assert.NotEmpty(t, res.RequestID)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, Decision{RequestID: res.RequestID, Route: EngineLocal, Reason: ReasonLocalPreferred, ModelID: "base"}, res.Decisions[0])

	routing := f.eventsOf(events.TypeRoutingDecision)
	require.Len(t, routing, 1)
	assert.Equal(t, res.RequestID, routing[0].RequestID)
	assert.Equal(t, "local", routing[0].Route)
	assert.Equal(t, int32(0), f.cloud.calls.Load())

	resident, ok := f.coord.Resident()
	assert.True(t, ok)
	assert.Equal(t, coordinator.WorkloadTranscription, resident)
}

func TestRouter_FallbackToCloud(t *testing.T) {
	f := newRouterFixture(t, installed("base"))
	f.failLocal(newEngineError(ErrorInsufficientMemory, "local", "oom", nil))

	res, err := f.router.TranscribeDetailed(context.Background(), "/audio.wav", "")
	require.NoError(t, err)
	assert.Equal(t, "cloud text", res.Text)
	require.Len(t, res.Decisions, 2)
	assert.False(t, res.Decisions[0].Fallback)
	assert.Equal(t, Decision{
		RequestID: res.RequestID, Route: EngineCloud, Reason: "local_insufficient_memory", ModelID: "base", Fallback: true,
	}, res.Decisions[1])

	routing := f.eventsOf(events.TypeRoutingDecision)
	require.Len(t, routing, 2)
	assert.Equal(t, "cloud", routing[1].Route)
	assert.Equal(t, "local_insufficient_memory", routing[1].Reason)
	assert.Equal(t, int32(1), f.cloud.calls.Load())
}

func TestRouter_StrictLocalReraises(t *testing.T) {
	f := newRouterFixture(t, installed("base"), withStrictLocal())
	localErr := newEngineError(ErrorInitializationFailed, "local", "no binary", nil)
	f.failLocal(localErr)

	_, err := f.router.Transcribe(context.Background(), "/audio.wav", "")
	assert.ErrorIs(t, err, localErr)
	assert.Equal(t, int32(0), f.cloud.calls.Load())
	assert.Len(t, f.eventsOf(events.TypeRoutingDecision), 1)
}

func TestRouter_AudioFailureIsTerminal(t *testing.T) {
	f := newRouterFixture(t, installed("base"))
	localErr := newEngineError(ErrorAudioProcessingFailed, "local", "bad wav", nil)
	f.failLocal(localErr)

	_, err := f.router.Transcribe(context.Background(), "/audio.wav", "")
	assert.ErrorIs(t, err, localErr)
	assert.Equal(t, int32(0), f.cloud.calls.Load())
	assert.Equal(t, CircuitClosed, f.router.BreakerState())
}

func TestRouter_CloudFallbackFailureReturnsLocalError(t *testing.T) {
	f := newRouterFixture(t, installed("base"))
	localErr := newEngineError(ErrorTranscriptionFailed, "local", "decoder crashed", nil)
	f.failLocal(localErr)
	f.cloud.err = errors.New("cloud quota exceeded")

	_, err := f.router.Transcribe(context.Background(), "/audio.wav", "")
	assert.ErrorIs(t, err, localErr)
	assert.Equal(t, int32(1), f.cloud.calls.Load())
}

func TestRouter_NoCloudMeansNoFallback(t *testing.T) {
	f := newRouterFixture(t, installed("base"), withoutCloud())
	localErr := newEngineError(ErrorInsufficientMemory, "local", "oom", nil)
	f.failLocal(localErr)

	_, err := f.router.Transcribe(context.Background(), "/audio.wav", "")
	assert.ErrorIs(t, err, localErr)
	assert.Len(t, f.eventsOf(events.TypeRoutingDecision), 1)
}

func TestRouter_CloudPreferred(t *testing.T) {
	f := newRouterFixture(t, installed("base"))
	require.NoError(t, f.prefs.SetPreferredEngine(context.Background(), EngineCloud))

	res, err := f.router.TranscribeDetailed(context.Background(), "/audio.wav", "")
	require.NoError(t, err)
	assert.Equal(t, "cloud text", res.Text)
	assert.Equal(t, ReasonCloudPreferred, res.Decisions[0].Reason)
	assert.Empty(t, f.builtEngines())
}

func TestRouter_CloudPreferredWithoutCloudRunsLocal(t *testing.T) {
	f := newRouterFixture(t, installed("base"), withoutCloud())
	require.NoError(t, f.prefs.SetPreferredEngine(context.Background(), EngineCloud))

	res, err := f.router.TranscribeDetailed(context.Background(), "/audio.wav", "")
	require.NoError(t, err)
	assert.Equal(t, "local text", res.Text)
	assert.Equal(t, ReasonCloudUnavailable, res.Decisions[0].Reason)
}

func TestRouter_NoLocalModel(t *testing.T) {
	f := newRouterFixture(t, installed())
	res, err := f.router.TranscribeDetailed(context.Background(), "/audio.wav", "")
	require.NoError(t, err)
	assert.Equal(t, ReasonLocalModelUnavailable, res.Decisions[0].Reason)

	g := newRouterFixture(t, installed(), withoutCloud())
	_, err = g.router.Transcribe(context.Background(), "/audio.wav", "")
	assert.ErrorIs(t, err, ErrNoEngine)
	assert.Empty(t, g.eventsOf(events.TypeRoutingDecision))
}

func TestRouter_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	f := newRouterFixture(t, installed("base"))
	f.failLocal(newEngineError(ErrorInsufficientMemory, "local", "oom", nil))
	ctx := context.Background()

	for i := 0; i < DefaultBreakerConfig().FailureThreshold; i++ {
		_, err := f.router.Transcribe(ctx, "/audio.wav", "")
		require.NoError(t, err)
	}
	assert.Equal(t, CircuitOpen, f.router.BreakerState())

	engines := f.builtEngines()
	require.Len(t, engines, 1)
	callsBefore := engines[0].calls.Load()

	res, err := f.router.TranscribeDetailed(ctx, "/audio.wav", "")
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, ReasonLocalCircuitOpen, res.Decisions[0].Reason)
	assert.Equal(t, callsBefore, engines[0].calls.Load(), "local engine bypassed while open")
}

func TestRouter_StrictLocalIgnoresCircuit(t *testing.T) {
	f := newRouterFixture(t, installed("base"), withStrictLocal())
	f.failLocal(newEngineError(ErrorInsufficientMemory, "local", "oom", nil))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.router.Transcribe(ctx, "/audio.wav", "")
	}
	assert.Equal(t, int32(0), f.cloud.calls.Load())
	for _, d := range f.eventsOf(events.TypeRoutingDecision) {
		assert.Equal(t, "local", d.Route)
	}
}

func TestRouter_SwitchingModelsUnloadsPreviousEngine(t *testing.T) {
	f := newRouterFixture(t, installed("base", "small"))
	ctx := context.Background()

	_, err := f.router.Transcribe(ctx, "/audio.wav", "")
	require.NoError(t, err)
	require.NoError(t, f.prefs.SetSelectedModelID(ctx, "small"))
	_, err = f.router.Transcribe(ctx, "/audio.wav", "")
	require.NoError(t, err)

	engines := f.builtEngines()
	require.Len(t, engines, 2)
	assert.Equal(t, "base", engines[0].id)
	assert.Equal(t, int32(1), engines[0].unloads.Load())
	assert.Equal(t, "small", engines[1].id)
	assert.Equal(t, "/models/small", engines[1].folder)
}

func TestRouter_AnalysisWorkloadUnloadsEngine(t *testing.T) {
	f := newRouterFixture(t, installed("base"))
	ctx := context.Background()

	_, err := f.router.Transcribe(ctx, "/audio.wav", "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Acquire(ctx, coordinator.WorkloadAnalysis, func(context.Context) error { return nil }))

	engines := f.builtEngines()
	require.Len(t, engines, 1)
	assert.Equal(t, int32(1), engines[0].unloads.Load())

	_, err = f.router.Transcribe(ctx, "/audio.wav", "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), engines[0].loads.Load(), "engine reloads after being evicted")
}

func TestFactory_SelectionNormalized(t *testing.T) {
	f := newRouterFixture(t, installed("small"))
	ctx := context.Background()
	require.NoError(t, f.prefs.SetSelectedModelID(ctx, "medium"))

	svc, err := f.factory.CreateTranscriptionService(ctx)
	require.NoError(t, err)
	assert.Same(t, f.router, svc)

	selected, _ := f.prefs.SelectedModelID(ctx)
	assert.Equal(t, "small", selected)

	normalized := f.eventsOf(events.TypeModelSelectionNormalized)
	require.Len(t, normalized, 1)
	assert.Equal(t, "medium", normalized[0].PreviousModelID)
	assert.Equal(t, "small", normalized[0].NormalizedModelID)

	_, err = f.factory.CreateTranscriptionService(ctx)
	require.NoError(t, err)
	assert.Len(t, f.eventsOf(events.TypeModelSelectionNormalized), 1, "already normalised")
}

func TestFactory_Choices(t *testing.T) {
	ctx := context.Background()

	t.Run("cloud preferred returns cloud", func(t *testing.T) {
		f := newRouterFixture(t, installed("base"))
		require.NoError(t, f.prefs.SetPreferredEngine(ctx, EngineCloud))
		svc, err := f.factory.CreateTranscriptionService(ctx)
		require.NoError(t, err)
		assert.Same(t, f.cloud, svc)
	})

	t.Run("no local model returns cloud", func(t *testing.T) {
		f := newRouterFixture(t, installed())
		svc, err := f.factory.CreateTranscriptionService(ctx)
		require.NoError(t, err)
		assert.Same(t, f.cloud, svc)
	})

	t.Run("nothing available", func(t *testing.T) {
		f := newRouterFixture(t, installed(), withoutCloud())
		_, err := f.factory.CreateTranscriptionService(ctx)
		assert.ErrorIs(t, err, ErrNoEngine)
	})

	t.Run("requires collaborators", func(t *testing.T) {
		_, err := NewFactory(FactoryConfig{})
		assert.Error(t, err)
	})
}
