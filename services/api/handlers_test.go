// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribe/services/coordinator"
	"github.com/AleutianAI/scribe/services/events"
	"github.com/AleutianAI/scribe/services/models"
	"github.com/AleutianAI/scribe/services/storage"
	"github.com/AleutianAI/scribe/services/transcription"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ============================================================================
// Fakes
// ============================================================================

type fakeModels struct {
	catalog *models.Catalog

	mu     sync.Mutex
	states map[string]models.State
	meta   map[string]models.Metadata
	calls  []string
	err    error
}

func newFakeModels() *fakeModels {
	return &fakeModels{
		catalog: models.BuiltinCatalog(),
		states:  map[string]models.State{},
		meta:    map[string]models.Metadata{},
	}
}

func (f *fakeModels) record(call, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call+":"+id)
	if f.err != nil {
		return f.err
	}
	if !f.catalog.Contains(id) {
		return &models.ModelError{Kind: models.ErrorNotFound, Model: id, Message: "unknown model " + id}
	}
	return nil
}

func (f *fakeModels) Catalog() *models.Catalog { return f.catalog }

func (f *fakeModels) Snapshot(ctx context.Context) []models.Status {
	var out []models.Status
	for _, d := range f.catalog.All() {
		s := models.Status{Descriptor: d, State: f.State(ctx, d.ID), IsDefault: d.ID == f.catalog.Default().ID}
		if md, ok := f.Metadata(d.ID); ok {
			s.Metadata = &md
		}
		out = append(out, s)
	}
	return out
}

func (f *fakeModels) State(_ context.Context, id string) models.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id]
}

func (f *fakeModels) Metadata(id string) (models.Metadata, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md, ok := f.meta[id]
	return md, ok
}

func (f *fakeModels) setState(id string, st models.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = st
}

func (f *fakeModels) StartDownload(_ context.Context, id string) error {
	if err := f.record("start", id); err != nil {
		return err
	}
	f.setState(id, models.StateDownloading)
	return nil
}

func (f *fakeModels) RetryDownload(ctx context.Context, id string) error {
	if err := f.record("retry", id); err != nil {
		return err
	}
	f.setState(id, models.StateDownloading)
	return nil
}

func (f *fakeModels) ForceRetryDownload(_ context.Context, id string) error {
	if err := f.record("force", id); err != nil {
		return err
	}
	f.setState(id, models.StateDownloading)
	return nil
}

func (f *fakeModels) CancelDownload(_ context.Context, id string) error {
	if err := f.record("cancel", id); err != nil {
		return err
	}
	f.setState(id, models.StateNotDownloaded)
	return nil
}

func (f *fakeModels) DeleteModel(_ context.Context, id string) error {
	if err := f.record("delete", id); err != nil {
		return err
	}
	f.setState(id, models.StateNotDownloaded)
	return nil
}

func (f *fakeModels) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeFactory struct {
	svc transcription.Service
	err error
}

func (f *fakeFactory) CreateTranscriptionService(context.Context) (transcription.Service, error) {
	return f.svc, f.err
}

type plainService struct {
	text string
	err  error
}

func (s plainService) Transcribe(context.Context, string, string) (string, error) {
	return s.text, s.err
}

type detailedService struct {
	plainService
	res transcription.Result
}

func (s detailedService) TranscribeDetailed(context.Context, string, string) (transcription.Result, error) {
	return s.res, s.err
}

type apiFixture struct {
	models  *fakeModels
	factory *fakeFactory
	prefs   *transcription.Preferences
	bus     *events.Bus
	coord   *coordinator.Coordinator
	router  *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		models:  newFakeModels(),
		factory: &fakeFactory{},
		prefs:   transcription.NewPreferences(storage.NewMemoryStore(), transcription.EngineLocal, "base"),
		bus:     events.NewBus(0),
		coord:   coordinator.New(coordinator.Config{Logger: slog.New(slog.DiscardHandler)}),
	}
	h, err := NewHandlers(Config{
		Models:      f.models,
		Factory:     f.factory,
		Preferences: f.prefs,
		Coordinator: f.coord,
		Events:      f.bus,
		Logger:      slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	f.router = NewRouter(h, "scribe-test", http.NotFoundHandler())
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// ============================================================================
// Tests
// ============================================================================

func TestNewHandlers_RequiresModels(t *testing.T) {
	_, err := NewHandlers(Config{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	f.models.setState("base", models.StateDownloaded)
	f.models.setState("small", models.StateDownloading)

	w := f.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
	assert.Equal(t, len(f.models.catalog.IDs()), resp.Models)
	assert.Equal(t, 1, resp.Installed)
	assert.Equal(t, 1, resp.Downloading)
}

func TestRequestID_EchoesClientHeader(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestListAndGetModels(t *testing.T) {
	f := newAPIFixture(t)
	f.models.setState("tiny", models.StateFailed)

	w := f.do(t, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ModelListResponse](t, w)
	assert.Equal(t, "base", list.DefaultID)
	require.Len(t, list.Models, len(f.models.catalog.IDs()))
	assert.Equal(t, "tiny", list.Models[0].ID)
	assert.Equal(t, models.StateFailed, list.Models[0].State)

	w = f.do(t, http.MethodGet, "/v1/models/small", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "small", decode[models.Status](t, w).ID)

	w = f.do(t, http.MethodGet, "/v1/models/huge", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeModelNotFound, decode[ErrorResponse](t, w).Code)
}

func TestModelCommands(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/models/small/download", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, ActionResponse{ModelID: "small", State: "downloading"}, decode[ActionResponse](t, w))

	w = f.do(t, http.MethodDelete, "/v1/models/small/download", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "not_downloaded", decode[ActionResponse](t, w).State)

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/models/small/retry", nil).Code)
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/models/small/retry?force=true", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/models/small/retry?force=maybe", nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/models/small", nil).Code)

	assert.Equal(t, []string{"start:small", "cancel:small", "retry:small", "force:small", "delete:small"}, f.models.callLog())
}

func TestModelCommands_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", &models.ModelError{Kind: models.ErrorNotFound, Message: "unknown"}, http.StatusNotFound, CodeModelNotFound},
		{"network", &models.ModelError{Kind: models.ErrorNetwork, Message: "offline"}, http.StatusBadGateway, CodeNetwork},
		{"storage", &models.ModelError{Kind: models.ErrorStorage, Message: "disk full", Remediation: "Free disk space"}, http.StatusInsufficientStorage, CodeStorage},
		{"cancelled", &models.ModelError{Kind: models.ErrorCancelled, Message: "cancelled"}, http.StatusConflict, CodeCancelled},
		{"other", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.models.err = tt.err
			w := f.do(t, http.MethodPost, "/v1/models/small/download", nil)
			assert.Equal(t, tt.status, w.Code)
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.err.Error(), resp.Error)
		})
	}
}

func TestEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.bus.Publish(events.Event{Type: events.TypeDownloadState, ModelID: "small", State: "downloading"})
	f.bus.Publish(events.Event{Type: events.TypeDownloadProgress, ModelID: "small", Progress: 0.5})

	w := f.do(t, http.MethodGet, "/v1/events?since=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[EventsResponse](t, w)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, events.TypeDownloadProgress, resp.Events[0].Type)
	assert.Equal(t, int64(2), resp.Latest)

	w = f.do(t, http.MethodGet, "/v1/events?since=2", nil)
	assert.Equal(t, int64(2), decode[EventsResponse](t, w).Latest)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/events?since=-1", nil).Code)
}

func TestTranscribe(t *testing.T) {
	t.Run("router result is returned as is", func(t *testing.T) {
		f := newAPIFixture(t)
		want := transcription.Result{
			Text:      "hello",
			RequestID: "r1",
			Decisions: []transcription.Decision{
				{RequestID: "r1", Route: transcription.EngineLocal, Reason: transcription.ReasonLocalPreferred, ModelID: "base"},
				{RequestID: "r1", Route: transcription.EngineCloud, Reason: "local_insufficient_memory", ModelID: "base", Fallback: true},
			},
		}
		f.factory.svc = detailedService{res: want}

		w := f.do(t, http.MethodPost, "/v1/transcriptions", TranscriptionRequest{AudioPath: "/tmp/a.wav", Language: "en"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, want, decode[transcription.Result](t, w))
	})

	t.Run("cloud service", func(t *testing.T) {
		f := newAPIFixture(t)
		f.factory.svc = plainService{text: "from cloud"}

		w := f.do(t, http.MethodPost, "/v1/transcriptions", TranscriptionRequest{AudioPath: "/tmp/a.wav"})
		require.Equal(t, http.StatusOK, w.Code)
		res := decode[transcription.Result](t, w)
		assert.Equal(t, "from cloud", res.Text)
		require.Len(t, res.Decisions, 1)
		assert.Equal(t, transcription.EngineCloud, res.Decisions[0].Route)
		assert.Equal(t, w.Header().Get("X-Request-ID"), res.RequestID)
	})

	t.Run("validation", func(t *testing.T) {
		f := newAPIFixture(t)
		f.factory.svc = plainService{}
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/transcriptions", map[string]string{}).Code)
		assert.Equal(t, http.StatusBadRequest,
			f.do(t, http.MethodPost, "/v1/transcriptions", TranscriptionRequest{AudioPath: "/a.wav", Language: "english"}).Code)
	})

	t.Run("no engine", func(t *testing.T) {
		f := newAPIFixture(t)
		f.factory.err = transcription.ErrNoEngine
		w := f.do(t, http.MethodPost, "/v1/transcriptions", TranscriptionRequest{AudioPath: "/a.wav"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, CodeNoEngine, decode[ErrorResponse](t, w).Code)
	})

	t.Run("engine failures", func(t *testing.T) {
		f := newAPIFixture(t)
		f.factory.svc = plainService{err: &transcription.EngineError{
			Kind: transcription.ErrorAudioProcessingFailed, Engine: "local", Message: "cannot decode",
		}}
		w := f.do(t, http.MethodPost, "/v1/transcriptions", TranscriptionRequest{AudioPath: "/a.wav"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, CodeAudioProcessing, decode[ErrorResponse](t, w).Code)

		f.factory.svc = plainService{err: &transcription.EngineError{
			Kind: transcription.ErrorTranscriptionFailed, Engine: "cloud", Message: "quota",
		}}
		w = f.do(t, http.MethodPost, "/v1/transcriptions", TranscriptionRequest{AudioPath: "/a.wav"})
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, CodeTranscription, decode[ErrorResponse](t, w).Code)
	})
}

func TestPreferences(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/v1/preferences", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, PreferencesResponse{PreferredEngine: "local", SelectedModelID: "base"}, decode[PreferencesResponse](t, w))

	w = f.do(t, http.MethodPut, "/v1/preferences", PreferencesRequest{PreferredEngine: "cloud", SelectedModelID: "small"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, PreferencesResponse{PreferredEngine: "cloud", SelectedModelID: "small"}, decode[PreferencesResponse](t, w))

	engine, err := f.prefs.PreferredEngine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, transcription.EngineCloud, engine)

	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPut, "/v1/preferences", PreferencesRequest{PreferredEngine: "gpu"}).Code)
	assert.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodPut, "/v1/preferences", PreferencesRequest{SelectedModelID: "huge"}).Code)
}

func TestCoordinatorStatus(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.coord.Acquire(context.Background(), coordinator.WorkloadAnalysis,
		func(context.Context) error { return nil }))

	w := f.do(t, http.MethodGet, "/v1/coordinator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[coordinator.Status](t, w)
	assert.Equal(t, coordinator.StateIdle.String(), status.State)
	assert.Equal(t, coordinator.WorkloadAnalysis.String(), status.Resident)
}

func TestNotConfiguredEndpoints(t *testing.T) {
	h, err := NewHandlers(Config{Models: newFakeModels(), Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	router := NewRouter(h, "scribe-test", nil)

	for _, path := range []string{"/v1/events", "/v1/preferences", "/v1/coordinator"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ============================================================================
// Progress websocket
// ============================================================================

func dialProgress(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/models/" + id + "/progress/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) ProgressMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg ProgressMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestProgressStream_ForwardsUntilTerminalState(t *testing.T) {
	f := newAPIFixture(t)
	f.models.setState("small", models.StateDownloading)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ws := dialProgress(t, srv, "small")
	first := readFrame(t, ws)
	assert.Equal(t, "snapshot", first.Type)
	assert.Equal(t, "downloading", first.State)

	f.bus.Publish(events.Event{Type: events.TypeDownloadProgress, ModelID: "medium", Progress: 0.9})
	f.bus.Publish(events.Event{Type: events.TypeDownloadProgress, ModelID: "small", Progress: 0.4})
	f.bus.Publish(events.Event{Type: events.TypeDownloadState, ModelID: "small", State: "downloaded"})

	progress := readFrame(t, ws)
	assert.Equal(t, string(events.TypeDownloadProgress), progress.Type)
	assert.Equal(t, "small", progress.ModelID)
	assert.Equal(t, 0.4, progress.Progress)

	done := readFrame(t, ws)
	assert.Equal(t, "downloaded", done.State)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestProgressStream_IdleModelClosesAfterSnapshot(t *testing.T) {
	f := newAPIFixture(t)
	f.models.setState("base", models.StateDownloaded)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ws := dialProgress(t, srv, "base")
	first := readFrame(t, ws)
	assert.Equal(t, "downloaded", first.State)
	assert.Equal(t, 1.0, first.Progress)

	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestProgressStream_UnknownModel(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/v1/models/huge/progress/ws", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
