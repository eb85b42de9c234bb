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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribe/services/events"
	"github.com/AleutianAI/scribe/services/storage"
)

// scriptedProvider lets each test decide what a download does.
type scriptedProvider struct {
	mu        sync.Mutex
	installed map[string]bool
	download  func(ctx context.Context, id string, progress func(float64)) error
	downloads map[string]int
	forgotten []string
	deleted   []string
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{installed: map[string]bool{}, downloads: map[string]int{}}
}

func (p *scriptedProvider) setInstalled(id string, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.installed[id] = v
}

func (p *scriptedProvider) IsInstalled(_ context.Context, id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installed[id]
}

func (p *scriptedProvider) InstalledFolder(_ context.Context, id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.installed[id] {
		return "/models/" + id, true
	}
	return "", false
}

func (p *scriptedProvider) Download(ctx context.Context, id string, progress func(float64)) error {
	p.mu.Lock()
	p.downloads[id]++
	fn := p.download
	p.mu.Unlock()
	if fn == nil {
		<-ctx.Done()
		return cancelledError(id, ctx.Err())
	}
	return fn(ctx, id, progress)
}

func (p *scriptedProvider) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, id)
	delete(p.installed, id)
	return nil
}

func (p *scriptedProvider) ForgetFolder(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgotten = append(p.forgotten, id)
	return nil
}

func (p *scriptedProvider) downloadCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloads[id]
}

type managerFixture struct {
	manager  *Manager
	provider *scriptedProvider
	store    *storage.MemoryStore
	bus      *events.Bus
	clock    *fakeClock
}

func newManagerFixture(t *testing.T, mutate ...func(*ManagerConfig)) *managerFixture {
	t.Helper()
	f := &managerFixture{
		provider: newScriptedProvider(),
		store:    storage.NewMemoryStore(),
		bus:      events.NewBus(0),
		clock:    newFakeClock(),
	}
	cfg := ManagerConfig{
		Provider: f.provider,
		Catalog:  BuiltinCatalog(),
		Store:    f.store,
		Events:   f.bus,
		Logger:   quietLogger(),
		Now:      f.clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.manager = m
	return f
}

func (f *managerFixture) waitForState(t *testing.T, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		md, ok := f.manager.Metadata(id)
		return ok && md.State == want && !f.manager.IsDownloading(id)
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s to reach %s", id, want)
}

func (f *managerFixture) persistedState(t *testing.T, id string) (string, bool) {
	t.Helper()
	v, ok, err := f.store.GetString(context.Background(), stateKey(id))
	require.NoError(t, err)
	return v, ok
}

func (f *managerFixture) stateEvents(id string) []events.Event {
	var out []events.Event
	for _, e := range f.bus.Since(0) {
		if e.Type == events.TypeDownloadState && e.ModelID == id {
			out = append(out, e)
		}
	}
	return out
}

func TestNewManager_RequiresInputs(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	assert.Error(t, err)
}

func TestManager_StartDownloadRecordsState(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StartDownload(ctx, "small"))

	assert.Equal(t, StateDownloading, f.manager.State(ctx, "small"))
	assert.True(t, f.manager.IsDownloading("small"))

	md, ok := f.manager.Metadata("small")
	require.True(t, ok)
	assert.Equal(t, 1, md.AttemptCount)
	assert.Equal(t, 0.0, md.CurrentProgress)
	assert.Equal(t, f.clock.Now(), md.StartedAt)
	require.NotNil(t, md.ExpectedSizeBytes)
	assert.Equal(t, 487*mb, *md.ExpectedSizeBytes)

	v, ok := f.persistedState(t, "small")
	require.True(t, ok)
	assert.Equal(t, "downloading", v)

	var persisted Metadata
	found, err := storage.GetJSON(ctx, f.store, metadataKey("small"), &persisted)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, persisted.AttemptCount)
}

func TestManager_StartDownloadUnknownModel(t *testing.T) {
	f := newManagerFixture(t)
	err := f.manager.StartDownload(context.Background(), "enormous")
	assert.True(t, IsKind(err, ErrorNotFound))
}

func TestManager_DuplicateStartIsNoOp(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StartDownload(ctx, "small"))
	require.NoError(t, f.manager.StartDownload(ctx, "small"))

	md, _ := f.manager.Metadata("small")
	assert.Equal(t, 1, md.AttemptCount)
	require.Eventually(t, func() bool { return f.provider.downloadCount("small") == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, f.stateEvents("small"), 1)
}

func TestManager_SuccessfulDownload(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.provider.download = func(ctx context.Context, id string, progress func(float64)) error {
		progress(0.5)
		f.provider.setInstalled(id, true)
		progress(1)
		return nil
	}

	require.NoError(t, f.manager.StartDownload(ctx, "base"))
	f.waitForState(t, "base", StateDownloaded)

	assert.Equal(t, StateDownloaded, f.manager.State(ctx, "base"))
	md, _ := f.manager.Metadata("base")
	assert.Equal(t, 1.0, md.CurrentProgress)
	assert.Empty(t, md.ErrorMessage)

	v, _ := f.persistedState(t, "base")
	assert.Equal(t, "downloaded", v)

	states := f.stateEvents("base")
	require.Len(t, states, 2)
	assert.Equal(t, "downloading", states[0].State)
	assert.Equal(t, "downloaded", states[1].State)
}

func TestManager_ProgressIsMonotonic(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.provider.download = func(ctx context.Context, id string, progress func(float64)) error {
		progress(0.5)
		progress(0.3)
		progress(0.7)
		return errors.New("boom")
	}

	require.NoError(t, f.manager.StartDownload(ctx, "tiny"))
	f.waitForState(t, "tiny", StateFailed)

	var got []float64
	for _, e := range f.bus.Since(0) {
		if e.Type == events.TypeDownloadProgress {
			got = append(got, e.Progress)
		}
	}
	assert.Equal(t, []float64{0.5, 0.7}, got)

	md, _ := f.manager.Metadata("tiny")
	assert.Equal(t, 0.7, md.CurrentProgress)
}

func TestManager_FailureMessages(t *testing.T) {
	f := newManagerFixture(t, func(c *ManagerConfig) { c.MaxAttempts = 2 })
	ctx := context.Background()
	f.provider.download = func(ctx context.Context, id string, progress func(float64)) error {
		return networkError(id, errors.New("hub unreachable"))
	}

	require.NoError(t, f.manager.StartDownload(ctx, "small"))
	f.waitForState(t, "small", StateFailed)
	md, _ := f.manager.Metadata("small")
	assert.Equal(t, "model download failed: hub unreachable", md.ErrorMessage)
	assert.Equal(t, StateFailed, f.manager.State(ctx, "small"))

	require.NoError(t, f.manager.RetryDownload(ctx, "small"))
	f.waitForState(t, "small", StateFailed)
	md, _ = f.manager.Metadata("small")
	assert.Equal(t, 2, md.AttemptCount)
	assert.Equal(t, "Download failed after 2 attempts: model download failed: hub unreachable", md.ErrorMessage)
}

func TestManager_CancelResetsAndIgnoresLateProgress(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	started := make(chan struct{})
	f.provider.download = func(ctx context.Context, id string, progress func(float64)) error {
		progress(0.2)
		close(started)
		<-ctx.Done()
		progress(0.9)
		return nil
	}

	require.NoError(t, f.manager.StartDownload(ctx, "medium"))
	<-started
	require.NoError(t, f.manager.CancelDownload(ctx, "medium"))

	assert.Equal(t, StateNotDownloaded, f.manager.State(ctx, "medium"))
	assert.False(t, f.manager.IsDownloading("medium"))
	_, ok := f.manager.Metadata("medium")
	assert.False(t, ok)
	_, ok = f.persistedState(t, "medium")
	assert.False(t, ok)

	for _, e := range f.bus.Since(0) {
		if e.Type == events.TypeDownloadProgress {
			assert.NotEqual(t, 0.9, e.Progress, "progress after cancel must be dropped")
		}
	}
	states := f.stateEvents("medium")
	assert.Equal(t, "not_downloaded", states[len(states)-1].State)
}

func TestManager_LastStateEventMatchesStateAfterCancel(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.provider.download = func(ctx context.Context, id string, progress func(float64)) error {
		progress(0.5)
		return networkError(id, errors.New("connection reset by peer"))
	}

	for i := 0; i < 25; i++ {
		require.NoError(t, f.manager.StartDownload(ctx, "small"))
		require.NoError(t, f.manager.CancelDownload(ctx, "small"))

		states := f.stateEvents("small")
		require.NotEmpty(t, states)
		assert.Equal(t, f.manager.State(ctx, "small").String(), states[len(states)-1].State)
	}
}

func TestManager_InterruptedTransferStaysFailed(t *testing.T) {
	pf := newProviderFixture(t, interruptedFiles)
	pf.transport.set(interruptedFiles, errors.New("connection reset by peer"))
	f := newManagerFixture(t, func(c *ManagerConfig) { c.Provider = pf.provider })
	ctx := context.Background()

	require.NoError(t, f.manager.StartDownload(ctx, "tiny"))
	f.waitForState(t, "tiny", StateFailed)

	assert.Equal(t, StateFailed, f.manager.State(ctx, "tiny"))
	require.NoError(t, f.manager.ReconcileInstallStates(ctx))
	assert.Equal(t, StateFailed, f.manager.State(ctx, "tiny"))
	for _, s := range f.manager.Snapshot(ctx) {
		if s.ID == "tiny" {
			assert.Empty(t, s.Folder)
		}
	}
}

func TestManager_Resumable(t *testing.T) {
	f := newManagerFixture(t, func(c *ManagerConfig) { c.MaxAttempts = 2 })
	ctx := context.Background()
	f.provider.download = func(ctx context.Context, id string, progress func(float64)) error {
		return networkError(id, errors.New("hub unreachable"))
	}

	assert.True(t, f.manager.Resumable("small"))
	require.NoError(t, f.manager.StartDownload(ctx, "small"))
	f.waitForState(t, "small", StateFailed)
	assert.True(t, f.manager.Resumable("small"))

	require.NoError(t, f.manager.RetryDownload(ctx, "small"))
	f.waitForState(t, "small", StateFailed)
	assert.False(t, f.manager.Resumable("small"))

	f.provider.download = nil
	require.NoError(t, f.manager.ForceRetryDownload(ctx, "small"))
	assert.True(t, f.manager.Resumable("small"))
}

func TestManager_CancelUnknownModel(t *testing.T) {
	f := newManagerFixture(t)
	assert.True(t, IsKind(f.manager.CancelDownload(context.Background(), "enormous"), ErrorNotFound))
}

func TestManager_ForceRetryResetsAttempts(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.provider.download = func(ctx context.Context, id string, progress func(float64)) error {
		return errors.New("boom")
	}

	require.NoError(t, f.manager.StartDownload(ctx, "small"))
	f.waitForState(t, "small", StateFailed)
	require.NoError(t, f.manager.RetryDownload(ctx, "small"))
	f.waitForState(t, "small", StateFailed)
	md, _ := f.manager.Metadata("small")
	require.Equal(t, 2, md.AttemptCount)

	require.NoError(t, f.manager.ForceRetryDownload(ctx, "small"))
	f.waitForState(t, "small", StateFailed)
	md, _ = f.manager.Metadata("small")
	assert.Equal(t, 1, md.AttemptCount)
	assert.Equal(t, []string{"small"}, f.provider.forgotten)
}

func TestManager_DeleteModel(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.provider.setInstalled("base", true)

	require.NoError(t, f.manager.DeleteModel(ctx, "base"))
	assert.Equal(t, []string{"base"}, f.provider.deleted)
	assert.Equal(t, StateNotDownloaded, f.manager.State(ctx, "base"))
}

func TestManager_InstalledIsGroundTruth(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.provider.download = func(ctx context.Context, id string, progress func(float64)) error {
		return errors.New("boom")
	}
	require.NoError(t, f.manager.StartDownload(ctx, "tiny"))
	f.waitForState(t, "tiny", StateFailed)

	f.provider.setInstalled("tiny", true)
	assert.Equal(t, StateDownloaded, f.manager.State(ctx, "tiny"))
}

func TestManager_HealthCheckMarksStale(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StartDownload(ctx, "large-v3"))
	require.NoError(t, f.manager.StartDownload(ctx, "tiny"))
	require.Eventually(t, func() bool {
		return f.provider.downloadCount("large-v3") == 1 && f.provider.downloadCount("tiny") == 1
	}, time.Second, 5*time.Millisecond)

	f.clock.Advance(2 * time.Minute)
	assert.Empty(t, f.manager.CheckDownloadHealth(ctx), "within threshold")

	f.clock.Advance(2 * time.Minute)
	stale := f.manager.CheckDownloadHealth(ctx)
	assert.ElementsMatch(t, []string{"tiny", "large-v3"}, stale)

	assert.Equal(t, StateStale, f.manager.State(ctx, "large-v3"))
	assert.False(t, f.manager.IsDownloading("large-v3"))
	md, _ := f.manager.Metadata("large-v3")
	assert.Equal(t, StateStale, md.State)
	assert.Equal(t, "Download stalled: no progress for 4 minutes", md.ErrorMessage)

	v, _ := f.persistedState(t, "large-v3")
	assert.Equal(t, "stale", v)

	assert.Empty(t, f.manager.CheckDownloadHealth(ctx), "stale downloads are not re-marked")
	assert.Equal(t, 1, f.provider.downloadCount("large-v3"), "health check never starts a transfer")
}

func TestManager_StaleCanBeRetried(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StartDownload(ctx, "tiny"))
	f.clock.Advance(5 * time.Minute)
	require.Len(t, f.manager.CheckDownloadHealth(ctx), 1)

	require.NoError(t, f.manager.RetryDownload(ctx, "tiny"))
	assert.Equal(t, StateDownloading, f.manager.State(ctx, "tiny"))
	md, _ := f.manager.Metadata("tiny")
	assert.Equal(t, 2, md.AttemptCount)
	assert.Empty(t, md.ErrorMessage)
}

func TestStaleMessage(t *testing.T) {
	assert.Equal(t, "Download stalled: no progress for 1 minute", staleMessage(30*time.Second))
	assert.Equal(t, "Download stalled: no progress for 1 minute", staleMessage(90*time.Second))
	assert.Equal(t, "Download stalled: no progress for 7 minutes", staleMessage(7*time.Minute))
}

func seedRecord(t *testing.T, store storage.Store, id string, st State, md Metadata) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SetString(ctx, stateKey(id), st.String()))
	md.State = st
	require.NoError(t, storage.SetJSON(ctx, store, metadataKey(id), md))
}

func TestManager_LoadDownloadStates(t *testing.T) {
	t.Run("installed wins over recorded state", func(t *testing.T) {
		f := newManagerFixture(t)
		seedRecord(t, f.store, "small", StateFailed, Metadata{AttemptCount: 1, ErrorMessage: "boom"})
		f.provider.setInstalled("small", true)

		require.NoError(t, f.manager.LoadDownloadStates(context.Background()))
		v, _ := f.persistedState(t, "small")
		assert.Equal(t, "downloaded", v)
		md, _ := f.manager.Metadata("small")
		assert.Empty(t, md.ErrorMessage)
	})

	t.Run("recorded downloaded but missing resets", func(t *testing.T) {
		f := newManagerFixture(t)
		seedRecord(t, f.store, "small", StateDownloaded, Metadata{AttemptCount: 1})

		require.NoError(t, f.manager.LoadDownloadStates(context.Background()))
		assert.Equal(t, StateNotDownloaded, f.manager.State(context.Background(), "small"))
		_, ok := f.persistedState(t, "small")
		assert.False(t, ok)
	})

	t.Run("interrupted download resumes", func(t *testing.T) {
		f := newManagerFixture(t)
		seedRecord(t, f.store, "medium", StateDownloading, Metadata{AttemptCount: 1, CurrentProgress: 0.4})

		require.NoError(t, f.manager.LoadDownloadStates(context.Background()))
		assert.True(t, f.manager.IsDownloading("medium"))
		md, _ := f.manager.Metadata("medium")
		assert.Equal(t, 2, md.AttemptCount)
		require.Eventually(t, func() bool { return f.provider.downloadCount("medium") == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("stale record resumes", func(t *testing.T) {
		f := newManagerFixture(t)
		seedRecord(t, f.store, "medium", StateStale, Metadata{AttemptCount: 2})

		require.NoError(t, f.manager.LoadDownloadStates(context.Background()))
		assert.Equal(t, StateDownloading, f.manager.State(context.Background(), "medium"))
	})

	t.Run("exhausted attempts fail", func(t *testing.T) {
		f := newManagerFixture(t)
		seedRecord(t, f.store, "medium", StateDownloading, Metadata{AttemptCount: 3})

		require.NoError(t, f.manager.LoadDownloadStates(context.Background()))
		assert.Equal(t, StateFailed, f.manager.State(context.Background(), "medium"))
		md, _ := f.manager.Metadata("medium")
		assert.Equal(t, "Download failed after 3 attempts", md.ErrorMessage)
		assert.Equal(t, 0, f.provider.downloadCount("medium"))
	})

	t.Run("auto resume disabled resets", func(t *testing.T) {
		f := newManagerFixture(t, func(c *ManagerConfig) { c.DisableAutoResume = true })
		seedRecord(t, f.store, "medium", StateDownloading, Metadata{AttemptCount: 1})

		require.NoError(t, f.manager.LoadDownloadStates(context.Background()))
		assert.Equal(t, StateNotDownloaded, f.manager.State(context.Background(), "medium"))
		_, ok := f.persistedState(t, "medium")
		assert.False(t, ok)
	})

	t.Run("failed record kept", func(t *testing.T) {
		f := newManagerFixture(t)
		seedRecord(t, f.store, "tiny", StateFailed, Metadata{AttemptCount: 1, ErrorMessage: "boom"})

		require.NoError(t, f.manager.LoadDownloadStates(context.Background()))
		assert.Equal(t, StateFailed, f.manager.State(context.Background(), "tiny"))
		md, _ := f.manager.Metadata("tiny")
		assert.Equal(t, "boom", md.ErrorMessage)
	})
}

func TestManager_ReconcileNeverStartsTransfers(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	seedRecord(t, f.store, "medium", StateStale, Metadata{AttemptCount: 1})

	require.NoError(t, f.manager.ReconcileInstallStates(ctx))
	assert.False(t, f.manager.IsDownloading("medium"))
	assert.Equal(t, 0, f.provider.downloadCount("medium"))

	f.provider.setInstalled("tiny", true)
	require.NoError(t, f.manager.ReconcileInstallStates(ctx))
	v, _ := f.persistedState(t, "tiny")
	assert.Equal(t, "downloaded", v)
}

func TestManager_CloseKeepsRecordForResume(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.manager.StartDownload(context.Background(), "small"))

	f.manager.Close()

	v, ok := f.persistedState(t, "small")
	require.True(t, ok)
	assert.Equal(t, "downloading", v)
	assert.False(t, f.manager.IsDownloading("small"))
}

func TestManager_Snapshot(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.provider.setInstalled("base", true)
	require.NoError(t, f.manager.StartDownload(ctx, "small"))

	snap := f.manager.Snapshot(ctx)
	require.Len(t, snap, len(BuiltinCatalog().IDs()))

	byID := map[string]Status{}
	for _, s := range snap {
		byID[s.ID] = s
	}
	assert.Equal(t, StateDownloaded, byID["base"].State)
	assert.True(t, byID["base"].IsDefault)
	assert.Equal(t, "/models/base", byID["base"].Folder)
	assert.Equal(t, StateDownloading, byID["small"].State)
	require.NotNil(t, byID["small"].Metadata)
	assert.Equal(t, StateNotDownloaded, byID["tiny"].State)
	assert.Nil(t, byID["tiny"].Metadata)
}
