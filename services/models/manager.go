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
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/scribe/services/events"
	"github.com/AleutianAI/scribe/services/storage"
	"github.com/AleutianAI/scribe/services/telemetry"
)

// Defaults for ManagerConfig.
const (
	DefaultStaleThreshold  = 3 * time.Minute
	DefaultHealthInterval  = 60 * time.Second
	DefaultMaxAttempts     = 3
	DefaultPersistInterval = time.Second

	progressBuffer = 32
)

// ModelProvider is the part of *Provider the Manager needs.
type ModelProvider interface {
	IsInstalled(ctx context.Context, id string) bool
	InstalledFolder(ctx context.Context, id string) (string, bool)
	Download(ctx context.Context, id string, progress func(float64)) error
	Delete(ctx context.Context, id string) error
	ForgetFolder(ctx context.Context, id string) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Provider ModelProvider
	Catalog  *Catalog
	Store    storage.Store

	// Events receives download state and progress events. Optional. Publish
	// is called with the manager's lock held, so it must not block or call
	// back into the Manager.
	Events events.Publisher

	// Metrics is optional.
	Metrics *telemetry.Metrics

	Logger *slog.Logger

	// StaleThreshold is how long a download may go without progress before
	// the health check marks it Stale. Also used by startup reconciliation.
	StaleThreshold time.Duration

	// HealthInterval is the RunHealthMonitor tick.
	HealthInterval time.Duration

	// MaxAttempts bounds automatic resumption on startup.
	MaxAttempts int

	// DisableAutoResume resets interrupted downloads to NotDownloaded on
	// startup instead of resuming them.
	DisableAutoResume bool

	// PersistInterval rate-limits metadata writes caused by progress.
	PersistInterval time.Duration

	// Now overrides the clock. Tests use it to age downloads.
	Now func() time.Time
}

type downloadTask struct {
	token  uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the per-model download state machine.
//
// # Description
//
// States: NotDownloaded, Downloading, Downloaded, Failed, Stale. An
// installed model is always reported as Downloaded, whatever the recorded
// state says. At most one download task exists per model; every task
// carries a token, and progress or completion from a task whose token is
// no longer current (cancelled, marked stale, superseded) is ignored.
//
// State and metadata are persisted so an interrupted download can be
// resumed by LoadDownloadStates on the next start.
//
// # Thread Safety
//
// Safe for concurrent use. A single mutex guards all per-model state.
type Manager struct {
	provider ModelProvider
	catalog  *Catalog
	store    storage.Store
	events   events.Publisher
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	staleThreshold  time.Duration
	healthInterval  time.Duration
	maxAttempts     int
	autoResume      bool
	persistInterval time.Duration
	now             func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	states    map[string]State
	meta      map[string]*Metadata
	tasks     map[string]*downloadTask
	limiters  map[string]*rate.Limiter
	nextToken uint64

	folderLocksMu sync.Mutex
	folderLocks   map[string]*sync.Mutex
}

// NewManager creates a Manager. Call LoadDownloadStates before use and
// Close on shutdown.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Provider == nil || cfg.Catalog == nil || cfg.Store == nil {
		return nil, errors.New("manager: provider, catalog, and store are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		provider:        cfg.Provider,
		catalog:         cfg.Catalog,
		store:           cfg.Store,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		staleThreshold:  cfg.StaleThreshold,
		healthInterval:  cfg.HealthInterval,
		maxAttempts:     cfg.MaxAttempts,
		autoResume:      !cfg.DisableAutoResume,
		persistInterval: cfg.PersistInterval,
		now:             cfg.Now,
		baseCtx:         ctx,
		stop:            cancel,
		states:          make(map[string]State),
		meta:            make(map[string]*Metadata),
		tasks:           make(map[string]*downloadTask),
		limiters:        make(map[string]*rate.Limiter),
		folderLocks:     make(map[string]*sync.Mutex),
	}
	if m.events == nil {
		m.events = events.Discard{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.staleThreshold <= 0 {
		m.staleThreshold = DefaultStaleThreshold
	}
	if m.healthInterval <= 0 {
		m.healthInterval = DefaultHealthInterval
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.persistInterval <= 0 {
		m.persistInterval = DefaultPersistInterval
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Catalog returns the catalog the manager serves.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// State returns the current state of id. A model valid on disk is
// Downloaded regardless of the recorded state; a recorded Downloaded
// without a valid folder reads as NotDownloaded.
func (m *Manager) State(ctx context.Context, id string) State {
	if m.provider.IsInstalled(ctx, id) {
		return StateDownloaded
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok || st == StateDownloaded {
		return StateNotDownloaded
	}
	return st
}

// Metadata returns a copy of id's download metadata.
func (m *Manager) Metadata(id string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.meta[id]
	if !ok {
		return Metadata{}, false
	}
	return copyMetadata(md), true
}

// Snapshot returns the status of every catalog model in catalog order.
func (m *Manager) Snapshot(ctx context.Context) []Status {
	defaultID := m.catalog.Default().ID
	out := make([]Status, 0, len(m.catalog.IDs()))
	for _, d := range m.catalog.All() {
		s := Status{Descriptor: d, State: m.State(ctx, d.ID), IsDefault: d.ID == defaultID}
		if folder, ok := m.provider.InstalledFolder(ctx, d.ID); ok {
			s.Folder = folder
		}
		if md, ok := m.Metadata(d.ID); ok {
			s.Metadata = &md
		}
		out = append(out, s)
	}
	return out
}

// Resumable reports whether an automatic start may still try id. It is
// false once a Failed or Stale download has used all its attempts; only
// an explicit retry runs it again.
func (m *Manager) Resumable(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.meta[id]
	if !ok {
		return true
	}
	switch m.states[id] {
	case StateFailed, StateStale:
		return md.AttemptCount < m.maxAttempts
	}
	return true
}

// IsDownloading reports whether a live task exists for id.
func (m *Manager) IsDownloading(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

// StartDownload begins downloading id.
//
// # Description
//
// A no-op (logged as a warning) when id is already Downloading. Otherwise
// clears any previous error, increments the attempt count, sets progress
// to 0, records the state as Downloading, persists it, and launches the
// transfer in a new goroutine.
//
// # Outputs
//
//   - error: NotFound for an unknown id. Transfer failures are recorded in
//     Metadata.ErrorMessage, never returned.
func (m *Manager) StartDownload(ctx context.Context, id string) error {
	desc, ok := m.catalog.Get(id)
	if !ok {
		return notFoundError(id)
	}

	m.mu.Lock()
	if m.states[id] == StateDownloading {
		m.mu.Unlock()
		m.logger.Warn("download already in progress, ignoring start", "model_id", id)
		return nil
	}

	md, ok := m.meta[id]
	if !ok {
		md = &Metadata{}
		m.meta[id] = md
	}
	now := m.now()
	md.State = StateDownloading
	md.ErrorMessage = ""
	md.AttemptCount++
	md.StartedAt = now
	md.LastProgressUpdate = now
	md.CurrentProgress = 0
	if desc.ApproximateSizeBytes > 0 {
		size := desc.ApproximateSizeBytes
		md.ExpectedSizeBytes = &size
	}
	m.states[id] = StateDownloading

	m.nextToken++
	taskCtx, cancel := context.WithCancel(m.baseCtx)
	task := &downloadTask{token: m.nextToken, cancel: cancel, done: make(chan struct{})}
	m.tasks[id] = task
	m.limiters[id] = rate.NewLimiter(rate.Every(m.persistInterval), 1)
	m.persistLocked(ctx, id)
	m.publishState(id, StateDownloading, "")
	attempt := md.AttemptCount
	m.mu.Unlock()

	m.logger.Info("download started", "model_id", id, "attempt", attempt)
	m.metrics.DownloadStarted(ctx, id)

	m.wg.Add(1)
	go m.run(taskCtx, id, task)
	return nil
}

// RetryDownload starts a new attempt for id. Equivalent to StartDownload.
func (m *Manager) RetryDownload(ctx context.Context, id string) error {
	return m.StartDownload(ctx, id)
}

// ForceRetryDownload discards everything known about id (task, state,
// metadata, folder mapping) and starts a fresh download whose attempt
// count restarts at 1.
func (m *Manager) ForceRetryDownload(ctx context.Context, id string) error {
	if err := m.CancelDownload(ctx, id); err != nil {
		return err
	}
	if err := m.provider.ForgetFolder(ctx, id); err != nil {
		return storageError(id, "cannot clear folder mapping", err)
	}
	return m.StartDownload(ctx, id)
}

// CancelDownload stops any transfer for id and resets it to NotDownloaded,
// removing persisted state and metadata. It returns after the transfer
// goroutine has exited or ctx is done, whichever comes first.
func (m *Manager) CancelDownload(ctx context.Context, id string) error {
	if !m.catalog.Contains(id) {
		return notFoundError(id)
	}

	m.mu.Lock()
	prev := m.states[id]
	var done chan struct{}
	if task, ok := m.tasks[id]; ok {
		task.cancel()
		done = task.done
		delete(m.tasks, id)
	}
	delete(m.states, id)
	delete(m.meta, id)
	delete(m.limiters, id)
	err := m.store.Remove(context.WithoutCancel(ctx), stateKey(id), metadataKey(id))
	m.publishState(id, StateNotDownloaded, "cancelled")
	m.mu.Unlock()

	if prev == StateDownloading {
		m.logger.Info("download cancelled", "model_id", id)
		m.metrics.DownloadFinished(ctx, id, "cancelled", 0)
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if err != nil {
		return storageError(id, "cannot clear download state", err)
	}
	return nil
}

// DeleteModel cancels any transfer and removes the model from disk and
// persisted state.
func (m *Manager) DeleteModel(ctx context.Context, id string) error {
	if err := m.CancelDownload(ctx, id); err != nil {
		return err
	}
	return m.provider.Delete(ctx, id)
}

// -----------------------------------------------------------------------------
// Transfer goroutine
// -----------------------------------------------------------------------------

func (m *Manager) run(ctx context.Context, id string, task *downloadTask) {
	defer m.wg.Done()
	defer close(task.done)

	// A cancelled predecessor may still be unwinding in the same folder.
	lock := m.folderLock(id)
	lock.Lock()
	defer lock.Unlock()

	started := m.now()
	ch := make(chan float64, progressBuffer)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for p := range ch {
			m.applyProgress(id, task.token, p)
		}
	}()

	var err error
	if ctx.Err() != nil {
		err = cancelledError(id, ctx.Err())
	} else {
		err = m.provider.Download(ctx, id, func(p float64) {
			select {
			case ch <- p:
			case <-ctx.Done():
			}
		})
	}
	close(ch)
	<-consumed

	m.finish(ctx, id, task, err, m.now().Sub(started))
}

func (m *Manager) folderLock(id string) *sync.Mutex {
	m.folderLocksMu.Lock()
	defer m.folderLocksMu.Unlock()
	l, ok := m.folderLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.folderLocks[id] = l
	}
	return l
}

func (m *Manager) applyProgress(id string, token uint64, p float64) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	md := m.meta[id]
	if !ok || task.token != token || md == nil || p < md.CurrentProgress {
		m.mu.Unlock()
		return
	}
	if p > 1 {
		p = 1
	}
	md.CurrentProgress = p
	md.LastProgressUpdate = m.now()
	if lim := m.limiters[id]; lim == nil || lim.Allow() {
		m.persistLocked(context.Background(), id)
	}
	m.events.Publish(events.Event{Type: events.TypeDownloadProgress, ModelID: id, Progress: p})
	m.mu.Unlock()
}

func (m *Manager) finish(ctx context.Context, id string, task *downloadTask, err error, elapsed time.Duration) {
	m.mu.Lock()
	current, ok := m.tasks[id]
	if !ok || current.token != task.token {
		m.mu.Unlock()
		m.logger.Debug("ignoring completion of superseded download", "model_id", id)
		return
	}
	task.cancel()

	if err != nil && IsKind(err, ErrorCancelled) {
		// Only shutdown cancels a current task; the persisted Downloading
		// record lets the next start resume it.
		delete(m.tasks, id)
		m.mu.Unlock()
		m.logger.Info("download interrupted by shutdown", "model_id", id)
		return
	}

	delete(m.tasks, id)
	md := m.meta[id]
	if md == nil {
		md = &Metadata{}
		m.meta[id] = md
	}

	var state State
	var message string
	if err == nil {
		state = StateDownloaded
		md.CurrentProgress = 1
		md.ErrorMessage = ""
	} else {
		state = StateFailed
		message = m.failureMessage(md.AttemptCount, err)
		md.ErrorMessage = message
	}
	md.State = state
	m.states[id] = state
	m.persistLocked(context.WithoutCancel(ctx), id)
	m.publishState(id, state, message)
	m.mu.Unlock()

	if err == nil {
		m.logger.Info("download completed", "model_id", id, "elapsed", elapsed)
		m.metrics.DownloadFinished(ctx, id, "success", elapsed)
	} else {
		m.logger.Error("download failed", "model_id", id, "error", err)
		m.metrics.DownloadFinished(ctx, id, "failed", elapsed)
	}
}

func (m *Manager) failureMessage(attempts int, err error) string {
	if attempts >= m.maxAttempts {
		return fmt.Sprintf("Download failed after %d attempts: %v", attempts, err)
	}
	return err.Error()
}

// -----------------------------------------------------------------------------
// Health and reconciliation
// -----------------------------------------------------------------------------

// CheckDownloadHealth marks downloads that have made no progress for
// longer than the stale threshold as Stale, cancelling their tasks. It
// never starts a transfer. Returns the ids marked stale.
func (m *Manager) CheckDownloadHealth(ctx context.Context) []string {
	now := m.now()
	type staleEntry struct {
		id  string
		msg string
	}
	var marked []staleEntry

	m.mu.Lock()
	for _, id := range m.catalog.IDs() {
		if m.states[id] != StateDownloading {
			continue
		}
		md := m.meta[id]
		if md == nil {
			continue
		}
		idle := now.Sub(md.LastProgressUpdate)
		if idle <= m.staleThreshold {
			continue
		}
		if task, ok := m.tasks[id]; ok {
			task.cancel()
			delete(m.tasks, id)
		}
		msg := staleMessage(idle)
		md.State = StateStale
		md.ErrorMessage = msg
		m.states[id] = StateStale
		m.persistLocked(ctx, id)
		m.publishState(id, StateStale, msg)
		marked = append(marked, staleEntry{id: id, msg: msg})
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(marked))
	for _, e := range marked {
		m.logger.Warn("download stalled", "model_id", e.id, "message", e.msg)
		m.metrics.DownloadFinished(ctx, e.id, "stale", 0)
		ids = append(ids, e.id)
	}
	return ids
}

func staleMessage(idle time.Duration) string {
	minutes := int(idle / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("Download stalled: no progress for %d %s", minutes, unit)
}

// RunHealthMonitor calls CheckDownloadHealth every HealthInterval until
// ctx is done.
func (m *Manager) RunHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckDownloadHealth(ctx)
		}
	}
}

// LoadDownloadStates reconciles persisted state with disk at startup.
//
// # Description
//
// For every catalog model:
//
//   - installed on disk: Downloaded, whatever was recorded.
//   - recorded Downloaded but not installed: reset to NotDownloaded.
//   - recorded Downloading or Stale but not installed: no task survives a
//     restart, so the record is orphaned. It is resumed through
//     StartDownload while the attempt count is below MaxAttempts, and
//     marked Failed (with the attempt count in the message) otherwise.
//   - recorded Failed: kept, with its metadata.
func (m *Manager) LoadDownloadStates(ctx context.Context) error {
	var errs []error
	for _, id := range m.catalog.IDs() {
		if err := m.reconcile(ctx, id, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReconcileInstallStates re-runs reconciliation for models without a live
// task. Called when model folders change on disk.
//
// Unlike LoadDownloadStates it never starts a transfer: Stale and Failed
// models stay as they are until the user retries.
func (m *Manager) ReconcileInstallStates(ctx context.Context) error {
	var errs []error
	for _, id := range m.catalog.IDs() {
		if err := m.reconcile(ctx, id, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) reconcile(ctx context.Context, id string, startup bool) error {
	installed := m.provider.IsInstalled(ctx, id)

	m.mu.Lock()
	if _, live := m.tasks[id]; live {
		m.mu.Unlock()
		return nil
	}

	recorded, md, err := m.loadPersisted(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	switch {
	case installed:
		prev := recorded
		m.states[id] = StateDownloaded
		if md != nil {
			md.State = StateDownloaded
			md.CurrentProgress = 1
			md.ErrorMessage = ""
			m.meta[id] = md
		}
		m.persistLocked(ctx, id)
		if prev != StateDownloaded {
			m.publishState(id, StateDownloaded, "")
		}
		m.mu.Unlock()
		return nil

	case recorded == StateDownloaded:
		delete(m.states, id)
		delete(m.meta, id)
		err := m.store.Remove(ctx, stateKey(id), metadataKey(id))
		m.publishState(id, StateNotDownloaded, "model files missing")
		m.mu.Unlock()
		m.logger.Info("recorded model missing on disk, reset", "model_id", id)
		return err

	case recorded == StateDownloading || recorded == StateStale:
		if !startup {
			m.mu.Unlock()
			return nil
		}
		attempts := 0
		if md != nil {
			attempts = md.AttemptCount
		} else {
			md = &Metadata{}
		}
		m.meta[id] = md

		if attempts >= m.maxAttempts {
			msg := fmt.Sprintf("Download failed after %d attempts", attempts)
			md.State = StateFailed
			md.ErrorMessage = msg
			m.states[id] = StateFailed
			m.persistLocked(ctx, id)
			m.publishState(id, StateFailed, msg)
			m.mu.Unlock()
			m.logger.Warn("interrupted download exhausted its attempts", "model_id", id, "attempts", attempts)
			return nil
		}
		if !m.autoResume {
			delete(m.states, id)
			delete(m.meta, id)
			err := m.store.Remove(ctx, stateKey(id), metadataKey(id))
			m.mu.Unlock()
			return err
		}
		idle := m.now().Sub(md.LastProgressUpdate)
		// Clear the in-memory record so StartDownload does not treat the
		// orphaned Downloading state as a live task.
		delete(m.states, id)
		m.mu.Unlock()
		m.logger.Info("resuming interrupted download", "model_id", id,
			"attempts", attempts, "stale", idle > m.staleThreshold)
		return m.StartDownload(ctx, id)

	case recorded == StateFailed:
		m.states[id] = StateFailed
		if md != nil {
			m.meta[id] = md
		}
		m.mu.Unlock()
		return nil

	default:
		m.mu.Unlock()
		return nil
	}
}

// loadPersisted reads id's recorded state and metadata. Caller holds m.mu.
// In-memory state wins over the store when present.
func (m *Manager) loadPersisted(ctx context.Context, id string) (State, *Metadata, error) {
	if st, ok := m.states[id]; ok {
		var md *Metadata
		if cur := m.meta[id]; cur != nil {
			c := copyMetadata(cur)
			md = &c
		}
		return st, md, nil
	}

	recorded := StateNotDownloaded
	raw, ok, err := m.store.GetString(ctx, stateKey(id))
	if err != nil {
		return recorded, nil, err
	}
	if ok {
		if recorded, err = ParseState(raw); err != nil {
			m.logger.Warn("ignoring unparseable download state", "model_id", id, "value", raw)
			recorded = StateNotDownloaded
		}
	}

	var md Metadata
	found, err := storage.GetJSON(ctx, m.store, metadataKey(id), &md)
	if err != nil {
		m.logger.Warn("ignoring unreadable download metadata", "model_id", id, "error", err)
		found = false
	}
	if !found {
		return recorded, nil, nil
	}
	return recorded, &md, nil
}

// Close cancels all transfers and waits for their goroutines. Interrupted
// downloads keep their persisted Downloading record for resumption.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// persistLocked writes id's state and metadata. Caller holds m.mu.
// Failures are logged; the in-memory state stays authoritative.
func (m *Manager) persistLocked(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	st, ok := m.states[id]
	if !ok {
		st = StateNotDownloaded
	}
	if err := m.store.SetString(ctx, stateKey(id), st.String()); err != nil {
		m.logger.Error("persisting download state failed", "model_id", id, "error", err)
		return
	}
	if md := m.meta[id]; md != nil {
		if err := storage.SetJSON(ctx, m.store, metadataKey(id), md); err != nil {
			m.logger.Error("persisting download metadata failed", "model_id", id, "error", err)
		}
	}
}

// publishState must run with m.mu held so subscribers see transitions in
// the order they were applied.
func (m *Manager) publishState(id string, st State, msg string) {
	m.events.Publish(events.Event{
		Type:    events.TypeDownloadState,
		ModelID: id,
		State:   st.String(),
		Message: msg,
	})
}

func copyMetadata(md *Metadata) Metadata {
	c := *md
	if md.ExpectedSizeBytes != nil {
		size := *md.ExpectedSizeBytes
		c.ExpectedSizeBytes = &size
	}
	return c
}
