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
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/scribe/services/storage"
	"github.com/AleutianAI/scribe/services/telemetry"
)

// diskHeadroom is the multiple of a model's approximate size that must be
// free before a download starts.
const diskHeadroom = 1.1

// TokenizerRecoverer fetches a missing tokenizer into a model folder.
type TokenizerRecoverer interface {
	Recover(ctx context.Context, id, dir string) bool
}

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	// Roots are the candidate model roots in search order. Roots[0] is
	// where new downloads are written. At least one is required.
	Roots []string

	Catalog    *Catalog
	Store      storage.Store
	Validator  *Validator
	Tokenizers TokenizerRecoverer
	Transport  Transport
	Logger     *slog.Logger

	// FreeDiskBytes overrides the free-space probe. Tests use it to
	// simulate a full disk. Returns -1 for unknown.
	FreeDiskBytes func(dir string) int64
}

// Provider answers "is this model installed and where", and performs the
// download, validation, and deletion of model folders.
//
// # Description
//
// Folder resolution checks the persisted installed-folder mapping first
// (re-validating the folder, dropping entries that no longer validate),
// then scans the candidate roots in order. A folder found by scanning is
// written back to the mapping so the next lookup is a fast path.
// Concurrent resolutions of the same id share one scan.
//
// # Thread Safety
//
// Safe for concurrent use.
type Provider struct {
	roots      []string
	catalog    *Catalog
	store      storage.Store
	validator  *Validator
	tokenizers TokenizerRecoverer
	transport  Transport
	logger     *slog.Logger
	freeDisk   func(string) int64

	mappingMu sync.Mutex
	resolve   singleflight.Group
}

// NewProvider creates a Provider.
//
// # Outputs
//
//   - *Provider: Ready to use.
//   - error: Non-nil when Roots, Catalog, Store, or Transport is missing.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if len(cfg.Roots) == 0 {
		return nil, errors.New("provider: at least one model root is required")
	}
	if cfg.Catalog == nil || cfg.Store == nil || cfg.Transport == nil {
		return nil, errors.New("provider: catalog, store, and transport are required")
	}
	p := &Provider{
		roots:      append([]string(nil), cfg.Roots...),
		catalog:    cfg.Catalog,
		store:      cfg.Store,
		validator:  cfg.Validator,
		tokenizers: cfg.Tokenizers,
		transport:  cfg.Transport,
		logger:     cfg.Logger,
		freeDisk:   cfg.FreeDiskBytes,
	}
	if p.validator == nil {
		p.validator = NewValidator()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.freeDisk == nil {
		p.freeDisk = freeDiskBytes
	}
	return p, nil
}

// Roots returns the candidate roots in search order.
func (p *Provider) Roots() []string {
	return append([]string(nil), p.roots...)
}

// Catalog returns the provider's catalog.
func (p *Provider) Catalog() *Catalog {
	return p.catalog
}

// -----------------------------------------------------------------------------
// Resolution
// -----------------------------------------------------------------------------

// InstalledFolder returns the folder holding a valid install of id.
func (p *Provider) InstalledFolder(ctx context.Context, id string) (string, bool) {
	v, _, _ := p.resolve.Do(id, func() (any, error) {
		return p.resolveFolder(ctx, id), nil
	})
	folder, _ := v.(string)
	return folder, folder != ""
}

// IsInstalled reports whether a valid folder exists for id.
func (p *Provider) IsInstalled(ctx context.Context, id string) bool {
	_, ok := p.InstalledFolder(ctx, id)
	return ok
}

// IsValid resolves id's folder and runs the asset validator on it.
// Identical to IsInstalled; kept separate because callers that care about
// validation read better with this name.
func (p *Provider) IsValid(ctx context.Context, id string) bool {
	return p.IsInstalled(ctx, id)
}

// InstalledModelIDs returns installed catalog ids in catalog order.
func (p *Provider) InstalledModelIDs(ctx context.Context) []string {
	var ids []string
	for _, id := range p.catalog.IDs() {
		if p.IsInstalled(ctx, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Provider) resolveFolder(ctx context.Context, id string) string {
	mapping, err := p.loadMapping(ctx)
	if err != nil {
		p.logger.Warn("reading installed folder mapping failed", "error", err)
	}
	if folder, ok := mapping[id]; ok {
		if p.validator.Validate(folder).Valid() || p.acceptedWeightsOnly(ctx, id, folder) {
			return folder
		}
		p.logger.Info("dropping stale folder mapping", "model_id", id, "folder", folder)
		if err := p.updateMapping(ctx, id, ""); err != nil {
			p.logger.Warn("removing stale mapping failed", "model_id", id, "error", err)
		}
	}

	for _, candidate := range p.candidateFolders(id) {
		if p.validator.Validate(candidate).Valid() {
			if err := p.updateMapping(ctx, id, candidate); err != nil {
				p.logger.Warn("recording installed folder failed", "model_id", id, "error", err)
			}
			p.logger.Debug("model folder resolved by scan", "model_id", id, "folder", candidate)
			return candidate
		}
	}
	return ""
}

// candidateFolders lists the folder names id may be installed under, per
// root, in search order.
func (p *Provider) candidateFolders(id string) []string {
	desc, known := p.catalog.Get(id)
	var out []string
	for _, root := range p.roots {
		out = append(out, filepath.Join(root, id))
		if known && desc.Variant != "" {
			out = append(out, filepath.Join(root, desc.Variant))
			if desc.Repo != "" {
				out = append(out, filepath.Join(root, filepath.FromSlash(desc.Repo), desc.Variant))
			}
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Folder mapping
// -----------------------------------------------------------------------------

const acceptedSuffix = "#weights-only"

func (p *Provider) loadMapping(ctx context.Context) (map[string]string, error) {
	mapping := map[string]string{}
	if _, err := storage.GetJSON(ctx, p.store, keyFolderMapping, &mapping); err != nil {
		return map[string]string{}, err
	}
	return mapping, nil
}

// updateMapping sets id's folder, or removes the entry when folder is "".
func (p *Provider) updateMapping(ctx context.Context, id, folder string) error {
	p.mappingMu.Lock()
	defer p.mappingMu.Unlock()

	mapping, err := p.loadMapping(ctx)
	if err != nil {
		mapping = map[string]string{}
	}
	if folder == "" {
		delete(mapping, id)
		delete(mapping, id+acceptedSuffix)
	} else {
		mapping[id] = folder
	}
	return storage.SetJSON(ctx, p.store, keyFolderMapping, mapping)
}

func (p *Provider) acceptedWeightsOnly(ctx context.Context, id, folder string) bool {
	mapping, _ := p.loadMapping(ctx)
	if mapping[id+acceptedSuffix] != folder {
		return false
	}
	return p.validator.Validate(folder).HasCompiledModel
}

// ForgetFolder removes id from the installed-folder mapping without
// touching disk.
func (p *Provider) ForgetFolder(ctx context.Context, id string) error {
	return p.updateMapping(ctx, id, "")
}

// AcceptWeightsOnly records id's primary folder as installed even though
// it has no tokenizer.
//
// # Description
//
// For users who supply their own tokenizer at inference time. The folder
// must contain compiled weights; a weights-only download still sitting in
// the staging folder is moved into place first. The acceptance is dropped when the
// folder stops having weights or the model is deleted.
func (p *Provider) AcceptWeightsOnly(ctx context.Context, id string) error {
	if !p.catalog.Contains(id) {
		return notFoundError(id)
	}
	folder := filepath.Join(p.roots[0], id)
	if staged := p.stagingFolder(id); !p.validator.Validate(folder).HasCompiledModel && p.validator.Validate(staged).HasCompiledModel {
		if err := p.promote(staged, folder); err != nil {
			return storageError(id, "cannot move downloaded model into place", err)
		}
	}
	if !p.validator.Validate(folder).HasCompiledModel {
		return storageError(id, "no compiled model weights to accept", nil)
	}
	p.mappingMu.Lock()
	defer p.mappingMu.Unlock()
	mapping, _ := p.loadMapping(ctx)
	mapping[id] = folder
	mapping[id+acceptedSuffix] = folder
	return storage.SetJSON(ctx, p.store, keyFolderMapping, mapping)
}

// -----------------------------------------------------------------------------
// Download
// -----------------------------------------------------------------------------

// Download fetches, validates, and registers id.
//
// # Description
//
// Writes into the staging folder <Roots[0]>/.<id>.download, which keeps
// partial files between attempts so transfers resume. After the transfer
// the staging folder is validated; one with weights but no tokenizer gets
// exactly one tokenizer recovery attempt and is validated again. Only a
// valid staging folder is renamed to <Roots[0]>/<id> and written to the
// folder mapping, so an interrupted transfer never looks installed.
//
// # Inputs
//
//   - ctx: Cancelling it aborts the transfer.
//   - id: Catalog id.
//   - progress: Receives fractions in [0, 1], non-decreasing. 1 is sent
//     only after the folder is registered. May be nil.
//
// # Outputs
//
//   - error: *ModelError of kind NotFound, Network, Storage, or Cancelled.
func (p *Provider) Download(ctx context.Context, id string, progress func(float64)) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "scribe.models", "Provider.Download",
		trace.WithAttributes(attribute.String("model.id", id)))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if progress == nil {
		progress = func(float64) {}
	}
	desc, ok := p.catalog.Get(id)
	if !ok {
		return notFoundError(id)
	}

	dest := filepath.Join(p.roots[0], id)
	staging := p.stagingFolder(id)
	if err := os.MkdirAll(staging, 0750); err != nil {
		return storageError(id, "cannot create model folder", err)
	}
	if need := int64(float64(desc.ApproximateSizeBytes) * diskHeadroom); need > 0 {
		if free := p.freeDisk(staging); free >= 0 && free < need {
			e := storageError(id, "insufficient disk space", nil)
			e.Detail = fmt.Sprintf("need about %d MB, %d MB free at %s", need/mb, free/mb, p.roots[0])
			return e
		}
	}

	var last float64
	report := func(done, total int64) {
		if total <= 0 {
			total = desc.ApproximateSizeBytes
		}
		if total <= 0 {
			return
		}
		f := float64(done) / float64(total)
		if f > 0.99 {
			f = 0.99
		}
		if f > last {
			last = f
			progress(f)
		}
	}

	req := FetchRequest{ModelID: id, Repo: desc.Repo, Variant: desc.Variant, Dest: staging}
	if err := p.transport.Fetch(ctx, req, report); err != nil {
		if ctx.Err() != nil {
			return cancelledError(id, ctx.Err())
		}
		return networkError(id, err)
	}

	v := p.validator.Validate(staging)
	if v.WeightsOnly() && p.tokenizers != nil {
		p.logger.Info("model downloaded without tokenizer, attempting recovery", "model_id", id)
		if p.tokenizers.Recover(ctx, id, staging) {
			v = p.validator.Validate(staging)
		}
	}
	if !v.Valid() {
		e := storageError(id, "downloaded model folder is incomplete", nil)
		e.Detail = fmt.Sprintf("compiled model present: %t, tokenizer present: %t", v.HasCompiledModel, v.HasTokenizer)
		return e
	}

	if err := p.promote(staging, dest); err != nil {
		return storageError(id, "cannot move downloaded model into place", err)
	}
	if err := p.updateMapping(ctx, id, dest); err != nil {
		return storageError(id, "cannot record installed folder", err)
	}
	progress(1)
	p.logger.Info("model installed", "model_id", id, "folder", dest)
	return nil
}

// stagingFolder is where id's transfer lands before it validates. The
// leading dot keeps it out of every candidate folder name.
func (p *Provider) stagingFolder(id string) string {
	return filepath.Join(p.roots[0], "."+id+".download")
}

// promote replaces dest with the staged folder.
func (p *Provider) promote(staging, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	return os.Rename(staging, dest)
}

// -----------------------------------------------------------------------------
// Delete
// -----------------------------------------------------------------------------

// Delete removes id from disk and from persisted state.
//
// # Description
//
// Removes the resolved folder (wherever it lives), any <root>/<id> copy in
// every candidate root, the staging folder, the mapping entry, and the
// persisted download state and metadata. Deleting a model that is not
// installed succeeds.
func (p *Provider) Delete(ctx context.Context, id string) error {
	if !p.catalog.Contains(id) {
		return notFoundError(id)
	}

	mapping, _ := p.loadMapping(ctx)
	targets := []string{}
	if folder, ok := mapping[id]; ok {
		targets = append(targets, folder)
	}
	if folder, ok := p.InstalledFolder(ctx, id); ok {
		targets = append(targets, folder)
	}
	for _, root := range p.roots {
		targets = append(targets, filepath.Join(root, id))
	}
	targets = append(targets, p.stagingFolder(id))

	var errs []error
	seen := map[string]bool{}
	for _, t := range targets {
		if seen[t] || !p.isUnderRoot(t) {
			continue
		}
		seen[t] = true
		if err := os.RemoveAll(t); err != nil {
			errs = append(errs, err)
		}
	}

	if err := p.updateMapping(ctx, id, ""); err != nil {
		errs = append(errs, err)
	}
	if err := p.store.Remove(ctx, stateKey(id), metadataKey(id)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return storageError(id, "model deletion incomplete", errors.Join(errs...))
	}
	p.logger.Info("model deleted", "model_id", id)
	return nil
}

// isUnderRoot guards RemoveAll against a corrupted mapping pointing at
// something outside the model roots.
func (p *Provider) isUnderRoot(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range p.roots {
		r, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(r, abs)
		if err == nil && rel != "." && !filepath.IsAbs(rel) && rel != ".." && !startsWithDotDot(rel) {
			return true
		}
	}
	return false
}

func startsWithDotDot(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
