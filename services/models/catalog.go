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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/scribe/services/storage"
)

// CatalogSchemaVersion versions the cached catalog encoding. Cached
// catalogs with a different major version are discarded on load.
const CatalogSchemaVersion = "v2.0.0"

// DefaultModelID is the model prefetched on Wi-Fi and used when a selected
// model is not installed and nothing else is.
const DefaultModelID = "base"

// DefaultRepo is the hub repository holding the compiled model variants.
const DefaultRepo = "argmaxinc/whisperkit-coreml"

// Descriptor describes one downloadable speech model.
type Descriptor struct {
	ID                   string `json:"id"`
	DisplayName          string `json:"displayName"`
	ApproximateSizeBytes int64  `json:"approximateSizeBytes"`
	Description          string `json:"description"`

	// Repo and Variant locate the artifact on the hub:
	// {hub}/{Repo}/resolve/main/{Variant}/...
	Repo    string `json:"repo"`
	Variant string `json:"variant"`
}

const mb = int64(1024 * 1024)

var builtinModels = []Descriptor{
	{ID: "tiny", DisplayName: "Tiny", ApproximateSizeBytes: 76 * mb,
		Description: "Fastest, lowest accuracy. Good for quick notes.",
		Repo:        DefaultRepo, Variant: "openai_whisper-tiny"},
	{ID: "base", DisplayName: "Base", ApproximateSizeBytes: 146 * mb,
		Description: "Balanced speed and quality. Default.",
		Repo:        DefaultRepo, Variant: "openai_whisper-base"},
	{ID: "small", DisplayName: "Small", ApproximateSizeBytes: 487 * mb,
		Description: "Higher accuracy, moderate memory use.",
		Repo:        DefaultRepo, Variant: "openai_whisper-small"},
	{ID: "medium", DisplayName: "Medium", ApproximateSizeBytes: 1530 * mb,
		Description: "High accuracy. Needs several GB of free memory.",
		Repo:        DefaultRepo, Variant: "openai_whisper-medium"},
	{ID: "large-v3", DisplayName: "Large v3", ApproximateSizeBytes: 3100 * mb,
		Description: "Best accuracy, slowest.",
		Repo:        DefaultRepo, Variant: "openai_whisper-large-v3"},
	{ID: "large-v3-turbo", DisplayName: "Large v3 Turbo", ApproximateSizeBytes: 1620 * mb,
		Description: "Near large-v3 accuracy at a fraction of the latency.",
		Repo:        DefaultRepo, Variant: "openai_whisper-large-v3-v20240930"},
}

// Catalog is an immutable, ordered set of model descriptors.
type Catalog struct {
	models    []Descriptor
	index     map[string]int
	defaultID string
}

// NewCatalog builds a catalog.
//
// # Description
//
// Ids must be non-empty and unique. defaultID must name a model in the
// list; an empty defaultID selects the first model.
//
// # Outputs
//
//   - *Catalog: The catalog.
//   - error: Non-nil on empty list, duplicate or empty id, or unknown default.
func NewCatalog(list []Descriptor, defaultID string) (*Catalog, error) {
	if len(list) == 0 {
		return nil, errors.New("catalog is empty")
	}
	c := &Catalog{
		models: make([]Descriptor, len(list)),
		index:  make(map[string]int, len(list)),
	}
	copy(c.models, list)
	for i, d := range c.models {
		if d.ID == "" {
			return nil, fmt.Errorf("catalog entry %d has no id", i)
		}
		if _, dup := c.index[d.ID]; dup {
			return nil, fmt.Errorf("duplicate catalog id %q", d.ID)
		}
		if d.Repo == "" {
			c.models[i].Repo = DefaultRepo
		}
		c.index[d.ID] = i
	}
	if defaultID == "" {
		defaultID = c.models[0].ID
	}
	if _, ok := c.index[defaultID]; !ok {
		return nil, fmt.Errorf("default model %q is not in the catalog", defaultID)
	}
	c.defaultID = defaultID
	return c, nil
}

// BuiltinCatalog returns the curated catalog shipped with scribe.
func BuiltinCatalog() *Catalog {
	c, err := NewCatalog(builtinModels, DefaultModelID)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the descriptor for id.
func (c *Catalog) Get(id string) (Descriptor, bool) {
	i, ok := c.index[id]
	if !ok {
		return Descriptor{}, false
	}
	return c.models[i], true
}

// Contains reports whether id is in the catalog.
func (c *Catalog) Contains(id string) bool {
	_, ok := c.index[id]
	return ok
}

// All returns the descriptors in catalog order.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, len(c.models))
	copy(out, c.models)
	return out
}

// IDs returns model ids in catalog order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.models))
	for i, d := range c.models {
		ids[i] = d.ID
	}
	return ids
}

// Default returns the default model descriptor.
func (c *Catalog) Default() Descriptor {
	return c.models[c.index[c.defaultID]]
}

// -----------------------------------------------------------------------------
// Remote catalog with persisted cache
// -----------------------------------------------------------------------------

type catalogCache struct {
	Schema    string       `json:"schema"`
	FetchedAt time.Time    `json:"fetchedAt"`
	DefaultID string       `json:"defaultId,omitempty"`
	Models    []Descriptor `json:"models"`
}

type remoteCatalog struct {
	DefaultID string       `json:"defaultId"`
	Models    []Descriptor `json:"models"`
}

// CatalogLoader resolves the catalog at startup.
type CatalogLoader struct {
	// Store holds the cached remote list.
	Store storage.Store

	// URL of a JSON document {"defaultId": "...", "models": [...]}. Empty
	// means the built-in catalog is used.
	URL string

	// Client performs the fetch. nil uses a client with a 15s timeout.
	Client *http.Client

	Logger *slog.Logger
}

// Load returns the catalog.
//
// # Description
//
// A cached remote list whose schema major version matches
// CatalogSchemaVersion is used as is. Otherwise, when URL is set, the list
// is fetched once and cached. Any failure along the way degrades to the
// built-in catalog with a warning; Load only fails on a store error.
func (l *CatalogLoader) Load(ctx context.Context) (*Catalog, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cached catalogCache
	ok, err := storage.GetJSON(ctx, l.Store, keyCatalogCache, &cached)
	if err != nil {
		logger.Warn("discarding unreadable catalog cache", "error", err)
		ok = false
	}
	if ok {
		if compatibleSchema(cached.Schema) {
			if c, err := NewCatalog(cached.Models, cached.DefaultID); err == nil {
				return c, nil
			}
		}
		logger.Info("discarding cached catalog", "schema", cached.Schema, "want", CatalogSchemaVersion)
		if err := l.Store.Remove(ctx, keyCatalogCache); err != nil {
			return nil, err
		}
	}

	if l.URL == "" {
		return BuiltinCatalog(), nil
	}

	remote, err := l.fetch(ctx)
	if err != nil {
		logger.Warn("remote catalog unavailable, using built-in list", "url", l.URL, "error", err)
		return BuiltinCatalog(), nil
	}
	defaultID := remote.DefaultID
	if defaultID == "" {
		defaultID = DefaultModelID
	}
	c, err := NewCatalog(remote.Models, defaultID)
	if err != nil {
		c, err = NewCatalog(remote.Models, "")
	}
	if err != nil {
		logger.Warn("remote catalog invalid, using built-in list", "error", err)
		return BuiltinCatalog(), nil
	}

	entry := catalogCache{
		Schema:    CatalogSchemaVersion,
		FetchedAt: time.Now().UTC(),
		DefaultID: c.defaultID,
		Models:    c.All(),
	}
	if err := storage.SetJSON(ctx, l.Store, keyCatalogCache, entry); err != nil {
		return nil, err
	}
	return c, nil
}

func (l *CatalogLoader) fetch(ctx context.Context) (*remoteCatalog, error) {
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch: status %d", resp.StatusCode)
	}
	var out remoteCatalog
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return &out, nil
}

func compatibleSchema(v string) bool {
	return semver.IsValid(v) && semver.Major(v) == semver.Major(CatalogSchemaVersion)
}
