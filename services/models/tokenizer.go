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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/scribe/services/telemetry"
)

const (
	// DefaultHubEndpoint is the public model hub.
	DefaultHubEndpoint = "https://huggingface.co"

	// DefaultProbeTimeout bounds each tokenizer existence check.
	DefaultProbeTimeout = 10 * time.Second

	tokenizerFile       = "tokenizer.json"
	tokenizerConfigFile = "tokenizer_config.json"
	tokenizerSubdir     = "tokenizer"
	maxTokenizerBytes   = 64 << 20
)

var tokenizerRecoveries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scribe_tokenizer_recovery_total",
		Help: "Tokenizer recovery attempts by source and result",
	},
	[]string{"source", "result"},
)

// TokenizerCandidate is one place a tokenizer may be fetched from.
type TokenizerCandidate struct {
	// Source names the candidate for logs and metrics ("primary", "secondary").
	Source string

	// BaseURL is the directory URL; tokenizer.json lives directly under it.
	BaseURL string
}

// secondaryAliases maps ids whose faster-whisper conversion is published
// under a different repository than the Systran naming pattern.
var secondaryAliases = map[string]string{
	"large-v3-turbo": "deepdml/faster-whisper-large-v3-turbo-ct2",
}

// TokenizerFetcherConfig configures a TokenizerFetcher.
type TokenizerFetcherConfig struct {
	// HubEndpoint defaults to DefaultHubEndpoint.
	HubEndpoint string

	// Token is an optional bearer token for the hub.
	Token string

	// ProbeTimeout bounds each HEAD check. Defaults to DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// Client defaults to a client with a 2 minute timeout.
	Client *http.Client

	Logger *slog.Logger
}

// TokenizerFetcher recovers a missing tokenizer for a model whose weights
// downloaded correctly.
//
// # Description
//
// Candidates are tried in priority order: the primary source keyed by the
// model id, then a secondary source derived from a naming pattern. All
// candidates are probed concurrently, but the first reachable one in
// priority order wins.
//
// # Thread Safety
//
// Safe for concurrent use.
type TokenizerFetcher struct {
	hub          string
	token        string
	probeTimeout time.Duration
	client       *http.Client
	logger       *slog.Logger
}

// NewTokenizerFetcher creates a TokenizerFetcher.
func NewTokenizerFetcher(cfg TokenizerFetcherConfig) *TokenizerFetcher {
	f := &TokenizerFetcher{
		hub:          strings.TrimSuffix(cfg.HubEndpoint, "/"),
		token:        cfg.Token,
		probeTimeout: cfg.ProbeTimeout,
		client:       cfg.Client,
		logger:       cfg.Logger,
	}
	if f.hub == "" {
		f.hub = DefaultHubEndpoint
	}
	if f.probeTimeout <= 0 {
		f.probeTimeout = DefaultProbeTimeout
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 2 * time.Minute}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Candidates returns the ordered candidate list for id.
func (f *TokenizerFetcher) Candidates(id string) []TokenizerCandidate {
	secondaryRepo, ok := secondaryAliases[id]
	if !ok {
		secondaryRepo = "Systran/faster-whisper-" + id
	}
	return []TokenizerCandidate{
		{Source: "primary", BaseURL: fmt.Sprintf("%s/openai/whisper-%s/resolve/main", f.hub, id)},
		{Source: "secondary", BaseURL: fmt.Sprintf("%s/%s/resolve/main", f.hub, secondaryRepo)},
	}
}

// Recover fetches a tokenizer into <dir>/tokenizer/.
//
// # Description
//
// Probes every candidate, then downloads tokenizer.json from the first
// reachable one in priority order (falling through to the next reachable
// candidate if the download itself fails). A companion
// tokenizer_config.json is fetched best-effort from the same source.
//
// # Outputs
//
//   - bool: true when tokenizer.json was written. Failures are logged and
//     counted, never returned.
func (f *TokenizerFetcher) Recover(ctx context.Context, id, dir string) bool {
	ctx, span := telemetry.StartSpan(ctx, "scribe.models", "TokenizerFetcher.Recover",
		trace.WithAttributes(attribute.String("model.id", id)))
	defer span.End()

	candidates := f.Candidates(id)
	reachable := f.probe(ctx, candidates)

	dest := filepath.Join(dir, tokenizerSubdir)
	for i, c := range candidates {
		if !reachable[i] {
			tokenizerRecoveries.WithLabelValues(c.Source, "unreachable").Inc()
			continue
		}
		if err := f.fetchFile(ctx, c.BaseURL+"/"+tokenizerFile, filepath.Join(dest, tokenizerFile)); err != nil {
			f.logger.Warn("tokenizer download failed", "model_id", id, "source", c.Source, "error", err)
			tokenizerRecoveries.WithLabelValues(c.Source, "failed").Inc()
			continue
		}
		if err := f.fetchFile(ctx, c.BaseURL+"/"+tokenizerConfigFile, filepath.Join(dest, tokenizerConfigFile)); err != nil {
			f.logger.Debug("tokenizer config not available", "model_id", id, "source", c.Source, "error", err)
		}
		tokenizerRecoveries.WithLabelValues(c.Source, "recovered").Inc()
		f.logger.Info("tokenizer recovered", "model_id", id, "source", c.Source)
		span.SetAttributes(attribute.String("tokenizer.source", c.Source))
		return true
	}

	f.logger.Warn("tokenizer recovery exhausted all sources", "model_id", id)
	return false
}

// probe HEADs every candidate concurrently. The result is index-aligned
// with candidates.
func (f *TokenizerFetcher) probe(ctx context.Context, candidates []TokenizerCandidate) []bool {
	reachable := make([]bool, len(candidates))
	var g errgroup.Group
	for i, c := range candidates {
		g.Go(func() error {
			reachable[i] = f.exists(ctx, c.BaseURL+"/"+tokenizerFile)
			return nil
		})
	}
	_ = g.Wait()
	return reachable
}

func (f *TokenizerFetcher) exists(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, f.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	f.authorize(req)
	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// fetchFile downloads url to path atomically (temp file + rename).
func (f *TokenizerFetcher) fetchFile(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	f.authorize(req)
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, maxTokenizerBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if n == 0 || n > maxTokenizerBytes {
		return fmt.Errorf("GET %s: unexpected size %d", url, n)
	}
	return os.Rename(tmp.Name(), path)
}

func (f *TokenizerFetcher) authorize(req *http.Request) {
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
}
