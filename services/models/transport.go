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
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// FetchRequest identifies one model artifact to download.
type FetchRequest struct {
	ModelID string
	Repo    string
	Variant string

	// Dest is the folder the variant's files are written into.
	Dest string
}

// ProgressFunc receives cumulative bytes written and the expected total
// (0 when unknown).
type ProgressFunc func(done, total int64)

// Transport downloads model artifacts. Implementations must honour ctx
// cancellation promptly and report progress from the calling goroutine.
type Transport interface {
	Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) error
}

// HubTransportConfig configures a HubTransport.
type HubTransportConfig struct {
	// Endpoint defaults to DefaultHubEndpoint.
	Endpoint string

	// Revision defaults to "main".
	Revision string

	// Token is an optional bearer token.
	Token string

	// Client defaults to an http.Client without an overall timeout; large
	// files take as long as they take and cancellation comes from ctx.
	Client *http.Client

	Logger *slog.Logger
}

// HubTransport downloads a model variant folder from a Hugging Face style
// hub.
//
// # Description
//
// Lists the variant folder through the hub tree API, then downloads each
// file from the resolve endpoint. Files are written to "<name>.partial"
// and renamed when complete; an existing partial file is resumed with an
// HTTP Range request. Files already present with the expected size are
// skipped, so a retried download only transfers what is missing.
//
// # Limitations
//
//   - No checksum verification; the asset validator checks structure only.
//
// # Thread Safety
//
// Safe for concurrent use on different destination folders.
type HubTransport struct {
	endpoint string
	revision string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

// NewHubTransport creates a HubTransport.
func NewHubTransport(cfg HubTransportConfig) *HubTransport {
	t := &HubTransport{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		revision: cfg.Revision,
		token:    cfg.Token,
		client:   cfg.Client,
		logger:   cfg.Logger,
	}
	if t.endpoint == "" {
		t.endpoint = DefaultHubEndpoint
	}
	if t.revision == "" {
		t.revision = "main"
	}
	if t.client == nil {
		t.client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// hubEntry is one element of the tree API response.
type hubEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	LFS  *struct {
		Size int64 `json:"size"`
	} `json:"lfs,omitempty"`
}

func (e hubEntry) size() int64 {
	if e.LFS != nil && e.LFS.Size > 0 {
		return e.LFS.Size
	}
	return e.Size
}

// Fetch implements Transport.
func (t *HubTransport) Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) error {
	if progress == nil {
		progress = func(int64, int64) {}
	}
	files, err := t.list(ctx, req)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("hub listing for %s/%s is empty", req.Repo, req.Variant)
	}

	var total int64
	for _, f := range files {
		total += f.size()
	}

	var done int64
	progress(done, total)
	for _, f := range files {
		rel := strings.TrimPrefix(f.Path, strings.Trim(req.Variant, "/")+"/")
		target, err := safeJoin(req.Dest, rel)
		if err != nil {
			return err
		}
		base := done
		err = t.fetchFile(ctx, req.Repo, f.Path, target, f.size(), func(n int64) {
			progress(base+n, total)
		})
		if err != nil {
			return fmt.Errorf("download %s: %w", rel, err)
		}
		done += f.size()
		progress(done, total)
	}
	return nil
}

func (t *HubTransport) list(ctx context.Context, req FetchRequest) ([]hubEntry, error) {
	u := fmt.Sprintf("%s/api/models/%s/tree/%s/%s?recursive=true",
		t.endpoint, req.Repo, url.PathEscape(t.revision), escapePath(req.Variant))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	t.authorize(httpReq)
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s: status %d", u, resp.StatusCode)
	}

	var entries []hubEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	files := entries[:0]
	for _, e := range entries {
		if e.Type == "file" {
			files = append(files, e)
		}
	}
	return files, nil
}

// fetchFile downloads one file, resuming from target+partialSuffix.
// onBytes receives bytes present for this file so far.
func (t *HubTransport) fetchFile(ctx context.Context, repo, remotePath, target string, size int64, onBytes func(int64)) error {
	if info, err := os.Stat(target); err == nil && !info.IsDir() && (size == 0 || info.Size() == size) {
		onBytes(info.Size())
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return err
	}

	partial := target + partialSuffix
	var offset int64
	if info, err := os.Stat(partial); err == nil {
		offset = info.Size()
		if size > 0 && offset >= size {
			offset = 0
		}
	}

	u := fmt.Sprintf("%s/%s/resolve/%s/%s", t.endpoint, repo, url.PathEscape(t.revision), escapePath(remotePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	t.authorize(req)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		offset = 0
		flags |= os.O_TRUNC
	default:
		return fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}

	out, err := os.OpenFile(partial, flags, 0640)
	if err != nil {
		return err
	}
	written, copyErr := io.Copy(out, &countingReader{r: resp.Body, base: offset, report: onBytes})
	if err := out.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return copyErr
	}
	if size > 0 && offset+written != size {
		return fmt.Errorf("short download: got %d of %d bytes", offset+written, size)
	}
	return os.Rename(partial, target)
}

func (t *HubTransport) authorize(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}

// countingReader reports cumulative bytes as they are read.
type countingReader struct {
	r      io.Reader
	base   int64
	n      int64
	report func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.report(c.base + c.n)
	}
	return n, err
}

var errUnsafePath = errors.New("hub listing contains an unsafe path")

// safeJoin joins rel under dir, rejecting paths that escape dir.
func safeJoin(dir, rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" || strings.Contains(rel, "..") {
		return "", fmt.Errorf("%w: %q", errUnsafePath, rel)
	}
	return filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
