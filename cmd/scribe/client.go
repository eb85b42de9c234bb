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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/scribe/pkg/ux"
	"github.com/AleutianAI/scribe/services/api"
	"github.com/AleutianAI/scribe/services/models"
	"github.com/AleutianAI/scribe/services/transcription"
)

// APIError is a non-2xx response from `scribe serve`.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s (%s)\n%s", e.Message, e.Code, e.Details)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// client talks to a running `scribe serve`. CLI commands go through the
// server rather than opening the state store themselves, so only one
// process ever holds the store lock.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(addr string) *client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 30 * time.Minute},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach scribe at %s (is `scribe serve` running?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var e api.ErrorResponse
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
			if e.Error == "" {
				e.Error = resp.Status
			}
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error, Details: e.Details}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, &out)
	return out, err
}

func (c *client) ListModels(ctx context.Context) (api.ModelListResponse, error) {
	var out api.ModelListResponse
	err := c.do(ctx, http.MethodGet, "/v1/models", nil, &out)
	return out, err
}

func (c *client) GetModel(ctx context.Context, id string) (models.Status, error) {
	var out models.Status
	err := c.do(ctx, http.MethodGet, "/v1/models/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *client) StartDownload(ctx context.Context, id string) (api.ActionResponse, error) {
	var out api.ActionResponse
	err := c.do(ctx, http.MethodPost, "/v1/models/"+url.PathEscape(id)+"/download", nil, &out)
	return out, err
}

func (c *client) RetryDownload(ctx context.Context, id string, force bool) (api.ActionResponse, error) {
	path := "/v1/models/" + url.PathEscape(id) + "/retry"
	if force {
		path += "?force=true"
	}
	var out api.ActionResponse
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

func (c *client) CancelDownload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/models/"+url.PathEscape(id)+"/download", nil, nil)
}

func (c *client) DeleteModel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/models/"+url.PathEscape(id), nil, nil)
}

func (c *client) Preferences(ctx context.Context) (api.PreferencesResponse, error) {
	var out api.PreferencesResponse
	err := c.do(ctx, http.MethodGet, "/v1/preferences", nil, &out)
	return out, err
}

func (c *client) SetPreferences(ctx context.Context, req api.PreferencesRequest) (api.PreferencesResponse, error) {
	var out api.PreferencesResponse
	err := c.do(ctx, http.MethodPut, "/v1/preferences", req, &out)
	return out, err
}

func (c *client) Transcribe(ctx context.Context, req api.TranscriptionRequest) (transcription.Result, error) {
	var out transcription.Result
	err := c.do(ctx, http.MethodPost, "/v1/transcriptions", req, &out)
	return out, err
}

// WatchProgress streams a model's download progress until the download
// reaches a terminal state or ctx is done. The channel is closed when the
// stream ends.
func (c *client) WatchProgress(ctx context.Context, id string) (<-chan ux.ProgressUpdate, error) {
	u, err := url.Parse(c.baseURL + "/v1/models/" + url.PathEscape(id) + "/progress/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, &APIError{Status: resp.StatusCode, Code: api.CodeModelNotFound, Message: fmt.Sprintf("unknown model %q", id)}
		}
		return nil, fmt.Errorf("opening progress stream: %w", err)
	}

	out := make(chan ux.ProgressUpdate, 16)
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	go func() {
		defer close(out)
		defer stop()
		defer ws.Close()

		for {
			var msg api.ProgressMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			update := progressUpdate(msg)
			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
			if update.Done {
				return
			}
		}
	}()
	return out, nil
}

// progressUpdate converts one websocket frame. Any state other than
// downloading ends the display.
func progressUpdate(msg api.ProgressMessage) ux.ProgressUpdate {
	u := ux.ProgressUpdate{Fraction: msg.Progress, State: msg.State, Message: msg.Message}
	if msg.Metadata != nil && msg.Metadata.ErrorMessage != "" && u.Message == "" {
		u.Message = msg.Metadata.ErrorMessage
	}
	switch msg.State {
	case "", models.StateDownloading.String():
	case models.StateDownloaded.String():
		u.Fraction = 1
		u.Done = true
	default:
		u.Done = true
	}
	return u
}
