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
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
)

// CloudConfig configures a CloudEngine.
type CloudConfig struct {
	// APIKey is sealed into an enclave on construction. The caller's copy
	// is not modified; drop it as soon as possible.
	APIKey string

	// BaseURL overrides the API endpoint (for proxies and tests).
	BaseURL string

	// Model defaults to whisper-1.
	Model string

	Logger *slog.Logger
}

// CloudEngine transcribes through the OpenAI audio API.
//
// # Description
//
// The API key lives in a memguard enclave and is only decrypted for the
// duration of a request.
//
// # Thread Safety
//
// Safe for concurrent use.
type CloudEngine struct {
	key     *memguard.Enclave
	baseURL string
	model   string
	logger  *slog.Logger
}

// NewCloudEngine creates a CloudEngine.
//
// # Outputs
//
//   - *CloudEngine: Ready to use.
//   - error: *EngineError of kind NotInitialized when APIKey is empty.
func NewCloudEngine(cfg CloudConfig) (*CloudEngine, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, newEngineError(ErrorNotInitialized, string(EngineCloud), "no API key configured", nil)
	}
	e := &CloudEngine{
		key:     memguard.NewEnclave([]byte(key)),
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		logger:  cfg.Logger,
	}
	if e.model == "" {
		e.model = openai.Whisper1
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Transcribe implements Service.
func (e *CloudEngine) Transcribe(ctx context.Context, audioPath, languageHint string) (string, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return "", newEngineError(ErrorAudioProcessingFailed, string(EngineCloud), "cannot read audio file", err)
	}

	buf, err := e.key.Open()
	if err != nil {
		return "", newEngineError(ErrorNotInitialized, string(EngineCloud), "cannot open API key enclave", err)
	}
	cfg := openai.DefaultConfig(buf.String())
	buf.Destroy()
	if e.baseURL != "" {
		cfg.BaseURL = e.baseURL
	}
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    e.model,
		FilePath: audioPath,
		Language: languageHint,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 400 {
			return "", newEngineError(ErrorAudioProcessingFailed, string(EngineCloud), "audio rejected", err)
		}
		return "", newEngineError(ErrorTranscriptionFailed, string(EngineCloud), "transcription request failed", err)
	}
	e.logger.Debug("cloud transcription complete", "model", e.model, "chars", len(resp.Text))
	return strings.TrimSpace(resp.Text), nil
}
