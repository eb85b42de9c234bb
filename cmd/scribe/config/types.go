// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/scribe/services/models"
	"github.com/AleutianAI/scribe/services/telemetry"
)

// ScribeConfig is the on-disk configuration (~/.scribe/scribe.yaml).
type ScribeConfig struct {
	// Storage: where download state and preferences are persisted
	Storage StorageConfig `yaml:"storage"`

	// Models: roots, catalog source, and the download lifecycle
	Models ModelsConfig `yaml:"models"`

	// Tokenizer: recovery of tokenizer files missing from a download
	Tokenizer TokenizerConfig `yaml:"tokenizer"`

	// Prefetch: download the default model when on Wi-Fi
	Prefetch PrefetchConfig `yaml:"prefetch"`

	// Transcription: engine choice and local failure handling
	Transcription TranscriptionConfig `yaml:"transcription"`

	// Cloud: the fallback transcription API
	Cloud CloudConfig `yaml:"cloud"`

	Server    ServerConfig     `yaml:"server"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
}

type StorageConfig struct {
	Path     string `yaml:"path" validate:"required_unless=InMemory true"`
	InMemory bool   `yaml:"in_memory"` // nothing survives a restart
}

type ModelsConfig struct {
	// Roots are searched in order; new downloads go to the first one.
	Roots []string `yaml:"roots" validate:"required,min=1,dive,required"`

	// CatalogURL serves {"defaultId": ..., "models": [...]}. Empty uses
	// the built-in list.
	CatalogURL string `yaml:"catalog_url,omitempty" validate:"omitempty,url"`

	HubEndpoint string `yaml:"hub_endpoint" validate:"required,url"`

	// HubTokenEnv names the environment variable holding a hub token.
	HubTokenEnv string `yaml:"hub_token_env,omitempty"`
	HubToken    string `yaml:"-"`

	StaleThreshold time.Duration `yaml:"stale_threshold"`
	HealthInterval time.Duration `yaml:"health_interval"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1,max=10"`
	AutoResume     bool          `yaml:"auto_resume"`

	// WatchRoots reconciles install states when model folders change on
	// disk outside the app.
	WatchRoots bool `yaml:"watch_roots"`
}

type TokenizerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type PrefetchConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TranscriptionConfig struct {
	PreferredEngine string `yaml:"preferred_engine" validate:"oneof=local cloud"`
	DefaultModel    string `yaml:"default_model" validate:"required"`

	// StrictLocal never sends audio to the cloud after a local failure.
	StrictLocal bool   `yaml:"strict_local"`
	LocalBinary string `yaml:"local_binary" validate:"required"`

	BreakerFailures    int           `yaml:"breaker_failures" validate:"min=1"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
}

type CloudConfig struct {
	// APIKeyEnv names the environment variable holding the key. The key
	// itself is never written to the config file.
	APIKeyEnv string `yaml:"api_key_env"`
	APIKey    string `yaml:"-"`

	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`
	Model   string `yaml:"model" validate:"required"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// defaultRoots returns the primary root under the scribe home plus the
// legacy Hugging Face cache location, when it exists.
func defaultRoots(home string) []string {
	roots := []string{filepath.Join(home, ".scribe", "models")}
	legacy := filepath.Join(home, ".cache", "huggingface", "hub", "models--argmaxinc--whisperkit-coreml")
	if _, err := os.Stat(legacy); err == nil {
		roots = append(roots, legacy)
	}
	return roots
}

func DefaultConfig() ScribeConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return ScribeConfig{
		Storage: StorageConfig{Path: "~/.scribe/state"},
		Models: ModelsConfig{
			Roots:          defaultRoots(home),
			HubEndpoint:    models.DefaultHubEndpoint,
			HubTokenEnv:    "HF_TOKEN",
			StaleThreshold: models.DefaultStaleThreshold,
			HealthInterval: models.DefaultHealthInterval,
			MaxAttempts:    models.DefaultMaxAttempts,
			AutoResume:     true,
			WatchRoots:     true,
		},
		Tokenizer: TokenizerConfig{Enabled: true, ProbeTimeout: models.DefaultProbeTimeout},
		Prefetch:  PrefetchConfig{Enabled: false, PollInterval: 10 * time.Second},
		Transcription: TranscriptionConfig{
			PreferredEngine:    "local",
			DefaultModel:       models.DefaultModelID,
			LocalBinary:        "whisperkit-cli",
			BreakerFailures:    3,
			BreakerOpenTimeout: 2 * time.Minute,
		},
		Cloud: CloudConfig{
			APIKeyEnv: "OPENAI_API_KEY",
			Model:     "whisper-1",
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8765",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info"},
	}
}
