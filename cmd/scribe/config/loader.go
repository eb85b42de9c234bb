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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/scribe/pkg/logging"
)

// Environment overrides applied after the file is read.
const (
	EnvPreferredEngine = "SCRIBE_PREFERRED_ENGINE"
	EnvStrictLocal     = "SCRIBE_STRICT_LOCAL"
	EnvLogLevel        = "SCRIBE_LOG_LEVEL"
)

var validate = validator.New()

// DefaultPath returns ~/.scribe/scribe.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".scribe", "scribe.yaml"), nil
}

// Load reads the config at path, creating it with defaults on first run.
//
// # Description
//
// The file is decoded over DefaultConfig, so keys missing from an older
// file keep their defaults. Paths starting with ~ are expanded, secrets are
// read from the environment variables the file names, the SCRIBE_*
// overrides are applied, and the result is validated.
//
// # Inputs
//
//   - path: Config file. Empty means DefaultPath().
//
// # Outputs
//
//   - *ScribeConfig: The effective configuration.
//   - error: Read, parse, override, or validation failure.
func Load(path string) (*ScribeConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	path = logging.ExpandPath(path)

	// create it if it doesn't exist
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, " First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, finalises, and validates config data.
func Parse(data []byte) (*ScribeConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *ScribeConfig) finalize() error {
	c.Storage.Path = logging.ExpandPath(c.Storage.Path)
	c.Logging.Dir = logging.ExpandPath(c.Logging.Dir)
	for i, root := range c.Models.Roots {
		c.Models.Roots[i] = logging.ExpandPath(root)
	}

	if c.Cloud.APIKeyEnv != "" {
		c.Cloud.APIKey = strings.TrimSpace(os.Getenv(c.Cloud.APIKeyEnv))
	}
	if c.Models.HubTokenEnv != "" {
		c.Models.HubToken = strings.TrimSpace(os.Getenv(c.Models.HubTokenEnv))
	}

	if v, ok := os.LookupEnv(EnvPreferredEngine); ok && v != "" {
		c.Transcription.PreferredEngine = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := os.LookupEnv(EnvStrictLocal); ok && v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvStrictLocal, err)
		}
		c.Transcription.StrictLocal = strict
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	return nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	defaultCfg := DefaultConfig()
	data, err := yaml.Marshal(defaultCfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
