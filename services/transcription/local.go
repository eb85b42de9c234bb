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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// DefaultLocalBinary is the inference CLI CommandEngine invokes.
const DefaultLocalBinary = "whisperkit-cli"

// commandRunner runs an external program. Tests substitute a fake.
type commandRunner interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) LookPath(name string) (string, error) { return exec.LookPath(name) }

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CommandEngineConfig configures a CommandEngine.
type CommandEngineConfig struct {
	ModelID string

	// ModelFolder is the validated install folder.
	ModelFolder string

	// Binary defaults to DefaultLocalBinary. May be an absolute path.
	Binary string

	Logger *slog.Logger

	runner commandRunner
}

// CommandEngine runs the local inference CLI against an installed model.
//
// # Description
//
// Load resolves the binary and checks the model folder; the CLI itself
// maps the model per invocation, so Unload only drops the resolved state.
// Transcribe loads on demand.
//
// # Thread Safety
//
// Safe for concurrent use, though callers serialise through the
// coordinator.
type CommandEngine struct {
	modelID string
	folder  string
	binary  string
	runner  commandRunner
	logger  *slog.Logger

	mu       sync.Mutex
	resolved string
}

// NewCommandEngine creates an unloaded CommandEngine.
func NewCommandEngine(cfg CommandEngineConfig) *CommandEngine {
	e := &CommandEngine{
		modelID: cfg.ModelID,
		folder:  cfg.ModelFolder,
		binary:  cfg.Binary,
		runner:  cfg.runner,
		logger:  cfg.Logger,
	}
	if e.binary == "" {
		e.binary = DefaultLocalBinary
	}
	if e.runner == nil {
		e.runner = execRunner{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// ModelID implements LocalEngine.
func (e *CommandEngine) ModelID() string { return e.modelID }

// Loaded reports whether Load has succeeded since the last Unload.
func (e *CommandEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolved != ""
}

// Load implements LocalEngine.
func (e *CommandEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolved != "" {
		return nil
	}
	if e.folder == "" {
		return newEngineError(ErrorNotInitialized, string(EngineLocal), "no model folder configured", nil)
	}
	if info, err := os.Stat(e.folder); err != nil || !info.IsDir() {
		return newEngineError(ErrorModelUnavailable, string(EngineLocal),
			fmt.Sprintf("model folder %s is missing", e.folder), err)
	}
	path, err := e.runner.LookPath(e.binary)
	if err != nil {
		return newEngineError(ErrorInitializationFailed, string(EngineLocal),
			fmt.Sprintf("inference binary %q not found", e.binary), err)
	}
	e.resolved = path
	e.logger.Info("local engine loaded", "model_id", e.modelID, "binary", path)
	return nil
}

// Unload implements LocalEngine.
func (e *CommandEngine) Unload(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolved != "" {
		e.logger.Info("local engine unloaded", "model_id", e.modelID)
	}
	e.resolved = ""
	return nil
}

// Transcribe implements Service.
func (e *CommandEngine) Transcribe(ctx context.Context, audioPath, languageHint string) (string, error) {
	if err := e.Load(ctx); err != nil {
		return "", err
	}
	if _, err := os.Stat(audioPath); err != nil {
		return "", newEngineError(ErrorAudioProcessingFailed, string(EngineLocal), "cannot read audio file", err)
	}

	e.mu.Lock()
	bin := e.resolved
	e.mu.Unlock()

	args := []string{"transcribe", "--model-path", e.folder, "--audio-path", audioPath}
	if languageHint != "" {
		args = append(args, "--language", languageHint)
	}
	stdout, stderr, err := e.runner.Run(ctx, bin, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyFailure(err, stderr)
	}
	return strings.TrimSpace(string(stdout)), nil
}

// classifyFailure maps CLI stderr onto an error kind.
func classifyFailure(err error, stderr []byte) *EngineError {
	msg := strings.ToLower(string(stderr))
	detail := strings.TrimSpace(string(stderr))
	if detail != "" {
		err = fmt.Errorf("%w: %s", err, firstLine(detail))
	}
	switch {
	case strings.Contains(msg, "out of memory") || strings.Contains(msg, "insufficient memory"):
		return newEngineError(ErrorInsufficientMemory, string(EngineLocal), "inference ran out of memory", err)
	case strings.Contains(msg, "audio") && (strings.Contains(msg, "decode") || strings.Contains(msg, "unsupported")):
		return newEngineError(ErrorAudioProcessingFailed, string(EngineLocal), "audio could not be decoded", err)
	case strings.Contains(msg, "model") && (strings.Contains(msg, "not found") || strings.Contains(msg, "failed to load")):
		return newEngineError(ErrorInitializationFailed, string(EngineLocal), "model failed to load", err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return newEngineError(ErrorTranscriptionFailed, string(EngineLocal),
			fmt.Sprintf("inference exited with status %d", exitErr.ExitCode()), err)
	}
	return newEngineError(ErrorTranscriptionFailed, string(EngineLocal), "inference failed", err)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// NewCommandEngineBuilder returns a LocalEngineBuilder that creates
// CommandEngines running binary.
func NewCommandEngineBuilder(binary string, logger *slog.Logger) LocalEngineBuilder {
	return func(modelID, folder string) LocalEngine {
		return NewCommandEngine(CommandEngineConfig{
			ModelID:     modelID,
			ModelFolder: folder,
			Binary:      binary,
			Logger:      logger,
		})
	}
}
