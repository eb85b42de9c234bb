// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Mode controls how rich CLI output is.
type Mode string

const (
	// ModeRich enables colors, icons, tables, and live progress bars.
	ModeRich Mode = "rich"

	// ModePlain keeps icons and layout but no live redraws.
	ModePlain Mode = "plain"

	// ModeMachine prints tab-separated text suitable for scripts.
	ModeMachine Mode = "machine"
)

// EnvOutputMode selects the mode explicitly.
const EnvOutputMode = "SCRIBE_OUTPUT"

var (
	currentMode = ModeRich
	modeMu      sync.RWMutex
)

// CurrentMode returns the active mode.
func CurrentMode() Mode {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return currentMode
}

// SetMode replaces the active mode.
func SetMode(m Mode) {
	modeMu.Lock()
	defer modeMu.Unlock()
	currentMode = m
}

// ParseMode converts a string to a Mode, defaulting to ModePlain.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full":
		return ModeRich
	case "machine", "quiet", "q":
		return ModeMachine
	default:
		return ModePlain
	}
}

// InitMode picks the mode from SCRIBE_OUTPUT, falling back to machine
// output when stdout is not a terminal.
func InitMode() {
	if env := os.Getenv(EnvOutputMode); env != "" {
		SetMode(ParseMode(env))
		return
	}
	if !isTerminal(os.Stdout) {
		SetMode(ModeMachine)
		return
	}
	SetMode(ModeRich)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// IsInteractive reports whether prompts and live redraws may be used.
func IsInteractive() bool {
	return CurrentMode() == ModeRich && isTerminal(os.Stdin) && isTerminal(os.Stderr)
}
