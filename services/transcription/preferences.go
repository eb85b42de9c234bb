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
	"fmt"

	"github.com/AleutianAI/scribe/services/storage"
)

// Preference keys.
const (
	keyPreferredEngine = "preferredEngine"
	keySelectedModel   = "selectedModelId"
)

// Preferences are the user's engine choices, persisted in the store.
// Unset values fall back to the defaults given at construction.
type Preferences struct {
	store         storage.Store
	defaultEngine Engine
	defaultModel  string
}

// NewPreferences creates Preferences. An invalid defaultEngine is
// treated as local.
func NewPreferences(store storage.Store, defaultEngine Engine, defaultModel string) *Preferences {
	if _, ok := ParseEngine(string(defaultEngine)); !ok {
		defaultEngine = EngineLocal
	}
	return &Preferences{store: store, defaultEngine: defaultEngine, defaultModel: defaultModel}
}

// PreferredEngine returns the stored engine preference.
func (p *Preferences) PreferredEngine(ctx context.Context) (Engine, error) {
	v, ok, err := p.store.GetString(ctx, keyPreferredEngine)
	if err != nil {
		return p.defaultEngine, err
	}
	if e, valid := ParseEngine(v); ok && valid {
		return e, nil
	}
	return p.defaultEngine, nil
}

// SetPreferredEngine stores the engine preference.
func (p *Preferences) SetPreferredEngine(ctx context.Context, e Engine) error {
	if _, ok := ParseEngine(string(e)); !ok {
		return fmt.Errorf("unknown engine %q", e)
	}
	return p.store.SetString(ctx, keyPreferredEngine, string(e))
}

// SelectedModelID returns the stored local model selection.
func (p *Preferences) SelectedModelID(ctx context.Context) (string, error) {
	v, ok, err := p.store.GetString(ctx, keySelectedModel)
	if err != nil || !ok || v == "" {
		return p.defaultModel, err
	}
	return v, nil
}

// SetSelectedModelID stores the local model selection.
func (p *Preferences) SetSelectedModelID(ctx context.Context, id string) error {
	return p.store.SetString(ctx, keySelectedModel, id)
}
