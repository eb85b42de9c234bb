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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/scribe/pkg/ux"
	"github.com/AleutianAI/scribe/services/api"
	"github.com/AleutianAI/scribe/services/transcription"
)

func runTranscribe(cmd *cobra.Command, args []string) error {
	// The server reads the file itself, so it needs an absolute path.
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audio file: %w", err)
	}

	c, err := cliClient()
	if err != nil {
		return err
	}
	res, err := c.Transcribe(cmd.Context(), api.TranscriptionRequest{
		AudioPath: path,
		Language:  strings.ToLower(transcribeLanguage),
	})
	if err != nil {
		return err
	}

	p := ux.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()}
	fmt.Fprintln(p.Out, res.Text)
	if transcribeDetails {
		p.Table([]string{"ROUTE", "REASON", "MODEL", "FALLBACK"}, decisionRows(res.Decisions))
		p.Info("request " + res.RequestID)
	} else if fb := fallbackDecision(res.Decisions); fb != nil {
		p.Warning(fmt.Sprintf("transcribed by the %s engine after a local failure (%s)", fb.Route, fb.Reason))
	}
	return nil
}

func decisionRows(ds []transcription.Decision) [][]string {
	rows := make([][]string, 0, len(ds))
	for _, d := range ds {
		fallback := ""
		if d.Fallback {
			fallback = "yes"
		}
		rows = append(rows, []string{string(d.Route), d.Reason, d.ModelID, fallback})
	}
	return rows
}

func fallbackDecision(ds []transcription.Decision) *transcription.Decision {
	for i := range ds {
		if ds[i].Fallback {
			return &ds[i]
		}
	}
	return nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	c, err := cliClient()
	if err != nil {
		return err
	}
	p := ux.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()}

	if len(args) == 0 {
		prefs, err := c.Preferences(cmd.Context())
		if err != nil {
			return err
		}
		p.Table([]string{"PREFERRED ENGINE", "SELECTED MODEL"}, [][]string{{prefs.PreferredEngine, prefs.SelectedModelID}})
		return nil
	}

	engine, ok := transcription.ParseEngine(args[0])
	if !ok {
		return fmt.Errorf("unknown engine %q (want local or cloud)", args[0])
	}
	prefs, err := c.SetPreferences(cmd.Context(), api.PreferencesRequest{PreferredEngine: string(engine)})
	if err != nil {
		return err
	}
	p.Success("preferred engine: " + prefs.PreferredEngine)
	return nil
}
