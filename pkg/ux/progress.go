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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
)

// ProgressUpdate is one observation of a long-running download.
type ProgressUpdate struct {
	Fraction float64
	State    string
	Message  string

	// Done ends the display. The last update is returned by RunProgress.
	Done bool
}

// progressModel is the bubbletea model behind RunProgress.
type progressModel struct {
	label     string
	bar       progress.Model
	updates   <-chan ProgressUpdate
	last      ProgressUpdate
	cancelled bool
}

func newProgressModel(label string, updates <-chan ProgressUpdate) progressModel {
	return progressModel{
		label:   label,
		bar:     progress.New(progress.WithGradient(string(ColorTealDeep), string(ColorTealBright)), progress.WithWidth(40)),
		updates: updates,
	}
}

// waitForUpdate turns the next channel value into a message. A closed
// channel ends the display with the last state.
func waitForUpdate(ch <-chan ProgressUpdate) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return ProgressUpdate{Done: true}
		}
		return u
	}
}

func (m progressModel) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ProgressUpdate:
		if msg.State == "" {
			msg.State = m.last.State
		}
		if msg.Fraction < m.last.Fraction && (!msg.Done || msg.Fraction == 0) {
			msg.Fraction = m.last.Fraction
		}
		m.last = msg
		if msg.Done {
			return m, tea.Quit
		}
		return m, waitForUpdate(m.updates)
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.cancelled = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-len(m.label)-20, 10), 60)
	}
	return m, nil
}

func (m progressModel) View() string {
	var b strings.Builder
	b.WriteString(Styles.Bold.Render(m.label))
	b.WriteString(" ")
	b.WriteString(m.bar.ViewAs(m.last.Fraction))
	if m.last.State != "" {
		b.WriteString(" ")
		b.WriteString(StateIcon(m.last.State).Render())
		b.WriteString(" ")
		b.WriteString(Styles.Muted.Render(m.last.State))
	}
	if m.last.Message != "" {
		b.WriteString("\n")
		b.WriteString(Styles.Muted.Render(m.last.Message))
	}
	b.WriteString("\n")
	return b.String()
}

// ErrProgressInterrupted is returned when the user quits the display.
var ErrProgressInterrupted = errors.New("progress display interrupted")

// RunProgress displays updates until one has Done set, the channel closes,
// or ctx is done, and returns the last update seen.
//
// # Description
//
// Interactive terminals get a live bubbletea progress bar on stderr.
// Otherwise a line is printed to w at every 10% step and on state changes.
func RunProgress(ctx context.Context, w io.Writer, label string, updates <-chan ProgressUpdate) (ProgressUpdate, error) {
	if !IsInteractive() {
		return printProgress(ctx, w, label, updates)
	}
	p := tea.NewProgram(newProgressModel(label, updates), tea.WithContext(ctx), tea.WithOutput(os.Stderr))
	final, err := p.Run()
	if err != nil {
		return ProgressUpdate{}, err
	}
	m, ok := final.(progressModel)
	if !ok {
		return ProgressUpdate{}, fmt.Errorf("unexpected model type from bubbletea: %T", final)
	}
	if m.cancelled {
		return m.last, ErrProgressInterrupted
	}
	return m.last, nil
}

func printProgress(ctx context.Context, w io.Writer, label string, updates <-chan ProgressUpdate) (ProgressUpdate, error) {
	var last ProgressUpdate
	step := -1
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return last, nil
			}
			stateChanged := u.State != "" && u.State != last.State
			if u.State == "" {
				u.State = last.State
			}
			if s := int(u.Fraction * 10); s > step || stateChanged {
				step = max(step, s)
				fmt.Fprintf(w, "%s\t%s\t%s\n", label, u.State, ProgressBar(u.Fraction, 30))
			}
			if u.Message != "" && u.Message != last.Message {
				fmt.Fprintf(w, "%s\t%s\n", label, u.Message)
			}
			last = u
			if u.Done {
				return last, nil
			}
		}
	}
}
