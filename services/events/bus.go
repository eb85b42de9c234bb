// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is the fire-and-forget notification channel between the
// model and transcription services and whoever is watching (the HTTP API,
// the CLI progress view, tests).
//
// Publishers never block: live subscribers with a full buffer miss the
// event, and late readers catch up through Since.
package events

import (
	"sync"
	"time"
)

// Type classifies an Event.
type Type string

const (
	// TypeDownloadProgress carries ModelID and Progress.
	TypeDownloadProgress Type = "download_progress"

	// TypeDownloadState carries ModelID, State, and Message when a model's
	// download state changes.
	TypeDownloadState Type = "download_state"

	// TypeModelSelectionNormalized carries PreviousModelID and
	// NormalizedModelID when a missing selected model was replaced.
	TypeModelSelectionNormalized Type = "model_selection_normalized"

	// TypeRoutingDecision carries RequestID, Route, and Reason for every
	// transcription routing choice, including fallbacks.
	TypeRoutingDecision Type = "routing_decision"
)

// Event is a sequenced notification. Fields not relevant to Type are empty.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`

	ModelID  string  `json:"modelId,omitempty"`
	State    string  `json:"state,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`

	PreviousModelID   string `json:"previousModelId,omitempty"`
	NormalizedModelID string `json:"normalizedModelId,omitempty"`

	RequestID string `json:"requestId,omitempty"`
	Route     string `json:"route,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Publisher is the write side of a Bus. Services depend on this rather
// than on *Bus so tests can record events directly.
type Publisher interface {
	Publish(event Event) Event
}

// Bus keeps a bounded history of events and fans them out to subscribers.
//
// # Thread Safety
//
// Safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event

	nextSub int
	subs    map[int]*subscription
}

type subscription struct {
	ch     chan Event
	filter func(Event) bool
}

// NewBus creates a Bus retaining at most maxEvents (default 1000).
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, 64),
		subs:      make(map[int]*subscription),
	}
}

// Publish assigns a sequence number and timestamp, records the event, and
// offers it to every matching subscriber without blocking.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return event
}

// Since returns retained events with Seq strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe registers a live subscriber.
//
// # Inputs
//
//   - buffer: Channel capacity. Events arriving while it is full are
//     dropped for this subscriber only. <= 0 means 64.
//   - filter: Optional predicate; nil receives everything.
//
// # Outputs
//
//   - <-chan Event: Receives events published after the call.
//   - func(): Unsubscribes and closes the channel. Safe to call twice.
func (b *Bus) Subscribe(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan Event, buffer), filter: filter}

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// ForModel returns a filter matching events about modelID.
func ForModel(modelID string) func(Event) bool {
	return func(e Event) bool { return e.ModelID == modelID }
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish returns the event unchanged.
func (Discard) Publish(event Event) Event { return event }

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = Discard{}
)
