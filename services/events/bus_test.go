// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishAssignsSequence(t *testing.T) {
	bus := NewBus(10)
	first := bus.Publish(Event{Type: TypeDownloadState, ModelID: "small"})
	second := bus.Publish(Event{Type: TypeDownloadState, ModelID: "medium"})

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.False(t, first.Timestamp.IsZero())
}

func TestBus_SinceAndTrim(t *testing.T) {
	bus := NewBus(3)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeDownloadProgress})
	}

	all := bus.Since(0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].Seq)
	assert.Equal(t, int64(5), all[2].Seq)

	assert.Len(t, bus.Since(4), 1)
	assert.Empty(t, bus.Since(5))
}

func TestBus_SubscribeWithFilter(t *testing.T) {
	bus := NewBus(10)
	ch, cancel := bus.Subscribe(4, ForModel("small"))
	defer cancel()

	bus.Publish(Event{Type: TypeDownloadProgress, ModelID: "medium", Progress: 0.5})
	bus.Publish(Event{Type: TypeDownloadProgress, ModelID: "small", Progress: 0.25})

	got := <-ch
	assert.Equal(t, "small", got.ModelID)
	assert.Equal(t, 0.25, got.Progress)
	assert.Len(t, ch, 0)
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(100)
	ch, cancel := bus.Subscribe(1, nil)
	defer cancel()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: TypeRoutingDecision})
	}
	assert.Len(t, ch, 1)
	assert.Len(t, bus.Since(0), 10)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(10)
	ch, cancel := bus.Subscribe(1, nil)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	bus.Publish(Event{Type: TypeRoutingDecision})
}
