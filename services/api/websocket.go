// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/scribe/services/events"
	"github.com/AleutianAI/scribe/services/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// The API only listens on loopback, so any origin is accepted.
var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// HandleProgressStream handles GET /v1/models/:id/progress/ws.
//
// Description:
//
//	Streams a model's download progress. The first frame is a "snapshot"
//	of the current state and metadata; after that every download_progress
//	and download_state event for the model is forwarded. The server closes
//	the stream once the model leaves the Downloading state.
//
// Response:
//
//	101 Switching Protocols: stream of ProgressMessage frames
//	404 Not Found: unknown model id
func (h *Handlers) HandleProgressStream(c *gin.Context) {
	id := c.Param("id")
	if !h.models.Catalog().Contains(id) {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
			Error: "unknown model " + strconv.Quote(id),
			Code:  CodeModelNotFound,
		})
		return
	}
	if h.events == nil {
		notConfigured(c, "event bus")
		return
	}

	// Subscribe before the snapshot so no transition is lost in between.
	ch, unsubscribe := h.events.Subscribe(64, events.ForModel(id))
	defer unsubscribe()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "model_id", id, "error", err)
		return
	}
	defer ws.Close()

	ctx := c.Request.Context()
	state := h.models.State(ctx, id)
	first := ProgressMessage{Type: "snapshot", ModelID: id, State: state.String()}
	if md, ok := h.models.Metadata(id); ok {
		first.Metadata = &md
		first.Progress = md.CurrentProgress
	}
	if state == models.StateDownloaded {
		first.Progress = 1
	}
	if !h.send(ws, first) || state != models.StateDownloading {
		h.closeStream(ws)
		return
	}

	// Reader: handles pongs and notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			msg := ProgressMessage{
				Type:     string(e.Type),
				ModelID:  e.ModelID,
				State:    e.State,
				Progress: e.Progress,
				Message:  e.Message,
			}
			if e.Type == events.TypeDownloadProgress {
				msg.State = models.StateDownloading.String()
			}
			if !h.send(ws, msg) {
				return
			}
			if e.Type == events.TypeDownloadState && e.State != models.StateDownloading.String() {
				h.closeStream(ws)
				return
			}
		}
	}
}

func (h *Handlers) send(ws *websocket.Conn, msg ProgressMessage) bool {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ws.WriteJSON(msg); err != nil {
		h.logger.Debug("websocket write failed", "model_id", msg.ModelID, "error", err)
		return false
	}
	return true
}

func (h *Handlers) closeStream(ws *websocket.Conn) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(wsWriteWait))
}
