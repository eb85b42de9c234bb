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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/scribe/services/coordinator"
	"github.com/AleutianAI/scribe/services/models"
	"github.com/AleutianAI/scribe/services/transcription"
)

// Config holds the services the handlers serve. Only Models is required;
// endpoints whose service is nil answer 503.
type Config struct {
	Models      ModelService
	Factory     ServiceFactory
	Preferences *transcription.Preferences
	Coordinator CoordinatorStatus
	Events      EventSource
	Logger      *slog.Logger
}

// Handlers contains the HTTP handlers.
type Handlers struct {
	models  ModelService
	factory ServiceFactory
	prefs   *transcription.Preferences
	coord   CoordinatorStatus
	events  EventSource
	logger  *slog.Logger
}

// NewHandlers creates handlers for the given services.
func NewHandlers(cfg Config) (*Handlers, error) {
	if cfg.Models == nil {
		return nil, errors.New("api: model service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		models:  cfg.Models,
		factory: cfg.Factory,
		prefs:   cfg.Preferences,
		coord:   cfg.Coordinator,
		events:  cfg.Events,
		logger:  logger,
	}, nil
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// RequestID tags every request with an X-Request-ID and logs its outcome.
func (h *Handlers) RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := getOrCreateRequestID(c)
		c.Set("request_id", requestID)
		c.Next()
		h.logger.Debug("request handled",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status())
	}
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

func errorStatus(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error(), Code: CodeInternal}

	var me *models.ModelError
	if errors.As(err, &me) {
		resp.Details = me.Remediation
		switch me.Kind {
		case models.ErrorNotFound:
			resp.Code = CodeModelNotFound
			return http.StatusNotFound, resp
		case models.ErrorNetwork:
			resp.Code = CodeNetwork
			return http.StatusBadGateway, resp
		case models.ErrorStorage:
			resp.Code = CodeStorage
			return http.StatusInsufficientStorage, resp
		case models.ErrorCancelled:
			resp.Code = CodeCancelled
			return http.StatusConflict, resp
		}
	}

	switch {
	case errors.Is(err, transcription.ErrNoEngine):
		resp.Code = CodeNoEngine
		resp.Details = "Download a model or configure a cloud API key."
		return http.StatusServiceUnavailable, resp
	case errors.Is(err, coordinator.ErrUnloadFailed):
		resp.Code = CodeResourceBusy
		return http.StatusServiceUnavailable, resp
	case errors.Is(err, context.DeadlineExceeded):
		resp.Code = CodeCancelled
		return http.StatusGatewayTimeout, resp
	case errors.Is(err, context.Canceled):
		resp.Code = CodeCancelled
		return http.StatusConflict, resp
	}

	if kind, ok := transcription.KindOf(err); ok {
		if kind == transcription.ErrorAudioProcessingFailed {
			resp.Code = CodeAudioProcessing
			return http.StatusUnprocessableEntity, resp
		}
		resp.Code = CodeTranscription
		return http.StatusBadGateway, resp
	}
	return http.StatusInternalServerError, resp
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status, resp := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"request_id", c.GetString("request_id"), "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: CodeInvalidRequest})
}

func notConfigured(c *gin.Context, what string) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
		Error: what + " is not configured",
		Code:  CodeServiceNotConfig,
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	snapshot := h.models.Snapshot(c.Request.Context())
	resp := HealthResponse{Status: "healthy", Version: ServiceVersion, Models: len(snapshot)}
	for _, s := range snapshot {
		switch s.State {
		case models.StateDownloaded:
			resp.Installed++
		case models.StateDownloading:
			resp.Downloading++
		}
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Models
// -----------------------------------------------------------------------------

// HandleListModels handles GET /v1/models.
//
// Description:
//
//	Lists every catalog model with its current state, download metadata
//	and installed folder, in catalog order.
func (h *Handlers) HandleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, ModelListResponse{
		Models:    h.models.Snapshot(c.Request.Context()),
		DefaultID: h.models.Catalog().Default().ID,
	})
}

// HandleGetModel handles GET /v1/models/:id.
func (h *Handlers) HandleGetModel(c *gin.Context) {
	id := c.Param("id")
	for _, s := range h.models.Snapshot(c.Request.Context()) {
		if s.ID == id {
			c.JSON(http.StatusOK, s)
			return
		}
	}
	c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
		Error: "unknown model " + strconv.Quote(id),
		Code:  CodeModelNotFound,
	})
}

func (h *Handlers) accepted(c *gin.Context, id string) {
	c.JSON(http.StatusAccepted, ActionResponse{
		ModelID: id,
		State:   h.models.State(c.Request.Context(), id).String(),
	})
}

// HandleStartDownload handles POST /v1/models/:id/download.
//
// Response:
//
//	202 Accepted: ActionResponse (also when a download is already running)
//	404 Not Found: unknown model id
func (h *Handlers) HandleStartDownload(c *gin.Context) {
	id := c.Param("id")
	if err := h.models.StartDownload(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	h.accepted(c, id)
}

// HandleRetryDownload handles POST /v1/models/:id/retry. With ?force=true
// all recorded state is discarded and the attempt count restarts.
func (h *Handlers) HandleRetryDownload(c *gin.Context) {
	id := c.Param("id")
	force, err := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if err != nil {
		badRequest(c, "force must be a boolean")
		return
	}

	ctx := c.Request.Context()
	if force {
		err = h.models.ForceRetryDownload(ctx, id)
	} else {
		err = h.models.RetryDownload(ctx, id)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	h.accepted(c, id)
}

// HandleCancelDownload handles DELETE /v1/models/:id/download.
func (h *Handlers) HandleCancelDownload(c *gin.Context) {
	id := c.Param("id")
	if err := h.models.CancelDownload(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ActionResponse{ModelID: id, State: models.StateNotDownloaded.String()})
}

// HandleDeleteModel handles DELETE /v1/models/:id.
func (h *Handlers) HandleDeleteModel(c *gin.Context) {
	id := c.Param("id")
	if err := h.models.DeleteModel(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// HandleEvents handles GET /v1/events?since=N and returns retained events
// with a sequence number above N.
func (h *Handlers) HandleEvents(c *gin.Context) {
	if h.events == nil {
		notConfigured(c, "event bus")
		return
	}
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		badRequest(c, "since must be a non-negative integer")
		return
	}
	list := h.events.Since(since)
	latest := since
	if n := len(list); n > 0 {
		latest = list[n-1].Seq
	}
	c.JSON(http.StatusOK, EventsResponse{Events: list, Latest: latest})
}

// -----------------------------------------------------------------------------
// Transcription
// -----------------------------------------------------------------------------

// HandleTranscribe handles POST /v1/transcriptions.
//
// Description:
//
//	Asks the factory for a service and transcribes the file at
//	audio_path. When the router serves the request, the response includes
//	every routing decision taken, fallbacks included.
//
// Response:
//
//	200 OK: transcription.Result
//	400 Bad Request: validation error
//	422 Unprocessable Entity: the audio could not be decoded
//	503 Service Unavailable: no engine available
func (h *Handlers) HandleTranscribe(c *gin.Context) {
	if h.factory == nil {
		notConfigured(c, "transcription")
		return
	}
	var req TranscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	svc, err := h.factory.CreateTranscriptionService(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}

	if detailed, ok := svc.(detailedTranscriber); ok {
		res, err := detailed.TranscribeDetailed(ctx, req.AudioPath, req.Language)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	text, err := svc.Transcribe(ctx, req.AudioPath, req.Language)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, transcription.Result{
		Text:      text,
		RequestID: c.GetString("request_id"),
		Decisions: []transcription.Decision{{
			RequestID: c.GetString("request_id"),
			Route:     transcription.EngineCloud,
			Reason:    transcription.ReasonCloudPreferred,
		}},
	})
}

// -----------------------------------------------------------------------------
// Preferences and coordinator
// -----------------------------------------------------------------------------

func (h *Handlers) currentPreferences(ctx context.Context) (PreferencesResponse, error) {
	engine, err := h.prefs.PreferredEngine(ctx)
	if err != nil {
		return PreferencesResponse{}, err
	}
	selected, err := h.prefs.SelectedModelID(ctx)
	if err != nil {
		return PreferencesResponse{}, err
	}
	return PreferencesResponse{PreferredEngine: string(engine), SelectedModelID: selected}, nil
}

// HandleGetPreferences handles GET /v1/preferences.
func (h *Handlers) HandleGetPreferences(c *gin.Context) {
	if h.prefs == nil {
		notConfigured(c, "preferences")
		return
	}
	resp, err := h.currentPreferences(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleSetPreferences handles PUT /v1/preferences. The selected model
// must be a catalog id; it does not have to be installed yet.
func (h *Handlers) HandleSetPreferences(c *gin.Context) {
	if h.prefs == nil {
		notConfigured(c, "preferences")
		return
	}
	var req PreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	if req.SelectedModelID != "" {
		if !h.models.Catalog().Contains(req.SelectedModelID) {
			c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
				Error: "unknown model " + strconv.Quote(req.SelectedModelID),
				Code:  CodeModelNotFound,
			})
			return
		}
		if err := h.prefs.SetSelectedModelID(ctx, req.SelectedModelID); err != nil {
			h.fail(c, err)
			return
		}
	}
	if req.PreferredEngine != "" {
		engine, _ := transcription.ParseEngine(req.PreferredEngine)
		if err := h.prefs.SetPreferredEngine(ctx, engine); err != nil {
			h.fail(c, err)
			return
		}
	}

	resp, err := h.currentPreferences(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("preferences updated",
		"preferred_engine", resp.PreferredEngine, "selected_model_id", resp.SelectedModelID)
	c.JSON(http.StatusOK, resp)
}

// HandleCoordinator handles GET /v1/coordinator.
func (h *Handlers) HandleCoordinator(c *gin.Context) {
	if h.coord == nil {
		notConfigured(c, "coordinator")
		return
	}
	c.JSON(http.StatusOK, h.coord.Status())
}
