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

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers all /v1 endpoints with the given router group.
//
// Description:
//
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	h - The handlers instance
//
// Endpoints:
//
//	GET    /v1/health
//	GET    /v1/models
//	GET    /v1/models/:id
//	POST   /v1/models/:id/download - Start a download
//	DELETE /v1/models/:id/download - Cancel a download
//	POST   /v1/models/:id/retry    - Retry (?force=true resets attempts)
//	DELETE /v1/models/:id          - Delete from disk
//	GET    /v1/models/:id/progress/ws
//	GET    /v1/events?since=N
//	POST   /v1/transcriptions
//	GET    /v1/preferences
//	PUT    /v1/preferences
//	GET    /v1/coordinator
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/health", h.HandleHealth)

	m := rg.Group("/models")
	{
		m.GET("", h.HandleListModels)
		m.GET("/:id", h.HandleGetModel)
		m.POST("/:id/download", h.HandleStartDownload)
		m.DELETE("/:id/download", h.HandleCancelDownload)
		m.POST("/:id/retry", h.HandleRetryDownload)
		m.DELETE("/:id", h.HandleDeleteModel)
		m.GET("/:id/progress/ws", h.HandleProgressStream)
	}

	rg.GET("/events", h.HandleEvents)
	rg.POST("/transcriptions", h.HandleTranscribe)
	rg.GET("/preferences", h.HandleGetPreferences)
	rg.PUT("/preferences", h.HandleSetPreferences)
	rg.GET("/coordinator", h.HandleCoordinator)
}

// NewRouter builds the engine served by `scribe serve`: recovery, tracing,
// request ids, the /v1 routes, and /metrics when metrics is non-nil.
func NewRouter(h *Handlers, serviceName string, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(h.RequestID())

	RegisterRoutes(router.Group("/v1"), h)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	return router
}
