// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package handlers exposes the Orchest control plane as a REST surface.
// Handlers decode and validate requests, dispatch to the lifecycle
// controllers in the services package and map sentinel errors to status
// codes.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/orchest/orchest/internal/logstream"
	"github.com/orchest/orchest/internal/metrics"
	"github.com/orchest/orchest/internal/orchest-api/services"
	"github.com/orchest/orchest/internal/server/middleware/logger"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/pkg/middleware"
)

// Handler holds the services and provides HTTP handlers.
type Handler struct {
	services *services.Services
	store    *store.Store
	broker   *logstream.Broker
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a new Handler instance.
func New(svcs *services.Services, st *store.Store, broker *logstream.Broker, logger *slog.Logger) *Handler {
	return &Handler{
		services: svcs,
		store:    st,
		broker:   broker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Routes sets up all HTTP routes and returns the configured handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	loggerMiddleware := logger.Middleware(h.logger)
	routes := middleware.NewRouteBuilder(mux).With(loggerMiddleware)

	// Health, readiness and metrics
	routes.HandleFunc("GET /health", h.Health)
	routes.HandleFunc("GET /ready", h.Ready)
	routes.Handle("GET /metrics", metrics.Handler())

	api := routes.With(metrics.RequestMetrics())

	// Project and pipeline registry
	api.HandleFunc("GET /api/projects", h.ListProjects)
	api.HandleFunc("POST /api/projects", h.CreateProject)
	api.HandleFunc("GET /api/projects/{projectUUID}", h.GetProject)
	api.HandleFunc("PUT /api/projects/{projectUUID}", h.UpdateProject)
	api.HandleFunc("DELETE /api/projects/{projectUUID}", h.DeleteProject)
	api.HandleFunc("GET /api/projects/{projectUUID}/pipelines", h.ListPipelines)
	api.HandleFunc("POST /api/projects/{projectUUID}/pipelines", h.CreatePipeline)
	api.HandleFunc("GET /api/projects/{projectUUID}/pipelines/{pipelineUUID}", h.GetPipeline)
	api.HandleFunc("PUT /api/projects/{projectUUID}/pipelines/{pipelineUUID}", h.UpdatePipeline)
	api.HandleFunc("DELETE /api/projects/{projectUUID}/pipelines/{pipelineUUID}", h.DeletePipeline)

	// Environment builds
	api.HandleFunc("GET /api/environment-builds", h.ListEnvironmentBuilds)
	api.HandleFunc("POST /api/environment-builds", h.CreateEnvironmentBuilds)
	api.HandleFunc("GET /api/environment-builds/{buildUUID}", h.GetEnvironmentBuild)
	api.HandleFunc("PUT /api/environment-builds/{buildUUID}", h.UpdateEnvironmentBuildStatus)
	api.HandleFunc("DELETE /api/environment-builds/{buildUUID}", h.AbortEnvironmentBuild)
	api.HandleFunc("GET /api/environment-builds/most-recent/{projectUUID}", h.MostRecentEnvironmentBuilds)
	api.HandleFunc("GET /api/environment-builds/most-recent/{projectUUID}/{environmentUUID}", h.MostRecentEnvironmentBuild)
	api.HandleFunc("GET /api/environment-builds/logs/{buildUUID}", h.EnvironmentBuildLogs)

	// Jupyter builds
	api.HandleFunc("POST /api/jupyter-builds", h.CreateJupyterBuild)
	api.HandleFunc("GET /api/jupyter-builds/most-recent", h.MostRecentJupyterBuilds)
	api.HandleFunc("GET /api/jupyter-builds/{buildUUID}", h.GetJupyterBuild)
	api.HandleFunc("PUT /api/jupyter-builds/{buildUUID}", h.UpdateJupyterBuildStatus)
	api.HandleFunc("DELETE /api/jupyter-builds/{buildUUID}", h.AbortJupyterBuild)
	api.HandleFunc("GET /api/jupyter-builds/logs/{buildUUID}", h.JupyterBuildLogs)

	// Pipeline runs
	api.HandleFunc("GET /api/runs", h.ListRuns)
	api.HandleFunc("POST /api/runs", h.CreateRun)
	api.HandleFunc("GET /api/runs/{runUUID}", h.GetRun)
	api.HandleFunc("PUT /api/runs/{runUUID}", h.UpdateRunStatus)
	api.HandleFunc("DELETE /api/runs/{runUUID}", h.AbortRun)
	api.HandleFunc("PUT /api/runs/{runUUID}/steps/{stepUUID}", h.UpdateStepStatus)

	// Interactive sessions
	api.HandleFunc("GET /api/sessions", h.ListSessions)
	api.HandleFunc("POST /api/sessions", h.LaunchSession)
	api.HandleFunc("GET /api/sessions/{projectUUID}/{pipelineUUID}", h.GetSession)
	api.HandleFunc("DELETE /api/sessions/{projectUUID}/{pipelineUUID}", h.StopSession)

	// Jobs
	api.HandleFunc("GET /api/jobs", h.ListJobs)
	api.HandleFunc("POST /api/jobs", h.CreateJob)
	api.HandleFunc("GET /api/jobs/{jobUUID}", h.GetJob)
	api.HandleFunc("PUT /api/jobs/{jobUUID}", h.UpdateJob)
	api.HandleFunc("DELETE /api/jobs/{jobUUID}", h.AbortJob)
	api.HandleFunc("DELETE /api/jobs/cleanup/{jobUUID}", h.DeleteJob)

	// Environment images
	api.HandleFunc("DELETE /api/environment-images/{projectUUID}/{environmentUUID}", h.DeleteEnvironmentImages)
	api.HandleFunc("GET /api/environment-images/{projectUUID}/{environmentUUID}/in-use", h.EnvironmentImageInUse)
	api.HandleFunc("DELETE /api/environment-images/dangling/{projectUUID}/{environmentUUID}", h.RemoveDanglingImages)

	// Worker log ingestion
	api.HandleFunc("PUT /api/logs/{taskUUID}", h.PublishLogs)

	return mux
}

// Health handles health check requests.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Ready reports readiness: the process is up and the state store answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("Readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}
