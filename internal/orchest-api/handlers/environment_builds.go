// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/orchest/orchest/internal/logging"
	"github.com/orchest/orchest/internal/orchest-api/models"
	"github.com/orchest/orchest/internal/orchest-api/services"
	"github.com/orchest/orchest/internal/store"
)

func (h *Handler) ListEnvironmentBuilds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("ListEnvironmentBuilds handler called")

	builds, err := h.services.EnvironmentBuilds.List(ctx)
	if err != nil {
		logger.Error("Failed to list environment builds", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeListResponse(w, builds)
}

// CreateEnvironmentBuilds accepts a batch of build requests. Requests that
// could not be staged come back in failed_requests; any failure turns the
// response into a 500 so the caller knows to retry those.
func (h *Handler) CreateEnvironmentBuilds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("CreateEnvironmentBuilds handler called")

	var req models.CreateEnvironmentBuildsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("Invalid JSON body", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", services.CodeInvalidInput)
		return
	}
	if err := req.Validate(); err != nil {
		logger.Warn("Request validation failed", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), services.CodeInvalidInput)
		return
	}

	builds, failed := h.services.EnvironmentBuilds.CreateBatch(ctx, req.EnvironmentBuildRequests)
	response := models.CreateEnvironmentBuildsResponse{
		EnvironmentBuilds: builds,
		FailedRequests:    failed,
	}
	if len(failed) > 0 {
		logger.Warn("Some environment build requests failed", "failed", len(failed))
		writeSuccessResponse(w, http.StatusInternalServerError, response)
		return
	}

	logger.Info("Environment builds created", "count", len(builds))
	writeSuccessResponse(w, http.StatusCreated, response)
}

func (h *Handler) GetEnvironmentBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("GetEnvironmentBuild handler called")

	buildUUID := r.PathValue("buildUUID")
	build, err := h.services.EnvironmentBuilds.Get(ctx, buildUUID)
	if err != nil {
		if errors.Is(err, services.ErrBuildNotFound) {
			logger.Warn("Environment build not found", "build_uuid", buildUUID)
			writeErrorResponse(w, http.StatusNotFound, "Environment build not found", services.CodeBuildNotFound)
			return
		}
		logger.Error("Failed to get environment build", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeSuccessResponse(w, http.StatusOK, build)
}

// UpdateEnvironmentBuildStatus applies a worker status callback. Late or
// duplicate terminal callbacks are dropped by the guarded update and still
// answer 200.
func (h *Handler) UpdateEnvironmentBuildStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("UpdateEnvironmentBuildStatus handler called")

	buildUUID := r.PathValue("buildUUID")
	update, ok := decodeStatusUpdate(w, r)
	if !ok {
		return
	}

	if _, err := h.services.EnvironmentBuilds.UpdateStatus(ctx, buildUUID, update); err != nil {
		logger.Error("Failed to update environment build status", "error", err, "build_uuid", buildUUID)
		writeMessageResponse(w, http.StatusInternalServerError, "Failed update operation.")
		return
	}
	if update.Status.Terminal() {
		// A finished build produces no more output; release its stream so
		// attached websocket readers see end of stream.
		h.broker.Close(buildUUID)
	}

	writeMessageResponse(w, http.StatusOK, "Status was updated successfully.")
}

func (h *Handler) AbortEnvironmentBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("AbortEnvironmentBuild handler called")

	buildUUID := r.PathValue("buildUUID")
	aborted, err := h.services.EnvironmentBuilds.Abort(ctx, buildUUID)
	if err != nil {
		logger.Error("Failed to abort environment build", "error", err, "build_uuid", buildUUID)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}
	if !aborted {
		writeMessageResponse(w, http.StatusBadRequest, "Environment build does not exist or is not running.")
		return
	}

	logger.Info("Environment build aborted", "build_uuid", buildUUID)
	writeMessageResponse(w, http.StatusOK, "Environment build termination was successful.")
}

func (h *Handler) MostRecentEnvironmentBuilds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("MostRecentEnvironmentBuilds handler called")

	projectUUID := r.PathValue("projectUUID")
	builds, err := h.services.EnvironmentBuilds.MostRecentPerProject(ctx, projectUUID)
	if err != nil {
		logger.Error("Failed to get most recent environment builds", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeListResponse(w, builds)
}

func (h *Handler) MostRecentEnvironmentBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("MostRecentEnvironmentBuild handler called")

	projectUUID := r.PathValue("projectUUID")
	environmentUUID := r.PathValue("environmentUUID")
	builds, err := h.services.EnvironmentBuilds.MostRecentForEnvironment(ctx, projectUUID, environmentUUID)
	if err != nil {
		logger.Error("Failed to get most recent environment build", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeListResponse(w, builds)
}

// EnvironmentBuildLogs streams the build's output. Websocket clients get
// the backlog replayed and then follow live lines; plain GET returns the
// tail collected so far.
func (h *Handler) EnvironmentBuildLogs(w http.ResponseWriter, r *http.Request) {
	h.serveLogs(w, r, r.PathValue("buildUUID"))
}

// decodeStatusUpdate parses and validates the shared status-callback
// payload, answering the error response itself when the payload is bad.
func decodeStatusUpdate(w http.ResponseWriter, r *http.Request) (update store.StatusUpdate, ok bool) {
	logger := logging.FromContext(r.Context())

	var req models.StatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("Invalid JSON body", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", services.CodeInvalidInput)
		return update, false
	}
	if err := req.Validate(); err != nil {
		logger.Warn("Request validation failed", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), services.CodeInvalidInput)
		return update, false
	}
	update, err := req.ToStoreUpdate()
	if err != nil {
		logger.Warn("Unparseable status timestamp", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), services.CodeInvalidInput)
		return update, false
	}
	return update, true
}
