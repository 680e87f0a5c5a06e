// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/orchest/orchest/internal/logging"
	"github.com/orchest/orchest/internal/orchest-api/services"
)

// CreateJupyterBuild schedules a rebuild of the Jupyter server image. The
// build is refused while any interactive session exists; the 500 with the
// SessionInProgressException body matches what existing clients key on.
func (h *Handler) CreateJupyterBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("CreateJupyterBuild handler called")

	build, err := h.services.JupyterBuilds.Create(ctx)
	if err != nil {
		if errors.Is(err, services.ErrSessionInProgress) {
			logger.Warn("Jupyter build blocked by active session")
			writeErrorResponse(w, http.StatusInternalServerError,
				services.ErrSessionInProgress.Error(), services.CodeSessionInProgress)
			return
		}
		logger.Error("Failed to create jupyter build", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	logger.Info("Jupyter build created", "build_uuid", build.UUID)
	writeSuccessResponse(w, http.StatusCreated, build)
}

func (h *Handler) GetJupyterBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("GetJupyterBuild handler called")

	buildUUID := r.PathValue("buildUUID")
	build, err := h.services.JupyterBuilds.Get(ctx, buildUUID)
	if err != nil {
		if errors.Is(err, services.ErrJupyterBuildNotFound) {
			logger.Warn("Jupyter build not found", "build_uuid", buildUUID)
			writeErrorResponse(w, http.StatusNotFound, "Jupyter build not found", services.CodeJupyterBuildNotFound)
			return
		}
		logger.Error("Failed to get jupyter build", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeSuccessResponse(w, http.StatusOK, build)
}

func (h *Handler) UpdateJupyterBuildStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("UpdateJupyterBuildStatus handler called")

	buildUUID := r.PathValue("buildUUID")
	update, ok := decodeStatusUpdate(w, r)
	if !ok {
		return
	}

	if _, err := h.services.JupyterBuilds.UpdateStatus(ctx, buildUUID, update); err != nil {
		logger.Error("Failed to update jupyter build status", "error", err, "build_uuid", buildUUID)
		writeMessageResponse(w, http.StatusInternalServerError, "Failed update operation.")
		return
	}
	if update.Status.Terminal() {
		h.broker.Close(buildUUID)
	}

	writeMessageResponse(w, http.StatusOK, "Status was updated successfully.")
}

func (h *Handler) AbortJupyterBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("AbortJupyterBuild handler called")

	buildUUID := r.PathValue("buildUUID")
	aborted, err := h.services.JupyterBuilds.Abort(ctx, buildUUID)
	if err != nil {
		logger.Error("Failed to abort jupyter build", "error", err, "build_uuid", buildUUID)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}
	if !aborted {
		writeMessageResponse(w, http.StatusBadRequest, "Jupyter build does not exist or is not running.")
		return
	}

	logger.Info("Jupyter build aborted", "build_uuid", buildUUID)
	writeMessageResponse(w, http.StatusOK, "Jupyter build termination was successful.")
}

func (h *Handler) MostRecentJupyterBuilds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("MostRecentJupyterBuilds handler called")

	builds, err := h.services.JupyterBuilds.MostRecent(ctx)
	if err != nil {
		logger.Error("Failed to get most recent jupyter build", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeListResponse(w, builds)
}

// JupyterBuildLogs streams the build's output, symmetric to the
// environment build logs endpoint.
func (h *Handler) JupyterBuildLogs(w http.ResponseWriter, r *http.Request) {
	h.serveLogs(w, r, r.PathValue("buildUUID"))
}
