// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/orchest/orchest/internal/imagelock"
	"github.com/orchest/orchest/internal/logging"
	"github.com/orchest/orchest/internal/orchest-api/models"
	"github.com/orchest/orchest/internal/orchest-api/services"
	"github.com/orchest/orchest/internal/store"
)

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("ListRuns handler called")

	query := r.URL.Query()
	filter := services.RunFilter{
		ProjectUUID:  query.Get("project_uuid"),
		PipelineUUID: query.Get("pipeline_uuid"),
		JobUUID:      query.Get("job_uuid"),
		Kind:         store.RunKind(query.Get("kind")),
	}
	runs, err := h.services.Runs.List(ctx, filter)
	if err != nil {
		logger.Error("Failed to list runs", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeListResponse(w, runs)
}

// CreateRun starts an interactive pipeline run. A missing environment
// image surfaces as a 500 naming the environments; the client is expected
// to trigger builds and retry.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("CreateRun handler called")

	var req models.CreateRunRequest
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

	run, err := h.services.Runs.Create(ctx, req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidPipeline) {
			logger.Warn("Invalid pipeline definition", "error", err)
			writeErrorResponse(w, http.StatusBadRequest, err.Error(), services.CodeInvalidInput)
			return
		}
		if errors.Is(err, imagelock.ErrImageNotFound) {
			logger.Warn("Run environments missing images", "error", err)
			writeErrorResponse(w, http.StatusInternalServerError, err.Error(), services.CodeImageNotFound)
			return
		}
		logger.Error("Failed to create run", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	logger.Info("Run created", "run_uuid", run.UUID)
	writeSuccessResponse(w, http.StatusCreated, run)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("GetRun handler called")

	runUUID := r.PathValue("runUUID")
	run, err := h.services.Runs.Get(ctx, runUUID)
	if err != nil {
		if errors.Is(err, services.ErrRunNotFound) {
			logger.Warn("Run not found", "run_uuid", runUUID)
			writeErrorResponse(w, http.StatusNotFound, "Run not found", services.CodeRunNotFound)
			return
		}
		logger.Error("Failed to get run", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeSuccessResponse(w, http.StatusOK, run)
}

func (h *Handler) UpdateRunStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("UpdateRunStatus handler called")

	runUUID := r.PathValue("runUUID")
	update, ok := decodeStatusUpdate(w, r)
	if !ok {
		return
	}

	if _, err := h.services.Runs.UpdateStatus(ctx, runUUID, update); err != nil {
		logger.Error("Failed to update run status", "error", err, "run_uuid", runUUID)
		writeMessageResponse(w, http.StatusInternalServerError, "Failed update operation.")
		return
	}

	writeMessageResponse(w, http.StatusOK, "Status was updated successfully.")
}

func (h *Handler) AbortRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("AbortRun handler called")

	runUUID := r.PathValue("runUUID")
	aborted, err := h.services.Runs.Abort(ctx, runUUID)
	if err != nil {
		logger.Error("Failed to abort run", "error", err, "run_uuid", runUUID)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}
	if !aborted {
		writeMessageResponse(w, http.StatusBadRequest, "Run does not exist or is not running.")
		return
	}

	logger.Info("Run aborted", "run_uuid", runUUID)
	writeMessageResponse(w, http.StatusOK, "Run termination was successful.")
}

func (h *Handler) UpdateStepStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("UpdateStepStatus handler called")

	runUUID := r.PathValue("runUUID")
	stepUUID := r.PathValue("stepUUID")
	update, ok := decodeStatusUpdate(w, r)
	if !ok {
		return
	}

	if _, err := h.services.Runs.UpdateStepStatus(ctx, runUUID, stepUUID, update); err != nil {
		logger.Error("Failed to update step status",
			"error", err, "run_uuid", runUUID, "step_uuid", stepUUID)
		writeMessageResponse(w, http.StatusInternalServerError, "Failed update operation.")
		return
	}

	writeMessageResponse(w, http.StatusOK, "Status was updated successfully.")
}
