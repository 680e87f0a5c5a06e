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
)

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("ListSessions handler called")

	projectUUID := r.URL.Query().Get("project_uuid")
	sessions, err := h.services.Sessions.List(ctx, projectUUID)
	if err != nil {
		logger.Error("Failed to list sessions", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeListResponse(w, sessions)
}

func (h *Handler) LaunchSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("LaunchSession handler called")

	var req models.CreateSessionRequest
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

	session, err := h.services.Sessions.Launch(ctx, req)
	if err != nil {
		if errors.Is(err, services.ErrSessionAlreadyExists) {
			logger.Warn("Session already exists",
				"project_uuid", req.ProjectUUID, "pipeline_uuid", req.PipelineUUID)
			writeErrorResponse(w, http.StatusConflict, "Session already exists", services.CodeSessionExists)
			return
		}
		logger.Error("Failed to launch session", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	logger.Info("Session launched",
		"project_uuid", session.ProjectUUID, "pipeline_uuid", session.PipelineUUID)
	writeSuccessResponse(w, http.StatusCreated, session)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("GetSession handler called")

	projectUUID := r.PathValue("projectUUID")
	pipelineUUID := r.PathValue("pipelineUUID")
	session, err := h.services.Sessions.Get(ctx, projectUUID, pipelineUUID)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			logger.Warn("Session not found",
				"project_uuid", projectUUID, "pipeline_uuid", pipelineUUID)
			writeErrorResponse(w, http.StatusNotFound, "Session not found", services.CodeSessionNotFound)
			return
		}
		logger.Error("Failed to get session", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeSuccessResponse(w, http.StatusOK, session)
}

// StopSession tears the session down. Teardown runs synchronously, so a
// 200 means the containers are gone and the row is deleted.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("StopSession handler called")

	projectUUID := r.PathValue("projectUUID")
	pipelineUUID := r.PathValue("pipelineUUID")
	err := h.services.Sessions.Stop(ctx, projectUUID, pipelineUUID)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			logger.Warn("Session not found",
				"project_uuid", projectUUID, "pipeline_uuid", pipelineUUID)
			writeErrorResponse(w, http.StatusNotFound, "Session not found", services.CodeSessionNotFound)
			return
		}
		logger.Error("Failed to stop session", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	logger.Info("Session stopped",
		"project_uuid", projectUUID, "pipeline_uuid", pipelineUUID)
	writeMessageResponse(w, http.StatusOK, "Session shutdown was successful.")
}
