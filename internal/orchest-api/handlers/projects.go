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

func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("CreateProject handler called")

	var req models.CreateProjectRequest
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

	project, err := h.services.Projects.CreateProject(ctx, req)
	if err != nil {
		if errors.Is(err, services.ErrProjectAlreadyExists) {
			logger.Warn("Project already exists", "project_uuid", req.UUID)
			writeErrorResponse(w, http.StatusConflict, "Project already exists", services.CodeProjectExists)
			return
		}
		logger.Error("Failed to create project", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	logger.Info("Project created successfully", "project_uuid", project.UUID)
	writeSuccessResponse(w, http.StatusCreated, project)
}

func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("ListProjects handler called")

	projects, err := h.services.Projects.ListProjects(ctx)
	if err != nil {
		logger.Error("Failed to list projects", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeListResponse(w, projects)
}

func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("GetProject handler called")

	projectUUID := r.PathValue("projectUUID")
	project, err := h.services.Projects.GetProject(ctx, projectUUID)
	if err != nil {
		if errors.Is(err, services.ErrProjectNotFound) {
			logger.Warn("Project not found", "project_uuid", projectUUID)
			writeErrorResponse(w, http.StatusNotFound, "Project not found", services.CodeProjectNotFound)
			return
		}
		logger.Error("Failed to get project", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeSuccessResponse(w, http.StatusOK, project)
}

func (h *Handler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("UpdateProject handler called")

	projectUUID := r.PathValue("projectUUID")
	var req models.UpdateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("Invalid JSON body", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", services.CodeInvalidInput)
		return
	}

	project, err := h.services.Projects.UpdateProject(ctx, projectUUID, req.EnvVariables)
	if err != nil {
		if errors.Is(err, services.ErrProjectNotFound) {
			logger.Warn("Project not found", "project_uuid", projectUUID)
			writeErrorResponse(w, http.StatusNotFound, "Project not found", services.CodeProjectNotFound)
			return
		}
		logger.Error("Failed to update project", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeSuccessResponse(w, http.StatusOK, project)
}

func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("DeleteProject handler called")

	projectUUID := r.PathValue("projectUUID")
	err := h.services.Projects.DeleteProject(ctx, projectUUID)
	if err != nil {
		if errors.Is(err, services.ErrProjectNotFound) {
			logger.Warn("Project not found", "project_uuid", projectUUID)
			writeErrorResponse(w, http.StatusNotFound, "Project not found", services.CodeProjectNotFound)
			return
		}
		logger.Error("Failed to delete project", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	logger.Info("Project deleted successfully", "project_uuid", projectUUID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("CreatePipeline handler called")

	projectUUID := r.PathValue("projectUUID")
	var req models.CreatePipelineRequest
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

	pipeline, err := h.services.Projects.CreatePipeline(ctx, projectUUID, req)
	if err != nil {
		if errors.Is(err, services.ErrProjectNotFound) {
			logger.Warn("Project not found", "project_uuid", projectUUID)
			writeErrorResponse(w, http.StatusNotFound, "Project not found", services.CodeProjectNotFound)
			return
		}
		if errors.Is(err, services.ErrPipelineAlreadyExists) {
			logger.Warn("Pipeline already exists",
				"project_uuid", projectUUID, "pipeline_uuid", req.UUID)
			writeErrorResponse(w, http.StatusConflict, "Pipeline already exists", services.CodePipelineExists)
			return
		}
		logger.Error("Failed to create pipeline", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	logger.Info("Pipeline created successfully",
		"project_uuid", projectUUID, "pipeline_uuid", pipeline.UUID)
	writeSuccessResponse(w, http.StatusCreated, pipeline)
}

func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("ListPipelines handler called")

	projectUUID := r.PathValue("projectUUID")
	pipelines, err := h.services.Projects.ListPipelines(ctx, projectUUID)
	if err != nil {
		if errors.Is(err, services.ErrProjectNotFound) {
			logger.Warn("Project not found", "project_uuid", projectUUID)
			writeErrorResponse(w, http.StatusNotFound, "Project not found", services.CodeProjectNotFound)
			return
		}
		logger.Error("Failed to list pipelines", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeListResponse(w, pipelines)
}

func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("GetPipeline handler called")

	projectUUID := r.PathValue("projectUUID")
	pipelineUUID := r.PathValue("pipelineUUID")
	pipeline, err := h.services.Projects.GetPipeline(ctx, projectUUID, pipelineUUID)
	if err != nil {
		if errors.Is(err, services.ErrPipelineNotFound) {
			logger.Warn("Pipeline not found",
				"project_uuid", projectUUID, "pipeline_uuid", pipelineUUID)
			writeErrorResponse(w, http.StatusNotFound, "Pipeline not found", services.CodePipelineNotFound)
			return
		}
		logger.Error("Failed to get pipeline", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeSuccessResponse(w, http.StatusOK, pipeline)
}

func (h *Handler) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("UpdatePipeline handler called")

	projectUUID := r.PathValue("projectUUID")
	pipelineUUID := r.PathValue("pipelineUUID")
	var req models.UpdatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("Invalid JSON body", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", services.CodeInvalidInput)
		return
	}

	pipeline, err := h.services.Projects.UpdatePipeline(ctx, projectUUID, pipelineUUID, req.EnvVariables)
	if err != nil {
		if errors.Is(err, services.ErrPipelineNotFound) {
			logger.Warn("Pipeline not found",
				"project_uuid", projectUUID, "pipeline_uuid", pipelineUUID)
			writeErrorResponse(w, http.StatusNotFound, "Pipeline not found", services.CodePipelineNotFound)
			return
		}
		logger.Error("Failed to update pipeline", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeSuccessResponse(w, http.StatusOK, pipeline)
}

func (h *Handler) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("DeletePipeline handler called")

	projectUUID := r.PathValue("projectUUID")
	pipelineUUID := r.PathValue("pipelineUUID")
	err := h.services.Projects.DeletePipeline(ctx, projectUUID, pipelineUUID)
	if err != nil {
		if errors.Is(err, services.ErrPipelineNotFound) {
			logger.Warn("Pipeline not found",
				"project_uuid", projectUUID, "pipeline_uuid", pipelineUUID)
			writeErrorResponse(w, http.StatusNotFound, "Pipeline not found", services.CodePipelineNotFound)
			return
		}
		logger.Error("Failed to delete pipeline", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	logger.Info("Pipeline deleted successfully",
		"project_uuid", projectUUID, "pipeline_uuid", pipelineUUID)
	w.WriteHeader(http.StatusNoContent)
}
