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

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("ListJobs handler called")

	filter := services.JobFilter{ProjectUUID: r.URL.Query().Get("project_uuid")}
	jobs, err := h.services.Jobs.List(ctx, filter)
	if err != nil {
		logger.Error("Failed to list jobs", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeListResponse(w, jobs)
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("CreateJob handler called")

	var req models.CreateJobRequest
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

	job, err := h.services.Jobs.Create(ctx, req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidSchedule) {
			logger.Warn("Invalid job schedule", "error", err)
			writeErrorResponse(w, http.StatusBadRequest, err.Error(), services.CodeInvalidInput)
			return
		}
		logger.Error("Failed to create job", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	logger.Info("Job created", "job_uuid", job.UUID)
	writeSuccessResponse(w, http.StatusCreated, job)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("GetJob handler called")

	jobUUID := r.PathValue("jobUUID")
	job, runs, err := h.services.Jobs.Get(ctx, jobUUID)
	if err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			logger.Warn("Job not found", "job_uuid", jobUUID)
			writeErrorResponse(w, http.StatusNotFound, "Job not found", services.CodeJobNotFound)
			return
		}
		logger.Error("Failed to get job", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeSuccessResponse(w, http.StatusOK, models.JobResponse{Job: *job, PipelineRuns: runs})
}

// UpdateJob edits a draft job and optionally confirms it for scheduling.
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("UpdateJob handler called")

	jobUUID := r.PathValue("jobUUID")
	var req models.UpdateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("Invalid JSON body", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", services.CodeInvalidInput)
		return
	}

	job, err := h.services.Jobs.Update(ctx, jobUUID, req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrJobNotFound):
			logger.Warn("Job not found", "job_uuid", jobUUID)
			writeErrorResponse(w, http.StatusNotFound, "Job not found", services.CodeJobNotFound)
		case errors.Is(err, services.ErrJobNotDraft):
			logger.Warn("Job is not a draft", "job_uuid", jobUUID)
			writeErrorResponse(w, http.StatusBadRequest, "Job is not a draft", services.CodeJobNotDraft)
		case errors.Is(err, services.ErrInvalidSchedule):
			logger.Warn("Invalid job schedule", "error", err)
			writeErrorResponse(w, http.StatusBadRequest, err.Error(), services.CodeInvalidInput)
		default:
			logger.Error("Failed to update job", "error", err, "job_uuid", jobUUID)
			writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		}
		return
	}

	logger.Info("Job updated", "job_uuid", job.UUID)
	writeSuccessResponse(w, http.StatusOK, job)
}

func (h *Handler) AbortJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("AbortJob handler called")

	jobUUID := r.PathValue("jobUUID")
	aborted, err := h.services.Jobs.Abort(ctx, jobUUID)
	if err != nil {
		logger.Error("Failed to abort job", "error", err, "job_uuid", jobUUID)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}
	if !aborted {
		writeMessageResponse(w, http.StatusBadRequest, "Job does not exist or is not running.")
		return
	}

	logger.Info("Job aborted", "job_uuid", jobUUID)
	writeMessageResponse(w, http.StatusOK, "Job termination was successful.")
}

// DeleteJob aborts the job if needed and removes it with all its runs.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("DeleteJob handler called")

	jobUUID := r.PathValue("jobUUID")
	err := h.services.Jobs.Delete(ctx, jobUUID)
	if err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			logger.Warn("Job not found", "job_uuid", jobUUID)
			writeErrorResponse(w, http.StatusNotFound, "Job not found", services.CodeJobNotFound)
			return
		}
		logger.Error("Failed to delete job", "error", err, "job_uuid", jobUUID)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	logger.Info("Job deleted", "job_uuid", jobUUID)
	writeMessageResponse(w, http.StatusOK, "Job deletion was successful.")
}
