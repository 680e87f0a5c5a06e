// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/orchest/orchest/internal/logging"
	"github.com/orchest/orchest/internal/orchest-api/models"
	"github.com/orchest/orchest/internal/orchest-api/services"
)

// DeleteEnvironmentImages removes an environment's images along with the
// runs, jobs and builds depending on them.
func (h *Handler) DeleteEnvironmentImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("DeleteEnvironmentImages handler called")

	projectUUID := r.PathValue("projectUUID")
	environmentUUID := r.PathValue("environmentUUID")
	err := h.services.EnvironmentImages.Delete(ctx, projectUUID, environmentUUID)
	if err != nil {
		logger.Error("Failed to delete environment images",
			"error", err, "project_uuid", projectUUID, "environment_uuid", environmentUUID)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	logger.Info("Environment images deleted",
		"project_uuid", projectUUID, "environment_uuid", environmentUUID)
	writeMessageResponse(w, http.StatusOK, "Environment image deletion was successful.")
}

func (h *Handler) EnvironmentImageInUse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("EnvironmentImageInUse handler called")

	projectUUID := r.PathValue("projectUUID")
	environmentUUID := r.PathValue("environmentUUID")
	inUse, err := h.services.EnvironmentImages.InUse(ctx, projectUUID, environmentUUID)
	if err != nil {
		logger.Error("Failed to check environment image usage",
			"error", err, "project_uuid", projectUUID, "environment_uuid", environmentUUID)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeSuccessResponse(w, http.StatusOK, models.InUseResponse{InUse: inUse})
}

// RemoveDanglingImages sweeps untagged leftovers of the environment's
// builds from the container runtime.
func (h *Handler) RemoveDanglingImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Info("RemoveDanglingImages handler called")

	projectUUID := r.PathValue("projectUUID")
	environmentUUID := r.PathValue("environmentUUID")
	err := h.services.EnvironmentImages.RemoveDanglingForEnvironment(ctx, projectUUID, environmentUUID)
	if err != nil {
		logger.Error("Failed to remove dangling images",
			"error", err, "project_uuid", projectUUID, "environment_uuid", environmentUUID)
		writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", services.CodeInternalError)
		return
	}

	writeMessageResponse(w, http.StatusOK, "Dangling image removal was successful.")
}
