// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/orchest/orchest/internal/orchest-api/models"
)

// writeSuccessResponse writes a successful API response.
func writeSuccessResponse[T any](w http.ResponseWriter, statusCode int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(models.SuccessResponse(data))
}

// writeErrorResponse writes an error API response.
func writeErrorResponse(w http.ResponseWriter, statusCode int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse(message, code))
}

// writeListResponse writes a collection response.
func writeListResponse[T any](w http.ResponseWriter, items []T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(models.ListSuccessResponse(items))
}

// writeMessageResponse writes the message-only bodies the status and abort
// endpoints answer with.
func writeMessageResponse(w http.ResponseWriter, statusCode int, message string) {
	writeSuccessResponse(w, statusCode, models.MessageResponse{Message: message})
}
