// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/orchest/orchest/internal/store"
)

// APIResponse is the standard response wrapper.
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ListResponse is the payload shape of collection endpoints.
type ListResponse[T any] struct {
	Items      []T `json:"items"`
	TotalCount int `json:"total_count"`
}

// SuccessResponse wraps data in a successful envelope.
func SuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{
		Success: true,
		Data:    data,
	}
}

// ErrorResponse builds an error envelope.
func ErrorResponse(message, code string) APIResponse[any] {
	return APIResponse[any]{
		Success: false,
		Error:   message,
		Code:    code,
	}
}

// ListSuccessResponse wraps a collection in a successful envelope. A nil
// slice marshals as an empty list, not null.
func ListSuccessResponse[T any](items []T) APIResponse[ListResponse[T]] {
	if items == nil {
		items = []T{}
	}
	return SuccessResponse(ListResponse[T]{
		Items:      items,
		TotalCount: len(items),
	})
}

// MessageResponse carries the human-readable outcome messages some
// endpoints return for compatibility with existing clients.
type MessageResponse struct {
	Message string `json:"message"`
}

// InUseResponse is the body of GET /environment-images/in-use.
type InUseResponse struct {
	InUse bool `json:"in_use"`
}

// CreateEnvironmentBuildsResponse reports which build requests were
// accepted and which failed.
type CreateEnvironmentBuildsResponse struct {
	EnvironmentBuilds []store.EnvironmentBuild  `json:"environment_builds"`
	FailedRequests    []EnvironmentBuildRequest `json:"failed_requests,omitempty"`
}

// JobResponse is a job together with the runs it has produced so far.
type JobResponse struct {
	store.Job
	PipelineRuns []store.PipelineRun `json:"pipeline_runs"`
}

// LogTailResponse is the non-websocket view of a build log.
type LogTailResponse struct {
	UUID  string   `json:"uuid"`
	Lines []string `json:"lines"`
}
