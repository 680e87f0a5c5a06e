// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package models defines the request and response shapes of the Orchest API.
package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/orchest/orchest/internal/store"
)

var validate = validator.New()

// timestampLayouts are the accepted wire formats for status-update
// timestamps: RFC 3339 and the naive ISO form Python's isoformat() emits,
// which is interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a status-update timestamp.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

// EnvironmentBuildRequest identifies one environment to build.
type EnvironmentBuildRequest struct {
	ProjectUUID     string `json:"project_uuid" validate:"required"`
	EnvironmentUUID string `json:"environment_uuid" validate:"required"`
	ProjectPath     string `json:"project_path" validate:"required"`
}

// CreateEnvironmentBuildsRequest is the batch body of POST /environment-builds.
type CreateEnvironmentBuildsRequest struct {
	EnvironmentBuildRequests []EnvironmentBuildRequest `json:"environment_build_requests" validate:"required,min=1,dive"`
}

// Validate checks the batch request.
func (r *CreateEnvironmentBuildsRequest) Validate() error {
	return validate.Struct(r)
}

// StatusUpdateRequest is the worker status-callback body. PENDING is not
// accepted: rows are created in it and callbacks only move forward.
type StatusUpdateRequest struct {
	Status       string `json:"status" validate:"required,oneof=STARTED SUCCESS FAILURE ABORTED"`
	StartedTime  string `json:"started_time,omitempty"`
	FinishedTime string `json:"finished_time,omitempty"`
}

// Validate checks the status value.
func (r *StatusUpdateRequest) Validate() error {
	return validate.Struct(r)
}

// ToStoreUpdate converts the wire payload into the store's update form,
// parsing whichever timestamp the transition carries.
func (r *StatusUpdateRequest) ToStoreUpdate() (store.StatusUpdate, error) {
	update := store.StatusUpdate{Status: store.Status(r.Status)}
	if r.StartedTime != "" {
		t, err := ParseTimestamp(r.StartedTime)
		if err != nil {
			return update, err
		}
		update.StartedTime = &t
	}
	if r.FinishedTime != "" {
		t, err := ParseTimestamp(r.FinishedTime)
		if err != nil {
			return update, err
		}
		update.FinishedTime = &t
	}
	return update, nil
}

// CreateRunRequest is the body of POST /runs: a pipeline definition plus
// the selection to execute and the directories the worker mounts.
type CreateRunRequest struct {
	ProjectUUID        string         `json:"project_uuid" validate:"required"`
	RunType            string         `json:"run_type,omitempty" validate:"omitempty,oneof=full selection incoming"`
	UUIDs              []string       `json:"uuids,omitempty"`
	PipelineDefinition map[string]any `json:"pipeline_definition" validate:"required"`
	RunConfig          map[string]any `json:"run_config" validate:"required"`
}

// Validate checks the run request, including that a partial run names the
// steps it selects.
func (r *CreateRunRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if (r.RunType == "selection" || r.RunType == "incoming") && len(r.UUIDs) == 0 {
		return fmt.Errorf("run_type %q requires uuids", r.RunType)
	}
	return nil
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	ProjectUUID  string `json:"project_uuid" validate:"required"`
	PipelineUUID string `json:"pipeline_uuid" validate:"required"`
	ProjectDir   string `json:"project_dir" validate:"required"`
	PipelinePath string `json:"pipeline_path" validate:"required"`
	HostUserDir  string `json:"host_userdir,omitempty"`
}

// Validate checks the session request.
func (r *CreateSessionRequest) Validate() error {
	return validate.Struct(r)
}

// CreateJobRequest is the body of POST /jobs. Jobs are created as drafts;
// PUT confirms them into the scheduler's scope.
type CreateJobRequest struct {
	UUID               string           `json:"uuid,omitempty"`
	ProjectUUID        string           `json:"project_uuid" validate:"required"`
	PipelineUUID       string           `json:"pipeline_uuid" validate:"required"`
	PipelineDefinition map[string]any   `json:"pipeline_definition" validate:"required"`
	PipelineRunSpec    map[string]any   `json:"pipeline_run_spec" validate:"required"`
	JobParameters      []map[string]any `json:"job_parameters,omitempty"`
	Schedule           *string          `json:"schedule,omitempty"`
}

// Validate checks the job request.
func (r *CreateJobRequest) Validate() error {
	return validate.Struct(r)
}

// UpdateJobRequest is the body of PUT /jobs/{uuid}.
type UpdateJobRequest struct {
	ConfirmDraft      bool             `json:"confirm_draft,omitempty"`
	Schedule          *string          `json:"schedule,omitempty"`
	NextScheduledTime *string          `json:"next_scheduled_time,omitempty"`
	JobParameters     []map[string]any `json:"job_parameters,omitempty"`
}

// CreateProjectRequest is the body of POST /projects. The uuid may be
// supplied by the caller that already minted it; otherwise one is assigned.
type CreateProjectRequest struct {
	UUID         string         `json:"uuid,omitempty"`
	Path         string         `json:"path" validate:"required"`
	EnvVariables map[string]any `json:"env_variables,omitempty"`
}

// Validate checks the project request.
func (r *CreateProjectRequest) Validate() error {
	return validate.Struct(r)
}

// CreatePipelineRequest is the body of POST /projects/{uuid}/pipelines.
type CreatePipelineRequest struct {
	UUID         string         `json:"uuid" validate:"required"`
	Path         string         `json:"path" validate:"required"`
	EnvVariables map[string]any `json:"env_variables,omitempty"`
}

// Validate checks the pipeline request.
func (r *CreatePipelineRequest) Validate() error {
	return validate.Struct(r)
}

// UpdateProjectRequest is the body of PUT /projects/{uuid}.
type UpdateProjectRequest struct {
	EnvVariables map[string]any `json:"env_variables"`
}

// UpdatePipelineRequest is the body of PUT /projects/{uuid}/pipelines/{uuid}.
type UpdatePipelineRequest struct {
	EnvVariables map[string]any `json:"env_variables"`
}

// PublishLogsRequest is the body of PUT /logs/{uuid}: a batch of build
// output lines from the worker. Close marks the stream complete, which
// ends attached websocket readers after the final batch.
type PublishLogsRequest struct {
	Lines []string `json:"lines"`
	Close bool     `json:"close,omitempty"`
}
