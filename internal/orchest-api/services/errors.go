// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package services

import "errors"

// Common service errors
var (
	ErrProjectNotFound       = errors.New("project not found")
	ErrProjectAlreadyExists  = errors.New("project already exists")
	ErrPipelineNotFound      = errors.New("pipeline not found")
	ErrPipelineAlreadyExists = errors.New("pipeline already exists")
	ErrBuildNotFound         = errors.New("environment build not found")
	ErrJupyterBuildNotFound  = errors.New("jupyter build not found")
	ErrRunNotFound           = errors.New("pipeline run not found")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionAlreadyExists  = errors.New("session already exists")
	ErrSessionInProgress     = errors.New("SessionInProgressException")
	ErrJobNotFound           = errors.New("job not found")
	ErrJobNotDraft           = errors.New("job is not a draft")
	ErrInvalidSchedule       = errors.New("invalid cron schedule")
	ErrInvalidPipeline       = errors.New("invalid pipeline definition")
)

// Error codes for API responses
const (
	CodeProjectNotFound      = "PROJECT_NOT_FOUND"
	CodeProjectExists        = "PROJECT_EXISTS"
	CodePipelineNotFound     = "PIPELINE_NOT_FOUND"
	CodePipelineExists       = "PIPELINE_EXISTS"
	CodeBuildNotFound        = "BUILD_NOT_FOUND"
	CodeJupyterBuildNotFound = "JUPYTER_BUILD_NOT_FOUND"
	CodeRunNotFound          = "RUN_NOT_FOUND"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeSessionExists        = "SESSION_EXISTS"
	CodeSessionInProgress    = "SESSION_IN_PROGRESS"
	CodeJobNotFound          = "JOB_NOT_FOUND"
	CodeJobNotDraft          = "JOB_NOT_DRAFT"
	CodeImageNotFound        = "IMAGE_NOT_FOUND"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeInternalError        = "INTERNAL_ERROR"
)
