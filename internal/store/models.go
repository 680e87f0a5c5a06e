// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the relational state store of the Orchest control plane.
// Every coordination point between API handlers, workers and the scheduler
// is a row in here; there is no other shared mutable state.
package store

import (
	"time"
)

// Project is the root of ownership. Environments, pipelines, sessions, runs
// and jobs all hang off a project uuid.
type Project struct {
	UUID         string    `gorm:"column:uuid;primaryKey;size:36" json:"uuid"`
	Path         string    `gorm:"column:path" json:"path"`
	EnvVariables JSONMap   `gorm:"column:env_variables;type:json" json:"env_variables"`
	CreatedTime  time.Time `gorm:"column:created_time;autoCreateTime" json:"created_time"`
}

func (Project) TableName() string { return "projects" }

// Pipeline belongs to a project. Unique by (uuid, path, project_uuid): the
// same pipeline file can exist under different projects.
type Pipeline struct {
	ProjectUUID  string  `gorm:"column:project_uuid;primaryKey;size:36;uniqueIndex:uix_pipelines" json:"project_uuid"`
	UUID         string  `gorm:"column:uuid;primaryKey;size:36;uniqueIndex:uix_pipelines" json:"uuid"`
	Path         string  `gorm:"column:path;uniqueIndex:uix_pipelines" json:"path"`
	EnvVariables JSONMap `gorm:"column:env_variables;type:json" json:"env_variables"`
}

func (Pipeline) TableName() string { return "pipelines" }

// EnvironmentBuild is one asynchronous materialization of an environment
// into a docker image. At most one build per
// (project_uuid, environment_uuid, project_path) is PENDING or STARTED;
// creating a new one aborts the previous.
type EnvironmentBuild struct {
	UUID            string     `gorm:"column:uuid;primaryKey;size:36" json:"uuid"`
	ProjectUUID     string     `gorm:"column:project_uuid;size:36;index:idx_env_builds_owner" json:"project_uuid"`
	EnvironmentUUID string     `gorm:"column:environment_uuid;size:36;index:idx_env_builds_owner" json:"environment_uuid"`
	ProjectPath     string     `gorm:"column:project_path;index:idx_env_builds_owner" json:"project_path"`
	RequestedTime   time.Time  `gorm:"column:requested_time" json:"requested_time"`
	StartedTime     *time.Time `gorm:"column:started_time" json:"started_time"`
	FinishedTime    *time.Time `gorm:"column:finished_time" json:"finished_time"`
	Status          Status     `gorm:"column:status;size:15" json:"status"`
}

func (EnvironmentBuild) TableName() string { return "environment_builds" }

// JupyterBuild is a build of the custom Jupyter server image. There is a
// single logical slot: no project dimension.
type JupyterBuild struct {
	UUID          string     `gorm:"column:uuid;primaryKey;size:36" json:"uuid"`
	RequestedTime time.Time  `gorm:"column:requested_time" json:"requested_time"`
	StartedTime   *time.Time `gorm:"column:started_time" json:"started_time"`
	FinishedTime  *time.Time `gorm:"column:finished_time" json:"finished_time"`
	Status        Status     `gorm:"column:status;size:15" json:"status"`
}

func (JupyterBuild) TableName() string { return "jupyter_builds" }

// InteractiveSession is the long-lived Jupyter server plus kernel gateway
// for authoring a pipeline. Key is (project_uuid, pipeline_uuid): at most
// one session record per pipeline.
type InteractiveSession struct {
	ProjectUUID        string        `gorm:"column:project_uuid;primaryKey;size:36" json:"project_uuid"`
	PipelineUUID       string        `gorm:"column:pipeline_uuid;primaryKey;size:36" json:"pipeline_uuid"`
	Status             SessionStatus `gorm:"column:status;size:15" json:"status"`
	ContainerIDs       JSONMap       `gorm:"column:container_ids;type:json" json:"container_ids"`
	JupyterServerIP    string        `gorm:"column:jupyter_server_ip;size:15" json:"jupyter_server_ip"`
	NotebookServerInfo JSONMap       `gorm:"column:notebook_server_info;type:json" json:"notebook_server_info"`
}

func (InteractiveSession) TableName() string { return "interactive_sessions" }

// RunKind distinguishes runs started from an open session from runs
// produced by jobs.
type RunKind string

const (
	RunKindInteractive    RunKind = "interactive"
	RunKindNonInteractive RunKind = "non_interactive"
)

// PipelineRun is one execution of a pipeline. While it is PENDING or
// STARTED it holds one PipelineRunImageMapping row per environment its
// pipeline references.
type PipelineRun struct {
	UUID               string            `gorm:"column:uuid;primaryKey;size:36" json:"uuid"`
	ProjectUUID        string            `gorm:"column:project_uuid;size:36;index" json:"project_uuid"`
	PipelineUUID       string            `gorm:"column:pipeline_uuid;size:36;index" json:"pipeline_uuid"`
	Status             Status            `gorm:"column:status;size:15" json:"status"`
	StartedTime        *time.Time        `gorm:"column:started_time" json:"started_time"`
	FinishedTime       *time.Time        `gorm:"column:finished_time" json:"finished_time"`
	Kind               RunKind           `gorm:"column:kind;size:20" json:"kind"`
	JobUUID            *string           `gorm:"column:job_uuid;size:36;index" json:"job_uuid,omitempty"`
	JobScheduleNumber  int               `gorm:"column:job_schedule_number;default:0" json:"job_schedule_number"`
	PipelineParameters JSONMap           `gorm:"column:pipeline_parameters;type:json" json:"pipeline_parameters"`
	Steps              []PipelineRunStep `gorm:"foreignKey:RunUUID;references:UUID" json:"pipeline_steps,omitempty"`
}

func (PipelineRun) TableName() string { return "pipeline_runs" }

// PipelineRunStep tracks the status of one step within a run.
type PipelineRunStep struct {
	RunUUID      string     `gorm:"column:run_uuid;primaryKey;size:36" json:"run_uuid"`
	StepUUID     string     `gorm:"column:step_uuid;primaryKey;size:36" json:"step_uuid"`
	Status       Status     `gorm:"column:status;size:15" json:"status"`
	StartedTime  *time.Time `gorm:"column:started_time" json:"started_time"`
	FinishedTime *time.Time `gorm:"column:finished_time" json:"finished_time"`
}

func (PipelineRunStep) TableName() string { return "pipeline_run_steps" }

// Job is a recipe that produces pipeline runs, either once or on a cron
// schedule. Jobs start as DRAFT and only enter the scheduler's scope once
// confirmed to PENDING.
type Job struct {
	UUID                     string     `gorm:"column:uuid;primaryKey;size:36" json:"uuid"`
	ProjectUUID              string     `gorm:"column:project_uuid;size:36;index" json:"project_uuid"`
	PipelineUUID             string     `gorm:"column:pipeline_uuid;size:36;index" json:"pipeline_uuid"`
	PipelineDefinition       JSONMap    `gorm:"column:pipeline_definition;type:json" json:"pipeline_definition"`
	PipelineRunSpec          JSONMap    `gorm:"column:pipeline_run_spec;type:json" json:"pipeline_run_spec"`
	JobParameters            JSONSlice  `gorm:"column:job_parameters;type:json" json:"job_parameters"`
	Schedule                 *string    `gorm:"column:schedule;size:100" json:"schedule"`
	NextScheduledTime        *time.Time `gorm:"column:next_scheduled_time;index" json:"next_scheduled_time"`
	TotalScheduledExecutions int        `gorm:"column:total_scheduled_executions;default:0" json:"total_scheduled_executions"`
	Status                   Status     `gorm:"column:status;size:15" json:"status"`
	CreatedTime              time.Time  `gorm:"column:created_time;autoCreateTime" json:"created_time"`
}

func (Job) TableName() string { return "jobs" }

// PipelineRunImageMapping pins a run to the exact image id it will use for
// an environment. These are the lock rows the image garbage collector
// consults before removing anything.
type PipelineRunImageMapping struct {
	RunUUID                string `gorm:"column:run_uuid;primaryKey;size:36" json:"run_uuid"`
	OrchestEnvironmentUUID string `gorm:"column:orchest_environment_uuid;primaryKey;size:36" json:"orchest_environment_uuid"`
	DockerImgID            string `gorm:"column:docker_img_id;not null;index" json:"docker_img_id"`
}

func (PipelineRunImageMapping) TableName() string { return "pipeline_run_image_mappings" }

// SchedulerJob is the singleton row per recurring job type. Its row lock
// plus last-run timestamp form the critical section that gives each
// interval exactly one execution across replicas.
type SchedulerJob struct {
	Type      string    `gorm:"column:type;primaryKey;size:50" json:"type"`
	Timestamp time.Time `gorm:"column:timestamp" json:"timestamp"`
}

func (SchedulerJob) TableName() string { return "scheduler_jobs" }

// Task is a durable unit of asynchronous work. The uuid is minted by the
// enqueuing transaction so the worker's status callbacks can reference the
// row that triggered it. Revoked prevents a queued task from starting;
// Aborted asks a running task to exit at its next check-point.
type Task struct {
	UUID         string     `gorm:"column:uuid;primaryKey;size:36" json:"uuid"`
	Name         string     `gorm:"column:name;size:50;index" json:"name"`
	Payload      JSONMap    `gorm:"column:payload;type:json" json:"payload"`
	Status       Status     `gorm:"column:status;size:15;index" json:"status"`
	Revoked      bool       `gorm:"column:revoked" json:"revoked"`
	Aborted      bool       `gorm:"column:aborted" json:"aborted"`
	EnqueuedTime time.Time  `gorm:"column:enqueued_time" json:"enqueued_time"`
	StartedTime  *time.Time `gorm:"column:started_time" json:"started_time"`
	FinishedTime *time.Time `gorm:"column:finished_time" json:"finished_time"`
}

func (Task) TableName() string { return "tasks" }
