// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package services implements the lifecycle controllers of the Orchest
// control plane. Each service owns one resource kind, enforces its state
// machine, and composes two-phase batches so database rows and container
// runtime state stay mutually consistent.
package services

import (
	"context"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"

	"github.com/orchest/orchest/internal/docker"
	"github.com/orchest/orchest/internal/imagelock"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/taskbus"
	"github.com/orchest/orchest/internal/twophase"
)

// ImageClient is the slice of the container runtime adapter the services
// use for image operations.
type ImageClient interface {
	ResolveImageID(ctx context.Context, ref string) (string, error)
	ListImages(ctx context.Context, labelFilters map[string]string) ([]image.Summary, error)
	RemoveImage(ctx context.Context, ref string, force bool) error
}

// ContainerClient is the slice of the container runtime adapter the
// services use for session containers and run cleanup.
type ContainerClient interface {
	RunContainer(ctx context.Context, spec docker.RunSpec) (string, error)
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	ListContainers(ctx context.Context, labelFilters map[string]string, all bool) ([]container.Summary, error)
}

// Services bundles all lifecycle controllers.
type Services struct {
	Projects          *ProjectService
	EnvironmentBuilds *EnvironmentBuildService
	JupyterBuilds     *JupyterBuildService
	Sessions          *SessionService
	Runs              *RunService
	Jobs              *JobService
	EnvironmentImages *EnvironmentImageService
}

// Dependencies holds the shared infrastructure the services are built on.
type Dependencies struct {
	Store      *store.Store
	Bus        *taskbus.Bus
	Images     ImageClient
	Containers ContainerClient
	Logger     *slog.Logger
}

// New wires all services.
func New(deps Dependencies) *Services {
	executor := twophase.NewExecutor(deps.Store, deps.Logger)
	locker := imagelock.New(deps.Store, deps.Images, deps.Logger)

	runs := NewRunService(deps.Store, executor, deps.Bus, locker, deps.Containers,
		deps.Logger.With("service", "runs"))
	builds := NewEnvironmentBuildService(deps.Store, executor, deps.Bus, deps.Images,
		deps.Logger.With("service", "environment-builds"))
	jupyter := NewJupyterBuildService(deps.Store, executor, deps.Bus, deps.Images,
		deps.Logger.With("service", "jupyter-builds"))
	sessions := NewSessionService(deps.Store, executor, runs, deps.Containers, deps.Images,
		deps.Logger.With("service", "sessions"))
	jobs := NewJobService(deps.Store, executor, runs,
		deps.Logger.With("service", "jobs"))
	images := NewEnvironmentImageService(deps.Store, executor, deps.Images, runs, jobs, builds,
		deps.Logger.With("service", "environment-images"))
	projects := NewProjectService(deps.Store, executor, builds, runs, jobs, sessions, deps.Images,
		deps.Logger.With("service", "projects"))

	return &Services{
		Projects:          projects,
		EnvironmentBuilds: builds,
		JupyterBuilds:     jupyter,
		Sessions:          sessions,
		Runs:              runs,
		Jobs:              jobs,
		EnvironmentImages: images,
	}
}
