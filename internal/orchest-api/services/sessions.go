// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/orchest/orchest/internal/docker"
	"github.com/orchest/orchest/internal/labels"
	"github.com/orchest/orchest/internal/orchest-api/models"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/twophase"
)

const (
	// sessionGatewayImage runs the kernel gateway the notebook server
	// launches kernels through.
	sessionGatewayImage = "orchest/jupyter-enterprise-gateway:latest"

	// defaultJupyterServerImage serves notebooks when the user never built
	// a configured Jupyter image.
	defaultJupyterServerImage = "orchest/jupyter-server:latest"

	jupyterPort = 8888

	// sessionStopTimeoutSeconds gives the notebook server time to persist
	// kernels before the daemon kills it.
	sessionStopTimeoutSeconds = 5
)

// SessionService manages interactive sessions: the notebook server and
// kernel gateway pair backing a pipeline that is open for editing. Session
// state moves strictly forward, LAUNCHING to RUNNING to STOPPING, and the
// row disappears once the containers are gone.
type SessionService struct {
	store      *store.Store
	executor   *twophase.Executor
	runs       *RunService
	containers ContainerClient
	images     ImageClient
	logger     *slog.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(st *store.Store, executor *twophase.Executor, runs *RunService, containers ContainerClient, images ImageClient, logger *slog.Logger) *SessionService {
	return &SessionService{
		store:      st,
		executor:   executor,
		runs:       runs,
		containers: containers,
		images:     images,
		logger:     logger,
	}
}

// Launch starts a session for the pipeline. The LAUNCHING row commits
// first; the containers come up as a collateral that promotes the row to
// RUNNING with the notebook connection details filled in. When the launch
// fails the containers are torn down and the row is removed, so a retry
// starts clean.
func (s *SessionService) Launch(ctx context.Context, req models.CreateSessionRequest) (*store.InteractiveSession, error) {
	s.logger.Debug("Launching session",
		"project_uuid", req.ProjectUUID, "pipeline_uuid", req.PipelineUUID)

	session := store.InteractiveSession{
		ProjectUUID:  req.ProjectUUID,
		PipelineUUID: req.PipelineUUID,
		Status:       store.SessionLaunching,
		ContainerIDs: store.JSONMap{},
	}
	err := s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		if err := tx.Create(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrSessionAlreadyExists
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		batch.Add(twophase.Operation{
			Name: "launch-session-containers",
			Collateral: func(ctx context.Context) error {
				return s.launchContainers(ctx, req)
			},
			Revert: func(ctx context.Context) error {
				return s.deleteRow(ctx, req.ProjectUUID, req.PipelineUUID)
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, req.ProjectUUID, req.PipelineUUID)
}

// launchContainers brings up the kernel gateway and the notebook server and
// promotes the session row to RUNNING. Containers started before a failure
// are removed again.
func (s *SessionService) launchContainers(ctx context.Context, req models.CreateSessionRequest) error {
	var started []string
	fail := func(err error) error {
		for _, id := range started {
			if removeErr := s.containers.RemoveContainer(context.WithoutCancel(ctx), id, true); removeErr != nil {
				s.logger.Warn("Failed to remove session container",
					"container_id", id, "error", removeErr)
			}
		}
		return err
	}

	egName := labels.JupyterEGName(req.ProjectUUID, req.PipelineUUID)
	egID, err := s.containers.RunContainer(ctx, docker.RunSpec{
		Name:   egName,
		Image:  sessionGatewayImage,
		Labels: labels.SessionLabels(req.ProjectUUID, req.PipelineUUID),
		Env: []string{
			"EG_MIRROR_WORKING_DIRS=True",
			"EG_LIST_KERNELS=True",
			fmt.Sprintf("ORCHEST_PIPELINE_UUID=%s", req.PipelineUUID),
		},
		Binds: []string{fmt.Sprintf("%s:/orchest/project", req.ProjectDir)},
	})
	if err != nil {
		return fail(fmt.Errorf("failed to start kernel gateway: %w", err))
	}
	started = append(started, egID)

	serverImage, err := s.images.ResolveImageID(ctx, labels.JupyterImage)
	if errors.Is(err, docker.ErrNotFound) {
		serverImage = defaultJupyterServerImage
	} else if err != nil {
		return fail(fmt.Errorf("failed to resolve Jupyter image: %w", err))
	}

	baseURL := fmt.Sprintf("/jupyter_%s", labels.TruncateUUID(req.PipelineUUID))
	serverName := labels.JupyterServerName(req.ProjectUUID, req.PipelineUUID)
	serverID, err := s.containers.RunContainer(ctx, docker.RunSpec{
		Name:   serverName,
		Image:  serverImage,
		Labels: labels.SessionLabels(req.ProjectUUID, req.PipelineUUID),
		Cmd: []string{
			"--allow-root",
			fmt.Sprintf("--port=%d", jupyterPort),
			"--no-browser",
			fmt.Sprintf("--gateway-url=http://%s:%d", egName, jupyterPort),
			fmt.Sprintf("--notebook-dir=%s", "/orchest/project"),
			fmt.Sprintf("--ServerApp.base_url=%s", baseURL),
		},
		Binds: sessionServerBinds(req),
	})
	if err != nil {
		return fail(fmt.Errorf("failed to start notebook server: %w", err))
	}
	started = append(started, serverID)

	inspect, err := s.containers.InspectContainer(ctx, serverID)
	if err != nil {
		return fail(fmt.Errorf("failed to inspect notebook server: %w", err))
	}

	err = s.store.WithContext(ctx).
		Model(&store.InteractiveSession{}).
		Where("project_uuid = ? AND pipeline_uuid = ?", req.ProjectUUID, req.PipelineUUID).
		Updates(map[string]any{
			"status": store.SessionRunning,
			"container_ids": store.JSONMap{
				"jupyter-server": serverID,
				"jupyter-eg":     egID,
			},
			"jupyter_server_ip": docker.ContainerIP(inspect),
			"notebook_server_info": store.JSONMap{
				"port":     jupyterPort,
				"base_url": baseURL,
			},
		}).Error
	if err != nil {
		return fail(fmt.Errorf("failed to mark session running: %w", err))
	}
	return nil
}

func sessionServerBinds(req models.CreateSessionRequest) []string {
	binds := []string{fmt.Sprintf("%s:/orchest/project", req.ProjectDir)}
	if req.HostUserDir != "" {
		binds = append(binds, fmt.Sprintf("%s/data:/data", req.HostUserDir))
	}
	return binds
}

// Stop tears the session down. The transaction moves the row to STOPPING
// and aborts and deletes the pipeline's interactive runs; the collateral
// stops the containers and removes the row.
func (s *SessionService) Stop(ctx context.Context, projectUUID, pipelineUUID string) error {
	s.logger.Debug("Stopping session",
		"project_uuid", projectUUID, "pipeline_uuid", pipelineUUID)

	return s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		var session store.InteractiveSession
		err := store.ForUpdate(tx).
			First(&session, "project_uuid = ? AND pipeline_uuid = ?", projectUUID, pipelineUUID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}

		err = tx.Model(&store.InteractiveSession{}).
			Where("project_uuid = ? AND pipeline_uuid = ?", projectUUID, pipelineUUID).
			Update("status", store.SessionStopping).Error
		if err != nil {
			return fmt.Errorf("failed to mark session stopping: %w", err)
		}

		if err := s.runs.AbortAndDeleteForPipeline(tx, batch, projectUUID, pipelineUUID); err != nil {
			return err
		}

		containerIDs := make([]string, 0, len(session.ContainerIDs))
		for _, id := range session.ContainerIDs {
			if str, ok := id.(string); ok {
				containerIDs = append(containerIDs, str)
			}
		}
		batch.Add(twophase.Operation{
			Name: "stop-session-containers",
			Collateral: func(ctx context.Context) error {
				var errs []error
				for _, id := range containerIDs {
					if err := s.containers.StopContainer(ctx, id, sessionStopTimeoutSeconds); err != nil {
						errs = append(errs, fmt.Errorf("failed to stop container %s: %w", id, err))
						continue
					}
					if err := s.containers.RemoveContainer(ctx, id, true); err != nil {
						errs = append(errs, fmt.Errorf("failed to remove container %s: %w", id, err))
					}
				}
				if err := errors.Join(errs...); err != nil {
					return err
				}
				return s.deleteRow(ctx, projectUUID, pipelineUUID)
			},
		})
		return nil
	})
}

func (s *SessionService) deleteRow(ctx context.Context, projectUUID, pipelineUUID string) error {
	return s.store.WithContext(ctx).
		Where("project_uuid = ? AND pipeline_uuid = ?", projectUUID, pipelineUUID).
		Delete(&store.InteractiveSession{}).Error
}

// List returns sessions, optionally narrowed to one project.
func (s *SessionService) List(ctx context.Context, projectUUID string) ([]store.InteractiveSession, error) {
	query := s.store.WithContext(ctx).Model(&store.InteractiveSession{})
	if projectUUID != "" {
		query = query.Where("project_uuid = ?", projectUUID)
	}
	var sessions []store.InteractiveSession
	err := query.Order("project_uuid").Order("pipeline_uuid").Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Get returns the session of one pipeline.
func (s *SessionService) Get(ctx context.Context, projectUUID, pipelineUUID string) (*store.InteractiveSession, error) {
	var session store.InteractiveSession
	err := s.store.WithContext(ctx).
		First(&session, "project_uuid = ? AND pipeline_uuid = ?", projectUUID, pipelineUUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}
