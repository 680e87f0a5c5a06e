// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package docker

import (
	"context"
	"errors"
	"io"

	"github.com/docker/docker/api/types/container"
)

// RunSpec describes a container to create and start.
type RunSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	Labels      map[string]string
	Binds       []string
	NetworkMode string
	AutoRemove  bool
}

// RunContainer creates and starts a container, returning its ID. A container
// that was created but failed to start is removed again so no half-started
// leftovers accumulate.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	createCtx, cancel := c.opCtx(ctx)
	defer cancel()
	created, err := c.api.ContainerCreate(createCtx,
		&container.Config{
			Image:  spec.Image,
			Cmd:    spec.Cmd,
			Env:    spec.Env,
			Labels: spec.Labels,
		},
		&container.HostConfig{
			Binds:       spec.Binds,
			NetworkMode: container.NetworkMode(spec.NetworkMode),
			AutoRemove:  spec.AutoRemove,
		},
		nil, nil, spec.Name)
	if err != nil {
		return "", wrapNotFound(err)
	}
	startCtx, cancelStart := c.opCtx(ctx)
	defer cancelStart()
	if err := c.api.ContainerStart(startCtx, created.ID, container.StartOptions{}); err != nil {
		if removeErr := c.RemoveContainer(context.WithoutCancel(ctx), created.ID, true); removeErr != nil {
			c.logger.Warn("removing container that failed to start", "container_id", created.ID, "error", removeErr)
		}
		return "", err
	}
	return created.ID, nil
}

// StopContainer asks the container to stop, giving it timeoutSeconds before
// the daemon kills it. Stopping an already stopped or missing container is
// not an error.
func (c *Client) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	err := c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds})
	if errors.Is(wrapNotFound(err), ErrNotFound) {
		return nil
	}
	return err
}

// RemoveContainer deletes a container together with its anonymous volumes.
// A missing container counts as removed.
func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if errors.Is(wrapNotFound(err), ErrNotFound) {
		return nil
	}
	return err
}

// InspectContainer returns the daemon's full view of a container.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	inspect, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		return container.InspectResponse{}, wrapNotFound(err)
	}
	return inspect, nil
}

// ListContainers returns containers whose labels match every entry of
// labelFilters. With all set, stopped containers are included.
func (c *Client) ListContainers(ctx context.Context, labelFilters map[string]string, all bool) ([]container.Summary, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.api.ContainerList(ctx, container.ListOptions{
		All:     all,
		Filters: labelArgs(labelFilters),
	})
}

// WaitContainer blocks until the container is no longer running and returns
// its exit code. The caller's context bounds the wait.
func (c *Client) WaitContainer(ctx context.Context, id string) (int64, error) {
	waitCh, errCh := c.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case result := <-waitCh:
		if result.Error != nil {
			return result.StatusCode, errors.New(result.Error.Message)
		}
		return result.StatusCode, nil
	case err := <-errCh:
		return -1, wrapNotFound(err)
	}
}

// ContainerLogs opens the container's combined stdout and stderr stream.
// With follow set the stream stays open until the container stops or the
// context is cancelled, so only the caller's context bounds the call.
func (c *Client) ContainerLogs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	logs, err := c.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return logs, nil
}

// ContainerIP returns the container's address on the default bridge network,
// used to reach in-container servers such as Jupyter.
func ContainerIP(inspect container.InspectResponse) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	return inspect.NetworkSettings.IPAddress
}
