// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package docker wraps the Docker Engine API client with the operations the
// build workers, session manager and image garbage collector need. All
// higher-level packages talk to the daemon through this package so that
// timeouts, retries and not-found handling stay in one place.
package docker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"
)

// ErrNotFound is returned when the daemon does not know the requested image
// or container. Callers match it with errors.Is.
var ErrNotFound = errors.New("not found by docker daemon")

const defaultCallTimeout = 10 * time.Second

// Config holds the connection settings for the Docker daemon.
type Config struct {
	// Host overrides the daemon address. Empty means the standard
	// environment variables (DOCKER_HOST etc.) decide.
	Host string
	// CallTimeout bounds short-lived calls such as inspect, tag and
	// remove. Long-running calls (build, wait, log follow) only honor the
	// caller's context.
	CallTimeout time.Duration
}

// Client is a thin wrapper around the Docker SDK client.
type Client struct {
	api         client.APIClient
	callTimeout time.Duration
	logger      *slog.Logger
}

// New connects to the Docker daemon. API version negotiation is enabled so
// the wrapper works against any reasonably recent daemon.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		api:         api,
		callTimeout: timeout,
		logger:      logger.With("component", "docker"),
	}, nil
}

// Close releases the underlying HTTP transport.
func (c *Client) Close() error {
	return c.api.Close()
}

// Ping checks connectivity with the daemon.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	_, err := c.api.Ping(ctx)
	return err
}

// opCtx derives the bounded context used for short daemon calls.
func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

// wrapNotFound translates daemon not-found responses into ErrNotFound while
// leaving other errors untouched.
func wrapNotFound(err error) error {
	if err == nil {
		return nil
	}
	if cerrdefs.IsNotFound(err) {
		return errors.Join(ErrNotFound, err)
	}
	return err
}

// retryable reports whether an operation against the daemon is worth
// repeating. Not-found and conflict responses are definitive answers, not
// transport hiccups.
func retryable(err error) bool {
	return !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err)
}
