// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package docker

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
)

// ResolveImageID returns the content-addressable ID the reference currently
// points to, or ErrNotFound when the daemon has no such image.
func (c *Client) ResolveImageID(ctx context.Context, ref string) (string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	inspect, err := c.api.ImageInspect(ctx, ref)
	if err != nil {
		return "", wrapNotFound(err)
	}
	return inspect.ID, nil
}

// ListImages returns the images whose labels match every entry of
// labelFilters. An empty filter map lists all top-level images.
func (c *Client) ListImages(ctx context.Context, labelFilters map[string]string) ([]image.Summary, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.api.ImageList(ctx, image.ListOptions{Filters: labelArgs(labelFilters)})
}

// RemoveImage deletes an image and prunes its unreferenced parent layers.
// Transient daemon errors are retried; a missing image is treated as already
// removed and an in-use image surfaces the daemon's conflict error.
func (c *Client) RemoveImage(ctx context.Context, ref string, force bool) error {
	err := retry.Do(
		func() error {
			callCtx, cancel := c.opCtx(ctx)
			defer cancel()
			_, err := c.api.ImageRemove(callCtx, ref, image.RemoveOptions{
				Force:         force,
				PruneChildren: true,
			})
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err == nil {
		return nil
	}
	if cerrdefs.IsNotFound(err) {
		c.logger.Debug("image already gone", "ref", ref)
		return nil
	}
	return err
}

// TagImage points target at the same image as source.
func (c *Client) TagImage(ctx context.Context, source, target string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return wrapNotFound(c.api.ImageTag(ctx, source, target))
}

// labelArgs builds the daemon-side filter for a set of label equality
// constraints.
func labelArgs(labelFilters map[string]string) filters.Args {
	args := filters.NewArgs()
	for key, value := range labelFilters {
		args.Add("label", key+"="+value)
	}
	return args
}
