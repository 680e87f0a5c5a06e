// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/build"
)

// BuildOptions configures a single image build.
type BuildOptions struct {
	// Tags to apply to the resulting image.
	Tags []string
	// Dockerfile is the path of the Dockerfile inside the build context.
	Dockerfile string
	// Labels to stamp onto the resulting image.
	Labels map[string]string
	// NoCache disables layer reuse.
	NoCache bool
	// PullParent forces a pull of the base image.
	PullParent bool
}

// BuildImage runs a build with the given tar context. Progress lines are
// forwarded to sink as they arrive from the daemon, stripped of trailing
// newlines. It returns the ID of the built image when the daemon reports
// one. The caller's context bounds the whole build.
func (c *Client) BuildImage(ctx context.Context, buildContext io.Reader, opts BuildOptions, sink func(line string)) (string, error) {
	resp, err := c.api.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        opts.Tags,
		Dockerfile:  opts.Dockerfile,
		Labels:      opts.Labels,
		NoCache:     opts.NoCache,
		PullParent:  opts.PullParent,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return decodeBuildStream(resp.Body, sink)
}

// buildMessage is one JSON line of the daemon's build progress stream.
type buildMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
	Aux    struct {
		ID string `json:"ID"`
	} `json:"aux"`
}

// decodeBuildStream consumes the daemon's progress stream, forwarding
// human-readable lines to sink and extracting the built image ID. A build
// error reported inside the stream is returned as an error.
func decodeBuildStream(r io.Reader, sink func(line string)) (string, error) {
	var imageID string
	dec := json.NewDecoder(r)
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("decoding build output: %w", err)
		}
		if msg.Error != "" {
			return "", fmt.Errorf("build failed: %s", msg.Error)
		}
		if msg.Aux.ID != "" {
			imageID = msg.Aux.ID
		}
		if msg.Stream != "" && sink != nil {
			if line := strings.TrimRight(msg.Stream, "\n"); line != "" {
				sink(line)
			}
		}
	}
	return imageID, nil
}

// BuildContext assembles an in-memory tar archive from the files under root,
// with extra in-memory files layered on top. Paths in extra are relative to
// the context root and shadow files of the same name on disk, which is how a
// generated Dockerfile is injected without touching the project directory.
func BuildContext(root string, extra map[string][]byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, shadowed := extra[rel]; shadowed {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, file)
		file.Close()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("archiving %s: %w", root, err)
	}
	for name, content := range extra {
		header := &tar.Header{
			Name: filepath.ToSlash(name),
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
