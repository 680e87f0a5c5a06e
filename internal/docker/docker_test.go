// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package docker

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBuildStream(t *testing.T) {
	stream := strings.NewReader(
		`{"stream":"Step 1/2 : FROM python:3\n"}` + "\n" +
			`{"stream":"\n"}` + "\n" +
			`{"stream":" ---> 8f4b2c1d9e0a\n"}` + "\n" +
			`{"aux":{"ID":"sha256:deadbeef"}}` + "\n" +
			`{"stream":"Successfully built deadbeef\n"}` + "\n")

	var lines []string
	imageID, err := decodeBuildStream(stream, func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, "sha256:deadbeef", imageID)
	assert.Equal(t, []string{
		"Step 1/2 : FROM python:3",
		" ---> 8f4b2c1d9e0a",
		"Successfully built deadbeef",
	}, lines)
}

func TestDecodeBuildStreamError(t *testing.T) {
	stream := strings.NewReader(
		`{"stream":"Step 1/1 : RUN false\n"}` + "\n" +
			`{"error":"The command '/bin/sh -c false' returned a non-zero code: 1"}` + "\n")

	_, err := decodeBuildStream(stream, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-zero code: 1")
}

func TestBuildContext(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scripts", "setup.sh"), []byte("pip install scipy\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Dockerfile"), []byte("FROM stale\n"), 0o644))

	reader, err := BuildContext(root, map[string][]byte{
		"Dockerfile": []byte("FROM python:3\nCOPY . /project\n"),
	})
	require.NoError(t, err)

	entries := map[string]string{}
	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[header.Name] = string(content)
	}

	assert.Equal(t, "pip install scipy\n", entries["scripts/setup.sh"])
	// The generated Dockerfile shadows the one on disk.
	assert.Equal(t, "FROM python:3\nCOPY . /project\n", entries["Dockerfile"])
	assert.Len(t, entries, 2)
}

func TestLabelArgs(t *testing.T) {
	args := labelArgs(map[string]string{"_orchest_project_uuid": "proj-1"})
	assert.Equal(t, []string{"_orchest_project_uuid=proj-1"}, args.Get("label"))
}

func TestWrapNotFound(t *testing.T) {
	err := wrapNotFound(fmt.Errorf("no such image: %w", cerrdefs.ErrNotFound))
	assert.ErrorIs(t, err, ErrNotFound)

	plain := fmt.Errorf("daemon unreachable")
	assert.Equal(t, plain, wrapNotFound(plain))
	assert.NoError(t, wrapNotFound(nil))
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(fmt.Errorf("gone: %w", cerrdefs.ErrNotFound)))
	assert.False(t, retryable(fmt.Errorf("in use: %w", cerrdefs.ErrConflict)))
	assert.True(t, retryable(fmt.Errorf("connection reset")))
}
