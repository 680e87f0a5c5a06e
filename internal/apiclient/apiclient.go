// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package apiclient is the HTTP client workers use to report progress back
// to the API. Status callbacks are retried with exponential backoff; the
// facade's guarded status updates turn duplicated deliveries into no-ops,
// so retrying is always safe.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Client talks to the orchest-api HTTP facade.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	retryOptions []backoff.RetryOption
	logger       *slog.Logger
}

func New(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryOptions: []backoff.RetryOption{
			backoff.WithMaxElapsedTime(time.Minute),
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
		},
		logger: logger.With("component", "apiclient"),
	}
}

// StatusUpdate is the facade's status callback payload. Timestamps are
// formatted with FormatTimestamp.
type StatusUpdate struct {
	Status       string `json:"status"`
	StartedTime  string `json:"started_time,omitempty"`
	FinishedTime string `json:"finished_time,omitempty"`
}

// FormatTimestamp renders a callback timestamp the way the facade parses
// it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// StartedNow builds the callback for a task that just began.
func StartedNow() StatusUpdate {
	return StatusUpdate{Status: "STARTED", StartedTime: FormatTimestamp(time.Now())}
}

// FinishedNow builds the callback for a task that just ended.
func FinishedNow(status string) StatusUpdate {
	return StatusUpdate{Status: status, FinishedTime: FormatTimestamp(time.Now())}
}

// SetEnvironmentBuildStatus reports an environment build transition.
func (c *Client) SetEnvironmentBuildStatus(ctx context.Context, buildUUID string, update StatusUpdate) error {
	return c.put(ctx, "/api/environment-builds/"+buildUUID, update)
}

// SetJupyterBuildStatus reports a Jupyter build transition.
func (c *Client) SetJupyterBuildStatus(ctx context.Context, buildUUID string, update StatusUpdate) error {
	return c.put(ctx, "/api/jupyter-builds/"+buildUUID, update)
}

// SetPipelineRunStatus reports a pipeline run transition.
func (c *Client) SetPipelineRunStatus(ctx context.Context, runUUID string, update StatusUpdate) error {
	return c.put(ctx, "/api/runs/"+runUUID, update)
}

// SetPipelineRunStepStatus reports a single step transition.
func (c *Client) SetPipelineRunStepStatus(ctx context.Context, runUUID, stepUUID string, update StatusUpdate) error {
	return c.put(ctx, "/api/runs/"+runUUID+"/steps/"+stepUUID, update)
}

// PublishBuildLog appends log lines to a build's log stream.
func (c *Client) PublishBuildLog(ctx context.Context, buildUUID string, lines []string) error {
	return c.put(ctx, "/api/logs/"+buildUUID, map[string]any{"lines": lines})
}

// apiResponse is the facade's response envelope, reduced to what callers
// of this client need.
type apiResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (c *Client) put(ctx context.Context, path string, body any) error {
	operation := func() (struct{}, error) {
		return struct{}{}, c.doPut(ctx, path, body)
	}
	_, err := backoff.Retry(ctx, operation, c.retryOptions...)
	return err
}

func (c *Client) doPut(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshaling request body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	var parsed apiResponse
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
		message = parsed.Error
	}
	callErr := fmt.Errorf("PUT %s: status %d: %s", path, resp.StatusCode, message)

	// Client errors will not get better on retry; server errors might.
	if resp.StatusCode < http.StatusInternalServerError {
		return backoff.Permanent(callErr)
	}
	return callErr
}
