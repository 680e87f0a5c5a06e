// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package framework holds the pieces the e2e suite is built from: an HTTP
// client for the facade, an in-memory container runtime and on-disk
// fixtures for the worker.
package framework

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultTimeout = 15 * time.Second
	DefaultPolling = 50 * time.Millisecond
)

// Client is a thin JSON client for the orchest-api facade.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Response is a decoded facade response: the HTTP status plus the fields
// of the envelope. Data stays raw so callers decode into their own types.
type Response struct {
	StatusCode int
	Success    bool
	Data       json.RawMessage
	Error      string
	Code       string
	Body       []byte
}

// Do sends a JSON request and decodes the response envelope. Endpoints
// that answer with a non-envelope body still populate Body.
func (c *Client) Do(method, path string, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &Response{StatusCode: resp.StatusCode, Body: raw}
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
		Code    string          `json:"code"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		out.Success = envelope.Success
		out.Data = envelope.Data
		out.Error = envelope.Error
		out.Code = envelope.Code
	}
	return out, nil
}

func (c *Client) Get(path string) (*Response, error) {
	return c.Do(http.MethodGet, path, nil)
}

func (c *Client) Post(path string, body any) (*Response, error) {
	return c.Do(http.MethodPost, path, body)
}

func (c *Client) Put(path string, body any) (*Response, error) {
	return c.Do(http.MethodPut, path, body)
}

func (c *Client) Delete(path string) (*Response, error) {
	return c.Do(http.MethodDelete, path, nil)
}

// Decode unmarshals the data part of a response into T.
func Decode[T any](resp *Response) (T, error) {
	var out T
	if len(resp.Data) == 0 {
		return out, fmt.Errorf("response has no data (status %d, body %s)", resp.StatusCode, resp.Body)
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return out, fmt.Errorf("decoding response data: %w", err)
	}
	return out, nil
}

// DecodeItems unmarshals the items of a list response.
func DecodeItems[T any](resp *Response) ([]T, error) {
	list, err := Decode[struct {
		Items []T `json:"items"`
	}](resp)
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}
