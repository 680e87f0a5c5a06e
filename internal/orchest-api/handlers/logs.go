// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orchest/orchest/internal/logging"
	"github.com/orchest/orchest/internal/orchest-api/models"
	"github.com/orchest/orchest/internal/orchest-api/services"
)

// closeGracePeriod bounds the close handshake write on a finished stream.
const closeGracePeriod = 10 * time.Second

// PublishLogs ingests a batch of log lines from a worker and fans them
// out to attached subscribers.
func (h *Handler) PublishLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	logger.Debug("PublishLogs handler called")

	taskUUID := r.PathValue("taskUUID")
	var req models.PublishLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("Invalid JSON body", "error", err)
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", services.CodeInvalidInput)
		return
	}

	for _, line := range req.Lines {
		h.broker.Publish(taskUUID, line)
	}
	if req.Close {
		h.broker.Close(taskUUID)
	}

	writeMessageResponse(w, http.StatusOK, "Logs were published successfully.")
}

// serveLogs streams the log lines of one task. Websocket clients get the
// retained backlog replayed and then live lines until the stream closes;
// plain HTTP clients get a JSON snapshot of the backlog.
func (h *Handler) serveLogs(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	backlog, lines, cancel := h.broker.Subscribe(key)
	defer cancel()

	if !websocket.IsWebSocketUpgrade(r) {
		writeSuccessResponse(w, http.StatusOK, models.LogTailResponse{UUID: key, Lines: backlog})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", "error", err, "stream", key)
		return
	}
	defer conn.Close()

	// Read pump. The client is not expected to send anything; reading
	// is how we notice it went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, line := range backlog {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				deadline := time.Now().Add(closeGracePeriod)
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if err := conn.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil {
					logger.Debug("Failed to send close message", "error", err, "stream", key)
				}
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-done:
			logger.Debug("Log subscriber disconnected", "stream", key)
			return
		}
	}
}
