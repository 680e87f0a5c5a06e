// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package logstream fans out build and run log lines to websocket
// subscribers. Lines are retained per stream, so a client attaching
// mid-build still receives everything from the first line on.
package logstream

import (
	"log/slog"
	"sync"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls further behind starts losing lines rather than stalling the
// publisher.
const subscriberBuffer = 256

// maxBacklog caps the retained lines per stream.
const maxBacklog = 5000

// Broker routes log lines from publishers to subscribers per stream key.
// Build streams are keyed by task uuid.
type Broker struct {
	mu      sync.RWMutex
	streams map[string]*stream
	logger  *slog.Logger
}

type stream struct {
	mu      sync.Mutex
	backlog []string
	subs    map[int]chan string
	nextSub int
	closed  bool
}

func New(logger *slog.Logger) *Broker {
	return &Broker{
		streams: make(map[string]*stream),
		logger:  logger.With("component", "logstream"),
	}
}

func (b *Broker) get(key string, create bool) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[key]
	if !ok && create {
		s = &stream{subs: make(map[int]chan string)}
		b.streams[key] = s
	}
	return s
}

// Publish appends a line to the stream, creating the stream on first use.
// Publishing to a closed stream is a no-op.
func (b *Broker) Publish(key, line string) {
	s := b.get(key, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.backlog) >= maxBacklog {
		s.backlog = s.backlog[1:]
	}
	s.backlog = append(s.backlog, line)
	for id, ch := range s.subs {
		select {
		case ch <- line:
		default:
			b.logger.Debug("dropping log line for slow subscriber",
				"stream", key, "subscriber", id)
		}
	}
}

// Close marks the stream complete. Subscriber channels are closed so
// readers see end of stream; the backlog stays available for late
// subscribers until Drop.
func (b *Broker) Close(key string) {
	s := b.get(key, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = make(map[int]chan string)
}

// Drop forgets the stream entirely, including its backlog. Used when the
// resource the stream belonged to is deleted.
func (b *Broker) Drop(key string) {
	b.Close(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, key)
}

// Subscribe returns the lines published so far and a channel carrying
// subsequent ones. The channel is closed when the stream completes. The
// returned cancel function detaches the subscriber and must be called.
func (b *Broker) Subscribe(key string) ([]string, <-chan string, func()) {
	s := b.get(key, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	backlog := make([]string, len(s.backlog))
	copy(backlog, s.backlog)

	ch := make(chan string, subscriberBuffer)
	if s.closed {
		close(ch)
		return backlog, ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return backlog, ch, cancel
}
