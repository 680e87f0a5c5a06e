// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package middleware provides composable HTTP middleware chains and a
// route builder for registering handlers with shared middleware.
package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares so the first one in the slice is the
// outermost, executing first on the way in and last on the way out.
func Chain(middlewares ...Middleware) Middleware {
	return func(handler http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			handler = middlewares[i](handler)
		}
		return handler
	}
}

// RouteBuilder registers routes on a ServeMux with a shared middleware
// chain.
type RouteBuilder struct {
	mux         *http.ServeMux
	middlewares []Middleware
}

// NewRouteBuilder creates a RouteBuilder over the given ServeMux.
func NewRouteBuilder(mux *http.ServeMux) *RouteBuilder {
	return &RouteBuilder{
		mux:         mux,
		middlewares: make([]Middleware, 0),
	}
}

// With returns a new builder whose chain extends this one with additional
// middlewares. The receiver is not modified.
func (rb *RouteBuilder) With(middlewares ...Middleware) *RouteBuilder {
	return &RouteBuilder{
		mux:         rb.mux,
		middlewares: append(append([]Middleware{}, rb.middlewares...), middlewares...),
	}
}

// Handle registers a handler under the builder's middleware chain.
func (rb *RouteBuilder) Handle(pattern string, handler http.Handler) {
	if len(rb.middlewares) > 0 {
		handler = Chain(rb.middlewares...)(handler)
	}
	rb.mux.Handle(pattern, handler)
}

// HandleFunc registers a handler function under the builder's middleware
// chain.
func (rb *RouteBuilder) HandleFunc(pattern string, handlerFunc http.HandlerFunc) {
	rb.Handle(pattern, handlerFunc)
}
