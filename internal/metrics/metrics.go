// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the control plane's Prometheus metrics. All
// metrics live on the default registry so the /metrics endpoint serves
// them alongside the Go runtime collectors.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	buildsFinished  *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	tasksClaimed    *prometheus.CounterVec
	imagesRemoved   prometheus.Counter
	schedulerRuns   *prometheus.CounterVec
)

// register creates the collectors exactly once, no matter which entrypoint
// touches the package first.
func register() {
	registerOnce.Do(func() {
		requestCount = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchest_http_requests_total",
				Help: "Count of HTTP requests handled by the API",
			},
			[]string{"method", "status_code"},
		)
		requestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchest_http_request_duration_seconds",
				Help:    "Response time of HTTP requests in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"route", "method", "status_code"},
		)
		buildsFinished = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchest_builds_finished_total",
				Help: "Image builds by kind and terminal status",
			},
			[]string{"kind", "status"},
		)
		runsFinished = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchest_pipeline_runs_finished_total",
				Help: "Pipeline runs by terminal status",
			},
			[]string{"status"},
		)
		tasksClaimed = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchest_tasks_claimed_total",
				Help: "Tasks claimed by workers, by task name",
			},
			[]string{"name"},
		)
		imagesRemoved = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orchest_images_removed_total",
				Help: "Environment images removed by the garbage collector",
			},
		)
		schedulerRuns = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchest_scheduler_runs_total",
				Help: "Recurring scheduler executions by job type",
			},
			[]string{"job_type"},
		)
	})
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

// RequestMetrics returns middleware that instruments HTTP requests. The
// route label uses the registered mux pattern rather than the raw URL, so
// path parameters do not blow up cardinality.
func RequestMetrics() func(http.Handler) http.Handler {
	register()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			status := strconv.Itoa(m.Code)
			requestCount.WithLabelValues(r.Method, status).Inc()
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			requestDuration.WithLabelValues(route, r.Method, status).Observe(m.Duration.Seconds())
		})
	}
}

// BuildFinished counts a build reaching a terminal status.
func BuildFinished(kind, status string) {
	register()
	buildsFinished.WithLabelValues(kind, status).Inc()
}

// RunFinished counts a pipeline run reaching a terminal status.
func RunFinished(status string) {
	register()
	runsFinished.WithLabelValues(status).Inc()
}

// TaskClaimed counts a worker claiming a task.
func TaskClaimed(name string) {
	register()
	tasksClaimed.WithLabelValues(name).Inc()
}

// ImageRemoved counts an image removal by the garbage collector.
func ImageRemoved() {
	register()
	imagesRemoved.Inc()
}

// SchedulerRun counts a recurring job execution.
func SchedulerRun(jobType string) {
	register()
	schedulerRuns.WithLabelValues(jobType).Inc()
}
