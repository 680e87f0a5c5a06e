// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/orchest/orchest/internal/cmdutil"
	"github.com/orchest/orchest/internal/docker"
	"github.com/orchest/orchest/internal/logging"
	"github.com/orchest/orchest/internal/logstream"
	"github.com/orchest/orchest/internal/metrics"
	"github.com/orchest/orchest/internal/orchest-api/config"
	"github.com/orchest/orchest/internal/orchest-api/handlers"
	"github.com/orchest/orchest/internal/orchest-api/services"
	"github.com/orchest/orchest/internal/scheduler"
	"github.com/orchest/orchest/internal/server"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/taskbus"
)

var (
	configPath = pflag.String("config", cmdutil.GetEnv("ORCHEST_API_CONFIG_PATH", ""), "path to the YAML config file")
	port       = pflag.Int("port", 0, "HTTP port, overrides the configured value")
	logLevel   = pflag.String("log-level", "", "log level, overrides the configured value")
)

func main() {
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "config_path", *configPath, "error", err)
		os.Exit(1)
	}
	if pflag.CommandLine.Changed("port") {
		cfg.Server.Port = *port
	}
	if pflag.CommandLine.Changed("log-level") {
		cfg.Logging.Level = *logLevel
	}

	logger := logging.New(cfg.Logging.ToLoggingConfig())
	slog.SetDefault(logger)

	// Create shutdown context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.Database.ToStoreConfig())
	if err != nil {
		logger.Error("Failed to open database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.AutoMigrate(); err != nil {
		logger.Error("Failed to migrate database schema", "error", err)
		os.Exit(1)
	}

	dockerClient, err := docker.New(cfg.Docker.ToDockerConfig(), logger)
	if err != nil {
		logger.Error("Failed to create Docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		logger.Warn("Docker daemon not reachable, builds and sessions will fail until it is",
			"error", err)
	}

	bus := taskbus.New(st, logger)
	broker := logstream.New(logger)

	svcs := services.New(services.Dependencies{
		Store:      st,
		Bus:        bus,
		Images:     dockerClient,
		Containers: dockerClient,
		Logger:     logger,
	})

	handler := handlers.New(svcs, st, broker, logger.With("component", "handlers"))

	sched := scheduler.New(st, logger)
	started := time.Now()
	sched.Register(scheduler.JobTypeTelemetryHeartbeat, cfg.Scheduler.TelemetryInterval,
		withMetrics(scheduler.JobTypeTelemetryHeartbeat, func(ctx context.Context) error {
			logger.Info("telemetry heartbeat",
				"uptime", time.Since(started).Round(time.Second).String())
			return nil
		}))
	sched.Register(scheduler.JobTypeProcessJobs, cfg.Scheduler.ProcessJobsInterval,
		withMetrics(scheduler.JobTypeProcessJobs, svcs.Jobs.ProcessJobs))
	sched.Register(scheduler.JobTypeImageGC, cfg.Scheduler.ImageGCInterval,
		withMetrics(scheduler.JobTypeImageGC, svcs.EnvironmentImages.RemoveDanglingAll))
	sched.Start(ctx, cfg.Scheduler.RunOnStart)
	defer sched.Stop()

	srv := server.New(cfg.Server.ToServerConfig(), handler.Routes(), logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}

	logger.Info("Server stopped gracefully")
}

// withMetrics counts executions of a recurring job under its type label.
func withMetrics(jobType string, h scheduler.Handler) scheduler.Handler {
	return func(ctx context.Context) error {
		metrics.SchedulerRun(jobType)
		return h(ctx)
	}
}
