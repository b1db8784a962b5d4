// Command fleet-reporter runs the streaming fleet-statistics aggregator:
// it consumes vehicle-generation events off the broker, batches and
// dedups them, and maintains a single running aggregate document.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/plaenen/fleet-reporter/internal/config"
	"github.com/plaenen/fleet-reporter/internal/service"
	"github.com/plaenen/fleet-reporter/pkg/observability"
	"github.com/plaenen/fleet-reporter/pkg/runner"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fleet-reporter exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// No exporters wired by default: Init degrades to no-op tracing and
	// metrics rather than failing startup. Setting TraceExporter and
	// MetricReader on the observability.Config below lights these up.
	telemetry, err := observability.Init(ctx, observability.Config{
		ServiceName:    "fleet-reporter",
		ServiceVersion: "0.1.0",
		Environment:    getenv("ENVIRONMENT", "dev"),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer telemetry.Shutdown(ctx)

	reporter := service.New(cfg,
		service.WithLogger(logger),
		service.WithMetrics(telemetry.Metrics),
	)

	r := runner.New([]runner.Service{reporter}, runner.WithLogger(runner.NewSlogLogger(logger)))

	return r.Run(ctx)
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
