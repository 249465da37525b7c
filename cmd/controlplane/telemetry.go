package main

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/EulerSearch/embedding-studio-sub001/internal/config"
)

// setupTelemetry registers OpenTelemetry tracer/meter providers carrying a
// service.name resource, mirroring the resource-tagged tracer
// internal/vectorstore/store.go already pulls spans from via otel.Tracer.
// No OTLP exporter ships here: the example pack carries go.opentelemetry.io
// /otel/sdk and sdk/metric but no otlp exporter submodule, so providers are
// registered without a span/metric processor attached — this keeps the SDK
// wired and ready for an exporter to be added at the processor call site
// without forcing an unvetted new dependency tree into go.mod.
func setupTelemetry(cfg config.TelemetryConfig, logger *slog.Logger) (shutdown func(context.Context) error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		logger.Warn("telemetry: building resource failed, using default", "error", err)
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	logger.Info("telemetry: providers registered", "service_name", cfg.ServiceName, "otlp_endpoint", cfg.OTLPEndpoint)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}
}
