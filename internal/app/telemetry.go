package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const serviceName = "captionstream"

// SetupTelemetry installs the global meter and tracer providers that the
// session counters and spans report to. The returned function flushes and
// stops both; call it after sessions have drained.
func SetupTelemetry(cfg Config, w io.Writer) (func(context.Context) error, error) {
	switch cfg.TelemetryExporter {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", cfg.TelemetryExporter)
	}

	metrics, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	spans, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	interval := cfg.TelemetryInterval
	if interval <= 0 {
		interval = time.Minute
	}
	reader := sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(interval))
	return installTelemetry(reader, sdktrace.WithBatcher(spans)), nil
}

func installTelemetry(reader sdkmetric.Reader, spans sdktrace.TracerProviderOption) func(context.Context) error {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res), spans)
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
}
