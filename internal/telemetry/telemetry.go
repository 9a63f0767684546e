// Package telemetry wires OpenTelemetry tracing and metrics for the posture
// pipeline. Everything is off unless POSTURED_OTEL_ENABLED=true, in which
// case exporters are chosen from the environment:
//
//	POSTURED_OTEL_STDOUT=true               pretty-print to stderr (dev mode)
//	OTEL_EXPORTER_OTLP_ENDPOINT=host:4317   OTLP/gRPC for spans and metrics
//	OTEL_EXPORTER_OTLP_METRICS_ENDPOINT     metrics-only OTLP target
//
// With telemetry disabled the no-op providers are installed, so instrument
// calls throughout the pipeline cost nothing.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/kestrelsec/postured"

const (
	stdoutMetricInterval = 15 * time.Second
	otlpMetricInterval   = 30 * time.Second
)

// settings is the env snapshot Init works from.
type settings struct {
	enabled         bool
	stdout          bool
	traceEndpoint   string
	metricsEndpoint string
}

func fromEnv() settings {
	s := settings{
		enabled:         os.Getenv("POSTURED_OTEL_ENABLED") == "true",
		stdout:          os.Getenv("POSTURED_OTEL_STDOUT") == "true",
		traceEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		metricsEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
	}
	if s.metricsEndpoint == "" {
		s.metricsEndpoint = s.traceEndpoint
	}
	return s
}

// Enabled reports whether telemetry is active (POSTURED_OTEL_ENABLED=true).
func Enabled() bool {
	return fromEnv().enabled
}

var shutdownFns []func(context.Context) error

// Init installs the global OTel providers. Disabled telemetry installs the
// no-op providers and returns without touching any exporter.
func Init(ctx context.Context, serviceName, version string) error {
	s := fromEnv()
	if !s.enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	spanExporters, err := s.spanExporters(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: traces: %w", err)
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	for _, exp := range spanExporters {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)

	readers, err := s.metricReaders(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: metrics: %w", err)
	}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		metricOpts = append(metricOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)

	return nil
}

// spanExporters returns the configured span exporters, falling back to
// stdout so an enabled-but-unconfigured process still shows its spans.
func (s settings) spanExporters(ctx context.Context) ([]sdktrace.SpanExporter, error) {
	var out []sdktrace.SpanExporter
	if s.traceEndpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(s.traceEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	if s.stdout || len(out) == 0 {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}

func (s settings) metricReaders(ctx context.Context) ([]sdkmetric.Reader, error) {
	var out []sdkmetric.Reader
	if s.stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		out = append(out, sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(stdoutMetricInterval)))
	}
	if s.metricsEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(s.metricsEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		out = append(out, sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(otlpMetricInterval)))
	}
	return out, nil
}

// Tracer returns a tracer for the given instrumentation name, defaulting to
// the module scope.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter for the given instrumentation name, defaulting to
// the module scope.
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops the installed providers. Defer it at process
// exit with a short-lived context.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
