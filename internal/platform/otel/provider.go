// Package otel wires opt-in OpenTelemetry tracing for phenostream services.
package otel

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when PHENOSTREAM_OTEL_ENDPOINT is empty or
// PHENOSTREAM_OTEL_ENABLED is "false", Setup returns a no-op shutdown
// function and no global provider is registered.
//
// PHENOSTREAM_OTEL_SAMPLE_RATIO (0..1, default 1) thins traces for
// long-running watch processes.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv("PHENOSTREAM_OTEL_ENABLED"), "false") {
		return noop, nil
	}

	endpoint := os.Getenv("PHENOSTREAM_OTEL_ENDPOINT")
	if endpoint == "" {
		return noop, nil
	}

	sampler := sdktrace.AlwaysSample()
	if raw := os.Getenv("PHENOSTREAM_OTEL_SAMPLE_RATIO"); raw != "" {
		ratio, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil || ratio < 0 || ratio > 1 {
			return noop, fmt.Errorf("invalid PHENOSTREAM_OTEL_SAMPLE_RATIO %q", raw)
		}
		sampler = sdktrace.TraceIDRatioBased(ratio)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
