// Package tracing wires an OpenTelemetry tracer provider and extracts
// trace/span ids from a context for log correlation. No core package opens
// spans itself, so ids are present only when a caller's context already
// carries a span. No exporter is attached by default — the adapter layer
// can attach one to the process-wide TracerProvider.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer is the subset of the OTel API the core depends on.
type Tracer = oteltrace.Tracer

// Span is the subset of the OTel API the core depends on.
type Span = oteltrace.Span

// New constructs a tracer provider scoped to the given service name and
// registers it as the process-wide default, mirroring
// engine/monitoring.NewOpenTelemetryTracer: no exporter is wired here, so
// spans are recorded but not shipped anywhere until an adapter attaches one.
func New(serviceName string) (Tracer, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Tracer(serviceName), nil
}

// ExtractIDs returns the trace and span id of the span active in ctx, or
// empty strings if no span is recording. Used by telemetry/logging to
// correlate log lines with traces.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// Attrs converts a plain string map into OTel attributes, for call sites that
// only want to tag a span without importing the attribute package directly.
func Attrs(kv map[string]string) []attribute.KeyValue {
	if len(kv) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(kv))
	for k, v := range kv {
		out = append(out, attribute.String(k, v))
	}
	return out
}
