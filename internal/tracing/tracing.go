// Package tracing provides shared OTel tracer initialization for the edge
// worker's dispatch and runner layers.
//
// Real tracing requires OTEL_EXPORTER_OTLP_ENDPOINT to be set.
// Without it a no-op tracer is used (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "cyrus-edge-worker"

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

func initTracing() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

const dispatcherTracerName = "cyrus-dispatcher"

func dispatcherTracer() trace.Tracer {
	return Tracer(dispatcherTracerName)
}

// TraceHandleEvent creates a span for handling one inbound event.
func TraceHandleEvent(ctx context.Context, kind, sessionID string) (context.Context, trace.Span) {
	ctx, span := dispatcherTracer().Start(ctx, "dispatcher.handle_event",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("event_kind", kind),
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// TraceRunnerStart creates a span for a runner subprocess launch.
func TraceRunnerStart(ctx context.Context, sessionID, flavor string) (context.Context, trace.Span) {
	ctx, span := dispatcherTracer().Start(ctx, "runner.start",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("runner_flavor", flavor),
	)
	return ctx, span
}

// TraceRunnerStop creates a span for a runner stop.
func TraceRunnerStop(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx, span := dispatcherTracer().Start(ctx, "runner.stop",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("session_id", sessionID))
	return ctx, span
}

// TracePlatformRequest creates a span for one outbound platform API call.
func TracePlatformRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	ctx, span := dispatcherTracer().Start(ctx, "platform.request",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	return ctx, span
}

// TraceResult records the outcome of an operation on its span.
func TraceResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
