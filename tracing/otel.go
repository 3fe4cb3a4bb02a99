package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "storagejanitor"

type OtelOptions struct {
	Endpoint    string
	ServiceName string
	Timeout     time.Duration
	FromEnv     bool
}

// SetupOtel installs a global tracer provider exporting spans over OTLP/HTTP.
// With no endpoint it leaves the no-op provider in place and returns a no-op
// shutdown.
func SetupOtel(ctx context.Context, opts OtelOptions) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" && opts.FromEnv {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"))
		if endpoint == "" {
			endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		}
	}
	if endpoint == "" {
		return noop, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return noop, fmt.Errorf("trace endpoint must include scheme (http or https)")
	}

	expOpts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if opts.Timeout > 0 {
		expOpts = append(expOpts, otlptracehttp.WithTimeout(opts.Timeout))
	}
	exp, err := otlptracehttp.New(ctx, expOpts...)
	if err != nil {
		return noop, fmt.Errorf("create trace exporter: %w", err)
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = instrumentationName
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan opens an OpenTelemetry span and a runtime trace task with the same
// name. The returned function ends both and records err when non-nil.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
	ctx, endTask := startTask(ctx, name)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		endTask()
		span.End()
	}
}
