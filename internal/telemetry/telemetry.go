/*
Package telemetry installs the process-wide OpenTelemetry tracer provider.

Spans are produced by the dispatcher, the HTTP API middleware and the
outbound HTTP transport. With exporter "none" they stay in the no-op
provider; "stdout" writes them as JSON to the given writer (stderr in the
binary, so stdout stays free for the MCP transport).
*/
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const ServiceName = "bi-gateway"

// ErrUnknownExporter is returned for an exporter name Init does not support.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// Config selects the exporter.
type Config struct {
	// Exporter is "none" or "stdout".
	Exporter string

	ServiceVersion string

	// Writer receives stdout exporter output. Nil means os.Stderr.
	Writer io.Writer
}

// Shutdown flushes and stops the installed provider.
type Shutdown func(context.Context) error

// Init installs a tracer provider and W3C trace-context propagation. The
// returned Shutdown must be called on exit.
func Init(cfg Config) (Shutdown, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	switch cfg.Exporter {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
