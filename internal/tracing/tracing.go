// Package tracing wires OpenTelemetry for request and bus spans.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/xiaot623/fleet"

// Tracer returns the tracer used by fleet components. Until Setup installs a
// provider it is the global no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

// Setup installs a tracer provider. With stdout disabled it leaves the no-op
// provider in place. The returned function flushes and shuts it down.
func Setup(stdout bool) (func(context.Context) error, error) {
	if !stdout {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
