// Package tracing sets up the OpenTelemetry pipeline: spans are exported as
// JSONL under logs/otel/ so a run can be inspected without any collector
// infrastructure.
package tracing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "auction-agents"

// Setup initializes tracing for a run and returns a shutdown function that
// flushes and closes the exporter. role distinguishes the orchestrator from
// the per-franchise workers in the log directory.
func Setup(runID, role string) (shutdown func(context.Context), err error) {
	dir := filepath.Join("logs", "otel")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create otel log dir: %w", err)
	}

	path := filepath.Join(dir, runID+"-"+role+".jsonl")
	exporter, err := NewJSONLExporter(path)
	if err != nil {
		return nil, err
	}

	bsp := sdktrace.NewBatchSpanProcessor(exporter,
		sdktrace.WithBatchTimeout(2*time.Second),
	)

	res := resource.NewSchemaless(
		attribute.String("service.name", "auction-agents"),
		attribute.String("auction.run_id", runID),
		attribute.String("auction.role", role),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(bsp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	return func(ctx context.Context) {
		_ = tp.Shutdown(ctx)
	}, nil
}

// Tracer returns the package tracer for manual span creation.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
