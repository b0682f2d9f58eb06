package tracing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestExportSpans_WritesValidJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.jsonl")

	exporter, err := NewJSONLExporter(path)
	if err != nil {
		t.Fatalf("NewJSONLExporter: %v", err)
	}
	defer exporter.Shutdown(context.Background())

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "decision.make",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("franchise", "CSK"),
			attribute.String("player", "R Jadeja"),
		),
	)
	span.SetStatus(codes.Ok, "")
	span.End()

	tp.Shutdown(context.Background())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 1 {
		t.Fatalf("expected at least 1 line, got %d", len(lines))
	}

	var rec TraceRecord
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}

	if rec.Operation != "decision.make" {
		t.Errorf("operation = %q, want decision.make", rec.Operation)
	}
	if rec.Status != "ok" {
		t.Errorf("status = %q, want ok", rec.Status)
	}
	if rec.TraceID == "" || rec.SpanID == "" {
		t.Error("trace/span id empty")
	}
	if rec.Attributes["franchise"] != "CSK" {
		t.Errorf("franchise attr = %q, want CSK", rec.Attributes["franchise"])
	}
	if rec.DurationMS < 0 {
		t.Errorf("duration_ms = %d, want >= 0", rec.DurationMS)
	}
}

func TestExporter_ShutdownIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.jsonl")
	exporter, err := NewJSONLExporter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := exporter.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := exporter.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	// Exports after shutdown are silently dropped.
	if err := exporter.ExportSpans(context.Background(), nil); err != nil {
		t.Fatalf("export after shutdown: %v", err)
	}
}
