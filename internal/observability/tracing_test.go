package observability

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewProviders_ExportsToGivenWriter(t *testing.T) {
	var buf bytes.Buffer
	providers, err := NewProviders(context.Background(), &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer providers.Shutdown(context.Background(), slog.Default())

	tracer, err := NewToolTracer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, finish := tracer.StartSpan(context.Background(), "fs", "read_file")
	finish(true, "")

	if err := providers.TracerProvider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	if !strings.Contains(buf.String(), "toolgate.tool_call") {
		t.Fatalf("expected the exported span to appear in the writer, got: %s", buf.String())
	}
}

func TestToolTracer_FinisherMarksSpanErrorOnFailure(t *testing.T) {
	var buf bytes.Buffer
	providers, err := NewProviders(context.Background(), &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer providers.Shutdown(context.Background(), slog.Default())

	tracer, err := NewToolTracer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, finish := tracer.StartSpan(context.Background(), "fs", "write_file")
	finish(true, "disk full")

	if err := providers.TracerProvider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	if !strings.Contains(buf.String(), "disk full") {
		t.Fatalf("expected the error message to be recorded on the span, got: %s", buf.String())
	}
}
