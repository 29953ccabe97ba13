package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()
	if cfg.ServiceName != "kiln" {
		t.Fatalf("expected service name 'kiln', got %s", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Fatalf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestInitTracing_NoEndpoint(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracing(ctx, &TracingConfig{ServiceName: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp.provider != nil {
		t.Fatal("expected no exporter pipeline without an endpoint")
	}
	if err := tp.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestInitTracing_NilConfig(t *testing.T) {
	tp, err := InitTracing(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp == nil {
		t.Fatal("expected non-nil tracer provider")
	}
}

// recordSpans installs an in-memory tracer provider for the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func attr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestStartIngestSpan(t *testing.T) {
	rec := recordSpans(t)
	_, span := StartIngestSpan(context.Background(), "doc-1")
	RecordIngestResult(span, "partial", 4, 1, 2)
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "ingest.document" {
		t.Errorf("unexpected span name %q", s.Name())
	}
	if v, ok := attr(s.Attributes(), "kiln.document_id"); !ok || v.AsString() != "doc-1" {
		t.Errorf("missing document id attribute")
	}
	if v, ok := attr(s.Attributes(), "ingest.failed_chunks"); !ok || v.AsInt64() != 2 {
		t.Errorf("expected failed_chunks 2, got %v", v)
	}
}

func TestNestedSpans(t *testing.T) {
	rec := recordSpans(t)
	ctx, parent := StartQuerySpan(context.Background(), "hybrid")
	_, child := StartLLMSpan(ctx, "openai", "complete")
	RecordLLMTokens(child, 10, 5)
	child.End()
	parent.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	llmSpan := spans[0]
	if llmSpan.Name() != "llm.complete" {
		t.Fatalf("expected child span first, got %q", llmSpan.Name())
	}
	if llmSpan.Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("llm span is not a child of the query span")
	}
	if v, _ := attr(llmSpan.Attributes(), "llm.total_tokens"); v.AsInt64() != 15 {
		t.Errorf("expected 15 total tokens, got %d", v.AsInt64())
	}
}

func TestRecordError(t *testing.T) {
	rec := recordSpans(t)
	_, span := StartCommitSpan(context.Background(), "doc-1", 3)
	RecordError(span, nil)
	RecordError(span, errors.New("disk full"))
	span.End()

	s := rec.Ended()[0]
	if s.Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", s.Status().Code)
	}
	if s.Status().Description != "disk full" {
		t.Errorf("unexpected status description %q", s.Status().Description)
	}
}
