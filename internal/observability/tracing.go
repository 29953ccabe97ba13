// Package observability provides OpenTelemetry tracing, Prometheus metrics
// and the zap logger for kiln.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every kiln span.
const TracerName = "github.com/efebarandurmaz/kiln"

// TracingConfig configures the OpenTelemetry tracing.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, tracing is disabled.
	OTLPEndpoint string

	// SampleRate is the trace sampling rate (0.0 to 1.0, default: 1.0)
	SampleRate float64
}

// DefaultTracingConfig returns a default tracing configuration.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "kiln",
		ServiceVersion: "0.1.0",
		SampleRate:     1.0,
	}
}

// TracerProvider owns the exporter pipeline installed by InitTracing. The
// zero value has nothing to flush.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// InitTracing initializes OpenTelemetry tracing.
// Returns a no-op tracer if OTLPEndpoint is empty.
func InitTracing(ctx context.Context, cfg *TracingConfig) (*TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultTracingConfig()
	}
	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	// Service attributes must stay schemaless: the SDK detector already
	// carries a newer semconv schema URL.
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{provider: provider}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Span kinds recorded under kiln.span.kind.
const (
	SpanKindIngest = "ingest"
	SpanKindCommit = "commit"
	SpanKindQuery  = "query"
	SpanKindLLM    = "llm"
)

// StartIngestSpan starts a span for ingesting one document.
func StartIngestSpan(ctx context.Context, documentID string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "ingest.document",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("kiln.span.kind", SpanKindIngest),
			attribute.String("kiln.document_id", documentID),
		),
	)
}

// RecordIngestResult records the outcome of a document ingestion.
func RecordIngestResult(span trace.Span, status string, chunks, extractionFailures, failedChunks int) {
	span.SetAttributes(
		attribute.String("ingest.status", status),
		attribute.Int("ingest.chunks", chunks),
		attribute.Int("ingest.extraction_failures", extractionFailures),
		attribute.Int("ingest.failed_chunks", failedChunks),
	)
}

// StartCommitSpan starts a span for a knowledge base commit.
func StartCommitSpan(ctx context.Context, documentID string, chunks int) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "kb.commit",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("kiln.span.kind", SpanKindCommit),
			attribute.String("kiln.document_id", documentID),
			attribute.Int("commit.chunks", chunks),
		),
	)
}

// StartQuerySpan starts a span for answering a query.
func StartQuerySpan(ctx context.Context, mode string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "query.answer",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("kiln.span.kind", SpanKindQuery),
			attribute.String("query.mode", mode),
		),
	)
}

// RecordQueryResult records the assembled context on a query span.
func RecordQueryResult(span trace.Span, fragments, tokens int) {
	span.SetAttributes(
		attribute.Int("query.fragments", fragments),
		attribute.Int("query.context_tokens", tokens),
	)
}

// StartLLMSpan starts a span for an LLM call.
func StartLLMSpan(ctx context.Context, provider, operation string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "llm."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("kiln.span.kind", SpanKindLLM),
			attribute.String("llm.provider", provider),
		),
	)
}

// RecordLLMTokens records token usage on an LLM span.
func RecordLLMTokens(span trace.Span, inputTokens, outputTokens int) {
	span.SetAttributes(
		attribute.Int("llm.input_tokens", inputTokens),
		attribute.Int("llm.output_tokens", outputTokens),
		attribute.Int("llm.total_tokens", inputTokens+outputTokens),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
