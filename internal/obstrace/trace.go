// Package obstrace provides the span-start helper and attribute-key
// conventions used around each connector stream and each ingestion run,
// following the teacher's pkg/telemetry package.
package obstrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "permittracer"

// Config configures Init.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

// Init dials an OTLP/gRPC collector and installs the resulting
// TracerProvider as the process-wide default. When cfg.Enabled is false it
// leaves the global no-op provider in place — every StartSpan call still
// works, it just records nothing. Callers must call the returned shutdown
// func during graceful shutdown.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return noop, err
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

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

// Attribute key conventions.
const (
	AttrSourceID   = "source.id"
	AttrSourceName = "source.name"
	AttrPlatform   = "source.platform"
	AttrMode       = "ingest.mode"
	AttrBatchSize  = "ingest.batch_size"
	AttrRowsTotal  = "ingest.rows_total"
	AttrRunID      = "ingest.run_id"
)

// StartSpan starts a span named name under the package tracer, attaching
// attrs. Callers must defer span.End().
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// SourceAttributes returns the attribute set identifying a source, attached
// to every span a connector or the orchestrator opens for that source.
func SourceAttributes(sourceID int64, sourceName, platform string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrSourceID, sourceID),
		attribute.String(AttrSourceName, sourceName),
		attribute.String(AttrPlatform, platform),
	}
}
