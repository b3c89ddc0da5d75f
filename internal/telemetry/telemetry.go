// Package telemetry wires the OTLP trace exporter and the kernel's
// degraded-status / counter surface.
package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nanobot-ai/nanobot/internal/config"
)

// Telemetry owns the tracer plus the process-wide counters surfaced by
// doctor and the degraded-status flag.
type Telemetry struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error

	toolErrors       atomic.Int64
	malformedRecords atomic.Int64
	degraded         atomic.Bool
}

// Setup initializes the OTLP exporter when enabled; otherwise everything is
// a no-op tracer so call sites never nil-check.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	t := &Telemetry{
		tracer:   noop.NewTracerProvider().Tracer("nanobot"),
		shutdown: func(context.Context) error { return nil },
	}
	if !cfg.Enabled {
		return t, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "nanobot"
	}

	var (
		exporter *otlptrace.Exporter
		err      error
	)
	switch cfg.Protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default: // "http" or empty
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry exporter: %w", err)
	}

	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	t.tracer = tp.Tracer("nanobot")
	t.shutdown = func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}
	return t, nil
}

// Tracer returns the process tracer.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// Shutdown flushes and stops the exporter.
func (t *Telemetry) Shutdown(ctx context.Context) error { return t.shutdown(ctx) }

// StartSpan opens a span with common attributes.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordToolError bumps the tool-error counter and returns its new value,
// used as the telemetry error id shown in user-facing hints.
func (t *Telemetry) RecordToolError() int64 { return t.toolErrors.Add(1) }

// RecordMalformedRecords adds n skipped session records to the counter.
func (t *Telemetry) RecordMalformedRecords(n int64) { t.malformedRecords.Add(n) }

// MalformedRecords returns the skipped-record count.
func (t *Telemetry) MalformedRecords() int64 { return t.malformedRecords.Load() }

// ToolErrors returns the tool-error count.
func (t *Telemetry) ToolErrors() int64 { return t.toolErrors.Load() }

// MarkDegraded flags the process as degraded (Fatal-kind errors: corrupt
// on-disk state the user must address). The process keeps running.
func (t *Telemetry) MarkDegraded() { t.degraded.Store(true) }

// Degraded reports the degraded-status flag.
func (t *Telemetry) Degraded() bool { return t.degraded.Load() }
