// Package observability wires the OpenTelemetry stack: a TracerProvider and
// MeterProvider exporting to stdout, started first and stopped last by the
// Lifecycle Supervisor, plus a ToolTracer adapter that gives every governed
// tool call one span and every policy decision one metric update.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgate/toolgate/internal/domain/proxy"
)

// Providers bundles the two SDK providers the Supervisor owns for the
// process's lifetime: started during boot, flushed and shut down during
// drain.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// NewProviders builds a stdout-exporting TracerProvider and MeterProvider.
// Tests pass a buffer as w to capture the export; production passes nil to
// get os.Stdout via the exporters' own default.
func NewProviders(ctx context.Context, w io.Writer) (*Providers, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("toolgate"),
	))
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	traceOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if w != nil {
		traceOpts = append(traceOpts, stdouttrace.WithWriter(w))
	}
	traceExporter, err := stdouttrace.New(traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("building stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricOpts := []stdoutmetric.Option{}
	if w != nil {
		metricOpts = append(metricOpts, stdoutmetric.WithWriter(w))
	}
	metricExporter, err := stdoutmetric.New(metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("building stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return &Providers{TracerProvider: tp, MeterProvider: mp}, nil
}

// Shutdown flushes and stops both providers, logging (not failing) any
// error: observability must never be why a clean shutdown fails.
func (p *Providers) Shutdown(ctx context.Context, logger *slog.Logger) {
	if p == nil {
		return
	}
	if err := p.TracerProvider.Shutdown(ctx); err != nil {
		logger.Warn("otel tracer provider shutdown failed", "error", err)
	}
	if err := p.MeterProvider.Shutdown(ctx); err != nil {
		logger.Warn("otel meter provider shutdown failed", "error", err)
	}
}

// ToolTracer implements proxy.CallTracer: one span per tool invocation
// (named after the mounted tool) and one counter increment per policy
// decision, broken down by allow/deny result.
type ToolTracer struct {
	tracer   trace.Tracer
	decision metric.Int64Counter
}

// NewToolTracer builds a ToolTracer from the process-wide providers
// NewProviders installed. Call after NewProviders so otel.Tracer/otel.Meter
// resolve to the real SDK implementations rather than the no-op default.
func NewToolTracer() (*ToolTracer, error) {
	meter := otel.Meter("toolgate")
	counter, err := meter.Int64Counter("toolgate.policy_decisions",
		metric.WithDescription("Policy decisions evaluated, by result"))
	if err != nil {
		return nil, fmt.Errorf("building policy decision counter: %w", err)
	}
	return &ToolTracer{
		tracer:   otel.Tracer("toolgate"),
		decision: counter,
	}, nil
}

// StartSpan opens a span for one governed tool call, satisfying
// proxy.CallTracer.
func (t *ToolTracer) StartSpan(ctx context.Context, serverName, toolName string) (context.Context, proxy.SpanFinisher) {
	ctx, span := t.tracer.Start(ctx, "toolgate.tool_call",
		trace.WithAttributes(
			attribute.String("server_name", serverName),
			attribute.String("tool_name", toolName),
		),
	)
	return ctx, func(allowed bool, errMsg string) {
		t.decision.Add(ctx, 1, metric.WithAttributes(attribute.Bool("allowed", allowed)))
		if errMsg != "" {
			span.SetStatus(codes.Error, errMsg)
		}
		span.End()
	}
}

var _ proxy.CallTracer = (*ToolTracer)(nil)
