// OpenTelemetry tracing for task run executions.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with scheduler-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include run input and output in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global OpenTelemetry provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// RunSpanOptions describes one task run execution.
type RunSpanOptions struct {
	RunID   string
	RunKind string
	AgentID string
	Attempt int
	Input   string // Only included if debug=true
}

// StartRunSpan starts the span covering one execution of a run.
func (t *Tracer) StartRunSpan(ctx context.Context, opts RunSpanOptions) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("task.run.id", opts.RunID),
		attribute.String("task.run.kind", opts.RunKind),
		attribute.String("agent.id", opts.AgentID),
		attribute.Int("task.run.attempt", opts.Attempt),
	}
	if t.debug && opts.Input != "" {
		attrs = append(attrs, attribute.String("task.run.input", truncate(opts.Input, 4000)))
	}
	return t.tracer.Start(ctx, "task.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndRunSpan ends a run span with the resulting status.
func (t *Tracer) EndRunSpan(span trace.Span, status, output string, err error) {
	span.SetAttributes(attribute.String("task.run.status", status))
	if t.debug && output != "" {
		span.SetAttributes(attribute.String("task.run.output", truncate(output, 4000)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddRunEvent records an intermediate update on the current run span.
func (t *Tracer) AddRunEvent(span trace.Span, name string, output string) {
	var attrs []attribute.KeyValue
	if t.debug && output != "" {
		attrs = append(attrs, attribute.String("task.run.output", truncate(output, 1000)))
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
