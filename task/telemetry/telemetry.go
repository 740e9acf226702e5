// Package telemetry provides the Logger, Metrics, and Tracer abstractions used
// throughout the task lifecycle core. Concrete implementations wrap
// goa.design/clue/log and OpenTelemetry; a no-op implementation is provided
// for tests and callers that do not configure observability.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages. Implementations must be safe for
	// concurrent use; the owning event loop and background goroutines (replan
	// timers, HTTP polling) log through the same instance.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tag pairs follow the
	// (key, value, key, value, ...) convention used across the runtime.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer opens spans. No component in this module calls it: the
	// ingestion pipeline, StepVerifier and ReplanScheduler open no spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is a single unit of tracing work.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
