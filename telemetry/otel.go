package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OtelSink is a Sink backed by OpenTelemetry: every Start opens a real
// trace span (tracked by the event's span_token so the matching Stop can
// find and end it) and increments a counter; every Stop ends that span
// and records a duration histogram and its own counter, all tagged with
// the event name plus the event's Metadata and Fields as attributes.
type OtelSink struct {
	tracer trace.Tracer

	startCount metric.Int64Counter
	stopCount  metric.Int64Counter
	duration   metric.Float64Histogram

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewOtelSink builds an OtelSink using meterName to obtain a Meter from the
// global otel MeterProvider (call otel.SetMeterProvider beforehand to wire
// a real exporter; otherwise metrics are recorded against the no-op
// provider).
func NewOtelSink(meterName string) (*OtelSink, error) {
	meter := otel.Meter(meterName)
	tracer := otel.Tracer(meterName)

	startCount, err := meter.Int64Counter(
		"threadrun.telemetry.start",
		metric.WithDescription("count of span-start telemetry events by name"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start counter: %w", err)
	}
	stopCount, err := meter.Int64Counter(
		"threadrun.telemetry.stop",
		metric.WithDescription("count of span-stop telemetry events by name"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: stop counter: %w", err)
	}
	duration, err := meter.Float64Histogram(
		"threadrun.telemetry.duration_ms",
		metric.WithDescription("elapsed milliseconds between a span's start and stop event"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: duration histogram: %w", err)
	}

	return &OtelSink{
		tracer:     tracer,
		startCount: startCount,
		stopCount:  stopCount,
		duration:   duration,
		spans:      make(map[string]trace.Span),
	}, nil
}

func (s *OtelSink) Start(ctx context.Context, name string, meta Metadata, systemTime time.Time, fields Fields) {
	attrs := attrsFor(name, meta, fields)
	attrs = append(attrs, attribute.Int64("system_time_unix_ns", systemTime.UnixNano()))

	_, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	if token, ok := fields["span_token"].(string); ok && token != "" {
		s.mu.Lock()
		s.spans[token] = span
		s.mu.Unlock()
	} else {
		span.End()
	}

	s.startCount.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (s *OtelSink) Stop(ctx context.Context, name string, meta Metadata, duration time.Duration, fields Fields) {
	attrs := attrsFor(name, meta, fields)

	if token, ok := fields["span_token"].(string); ok && token != "" {
		s.mu.Lock()
		span, found := s.spans[token]
		delete(s.spans, token)
		s.mu.Unlock()
		if found {
			span.SetAttributes(attrs...)
			span.End()
		}
	}

	s.stopCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	s.duration.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(attrs...))
}

func attrsFor(name string, meta Metadata, fields Fields) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4+len(fields))
	attrs = append(attrs,
		attribute.String("event", name),
		attribute.String("thread_id", meta.ThreadID),
		attribute.String("originator", meta.Originator),
	)
	if meta.TurnID != "" {
		attrs = append(attrs, attribute.String("turn_id", meta.TurnID))
	}
	for k, v := range fields {
		attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
	}
	return attrs
}

var _ Sink = (*OtelSink)(nil)
