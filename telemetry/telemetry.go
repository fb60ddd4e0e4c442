// Package telemetry implements the turn engine's telemetry spine: a fixed,
// documented catalog of named events emitted at span start/stop boundaries,
// carrying thread/turn correlation metadata and a span token linking each
// stop back to its start.
package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event names. These are the only names the engine emits; consumers may
// rely on this set being exhaustive and stable.
const (
	EventThreadStart     = "thread.start"
	EventThreadStop      = "thread.stop"
	EventThreadException = "thread.exception"

	EventThreadTokenUsageUpdated = "thread.token_usage.updated"

	EventTurnDiff       = "turn.diff"
	EventTurnCompaction = "turn.compaction"

	EventToolStart   = "tool.start"
	EventToolSuccess = "tool.success"
	EventToolFailure = "tool.failure"

	EventApprovalRequested = "approval.requested"
	EventApprovalApproved  = "approval.approved"
	EventApprovalDenied    = "approval.denied"
	EventApprovalTimeout   = "approval.timeout"

	EventMCPToolCallStart   = "mcp.tool_call.start"
	EventMCPToolCallSuccess = "mcp.tool_call.success"
	EventMCPToolCallFailure = "mcp.tool_call.failure"

	EventRateLimited = "rate_limit.rate_limited"
)

// Metadata carries the correlation fields every telemetry event includes.
type Metadata struct {
	ThreadID   string
	TurnID     string // empty when not yet known
	Originator string
}

// Fields is additional event-specific metadata (tool name, call id, reason,
// and similar), attached on top of Metadata.
type Fields map[string]any

// Sink receives telemetry events. Implementations must not block the
// caller for long; do buffering/export asynchronously if needed.
type Sink interface {
	// Start records a span-start event. system_time is attached by the
	// caller (Span captures it at construction).
	Start(ctx context.Context, name string, meta Metadata, systemTime time.Time, fields Fields)

	// Stop records a span-stop event (success, failure, or exception),
	// with the elapsed duration since the matching Start.
	Stop(ctx context.Context, name string, meta Metadata, duration time.Duration, fields Fields)
}

// NopSink discards all events. Useful as a default when no Sink is wired.
type NopSink struct{}

func (NopSink) Start(context.Context, string, Metadata, time.Time, Fields)    {}
func (NopSink) Stop(context.Context, string, Metadata, time.Duration, Fields) {}

// Span tracks one open start/stop pair, identified by a random token that
// links its Stop event back to its Start event in the sink's event stream.
type Span struct {
	sink  Sink
	meta  Metadata
	name  string
	token string
	start time.Time
}

// StartSpan emits a start event for name and returns a Span handle; call
// Stop (or Fail) exactly once to emit the matching stop event.
func StartSpan(ctx context.Context, sink Sink, name string, meta Metadata, fields Fields) *Span {
	if sink == nil {
		sink = NopSink{}
	}
	now := time.Now()
	token := uuid.NewString()
	f := withToken(fields, token)
	sink.Start(ctx, name, meta, now, f)
	return &Span{sink: sink, meta: meta, name: name, token: token, start: now}
}

// Stop emits the stop event for s with the given stop-event name (typically
// a ".success" or plain stop variant of the started event) and fields.
func (s *Span) Stop(ctx context.Context, stopName string, fields Fields) {
	s.sink.Stop(ctx, stopName, s.meta, time.Since(s.start), withToken(fields, s.token))
}

// Fail emits a stop event carrying err's message under the "reason" field,
// using stopName (typically a ".failure" or ".exception" variant).
func (s *Span) Fail(ctx context.Context, stopName string, err error, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	if err != nil {
		fields["reason"] = err.Error()
	}
	s.Stop(ctx, stopName, fields)
}

func withToken(fields Fields, token string) Fields {
	out := make(Fields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["span_token"] = token
	return out
}
