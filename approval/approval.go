// Package approval implements the approval mediator: a policy interface
// with three review entry points (tool, command, file calls), each
// returning an allow/deny/async verdict, plus the async await path and the
// standard telemetry events every review emits.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/threadrun/threadrun/telemetry"
)

// Kind identifies which of a Policy's three entry points a Request is for.
type Kind string

const (
	KindTool    Kind = "tool"
	KindCommand Kind = "command"
	KindFile    Kind = "file"
)

// Standard hint keys a Verdict's Hints may carry. Hosts recognize these by
// name; execpolicy_amendment accompanies command approvals (accepted by
// the RPC transport as acceptWithExecpolicyAmendment), grant_root
// accompanies file approvals (accepted as acceptForSession).
const (
	HintExecpolicyAmendment = "execpolicy_amendment" // value: []string (argv)
	HintGrantRoot           = "grant_root"           // value: string (path)
)

// Request describes the call under review.
type Request struct {
	ThreadID   string
	TurnID     string
	ToolName   string
	ToolCallID string
	Command    []string // set for KindCommand
	Path       string   // set for KindFile
	Meta       map[string]any
}

// Outcome is the result category of a review.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
	OutcomeAsync Outcome = "async"
)

// Verdict is what a Policy's review methods (and Awaiter.Await) return.
type Verdict struct {
	Outcome Outcome
	Hints   map[string]any // set when Outcome == OutcomeAllow
	Reason  string         // set when Outcome == OutcomeDeny
	Ref     string         // set when Outcome == OutcomeAsync
	Meta    map[string]any // set when Outcome == OutcomeAsync
}

// Allow builds an allow Verdict, optionally carrying hints.
func Allow(hints map[string]any) Verdict { return Verdict{Outcome: OutcomeAllow, Hints: hints} }

// Deny builds a deny Verdict with reason.
func Deny(reason string) Verdict { return Verdict{Outcome: OutcomeDeny, Reason: reason} }

// Async builds an async Verdict; the mediator will call Awaiter.Await(ref, timeout).
func Async(ref string, meta map[string]any) Verdict {
	return Verdict{Outcome: OutcomeAsync, Ref: ref, Meta: meta}
}

// Policy is implemented by the host's approval logic. Any entry point may
// return an Async verdict, in which case the Mediator resolves it via the
// configured Awaiter.
type Policy interface {
	ReviewTool(ctx context.Context, req Request) (Verdict, error)
	ReviewCommand(ctx context.Context, req Request) (Verdict, error)
	ReviewFile(ctx context.Context, req Request) (Verdict, error)
}

// Awaiter resolves an async verdict's ref to a final decision, or reports
// a timeout.
type Awaiter interface {
	Await(ctx context.Context, ref string, timeout time.Duration) (Verdict, error)
}

// ErrAsyncTimeout is returned by Decide when an async verdict's Awaiter
// does not resolve within timeout.
type ErrAsyncTimeout struct{ Ref string }

func (e *ErrAsyncTimeout) Error() string { return fmt.Sprintf("approval: %s: timeout", e.Ref) }

// Mediator wraps a Policy with telemetry: every Decide call emits
// approval.requested, followed by exactly one of approval.approved,
// approval.denied, or approval.timeout.
type Mediator struct {
	Policy       Policy
	Awaiter      Awaiter
	Sink         telemetry.Sink
	AsyncTimeout time.Duration // default used when Decide's timeout arg is <= 0
}

// Decide runs the review entry point matching kind, resolving any async
// verdict via Awaiter, and emits the telemetry spine's approval.* events
// around the whole decision.
func (m *Mediator) Decide(ctx context.Context, kind Kind, req Request, timeout time.Duration) (Verdict, error) {
	meta := telemetry.Metadata{ThreadID: req.ThreadID, TurnID: req.TurnID, Originator: "approval"}
	fields := telemetry.Fields{"tool": req.ToolName, "call_id": req.ToolCallID}

	span := telemetry.StartSpan(ctx, m.Sink, telemetry.EventApprovalRequested, meta, fields)

	verdict, err := m.review(ctx, kind, req)
	if err == nil && verdict.Outcome == OutcomeAsync {
		verdict, err = m.awaitAsync(ctx, verdict, timeout)
	}

	switch {
	case err != nil:
		var to *ErrAsyncTimeout
		if isAsyncTimeout(err, &to) {
			span.Stop(ctx, telemetry.EventApprovalTimeout, fields)
		} else {
			span.Fail(ctx, telemetry.EventApprovalDenied, err, fields)
		}
		return Verdict{}, err
	case verdict.Outcome == OutcomeAllow:
		span.Stop(ctx, telemetry.EventApprovalApproved, fields)
	default:
		denyFields := telemetry.Fields{"tool": req.ToolName, "call_id": req.ToolCallID, "reason": verdict.Reason}
		span.Stop(ctx, telemetry.EventApprovalDenied, denyFields)
	}
	return verdict, nil
}

func isAsyncTimeout(err error, target **ErrAsyncTimeout) bool {
	if to, ok := err.(*ErrAsyncTimeout); ok {
		*target = to
		return true
	}
	return false
}

func (m *Mediator) review(ctx context.Context, kind Kind, req Request) (verdict Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("approval: policy panic: %v", r)
		}
	}()
	switch kind {
	case KindTool:
		return m.Policy.ReviewTool(ctx, req)
	case KindCommand:
		return m.Policy.ReviewCommand(ctx, req)
	case KindFile:
		return m.Policy.ReviewFile(ctx, req)
	default:
		return Verdict{}, fmt.Errorf("approval: unknown kind %q", kind)
	}
}

func (m *Mediator) awaitAsync(ctx context.Context, verdict Verdict, timeout time.Duration) (Verdict, error) {
	if m.Awaiter == nil {
		return Verdict{}, fmt.Errorf("approval: %s: async verdict with no Awaiter configured", verdict.Ref)
	}
	if timeout <= 0 {
		timeout = m.AsyncTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	resolved, err := m.Awaiter.Await(ctx, verdict.Ref, timeout)
	if err != nil {
		return Verdict{}, &ErrAsyncTimeout{Ref: verdict.Ref}
	}
	return resolved, nil
}

// FromHandler adapts a simple bool-returning approval callback (the shape
// ACP-style transports expose) into a Policy that applies the same
// decision to all three review kinds.
func FromHandler(handler func(ctx context.Context, req Request) (bool, error)) Policy {
	return handlerPolicy{handler}
}

type handlerPolicy struct {
	handler func(ctx context.Context, req Request) (bool, error)
}

func (p handlerPolicy) ReviewTool(ctx context.Context, req Request) (Verdict, error) {
	return p.decide(ctx, req)
}

func (p handlerPolicy) ReviewCommand(ctx context.Context, req Request) (Verdict, error) {
	return p.decide(ctx, req)
}

func (p handlerPolicy) ReviewFile(ctx context.Context, req Request) (Verdict, error) {
	return p.decide(ctx, req)
}

func (p handlerPolicy) decide(ctx context.Context, req Request) (Verdict, error) {
	approved, err := p.handler(ctx, req)
	if err != nil {
		return Verdict{}, err
	}
	if approved {
		return Allow(nil), nil
	}
	return Deny(""), nil
}
