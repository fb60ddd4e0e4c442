// Package turn implements the turn engine: the integration point that
// resolves the five-layer option precedence (C12), drives a threadrun.Engine
// backend through one resumable turn, and — when the backend pauses with a
// continuation token — hands control to the continuation auto-run loop,
// consulting the approval mediator and tool registry before re-invoking the
// turn. It also registers each turn's transport behind a cancellation token
// so a host can interrupt it out of band.
//
// Everything this package composes (retry.Policy, approval.Mediator,
// tools.Registry, continuation.Runner, cancel.Registry) already existed as
// its own tested package; Engine is what actually calls them from a real
// conversation loop instead of leaving them reachable only from their own
// tests.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/threadrun/threadrun"
	"github.com/threadrun/threadrun/approval"
	"github.com/threadrun/threadrun/engine/continuation"
	"github.com/threadrun/threadrun/retry"
	"github.com/threadrun/threadrun/tools"
	"github.com/threadrun/threadrun/transport/cancel"
)

// Engine drives a threadrun.Engine backend through one turn at a time.
// One Engine typically serves many concurrent Threads against the same
// backend; Engine itself holds no per-conversation state.
type Engine struct {
	backend threadrun.Engine

	tools     *tools.Registry
	approvals *approval.Mediator
	cancel    *cancel.Registry
	backoff   retry.Policy
	maxTurns  int

	// spawnPerTurn distinguishes spawn-per-turn backends (Codex, OpenCode: the first turn's
	// prompt is baked into Start's SpawnArgs, so the first turn is a pure
	// drain) and streaming/RPC backends (Claude, ACP: Start only performs
	// setup/handshake, so the first turn still requires an explicit Send).
	spawnPerTurn bool

	defaults    map[string]string
	processWide map[string]string
	validate    threadrun.Validate
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithTools attaches the tool registry the continuation loop invokes
// pending calls against. Without one, every pending tool call errors.
func WithTools(r *tools.Registry) Option {
	return func(e *Engine) { e.tools = r }
}

// WithApprovals attaches the mediator consulted before each tool
// invocation during the continuation loop. Without one, every tool call
// is invoked unreviewed.
func WithApprovals(m *approval.Mediator) Option {
	return func(e *Engine) { e.approvals = m }
}

// WithCancelRegistry registers a fresh cancellation token (see
// transport/cancel) for every turn's transport, so a host can look it up
// and cancel it out of band. Without one, cancellation tokens are not
// tracked.
func WithCancelRegistry(r *cancel.Registry) Option {
	return func(e *Engine) { e.cancel = r }
}

// WithBackoff sets the retry policy applied to RunTurnFunc failures during
// the continuation loop (tool-call failures themselves are folded into
// ToolOutput content, not retried at this layer).
func WithBackoff(p retry.Policy) Option {
	return func(e *Engine) { e.backoff = p }
}

// WithMaxTurns bounds continuation re-invocations. Zero means unbounded.
func WithMaxTurns(n int) Option {
	return func(e *Engine) { e.maxTurns = n }
}

// WithDefaults sets layer 1 (built-in defaults) of the five-layer option
// merge performed on every Run call.
func WithDefaults(opts map[string]string) Option {
	return func(e *Engine) { e.defaults = opts }
}

// WithProcessWide sets layer 2 (process-wide options, constructed once per
// host process) of the five-layer option merge.
func WithProcessWide(opts map[string]string) Option {
	return func(e *Engine) { e.processWide = opts }
}

// WithValidate rejects option overrides MergeOptionLayers would otherwise
// apply silently; see threadrun.Validate.
func WithValidate(v threadrun.Validate) Option {
	return func(e *Engine) { e.validate = v }
}

// WithSpawnPerTurn marks backend as baking its first turn's prompt into
// Start (SpawnArgs), so Run's first call on a Thread should drain rather
// than Send. Defaults to false (Send-required), matching streaming/RPC
// engines such as ACP.
func WithSpawnPerTurn(v bool) Option {
	return func(e *Engine) { e.spawnPerTurn = v }
}

// New wraps backend with the turn engine.
func New(backend threadrun.Engine, opts ...Option) *Engine {
	e := &Engine{backend: backend, tools: tools.NewRegistry()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run resolves thread's effective options against session (layers 3-5 of
// the five-layer precedence; layers 1-2 come from the Engine itself),
// drives the backend through one turn — starting a fresh transport on
// thread's first call, reusing it on every subsequent call — and, if the
// backend pauses with a continuation token, runs the auto-run loop until
// it clears or MaxTurns is exhausted.
//
// thread is mutated in place: ThreadID, RateLimit, and TransportHandle
// reflect the turn's outcome on return, even when Run returns an error
// mid-continuation. Usage and the clearing of ContinuationToken are
// applied only when the whole turn, continuation loop included,
// succeeds: on a mid-continuation error Usage is unchanged and
// ContinuationToken keeps the token of the turn's first pass.
func (e *Engine) Run(ctx context.Context, thread *threadrun.Thread, session threadrun.Session, input string) (threadrun.TurnResult, error) {
	if input == threadrun.ResetSentinel {
		thread.Reset()
		thread.TransportHandle = nil
	}

	merged, err := threadrun.MergeOptionLayers(threadrun.OptionLayers{
		Defaults:    e.defaults,
		ProcessWide: e.processWide,
		Derived:     threadrun.DerivedOptions(session),
		ThreadLevel: thread.Options,
		TurnLevel:   session.Options,
	}, e.validate)
	if err != nil {
		return threadrun.TurnResult{}, fmt.Errorf("turn: %w", err)
	}

	thread.Options = merged

	run := session.Clone()
	run.Options = maps.Clone(merged)
	if thread.ThreadID != "" {
		run.Options[threadrun.OptionResumeID] = thread.ThreadID
	}

	proc, first, err := e.transportFor(ctx, thread, run, input)
	if err != nil {
		return threadrun.TurnResult{}, err
	}

	var (
		events   []threadrun.Event
		usage    threadrun.Usage
		final    *threadrun.Item
		attempts = 1
	)
	collect := func(msg threadrun.Message) error {
		if msg.Event != nil {
			events = append(events, *msg.Event)
			if msg.Event.Kind == threadrun.EventTurnCompleted && msg.Event.FinalResponse != nil {
				final = msg.Event.FinalResponse
			}
		}
		if msg.Usage != nil {
			usage = addUsage(usage, *msg.Usage)
		}
		return nil
	}

	if first && e.spawnPerTurn {
		err = drainOnly(ctx, proc, collect)
	} else {
		err = threadrun.RunTurn(ctx, proc, input, collect)
	}
	if err != nil {
		return threadrun.TurnResult{}, fmt.Errorf("turn: run: %w", err)
	}

	applyThreadUpdates(thread, events)
	token, pending := extractContinuation(events)
	thread.ContinuationToken = token

	if token != "" {
		runner := &continuation.Runner{
			Tools:     e.tools,
			Approvals: e.approvals,
			MaxTurns:  e.maxTurns,
			Backoff:   e.backoff,
		}
		runTurnFn := func(ctx context.Context, tok string, outputs []continuation.ToolOutput) (string, []continuation.ToolCallRequest, error) {
			attempts++
			prompt, err := encodeToolOutputs(outputs)
			if err != nil {
				return "", nil, fmt.Errorf("turn: encode tool outputs: %w", err)
			}
			var turnEvents []threadrun.Event
			if err := threadrun.RunTurn(ctx, proc, prompt, func(msg threadrun.Message) error {
				if msg.Event != nil {
					turnEvents = append(turnEvents, *msg.Event)
					if msg.Event.Kind == threadrun.EventTurnCompleted && msg.Event.FinalResponse != nil {
						final = msg.Event.FinalResponse
					}
				}
				if msg.Usage != nil {
					usage = addUsage(usage, *msg.Usage)
				}
				return nil
			}); err != nil {
				return "", nil, err
			}
			events = append(events, turnEvents...)
			applyThreadUpdates(thread, turnEvents)
			nextToken, nextPending := extractContinuation(turnEvents)
			return nextToken, nextPending, nil
		}
		if err := runner.Run(ctx, thread.ThreadID, token, pending, runTurnFn); err != nil {
			return threadrun.TurnResult{}, err
		}
		thread.ContinuationToken = ""
	}

	thread.ApplyUsageDelta(usage)

	return threadrun.TurnResult{
		Thread:        thread.Clone(),
		Events:        events,
		FinalResponse: final,
		UsageDelta:    usage,
		Attempts:      attempts,
	}, nil
}

// transportFor returns the Process backing thread, starting a fresh one
// (and registering it for cancellation) on thread's first call. first
// reports whether proc was just started by this call.
func (e *Engine) transportFor(ctx context.Context, thread *threadrun.Thread, run threadrun.Session, input string) (proc threadrun.Process, first bool, err error) {
	if existing, ok := thread.TransportHandle.(threadrun.Process); ok && existing != nil {
		return existing, false, nil
	}

	start := run
	if e.spawnPerTurn {
		start.Prompt = input
	}
	p, err := e.backend.Start(ctx, start)
	if err != nil {
		return nil, true, fmt.Errorf("turn: start: %w", err)
	}
	thread.TransportHandle = p

	if e.cancel != nil {
		e.cancel.Register(cancel.NewToken(), newProcHandle(p))
	}
	return p, true, nil
}

// drainOnly reads proc.Output() until MessageResult or channel close,
// without issuing a Send — used for spawn-per-turn backends whose first
// turn's prompt was already baked into the Start call.
func drainOnly(ctx context.Context, proc threadrun.Process, handler func(threadrun.Message) error) error {
	for {
		select {
		case msg, ok := <-proc.Output():
			if !ok {
				return proc.Err()
			}
			if err := handler(msg); err != nil {
				return err
			}
			if msg.Type == threadrun.MessageResult {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// applyThreadUpdates folds the identity- and account-level events a turn
// observed back into thread: the auto-captured thread ID, and the latest
// rate-limit snapshot.
func applyThreadUpdates(thread *threadrun.Thread, events []threadrun.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case threadrun.EventThreadStarted:
			if thread.ThreadID == "" && ev.ThreadID != "" {
				thread.ThreadID = ev.ThreadID
			}
		case threadrun.EventRateLimitsUpdated:
			if ev.RateLimits != nil {
				thread.RateLimit = ev.RateLimits
			}
		}
	}
}

// extractContinuation scans events for the turn_continuation event and any
// pending tool_call_requested events, in the order they were observed.
func extractContinuation(events []threadrun.Event) (token string, pending []continuation.ToolCallRequest) {
	for _, ev := range events {
		switch ev.Kind {
		case threadrun.EventTurnContinuation:
			token = ev.ContinuationToken
		case threadrun.EventToolCallRequested:
			pending = append(pending, continuation.ToolCallRequest{
				CallID: ev.ToolCallID,
				Name:   ev.ToolName,
				Args:   ev.ToolArgs,
			})
		}
	}
	return token, pending
}

// encodeToolOutputs renders a continuation loop's tool outputs as the next
// turn's input text. Transports that speak a richer continuation protocol
// (e.g. app-server's dedicated RPC) should bypass Engine.Run's generic
// encoding and feed outputs in natively; this JSON form is the lowest
// common denominator every transport's Send(string) can carry.
func encodeToolOutputs(outputs []continuation.ToolOutput) (string, error) {
	type wireOutput struct {
		CallID string `json:"call_id"`
		Kind   string `json:"kind"`
		Text   string `json:"text,omitempty"`
		Ref    string `json:"ref,omitempty"`
	}
	wire := make([]wireOutput, len(outputs))
	for i, o := range outputs {
		wire[i] = wireOutput{CallID: o.CallID, Kind: string(o.Kind), Text: o.Text, Ref: o.Ref}
	}
	b, err := json.Marshal(map[string]any{"tool_outputs": wire})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func addUsage(a, b threadrun.Usage) threadrun.Usage {
	return threadrun.Usage{
		InputTokens:      a.InputTokens + b.InputTokens,
		OutputTokens:     a.OutputTokens + b.OutputTokens,
		CacheReadTokens:  a.CacheReadTokens + b.CacheReadTokens,
		CacheWriteTokens: a.CacheWriteTokens + b.CacheWriteTokens,
		ThinkingTokens:   a.ThinkingTokens + b.ThinkingTokens,
	}
}

// procHandle adapts a threadrun.Process to transport/cancel's Handle
// interface (Done() <-chan struct{}), computed once so repeated Done()
// calls (the registry's monitor goroutine plus any caller) share the same
// channel instead of spawning a Wait goroutine per call.
type procHandle struct {
	done chan struct{}
}

func newProcHandle(proc threadrun.Process) *procHandle {
	h := &procHandle{done: make(chan struct{})}
	go func() {
		_ = proc.Wait()
		close(h.done)
	}()
	return h
}

func (h *procHandle) Done() <-chan struct{} { return h.done }
