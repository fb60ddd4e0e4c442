// Package continuation implements the auto-run loop: when a completed
// turn pauses for tool output, invoke the pending tool calls (consulting
// approvals first), feed their outputs back as the next turn's input, and
// repeat until the continuation token clears or max_turns is exhausted.
package continuation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/threadrun/threadrun/approval"
	"github.com/threadrun/threadrun/retry"
	"github.com/threadrun/threadrun/tools"
)

// OutputKind is one of the ToolOutput payload shapes the engine accepts.
type OutputKind string

const (
	OutputText       OutputKind = "text"
	OutputImage      OutputKind = "image"
	OutputFile       OutputKind = "file"
	OutputStagedFile OutputKind = "staged_file"
)

// ToolCallRequest is one pending tool call a paused turn is waiting on.
type ToolCallRequest struct {
	CallID string
	Name   string
	Args   json.RawMessage
}

// ToolOutput is a structured result for one tool call, in the engine's
// ToolOutput schema.
type ToolOutput struct {
	CallID  string
	Kind    OutputKind
	Text    string // OutputText
	Ref     string // OutputImage/OutputFile: a URL or path; OutputStagedFile: a staging ref
	content string // raw dedup key (internal)
}

// MaxTurnsExceededError is returned when the continuation loop runs
// attempts turns without the continuation token clearing.
type MaxTurnsExceededError struct {
	Attempts     int
	Continuation string
}

func (e *MaxTurnsExceededError) Error() string {
	return fmt.Sprintf("continuation: max_turns_exceeded after %d attempts (continuation=%s)", e.Attempts, e.Continuation)
}

// RunTurnFunc re-invokes the underlying turn with the given continuation
// token and the prior attempt's tool outputs (nil for the first call),
// returning the next continuation token (empty when the turn completed
// without pausing again) and, if it's still paused, the next batch of
// pending tool calls.
type RunTurnFunc func(ctx context.Context, token string, outputs []ToolOutput) (nextToken string, pending []ToolCallRequest, err error)

// Runner drives the auto-run loop.
type Runner struct {
	Tools     *tools.Registry
	Approvals *approval.Mediator
	// MaxTurns bounds the number of run_turn re-invocations. Zero or
	// negative means unbounded (the loop relies solely on the
	// continuation token clearing).
	MaxTurns int
	// Backoff governs the delay between attempts when RunTurnFunc itself
	// errors (not when a tool call fails — tool failures surface as
	// ToolOutput content, per spec, not as loop-level errors).
	Backoff retry.Policy
	// OnRetry, if set, is called once when a turn's backoff-governed
	// re-invocation finally fails, with the loop's turn count and that
	// error, just before Run returns it.
	OnRetry func(attempt int, err error)
}

// Run drives runTurn from an initial continuation token and pending tool
// call batch until the token clears or MaxTurns is exhausted.
func (r *Runner) Run(ctx context.Context, threadID, token string, pending []ToolCallRequest, runTurn RunTurnFunc) error {
	attempt := 0
	for token != "" {
		if r.MaxTurns > 0 && attempt >= r.MaxTurns {
			return &MaxTurnsExceededError{Attempts: attempt, Continuation: token}
		}
		attempt++

		outputs, err := r.invokeAll(ctx, threadID, pending)
		if err != nil {
			return err
		}

		var nextToken string
		var nextPending []ToolCallRequest
		err = retry.Do(ctx, r.Backoff, func(ctx context.Context) error {
			var runErr error
			nextToken, nextPending, runErr = runTurn(ctx, token, outputs)
			return runErr
		})
		if err != nil {
			if r.OnRetry != nil {
				r.OnRetry(attempt, err)
			}
			return err
		}

		token = nextToken
		pending = nextPending
	}
	return nil
}

// invokeAll runs the tool registry (consulting approvals first) for each
// pending call, in call_id order, flattening and deduping identical
// outputs that share a call_id.
func (r *Runner) invokeAll(ctx context.Context, threadID string, pending []ToolCallRequest) ([]ToolOutput, error) {
	sorted := make([]ToolCallRequest, len(pending))
	copy(sorted, pending)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CallID < sorted[j].CallID })

	seen := make(map[string]struct{})
	outputs := make([]ToolOutput, 0, len(sorted))

	for _, call := range sorted {
		out, err := r.invokeOne(ctx, threadID, call)
		if err != nil {
			return nil, err
		}
		key := out.CallID + "|" + out.content
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (r *Runner) invokeOne(ctx context.Context, threadID string, call ToolCallRequest) (ToolOutput, error) {
	if r.Approvals != nil {
		verdict, err := r.Approvals.Decide(ctx, approval.KindTool, approval.Request{
			ThreadID:   threadID,
			ToolName:   call.Name,
			ToolCallID: call.CallID,
		}, 0)
		if err != nil {
			return errorOutput(call.CallID, err), nil
		}
		if verdict.Outcome != approval.OutcomeAllow {
			return errorOutput(call.CallID, fmt.Errorf("tool call denied: %s", verdict.Reason)), nil
		}
	}

	out, err := r.Tools.Invoke(ctx, call.Name, call.Args)
	if err != nil {
		return errorOutput(call.CallID, err), nil
	}
	return ToolOutput{CallID: call.CallID, Kind: OutputText, Text: string(out), content: string(out)}, nil
}

func errorOutput(callID string, err error) ToolOutput {
	text := fmt.Sprintf("error: %v", err)
	return ToolOutput{CallID: callID, Kind: OutputText, Text: text, content: text}
}
