// Package eventcodec implements the Event/Item Codec (C4): decoding a raw
// JSON object (already unmarshaled to map[string]any, the shape every
// backend parser already produces) into the closed threadrun.Event/Item
// sum types, and re-encoding an Event back into an equivalent map for
// replay, tests, or pass-through logging.
//
// Decode then Encode must round-trip: every key of the source object that
// isn't modeled by a named Event/Item field is preserved verbatim in
// Extra, and Encode reconstructs the discriminator key ("type", and for
// items nested under it) from Kind rather than requiring the caller to
// have kept it around.
//
// Grounded on engine/cli/codex/parse.go's eventParsers/itemParsers dispatch
// tables — this package generalizes that one-directional, Codex-only
// dispatch into a typed, bidirectional, backend-agnostic codec.
package eventcodec

import (
	"encoding/json"

	"github.com/threadrun/threadrun"
)

// wireKind maps a Codex exec-jsonl/app-server "type" (or "method")
// discriminator string to the closed EventKind it represents. Unknown
// strings decode to threadrun.EventRaw so Decode never fails on a forward
// compatibility surprise.
var wireKind = map[string]threadrun.EventKind{
	"thread.started":            threadrun.EventThreadStarted,
	"turn.started":               threadrun.EventTurnStarted,
	"turn.completed":             threadrun.EventTurnCompleted,
	"turn.failed":                threadrun.EventTurnCompleted,
	"item.started":               threadrun.EventItemStarted,
	"item.updated":                threadrun.EventItemUpdated,
	"item.completed":              threadrun.EventItemCompleted,
	"token_usage.updated":         threadrun.EventTokenUsageUpdated,
	"turn.diff.updated":           threadrun.EventTurnDiffUpdated,
	"turn.compaction.started":     threadrun.EventTurnCompactionStarted,
	"turn.compaction.completed":   threadrun.EventTurnCompactionCompleted,
	"account.updated":             threadrun.EventAccountUpdated,
	"login.completed":             threadrun.EventLoginCompleted,
	"rate_limits.updated":         threadrun.EventRateLimitsUpdated,
	"tool_call.requested":         threadrun.EventToolCallRequested,
	"tool_call.completed":         threadrun.EventToolCallCompleted,
	"error":                       threadrun.EventError,
	"turn.continuation":           threadrun.EventTurnContinuation,
}

// kindWire is the reverse of wireKind, used by Encode. turn.failed has no
// entry here — EventTurnCompleted re-derives "turn.completed" vs
// "turn.failed" from Event.Status instead (see encodeKind).
var kindWire = map[threadrun.EventKind]string{
	threadrun.EventThreadStarted:          "thread.started",
	threadrun.EventTurnStarted:            "turn.started",
	threadrun.EventItemStarted:            "item.started",
	threadrun.EventItemUpdated:            "item.updated",
	threadrun.EventItemCompleted:          "item.completed",
	threadrun.EventTokenUsageUpdated:      "token_usage.updated",
	threadrun.EventTurnDiffUpdated:        "turn.diff.updated",
	threadrun.EventTurnCompactionStarted:  "turn.compaction.started",
	threadrun.EventTurnCompactionCompleted: "turn.compaction.completed",
	threadrun.EventAccountUpdated:         "account.updated",
	threadrun.EventLoginCompleted:         "login.completed",
	threadrun.EventRateLimitsUpdated:      "rate_limits.updated",
	threadrun.EventToolCallRequested:      "tool_call.requested",
	threadrun.EventToolCallCompleted:      "tool_call.completed",
	threadrun.EventError:                  "error",
	threadrun.EventTurnContinuation:       "turn.continuation",
}

// itemWireKind maps an item's "type" discriminator to its closed ItemKind.
var itemWireKind = map[string]threadrun.ItemKind{
	"agent_message":     threadrun.ItemAgentMessage,
	"reasoning":          threadrun.ItemReasoning,
	"command_execution":  threadrun.ItemCommandExec,
	"file_changes":        threadrun.ItemFileChange,
	"file_change":         threadrun.ItemFileChange,
	"mcp_tool_call":       threadrun.ItemMcpToolCall,
	"web_search":          threadrun.ItemWebSearch,
	"todo_list":           threadrun.ItemTodoList,
	"ghost_snapshot":      threadrun.ItemGhostSnapshot,
	"tool_output":         threadrun.ItemToolOutput,
}

var itemKindWire = reverseItemKind()

func reverseItemKind() map[threadrun.ItemKind]string {
	out := make(map[threadrun.ItemKind]string, len(itemWireKind))
	for k, v := range itemWireKind {
		if _, exists := out[v]; !exists {
			out[v] = k
		}
	}
	// file_changes is the canonical wire name (matches Codex exec-jsonl).
	out[threadrun.ItemFileChange] = "file_changes"
	return out
}

func getString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func getMap(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func getInt(m map[string]any, key string) int {
	v, ok := m[key].(float64)
	if !ok {
		return 0
	}
	return int(v)
}

// remaining returns a shallow copy of m with the keys in consumed removed,
// for stashing into Extra. Returns nil (not an empty map) when nothing is
// left over, so Encode can tell "no extras" from "empty extras map".
func remaining(m map[string]any, consumed ...string) map[string]any {
	skip := make(map[string]struct{}, len(consumed))
	for _, k := range consumed {
		skip[k] = struct{}{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, ok := skip[k]; ok {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Decode converts a raw wire object (already json.Unmarshal'd into
// map[string]any) into a threadrun.Event. The discriminator is read from
// "type" (Codex exec-jsonl) falling back to "method" (app-server RPC
// notifications share this shape once stripped of their JSON-RPC
// envelope). Unrecognized discriminators decode to EventRaw, never an
// error — Decode is infallible by design (mirrors Spawner/Parser's
// must-not-fail contract elsewhere in this codebase).
func Decode(raw map[string]any) threadrun.Event {
	wire := getString(raw, "type")
	if wire == "" {
		wire = getString(raw, "method")
	}

	kind, ok := wireKind[wire]
	if !ok {
		return threadrun.Event{
			Kind:      threadrun.EventRaw,
			RawMethod: wire,
			RawParams: remaining(raw),
		}
	}

	e := threadrun.Event{
		Kind:     kind,
		ThreadID: getString(raw, "thread_id"),
		TurnID:   getString(raw, "turn_id"),
	}

	switch kind {
	case threadrun.EventTurnCompleted:
		e.Status = threadrun.TurnStatusCompleted
		if wire == "turn.failed" {
			e.Status = threadrun.TurnStatusFailed
			if errObj := getMap(raw, "error"); errObj != nil {
				e.Error = getString(errObj, "message")
			}
		}
		if u := decodeUsage(getMap(raw, "usage")); u != nil {
			e.Usage = u
		}
		e.Extra = remaining(raw, "type", "thread_id", "turn_id", "error", "usage")

	case threadrun.EventItemStarted, threadrun.EventItemUpdated, threadrun.EventItemCompleted:
		if item := getMap(raw, "item"); item != nil {
			decoded := DecodeItem(item)
			e.Item = &decoded
		}
		e.Extra = remaining(raw, "type", "thread_id", "turn_id", "item")

	case threadrun.EventTokenUsageUpdated:
		e.Usage = decodeUsage(getMap(raw, "usage"))
		e.Delta = decodeUsage(getMap(raw, "delta"))
		e.Extra = remaining(raw, "type", "thread_id", "turn_id", "usage", "delta")

	case threadrun.EventTurnDiffUpdated:
		e.Diff = getString(raw, "diff")
		e.Extra = remaining(raw, "type", "thread_id", "turn_id", "diff")

	case threadrun.EventTurnCompactionStarted, threadrun.EventTurnCompactionCompleted:
		if kind == threadrun.EventTurnCompactionStarted {
			e.CompactionStage = threadrun.CompactionStarted
		} else {
			e.CompactionStage = threadrun.CompactionCompleted
		}
		e.Compaction = getString(raw, "compaction")
		e.Extra = remaining(raw, "type", "thread_id", "turn_id", "compaction")

	case threadrun.EventAccountUpdated, threadrun.EventLoginCompleted:
		e.Account = getString(raw, "account")
		e.Extra = remaining(raw, "type", "thread_id", "turn_id", "account")

	case threadrun.EventRateLimitsUpdated:
		if rl := getMap(raw, "rate_limits"); rl != nil {
			e.RateLimits = &threadrun.RateLimitSnapshot{
				Class:      getString(rl, "class"),
				RetryAfter: getInt(rl, "retry_after_seconds"),
				Remaining:  getInt(rl, "remaining"),
				Limit:      getInt(rl, "limit"),
			}
		}
		e.Extra = remaining(raw, "type", "thread_id", "turn_id", "rate_limits")

	case threadrun.EventToolCallRequested, threadrun.EventToolCallCompleted:
		e.ToolCallID = getString(raw, "call_id")
		e.ToolName = getString(raw, "name")
		if args, ok := raw["args"]; ok {
			if b, err := json.Marshal(args); err == nil {
				e.ToolArgs = b
			}
		}
		e.Extra = remaining(raw, "type", "thread_id", "turn_id", "call_id", "name", "args")

	case threadrun.EventError:
		e.Message = getString(raw, "message")
		e.Extra = remaining(raw, "type", "thread_id", "turn_id", "message")

	case threadrun.EventTurnContinuation:
		e.ContinuationToken = getString(raw, "token")
		e.Extra = remaining(raw, "type", "thread_id", "turn_id", "token")

	case threadrun.EventThreadStarted:
		if meta := getMap(raw, "metadata"); meta != nil {
			e.Metadata = meta
		}
		e.Extra = remaining(raw, "type", "thread_id", "turn_id", "metadata")

	default: // EventTurnStarted and other no-payload lifecycle events.
		e.Extra = remaining(raw, "type", "thread_id", "turn_id")
	}

	return e
}

func decodeUsage(m map[string]any) *threadrun.Usage {
	if m == nil {
		return nil
	}
	u := &threadrun.Usage{
		InputTokens:      getInt(m, "input_tokens"),
		OutputTokens:     getInt(m, "output_tokens"),
		CacheReadTokens:  getInt(m, "cached_input_tokens"),
		CacheWriteTokens: getInt(m, "cache_write_tokens"),
		ThinkingTokens:   getInt(m, "thinking_tokens"),
	}
	return u
}

func encodeUsage(u *threadrun.Usage) map[string]any {
	if u == nil {
		return nil
	}
	return map[string]any{
		"input_tokens":        u.InputTokens,
		"output_tokens":       u.OutputTokens,
		"cached_input_tokens": u.CacheReadTokens,
		"cache_write_tokens":  u.CacheWriteTokens,
		"thinking_tokens":     u.ThinkingTokens,
	}
}

// Encode reconstructs a wire-shaped map from an Event, inverse to Decode.
// For an Event decoded from a wire object, Encode(Decode(raw)) is
// equivalent to raw (same keys and values; Go map key order is
// unspecified, so byte-for-byte JSON equality is not guaranteed, only
// structural equality).
func Encode(e threadrun.Event) map[string]any {
	if e.Kind == threadrun.EventRaw {
		out := make(map[string]any, len(e.RawParams)+1)
		for k, v := range e.RawParams {
			out[k] = v
		}
		if e.RawMethod != "" {
			out["type"] = e.RawMethod
		}
		return out
	}

	out := make(map[string]any)
	for k, v := range e.Extra {
		out[k] = v
	}
	out["type"] = encodeKind(e)
	if e.ThreadID != "" {
		out["thread_id"] = e.ThreadID
	}
	if e.TurnID != "" {
		out["turn_id"] = e.TurnID
	}

	switch e.Kind {
	case threadrun.EventTurnCompleted:
		if e.Status == threadrun.TurnStatusFailed {
			out["error"] = map[string]any{"message": e.Error}
		}
		if u := encodeUsage(e.Usage); u != nil {
			out["usage"] = u
		}
	case threadrun.EventItemStarted, threadrun.EventItemUpdated, threadrun.EventItemCompleted:
		if e.Item != nil {
			out["item"] = EncodeItem(*e.Item)
		}
	case threadrun.EventTokenUsageUpdated:
		if u := encodeUsage(e.Usage); u != nil {
			out["usage"] = u
		}
		if d := encodeUsage(e.Delta); d != nil {
			out["delta"] = d
		}
	case threadrun.EventTurnDiffUpdated:
		out["diff"] = e.Diff
	case threadrun.EventTurnCompactionStarted, threadrun.EventTurnCompactionCompleted:
		out["compaction"] = e.Compaction
	case threadrun.EventAccountUpdated, threadrun.EventLoginCompleted:
		out["account"] = e.Account
	case threadrun.EventRateLimitsUpdated:
		if rl := e.RateLimits; rl != nil {
			out["rate_limits"] = map[string]any{
				"class":                rl.Class,
				"retry_after_seconds":  rl.RetryAfter,
				"remaining":            rl.Remaining,
				"limit":                rl.Limit,
			}
		}
	case threadrun.EventToolCallRequested, threadrun.EventToolCallCompleted:
		out["call_id"] = e.ToolCallID
		out["name"] = e.ToolName
		if len(e.ToolArgs) > 0 {
			var args any
			if err := json.Unmarshal(e.ToolArgs, &args); err == nil {
				out["args"] = args
			}
		}
	case threadrun.EventError:
		out["message"] = e.Message
	case threadrun.EventTurnContinuation:
		out["token"] = e.ContinuationToken
	case threadrun.EventThreadStarted:
		if e.Metadata != nil {
			out["metadata"] = e.Metadata
		}
	}

	return out
}

// encodeKind resolves the original wire discriminator for e, re-deriving
// the turn.completed/turn.failed split Decode collapsed into Status.
func encodeKind(e threadrun.Event) string {
	if e.Kind == threadrun.EventTurnCompleted && e.Status == threadrun.TurnStatusFailed {
		return "turn.failed"
	}
	return kindWire[e.Kind]
}

// DecodeItem converts a raw item object into a threadrun.Item.
func DecodeItem(m map[string]any) threadrun.Item {
	wire := getString(m, "type")
	kind, ok := itemWireKind[wire]
	if !ok {
		return threadrun.Item{
			ID:    getString(m, "id"),
			Kind:  threadrun.ItemKind(wire),
			Extra: remaining(m, "type", "id"),
		}
	}

	it := threadrun.Item{ID: getString(m, "id"), Kind: kind}
	switch kind {
	case threadrun.ItemAgentMessage, threadrun.ItemReasoning:
		it.Text = getString(m, "text")
		it.Extra = remaining(m, "type", "id", "text")
	case threadrun.ItemCommandExec:
		it.Command = getString(m, "command")
		it.AggregatedOutput = getString(m, "aggregated_output")
		it.Status = getString(m, "status")
		if v, ok := m["exit_code"].(float64); ok {
			ec := int(v)
			it.ExitCode = &ec
		}
		it.Extra = remaining(m, "type", "id", "command", "aggregated_output", "status", "exit_code")
	case threadrun.ItemFileChange:
		it.Status = getString(m, "status")
		if raw, ok := m["changes"].([]any); ok {
			for _, c := range raw {
				cm, ok := c.(map[string]any)
				if !ok {
					continue
				}
				it.Changes = append(it.Changes, threadrun.FileChangeEntry{
					Path: getString(cm, "path"),
					Kind: threadrun.FileChangeKind(getString(cm, "kind")),
					Diff: getString(cm, "diff"),
				})
			}
		}
		it.Extra = remaining(m, "type", "id", "status", "changes")
	case threadrun.ItemMcpToolCall:
		it.Server = getString(m, "server")
		it.Tool = getString(m, "tool")
		it.Status = getString(m, "status")
		it.Extra = remaining(m, "type", "id", "server", "tool", "status")
	case threadrun.ItemWebSearch:
		it.Query = getString(m, "query")
		it.Extra = remaining(m, "type", "id", "query")
	case threadrun.ItemTodoList:
		if raw, ok := m["todos"].([]any); ok {
			for _, t := range raw {
				tm, ok := t.(map[string]any)
				if !ok {
					continue
				}
				done, _ := tm["completed"].(bool)
				it.Todos = append(it.Todos, threadrun.TodoEntry{Text: getString(tm, "text"), Completed: done})
			}
		}
		it.Extra = remaining(m, "type", "id", "todos")
	case threadrun.ItemGhostSnapshot:
		it.CommitInfo = getString(m, "commit_info")
		it.Extra = remaining(m, "type", "id", "commit_info")
	case threadrun.ItemToolOutput:
		it.CallID = getString(m, "call_id")
		it.OutputKind = getString(m, "output_kind")
		it.OutputText = getString(m, "output_text")
		it.OutputRef = getString(m, "output_ref")
		if raw, ok := m["output_raw"]; ok {
			if b, err := json.Marshal(raw); err == nil {
				it.OutputRaw = b
			}
		}
		it.Extra = remaining(m, "type", "id", "call_id", "output_kind", "output_text", "output_ref", "output_raw")
	}
	return it
}

// EncodeItem reconstructs a wire-shaped item map from an Item, inverse to
// DecodeItem.
func EncodeItem(it threadrun.Item) map[string]any {
	out := make(map[string]any)
	for k, v := range it.Extra {
		out[k] = v
	}
	wire, known := itemKindWire[it.Kind]
	if !known {
		wire = string(it.Kind)
	}
	out["type"] = wire
	if it.ID != "" {
		out["id"] = it.ID
	}

	switch it.Kind {
	case threadrun.ItemAgentMessage, threadrun.ItemReasoning:
		out["text"] = it.Text
	case threadrun.ItemCommandExec:
		out["command"] = it.Command
		out["aggregated_output"] = it.AggregatedOutput
		out["status"] = it.Status
		if it.ExitCode != nil {
			out["exit_code"] = *it.ExitCode
		}
	case threadrun.ItemFileChange:
		out["status"] = it.Status
		changes := make([]any, 0, len(it.Changes))
		for _, c := range it.Changes {
			cm := map[string]any{"path": c.Path, "kind": string(c.Kind)}
			if c.Diff != "" {
				cm["diff"] = c.Diff
			}
			changes = append(changes, cm)
		}
		if len(changes) > 0 {
			out["changes"] = changes
		}
	case threadrun.ItemMcpToolCall:
		out["server"] = it.Server
		out["tool"] = it.Tool
		out["status"] = it.Status
	case threadrun.ItemWebSearch:
		out["query"] = it.Query
	case threadrun.ItemTodoList:
		todos := make([]any, 0, len(it.Todos))
		for _, t := range it.Todos {
			todos = append(todos, map[string]any{"text": t.Text, "completed": t.Completed})
		}
		if len(todos) > 0 {
			out["todos"] = todos
		}
	case threadrun.ItemGhostSnapshot:
		out["commit_info"] = it.CommitInfo
	case threadrun.ItemToolOutput:
		out["call_id"] = it.CallID
		out["output_kind"] = it.OutputKind
		out["output_text"] = it.OutputText
		out["output_ref"] = it.OutputRef
		if len(it.OutputRaw) > 0 {
			var raw any
			if err := json.Unmarshal(it.OutputRaw, &raw); err == nil {
				out["output_raw"] = raw
			}
		}
	}
	return out
}
