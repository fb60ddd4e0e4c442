package codex

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/threadrun/threadrun"
	"github.com/threadrun/threadrun/engine/cli"
	"github.com/threadrun/threadrun/engine/cli/internal/jsonutil"
	"github.com/threadrun/threadrun/engine/internal/errfmt"
	"github.com/threadrun/threadrun/internal/eventcodec"
)

// validUUID matches UUID format (any version, case-insensitive).
var validUUID = regexp.MustCompile(
	`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`,
)

// isUUID reports whether s is a valid UUID string.
func isUUID(s string) bool {
	return validUUID.MatchString(s)
}

// eventParser parses a raw JSON event into an threadrun.Message.
type eventParser func(raw map[string]any, msg *threadrun.Message)

// eventParsers dispatches Codex event types to their parser functions.
// thread.started is handled inline (needs Backend state for threadID CAS).
// turn.started and item.started produce no message (ErrSkipLine).
var eventParsers = map[string]eventParser{
	"item.completed":             parseItemCompleted,
	"turn.completed":             parseTurnCompleted,
	"turn.failed":                parseTurnFailed,
	"error":                      parseTopLevelError,
	"turn.diff.updated":          parseTurnDiffUpdated,
	"turn.compaction.started":    parseTurnCompaction,
	"turn.compaction.completed":  parseTurnCompaction,
	"account.updated":            parseAccountOrLogin,
	"login.completed":            parseAccountOrLogin,
	"rate_limits.updated":        parseRateLimitsUpdated,
	"tool_call.requested":        parseToolCallEvent,
	"tool_call.completed":        parseToolCallEvent,
	"turn.continuation":          parseTurnContinuation,
}

// itemParser parses item content from an item.completed event.
type itemParser func(item map[string]any, msg *threadrun.Message)

// itemParsers dispatches item types within item.completed events.
var itemParsers = map[string]itemParser{
	"agent_message":     parseAgentMessage,
	"reasoning":         parseReasoning,
	"command_execution": parseCommandExecution,
	"error":             parseItemError,
	"file_changes":      parseGenericTool("file_changes"),
	"web_search":        parseGenericTool("web_search"),
	"mcp_tool_call":     parseMCPToolCall,
}

// ParseLine parses a single JSONL output line from codex exec into a Message.
// Returns cli.ErrSkipLine for blank lines and no-op events (turn.started, item.started).
func (b *Backend) ParseLine(line string) (threadrun.Message, error) {
	if strings.TrimSpace(line) == "" {
		return threadrun.Message{}, cli.ErrSkipLine
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return threadrun.Message{}, fmt.Errorf("codex: invalid JSON: %w", err)
	}

	typeStr := jsonutil.GetString(raw, "type")
	if typeStr == "" {
		return threadrun.Message{}, fmt.Errorf("codex: missing or empty type field")
	}

	var msg threadrun.Message
	msg.Raw = json.RawMessage(line)
	msg.Timestamp = time.Now()

	// thread.started — inline (needs Backend state for atomic CAS).
	if typeStr == "thread.started" {
		b.parseThreadStarted(raw, &msg)
		ev := eventcodec.Decode(raw)
		msg.Event = &ev
		return msg, nil
	}

	// No-op events.
	if typeStr == "turn.started" || typeStr == "item.started" {
		return threadrun.Message{}, cli.ErrSkipLine
	}

	if parser, ok := eventParsers[typeStr]; ok {
		parser(raw, &msg)
		ev := eventcodec.Decode(raw)
		msg.Event = &ev
		return msg, nil
	}

	// Unknown event type → MessageSystem carrying the codec's forward-
	// compatibility Raw variant, so no data is lost even for event types
	// this backend doesn't yet recognize by name.
	ev := eventcodec.Decode(raw)
	msg.Event = &ev
	msg.Type = threadrun.MessageSystem
	msg.Content = typeStr
	return msg, nil
}

// parseTurnDiffUpdated handles turn.diff.updated → MessageSystem with the
// decoded diff in Content; full fidelity lives on msg.Event.
func parseTurnDiffUpdated(raw map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageSystem
	msg.Content = "turn.diff.updated: " + jsonutil.GetString(raw, "diff")
}

// parseTurnCompaction handles turn.compaction.started/completed.
func parseTurnCompaction(raw map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageSystem
	typeStr := jsonutil.GetString(raw, "type")
	msg.Content = typeStr + ": " + jsonutil.GetString(raw, "compaction")
}

// parseAccountOrLogin handles account.updated and login.completed.
func parseAccountOrLogin(raw map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageSystem
	typeStr := jsonutil.GetString(raw, "type")
	msg.Content = typeStr + ": " + jsonutil.GetString(raw, "account")
}

// parseRateLimitsUpdated handles rate_limits.updated.
func parseRateLimitsUpdated(raw map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageSystem
	rl := jsonutil.GetMap(raw, "rate_limits")
	msg.Content = fmt.Sprintf("rate_limits.updated: class=%s remaining=%d limit=%d",
		jsonutil.GetString(rl, "class"), jsonutil.GetInt(rl, "remaining"), jsonutil.GetInt(rl, "limit"))
}

// parseToolCallEvent handles tool_call.requested/completed, which report a
// server-initiated tool call outside the item.completed lifecycle (used
// alongside engine/continuation's auto-run bridging).
func parseToolCallEvent(raw map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageSystem
	typeStr := jsonutil.GetString(raw, "type")
	msg.Content = typeStr + ": " + jsonutil.GetString(raw, "name")
}

// parseTurnContinuation handles turn.continuation, the event engine/continuation's
// Runner watches for to keep the auto-run loop going.
func parseTurnContinuation(raw map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageSystem
	msg.Content = "turn.continuation: " + jsonutil.GetString(raw, "token")
}

// parseThreadStarted handles thread.started with thread ID write-once logic.
// First thread.started with valid UUID → MessageInit with ResumeID stored.
// First thread.started with non-UUID → MessageInit (sentinel stored, no ResumeID).
// Subsequent → MessageSystem.
func (b *Backend) parseThreadStarted(raw map[string]any, msg *threadrun.Message) {
	tid := jsonutil.GetString(raw, "thread_id")

	// Attempt write-once capture if ID is a valid UUID.
	// CAS against nil (first event) or sentinel (non-UUID came first).
	if tid != "" && isUUID(tid) {
		if b.threadID.CompareAndSwap(nil, &tid) ||
			b.threadID.CompareAndSwap(&noUUIDSentinel, &tid) {
			msg.Type = threadrun.MessageInit
			msg.ResumeID = tid
			return
		}
	}

	// First thread.started with non-UUID/empty ID — store sentinel so
	// subsequent events correctly fall through to MessageSystem.
	if b.threadID.CompareAndSwap(nil, &noUUIDSentinel) {
		msg.Type = threadrun.MessageInit
		return
	}

	// Subsequent thread.started → system message.
	msg.Type = threadrun.MessageSystem
	msg.Content = "thread.started"
	if tid != "" {
		msg.Content = "thread.started: " + tid
	}
}

// parseItemCompleted delegates to inner itemParsers based on item.type.
func parseItemCompleted(raw map[string]any, msg *threadrun.Message) {
	item := jsonutil.GetMap(raw, "item")
	if item == nil {
		msg.Type = threadrun.MessageSystem
		msg.Content = "item.completed: missing item"
		return
	}

	itemType := jsonutil.GetString(item, "type")
	if parser, ok := itemParsers[itemType]; ok {
		parser(item, msg)
		return
	}

	// Unknown item type → system message.
	msg.Type = threadrun.MessageSystem
	msg.Content = "item.completed/" + itemType
}

// parseAgentMessage handles item.completed/agent_message → MessageText.
func parseAgentMessage(item map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageText
	msg.Content = jsonutil.GetString(item, "text")
}

// parseReasoning handles item.completed/reasoning → MessageThinking.
func parseReasoning(item map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageThinking
	msg.Content = jsonutil.GetString(item, "text")
}

// parseCommandExecution handles item.completed/command_execution → MessageToolResult.
// Tool.Name = "command_execution", Tool.Input = command string, Tool.Output = full marshaled item.
func parseCommandExecution(item map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageToolResult
	msg.Tool = &threadrun.ToolCall{
		Name:   "command_execution",
		Input:  marshalString(jsonutil.GetString(item, "command")),
		Output: marshalItem(item),
	}
}

// parseItemError handles item.completed/error → MessageError.
func parseItemError(item map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageError
	msg.ErrorCode = errfmt.SanitizeCode(jsonutil.GetString(item, "code"))
	message := jsonutil.GetString(item, "message")
	if message == "" {
		message = jsonutil.GetString(item, "text")
	}
	if message == "" {
		message = "unknown error"
	}
	msg.Content = errfmt.Truncate(message)
}

// parseGenericTool returns an itemParser that marshals the full item as Tool.Output.
func parseGenericTool(name string) itemParser {
	return func(item map[string]any, msg *threadrun.Message) {
		msg.Type = threadrun.MessageToolResult
		msg.Tool = &threadrun.ToolCall{
			Name:   name,
			Output: marshalItem(item),
		}
	}
}

// parseMCPToolCall handles item.completed/mcp_tool_call → MessageToolResult.
// Extracts tool name from item; marshals full item as Output.
func parseMCPToolCall(item map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageToolResult
	name := jsonutil.GetString(item, "name")
	if name == "" {
		name = jsonutil.GetString(item, "tool_name")
	}
	if name == "" {
		name = "mcp_tool_call"
	}
	msg.Tool = &threadrun.ToolCall{
		Name:   name,
		Output: marshalItem(item),
	}
}

// parseTurnCompleted handles turn.completed → MessageResult with usage.
func parseTurnCompleted(raw map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageResult
	msg.Usage = parseUsage(raw)
}

// parseTurnFailed handles turn.failed → MessageError.
func parseTurnFailed(raw map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageError
	errObj := jsonutil.GetMap(raw, "error")
	if errObj == nil {
		msg.Content = "turn failed"
		return
	}
	msg.ErrorCode = errfmt.SanitizeCode(jsonutil.GetString(errObj, "code"))
	message := jsonutil.GetString(errObj, "message")
	if message == "" {
		message = "turn failed"
	}
	msg.Content = errfmt.Truncate(message)
}

// parseTopLevelError handles top-level "error" events.
func parseTopLevelError(raw map[string]any, msg *threadrun.Message) {
	msg.Type = threadrun.MessageError
	msg.ErrorCode = errfmt.SanitizeCode(jsonutil.GetString(raw, "code"))
	message := jsonutil.GetString(raw, "message")
	if message == "" {
		message = "unknown error"
	}
	msg.Content = errfmt.Truncate(message)
}

// parseUsage extracts token usage from turn.completed events.
// Path: raw.usage.{input_tokens, cached_input_tokens, output_tokens}
func parseUsage(raw map[string]any) *threadrun.Usage {
	usage := jsonutil.GetMap(raw, "usage")
	if usage == nil {
		return nil
	}

	u := &threadrun.Usage{
		InputTokens:     jsonutil.GetInt(usage, "input_tokens"),
		OutputTokens:    jsonutil.GetInt(usage, "output_tokens"),
		CacheReadTokens: jsonutil.GetInt(usage, "cached_input_tokens"),
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.CacheReadTokens == 0 {
		return nil
	}
	return u
}

// marshalString converts a string to json.RawMessage.
// On marshal failure, returns a diagnostic JSON string rather than nil
// to indicate that Tool.Input existed but couldn't be serialized.
func marshalString(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`"[marshal error: %v]"`, err))
	}
	return data
}

// marshalItem marshals a map to json.RawMessage for Tool.Output.
func marshalItem(item map[string]any) json.RawMessage {
	if item == nil {
		return nil
	}
	data, err := json.Marshal(item)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`"[marshal error: %v]"`, err))
	}
	return data
}
