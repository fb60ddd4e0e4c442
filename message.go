package threadrun

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of message from an agent process.
type MessageType string

const (
	// MessageText is complete assistant text output.
	MessageText MessageType = "text"

	// MessageTextDelta is a token-level streaming fragment of assistant text.
	// Only emitted by engines that support partial-message streaming.
	MessageTextDelta MessageType = "text_delta"

	// MessageThinkingDelta is a token-level streaming fragment of the
	// agent's reasoning/thinking content.
	MessageThinkingDelta MessageType = "thinking_delta"

	// MessageThinking is complete assistant reasoning/thinking content.
	MessageThinking MessageType = "thinking"

	// MessageToolUse indicates the agent is invoking a tool.
	MessageToolUse MessageType = "tool_use"

	// MessageToolUseDelta is a token-level streaming fragment of a tool
	// call's input being constructed.
	MessageToolUseDelta MessageType = "tool_use_delta"

	// MessageToolResult contains the output of a tool invocation.
	MessageToolResult MessageType = "tool_result"

	// MessageResult marks the end of a turn, carrying the stop reason and
	// cumulative token usage for that turn.
	MessageResult MessageType = "result"

	// MessageContextWindow reports the agent's context-window fill level
	// (size/used), distinct from the per-turn Usage on MessageResult.
	MessageContextWindow MessageType = "context_window"

	// MessageError indicates an error from the agent or runtime.
	MessageError MessageType = "error"

	// MessageSystem contains system-level messages (e.g., status changes).
	MessageSystem MessageType = "system"

	// MessageInit is the handshake message sent at session start.
	MessageInit MessageType = "init"

	// MessageEOF signals the end of the message stream.
	MessageEOF MessageType = "eof"
)

// StopReason classifies why a turn ended. Values are backend-defined
// strings, sanitized to strip control characters before reaching
// consumers. The constants below cover the common cross-backend cases;
// backends may report other values verbatim.
type StopReason string

const (
	// StopEndTurn means the agent completed its turn normally.
	StopEndTurn StopReason = "end_turn"

	// StopMaxTokens means the turn was cut off by a token budget limit.
	StopMaxTokens StopReason = "max_tokens"

	// StopToolUse means the turn ended because the agent invoked a tool
	// and is awaiting its result.
	StopToolUse StopReason = "tool_use"
)

// Message is a structured output from an agent process.
type Message struct {
	// Type identifies the kind of message.
	Type MessageType `json:"type"`

	// Content is the text content (for Text, Error, System messages).
	Content string `json:"content,omitempty"`

	// Tool contains tool invocation details (for ToolUse, ToolResult messages).
	Tool *ToolCall `json:"tool,omitempty"`

	// Usage contains token usage data (typically on Result messages).
	Usage *Usage `json:"usage,omitempty"`

	// StopReason classifies why the turn ended. Set on MessageResult, and
	// transiently carried on earlier messages by backends that surface it
	// before the result (see CLI's applyStopReasonCarryForward).
	StopReason StopReason `json:"stop_reason,omitempty"`

	// ErrorCode is a short machine-readable classifier for MessageError.
	ErrorCode string `json:"error_code,omitempty"`

	// ResumeID is the session/thread identifier the backend assigned or
	// resumed. Set on MessageInit.
	ResumeID string `json:"resume_id,omitempty"`

	// Init carries handshake metadata (agent name/version, active model).
	// Set on MessageInit; nil when no such metadata is available.
	Init *InitMeta `json:"init,omitempty"`

	// Process carries subprocess metadata (PID, binary path).
	// Set on MessageInit when the backend is a subprocess engine.
	Process *ProcessMeta `json:"process,omitempty"`

	// Event carries the closed-sum-type decoding of Raw (see Event, and
	// internal/eventcodec), when the backend's parser was able to
	// classify the line through the codec. Populated alongside the
	// flattened fields above rather than instead of them — Event is the
	// lossless form; Type/Content/Tool/etc. remain the common-case
	// shortcut most callers use.
	Event *Event `json:"event,omitempty"`

	// Raw is the original unparsed JSON from the backend.
	// Backends populate this for pass-through or debugging.
	Raw json.RawMessage `json:"raw,omitempty"`

	// RawLine is the original unparsed output line from stdout.
	// Used for crash-recovery log pipelines and audit logging.
	RawLine string `json:"raw_line,omitempty"`

	// Timestamp is when the message was produced.
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall describes a tool invocation by the agent.
type ToolCall struct {
	// Name is the tool identifier.
	Name string `json:"name"`

	// Input is the tool's input parameters as raw JSON.
	Input json.RawMessage `json:"input,omitempty"`

	// Output is the tool's result as raw JSON.
	Output json.RawMessage `json:"output,omitempty"`
}

// Usage contains token usage data from the agent's model.
type Usage struct {
	// InputTokens is the number of prompt tokens consumed.
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the number of tokens generated.
	OutputTokens int `json:"output_tokens"`

	// CacheReadTokens is the number of tokens served from a prompt cache.
	CacheReadTokens int `json:"cache_read_tokens,omitempty"`

	// CacheWriteTokens is the number of tokens written to a prompt cache.
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`

	// ThinkingTokens is the number of reasoning/thinking tokens generated.
	ThinkingTokens int `json:"thinking_tokens,omitempty"`

	// CostUSD is the reported monetary cost of the turn, in US dollars.
	CostUSD float64 `json:"cost_usd,omitempty"`

	// ContextSizeTokens is the context window capacity (on MessageContextWindow).
	ContextSizeTokens int `json:"context_size_tokens,omitempty"`

	// ContextUsedTokens is the number of context window tokens in use (on MessageContextWindow).
	ContextUsedTokens int `json:"context_used_tokens,omitempty"`
}

// InitMeta carries handshake metadata reported by the agent process.
// Fields are sanitized (control characters stripped) before they reach
// a Message.
type InitMeta struct {
	// AgentName is the agent implementation's self-reported name.
	AgentName string `json:"agent_name,omitempty"`

	// AgentVersion is the agent implementation's self-reported version.
	AgentVersion string `json:"agent_version,omitempty"`

	// Model is the model identifier active for the session, when the
	// backend reports one at handshake time.
	Model string `json:"model,omitempty"`
}

// ProcessMeta carries subprocess identity for diagnostics.
type ProcessMeta struct {
	// PID is the subprocess's process ID.
	PID int `json:"pid"`

	// Binary is the resolved path of the executed binary.
	Binary string `json:"binary"`
}
