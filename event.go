package threadrun

import "encoding/json"

// EventKind discriminates the closed set of Event variants produced by
// both turn transports (C5 exec-JSONL, C6 app-server RPC) before they are
// folded into a Message by each backend's parser, and before they are
// folded into a TurnResult by the turn engine.
type EventKind string

const (
	EventThreadStarted           EventKind = "thread_started"
	EventTurnStarted             EventKind = "turn_started"
	EventTurnCompleted           EventKind = "turn_completed"
	EventItemStarted             EventKind = "item_started"
	EventItemUpdated             EventKind = "item_updated"
	EventItemCompleted           EventKind = "item_completed"
	EventTokenUsageUpdated       EventKind = "token_usage_updated"
	EventTurnDiffUpdated         EventKind = "turn_diff_updated"
	EventTurnCompactionStarted   EventKind = "turn_compaction_started"
	EventTurnCompactionCompleted EventKind = "turn_compaction_completed"
	EventAccountUpdated          EventKind = "account_updated"
	EventLoginCompleted          EventKind = "login_completed"
	EventRateLimitsUpdated       EventKind = "rate_limits_updated"
	EventToolCallRequested       EventKind = "tool_call_requested"
	EventToolCallCompleted       EventKind = "tool_call_completed"
	EventError                   EventKind = "error"
	EventTurnContinuation        EventKind = "turn_continuation"
	// EventRaw is the catch-all forward-compatibility variant: a wire event
	// whose method/type the codec does not recognize. Its full original
	// object is preserved in RawParams so a round trip never drops data.
	EventRaw EventKind = "raw"
)

// TurnStatus is the closed set of values Event.Status takes on TurnCompleted.
type TurnStatus string

const (
	TurnStatusCompleted TurnStatus = "completed"
	TurnStatusFailed    TurnStatus = "failed"
)

// CompactionStage distinguishes the two TurnCompaction lifecycle events.
type CompactionStage string

const (
	CompactionStarted   CompactionStage = "started"
	CompactionCompleted CompactionStage = "completed"
)

// RateLimitSnapshot mirrors a backend's rate-limit header/event payload
// (e.g. a parsed Retry-After window plus the limit class it applies to).
type RateLimitSnapshot struct {
	Class      string `json:"class,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
	Remaining  int    `json:"remaining,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// Event is the closed sum type Decode and Encode (internal/eventcodec)
// convert between. Only the fields relevant to Kind are populated by a decode; all
// fields round-trip through Extra when the source object carried keys this
// type does not model by name.
type Event struct {
	Kind     EventKind `json:"kind"`
	ThreadID string    `json:"thread_id,omitempty"`
	TurnID   string    `json:"turn_id,omitempty"`

	// EventTurnCompleted
	Status        TurnStatus `json:"status,omitempty"`
	Error         string     `json:"error,omitempty"`
	FinalResponse *Item      `json:"final_response,omitempty"`

	// EventItemStarted / ItemUpdated / ItemCompleted
	Item *Item `json:"item,omitempty"`

	// EventTokenUsageUpdated
	Usage *Usage `json:"usage,omitempty"`
	Delta *Usage `json:"delta,omitempty"`

	// EventTurnDiffUpdated
	Diff string `json:"diff,omitempty"`

	// EventTurnCompaction*
	CompactionStage CompactionStage `json:"compaction_stage,omitempty"`
	Compaction      string          `json:"compaction,omitempty"`

	// EventAccountUpdated / LoginCompleted / RateLimitsUpdated
	Account    string             `json:"account,omitempty"`
	RateLimits *RateLimitSnapshot `json:"rate_limits,omitempty"`

	// EventToolCallRequested / ToolCallCompleted
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`

	// EventError
	Message string `json:"message,omitempty"`

	// EventTurnContinuation
	ContinuationToken string `json:"continuation_token,omitempty"`

	// EventRaw
	RawMethod string         `json:"raw_method,omitempty"`
	RawParams map[string]any `json:"raw_params,omitempty"`

	// Metadata carries ThreadStarted's free-form metadata mapping.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Extra preserves wire keys not modeled above, keyed by the event's
	// own field names, so re-encoding an event this process only observed
	// (never originated) reconstructs the source object byte-for-byte
	// modulo key order.
	Extra map[string]any `json:"extra,omitempty"`
}
