package threadrun

import "encoding/json"

// ItemKind discriminates the closed set of Item variants. An Item's Kind
// determines which of its payload fields are populated; the rest are zero.
type ItemKind string

const (
	ItemAgentMessage  ItemKind = "agent_message"
	ItemReasoning     ItemKind = "reasoning"
	ItemCommandExec   ItemKind = "command_execution"
	ItemFileChange    ItemKind = "file_change"
	ItemMcpToolCall   ItemKind = "mcp_tool_call"
	ItemWebSearch     ItemKind = "web_search"
	ItemTodoList      ItemKind = "todo_list"
	ItemGhostSnapshot ItemKind = "ghost_snapshot"
	ItemToolOutput    ItemKind = "tool_output"
)

// FileChangeKind classifies a single path mutation inside a FileChange item.
type FileChangeKind string

const (
	FileChangeAdd    FileChangeKind = "add"
	FileChangeUpdate FileChangeKind = "update"
	FileChangeDelete FileChangeKind = "delete"
	FileChangeMove   FileChangeKind = "move"
)

// FileChangeEntry is one path mutation within a FileChange item.
type FileChangeEntry struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff,omitempty"`
}

// TodoEntry is one line item within a TodoList item.
type TodoEntry struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Item is the closed sum type of turn content produced inside ItemStarted,
// ItemUpdated, and ItemCompleted events (see Event). Exactly the fields
// relevant to Kind are populated; unset fields are left at their zero value
// rather than being proof of absence across re-encodes of events this
// process didn't originate — Extra preserves those.
type Item struct {
	ID   string   `json:"id,omitempty"`
	Kind ItemKind `json:"kind"`

	// ItemAgentMessage
	Text string `json:"text,omitempty"`

	// ItemReasoning
	Summary []string `json:"summary,omitempty"`
	Content []string `json:"content,omitempty"`

	// ItemCommandExec
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Status           string `json:"status,omitempty"`

	// ItemFileChange
	Changes []FileChangeEntry `json:"changes,omitempty"`

	// ItemMcpToolCall
	Server string `json:"server,omitempty"`
	Tool   string `json:"tool,omitempty"`

	// ItemWebSearch
	Query string `json:"query,omitempty"`

	// ItemTodoList
	Todos []TodoEntry `json:"todos,omitempty"`

	// ItemGhostSnapshot
	CommitInfo string `json:"commit_info,omitempty"`

	// ItemToolOutput
	CallID     string          `json:"call_id,omitempty"`
	OutputKind string          `json:"output_kind,omitempty"`
	OutputText string          `json:"output_text,omitempty"`
	OutputRef  string          `json:"output_ref,omitempty"`
	OutputRaw  json.RawMessage `json:"output_raw,omitempty"`

	// Extra preserves wire keys this type doesn't model by name, so that
	// decoding and re-encoding an Item the process didn't originate (replay,
	// tests, pass-through to a host UI) is lossless.
	Extra map[string]any `json:"extra,omitempty"`
}
