package threadrun

import "strings"

// Cross-cutting Session.Options keys recognized by every engine. Backend
// packages define their own namespaced keys (e.g. "codex.sandbox") for
// options that have no cross-backend equivalent; see each backend's
// package doc for its local keys.
const (
	// OptionMode selects the agent's operating mode. Values are Mode
	// constants. When set, it takes precedence over any backend-specific
	// permission/sandbox option (see each backend's resolve*Policy logic).
	OptionMode = "mode"

	// OptionHITL controls whether the agent pauses for human-in-the-loop
	// approval before taking actions. Values are HITL constants.
	OptionHITL = "hitl"

	// OptionResumeID carries the backend's session/thread identifier to
	// resume. Consumed by Resumer.ResumeArgs and ACP's session/load.
	OptionResumeID = "resume_id"

	// OptionSystemPrompt overrides the agent's system prompt.
	OptionSystemPrompt = "system_prompt"

	// OptionMaxTurns caps the number of agent turns for the session.
	OptionMaxTurns = "max_turns"

	// OptionThinkingBudget caps the token budget for the agent's reasoning.
	OptionThinkingBudget = "thinking_budget"

	// OptionEffort selects the reasoning effort level. Values are Effort
	// constants.
	OptionEffort = "effort"

	// OptionAddDirs lists additional directories the agent may access,
	// encoded as a comma-separated string. See ParseListOption.
	OptionAddDirs = "add_dirs"

	// OptionAgentID selects which agent identity/profile a multi-agent
	// backend should use (e.g. OpenCode's agent selector).
	OptionAgentID = "agent_id"
)

// Mode selects the agent's operating mode.
type Mode string

const (
	// ModePlan restricts the agent to read-only planning; it must not
	// take mutating actions without further approval.
	ModePlan Mode = "plan"

	// ModeAct allows the agent to take actions per its HITL setting.
	ModeAct Mode = "act"
)

// Valid reports whether m is a recognized Mode value.
func (m Mode) Valid() bool {
	switch m {
	case ModePlan, ModeAct:
		return true
	}
	return false
}

// HITL controls whether the agent pauses for human approval.
type HITL string

const (
	// HITLOn requires human approval before the agent takes actions.
	HITLOn HITL = "on"

	// HITLOff lets the agent act without pausing for approval.
	HITLOff HITL = "off"
)

// Valid reports whether h is a recognized HITL value.
func (h HITL) Valid() bool {
	switch h {
	case HITLOn, HITLOff:
		return true
	}
	return false
}

// Effort selects a reasoning effort level.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
	EffortMax    Effort = "max"
)

// Valid reports whether e is a recognized Effort value.
func (e Effort) Valid() bool {
	switch e {
	case EffortLow, EffortMedium, EffortHigh, EffortMax:
		return true
	}
	return false
}

// ParseListOption splits opts[key] on commas into a trimmed, non-empty
// string slice, skipping entries that contain a null byte. Returns nil if
// the key is absent or empty.
func ParseListOption(opts map[string]string, key string) []string {
	v := opts[key]
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" && !strings.Contains(p, "\x00") {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
