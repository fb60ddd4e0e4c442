package cli

import (
	"errors"

	"github.com/threadrun/threadrun"
)

// ErrSkipLine is returned by Parser.ParseLine for lines that carry no
// reportable message (blank lines, no-op lifecycle events such as
// turn.started). scanLines treats it as "continue", not as a parse failure.
var ErrSkipLine = errors.New("cli: skip line")

// Backend identifies a concrete CLI agent integration. Every backend
// implements Spawner and Parser at minimum; Resumer, Streamer, and
// InputFormatter are optional capabilities resolved via type assertion
// in resolveCapabilities.
type Backend interface {
	Spawner
	Parser
}

// Spawner builds the argument vector for a brand-new subprocess invocation.
// SpawnArgs must not fail — invalid or unsafe option values are silently
// skipped rather than returned as an error, since the Process interface
// gives Start no error path for argument construction.
type Spawner interface {
	// SpawnArgs returns the binary name (or path) and argument vector for
	// starting a new session against session.
	SpawnArgs(session threadrun.Session) (string, []string)
}

// Parser turns one line of subprocess stdout into a threadrun.Message.
// Implementations return ErrSkipLine for lines that carry no reportable
// content.
type Parser interface {
	// ParseLine parses a single line of raw subprocess output.
	ParseLine(line string) (threadrun.Message, error)
}

// Resumer is an optional capability for backends that support resuming a
// prior session by ID, either to re-attach across process restarts or to
// implement spawn-per-turn conversations (Send replaces the subprocess).
type Resumer interface {
	// ResumeArgs returns the binary name (or path) and argument vector for
	// resuming session, carrying initialPrompt as the first turn's input.
	// Unlike SpawnArgs, ResumeArgs has an error return and backends are
	// expected to validate strictly.
	ResumeArgs(session threadrun.Session, initialPrompt string) (string, []string, error)
}

// Streamer is an optional capability for backends that accept input over a
// long-lived stdin pipe rather than one subprocess per turn. Present only
// when combined with InputFormatter.
type Streamer interface {
	// StreamArgs returns the binary name (or path) and argument vector for
	// a long-lived streaming session.
	StreamArgs(session threadrun.Session) (string, []string)
}

// InputFormatter is an optional capability that encodes a user message for
// delivery over a Streamer's stdin pipe.
type InputFormatter interface {
	// FormatInput encodes message for writing to the subprocess stdin.
	FormatInput(message string) ([]byte, error)
}
