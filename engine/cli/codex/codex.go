package codex

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/threadrun/threadrun"
	"github.com/threadrun/threadrun/config"
	"github.com/threadrun/threadrun/engine/cli"
	"github.com/threadrun/threadrun/engine/cli/internal/jsonutil"
	"github.com/threadrun/threadrun/engine/cli/internal/optutil"
)

// Session option keys specific to the Codex backend.
// Namespaced with "codex." to prevent collision across backends.
// Cross-cutting options (OptionMode, OptionHITL, OptionResumeID)
// are defined in the root threadrun package.
const (
	// OptionSandbox sets the --sandbox flag for codex exec.
	// Values should be Sandbox constants (SandboxReadOnly, etc.).
	// First turn only — not available on exec resume.
	// Ignored when root OptionMode or OptionHITL is set (independent surfaces).
	OptionSandbox = "codex.sandbox"

	// OptionEphemeral enables --ephemeral mode (no session persistence).
	// Any non-empty value adds the flag.
	OptionEphemeral = "codex.ephemeral"

	// OptionProfile sets the -p <profile> flag for codex exec.
	// First turn only — not available on exec resume.
	OptionProfile = "codex.profile"

	// OptionOutputSchema sets the --output-schema <file> flag.
	// First turn only — not available on exec resume.
	OptionOutputSchema = "codex.output_schema"

	// OptionSkipGitCheck adds --skip-git-repo-check.
	// Any non-empty value adds the flag.
	OptionSkipGitCheck = "codex.skip_git_check"

	// OptionConfigOverrides carries a comma-separated list of
	// "dotted.path=value" config overrides, rendered as repeated
	// "--config dotted.path=TOMLvalue" flags (see package config).
	// Available on both exec and exec resume.
	OptionConfigOverrides = "codex.config_overrides"

	// OptionImages carries a comma-separated list of absolute attachment
	// paths, rendered as repeated "--image <path>" flags. On resume, these
	// always come after the resume subcommand/thread-id (resume precedes
	// attachments — see buildResumeCommand).
	OptionImages = "codex.images"

	// OptionCancellationToken forwards the turn's opaque cancellation
	// token as "--cancellation-token <token>" (see transport/cancel).
	OptionCancellationToken = "codex.cancellation_token"

	// OptionCD sets the working directory via "--cd <dir>", distinct from
	// Session.CWD which controls the spawned process's actual cwd; --cd
	// tells Codex which directory to treat as the project root.
	OptionCD = "codex.cd"

	// OptionOSS enables the open-source-stack mode via "--oss".
	OptionOSS = "codex.oss"

	// OptionLocalProvider sets "--local-provider <name>" for a
	// locally-hosted model provider.
	OptionLocalProvider = "codex.local_provider"

	// OptionDangerousBypass adds
	// "--dangerously-bypass-approvals-and-sandbox". Any non-empty value
	// adds the flag; callers are expected to gate this behind their own
	// confirmation UX, same as the CLI does.
	OptionDangerousBypass = "codex.dangerously_bypass_approvals_and_sandbox"

	// OptionOutputLastMessage sets "--output-last-message <path>", asking
	// Codex to additionally persist the turn's final message to a file.
	OptionOutputLastMessage = "codex.output_last_message"

	// OptionColor sets "--color <mode>" (e.g. "always", "never", "auto").
	OptionColor = "codex.color"

	// OptionResumeLast requests "exec resume --last" instead of resuming a
	// specific thread ID; any non-empty value selects this form, and it
	// takes precedence over OptionResumeID/auto-captured thread ID.
	OptionResumeLast = "codex.resume_last"

	// OptionReviewBase switches the subcommand to "codex exec review
	// --base <ref>", requesting a review turn against a git ref rather
	// than a normal exec/resume turn.
	OptionReviewBase = "codex.review_base"
)

// Sandbox controls the sandbox policy via --sandbox.
type Sandbox string

const (
	SandboxReadOnly       Sandbox = "read-only"
	SandboxWorkspaceWrite Sandbox = "workspace-write"
	SandboxFullAccess     Sandbox = "danger-full-access"
)

// validSandbox reports whether s is a recognized sandbox value.
func validSandbox(s Sandbox) bool {
	switch s {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxFullAccess:
		return true
	}
	return false
}

// CLI subcommand and flag constants (goconst).
const (
	subcmdExec   = "exec"
	subcmdResume = "resume"
	subcmdReview = "review"
	flagJSON     = "--json"
	flagLast     = "--last"
)

const defaultBinary = "codex"

// noUUIDSentinel is stored in threadID when the first thread.started has a
// non-UUID ID. This distinguishes "init emitted, no UUID" from "nothing
// happened yet" and prevents duplicate MessageInit emissions.
var noUUIDSentinel = "\x00"

// Backend is a Codex CLI backend for threadrun.
// It implements cli.Spawner, cli.Parser, and cli.Resumer.
//
// Codex does NOT support streaming input (no cli.Streamer or
// cli.InputFormatter). Multi-turn conversation uses resume-per-turn:
// each Send() spawns a new subprocess via "codex exec resume".
//
// One Backend instance per session. The thread ID is auto-captured
// from the first thread.started event via atomic write-once.
type Backend struct {
	binary   string
	threadID atomic.Pointer[string] // write-once from thread.started
}

// Compile-time interface satisfaction checks.
var (
	_ cli.Backend = (*Backend)(nil)
	_ cli.Spawner = (*Backend)(nil)
	_ cli.Parser  = (*Backend)(nil)
	_ cli.Resumer = (*Backend)(nil)
)

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithBinary overrides the Codex CLI binary path.
// Empty values are ignored; the default is "codex".
func WithBinary(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.binary = path
		}
	}
}

// New creates a Codex CLI backend with the given options.
// The default binary is "codex".
func New(opts ...Option) *Backend {
	b := &Backend{binary: defaultBinary}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SpawnArgs builds exec.Cmd arguments for a new Codex session.
// When OptionResumeID is set, produces "exec resume" subcommand.
// Invalid option values are silently skipped per the Spawner contract.
func (b *Backend) SpawnArgs(session threadrun.Session) (string, []string) {
	opts := session.Options

	// OptionReviewBase present → "exec review --base <ref>" instead of a
	// normal turn; a review is still a first-turn exec, never a resume.
	if ref := opts[OptionReviewBase]; ref != "" && !jsonutil.ContainsNull(ref) {
		return b.binary, buildReviewCommand(ref, session)
	}

	// OptionResumeLast or OptionResumeID present → subcommand switch to "exec resume".
	last := opts[OptionResumeLast] != ""
	id := opts[threadrun.OptionResumeID]
	if last || (id != "" && !jsonutil.ContainsNull(id)) {
		args := buildResumeCommand(id, session)
		if session.Prompt != "" && !jsonutil.ContainsNull(session.Prompt) {
			args = append(args, session.Prompt)
		}
		return b.binary, args
	}
	return b.binary, buildExecCommand(session)
}

// ResumeArgs builds exec.Cmd arguments to resume an existing Codex session.
// The thread ID is resolved from:
//  1. The atomic write-once ID captured from thread.started (auto-capture)
//  2. session.Options[OptionResumeID] (explicit fallback)
//
// Returns an error if no thread ID is available, if the prompt
// contains null bytes, or if session options are invalid.
func (b *Backend) ResumeArgs(session threadrun.Session, initialPrompt string) (string, []string, error) {
	if err := validateSessionOptions(session.Options); err != nil {
		return "", nil, err
	}

	last := session.Options[OptionResumeLast] != ""
	tid := b.resolveThreadID(session)
	if !last && tid == "" {
		return "", nil, errors.New("codex: no thread ID available (not captured from thread.started and not set via OptionResumeID)")
	}
	if jsonutil.ContainsNull(tid) {
		return "", nil, errors.New("codex: thread ID contains null bytes")
	}
	if jsonutil.ContainsNull(initialPrompt) {
		return "", nil, errors.New("codex: initial prompt contains null bytes")
	}

	args := buildResumeCommand(tid, session)
	if initialPrompt != "" {
		args = append(args, initialPrompt)
	}
	return b.binary, args, nil
}

// ThreadID returns the auto-captured thread ID, or empty string if not yet
// captured or if only a non-UUID sentinel was stored.
func (b *Backend) ThreadID() string {
	if p := b.threadID.Load(); p != nil && *p != noUUIDSentinel {
		return *p
	}
	return ""
}

// resolveThreadID returns the thread ID from the atomic store (auto-capture)
// or from OptionResumeID. Stored ID takes precedence. Sentinel values are
// treated as empty (fall through to OptionResumeID).
func (b *Backend) resolveThreadID(session threadrun.Session) string {
	if p := b.threadID.Load(); p != nil && *p != noUUIDSentinel {
		return *p
	}
	return session.Options[threadrun.OptionResumeID]
}

// buildExecCommand builds args for: codex exec --json [exec-only] [common] [policy] [--image ...] -- <prompt>
func buildExecCommand(session threadrun.Session) []string {
	args := []string{subcmdExec, flagJSON}
	args = appendExecOnlyArgs(args, session)
	args = appendCommonArgs(args, session)
	args = appendExecPolicy(args, session.Options)
	args = appendAttachments(args, session.Options)
	args = appendCancellationToken(args, session.Options)

	// POSIX -- separator prevents prompt content from being parsed as flags.
	args = append(args, "--")
	if session.Prompt != "" && !jsonutil.ContainsNull(session.Prompt) {
		args = append(args, session.Prompt)
	}
	return args
}

// buildResumeCommand builds args for:
//
//	codex exec resume [--last] --json [common] [--full-auto] [--image ...] -- <thread_id>? [prompt]
//
// Does NOT append the prompt — caller adds it (SpawnArgs uses session.Prompt, ResumeArgs uses initialPrompt).
// Note: --sandbox is NOT supported on exec resume — sandbox policy is set on the first exec only.
//
// The resume subcommand (and --last, when present) always precede any
// --image attachment flags, per the resume-before-attachments ordering
// invariant — satisfied here by construction, since appendAttachments
// runs after the subcommand tokens are already in args.
func buildResumeCommand(threadID string, session threadrun.Session) []string {
	args := []string{subcmdExec, subcmdResume}
	last := session.Options[OptionResumeLast] != ""
	if last {
		args = append(args, flagLast)
	}
	args = append(args, flagJSON)
	args = appendCommonArgs(args, session)
	args = appendResumePolicy(args, session.Options)
	args = appendAttachments(args, session.Options)
	args = appendCancellationToken(args, session.Options)
	// POSIX -- separator prevents threadID/prompt from being parsed as flags.
	args = append(args, "--")
	if !last {
		args = append(args, threadID)
	}
	return args
}

// buildReviewCommand builds args for: codex exec review --base <ref> --json [common]
func buildReviewCommand(ref string, session threadrun.Session) []string {
	args := []string{subcmdExec, subcmdReview, "--base", ref, flagJSON}
	args = appendCommonArgs(args, session)
	return args
}

// appendAttachments appends "--image <path>" for each entry in
// OptionImages, in list order.
func appendAttachments(args []string, opts map[string]string) []string {
	for _, path := range threadrun.ParseListOption(opts, OptionImages) {
		if !jsonutil.ContainsNull(path) && !strings.HasPrefix(path, "-") {
			args = append(args, "--image", path)
		}
	}
	return args
}

// appendCancellationToken appends "--cancellation-token <token>" when set.
func appendCancellationToken(args []string, opts map[string]string) []string {
	if tok := opts[OptionCancellationToken]; tok != "" && !jsonutil.ContainsNull(tok) {
		args = append(args, "--cancellation-token", tok)
	}
	return args
}

// codexEffort maps root Effort values to Codex model_reasoning_effort values.
// max → "xhigh" is a Codex-specific mapping.
var codexEffort = map[threadrun.Effort]string{
	threadrun.EffortLow:    "low",
	threadrun.EffortMedium: "medium",
	threadrun.EffortHigh:   "high",
	threadrun.EffortMax:    "xhigh",
}

// appendCommonArgs appends flags available on both exec and exec resume.
func appendCommonArgs(args []string, session threadrun.Session) []string {
	if m := session.Model; m != "" && !jsonutil.ContainsNull(m) && !strings.HasPrefix(m, "-") {
		args = append(args, "-m", m)
	}

	if session.Options[OptionEphemeral] != "" {
		args = append(args, "--ephemeral")
	}

	if session.Options[OptionSkipGitCheck] != "" {
		args = append(args, "--skip-git-repo-check")
	}

	if session.Options[OptionOSS] != "" {
		args = append(args, "--oss")
	}

	if session.Options[OptionDangerousBypass] != "" {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}

	if cd := session.Options[OptionCD]; cd != "" && !jsonutil.ContainsNull(cd) && !strings.HasPrefix(cd, "-") {
		args = append(args, "--cd", cd)
	}

	if lp := session.Options[OptionLocalProvider]; lp != "" && !jsonutil.ContainsNull(lp) && !strings.HasPrefix(lp, "-") {
		args = append(args, "--local-provider", lp)
	}

	if c := session.Options[OptionColor]; c != "" && !jsonutil.ContainsNull(c) && !strings.HasPrefix(c, "-") {
		args = append(args, "--color", c)
	}

	if out := session.Options[OptionOutputLastMessage]; out != "" && !jsonutil.ContainsNull(out) && !strings.HasPrefix(out, "-") {
		args = append(args, "--output-last-message", out)
	}

	// Effort: Codex supports low, medium, high, max (max → "xhigh"), coerced
	// to the model's supported set by the caller before reaching here; an
	// empty/"use-config" sentinel is left unset rather than forwarded.
	if e := threadrun.Effort(session.Options[threadrun.OptionEffort]); e != "" {
		if v, ok := codexEffort[e]; ok {
			args = append(args, "--config", "model_reasoning_effort="+v)
		}
	}

	// Additional directories.
	for _, dir := range threadrun.ParseListOption(session.Options, threadrun.OptionAddDirs) {
		if filepath.IsAbs(dir) && !strings.HasPrefix(dir, "-") {
			args = append(args, "--add-dir", dir)
		}
	}

	// Arbitrary --config dotted.path=value config overrides. Malformed
	// entries are dropped silently — SpawnArgs/StreamArgs must not fail.
	if overrides, err := config.ParseOverrides(session.Options[OptionConfigOverrides]); err == nil {
		args = append(args, config.BuildFlags(overrides)...)
	}

	return args
}

// appendExecOnlyArgs appends flags only available on first-turn exec (not resume).
func appendExecOnlyArgs(args []string, session threadrun.Session) []string {
	if p := session.Options[OptionProfile]; p != "" && !jsonutil.ContainsNull(p) && !strings.HasPrefix(p, "-") {
		args = append(args, "-p", p)
	}

	if s := session.Options[OptionOutputSchema]; s != "" && !jsonutil.ContainsNull(s) && !strings.HasPrefix(s, "-") {
		args = append(args, "--output-schema", s)
	}

	return args
}

// appendResumePolicy appends only --full-auto for resume commands.
// Unlike exec, resume does NOT support --sandbox. The sandbox policy
// established on the first exec turn persists for the session.
func appendResumePolicy(args []string, opts map[string]string) []string {
	if resolveResumeFullAuto(opts) {
		args = append(args, "--full-auto")
	}
	return args
}

// resolveResumeFullAuto decides whether --full-auto applies on resume.
// ModePlan always suppresses --full-auto. Backend-specific OptionSandbox
// is not relevant (--sandbox is exec-only).
func resolveResumeFullAuto(opts map[string]string) bool {
	if !optutil.RootOptionsSet(opts) {
		return false
	}
	mode := threadrun.Mode(opts[threadrun.OptionMode])
	if mode == threadrun.ModePlan {
		return false
	}
	hitl := threadrun.HITL(opts[threadrun.OptionHITL])
	return hitl == threadrun.HITLOff
}

// appendExecPolicy appends the resolved --sandbox or --full-auto flag for exec (first turn).
func appendExecPolicy(args []string, opts map[string]string) []string {
	sandbox, fullAuto := resolveExecPolicy(opts)
	if sandbox != "" {
		args = append(args, "--sandbox", sandbox)
	}
	if fullAuto {
		args = append(args, "--full-auto")
	}
	return args
}

// resolveExecPolicy maps root-level OptionMode/OptionHITL and backend-specific
// OptionSandbox to --sandbox and --full-auto flags.
//
// Root options and backend options are independent control surfaces:
// when root options are set, OptionSandbox is ignored.
//
// Key invariant: ModePlan ALWAYS suppresses --full-auto because --full-auto
// implies --sandbox workspace-write, which would defeat plan-mode safety.
//
// Returns (sandboxValue, fullAuto).
func resolveExecPolicy(opts map[string]string) (string, bool) {
	mode := threadrun.Mode(opts[threadrun.OptionMode])
	hitl := threadrun.HITL(opts[threadrun.OptionHITL])

	if optutil.RootOptionsSet(opts) {
		// ModePlan wins — read-only sandbox, no full-auto.
		if mode == threadrun.ModePlan {
			return string(SandboxReadOnly), false
		}
		// HITLOff without ModePlan → full-auto (no explicit sandbox).
		if hitl == threadrun.HITLOff {
			return "", true
		}
		// act+on, just act, just hitl=on → default behavior.
		return "", false
	}

	// Root absent — use backend-specific options.
	var sandbox string
	if s := Sandbox(opts[OptionSandbox]); s != "" && validSandbox(s) && !jsonutil.ContainsNull(string(s)) {
		sandbox = string(s)
	}

	return sandbox, false
}

// validateSessionOptions performs strict validation of session options used
// by ResumeArgs. Checks mode, HITL, sandbox enum, and effort values.
func validateSessionOptions(opts map[string]string) error {
	if err := optutil.ValidateModeHITL("codex", opts); err != nil {
		return err
	}
	if err := validateSandboxIfNoRoot(opts); err != nil {
		return err
	}
	if e := threadrun.Effort(opts[threadrun.OptionEffort]); e != "" && !e.Valid() {
		return fmt.Errorf("codex: unknown effort %q: valid: low, medium, high, max", e)
	}
	if _, err := config.ParseOverrides(opts[OptionConfigOverrides]); err != nil {
		return fmt.Errorf("codex: %w", err)
	}
	return nil
}

// validateSandboxIfNoRoot validates OptionSandbox only when root options
// (OptionMode/OptionHITL) are absent — they are independent surfaces.
func validateSandboxIfNoRoot(opts map[string]string) error {
	if optutil.RootOptionsSet(opts) {
		return nil
	}
	s := Sandbox(opts[OptionSandbox])
	if s != "" && !validSandbox(s) {
		return fmt.Errorf("codex: unknown sandbox %q: valid: read-only, workspace-write, danger-full-access", s)
	}
	return nil
}
