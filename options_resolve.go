package threadrun

// OptionLayers are merged, in order, into one effective option map by
// MergeOptionLayers: built-in defaults, then process-wide Options, then
// options derived from typed Session fields (Model, CWD, ...), then
// per-Thread options, then per-Turn options. Each layer is a plain
// map[string]string so that "key present with empty value" (an explicit
// override to false/none/zero) is distinguishable from "key absent"
// (inherit the prior layer) — callers must never substitute a zero Go
// string for an intentionally-unset option.
type OptionLayers struct {
	Defaults    map[string]string // layer 1: built-in default
	ProcessWide map[string]string // layer 2: codex-wide Options, constructed once per host process
	Derived     map[string]string // layer 3: projected from typed Session/Thread fields
	ThreadLevel map[string]string // layer 4: per-Thread Options
	TurnLevel   map[string]string // layer 5: per-Turn Options
}

// InvalidOverrideError is returned by MergeOptionLayers when a later layer
// sets a key to a value Validate rejects for that key.
type InvalidOverrideError struct {
	Key   string
	Value string
}

func (e *InvalidOverrideError) Error() string {
	return "threadrun: invalid option override " + e.Key + "=" + e.Value
}

// Validate is an optional hook a caller supplies to MergeOptionLayers to
// reject invalid per-key values (e.g. an unrecognized Mode or HITL
// string) as they're applied, layer by layer, rather than silently at use
// time. A nil Validate accepts everything.
type Validate func(key, value string) bool

// MergeOptionLayers applies each non-nil layer of l in order (Defaults
// first, TurnLevel last-and-winning) into a single map. Layers are never
// mutated — the result is always a fresh map, so the caller's layer maps
// stay immutable across repeated merges for different turns.
//
// When validate is non-nil, a later layer overriding a key with a value
// validate rejects returns *InvalidOverrideError instead of silently
// applying it; the effective map returned in that case is the merge up to
// (not including) the rejected key.
func MergeOptionLayers(l OptionLayers, validate Validate) (map[string]string, error) {
	out := make(map[string]string)
	layers := []map[string]string{l.Defaults, l.ProcessWide, l.Derived, l.ThreadLevel, l.TurnLevel}
	for _, layer := range layers {
		for k, v := range layer {
			if validate != nil && !validate(k, v) {
				return out, &InvalidOverrideError{Key: k, Value: v}
			}
			out[k] = v
		}
	}
	return out, nil
}

// DerivedOptions projects the typed fields of Session that also have an
// Options-map equivalent (layer 3 of MergeOptionLayers): Model as "model"
// and CWD as "cwd". A caller can set those keys via Session.Options OR rely
// on the typed fields without the two ever silently fighting — DerivedOptions always
// runs before ThreadLevel/TurnLevel, so explicit option-map entries at
// those layers still win.
func DerivedOptions(s Session) map[string]string {
	out := make(map[string]string, 2)
	if s.Model != "" {
		out["model"] = s.Model
	}
	if s.CWD != "" {
		out["cwd"] = s.CWD
	}
	return out
}
