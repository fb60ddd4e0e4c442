// Package config turns host-supplied dotted-path configuration overrides
// (e.g. "sandbox.network_access=true") into the TOML-scalar key=value pairs
// the Codex CLI's repeatable --config flag expects, and provides the
// dotted-path JSON plumbing used to validate and inspect override sets
// before they reach a subprocess argument vector.
package config

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Override is one config-override assignment: a dotted path and a raw
// string value as supplied by the host (e.g. from a CLI flag or an
// OptionConfigOverrides entry).
type Override struct {
	Path  string
	Value string
}

// ParseOverrides splits a comma-separated "path=value" list (the wire
// encoding used by OptionConfigOverrides) into Override values. Empty
// entries are skipped. Entries without "=" are rejected.
func ParseOverrides(csv string) ([]Override, error) {
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	out := make([]Override, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		path, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("config: override %q missing '='", p)
		}
		path = strings.TrimSpace(path)
		if path == "" {
			return nil, fmt.Errorf("config: override %q has an empty path", p)
		}
		out = append(out, Override{Path: path, Value: strings.TrimSpace(value)})
	}
	return out, nil
}

// CoerceScalar interprets raw as its most specific TOML scalar type:
// bool, int64, float64, or — failing those — string. This mirrors how a
// human-authored TOML value would be typed, so "true" becomes a boolean
// flag rather than the literal string "true".
func CoerceScalar(raw string) any {
	if raw == "true" || raw == "false" {
		return raw == "true"
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// scalarWrapper round-trips a single value through the TOML encoder to
// obtain its canonical TOML literal form (e.g. `"text"`, `true`, `3.14`).
type scalarWrapper struct {
	V any `toml:"v"`
}

// EncodeScalar renders v as a TOML scalar literal, as accepted by Codex's
// "--config key=value" flag. Strings are quoted; bools and numbers are not.
func EncodeScalar(v any) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(scalarWrapper{V: v}); err != nil {
		return "", fmt.Errorf("config: encode scalar: %w", err)
	}
	line := strings.TrimSpace(buf.String())
	_, literal, ok := strings.Cut(line, "=")
	if !ok {
		return "", fmt.Errorf("config: encode scalar: unexpected TOML output %q", line)
	}
	return strings.TrimSpace(literal), nil
}

// BuildFlags renders overrides as a flat "--config", "path=literal", ...
// argument sequence suitable for appending to a Codex exec/resume command
// line. Invalid TOML encodings are skipped rather than failing the whole
// batch, matching the Spawner contract that argument construction must
// not error.
func BuildFlags(overrides []Override) []string {
	args := make([]string, 0, len(overrides)*2)
	for _, o := range overrides {
		literal, err := EncodeScalar(CoerceScalar(o.Value))
		if err != nil {
			continue
		}
		args = append(args, "--config", o.Path+"="+literal)
	}
	return args
}

// Flatten auto-expands nested JSON-shaped overrides ({"model":{"personality":"x"}})
// into dotted-path Overrides ("model.personality=x"), so a host can supply
// either shape and BuildFlags renders the same "--config path=value" pairs.
// Leaf values are rendered through CoerceScalar/EncodeScalar rules already
// applied by BuildFlags, so Flatten only needs to produce the dotted path
// and the leaf's raw string form.
func Flatten(doc map[string]any) []Override {
	var out []Override
	flattenInto(&out, "", doc)
	return out
}

func flattenInto(out *[]Override, prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, nested := range val {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			flattenInto(out, path, nested)
		}
	default:
		*out = append(*out, Override{Path: prefix, Value: fmt.Sprintf("%v", val)})
	}
}

// Unflatten assembles a nested JSON document from dotted-path overrides,
// so a host can inspect or diff the effective configuration tree before
// it is rendered to TOML flags.
func Unflatten(overrides []Override) (string, error) {
	doc := "{}"
	for _, o := range overrides {
		var err error
		doc, err = sjson.Set(doc, o.Path, CoerceScalar(o.Value))
		if err != nil {
			return "", fmt.Errorf("config: unflatten %q: %w", o.Path, err)
		}
	}
	return doc, nil
}

// Get reads a dotted path out of a JSON document produced by Unflatten
// (or any JSON document), returning the zero gjson.Result if absent.
func Get(doc, path string) gjson.Result {
	return gjson.Get(doc, path)
}
