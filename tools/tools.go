// Package tools implements the tool registry: an atomically-registered,
// unordered mapping from tool name to its schema, handler, and metrics.
// Registration is insert-if-absent; invocation is schema-validated,
// enablement-gated, and latency-tracked.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ParamType is one of the simple JSON Schema types GenerateSchema accepts
// for a tool parameter.
type ParamType string

const (
	ParamNumber  ParamType = "number"
	ParamString  ParamType = "string"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
)

// GenerateSchema produces a strict JSON Schema for an object with exactly
// the given parameters, all required and no additional properties allowed:
//
//	{"type":"object","properties":{...},"required":[...],"additionalProperties":false}
//
// Parameter iteration order does not matter; the "required" list always
// contains every key in params.
func GenerateSchema(params map[string]ParamType) json.RawMessage {
	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for name, typ := range params {
		properties[name] = map[string]any{"type": string(typ)}
		required = append(required, name)
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		// doc is built entirely from maps/slices/strings; Marshal cannot fail.
		panic(fmt.Sprintf("tools: generate schema: %v", err))
	}
	return raw
}

// AlreadyRegisteredError is returned by Register when name is already taken.
type AlreadyRegisteredError struct{ Name string }

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("tools: %s: already_registered", e.Name)
}

// NotRegisteredError is returned when name has no registered entry.
type NotRegisteredError struct{ Name string }

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("tools: %s: not_registered", e.Name)
}

// DisabledError is returned by Invoke/Validate when a registered tool is
// currently gated off.
type DisabledError struct{ Name string }

func (e *DisabledError) Error() string {
	return fmt.Sprintf("tools: %s: tool_disabled", e.Name)
}

// Handler executes a tool call and returns its raw JSON output.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ErrorConverter converts a failed invocation's error into a normal,
// non-error output — e.g. rendering it as a tool_result the model can see
// and react to instead of aborting the turn. Returning ok=false leaves the
// error as-is.
type ErrorConverter func(name string, args json.RawMessage, err error) (output json.RawMessage, ok bool)

// Spec describes a single callable tool: its name, an optional description,
// and a JSON Schema (draft 2020-12, as accepted by jsonschema/v6) for its
// input parameters. Use GenerateSchema to build Schema from a simple
// parameter declaration.
type Spec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Metrics holds per-tool invocation counters and latency stats. Safe for
// concurrent use. A Registry's metrics table is meant to be held by the
// process that owns tool dispatch for the thread's lifetime, so a caller
// can snapshot it independently of any one invocation's goroutine.
type Metrics struct {
	Calls          atomic.Int64
	Failures       atomic.Int64
	Validation     atomic.Int64 // calls rejected by schema validation
	TotalLatencyNs atomic.Int64
	LastLatencyNs  atomic.Int64
	lastErr        atomic.Pointer[string]
}

// LastError returns the most recent invocation error's message, or "" if
// none has occurred yet.
func (m *Metrics) LastError() string {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

func (m *Metrics) recordError(err error) {
	msg := err.Error()
	m.lastErr.Store(&msg)
}

type entry struct {
	spec    Spec
	schema  *jsonschema.Schema // nil when Spec.Schema is empty
	handler Handler
	onError ErrorConverter
	enabled atomic.Bool
	metrics Metrics
}

// Registry holds registered tool specs keyed by name. The zero value is
// not usable; construct with NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register compiles spec's schema (if any) and adds it to the registry,
// enabled by default, with no handler. Register fails with
// *AlreadyRegisteredError if a tool with the same name is already
// registered — registration is insert-if-absent, not replace.
func (r *Registry) Register(spec Spec) error {
	return r.RegisterFunc(spec, nil, nil)
}

// RegisterFunc is like Register but also attaches the handler Invoke
// dispatches to, and an optional onError converter applied when handler
// returns an error.
func (r *Registry) RegisterFunc(spec Spec, handler Handler, onError ErrorConverter) error {
	var schema *jsonschema.Schema
	if len(spec.Schema) > 0 {
		var doc any
		if err := json.Unmarshal(spec.Schema, &doc); err != nil {
			return fmt.Errorf("tools: %s: unmarshal schema: %w", spec.Name, err)
		}
		c := jsonschema.NewCompiler()
		resourceID := "tool:" + spec.Name
		if err := c.AddResource(resourceID, doc); err != nil {
			return fmt.Errorf("tools: %s: add schema resource: %w", spec.Name, err)
		}
		compiled, err := c.Compile(resourceID)
		if err != nil {
			return fmt.Errorf("tools: %s: compile schema: %w", spec.Name, err)
		}
		schema = compiled
	}

	e := &entry{spec: spec, schema: schema, handler: handler, onError: onError}
	e.enabled.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.Name]; exists {
		return &AlreadyRegisteredError{Name: spec.Name}
	}
	r.entries[spec.Name] = e
	return nil
}

// SetEnabled toggles whether a registered tool may be invoked. Disabled
// tools fail Validate/Invoke with a *DisabledError.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	e.enabled.Store(enabled)
	return nil
}

// Specs returns the specs of all registered tools, in no particular order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.spec)
	}
	return out
}

// Metrics returns the tool's live invocation counters (not a copy), or nil
// if name is not registered.
func (r *Registry) Metrics(name string) *Metrics {
	e, err := r.lookup(name)
	if err != nil {
		return nil
	}
	return &e.metrics
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotRegisteredError{Name: name}
	}
	return e, nil
}

// Validate checks argsJSON against the tool's registered schema (if any)
// and records the outcome in that tool's Metrics, without invoking its
// handler. Returns an error if the tool is unknown, disabled, or the
// arguments fail schema validation.
func (r *Registry) Validate(name string, argsJSON json.RawMessage) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	if !e.enabled.Load() {
		return &DisabledError{Name: name}
	}

	e.metrics.Calls.Add(1)

	if e.schema == nil {
		return nil
	}
	var args any
	if len(argsJSON) == 0 {
		args = map[string]any{}
	} else if err := json.Unmarshal(argsJSON, &args); err != nil {
		e.metrics.Failures.Add(1)
		e.metrics.Validation.Add(1)
		e.metrics.recordError(err)
		return fmt.Errorf("tools: %s: unmarshal args: %w", name, err)
	}
	if err := e.schema.Validate(args); err != nil {
		e.metrics.Failures.Add(1)
		e.metrics.Validation.Add(1)
		e.metrics.recordError(err)
		return fmt.Errorf("tools: %s: validate args: %w", name, err)
	}
	return nil
}

// Invoke validates argsJSON, then routes the call to the tool's registered
// handler, recording call count, failure count, and latency regardless of
// outcome. If the handler errors and the tool was registered with an
// ErrorConverter that accepts the error, Invoke returns the converted
// output and a nil error instead.
func (r *Registry) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if !e.enabled.Load() {
		return nil, &DisabledError{Name: name}
	}
	if e.handler == nil {
		return nil, fmt.Errorf("tools: %s: no handler registered", name)
	}

	if err := r.Validate(name, argsJSON); err != nil {
		return nil, err
	}

	start := time.Now()
	out, callErr := e.handler(ctx, argsJSON)
	elapsed := time.Since(start)

	e.metrics.LastLatencyNs.Store(int64(elapsed))
	e.metrics.TotalLatencyNs.Add(int64(elapsed))

	if callErr == nil {
		return out, nil
	}

	e.metrics.Failures.Add(1)
	e.metrics.recordError(callErr)

	if e.onError != nil {
		if converted, ok := e.onError(name, argsJSON, callErr); ok {
			return converted, nil
		}
	}
	return nil, callErr
}
