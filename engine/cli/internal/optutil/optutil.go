// Package optutil provides shared option resolution helpers for CLI backends.
package optutil

import (
	"fmt"

	"github.com/threadrun/threadrun"
)

// RootOptionsSet reports whether either OptionMode or OptionHITL is present
// in opts. When true, root options take precedence over backend-specific
// permission/sandbox options.
func RootOptionsSet(opts map[string]string) bool {
	return opts[threadrun.OptionMode] != "" || opts[threadrun.OptionHITL] != ""
}

// ValidateModeHITL checks OptionMode and OptionHITL for valid values,
// prefixing any error with backend for diagnostics.
func ValidateModeHITL(backend string, opts map[string]string) error {
	if mode := threadrun.Mode(opts[threadrun.OptionMode]); mode != "" && !mode.Valid() {
		return fmt.Errorf("%s: unknown mode %q: valid: plan, act", backend, mode)
	}
	if hitl := threadrun.HITL(opts[threadrun.OptionHITL]); hitl != "" && !hitl.Valid() {
		return fmt.Errorf("%s: unknown hitl %q: valid: on, off", backend, hitl)
	}
	return nil
}

// ValidateEffort checks OptionEffort for a valid value, prefixing any error
// with backend for diagnostics.
func ValidateEffort(backend string, opts map[string]string) error {
	if e := threadrun.Effort(opts[threadrun.OptionEffort]); e != "" && !e.Valid() {
		return fmt.Errorf("%s: unknown effort %q: valid: low, medium, high, max", backend, e)
	}
	return nil
}
