// Package guard implements the Scope Guard and Evidence Gate (spec.md
// §4.D): allow/deny glob matching over the changed-file set, and the
// evidentiary bar an implementer must clear to claim no_changes_needed.
package guard

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ScopeLock is the allow/deny pattern pair a run is locked to.
type ScopeLock struct {
	Allowlist []string
	Denylist  []string
}

// CheckResult is the mandatory return shape of Check (SPEC_FULL.md §12:
// guard-ignored file counting is always populated, not just on failure).
type CheckResult struct {
	Allowed          []string
	Violations       []string
	IgnoredCount     int
	IgnoreCheckStatus string
}

// Normalize puts a glob pattern or path into the canonical relative,
// forward-slashed form the spec requires for comparison (spec.md §3).
func Normalize(p string) string {
	p = filepath_ToSlash(p)
	p = strings.TrimPrefix(p, "./")
	return p
}

func filepath_ToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// matchesAny reports whether path matches any of the given glob patterns.
func matchesAny(patterns []string, p string) bool {
	for _, pat := range patterns {
		ok, err := doublestar.Match(Normalize(pat), p)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// Check classifies a changed-file set (spec.md §4.D). ignoredCount is how
// many paths the git adapter already reported as ignored (counted, not
// checked against allow/deny since they were dropped before classification
// — see gitutil.ListChangedFiles); trackedChanged holds every tracked
// changed path (including rename/delete pairs, each checked independently).
// allowlistAdd is additive-only per spec.md §4.D.
func Check(lock ScopeLock, allowlistAdd []string, trackedChanged []string, ignoredCount int, ignoreCheckStatus string) CheckResult {
	allow := append(append([]string{}, lock.Allowlist...), allowlistAdd...)

	res := CheckResult{
		IgnoredCount:      ignoredCount,
		IgnoreCheckStatus: ignoreCheckStatus,
	}
	for _, p := range trackedChanged {
		norm := Normalize(p)
		allowed := matchesAny(allow, norm) && !matchesAny(lock.Denylist, norm)
		if allowed {
			res.Allowed = append(res.Allowed, norm)
		} else {
			res.Violations = append(res.Violations, norm)
		}
	}
	return res
}

// Passed reports whether the scope check found no violations.
func (r CheckResult) Passed() bool {
	return len(r.Violations) == 0
}

// ExpandPresets resolves scope.presets (spec.md §6) into additional
// allowlist globs, looked up from a static preset table (spec.md §9:
// "Scope Preset table" is immutable data, not a singleton).
func ExpandPresets(presets []string, table map[string][]string) []string {
	var out []string
	for _, name := range presets {
		out = append(out, table[name]...)
	}
	return out
}

// DefaultPresetTable is a small built-in set of common scope presets.
// Configs may supply their own via scope.presets lookups in the future;
// this is the baseline shipped with runr.
var DefaultPresetTable = map[string][]string{
	"go-module":  {"**/*.go", "go.mod", "go.sum"},
	"docs":       {"**/*.md", "docs/**"},
	"ci":         {".github/workflows/**"},
}

// RenamePaths expands a rename/copy entry into the two independently
// checked paths spec.md §4.D requires ("deletions and renames are treated
// as two paths").
func RenamePaths(oldPath, newPath string) []string {
	return []string{Normalize(oldPath), Normalize(newPath)}
}

// IsGlobPattern is a light heuristic for deciding whether a
// scope.lockfiles entry should be glob-matched or compared as a literal
// path (lockfiles are typically literal: go.sum, package-lock.json).
func IsGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}
