package guard

import (
	"strings"

	"github.com/danshapiro/runr/internal/model"
)

// maxGrepOutputBytes is the cap on grep_output evidence (spec.md §4.D).
const maxGrepOutputBytes = 8 * 1024

// EvidenceResult is the outcome of the evidence gate.
type EvidenceResult struct {
	Accepted bool
	Reason   string
}

// CheckEvidence implements the evidence gate (spec.md §4.D): at least one
// of three conditions must hold for a no_changes_needed claim to be
// accepted, otherwise the caller should retry the milestone or stop as
// review_loop_detected (that stop-reason decision is the supervisor's,
// not this gate's).
func CheckEvidence(lock ScopeLock, allowlistAdd []string, ev model.Evidence) EvidenceResult {
	allow := append(append([]string{}, lock.Allowlist...), allowlistAdd...)

	if len(ev.FilesChecked) > 0 {
		allMatch := true
		for _, f := range ev.FilesChecked {
			if !matchesAny(allow, Normalize(f)) {
				allMatch = false
				break
			}
		}
		if allMatch {
			return EvidenceResult{Accepted: true, Reason: "files_checked all within allowlist"}
		}
	}

	if trimmed := strings.TrimSpace(ev.GrepOutput); trimmed != "" && len([]byte(ev.GrepOutput)) <= maxGrepOutputBytes {
		return EvidenceResult{Accepted: true, Reason: "non-empty grep_output within size cap"}
	}

	if len(ev.CommandsRun) > 0 {
		allZero := true
		for _, c := range ev.CommandsRun {
			if c.ExitCode != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			return EvidenceResult{Accepted: true, Reason: "commands_run all exited zero"}
		}
	}

	return EvidenceResult{Accepted: false, Reason: "no qualifying evidence for no_changes_needed"}
}
