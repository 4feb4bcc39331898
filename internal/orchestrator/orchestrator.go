// Package orchestrator implements the Orchestrator Scheduler (spec.md
// §4.H): a single-tick decision function over a DAG of Tracks, grounded
// on the pack's neurobridge-backend OrchestratorState/StageState
// durable-snapshot design and governator's in-flight-set idea for
// ownership collision checks.
package orchestrator

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/danshapiro/runr/internal/ledger"
	"github.com/danshapiro/runr/internal/model"
)

// CollisionPolicy governs whether tracks may run concurrently (spec.md §4.H).
type CollisionPolicy string

const (
	PolicySerialize CollisionPolicy = "serialize"
	PolicyParallel  CollisionPolicy = "parallel"
)

// Decision is the scheduler's single-tick output.
type Decision struct {
	Action  string // "launch" | "wait" | "stop"
	TrackID string // set when Action == "launch"
	Reason  string // diagnostic, set for "wait" and "stop"
}

// Budget bounds one orchestration (spec.md §4.H).
type Budget struct {
	MaxTicks            int
	TimeBudgetMinutes   int
	MaxAutoResumeRetries int // default 3
}

func DefaultBudget() Budget {
	return Budget{MaxTicks: 1000, TimeBudgetMinutes: 0, MaxAutoResumeRetries: 3}
}

// Tick makes exactly one scheduling decision (spec.md §4.H launch
// eligibility + tie-break + decision rules). It consults deps only for
// dependency satisfaction; ownership collision is computed purely off
// the in-memory state, since "currently running" is part of state.
func Tick(state *model.OrchestratorState, policy CollisionPolicy, deps *ledger.Ledger) (Decision, error) {
	running := state.RunningOwnsSets()
	anyRunning := len(running) > 0

	var eligible []*model.Track
	var blocked []string

	for i := range state.Tracks {
		t := &state.Tracks[i]
		if t.Status != model.TrackPending {
			continue
		}
		step := t.CurrentStep()
		if step == nil {
			continue
		}

		if policy == PolicySerialize && anyRunning {
			blocked = append(blocked, fmt.Sprintf("%s: collision policy is serialize and another track is running", t.ID))
			continue
		}

		if collidesWithRunning(step.OwnsNormalized, running, t.ID) {
			blocked = append(blocked, fmt.Sprintf("%s: owns set collides with a running track", t.ID))
			continue
		}

		satisfied, err := deps.DependenciesSatisfied(step.DependsOn)
		if err != nil {
			return Decision{}, err
		}
		if !satisfied {
			blocked = append(blocked, fmt.Sprintf("%s: unmet dependencies %v", t.ID, step.DependsOn))
			continue
		}

		eligible = append(eligible, t)
	}

	if len(eligible) > 0 {
		// Tie-break: lowest track id, which is insertion order since track
		// ids are assigned sequentially (spec.md §4.H tie-break rule).
		// Shorter ids sort first so "track-2" precedes "track-10".
		winner := eligible[0]
		for _, t := range eligible[1:] {
			if len(t.ID) < len(winner.ID) || (len(t.ID) == len(winner.ID) && t.ID < winner.ID) {
				winner = t
			}
		}
		return Decision{Action: "launch", TrackID: winner.ID}, nil
	}

	if len(blocked) > 0 {
		return Decision{Action: "wait", Reason: blocked[0]}, nil
	}

	return Decision{Action: "stop", Reason: "no pending tracks remain eligible"}, nil
}

// collidesWithRunning reports whether candidateOwns overlaps any running
// track's owns set, by glob cross-match in both directions (either
// pattern matching a path drawn from the other set counts as a
// collision, since both sides are glob expressions, not literal paths).
func collidesWithRunning(candidateOwns []string, running map[string][]string, selfID string) bool {
	for trackID, owns := range running {
		if trackID == selfID {
			continue
		}
		if globSetsOverlap(candidateOwns, owns) {
			return true
		}
	}
	return false
}

// globSetsOverlap reports whether any pattern in a matches any literal
// path implied by a pattern in b, or vice versa. Since owns entries are
// globs rather than concrete paths, an exact string match or a
// one-way doublestar.Match in either direction is treated as overlap;
// this is a conservative approximation (false positives are safe, since
// they only serialize tracks that could otherwise run concurrently).
func globSetsOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if pa == pb {
				return true
			}
			if ok, err := doublestar.Match(pa, pb); err == nil && ok {
				return true
			}
			if ok, err := doublestar.Match(pb, pa); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// ApplyBudget reports the stop reason if ticks or elapsed minutes have
// exceeded budget, or "" if still within bounds (spec.md §4.H "Budget").
func ApplyBudget(tick int, elapsedMinutes int, budget Budget) string {
	if budget.MaxTicks > 0 && tick >= budget.MaxTicks {
		return "max_ticks_reached"
	}
	if budget.TimeBudgetMinutes > 0 && elapsedMinutes >= budget.TimeBudgetMinutes {
		return "time_budget_exceeded"
	}
	return ""
}

// StopSignature identifies a (stop_reason, task_path) pair for the
// loop-restart-style circuit breaker (SPEC_FULL.md §12): a track that
// reproduces the same signature on consecutive auto-resumes is blocked
// rather than retried forever, independent of the flat auto_resume_count
// cap.
func StopSignature(stopReason, taskPath string) string {
	return stopReason + "@" + taskPath
}

// ShouldAutoResume decides whether a stopped track is eligible for
// automatic resume (spec.md §4.H "Auto-resume"): the stop reason must be
// auto-resumable, the flat retry cap must not be exhausted, and the new
// signature must differ from the last one recorded (otherwise the same
// failure would resume forever).
func ShouldAutoResume(track *model.Track, autoResumable bool, newSignature string, budget Budget) bool {
	if !autoResumable {
		return false
	}
	if track.AutoResumeCount >= budget.MaxAutoResumeRetries {
		return false
	}
	if track.LastStopSignature != "" && track.LastStopSignature == newSignature {
		return false
	}
	return true
}
