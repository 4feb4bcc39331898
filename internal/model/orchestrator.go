package model

// TrackStatus is a Track's lifecycle state (spec.md §3).
type TrackStatus string

const (
	TrackPending  TrackStatus = "pending"
	TrackRunning  TrackStatus = "running"
	TrackComplete TrackStatus = "complete"
	TrackStopped  TrackStatus = "stopped"
	TrackFailed   TrackStatus = "failed"
	TrackBlocked  TrackStatus = "blocked"
)

// Step is one unit of work within a Track: a task path with its
// dependencies and the file globs it may touch.
type Step struct {
	TaskPath        string   `json:"task_path"`
	DependsOn       []string `json:"depends_on"`
	OwnsNormalized  []string `json:"owns_normalized"`
	ActiveRunID     string   `json:"active_run_id,omitempty"`
	Result          string   `json:"result,omitempty"`
}

// Track is an ordered sequence of Steps scheduled by the orchestrator
// (spec.md §3, §4.H). Track ids are auto-assigned "track-N".
type Track struct {
	ID              string      `json:"id"`
	Status          TrackStatus `json:"status"`
	Steps           []Step      `json:"steps"`
	AutoResumeCount int         `json:"auto_resume_count"`
	// LastStopSignature identifies the (stop_reason, step) pair that most
	// recently caused this track to stop, for the loop-restart-style
	// circuit breaker (SPEC_FULL.md §12): repeated identical signatures
	// trip the breaker instead of retrying forever.
	LastStopSignature string `json:"last_stop_signature,omitempty"`
}

// CurrentStep returns the first step still pending/in-flight, or nil if
// all steps are resolved.
func (t *Track) CurrentStep() *Step {
	for i := range t.Steps {
		if t.Steps[i].Result == "" {
			return &t.Steps[i]
		}
	}
	return nil
}

// OrchestratorState is the set of Tracks driving one orchestration
// (spec.md §3). It holds no state that isn't also reconstructible from
// per-run directories plus the task ledger (§3 lifecycle rule iv).
type OrchestratorState struct {
	Tracks       []Track `json:"tracks"`
	Tick         int     `json:"tick"`
	MaxTicks     int     `json:"max_ticks,omitempty"`
	TimeBudgetMinutes int `json:"time_budget_minutes,omitempty"`
}

// RunningOwnsSets returns the owns sets of every currently running track's
// current step, used by the scheduler's ownership-collision check.
func (s *OrchestratorState) RunningOwnsSets() map[string][]string {
	out := map[string][]string{}
	for i := range s.Tracks {
		t := &s.Tracks[i]
		if t.Status != TrackRunning {
			continue
		}
		if step := t.CurrentStep(); step != nil {
			out[t.ID] = step.OwnsNormalized
		}
	}
	return out
}
