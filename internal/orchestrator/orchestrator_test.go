package orchestrator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/danshapiro/runr/internal/ledger"
	"github.com/danshapiro/runr/internal/model"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.Open(filepath.Join(t.TempDir(), "task-status.json"))
}

func pendingTrack(id string, owns []string, dependsOn []string) model.Track {
	return model.Track{
		ID:     id,
		Status: model.TrackPending,
		Steps:  []model.Step{{TaskPath: id + "/step1.md", OwnsNormalized: owns, DependsOn: dependsOn}},
	}
}

func TestTick_LaunchesLowestIDWhenMultipleEligible(t *testing.T) {
	state := &model.OrchestratorState{Tracks: []model.Track{
		pendingTrack("track-2", []string{"b/**"}, nil),
		pendingTrack("track-1", []string{"a/**"}, nil),
	}}
	d, err := Tick(state, PolicyParallel, newLedger(t))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != "launch" || d.TrackID != "track-1" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestTick_OwnershipCollisionBlocksLaunch(t *testing.T) {
	state := &model.OrchestratorState{Tracks: []model.Track{
		{ID: "track-1", Status: model.TrackRunning, Steps: []model.Step{{TaskPath: "t1", OwnsNormalized: []string{"shared/**"}}}},
		pendingTrack("track-2", []string{"shared/**"}, nil),
	}}
	d, err := Tick(state, PolicyParallel, newLedger(t))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != "wait" {
		t.Fatalf("decision = %+v, want wait", d)
	}
}

func TestTick_SerializePolicyBlocksAllWhenAnyRunning(t *testing.T) {
	state := &model.OrchestratorState{Tracks: []model.Track{
		{ID: "track-1", Status: model.TrackRunning, Steps: []model.Step{{TaskPath: "t1", OwnsNormalized: []string{"a/**"}}}},
		pendingTrack("track-2", []string{"b/**"}, nil), // no ownership overlap, would be fine under parallel
	}}
	d, err := Tick(state, PolicySerialize, newLedger(t))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != "wait" {
		t.Fatalf("decision = %+v, want wait under serialize policy", d)
	}
}

func TestTick_UnmetDependenciesBlockLaunch(t *testing.T) {
	l := newLedger(t)
	state := &model.OrchestratorState{Tracks: []model.Track{
		pendingTrack("track-1", []string{"a/**"}, []string{"other/task.md"}),
	}}
	d, err := Tick(state, PolicyParallel, l)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != "wait" {
		t.Fatalf("decision = %+v, want wait on unmet deps", d)
	}

	now := time.Now().UTC()
	if err := l.Transition("other/task.md", model.TaskPending, now, model.TaskLedgerEntry{}); err != nil {
		t.Fatal(err)
	}
	if err := l.Transition("other/task.md", model.TaskInProgress, now, model.TaskLedgerEntry{}); err != nil {
		t.Fatal(err)
	}
	if err := l.Transition("other/task.md", model.TaskCompleted, now, model.TaskLedgerEntry{}); err != nil {
		t.Fatal(err)
	}

	d, err = Tick(state, PolicyParallel, l)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != "launch" || d.TrackID != "track-1" {
		t.Fatalf("decision = %+v, want launch after dependency completed", d)
	}
}

func TestTick_StopsWhenNoPendingTracksRemain(t *testing.T) {
	state := &model.OrchestratorState{Tracks: []model.Track{
		{ID: "track-1", Status: model.TrackComplete},
		{ID: "track-2", Status: model.TrackFailed},
	}}
	d, err := Tick(state, PolicyParallel, newLedger(t))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != "stop" {
		t.Fatalf("decision = %+v, want stop", d)
	}
}

func TestApplyBudget_TicksAndMinutes(t *testing.T) {
	b := Budget{MaxTicks: 5, TimeBudgetMinutes: 10}
	if reason := ApplyBudget(4, 5, b); reason != "" {
		t.Fatalf("reason = %q, want empty (within budget)", reason)
	}
	if reason := ApplyBudget(5, 5, b); reason != "max_ticks_reached" {
		t.Fatalf("reason = %q, want max_ticks_reached", reason)
	}
	if reason := ApplyBudget(0, 10, b); reason != "time_budget_exceeded" {
		t.Fatalf("reason = %q, want time_budget_exceeded", reason)
	}
}

func TestShouldAutoResume_CircuitBreakerBlocksRepeatedSignature(t *testing.T) {
	budget := DefaultBudget()
	track := &model.Track{LastStopSignature: StopSignature("worker_failed", "t/a.md")}
	if ShouldAutoResume(track, true, StopSignature("worker_failed", "t/a.md"), budget) {
		t.Fatal("expected circuit breaker to block a repeated signature")
	}
	if !ShouldAutoResume(track, true, StopSignature("scope_violation", "t/a.md"), budget) {
		t.Fatal("expected a new signature to be eligible")
	}
}

func TestShouldAutoResume_RespectsRetryCapAndAutoResumableFlag(t *testing.T) {
	budget := Budget{MaxAutoResumeRetries: 1}
	track := &model.Track{AutoResumeCount: 1}
	if ShouldAutoResume(track, true, "sig", budget) {
		t.Fatal("expected retry cap to block further auto-resume")
	}
	fresh := &model.Track{}
	if ShouldAutoResume(fresh, false, "sig", budget) {
		t.Fatal("expected non-auto-resumable stop reason to block")
	}
}
