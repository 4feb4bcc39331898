// Package supervisor implements the Supervisor State Machine (spec.md
// §4.F): an explicit phase enum plus transition function, grounded on the
// teacher's engine.go runLoop (phase progression, retry counters,
// checkpoint-after-verify) and backoff.go's deterministic seeded delay.
// No exception-based control flow: every failure path returns a tagged
// stop reason instead of propagating a raw error up through phases.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danshapiro/runr/internal/diagnosis"
	"github.com/danshapiro/runr/internal/gitutil"
	"github.com/danshapiro/runr/internal/guard"
	"github.com/danshapiro/runr/internal/journal"
	"github.com/danshapiro/runr/internal/model"
	"github.com/danshapiro/runr/internal/verify"
	"github.com/danshapiro/runr/internal/worker"
)

// Limits are the supervisor's bounded-retry configuration (spec.md §4.F).
type Limits struct {
	MaxPhaseRetries        int // default 2
	MaxVerifyRetries       int // default 3
	MaxReviewRequestChanges int // default 3 consecutive -> review_loop_detected
	StallTimeout           time.Duration
}

func DefaultLimits() Limits {
	return Limits{MaxPhaseRetries: 2, MaxVerifyRetries: 3, MaxReviewRequestChanges: 3, StallTimeout: 12 * time.Second}
}

// Deps bundles the collaborators a Supervisor drives (spec.md §2
// components B-E wired together by F).
type Deps struct {
	Store       *journal.Store
	RepoDir     string
	RunWorktree string
	ChkDir      string // shared <runs-root>/../checkpoints directory
	PlanWorker  func(ctx context.Context, run *model.Run) ([]model.Milestone, error)
	ImplementWorker func(ctx context.Context, run *model.Run) (model.ImplementOutcome, error)
	ReviewWorker    func(ctx context.Context, run *model.Run) (model.ReviewStatus, error)
	VerifyConfig verify.Config
	Scope        guard.ScopeLock
	Limits       Limits
}

// Supervisor drives one Run through the phase state machine. It is
// single-threaded cooperative (spec.md §5): only a worker call or a
// verification command may block, and no shared memory is touched while
// one is in flight.
type Supervisor struct {
	deps Deps
	run  *model.Run
}

// New creates a Supervisor for an already-initialized run (either fresh
// from INIT or reconstituted by the resume planner).
func New(deps Deps, run *model.Run) *Supervisor {
	return &Supervisor{deps: deps, run: run}
}

// Run drives the state machine to completion or to STOPPED, returning the
// final stop reason code (spec.md §4.F canonical codes).
func (s *Supervisor) Run(ctx context.Context) (string, error) {
	for s.run.Phase != model.PhaseStopped {
		select {
		case <-ctx.Done():
			return s.stop(diagnosis.UserStopped, "context cancelled")
		default:
		}

		s.run.PhaseStartedAt = time.Now()
		if err := s.emit(model.EventPhaseStart, map[string]any{"phase": s.run.Phase, "milestone_index": s.run.MilestoneIndex}); err != nil {
			return "", err
		}

		var reason string
		var err error
		switch s.run.Phase {
		case model.PhaseInit:
			reason, err = s.doInit(ctx)
		case model.PhasePlan:
			reason, err = s.doPlan(ctx)
		case model.PhaseImplement:
			reason, err = s.doImplement(ctx)
		case model.PhaseVerify:
			reason, err = s.doVerify(ctx)
		case model.PhaseReview:
			reason, err = s.doReview(ctx)
		case model.PhaseCheckpoint:
			reason, err = s.doCheckpoint(ctx)
		case model.PhaseFinalize:
			reason, err = s.doFinalize(ctx)
		default:
			return s.stop(diagnosis.WorkerFailed, fmt.Sprintf("unknown phase %q", s.run.Phase))
		}
		if err != nil {
			return "", err
		}
		if reason != "" {
			return s.stop(reason, "")
		}

		if err := s.deps.Store.SnapshotState(s.run); err != nil {
			return "", err
		}
	}
	return s.run.StopReason, nil
}

// advance records the current phase as last-successful and moves to the
// given next phase (spec.md §4.F invariant: last_successful_phase updated
// on every transition). It resets only the per-phase attempt counter; the
// milestone verify/review counters reset in advanceMilestone.
func (s *Supervisor) advance(next model.Phase) {
	s.run.LastSuccessfulPhase = s.run.Phase
	s.run.Phase = next
	s.run.Retry.PhaseAttempts = 0
	s.run.UpdatedAt = time.Now()
}

func (s *Supervisor) emit(typ string, payload any) error {
	return s.deps.Store.AppendNewEvent(typ, time.Now(), payload)
}

// stop transitions to the terminal STOPPED state, recording reason.
func (s *Supervisor) stop(reason, detail string) (string, error) {
	s.run.StopReason = reason
	s.run.Phase = model.PhaseStopped
	s.run.UpdatedAt = time.Now()
	if detail != "" {
		s.run.LastError = detail
	}
	if err := s.emit(model.EventStop, map[string]any{"reason": reason, "detail": detail}); err != nil {
		return "", err
	}
	if err := s.emit(model.EventStopReasonClassified, diagnosisPayload(reason)); err != nil {
		return "", err
	}
	if err := s.deps.Store.SnapshotState(s.run); err != nil {
		return "", err
	}
	if err := s.writeHandoff(reason); err != nil {
		return "", err
	}
	return reason, nil
}

func diagnosisPayload(reason string) map[string]any {
	entry, _ := diagnosis.Lookup(reason)
	return map[string]any{
		"code":           reason,
		"exit_code":      entry.ExitCode,
		"auto_resumable": entry.AutoResumable,
	}
}

func (s *Supervisor) doInit(ctx context.Context) (string, error) {
	if err := s.emit(model.EventRunStarted, map[string]any{"run_id": s.run.ID}); err != nil {
		return "", err
	}
	s.advance(model.PhasePlan)
	return "", nil
}

func (s *Supervisor) doPlan(ctx context.Context) (string, error) {
	milestones, err := s.deps.PlanWorker(ctx, s.run)
	if err != nil {
		return s.retryPhaseOrStop(err, classifyWorkerErr(err))
	}
	if len(milestones) < 1 || len(milestones) > 7 {
		return diagnosis.WorkerParseFailed, nil
	}
	s.run.Milestones = milestones
	s.run.MilestoneIndex = 0
	if err := s.emit(model.EventMilestonesPlanned, map[string]any{"count": len(milestones)}); err != nil {
		return "", err
	}
	s.advance(model.PhaseImplement)
	return "", nil
}

func (s *Supervisor) doImplement(ctx context.Context) (string, error) {
	outcome, err := s.deps.ImplementWorker(ctx, s.run)
	if err != nil {
		return s.retryPhaseOrStop(err, classifyWorkerErr(err))
	}

	if outcome.Status == model.ImplementNoChangesNeeded {
		evResult := guard.CheckEvidence(s.deps.Scope, nil, outcome.Evidence)
		if !evResult.Accepted {
			return s.retryMilestoneOrStop(diagnosis.GuardFail)
		}
		// No changes and evidence accepted: skip straight to FINALIZE-eligible
		// checkpoint-less completion of this milestone (spec.md §8 boundary
		// behavior: "completes without a checkpoint commit and without error").
		s.advanceMilestoneWithoutCheckpoint()
		return "", nil
	}

	summary, err := gitutil.ListChangedFiles(s.deps.RunWorktree)
	if err != nil {
		return "", err
	}
	checkResult := guard.Check(s.deps.Scope, nil, summary.Files, summary.IgnoredCount, summary.IgnoreCheckStatus)
	if !checkResult.Passed() {
		if err := s.emit(model.EventScopeViolation, map[string]any{"violations": checkResult.Violations}); err != nil {
			return "", err
		}
		return diagnosis.ScopeViolation, nil
	}
	s.advance(model.PhaseVerify)
	return "", nil
}

func (s *Supervisor) doVerify(ctx context.Context) (string, error) {
	milestone := s.run.CurrentMilestone()
	highRisk := milestone != nil && milestone.Risk == model.RiskHigh
	runEnd := s.run.MilestoneIndex == len(s.run.Milestones)-1

	summary, err := gitutil.ListChangedFiles(s.deps.RunWorktree)
	if err != nil {
		return "", err
	}
	tiers := verify.SelectTiers(s.deps.VerifyConfig, true, highRisk, summary.Files, runEnd)

	verifyCtx := ctx
	if s.deps.VerifyConfig.MaxVerifyTimePerMilestone > 0 {
		var cancel context.CancelFunc
		verifyCtx, cancel = context.WithTimeout(ctx, s.deps.VerifyConfig.MaxVerifyTimePerMilestone)
		defer cancel()
	}

	artifactsDir := s.artifactsDir()
	results, passed, err := verify.RunSelected(verifyCtx, s.deps.RunWorktree, artifactsDir, s.deps.VerifyConfig, tiers)
	if err != nil {
		if verifyCtx.Err() != nil {
			return diagnosis.VerificationTimeout, nil
		}
		return "", err
	}
	if err := s.emit(model.EventVerification, map[string]any{"tiers": tiers, "passed": passed, "results": results}); err != nil {
		return "", err
	}
	if !passed {
		return s.retryMilestoneOrStop(diagnosis.VerificationFailedMaxRetries)
	}
	s.advance(model.PhaseReview)
	return "", nil
}

func (s *Supervisor) doReview(ctx context.Context) (string, error) {
	status, err := s.deps.ReviewWorker(ctx, s.run)
	if err != nil {
		return s.retryPhaseOrStop(err, classifyWorkerErr(err))
	}
	if err := s.emit(model.EventReviewDecision, map[string]any{"status": status}); err != nil {
		return "", err
	}
	if status == model.ReviewApprove {
		s.run.Retry.ReviewRequestChanges = 0
		s.advance(model.PhaseCheckpoint)
		return "", nil
	}
	s.run.Retry.ReviewRequestChanges++
	if s.run.Retry.ReviewRequestChanges >= s.deps.Limits.MaxReviewRequestChanges {
		return diagnosis.ReviewLoopDetected, nil
	}
	s.advance(model.PhaseImplement)
	return "", nil
}

func (s *Supervisor) doCheckpoint(ctx context.Context) (string, error) {
	milestone := s.run.CurrentMilestone()
	title := ""
	if milestone != nil {
		title = milestone.Goal
	}
	sha, err := gitutil.CheckpointCommit(s.deps.RunWorktree, s.run.ID, s.run.MilestoneIndex, "")
	if err != nil {
		return "", err
	}
	if err := model.SaveSidecar(s.deps.ChkDir, &model.Sidecar{
		SchemaVersion:  model.SidecarSchemaVersion,
		SHA:            sha,
		RunID:          s.run.ID,
		MilestoneIndex: s.run.MilestoneIndex,
		MilestoneTitle: title,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return "", err
	}
	s.run.LastCheckpointSHA = sha
	if err := s.emit(model.EventCheckpointCreated, map[string]any{"sha": sha, "milestone_index": s.run.MilestoneIndex}); err != nil {
		return "", err
	}
	s.advanceMilestone()
	return "", nil
}

// advanceMilestone increments milestone_index (monotonically, spec.md
// §4.F invariant) and decides whether the next phase is another
// IMPLEMENT iteration or FINALIZE.
func (s *Supervisor) advanceMilestone() {
	s.run.MilestoneIndex++
	s.run.Retry.MilestoneVerifyTries = 0
	s.run.Retry.ReviewRequestChanges = 0
	if s.run.MilestoneIndex >= len(s.run.Milestones) {
		s.advance(model.PhaseFinalize)
		return
	}
	s.advance(model.PhaseImplement)
}

// advanceMilestoneWithoutCheckpoint handles the no_changes_needed
// boundary case (spec.md §8): the milestone completes with no commit.
func (s *Supervisor) advanceMilestoneWithoutCheckpoint() {
	s.advanceMilestone()
}

func (s *Supervisor) doFinalize(ctx context.Context) (string, error) {
	return diagnosis.Complete, nil
}

// classifyWorkerErr recovers the classified stop reason from a worker
// closure's error, falling back to diagnosis.WorkerFailed for errors that
// didn't originate from worker.Call (e.g. a local encode/decode error).
func classifyWorkerErr(err error) string {
	var ce *worker.CallError
	if errors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	return diagnosis.WorkerFailed
}

// retryPhaseOrStop bounds worker-call-failure retries per phase (spec.md
// §4.F: "Worker call failures retry up to N (default 2) per phase").
func (s *Supervisor) retryPhaseOrStop(causeErr error, onExhausted string) (string, error) {
	s.run.Retry.PhaseAttempts++
	if err := s.emit(model.EventRetry, map[string]any{"phase": s.run.Phase, "attempt": s.run.Retry.PhaseAttempts, "error": causeErr.Error()}); err != nil {
		return "", err
	}
	if s.run.Retry.PhaseAttempts > s.deps.Limits.MaxPhaseRetries {
		return onExhausted, nil
	}
	delay := DelayForPhaseAttempt(s.run.ID, s.run.Phase, s.run.Retry.PhaseAttempts, nil, nil)
	time.Sleep(delay)
	return "", nil
}

// retryMilestoneOrStop bounds verification-failure retries per milestone
// (spec.md §4.F: up to M (default 3), returning to IMPLEMENT).
func (s *Supervisor) retryMilestoneOrStop(onExhausted string) (string, error) {
	s.run.Retry.MilestoneVerifyTries++
	if err := s.emit(model.EventRetry, map[string]any{"milestone_index": s.run.MilestoneIndex, "attempt": s.run.Retry.MilestoneVerifyTries}); err != nil {
		return "", err
	}
	if s.run.Retry.MilestoneVerifyTries > s.deps.Limits.MaxVerifyRetries {
		return onExhausted, nil
	}
	delay := DelayForPhaseAttempt(s.run.ID, s.run.Phase, s.run.Retry.MilestoneVerifyTries, nil, nil)
	time.Sleep(delay)
	s.run.Phase = model.PhaseImplement
	return "", nil
}

func (s *Supervisor) artifactsDir() string {
	return s.deps.Store.ArtifactsDir()
}
