// Package resume implements the Resume Planner (spec.md §4.G): given a
// run id, it reconstructs the last verified checkpoint from sidecars and
// git log, and computes where the supervisor should pick back up.
// Grounded on the teacher's engine/resume.go resumeFromLogsRoot
// (manifest load -> checkpoint load -> rebuild -> re-derive next hop).
package resume

import (
	"fmt"
	"strings"

	"github.com/danshapiro/runr/internal/gitutil"
	"github.com/danshapiro/runr/internal/journal"
	"github.com/danshapiro/runr/internal/model"
)

// CheckpointSource names which precedence tier resolved the checkpoint
// (spec.md §4.G step 2; recorded verbatim in the resume_checkpoint_selected
// event).
type Source string

const (
	SourceSidecar      Source = "sidecar"
	SourceRunBranchLog Source = "run_branch_log"
	SourceTrailerLog   Source = "trailer_log"
	SourceNone         Source = "none"
)

// Plan is the Resume Planner's output (spec.md §4.G).
type Plan struct {
	RunID                    string
	CheckpointSHA            string
	Source                   Source
	ResumeFromMilestoneIndex int
	ResumeTargetPhase        model.Phase
}

// Options configures one resume planning call.
type Options struct {
	CheckpointsDir string // shared sidecar directory
	RepoDir        string // git repo/worktree to inspect for dirty tree + logs
	RunBranch      string // this run's branch, if any (may be empty)
	BaseRef        string // base ref to scan from for the git-log fallbacks
	ForceDirty     bool   // explicit override for the dirty-tree refusal
	AutoResume     bool   // true when invoked by the orchestrator's auto-resume path
}

// ErrDirtyTree is returned when the working tree has uncommitted changes
// and Options.ForceDirty was not set (spec.md §4.G step 3: "never stash
// silently").
var ErrDirtyTree = fmt.Errorf("resume refused: working tree is dirty (pass an explicit override to proceed)")

// BuildPlan loads run's state.json, resolves a checkpoint by precedence,
// and computes the phase the supervisor should resume into. It does not
// mutate run or state.json; ApplyTo does that once the caller accepts
// the plan.
func BuildPlan(store *journal.Store, opts Options) (*Plan, *model.Run, error) {
	run, err := store.ReadState()
	if err != nil {
		return nil, nil, fmt.Errorf("resume: load state: %w", err)
	}
	if run == nil {
		return nil, nil, fmt.Errorf("resume: no state.json for this run")
	}

	if opts.RepoDir != "" {
		clean, err := gitutil.IsClean(opts.RepoDir)
		if err != nil {
			return nil, nil, fmt.Errorf("resume: check working tree: %w", err)
		}
		if !clean && !opts.ForceDirty {
			return nil, nil, ErrDirtyTree
		}
	}

	sha, source, err := resolveCheckpoint(run.ID, opts)
	if err != nil {
		return nil, nil, err
	}

	plan := &Plan{
		RunID:                    run.ID,
		CheckpointSHA:            sha,
		Source:                   source,
		ResumeFromMilestoneIndex: run.MilestoneIndex,
		ResumeTargetPhase:        run.LastSuccessfulPhase.Next(),
	}
	return plan, run, nil
}

// resolveCheckpoint implements spec.md §4.G step 2's three-tier
// precedence: sidecar, then run-specific git log, then trailer-matched
// git log across the whole base..HEAD range.
func resolveCheckpoint(runID string, opts Options) (string, Source, error) {
	if opts.CheckpointsDir != "" {
		sc, err := journal.FindLatestCheckpointBySidecar(opts.CheckpointsDir, runID)
		if err != nil {
			return "", SourceNone, fmt.Errorf("resume: scan sidecars: %w", err)
		}
		if sc != nil {
			return sc.SHA, SourceSidecar, nil
		}
	}

	if opts.RepoDir == "" {
		return "", SourceNone, nil
	}

	if opts.RunBranch != "" && gitutil.BranchExists(opts.RepoDir, opts.RunBranch) {
		commits, err := gitutil.LogCheckpointCommits(opts.RepoDir, opts.BaseRef, opts.RunBranch)
		if err != nil {
			return "", SourceNone, fmt.Errorf("resume: scan run branch log: %w", err)
		}
		if sha := firstCheckpointForRun(opts.RepoDir, commits, runID); sha != "" {
			return sha, SourceRunBranchLog, nil
		}
	}

	head, err := gitutil.HeadSHA(opts.RepoDir)
	if err != nil {
		return "", SourceNone, fmt.Errorf("resume: resolve HEAD: %w", err)
	}
	commits, err := gitutil.LogCheckpointCommits(opts.RepoDir, opts.BaseRef, head)
	if err != nil {
		return "", SourceNone, fmt.Errorf("resume: scan trailer log: %w", err)
	}
	if sha := firstCheckpointForRun(opts.RepoDir, commits, runID); sha != "" {
		return sha, SourceTrailerLog, nil
	}

	return "", SourceNone, nil
}

// firstCheckpointForRun returns the most recent (commits is newest-first
// from `git log`) commit SHA whose Runr-Run-Id trailer matches runID.
func firstCheckpointForRun(dir string, commits []gitutil.CommitInfo, runID string) string {
	for _, c := range commits {
		if !strings.HasPrefix(strings.TrimSpace(c.Subject), "chore(runr): checkpoint") {
			continue
		}
		trailerRunID, err := gitutil.CommitTrailerRunID(dir, c.SHA)
		if err != nil {
			continue
		}
		if trailerRunID == runID {
			return c.SHA
		}
	}
	return ""
}

// ApplyTo mutates run in place to reflect plan's decision (spec.md §4.G
// steps 5-6): increments auto_resume_count when this was an auto-resume,
// clears stop_reason/last_error, sets the resume target phase, and
// preserves milestones/scope/retry-counters untouched.
func ApplyTo(run *model.Run, plan *Plan, autoResume bool) {
	run.Phase = plan.ResumeTargetPhase
	run.MilestoneIndex = plan.ResumeFromMilestoneIndex
	run.StopReason = ""
	run.LastError = ""
	if plan.CheckpointSHA != "" {
		run.LastCheckpointSHA = plan.CheckpointSHA
	}
	if autoResume {
		run.AutoResumeCount++
	}
}
