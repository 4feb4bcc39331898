package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/danshapiro/runr/internal/config"
	"github.com/danshapiro/runr/internal/diagnosis"
	"github.com/danshapiro/runr/internal/gitutil"
	"github.com/danshapiro/runr/internal/guard"
	"github.com/danshapiro/runr/internal/journal"
	"github.com/danshapiro/runr/internal/ledger"
	"github.com/danshapiro/runr/internal/model"
	"github.com/danshapiro/runr/internal/resume"
	"github.com/danshapiro/runr/internal/supervisor"
	"github.com/danshapiro/runr/internal/verify"
)

func cmdResume(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	runIDArg := args[0]
	args = args[1:]

	var repoDir, runsRoot, configPath string
	var autoStash bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--auto-stash":
			autoStash = true
		case "--repo":
			i++
			repoDir = requireFlagValue(args, i, "--repo")
		case "--runs-root":
			i++
			runsRoot = requireFlagValue(args, i, "--runs-root")
		case "--config":
			i++
			configPath = requireFlagValue(args, i, "--config")
		default:
			fail("unknown arg: %s", args[i])
		}
	}

	l := resolveLayout(repoDir, runsRoot, configPath)

	runID := runIDArg
	if runID == "latest" {
		id, err := l.latestRunID()
		if err != nil {
			fail("resolve latest run: %v", err)
		}
		runID = id
	}

	cfg, err := config.Load(l.ConfigPath)
	if err != nil {
		fail("load config: %v", err)
	}

	store, err := journal.NewStore(l.runDir(runID))
	if err != nil {
		fail("open run store: %v", err)
	}

	priorRun, err := store.ReadState()
	if err != nil {
		fail("read run state: %v", err)
	}
	if priorRun == nil {
		fail("no state.json for run %s", runID)
	}

	worktreeDir := l.RepoDir
	if priorRun.RunBranch != "" {
		if info, err := os.Stat(l.worktreeDir(runID)); err == nil && info.IsDir() {
			worktreeDir = l.worktreeDir(runID)
		}
	}

	if autoStash {
		clean, err := gitutil.IsClean(worktreeDir)
		if err != nil {
			fail("check working tree: %v", err)
		}
		if !clean {
			if err := exec.Command("git", "-C", worktreeDir, "stash", "push", "--include-untracked",
				"-m", fmt.Sprintf("runr-auto-stash-%s", runID)).Run(); err != nil {
				fail("auto-stash: %v", err)
			}
		}
	}

	plan, run, err := resume.BuildPlan(store, resume.Options{
		CheckpointsDir: l.CheckpointsDir,
		RepoDir:        worktreeDir,
		RunBranch:      priorRun.RunBranch,
	})
	if err != nil {
		if err == resume.ErrDirtyTree {
			fmt.Printf("stop_reason=%s\n", diagnosis.DirtyTree)
			os.Exit(diagnosis.ExitCodeFor(diagnosis.DirtyTree))
		}
		fail("build resume plan: %v", err)
	}
	resume.ApplyTo(run, plan, false)

	if err := store.AppendNewEvent(model.EventResumeCheckpointSelected, time.Now(), map[string]any{
		"checkpoint_sha": plan.CheckpointSHA,
		"source":         plan.Source,
		"target_phase":   plan.ResumeTargetPhase,
	}); err != nil {
		fail("record resume event: %v", err)
	}

	taskPath, taskBody, err := readTaskArtifacts(store)
	if err != nil {
		fail("read task artifacts: %v", err)
	}
	planFn, implementFn, reviewFn, err := buildWorkerFns(cfg, taskBody)
	if err != nil {
		fail("build worker closures: %v", err)
	}

	verifyTimeout, err := time.ParseDuration(cfg.Verification.MaxVerifyTimePerMilestone)
	if err != nil {
		fail("parse verification timeout: %v", err)
	}

	deps := supervisor.Deps{
		Store:           store,
		RepoDir:         l.RepoDir,
		RunWorktree:     worktreeDir,
		ChkDir:          l.CheckpointsDir,
		PlanWorker:      planFn,
		ImplementWorker: implementFn,
		ReviewWorker:    reviewFn,
		VerifyConfig: verify.Config{
			Tier0:                     cfg.Verification.Tier0,
			Tier1:                     cfg.Verification.Tier1,
			Tier2:                     cfg.Verification.Tier2,
			RiskTriggers:              cfg.Verification.RiskTriggers,
			MaxVerifyTimePerMilestone: verifyTimeout,
		},
		Scope:  guard.ScopeLock{Allowlist: run.Scope.Allowlist, Denylist: run.Scope.Denylist},
		Limits: supervisor.DefaultLimits(),
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	sup := supervisor.New(deps, run)
	reason, err := sup.Run(ctx)
	if err != nil {
		fail("resume: %v", err)
	}

	led := ledger.Open(l.LedgerPath)
	finalStatus := model.TaskStopped
	switch {
	case reason == diagnosis.Complete:
		finalStatus = model.TaskCompleted
	case !diagnosis.AutoResumable(reason):
		finalStatus = model.TaskFailed
	}
	_ = led.Transition(taskPath, finalStatus, time.Now(), model.TaskLedgerEntry{
		LastRunID: run.ID, LastCheckpointSHA: run.LastCheckpointSHA, LastStopReason: reason,
	})

	fmt.Printf("run_id=%s\n", run.ID)
	fmt.Printf("resumed_from=%s\n", plan.Source)
	fmt.Printf("stop_reason=%s\n", reason)
	fmt.Printf("last_checkpoint_sha=%s\n", run.LastCheckpointSHA)
	os.Exit(diagnosis.ExitCodeFor(reason))
}
