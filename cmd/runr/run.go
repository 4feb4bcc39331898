package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/runr/internal/config"
	"github.com/danshapiro/runr/internal/diagnosis"
	"github.com/danshapiro/runr/internal/gitutil"
	"github.com/danshapiro/runr/internal/guard"
	"github.com/danshapiro/runr/internal/journal"
	"github.com/danshapiro/runr/internal/ledger"
	"github.com/danshapiro/runr/internal/model"
	"github.com/danshapiro/runr/internal/supervisor"
	"github.com/danshapiro/runr/internal/taskfile"
	"github.com/danshapiro/runr/internal/verify"
)

func cmdRun(args []string) {
	var taskPath, repoDir, runsRoot, configPath string
	var useWorktree bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--task":
			i++
			taskPath = requireFlagValue(args, i, "--task")
		case "--worktree":
			useWorktree = true
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
	if taskPath == "" {
		usage()
		os.Exit(1)
	}

	l := resolveLayout(repoDir, runsRoot, configPath)
	cfg, err := config.Load(l.ConfigPath)
	if err != nil {
		fail("load config: %v", err)
	}

	raw, err := os.ReadFile(taskPath)
	if err != nil {
		fail("read task: %v", err)
	}
	task, err := taskfile.Parse(raw)
	if err != nil {
		fail("parse task: %v", err)
	}

	runID := model.NewRunID(time.Now().UTC())

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	run, reason, err := executeRun(ctx, l, cfg, task, taskPath, runID, useWorktree, nil)
	if err != nil {
		fail("run: %v", err)
	}

	fmt.Printf("run_id=%s\n", run.ID)
	fmt.Printf("stop_reason=%s\n", reason)
	fmt.Printf("last_checkpoint_sha=%s\n", run.LastCheckpointSHA)
	os.Exit(diagnosis.ExitCodeFor(reason))
}

// executeRun drives one fresh run from INIT to STOPPED: it sets up the
// worktree (if requested), journal store, scope lock, worker closures,
// and task ledger entry, then hands off to the Supervisor. ownsOverride,
// when non-empty, replaces the configured allowlist — used by the
// orchestrator to pin a track's step to its owns set (spec.md §4.H).
func executeRun(ctx context.Context, l layout, cfg *config.RunConfig, task *taskfile.Task, taskPath, runID string, useWorktree bool, ownsOverride []string) (*model.Run, string, error) {
	repoDir := l.RepoDir
	worktreeDir := repoDir
	runBranch := ""
	if useWorktree {
		runBranch = fmt.Sprintf("runr/run/%s", runID)
		worktreeDir = l.worktreeDir(runID)
		head, err := gitutil.HeadSHA(repoDir)
		if err != nil {
			return nil, "", fmt.Errorf("resolve HEAD: %w", err)
		}
		if err := gitutil.CreateBranchAt(repoDir, runBranch, head); err != nil {
			return nil, "", fmt.Errorf("create run branch: %w", err)
		}
		if err := gitutil.AddWorktree(repoDir, worktreeDir, runBranch); err != nil {
			return nil, "", fmt.Errorf("add worktree: %w", err)
		}
	}

	store, err := journal.NewStore(l.runDir(runID))
	if err != nil {
		return nil, "", fmt.Errorf("create run store: %w", err)
	}

	allowlist := ownsOverride
	if len(allowlist) == 0 {
		allowlist = append(allowlist, cfg.Scope.Allowlist...)
		allowlist = append(allowlist, guard.ExpandPresets(cfg.Scope.Presets, guard.DefaultPresetTable)...)
	}
	allowlist = append(allowlist, task.Meta.AllowlistAdd...)
	denylist := append(append([]string{}, cfg.Scope.Denylist...), cfg.Scope.Lockfiles...)

	now := time.Now()
	run := &model.Run{
		ID:             runID,
		RepoPath:       repoDir,
		Phase:          model.PhaseInit,
		Scope:          model.ScopeLock{Allowlist: allowlist, Denylist: denylist},
		StartedAt:      now,
		UpdatedAt:      now,
		PhaseStartedAt: now,
		RunBranch:      runBranch,
	}

	if err := writeTaskArtifacts(store, task, taskPath); err != nil {
		return nil, "", fmt.Errorf("write task artifacts: %w", err)
	}
	if err := writeConfigSnapshot(store, cfg); err != nil {
		return nil, "", fmt.Errorf("write config snapshot: %w", err)
	}

	led := ledger.Open(l.LedgerPath)
	if _, exists, _ := led.Get(taskPath); !exists {
		_ = led.Transition(taskPath, model.TaskPending, now, model.TaskLedgerEntry{})
	}
	_ = led.Transition(taskPath, model.TaskInProgress, now, model.TaskLedgerEntry{LastRunID: runID})

	plan, implement, review, err := buildWorkerFns(cfg, task.Body)
	if err != nil {
		return nil, "", fmt.Errorf("build worker closures: %w", err)
	}

	verifyTimeout, err := time.ParseDuration(cfg.Verification.MaxVerifyTimePerMilestone)
	if err != nil {
		return nil, "", fmt.Errorf("parse verification timeout: %w", err)
	}

	deps := supervisor.Deps{
		Store:           store,
		RepoDir:         repoDir,
		RunWorktree:     worktreeDir,
		ChkDir:          l.CheckpointsDir,
		PlanWorker:      plan,
		ImplementWorker: implement,
		ReviewWorker:    review,
		VerifyConfig: verify.Config{
			Tier0:                     cfg.Verification.Tier0,
			Tier1:                     cfg.Verification.Tier1,
			Tier2:                     cfg.Verification.Tier2,
			RiskTriggers:              cfg.Verification.RiskTriggers,
			MaxVerifyTimePerMilestone: verifyTimeout,
		},
		Scope:  guard.ScopeLock{Allowlist: allowlist, Denylist: denylist},
		Limits: supervisor.DefaultLimits(),
	}

	sup := supervisor.New(deps, run)
	reason, err := sup.Run(ctx)
	if err != nil {
		return run, "", err
	}

	finalStatus := model.TaskStopped
	switch {
	case reason == diagnosis.Complete:
		finalStatus = model.TaskCompleted
	case !diagnosis.AutoResumable(reason):
		finalStatus = model.TaskFailed
	}
	_ = led.Transition(taskPath, finalStatus, time.Now(), model.TaskLedgerEntry{
		LastRunID:         runID,
		LastCheckpointSHA: run.LastCheckpointSHA,
		LastStopReason:    reason,
	})

	return run, reason, nil
}

// taskArtifactMeta is the persisted form of task.meta.json: the parsed
// taskfile.Meta plus the original task path, which the taskfile itself
// does not carry (needed on resume to re-transition the task ledger).
type taskArtifactMeta struct {
	TaskPath         string   `json:"task_path"`
	AllowlistAdd     []string `json:"allowlist_add"`
	VerificationTier string   `json:"verification_tier"`
}

func writeTaskArtifacts(store *journal.Store, task *taskfile.Task, taskPath string) error {
	dir := store.ArtifactsDir()
	if err := os.WriteFile(filepath.Join(dir, "task.md"), []byte(task.Body), 0o644); err != nil {
		return err
	}
	meta, err := json.MarshalIndent(taskArtifactMeta{
		TaskPath:         taskPath,
		AllowlistAdd:     task.Meta.AllowlistAdd,
		VerificationTier: task.Meta.VerificationTier,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "task.meta.json"), meta, 0o644)
}

// readTaskArtifacts reads back a run's saved task.md/task.meta.json, for
// the resume path which needs the task body (worker prompts) and the
// original task path (ledger transitions) without re-reading the task
// file from its original location.
func readTaskArtifacts(store *journal.Store) (taskPath, taskBody string, err error) {
	dir := store.ArtifactsDir()
	body, err := os.ReadFile(filepath.Join(dir, "task.md"))
	if err != nil {
		return "", "", err
	}
	b, err := os.ReadFile(filepath.Join(dir, "task.meta.json"))
	if err != nil {
		return "", "", err
	}
	var meta taskArtifactMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return "", "", err
	}
	return meta.TaskPath, string(body), nil
}

func writeConfigSnapshot(store *journal.Store, cfg *config.RunConfig) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(filepath.Dir(store.ArtifactsDir()), "config.snapshot.json"), b, 0o644)
}
