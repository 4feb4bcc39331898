package main

import (
	"os"
	"path/filepath"
)

// layout resolves the on-disk paths a run or orchestration needs
// (spec.md §4.A, §6 ASCII tree). The container directory (default
// `<repo>/.runr`) holds `runs/` (the runs-root proper) plus `checkpoints/`,
// `runr.config.json`, and `task-status.json` as siblings — reconciling
// spec.md line 140's "<runs-root>/../checkpoints" with the ASCII tree's
// nesting by treating the tree's outer element as the container, not
// runs-root itself (see DESIGN.md's Open Question decisions).
type layout struct {
	RepoDir        string
	RunsRoot       string
	CheckpointsDir string
	ConfigPath     string
	LedgerPath     string
	WorktreesDir   string
}

func resolveLayout(repoDir, runsRootFlag, configFlag string) layout {
	if repoDir == "" {
		repoDir = "."
	}
	if abs, err := filepath.Abs(repoDir); err == nil {
		repoDir = abs
	}

	runsRoot := runsRootFlag
	if runsRoot == "" {
		runsRoot = filepath.Join(repoDir, ".runr", "runs")
	} else if !filepath.IsAbs(runsRoot) {
		runsRoot = filepath.Join(repoDir, runsRoot)
	}
	container := filepath.Dir(runsRoot)

	cfgPath := configFlag
	if cfgPath == "" {
		cfgPath = filepath.Join(container, "runr.config.json")
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(repoDir, cfgPath)
	}

	return layout{
		RepoDir:        repoDir,
		RunsRoot:       runsRoot,
		CheckpointsDir: filepath.Join(container, "checkpoints"),
		ConfigPath:     cfgPath,
		LedgerPath:     filepath.Join(container, "task-status.json"),
		WorktreesDir:   filepath.Join(container, "worktrees"),
	}
}

func (l layout) runDir(runID string) string {
	return filepath.Join(l.RunsRoot, runID)
}

func (l layout) worktreeDir(runID string) string {
	return filepath.Join(l.WorktreesDir, runID)
}

// latestRunID returns the lexically greatest run id under the runs-root,
// which is also the most recent one since ids are YYYYMMDDHHMMSS
// (spec.md §3).
func (l layout) latestRunID() (string, error) {
	entries, err := os.ReadDir(l.RunsRoot)
	if err != nil {
		return "", err
	}
	latest := ""
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return "", os.ErrNotExist
	}
	return latest, nil
}
