package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/runr/internal/gitutil"
	"github.com/danshapiro/runr/internal/journal"
)

// cmdGC removes run directories (and their worktrees) whose run reached
// a terminal phase and whose state.json was last updated more than
// --older-than ago. Non-terminal runs are never touched.
func cmdGC(args []string) {
	var repoDir, runsRoot, olderThanArg string
	var dryRun bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--older-than":
			i++
			olderThanArg = requireFlagValue(args, i, "--older-than")
		case "--dry-run":
			dryRun = true
		case "--repo":
			i++
			repoDir = requireFlagValue(args, i, "--repo")
		case "--runs-root":
			i++
			runsRoot = requireFlagValue(args, i, "--runs-root")
		default:
			fail("unknown arg: %s", args[i])
		}
	}
	if olderThanArg == "" {
		usage()
		os.Exit(1)
	}
	threshold, err := time.ParseDuration(olderThanArg)
	if err != nil {
		fail("invalid --older-than: %v", err)
	}

	l := resolveLayout(repoDir, runsRoot, "")
	entries, err := os.ReadDir(l.RunsRoot)
	if err != nil {
		fail("read runs root: %v", err)
	}

	cutoff := time.Now().Add(-threshold)
	removed := 0
	kept := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runID := e.Name()
		store, err := journal.NewStore(l.runDir(runID))
		if err != nil {
			continue
		}
		run, err := store.ReadState()
		if err != nil || run == nil {
			continue
		}
		if !run.Terminal() || run.UpdatedAt.After(cutoff) {
			kept++
			continue
		}
		wtDir := l.worktreeDir(runID)
		if dryRun {
			fmt.Printf("would_remove=%s updated_at=%s\n", runID, run.UpdatedAt.Format(time.RFC3339))
			removed++
			continue
		}
		if _, err := os.Stat(wtDir); err == nil {
			if err := gitutil.RemoveWorktree(l.RepoDir, wtDir); err != nil {
				fmt.Fprintf(os.Stderr, "warn: remove worktree %s: %v\n", wtDir, err)
			}
		}
		if err := os.RemoveAll(filepath.Join(l.RunsRoot, runID)); err != nil {
			fmt.Fprintf(os.Stderr, "warn: remove run dir %s: %v\n", runID, err)
			continue
		}
		fmt.Printf("removed=%s\n", runID)
		removed++
	}
	fmt.Printf("removed_count=%d\nkept_count=%d\n", removed, kept)
}
