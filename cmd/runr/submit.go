package main

import (
	"fmt"
	"os"
	"time"

	"github.com/danshapiro/runr/internal/gitutil"
	"github.com/danshapiro/runr/internal/journal"
	"github.com/danshapiro/runr/internal/model"
)

func cmdSubmit(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	runID := args[0]
	args = args[1:]

	var repoDir, runsRoot, targetBranch string
	var dryRun bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--to":
			i++
			targetBranch = requireFlagValue(args, i, "--to")
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
	if targetBranch == "" {
		usage()
		os.Exit(1)
	}

	l := resolveLayout(repoDir, runsRoot, "")
	store, err := journal.NewStore(l.runDir(runID))
	if err != nil {
		fail("open run store: %v", err)
	}
	run, err := store.ReadState()
	if err != nil {
		fail("read run state: %v", err)
	}
	if run == nil {
		fail("no state.json for run %s", runID)
	}
	if run.LastCheckpointSHA == "" {
		fail("run %s has no checkpoint to submit", runID)
	}

	if dryRun {
		fmt.Printf("would_cherry_pick=%s\n", run.LastCheckpointSHA)
		fmt.Printf("would_submit_to=%s\n", targetBranch)
		return
	}

	res, err := gitutil.Submit(l.RepoDir, run.LastCheckpointSHA, targetBranch)
	if err != nil {
		fail("submit: %v", err)
	}

	if !res.Succeeded {
		if err := store.AppendNewEvent(model.EventSubmitConflict, time.Now(), map[string]any{
			"reason_code":      res.ReasonCode,
			"conflicted_files": res.ConflictedFiles,
		}); err != nil {
			fail("record submit conflict: %v", err)
		}
		fmt.Printf("submitted=false\nreason=%s\n", res.ReasonCode)
		for _, c := range res.RecoveryCommands {
			fmt.Printf("recovery: %s\n", c)
		}
		os.Exit(1)
	}

	if err := store.AppendNewEvent(model.EventRunSubmitted, time.Now(), map[string]any{
		"sha": run.LastCheckpointSHA, "target_branch": targetBranch,
	}); err != nil {
		fail("record submission: %v", err)
	}
	fmt.Printf("submitted=true\ntarget_branch=%s\nsha=%s\n", targetBranch, run.LastCheckpointSHA)
}
