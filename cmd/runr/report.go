package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danshapiro/runr/internal/diagnosis"
	"github.com/danshapiro/runr/internal/journal"
)

func cmdReport(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	runID := args[0]
	args = args[1:]

	var repoDir, runsRoot string
	var asJSON bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			asJSON = true
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
	events, err := store.ReadEvents()
	if err != nil {
		fail("read events: %v", err)
	}

	if asJSON {
		b, err := json.MarshalIndent(map[string]any{"run": run, "events": events}, "", "  ")
		if err != nil {
			fail("marshal report: %v", err)
		}
		fmt.Println(string(b))
		return
	}

	fmt.Printf("run_id=%s\n", run.ID)
	fmt.Printf("phase=%s\n", run.Phase)
	fmt.Printf("milestone_index=%d/%d\n", run.MilestoneIndex, len(run.Milestones))
	fmt.Printf("last_checkpoint_sha=%s\n", run.LastCheckpointSHA)
	if run.StopReason != "" {
		entry, _ := diagnosis.Lookup(run.StopReason)
		fmt.Printf("stop_reason=%s\n", run.StopReason)
		fmt.Printf("exit_code=%d\n", entry.ExitCode)
		fmt.Printf("auto_resumable=%t\n", entry.AutoResumable)
		fmt.Printf("diagnosis=%s\n", entry.Diagnosis)
	}
	fmt.Printf("events=%d\n", len(events))
}
