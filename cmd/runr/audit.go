package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danshapiro/runr/internal/gitutil"
	"github.com/danshapiro/runr/internal/model"
)

// cmdAudit walks a git revision range looking for checkpoint commits
// missing their sidecar, or whose sidecar disagrees with the commit's
// trailers (spec.md §8 invariant 1: "for every checkpoint_created event
// with sha S there exists a sidecar <sha>.json with matching sha, run_id,
// and milestone_index, written strictly after the commit").
func cmdAudit(args []string) {
	var repoDir, runsRoot, rangeArg string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--range":
			i++
			rangeArg = requireFlagValue(args, i, "--range")
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
	if rangeArg == "" {
		usage()
		os.Exit(1)
	}

	l := resolveLayout(repoDir, runsRoot, "")

	base, ref, ok := strings.Cut(rangeArg, "..")
	if !ok {
		ref = rangeArg
	}
	commits, err := gitutil.ListCommits(l.RepoDir, base, ref)
	if err != nil {
		fail("list commits: %v", err)
	}

	var violations []string
	checked := 0
	for _, c := range commits {
		if !strings.HasPrefix(strings.TrimSpace(c.Subject), "chore(runr): checkpoint") {
			continue
		}
		checked++
		runID, err := gitutil.CommitTrailerRunID(l.RepoDir, c.SHA)
		if err != nil || runID == "" {
			violations = append(violations, fmt.Sprintf("%s: checkpoint commit missing %s trailer", c.SHA, gitutil.TrailerRunID))
			continue
		}
		sc, err := model.LoadSidecar(model.SidecarPath(l.CheckpointsDir, c.SHA))
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: no sidecar for checkpoint commit (run %s): %v", c.SHA, runID, err))
			continue
		}
		if problems := sc.Validate(runID); len(problems) > 0 {
			violations = append(violations, fmt.Sprintf("%s: sidecar invalid: %v", c.SHA, problems))
		}
	}

	fmt.Printf("range=%s\n", rangeArg)
	fmt.Printf("checkpoint_commits=%d\n", checked)
	fmt.Printf("violations=%d\n", len(violations))
	for _, v := range violations {
		fmt.Println(v)
	}
	if len(violations) > 0 {
		os.Exit(1)
	}
}
