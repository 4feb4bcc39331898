package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/danshapiro/runr/internal/config"
	"github.com/danshapiro/runr/internal/gitutil"
)

// cmdDoctor runs a set of environment preflight checks (git availability,
// repo-ness, config load, worker binaries on PATH) and reports pass/fail
// per check. It creates the runs and checkpoints directories if they are
// missing and changes nothing else.
func cmdDoctor(args []string) {
	var repoDir, runsRoot string
	for i := 0; i < len(args); i++ {
		switch args[i] {
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
	ok := true

	report := func(name string, passed bool, detail string) {
		status := "ok"
		if !passed {
			status = "FAIL"
			ok = false
		}
		if detail != "" {
			fmt.Printf("%-20s %-5s %s\n", name, status, detail)
		} else {
			fmt.Printf("%-20s %-5s\n", name, status)
		}
	}

	if _, err := exec.LookPath("git"); err != nil {
		report("git", false, err.Error())
	} else {
		report("git", true, "")
	}

	report("repo", gitutil.IsRepo(l.RepoDir), l.RepoDir)

	if clean, err := gitutil.IsClean(l.RepoDir); err != nil {
		report("working_tree", false, err.Error())
	} else {
		report("working_tree", true, fmt.Sprintf("clean=%t", clean))
	}

	cfg, err := config.Load(l.ConfigPath)
	if err != nil {
		report("config", false, fmt.Sprintf("%s: %v", l.ConfigPath, err))
	} else {
		report("config", true, l.ConfigPath)
		for name, wc := range cfg.Workers {
			if _, err := exec.LookPath(wc.Bin); err != nil {
				report(fmt.Sprintf("worker:%s", name), false, fmt.Sprintf("%s not on PATH", wc.Bin))
			} else {
				report(fmt.Sprintf("worker:%s", name), true, wc.Bin)
			}
		}
	}

	for _, dir := range []string{l.RunsRoot, l.CheckpointsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			report("dir:"+dir, false, err.Error())
		} else {
			report("dir:"+dir, true, "")
		}
	}

	if !ok {
		os.Exit(1)
	}
}
