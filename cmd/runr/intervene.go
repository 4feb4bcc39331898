package main

import (
	"fmt"
	"os"

	"github.com/danshapiro/runr/internal/config"
	"github.com/danshapiro/runr/internal/gitutil"
	"github.com/danshapiro/runr/internal/intervention"
	"github.com/danshapiro/runr/internal/journal"
)

func cmdIntervene(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	runID := args[0]
	args = args[1:]

	var repoDir, runsRoot, reason, note, sinceSHA, commitMessage string
	var commands []string
	var amendLast bool
	var forceAmend bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--reason":
			i++
			reason = requireFlagValue(args, i, "--reason")
		case "--note":
			i++
			note = requireFlagValue(args, i, "--note")
		case "--run":
			i++
			commands = append(commands, requireFlagValue(args, i, "--run"))
		case "--since":
			i++
			sinceSHA = requireFlagValue(args, i, "--since")
		case "--commit":
			i++
			commitMessage = requireFlagValue(args, i, "--commit")
		case "--amend-last":
			amendLast = true
		case "--force-amend":
			forceAmend = true
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
	if reason == "" || note == "" {
		usage()
		os.Exit(1)
	}
	if commitMessage != "" && amendLast {
		fail("--commit and --amend-last are mutually exclusive")
	}

	l := resolveLayout(repoDir, runsRoot, "")
	store, err := journal.NewStore(l.runDir(runID))
	if err != nil {
		fail("open run store: %v", err)
	}
	cfg, err := config.Load(l.ConfigPath)
	if err != nil {
		fail("load config: %v", err)
	}

	req := intervention.Request{
		RunID:         runID,
		Reason:        reason,
		Note:          note,
		Commands:      commands,
		SinceSHA:      sinceSHA,
		WorkDir:       l.RepoDir,
		CommitAfter:   commitMessage != "",
		CommitMessage: commitMessage,
		AmendLast:     amendLast,
		AmendMode:     gitutil.AmendGuardMode(cfg.Workflow.Mode),
		ForceAmend:    forceAmend,
	}

	receipt, err := intervention.Record(req, store.InterventionsDir())
	if err != nil {
		fail("intervene: %v", err)
	}

	fmt.Print(intervention.ConsoleBlock(receipt))
}
