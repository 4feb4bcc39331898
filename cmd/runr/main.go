// Command runr supervises one or more long-running AI coding agent runs
// against a git repository (spec.md §6: "CLI surface (stable)"). It
// hand-rolls its flag parsing rather than reaching for a CLI framework,
// following cmd/kilroy/main.go's own dispatch style.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const runrVersion = "0.1.0"

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("runr %s\n", runrVersion)
		os.Exit(0)
	case "run":
		cmdRun(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	case "report":
		cmdReport(os.Args[2:])
	case "submit":
		cmdSubmit(os.Args[2:])
	case "intervene":
		cmdIntervene(os.Args[2:])
	case "audit":
		cmdAudit(os.Args[2:])
	case "doctor":
		cmdDoctor(os.Args[2:])
	case "gc":
		cmdGC(os.Args[2:])
	case "orchestrate":
		cmdOrchestrate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  runr --version")
	fmt.Fprintln(os.Stderr, "  runr run --task <path> [--worktree] [--repo <dir>] [--runs-root <dir>] [--config <path>]")
	fmt.Fprintln(os.Stderr, "  runr resume <run_id|latest> [--auto-stash] [--repo <dir>] [--runs-root <dir>] [--config <path>]")
	fmt.Fprintln(os.Stderr, "  runr report <run_id> [--json] [--repo <dir>] [--runs-root <dir>]")
	fmt.Fprintln(os.Stderr, "  runr submit <run_id> --to <branch> [--dry-run] [--repo <dir>] [--runs-root <dir>]")
	fmt.Fprintln(os.Stderr, "  runr intervene <run_id> --reason <code> --note \"...\" [--run <cmd>]... [--since <sha>] [--commit \"...\" | --amend-last] [--repo <dir>] [--runs-root <dir>]")
	fmt.Fprintln(os.Stderr, "  runr audit --range <gitrev> [--repo <dir>]")
	fmt.Fprintln(os.Stderr, "  runr doctor [--repo <dir>] [--runs-root <dir>]")
	fmt.Fprintln(os.Stderr, "  runr gc [--repo <dir>] [--runs-root <dir>] --older-than <duration> [--dry-run]")
	fmt.Fprintln(os.Stderr, "  runr orchestrate run --config <yaml> [--collision-policy serialize|parallel] [--repo <dir>] [--runs-root <dir>]")
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func requireFlagValue(args []string, i int, flag string) string {
	if i >= len(args) {
		fail("%s requires a value", flag)
	}
	return args[i]
}
