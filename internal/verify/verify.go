// Package verify implements the Verification Engine (spec.md §4.E):
// tiered shell command execution, serial within a tier, stopping at the
// first non-zero exit, with output captured for later inspection.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Tier names (spec.md §4.E).
type Tier string

const (
	Tier0 Tier = "tier0"
	Tier1 Tier = "tier1"
	Tier2 Tier = "tier2"
)

// Config is the ordered command lists per tier plus the risk-trigger
// globs that can pull tier1 in (spec.md §6).
type Config struct {
	Tier0              []string
	Tier1              []string
	Tier2              []string
	RiskTriggers       []string
	MaxVerifyTimePerMilestone time.Duration
}

// SelectTiers implements spec.md §4.E's tier-selection rule: tier0 always
// runs; tier1 is added when the milestone is end-of-milestone, or risk is
// high, or any risk_triggers glob matches a changed file; tier2 only at
// run-end.
func SelectTiers(cfg Config, endOfMilestone bool, highRisk bool, changedFiles []string, runEnd bool) []Tier {
	tiers := []Tier{Tier0}

	needsTier1 := endOfMilestone || highRisk
	if !needsTier1 {
		for _, pattern := range cfg.RiskTriggers {
			for _, f := range changedFiles {
				if ok, err := doublestar.Match(pattern, f); err == nil && ok {
					needsTier1 = true
					break
				}
			}
			if needsTier1 {
				break
			}
		}
	}
	if needsTier1 {
		tiers = append(tiers, Tier1)
	}
	if runEnd {
		tiers = append(tiers, Tier2)
	}
	return tiers
}

// CommandResult is the outcome of a single verification command.
type CommandResult struct {
	Command  string
	ExitCode int
	Output   string
}

// TierResult is the outcome of running one tier's command list.
type TierResult struct {
	Tier     Tier
	Commands []CommandResult
	Passed   bool
}

// commandsFor returns the configured command list for a tier.
func commandsFor(cfg Config, tier Tier) []string {
	switch tier {
	case Tier0:
		return cfg.Tier0
	case Tier1:
		return cfg.Tier1
	case Tier2:
		return cfg.Tier2
	default:
		return nil
	}
}

// RunTier executes a tier's commands serially in workDir, stopping at the
// first non-zero exit, and writes combined stdout+stderr to
// artifacts/tests_<tier>.log (spec.md §4.E). It honors ctx for the
// per-milestone wall-clock budget.
func RunTier(ctx context.Context, workDir, artifactsDir string, cfg Config, tier Tier) (TierResult, error) {
	result := TierResult{Tier: tier, Passed: true}
	logPath := filepath.Join(artifactsDir, fmt.Sprintf("tests_%s.log", tier))
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return result, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return result, err
	}
	defer logFile.Close()

	for _, cmdline := range commandsFor(cfg, tier) {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		cr, err := runOne(ctx, workDir, cmdline)
		result.Commands = append(result.Commands, cr)
		fmt.Fprintf(logFile, "$ %s\n%s\n(exit %d)\n\n", cmdline, cr.Output, cr.ExitCode)
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if cr.ExitCode != 0 {
			result.Passed = false
			return result, nil // stop at first non-zero
		}
	}
	return result, nil
}

func runOne(ctx context.Context, workDir, cmdline string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Dir = workDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return CommandResult{Command: cmdline, ExitCode: -1, Output: buf.String()}, err
		}
	}
	return CommandResult{Command: cmdline, ExitCode: exitCode, Output: buf.String()}, nil
}

// RunSelected runs every selected tier in order, stopping at the first
// tier that fails.
func RunSelected(ctx context.Context, workDir, artifactsDir string, cfg Config, tiers []Tier) ([]TierResult, bool, error) {
	var results []TierResult
	for _, tier := range tiers {
		res, err := RunTier(ctx, workDir, artifactsDir, cfg, tier)
		results = append(results, res)
		if err != nil {
			return results, false, err
		}
		if !res.Passed {
			return results, false, nil
		}
	}
	return results, true, nil
}
