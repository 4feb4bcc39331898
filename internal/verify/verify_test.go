package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSelectTiers_Tier0Always(t *testing.T) {
	tiers := SelectTiers(Config{}, false, false, nil, false)
	if len(tiers) != 1 || tiers[0] != Tier0 {
		t.Fatalf("got %v", tiers)
	}
}

func TestSelectTiers_EndOfMilestoneAddsTier1(t *testing.T) {
	tiers := SelectTiers(Config{}, true, false, nil, false)
	if len(tiers) != 2 || tiers[1] != Tier1 {
		t.Fatalf("got %v", tiers)
	}
}

func TestSelectTiers_HighRiskAddsTier1(t *testing.T) {
	tiers := SelectTiers(Config{}, false, true, nil, false)
	if len(tiers) != 2 || tiers[1] != Tier1 {
		t.Fatalf("got %v", tiers)
	}
}

func TestSelectTiers_RiskTriggerGlobAddsTier1(t *testing.T) {
	cfg := Config{RiskTriggers: []string{"**/migrations/**"}}
	tiers := SelectTiers(cfg, false, false, []string{"db/migrations/0001.sql"}, false)
	if len(tiers) != 2 || tiers[1] != Tier1 {
		t.Fatalf("got %v", tiers)
	}
}

func TestSelectTiers_RunEndAddsTier2(t *testing.T) {
	tiers := SelectTiers(Config{}, false, false, nil, true)
	if len(tiers) != 2 || tiers[1] != Tier2 {
		t.Fatalf("got %v", tiers)
	}
}

func TestRunTier_StopsAtFirstNonZero(t *testing.T) {
	dir := t.TempDir()
	artifacts := filepath.Join(dir, "artifacts")
	cfg := Config{Tier0: []string{"exit 0", "exit 1", "echo should-not-run"}}

	res, err := RunTier(context.Background(), dir, artifacts, cfg, Tier0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed {
		t.Fatal("expected tier to fail")
	}
	if len(res.Commands) != 2 {
		t.Fatalf("expected exactly 2 commands run (stopped after failure), got %d: %+v", len(res.Commands), res.Commands)
	}

	logBytes, err := os.ReadFile(filepath.Join(artifacts, "tests_tier0.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(logBytes) == 0 {
		t.Fatal("expected non-empty log file")
	}
}

func TestRunTier_AllZeroPasses(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Tier0: []string{"true", "true"}}
	res, err := RunTier(context.Background(), dir, filepath.Join(dir, "artifacts"), cfg, Tier0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed {
		t.Fatalf("expected pass: %+v", res)
	}
}

func TestRunSelected_StopsAtFirstFailingTier(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Tier0: []string{"true"},
		Tier1: []string{"false"},
		Tier2: []string{"true"},
	}
	results, passed, err := RunSelected(context.Background(), dir, filepath.Join(dir, "artifacts"), cfg, []Tier{Tier0, Tier1, Tier2})
	if err != nil {
		t.Fatal(err)
	}
	if passed {
		t.Fatal("expected overall failure")
	}
	if len(results) != 2 {
		t.Fatalf("expected to stop after tier1 failed, got %d tiers", len(results))
	}
}

func TestRunTier_RespectsContextTimeout(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Tier0: []string{"sleep 5"}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := RunTier(ctx, dir, filepath.Join(dir, "artifacts"), cfg, Tier0)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
