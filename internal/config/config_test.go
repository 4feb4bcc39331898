package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_JSON_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "runr.config.json", `{
		"agent": {"name": "claude", "model": "sonnet"},
		"scope": {"allowlist": ["src/**"]}
	}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workflow.Mode != WorkflowFlow {
		t.Fatalf("default mode = %q", cfg.Workflow.Mode)
	}
	if cfg.Workflow.SubmitStrategy != SubmitCherryPick {
		t.Fatalf("default submit_strategy = %q", cfg.Workflow.SubmitStrategy)
	}
	if cfg.Agent.Name != "claude" {
		t.Fatalf("agent.name = %q", cfg.Agent.Name)
	}
}

func TestLoad_JSON_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "runr.config.json", `{"bogus_top_level_field": true}`)
	if _, err := Load(p); err == nil {
		t.Fatal("expected strict decode to reject unknown field")
	}
}

func TestLoad_YAML_Works(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "runr.config.yaml", "agent:\n  name: codex\n  model: gpt\nworkflow:\n  mode: ledger\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Name != "codex" {
		t.Fatalf("agent.name = %q", cfg.Agent.Name)
	}
	if cfg.Workflow.Mode != WorkflowLedger {
		t.Fatalf("workflow.mode = %q", cfg.Workflow.Mode)
	}
}

func TestLoad_YAML_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "runr.config.yaml", "bogus_field: true\n")
	if _, err := Load(p); err == nil {
		t.Fatal("expected strict decode to reject unknown field")
	}
}

func TestLoad_ValidatesWorkerOutputKind(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "runr.config.json", `{"workers": {"main": {"bin": "claude", "output": "xml"}}}`)
	if _, err := Load(p); err == nil {
		t.Fatal("expected validation error for bad output kind")
	}
}

func TestEnvOverrides_MillisecondsWinOverMinutes(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "runr.config.json", `{}`)

	t.Setenv("AGENT_STALL_TIMEOUT_MINUTES", "5")
	t.Setenv("AGENT_STALL_TIMEOUT_MS", "9000")

	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StallTimeoutMS != 9000 {
		t.Fatalf("StallTimeoutMS = %d, want 9000 (ms override should win over minutes)", cfg.StallTimeoutMS)
	}
}
