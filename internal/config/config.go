// Package config loads and validates runr.config.json/.yaml (spec.md §6),
// strict-decoding against the recognized option surface the way the
// teacher's engine.LoadRunConfigFile does: reject unknown fields, apply
// defaults, then validate.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is agent.{name, model} (spec.md §6).
type AgentConfig struct {
	Name  string `json:"name" yaml:"name"`
	Model string `json:"model" yaml:"model"`
}

// ScopeConfig is scope.{allowlist, denylist, lockfiles, presets}.
type ScopeConfig struct {
	Allowlist []string `json:"allowlist" yaml:"allowlist"`
	Denylist  []string `json:"denylist" yaml:"denylist"`
	Lockfiles []string `json:"lockfiles" yaml:"lockfiles"`
	Presets   []string `json:"presets" yaml:"presets"`
}

// VerificationConfig is verification.{tier0, tier1, tier2, risk_triggers,
// max_verify_time_per_milestone}.
type VerificationConfig struct {
	Tier0                     []string `json:"tier0" yaml:"tier0"`
	Tier1                     []string `json:"tier1" yaml:"tier1"`
	Tier2                     []string `json:"tier2" yaml:"tier2"`
	RiskTriggers              []string `json:"risk_triggers" yaml:"risk_triggers"`
	MaxVerifyTimePerMilestone string   `json:"max_verify_time_per_milestone" yaml:"max_verify_time_per_milestone"`
}

// WorkflowMode is workflow.mode (spec.md §6).
type WorkflowMode string

const (
	WorkflowFlow   WorkflowMode = "flow"
	WorkflowLedger WorkflowMode = "ledger"
)

// SubmitStrategy is workflow.submit_strategy.
type SubmitStrategy string

const SubmitCherryPick SubmitStrategy = "cherry-pick"

// WorkflowConfig is workflow.{mode, profile, integration_branch,
// release_branch, require_verification, require_clean_tree, submit_strategy}.
type WorkflowConfig struct {
	Mode                WorkflowMode   `json:"mode" yaml:"mode"`
	Profile             string         `json:"profile" yaml:"profile"`
	IntegrationBranch   string         `json:"integration_branch" yaml:"integration_branch"`
	ReleaseBranch       string         `json:"release_branch" yaml:"release_branch"`
	RequireVerification bool           `json:"require_verification" yaml:"require_verification"`
	RequireCleanTree    bool           `json:"require_clean_tree" yaml:"require_clean_tree"`
	SubmitStrategy      SubmitStrategy `json:"submit_strategy" yaml:"submit_strategy"`
}

// WorkerOutputKind is workers.<name>.output (spec.md §6).
type WorkerOutputKind string

const (
	WorkerOutputJSON  WorkerOutputKind = "json"
	WorkerOutputJSONL WorkerOutputKind = "jsonl"
)

// WorkerConfig is one workers.<name> entry.
type WorkerConfig struct {
	Bin       string           `json:"bin" yaml:"bin"`
	Args      []string         `json:"args" yaml:"args"`
	Output    WorkerOutputKind `json:"output" yaml:"output"`
	TimeoutMS int              `json:"timeout_ms" yaml:"timeout_ms"`
}

// RunConfig is the full decoded runr.config.json/.yaml.
type RunConfig struct {
	Agent        AgentConfig             `json:"agent" yaml:"agent"`
	Scope        ScopeConfig             `json:"scope" yaml:"scope"`
	Verification VerificationConfig      `json:"verification" yaml:"verification"`
	Workflow     WorkflowConfig          `json:"workflow" yaml:"workflow"`
	Workers      map[string]WorkerConfig `json:"workers" yaml:"workers"`

	StallTimeoutMS     int `json:"-" yaml:"-"`
	WorkerCallTimeoutMS int `json:"-" yaml:"-"`
}

// Load reads path (JSON or YAML, by extension), strict-decodes it,
// applies defaults, folds in env var overrides, then validates.
func Load(path string) (*RunConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg RunConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, out *RunConfig) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func decodeYAMLStrict(b []byte, out *RunConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(out)
}

func applyDefaults(cfg *RunConfig) {
	if cfg.Workflow.Mode == "" {
		cfg.Workflow.Mode = WorkflowFlow
	}
	if cfg.Workflow.SubmitStrategy == "" {
		cfg.Workflow.SubmitStrategy = SubmitCherryPick
	}
	if cfg.Verification.MaxVerifyTimePerMilestone == "" {
		cfg.Verification.MaxVerifyTimePerMilestone = "20m"
	}
	cfg.StallTimeoutMS = 12_000
	cfg.WorkerCallTimeoutMS = 120_000
}

// applyEnvOverrides implements spec.md §6's env override precedence:
// AGENT_STALL_TIMEOUT_MS / AGENT_WORKER_CALL_TIMEOUT_MS take precedence
// over minute-based variants (and over file-configured defaults).
func applyEnvOverrides(cfg *RunConfig) {
	if v := os.Getenv("AGENT_STALL_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StallTimeoutMS = n * 60_000
		}
	}
	if v := os.Getenv("AGENT_WORKER_CALL_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerCallTimeoutMS = n * 60_000
		}
	}
	// Millisecond env vars win over minute-based ones, per spec.md §6.
	if v := os.Getenv("AGENT_STALL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StallTimeoutMS = n
		}
	}
	if v := os.Getenv("AGENT_WORKER_CALL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerCallTimeoutMS = n
		}
	}
}

func validate(cfg *RunConfig) error {
	switch cfg.Workflow.Mode {
	case WorkflowFlow, WorkflowLedger:
	default:
		return fmt.Errorf("workflow.mode must be %q or %q, got %q", WorkflowFlow, WorkflowLedger, cfg.Workflow.Mode)
	}
	if cfg.Workflow.SubmitStrategy != SubmitCherryPick {
		return fmt.Errorf("workflow.submit_strategy must be %q, got %q", SubmitCherryPick, cfg.Workflow.SubmitStrategy)
	}
	if _, err := time.ParseDuration(cfg.Verification.MaxVerifyTimePerMilestone); err != nil {
		return fmt.Errorf("verification.max_verify_time_per_milestone: %w", err)
	}
	for name, w := range cfg.Workers {
		if w.Bin == "" {
			return fmt.Errorf("workers.%s.bin is required", name)
		}
		switch w.Output {
		case WorkerOutputJSON, WorkerOutputJSONL:
		default:
			return fmt.Errorf("workers.%s.output must be %q or %q", name, WorkerOutputJSON, WorkerOutputJSONL)
		}
	}
	return nil
}
