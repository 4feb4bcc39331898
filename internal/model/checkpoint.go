package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SidecarSchemaVersion is the only schema_version this build accepts.
// find_latest_checkpoint_by_sidecar skips any sidecar with a different
// value (spec.md §4.A).
const SidecarSchemaVersion = 1

// Sidecar is the durable record paired 1:1 with a checkpoint commit
// (spec.md §3). Filename must equal "<sha>.json"; written atomically
// (temp + rename) strictly after the commit it describes.
type Sidecar struct {
	SchemaVersion         int       `json:"schema_version"`
	SHA                   string    `json:"sha"`
	RunID                 string    `json:"run_id"`
	MilestoneIndex        int       `json:"milestone_index"`
	MilestoneTitle        string    `json:"milestone_title"`
	CreatedAt             time.Time `json:"created_at"`
	Tier                  string    `json:"tier,omitempty"`
	VerificationCommands  []string  `json:"verification_commands,omitempty"`
}

// Validate reports the reasons find_latest_checkpoint_by_sidecar would
// skip this sidecar (empty slice means it's acceptable).
func (s *Sidecar) Validate(expectRunID string) []string {
	var problems []string
	if s.SchemaVersion != SidecarSchemaVersion {
		problems = append(problems, fmt.Sprintf("schema_version %d != %d", s.SchemaVersion, SidecarSchemaVersion))
	}
	if s.SHA == "" {
		problems = append(problems, "missing sha")
	}
	if s.RunID == "" {
		problems = append(problems, "missing run_id")
	}
	if expectRunID != "" && s.RunID != expectRunID {
		problems = append(problems, fmt.Sprintf("run_id %q != %q", s.RunID, expectRunID))
	}
	if s.MilestoneTitle == "" {
		problems = append(problems, "missing milestone_title")
	}
	if s.CreatedAt.IsZero() {
		problems = append(problems, "missing created_at")
	}
	return problems
}

// SidecarPath returns the path a sidecar for sha must live at under the
// shared checkpoints directory.
func SidecarPath(checkpointsDir, sha string) string {
	return filepath.Join(checkpointsDir, sha+".json")
}

// SaveSidecar writes s atomically (temp file + rename) to its canonical
// path under checkpointsDir (spec.md §3: "written atomically").
func SaveSidecar(checkpointsDir string, s *Sidecar) error {
	if err := os.MkdirAll(checkpointsDir, 0o755); err != nil {
		return err
	}
	path := SidecarPath(checkpointsDir, s.SHA)
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSidecar reads and decodes a single sidecar file.
func LoadSidecar(path string) (*Sidecar, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Sidecar
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", path, err)
	}
	return &s, nil
}
