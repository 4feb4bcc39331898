package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danshapiro/runr/internal/diagnosis"
)

// handoff is the durable record a stopped run leaves behind for a human
// or the orchestrator to act on (spec.md §7: "User-visible failure
// carries three lines always: the stop reason code, the last checkpoint
// sha with milestone index, and the set of next actions").
type handoff struct {
	StopReason        string   `json:"stop_reason"`
	ExitCode          int      `json:"exit_code"`
	LastCheckpointSHA string   `json:"last_checkpoint_sha,omitempty"`
	MilestoneIndex    int      `json:"milestone_index"`
	AutoResumable     bool     `json:"auto_resumable"`
	NextActions       []string `json:"next_actions"`
}

var defaultNextActions = []string{"resume", "intervene", "report"}

// writeHandoff writes handoffs/stop.{json,md} for the run's terminal
// state (spec.md §7). Both files are written atomically (temp + rename),
// mirroring the journal's own snapshot discipline.
func (s *Supervisor) writeHandoff(reason string) error {
	entry, _ := diagnosis.Lookup(reason)
	h := handoff{
		StopReason:        reason,
		ExitCode:          entry.ExitCode,
		LastCheckpointSHA: s.run.LastCheckpointSHA,
		MilestoneIndex:    s.run.MilestoneIndex,
		AutoResumable:     entry.AutoResumable,
		NextActions:       defaultNextActions,
	}

	dir := s.deps.Store.HandoffsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, "stop.json"), b); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, "stop.md"), []byte(renderHandoffMarkdown(h, entry.Diagnosis)))
}

func renderHandoffMarkdown(h handoff, diagnosisText string) string {
	checkpoint := h.LastCheckpointSHA
	if checkpoint == "" {
		checkpoint = "(none)"
	}
	return fmt.Sprintf(
		"# Run stopped: %s\n\nLast checkpoint: %s (milestone %d)\n\n%s\n\nNext actions: %v\n",
		h.StopReason, checkpoint, h.MilestoneIndex, diagnosisText, h.NextActions,
	)
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
