// Package journal implements the per-run store (spec.md §3, §4.A): an
// append-only event timeline, an atomically-rewritten state snapshot, and
// the shared checkpoint sidecar directory.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/danshapiro/runr/internal/model"
)

const (
	stateFileName    = "state.json"
	timelineFileName = "timeline.jsonl"
)

// Store is the per-run directory accessor. One Store per run process;
// AppendEvent uses an in-process mutex so multiple writers within the
// process (the supervisor and its watchdog) never interleave partial
// lines; there is no cross-process lock file. This mirrors the teacher's single-writer discipline around
// its own progress-append path.
type Store struct {
	runDir string
	mu     sync.Mutex
}

// NewStore returns a Store rooted at runDir, creating it if absent.
func NewStore(runDir string) (*Store, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(runDir, "artifacts"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(runDir, "handoffs"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(runDir, "interventions"), 0o755); err != nil {
		return nil, err
	}
	return &Store{runDir: runDir}, nil
}

func (s *Store) timelinePath() string { return filepath.Join(s.runDir, timelineFileName) }
func (s *Store) statePath() string    { return filepath.Join(s.runDir, stateFileName) }

// ArtifactsDir returns the run's artifacts directory (verification logs,
// worker transcripts), kept outside the git worktree so it never shows up
// as a tracked change for the scope guard or a checkpoint commit.
func (s *Store) ArtifactsDir() string { return filepath.Join(s.runDir, "artifacts") }

// HandoffsDir returns the run's handoff directory (stop.json/stop.md),
// written once a run reaches STOPPED (spec.md §7).
func (s *Store) HandoffsDir() string { return filepath.Join(s.runDir, "handoffs") }

// InterventionsDir returns the run's intervention-receipt directory
// (spec.md §3: "stored under <run>/interventions/<slug>.json").
func (s *Store) InterventionsDir() string { return filepath.Join(s.runDir, "interventions") }

// AppendEvent appends one event as a single JSON line, flushed before
// return. Writes are crash-safe: each call opens, writes one line, and
// closes, so a crash mid-write can corrupt at most the trailing line
// (ReadEvents skips truncated trailing lines).
func (s *Store) AppendEvent(ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.timelinePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open timeline: %w", err)
	}
	defer f.Close()

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return f.Sync()
}

// AppendNewEvent mints an id and timestamp and appends the event in one
// step; the common case for supervisor phase transitions.
func (s *Store) AppendNewEvent(typ string, at time.Time, payload any) error {
	ev, err := model.NewEvent(NewEventID(), typ, at, payload)
	if err != nil {
		return err
	}
	return s.AppendEvent(ev)
}

// ReadEvents returns every well-formed event in the timeline, in append
// order. A malformed trailing line (partial write from a crash) is
// silently skipped; a malformed line in the middle is also skipped, since
// events are never rewritten and a reader should be tolerant of a single
// corrupt line rather than fail the whole read.
func (s *Store) ReadEvents() ([]model.Event, error) {
	f, err := os.Open(s.timelinePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []model.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil && err != io.ErrUnexpectedEOF {
		return events, err
	}
	return events, nil
}

// SnapshotState atomically rewrites state.json: write to a temp file,
// fsync, then rename over the destination (spec.md §4.A). The destination
// is unlinked first since Windows rename cannot replace an existing file
// in place.
func (s *Store) SnapshotState(run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.statePath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_ = os.Remove(s.statePath())
	return os.Rename(tmp, s.statePath())
}

// ReadState performs a best-effort read of state.json: a missing file
// returns (nil, nil); a corrupt file returns a non-nil error, which the
// resume planner treats as fatal for that run id (spec.md §4.A, §4.G).
func (s *Store) ReadState() (*model.Run, error) {
	b, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var run model.Run
	if err := json.Unmarshal(b, &run); err != nil {
		return nil, fmt.Errorf("corrupt state.json: %w", err)
	}
	return &run, nil
}

// FindLatestCheckpointBySidecar scans checkpointsDir for the sidecar with
// the highest milestone_index for runID, breaking ties by latest
// created_at, then latest file mtime (spec.md §4.A). Sidecars that fail
// validation (wrong filename, wrong schema_version, missing fields, or a
// disagreeing run_id) are skipped rather than erroring the whole scan.
func FindLatestCheckpointBySidecar(checkpointsDir, runID string) (*model.Sidecar, error) {
	entries, err := os.ReadDir(checkpointsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type candidate struct {
		sidecar *model.Sidecar
		mtime   int64
	}
	var candidates []candidate

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(checkpointsDir, name)
		sc, err := model.LoadSidecar(path)
		if err != nil {
			continue // corrupt sidecar: skip, don't fail the scan
		}
		if filepath.Base(path) != sc.SHA+".json" {
			continue
		}
		if len(sc.Validate(runID)) > 0 {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{sidecar: sc, mtime: info.ModTime().UnixNano()})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.sidecar.MilestoneIndex != b.sidecar.MilestoneIndex {
			return a.sidecar.MilestoneIndex > b.sidecar.MilestoneIndex
		}
		if !a.sidecar.CreatedAt.Equal(b.sidecar.CreatedAt) {
			return a.sidecar.CreatedAt.After(b.sidecar.CreatedAt)
		}
		return a.mtime > b.mtime
	})
	return candidates[0].sidecar, nil
}
