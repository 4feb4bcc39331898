// Package ledger implements the task status ledger (spec.md §3): a single
// JSON file per repo, mutated only through a read-modify-write cycle
// serialized by an exclusive lock file, mirroring the teacher's
// writeJSON atomic-write idiom plus its single mutable-store discipline
// (spec.md §9: "the task ledger is the only process-wide mutable store").
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danshapiro/runr/internal/model"
)

// Ledger wraps the single task-status.json file at path.
type Ledger struct {
	path string
}

// Open returns a Ledger bound to path (created lazily on first Update).
func Open(path string) *Ledger {
	return &Ledger{path: path}
}

func (l *Ledger) lockPath() string { return l.path + ".lock" }

// acquireLock takes an exclusive O_CREATE|O_EXCL lock file, retrying
// briefly if another process holds it.
func (l *Ledger) acquireLock() (*os.File, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(l.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("ledger: timed out acquiring lock %s", l.lockPath())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (l *Ledger) releaseLock(f *os.File) {
	f.Close()
	os.Remove(l.lockPath())
}

func (l *Ledger) read() (*model.TaskLedger, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.NewTaskLedger(), nil
		}
		return nil, err
	}
	var tl model.TaskLedger
	if err := json.Unmarshal(b, &tl); err != nil {
		return nil, fmt.Errorf("corrupt task ledger %s: %w", l.path, err)
	}
	if tl.Tasks == nil {
		tl.Tasks = map[string]model.TaskLedgerEntry{}
	}
	return &tl, nil
}

func (l *Ledger) write(tl *model.TaskLedger) error {
	b, err := json.MarshalIndent(tl, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

// Update runs fn against the current ledger under the exclusive lock,
// then persists the result. fn mutates tl in place.
func (l *Ledger) Update(fn func(tl *model.TaskLedger) error) error {
	lockFile, err := l.acquireLock()
	if err != nil {
		return err
	}
	defer l.releaseLock(lockFile)

	tl, err := l.read()
	if err != nil {
		return err
	}
	if err := fn(tl); err != nil {
		return err
	}
	return l.write(tl)
}

// Transition applies a single task's status transition, enforcing the
// legal-transition table (spec.md §3 lifecycle rule iii). Returns an
// error if the transition is illegal.
func (l *Ledger) Transition(taskPath string, to model.TaskStatus, now time.Time, fields model.TaskLedgerEntry) error {
	return l.Update(func(tl *model.TaskLedger) error {
		entry, exists := tl.Tasks[taskPath]
		if !exists {
			if to != model.TaskPending {
				return fmt.Errorf("task %s: first transition must be to pending, got %s", taskPath, to)
			}
			entry = model.TaskLedgerEntry{Status: model.TaskPending, FirstSeenAt: now}
			tl.Tasks[taskPath] = entry
			return nil
		}
		if !model.CanTransition(entry.Status, to) {
			return fmt.Errorf("task %s: illegal transition %s -> %s", taskPath, entry.Status, to)
		}
		entry.Status = to
		entry.LastUpdatedAt = now
		if fields.LastRunID != "" {
			entry.LastRunID = fields.LastRunID
		}
		if fields.LastCheckpointSHA != "" {
			entry.LastCheckpointSHA = fields.LastCheckpointSHA
		}
		if fields.LastErrorSummary != "" {
			entry.LastErrorSummary = fields.LastErrorSummary
		}
		if fields.LastStopReason != "" {
			entry.LastStopReason = fields.LastStopReason
		}
		tl.Tasks[taskPath] = entry
		return nil
	})
}

// Get returns the current entry for taskPath, if any.
func (l *Ledger) Get(taskPath string) (model.TaskLedgerEntry, bool, error) {
	tl, err := l.read()
	if err != nil {
		return model.TaskLedgerEntry{}, false, err
	}
	e, ok := tl.Tasks[taskPath]
	return e, ok, nil
}

// DependenciesSatisfied reports whether every dependency task path in
// deps has status=completed (spec.md §4.H launch eligibility rule 3).
func (l *Ledger) DependenciesSatisfied(deps []string) (bool, error) {
	tl, err := l.read()
	if err != nil {
		return false, err
	}
	for _, dep := range deps {
		entry, ok := tl.Tasks[dep]
		if !ok || entry.Status != model.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}
