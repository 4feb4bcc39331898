package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/danshapiro/runr/internal/model"
)

func TestTransition_FirstSeenMustBePending(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "task-status.json"))
	now := time.Now().UTC()
	if err := l.Transition("task/a.md", model.TaskInProgress, now, model.TaskLedgerEntry{}); err == nil {
		t.Fatal("expected error: first transition must be to pending")
	}
	if err := l.Transition("task/a.md", model.TaskPending, now, model.TaskLedgerEntry{}); err != nil {
		t.Fatal(err)
	}
	entry, ok, err := l.Get("task/a.md")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || entry.Status != model.TaskPending {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestTransition_IllegalTransitionRejected(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "task-status.json"))
	now := time.Now().UTC()
	if err := l.Transition("task/a.md", model.TaskPending, now, model.TaskLedgerEntry{}); err != nil {
		t.Fatal(err)
	}
	if err := l.Transition("task/a.md", model.TaskCompleted, now, model.TaskLedgerEntry{}); err == nil {
		t.Fatal("expected pending -> completed to be illegal")
	}
}

func TestTransition_FullLifecycle(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "task-status.json"))
	now := time.Now().UTC()
	path := "task/a.md"

	steps := []model.TaskStatus{model.TaskPending, model.TaskInProgress, model.TaskStopped, model.TaskInProgress, model.TaskCompleted}
	for _, to := range steps {
		if err := l.Transition(path, to, now, model.TaskLedgerEntry{LastRunID: "20260101000000"}); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	entry, _, err := l.Get(path)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != model.TaskCompleted {
		t.Fatalf("final status = %s", entry.Status)
	}
	if entry.LastRunID != "20260101000000" {
		t.Fatalf("LastRunID = %q", entry.LastRunID)
	}
}

func TestDependenciesSatisfied(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "task-status.json"))
	now := time.Now().UTC()

	ok, err := l.DependenciesSatisfied([]string{"task/a.md"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected unsatisfied: task/a.md not in ledger")
	}

	if err := l.Transition("task/a.md", model.TaskPending, now, model.TaskLedgerEntry{}); err != nil {
		t.Fatal(err)
	}
	if err := l.Transition("task/a.md", model.TaskInProgress, now, model.TaskLedgerEntry{}); err != nil {
		t.Fatal(err)
	}
	if err := l.Transition("task/a.md", model.TaskCompleted, now, model.TaskLedgerEntry{}); err != nil {
		t.Fatal(err)
	}

	ok, err = l.DependenciesSatisfied([]string{"task/a.md"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected satisfied after completion")
	}
}
