package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/danshapiro/runr/internal/model"
)

func TestAppendAndReadEvents_OrderPreserved(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "run-1"))
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.AppendNewEvent(model.EventRunStarted, now, map[string]string{"x": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendNewEvent(model.EventPhaseStart, now.Add(time.Second), map[string]string{"phase": "PLAN"}); err != nil {
		t.Fatal(err)
	}

	events, err := store.ReadEvents()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != model.EventRunStarted || events[1].Type != model.EventPhaseStart {
		t.Fatalf("order not preserved: %+v", events)
	}
	if events[0].ID == "" || events[1].ID == "" {
		t.Fatal("expected event ids to be set")
	}
}

func TestReadEvents_MissingTimelineReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "run-1"))
	if err != nil {
		t.Fatal(err)
	}
	events, err := store.ReadEvents()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
}

func TestSnapshotAndReadState_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "run-1"))
	if err != nil {
		t.Fatal(err)
	}

	run := &model.Run{ID: "20260101000000", Phase: model.PhaseImplement, MilestoneIndex: 1}
	if err := store.SnapshotState(run); err != nil {
		t.Fatal(err)
	}

	got, err := store.ReadState()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != run.ID || got.Phase != run.Phase || got.MilestoneIndex != run.MilestoneIndex {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestReadState_MissingFileReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "run-1"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.ReadState()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil state, got %+v", got)
	}
}

func TestFindLatestCheckpointBySidecar_HighestMilestoneWins(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	save := func(sha string, idx int, createdAt time.Time) {
		t.Helper()
		sc := &model.Sidecar{
			SchemaVersion:  model.SidecarSchemaVersion,
			SHA:            sha,
			RunID:          "20260101000000",
			MilestoneIndex: idx,
			MilestoneTitle: "m",
			CreatedAt:      createdAt,
		}
		if err := model.SaveSidecar(dir, sc); err != nil {
			t.Fatal(err)
		}
	}
	save("sha1", 0, now)
	save("sha2", 2, now.Add(time.Minute))
	save("sha3", 1, now.Add(2*time.Minute))

	got, err := FindLatestCheckpointBySidecar(dir, "20260101000000")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.SHA != "sha2" {
		t.Fatalf("expected sha2 (milestone 2), got %+v", got)
	}
}

func TestFindLatestCheckpointBySidecar_SkipsWrongRunID(t *testing.T) {
	dir := t.TempDir()
	sc := &model.Sidecar{
		SchemaVersion:  model.SidecarSchemaVersion,
		SHA:            "sha1",
		RunID:          "other-run",
		MilestoneIndex: 5,
		MilestoneTitle: "m",
		CreatedAt:      time.Now().UTC(),
	}
	if err := model.SaveSidecar(dir, sc); err != nil {
		t.Fatal(err)
	}
	got, err := FindLatestCheckpointBySidecar(dir, "20260101000000")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestFindLatestCheckpointBySidecar_MissingDirReturnsNil(t *testing.T) {
	got, err := FindLatestCheckpointBySidecar(filepath.Join(t.TempDir(), "nope"), "r")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}
