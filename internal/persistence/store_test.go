package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel-dl/kestrel/internal/model"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue_state.json")
	store := NewStore(path)

	t1 := model.NewTask("a", "http://host/x", "/tmp/a", 3, 3, nil)
	t1.State = model.StatePending
	t2 := model.NewTask("b", "http://host/y", "/tmp/b", 1, 3, nil)
	t2.State = model.StatePaused

	store.writeNow([]*model.Task{t1, t2})

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(loaded))
	}
}

func TestLoadDropsTerminalTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue_state.json")
	store := NewStore(path)

	active := model.NewTask("a", "http://host/x", "/tmp/a", 3, 3, nil)
	active.State = model.StatePending
	done := model.NewTask("b", "http://host/y", "/tmp/b", 1, 3, nil)
	done.State = model.StateCompleted
	failed := model.NewTask("c", "http://host/z", "/tmp/c", 1, 3, nil)
	failed.State = model.StateFailed
	cancelled := model.NewTask("d", "http://host/w", "/tmp/d", 1, 3, nil)
	cancelled.State = model.StateCancelled

	store.writeNow([]*model.Task{active, done, failed, cancelled})

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "a" {
		t.Fatalf("expected only the active task to survive Load, got %+v", loaded)
	}
}

func TestLoadRewindsMidFlightTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue_state.json")
	store := NewStore(path)

	t1 := model.NewTask("running", "http://host/z", "/tmp/running", 1, 3, nil)
	t1.State = model.StateDownloading

	store.writeNow([]*model.Task{t1})

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].State != model.StatePaused {
		t.Fatalf("expected mid-flight task rewound to paused, got %+v", loaded)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent.json")
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load of missing file should not error, got %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil task slice, got %v", loaded)
	}
}

func TestLoadRejectsUnknownSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue_state.json")
	bad := `{"version": 999, "exported_at": "2026-01-01T00:00:00Z", "tasks": []}`
	if err := os.WriteFile(path, []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected schema version mismatch to fail loudly")
	}
}

func TestSaveCoalescesBurstWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue_state.json")
	store := NewStore(path)
	t1 := model.NewTask("x", "http://host/w", "/tmp/x", 1, 1, nil)

	store.Save([]*model.Task{t1})
	store.Save([]*model.Task{t1})
	store.Save([]*model.Task{t1})

	time.Sleep(coalesceWindow + 100*time.Millisecond)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected coalesced writes to settle on one task record, got %d", len(loaded))
	}
}
