package scheduler

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "scheduler.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_SaveAndGetTask(t *testing.T) {
	s := newTestStore(t)
	task := &Task{ID: "t1", Name: "ping"}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	got, ok := s.GetTask("t1")
	if !ok {
		t.Fatal("expected task to be found")
	}
	if got.Name != "ping" {
		t.Errorf("expected name %q, got %q", "ping", got.Name)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected CreatedAt/UpdatedAt to be stamped on save")
	}
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.json")

	s1, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s1.SaveTask(&Task{ID: "t1", Name: "ping"}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload NewStore: %v", err)
	}
	got, ok := s2.GetTask("t1")
	if !ok || got.Name != "ping" {
		t.Fatalf("expected task to survive reload, got %v ok=%v", got, ok)
	}
}

func TestStore_DeleteTask(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveTask(&Task{ID: "t1"}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := s.DeleteTask("t1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, ok := s.GetTask("t1"); ok {
		t.Fatal("expected task to be gone after delete")
	}
}

func TestStore_DueTasks(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	due := &Task{ID: "due", Enabled: true, NextRun: &past}
	notDueYet := &Task{ID: "future", Enabled: true, NextRun: &future}
	disabled := &Task{ID: "disabled", Enabled: false, NextRun: &past}
	noNextRun := &Task{ID: "none", Enabled: true}

	for _, task := range []*Task{due, notDueYet, disabled, noNextRun} {
		if err := s.SaveTask(task); err != nil {
			t.Fatalf("SaveTask(%s): %v", task.ID, err)
		}
	}

	got := s.DueTasks(now)
	if len(got) != 1 || got[0].ID != "due" {
		t.Fatalf("expected exactly [due], got %v", got)
	}
}

func TestStore_RecordExecutionTrimsHistory(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < maxExecutionsPerTask+10; i++ {
		if err := s.RecordExecution(Execution{ID: string(rune('a' + i%26)), TaskID: "t1"}); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}
	got := s.Executions("t1")
	if len(got) != maxExecutionsPerTask {
		t.Fatalf("expected history trimmed to %d, got %d", maxExecutionsPerTask, len(got))
	}
}

func TestStore_ExecutionsUnknownTask(t *testing.T) {
	s := newTestStore(t)
	got := s.Executions("nope")
	if len(got) != 0 {
		t.Fatalf("expected no executions for unknown task, got %v", got)
	}
}
