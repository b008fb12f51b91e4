package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel-run/agentcore/internal/agent"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	executor := NewExecutor(&fakeRunner{result: &agent.RunResult{Content: "ok"}}, nil, time.Second)
	s, err := New(filepath.Join(dir, "scheduler.json"), executor, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestScheduler_CreateTaskRequiresName(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.CreateTask(CreateTaskParams{TaskType: TaskTask, Trigger: Trigger{Type: TriggerOnce, RunAt: time.Now()}})
	if err == nil {
		t.Fatal("expected an error for a missing name")
	}
}

func TestScheduler_CreateTaskRejectsBadCron(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.CreateTask(CreateTaskParams{
		Name: "digest", TaskType: TaskTask,
		Trigger: Trigger{Type: TriggerCron, CronExpr: "garbage"},
	})
	if err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestScheduler_CreateTaskAssignsIDAndNextRun(t *testing.T) {
	s := newTestScheduler(t)
	task, err := s.CreateTask(CreateTaskParams{
		Name: "ping", TaskType: TaskReminder,
		Trigger: Trigger{Type: TriggerInterval, IntervalMinutes: 5},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == "" {
		t.Error("expected a generated task ID")
	}
	if task.NextRun == nil {
		t.Error("expected next_run to be computed at creation")
	}
	if !task.Enabled {
		t.Error("expected a newly created task to be enabled")
	}
}

func TestScheduler_ListAndGetTask(t *testing.T) {
	s := newTestScheduler(t)
	created, err := s.CreateTask(CreateTaskParams{Name: "a", Trigger: Trigger{Type: TriggerOnce, RunAt: time.Now()}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if len(s.ListTasks()) != 1 {
		t.Fatalf("expected 1 task, got %d", len(s.ListTasks()))
	}
	got, ok := s.GetTask(created.ID)
	if !ok || got.Name != "a" {
		t.Fatalf("expected to find created task, got %v ok=%v", got, ok)
	}
}

func TestScheduler_CancelTaskDisablesIt(t *testing.T) {
	s := newTestScheduler(t)
	task, err := s.CreateTask(CreateTaskParams{Name: "a", Trigger: Trigger{Type: TriggerOnce, RunAt: time.Now()}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.CancelTask(task.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	got, _ := s.GetTask(task.ID)
	if got.Enabled {
		t.Error("expected task to be disabled after cancel")
	}
}

func TestScheduler_CancelUnknownTask(t *testing.T) {
	s := newTestScheduler(t)
	if err := s.CancelTask("nope"); err == nil {
		t.Fatal("expected an error cancelling an unknown task")
	}
}

func TestScheduler_DeleteTask(t *testing.T) {
	s := newTestScheduler(t)
	task, err := s.CreateTask(CreateTaskParams{Name: "a", Trigger: Trigger{Type: TriggerOnce, RunAt: time.Now()}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.DeleteTask(task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, ok := s.GetTask(task.ID); ok {
		t.Error("expected task to be gone after delete")
	}
}

func TestScheduler_TriggerNowRunsImmediatelyAndRecordsExecution(t *testing.T) {
	s := newTestScheduler(t)
	task, err := s.CreateTask(CreateTaskParams{
		Name: "digest", TaskType: TaskTask,
		Trigger: Trigger{Type: TriggerInterval, IntervalMinutes: 60},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	originalNext := task.NextRun

	if err := s.TriggerNow(context.Background(), task.ID); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}

	updated, _ := s.GetTask(task.ID)
	if updated.RunCount != 1 {
		t.Errorf("expected RunCount 1 after TriggerNow, got %d", updated.RunCount)
	}
	if updated.NextRun == nil || updated.NextRun.Equal(*originalNext) {
		t.Error("expected next_run to be recomputed from the real completion time")
	}
	if len(s.Executions(task.ID)) != 1 {
		t.Error("expected TriggerNow to record an execution")
	}
}

func TestScheduler_TriggerNowUnknownTask(t *testing.T) {
	s := newTestScheduler(t)
	if err := s.TriggerNow(context.Background(), "nope"); err == nil {
		t.Fatal("expected an error triggering an unknown task")
	}
}
