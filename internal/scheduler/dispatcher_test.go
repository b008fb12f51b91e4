package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel-run/agentcore/internal/agent"
)

func TestDispatcher_RunRecordsExecutionAndReschedules(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "scheduler.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	runner := &fakeRunner{result: &agent.RunResult{Content: "ok"}}
	executor := NewExecutor(runner, nil, time.Second)
	d := NewDispatcher(store, executor, 1, nil)

	past := time.Now().UTC().Add(-time.Minute)
	task := &Task{
		ID: "t1", Name: "every-minute", Enabled: true, TaskType: TaskTask,
		Trigger: Trigger{Type: TriggerInterval, IntervalMinutes: 1},
		NextRun: &past,
	}
	if err := store.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	d.run(context.Background(), task)

	updated, ok := store.GetTask("t1")
	if !ok {
		t.Fatal("expected task to still exist")
	}
	if updated.RunCount != 1 {
		t.Errorf("expected RunCount 1, got %d", updated.RunCount)
	}
	if updated.LastRun == nil {
		t.Fatal("expected LastRun to be set")
	}
	if updated.NextRun == nil || !updated.NextRun.After(*updated.LastRun) {
		t.Error("expected next_run to be rescheduled after LastRun")
	}

	execs := store.Executions("t1")
	if len(execs) != 1 {
		t.Fatalf("expected one recorded execution, got %d", len(execs))
	}
	if execs[0].Status != StatusDone {
		t.Errorf("expected status done, got %s", execs[0].Status)
	}
}

func TestDispatcher_RunDisablesOnceTaskAfterFiring(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "scheduler.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	executor := NewExecutor(&fakeRunner{result: &agent.RunResult{Content: "ok"}}, nil, time.Second)
	d := NewDispatcher(store, executor, 1, nil)

	runAt := time.Now().UTC().Add(-time.Minute)
	task := &Task{
		ID: "t1", Enabled: true, TaskType: TaskTask,
		Trigger: Trigger{Type: TriggerOnce, RunAt: runAt},
		NextRun: &runAt,
	}
	if err := store.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	d.run(context.Background(), task)

	updated, _ := store.GetTask("t1")
	if updated.NextRun != nil {
		t.Error("expected a fired once-task to have nil next_run")
	}
	if updated.Enabled {
		t.Error("expected a fired once-task to be disabled")
	}
}

func TestDispatcher_RunDisablesOnInvalidTrigger(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "scheduler.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	executor := NewExecutor(&fakeRunner{result: &agent.RunResult{Content: "ok"}}, nil, time.Second)
	d := NewDispatcher(store, executor, 1, nil)

	now := time.Now().UTC()
	task := &Task{
		ID: "t1", Enabled: true, TaskType: TaskTask,
		Trigger: Trigger{Type: TriggerInterval, IntervalMinutes: 0},
		NextRun: &now,
	}
	if err := store.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	d.run(context.Background(), task)

	updated, _ := store.GetTask("t1")
	if updated.Enabled {
		t.Error("expected task to be disabled when next_run computation fails")
	}
}

func TestDispatcher_RecoverStaleScheduleFillsNilNextRun(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "scheduler.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	executor := NewExecutor(&fakeRunner{}, nil, time.Second)
	d := NewDispatcher(store, executor, 1, nil)

	task := &Task{
		ID: "t1", Enabled: true, TaskType: TaskTask,
		Trigger: Trigger{Type: TriggerInterval, IntervalMinutes: 15},
	}
	if err := store.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	d.recoverStaleSchedule(time.Now().UTC())

	updated, _ := store.GetTask("t1")
	if updated.NextRun == nil {
		t.Error("expected recoverStaleSchedule to compute a next_run")
	}
}

func TestDispatcher_TickLaunchesDueTasksUpToConcurrency(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "scheduler.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	runner := &fakeRunner{result: &agent.RunResult{Content: "ok"}, delay: 20 * time.Millisecond}
	executor := NewExecutor(runner, nil, time.Second)
	d := NewDispatcher(store, executor, 2, nil)

	past := time.Now().UTC().Add(-time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		task := &Task{
			ID: id, Enabled: true, TaskType: TaskTask,
			Trigger: Trigger{Type: TriggerInterval, IntervalMinutes: 1},
			NextRun: &past,
		}
		if err := store.SaveTask(task); err != nil {
			t.Fatalf("SaveTask(%s): %v", id, err)
		}
	}

	d.tick(context.Background(), time.Now().UTC())
	d.wg.Wait()

	var done int
	for _, id := range []string{"a", "b", "c"} {
		execs := store.Executions(id)
		if len(execs) > 0 {
			done++
		}
	}
	if done == 0 {
		t.Error("expected at least one task to have been dispatched")
	}
}
