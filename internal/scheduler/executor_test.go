package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrel-run/agentcore/internal/agent"
)

type fakeRunner struct {
	result *agent.RunResult
	err    error
	delay  time.Duration
	gotReq agent.RunRequest
}

func (f *fakeRunner) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	f.gotReq = req
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestExecutor_ExecuteTask_Success(t *testing.T) {
	runner := &fakeRunner{result: &agent.RunResult{Content: "done"}}
	e := NewExecutor(runner, nil, time.Second)

	task := &Task{ID: "t1", Name: "digest", TaskType: TaskTask, Prompt: "summarize the week"}
	ok, msg := e.Execute(context.Background(), task)
	if !ok {
		t.Fatalf("expected success, got failure: %s", msg)
	}
	if msg != "done" {
		t.Errorf("expected result %q, got %q", "done", msg)
	}
	if runner.gotReq.RunID != "sched:t1" {
		t.Errorf("expected RunID sched:t1, got %q", runner.gotReq.RunID)
	}
}

func TestExecutor_ExecuteTask_RunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	e := NewExecutor(runner, nil, time.Second)

	ok, msg := e.Execute(context.Background(), &Task{ID: "t1", TaskType: TaskTask})
	if ok {
		t.Fatal("expected failure")
	}
	if msg != "boom" {
		t.Errorf("expected error message %q, got %q", "boom", msg)
	}
}

func TestExecutor_ExecuteTask_Timeout(t *testing.T) {
	runner := &fakeRunner{result: &agent.RunResult{Content: "too slow"}, delay: 50 * time.Millisecond}
	e := NewExecutor(runner, nil, 5*time.Millisecond)

	ok, msg := e.Execute(context.Background(), &Task{ID: "t1", TaskType: TaskTask})
	if ok {
		t.Fatal("expected timeout failure")
	}
	if msg == "" {
		t.Error("expected a non-empty timeout message")
	}
}

func TestExecutor_ExecuteReminder_NoClassifierNeverUpgrades(t *testing.T) {
	runner := &fakeRunner{}
	e := NewExecutor(runner, nil, time.Second)

	task := &Task{ID: "t1", TaskType: TaskReminder, ReminderMessage: "take your meds"}
	ok, msg := e.Execute(context.Background(), task)
	if !ok {
		t.Fatalf("expected success, got failure: %s", msg)
	}
	if msg != "take your meds" {
		t.Errorf("expected reminder message echoed back, got %q", msg)
	}
	if runner.gotReq.RunID != "" {
		t.Error("expected the agent runner never to be invoked without a classifier")
	}
}

func TestExecutor_ExecuteReminder_ClassifierUpgrades(t *testing.T) {
	runner := &fakeRunner{result: &agent.RunResult{Content: "handled"}}
	e := NewExecutor(runner, nil, time.Second)
	e.SetReminderClassifier(func(ctx context.Context, task *Task) bool { return true })

	task := &Task{ID: "t1", TaskType: TaskReminder, ReminderMessage: "check the deploy", Prompt: "verify deploy status"}
	ok, msg := e.Execute(context.Background(), task)
	if !ok {
		t.Fatalf("expected success, got failure: %s", msg)
	}
	if msg != "handled" {
		t.Errorf("expected upgraded run's result, got %q", msg)
	}
	if runner.gotReq.RunID != "sched:t1" {
		t.Error("expected the reminder to escalate into a full agent run")
	}
}

func TestExecutor_ExecuteReminder_FallsBackToPrompt(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, nil, time.Second)
	task := &Task{ID: "t1", TaskType: TaskReminder, Prompt: "water the plants"}
	ok, msg := e.Execute(context.Background(), task)
	if !ok || msg != "water the plants" {
		t.Fatalf("expected prompt fallback, got ok=%v msg=%q", ok, msg)
	}
}

func TestExecutor_ExecuteReminder_FallsBackToName(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, nil, time.Second)
	task := &Task{ID: "t1", Name: "plants", TaskType: TaskReminder}
	ok, msg := e.Execute(context.Background(), task)
	if !ok {
		t.Fatal("expected success")
	}
	if msg == "" {
		t.Error("expected a generated fallback reminder message")
	}
}

func TestExecutor_ExecuteSystem_Registered(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, nil, time.Second)
	e.RegisterSystemHandler("system:ping", func(ctx context.Context) (string, error) {
		return "pong", nil
	})
	task := &Task{ID: "t1", Action: "system:ping"}
	ok, msg := e.Execute(context.Background(), task)
	if !ok || msg != "pong" {
		t.Fatalf("expected (true, pong), got (%v, %q)", ok, msg)
	}
}

func TestExecutor_ExecuteSystem_Unregistered(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, nil, time.Second)
	task := &Task{ID: "t1", Action: "system:missing"}
	ok, _ := e.Execute(context.Background(), task)
	if ok {
		t.Fatal("expected failure for an unregistered system action")
	}
}

func TestExecutor_ExecuteSystem_HandlerError(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, nil, time.Second)
	e.RegisterSystemHandler("system:fail", func(ctx context.Context) (string, error) {
		return "", errors.New("handler exploded")
	})
	ok, msg := e.Execute(context.Background(), &Task{ID: "t1", Action: "system:fail"})
	if ok {
		t.Fatal("expected failure")
	}
	if msg != "handler exploded" {
		t.Errorf("expected handler error surfaced, got %q", msg)
	}
}

func TestExecutor_ExecuteTask_NoRunnerConfigured(t *testing.T) {
	e := NewExecutor(nil, nil, time.Second)
	ok, msg := e.Execute(context.Background(), &Task{ID: "t1", TaskType: TaskTask})
	if ok {
		t.Fatal("expected failure when no runner is configured")
	}
	if msg == "" {
		t.Error("expected a descriptive error message")
	}
}

func TestTask_IsSystemAction(t *testing.T) {
	cases := []struct {
		action string
		want   bool
	}{
		{"system:restart", true},
		{"", false},
		{"run-script", false},
		{"system", false},
	}
	for _, c := range cases {
		got := (&Task{Action: c.action}).IsSystemAction()
		if got != c.want {
			t.Errorf("IsSystemAction(%q) = %v, want %v", c.action, got, c.want)
		}
	}
}

func TestTask_NotificationDefaults(t *testing.T) {
	bare := &Task{}
	if !bare.NotifyOnStart() || !bare.NotifyOnComplete() {
		t.Error("expected notifications to default to enabled")
	}
	silenced := &Task{Metadata: map[string]string{"notify_on_start": "false", "notify_on_complete": "false"}}
	if silenced.NotifyOnStart() || silenced.NotifyOnComplete() {
		t.Error("expected metadata to be able to silence notifications")
	}
}
