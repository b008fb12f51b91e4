package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scheduler is the public entry point internal/tools' scheduler handler
// and cmd's wiring use: task CRUD plus the background dispatch loop.
type Scheduler struct {
	store      *Store
	dispatcher *Dispatcher
}

// New builds a Scheduler backed by a JSON store at storePath, running its
// dispatcher at maxConcurrent in-flight executions.
func New(storePath string, executor *Executor, maxConcurrent int) (*Scheduler, error) {
	store, err := NewStore(storePath)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:      store,
		dispatcher: NewDispatcher(store, executor, maxConcurrent, nil),
	}, nil
}

// Dispatcher exposes the background loop for cmd to Start/Stop alongside
// the rest of the runtime's goroutines.
func (s *Scheduler) Dispatcher() *Dispatcher { return s.dispatcher }

// CreateTaskParams is the user-facing subset of Task fields a tool
// handler collects when a new scheduled task is requested.
type CreateTaskParams struct {
	Name            string
	Description     string
	TaskType        TaskType
	Trigger         Trigger
	Prompt          string
	ReminderMessage string
	Action          string
	ChannelID       string
	ChatID          string
	UserID          string
	Metadata        map[string]string
}

// CreateTask validates and persists a new task, computing its first
// next_run.
func (s *Scheduler) CreateTask(p CreateTaskParams) (*Task, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("scheduler: task name is required")
	}
	if p.Trigger.Type == TriggerCron && !validateCron(p.Trigger.CronExpr) {
		return nil, fmt.Errorf("scheduler: invalid cron expression %q", p.Trigger.CronExpr)
	}

	now := time.Now().UTC()
	next, err := computeNextRun(p.Trigger, nil, now)
	if err != nil {
		return nil, err
	}

	task := &Task{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Name:            p.Name,
		Description:     p.Description,
		TaskType:        p.TaskType,
		Trigger:         p.Trigger,
		Prompt:          p.Prompt,
		ReminderMessage: p.ReminderMessage,
		Action:          p.Action,
		ChannelID:       p.ChannelID,
		ChatID:          p.ChatID,
		UserID:          p.UserID,
		Enabled:         true,
		Status:          StatusPending,
		NextRun:         next,
		Metadata:        p.Metadata,
	}
	if err := s.store.SaveTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns every persisted task.
func (s *Scheduler) ListTasks() []*Task { return s.store.ListTasks() }

// GetTask returns one task by id.
func (s *Scheduler) GetTask(id string) (*Task, bool) { return s.store.GetTask(id) }

// CancelTask disables a task so the dispatcher stops selecting it.
func (s *Scheduler) CancelTask(id string) error {
	task, ok := s.store.GetTask(id)
	if !ok {
		return fmt.Errorf("scheduler: task %s not found", id)
	}
	task.Enabled = false
	return s.store.SaveTask(task)
}

// DeleteTask removes a task entirely.
func (s *Scheduler) DeleteTask(id string) error {
	return s.store.DeleteTask(id)
}

// TriggerNow runs a task immediately, outside its normal schedule. The
// task's next_run is recomputed from the real completion time afterward,
// exactly as a normal dispatch would.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) error {
	task, ok := s.store.GetTask(id)
	if !ok {
		return fmt.Errorf("scheduler: task %s not found", id)
	}
	s.dispatcher.run(ctx, task)
	return nil
}

// Executions returns the recorded run history for a task.
func (s *Scheduler) Executions(taskID string) []Execution {
	return s.store.Executions(taskID)
}
