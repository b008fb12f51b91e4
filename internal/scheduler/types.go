// Package scheduler implements the persistent task scheduler (spec.md
// §4.3): trigger computation for once/interval/cron tasks, a dispatcher
// loop that polls for due work, and an executor that re-enters the agent
// (or a direct system handler) for each firing.
//
// Grounded on original_source's scheduled_tasks/task_executions schema
// (storage/database.py) for the persisted shape, executor.py for the
// reminder-vs-task execution split and system:* dispatch, and the
// teacher's internal/sessions.Manager atomic tempfile+rename JSON
// persistence idiom (no `internal/scheduler` package survived the
// teacher's extraction into this pack, only its call sites in
// cmd/gateway_cron.go — this package is reconstructed from that contract
// and retargeted at spec.md's task/trigger shape).
package scheduler

import "time"

// TriggerType selects how a task's next_run is computed.
type TriggerType string

const (
	TriggerOnce     TriggerType = "once"
	TriggerInterval TriggerType = "interval"
	TriggerCron     TriggerType = "cron"
)

// TaskType selects the executor strategy.
type TaskType string

const (
	TaskReminder TaskType = "reminder"
	TaskTask     TaskType = "task"
)

// Status is a task's current lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Trigger holds the parameters for whichever TriggerType a task uses.
// Only the field matching Type is meaningful.
type Trigger struct {
	Type            TriggerType `json:"type"`
	RunAt           time.Time   `json:"run_at,omitempty"`
	IntervalMinutes int         `json:"interval_minutes,omitempty"`
	CronExpr        string      `json:"cron_expr,omitempty"`
	Timezone        string      `json:"timezone,omitempty"`
}

// Task is one persisted scheduled task, mirroring original_source's
// scheduled_tasks table.
type Task struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	TaskType    TaskType `json:"task_type"`
	Trigger     Trigger  `json:"trigger"`

	// Prompt is the instruction handed to the agent for TaskTask; for
	// TaskReminder it is a fallback if ReminderMessage is empty.
	Prompt          string `json:"prompt,omitempty"`
	ReminderMessage string `json:"reminder_message,omitempty"`

	// Action, when set with a "system:" prefix, bypasses the LLM and
	// invokes a named system handler directly.
	Action string `json:"action,omitempty"`

	ChannelID string `json:"channel_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	Enabled bool   `json:"enabled"`
	Status  Status `json:"status"`

	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	RunCount  int        `json:"run_count"`
	FailCount int        `json:"fail_count"`

	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NotifyOnStart reports whether a TaskTask should announce before
// running (default true, matching executor.py's metadata gate).
func (t *Task) NotifyOnStart() bool {
	return t.Metadata["notify_on_start"] != "false"
}

// NotifyOnComplete reports whether a TaskTask should announce its
// result (default true).
func (t *Task) NotifyOnComplete() bool {
	return t.Metadata["notify_on_complete"] != "false"
}

// IsSystemAction reports whether Action names a built-in handler rather
// than an LLM-driven run.
func (t *Task) IsSystemAction() bool {
	return len(t.Action) > 7 && t.Action[:7] == "system:"
}

// Execution is one run's log entry, mirroring original_source's
// task_executions table.
type Execution struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     Status     `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
}
