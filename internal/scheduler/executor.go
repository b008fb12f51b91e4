package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kestrel-run/agentcore/internal/agent"
	"github.com/kestrel-run/agentcore/internal/bus"
)

// defaultTimeout is the wall-clock budget for one TaskTask execution
// (spec.md §4.3: "default 600s").
const defaultTimeout = 600 * time.Second

// AgentRunner runs one agent turn to completion. Satisfied by
// *agent.Loop (or a router that resolves one by agent ID).
type AgentRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// SystemHandler implements one "system:"-prefixed action, bypassing the
// LLM entirely (spec.md §4.3).
type SystemHandler func(ctx context.Context) (string, error)

// Executor turns a due Task into an agent run or a direct system-handler
// call, with reminder/task notification semantics grounded on
// original_source's TaskExecutor.
type Executor struct {
	runner   AgentRunner
	bus      *bus.MessageBus
	handlers map[string]SystemHandler
	timeout  time.Duration

	// classifyReminder asks a lightweight model whether a fired reminder
	// actually needs follow-up action beyond the one notification
	// message (executor.py's _check_if_needs_execution). Nil disables
	// the upgrade path — reminders never escalate to a full run.
	classifyReminder func(ctx context.Context, task *Task) bool
}

// NewExecutor builds an Executor. timeout<=0 uses defaultTimeout.
func NewExecutor(runner AgentRunner, msgBus *bus.MessageBus, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Executor{runner: runner, bus: msgBus, handlers: map[string]SystemHandler{}, timeout: timeout}
}

// RegisterSystemHandler wires a "system:<name>" action to handler.
func (e *Executor) RegisterSystemHandler(action string, handler SystemHandler) {
	e.handlers[action] = handler
}

// SetReminderClassifier installs the optional reminder-upgrade check.
func (e *Executor) SetReminderClassifier(fn func(ctx context.Context, task *Task) bool) {
	e.classifyReminder = fn
}

// Execute runs one task to completion and returns (success, result-or-error).
func (e *Executor) Execute(ctx context.Context, task *Task) (bool, string) {
	if task.IsSystemAction() {
		return e.executeSystem(ctx, task)
	}
	if task.TaskType == TaskReminder {
		return e.executeReminder(ctx, task)
	}
	return e.executeTask(ctx, task, false)
}

// executeReminder sends the reminder message exactly once, then asks an
// optional classifier whether the task needs to continue as a full run —
// if so, it upgrades without sending a second start notification, since
// the reminder message already went out.
func (e *Executor) executeReminder(ctx context.Context, task *Task) (bool, string) {
	message := task.ReminderMessage
	if message == "" {
		message = task.Prompt
	}
	if message == "" {
		message = fmt.Sprintf("Reminder: %s", task.Name)
	}

	sent := false
	if task.ChannelID != "" && task.ChatID != "" && e.bus != nil {
		e.bus.PublishOutbound(bus.OutboundMessage{
			Channel: task.ChannelID,
			ChatID:  task.ChatID,
			Content: message,
		})
		sent = true
	}

	needsRun := e.classifyReminder != nil && e.classifyReminder(ctx, task)
	if needsRun {
		return e.executeTask(ctx, task, sent)
	}
	return true, message
}

// executeTask runs a full agent turn for the task. skipEndNotification
// suppresses both the start and the completion notification — used when a
// reminder already delivered the only message the user should see.
func (e *Executor) executeTask(ctx context.Context, task *Task, skipEndNotification bool) (bool, string) {
	if e.runner == nil {
		return false, "scheduler: no agent runner configured"
	}

	if !skipEndNotification {
		e.sendStartNotification(task)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := agent.RunRequest{
		SessionKey: fmt.Sprintf("agent:%s:scheduler:%s", defaultAgentID(task), task.ID),
		Message:    e.buildPrompt(task),
		Channel:    task.ChannelID,
		ChatID:     task.ChatID,
		UserID:     task.UserID,
		RunID:      fmt.Sprintf("sched:%s", task.ID),
		Stream:     false,
		TraceName:  fmt.Sprintf("Scheduled task - %s", task.Name),
		TraceTags:  []string{"scheduler"},
	}

	result, err := e.runner.Run(runCtx, req)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			msg := fmt.Sprintf("task execution timed out after %s", e.timeout)
			if !skipEndNotification {
				e.sendEndNotification(task, false, msg)
			}
			return false, msg
		}
		if !skipEndNotification {
			e.sendEndNotification(task, false, err.Error())
		}
		return false, err.Error()
	}

	if !skipEndNotification {
		e.sendEndNotification(task, true, result.Content)
	}
	return true, result.Content
}

func defaultAgentID(task *Task) string {
	if id := task.Metadata["agent_id"]; id != "" {
		return id
	}
	return "default"
}

// buildPrompt embeds task metadata in the execution instruction and tells
// the agent the gateway will auto-deliver its final result, mirroring
// executor.py's _build_prompt(suppress_send_to_chat=True).
func (e *Executor) buildPrompt(task *Task) string {
	var b strings.Builder
	b.WriteString("[scheduled task]\n")
	fmt.Fprintf(&b, "name: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "description: %s\n", task.Description)
	}
	b.WriteString("\n")
	b.WriteString(task.Prompt)
	if task.ChannelID != "" && task.ChatID != "" {
		b.WriteString("\n\nDo not attempt to send the result yourself; return it directly and the system will deliver it.")
	}
	return b.String()
}

func (e *Executor) sendStartNotification(task *Task) {
	if task.ChannelID == "" || task.ChatID == "" || e.bus == nil || !task.NotifyOnStart() {
		return
	}
	e.bus.PublishOutbound(bus.OutboundMessage{
		Channel: task.ChannelID,
		ChatID:  task.ChatID,
		Content: fmt.Sprintf("Starting scheduled task: %s", task.Name),
	})
}

func (e *Executor) sendEndNotification(task *Task, success bool, message string) {
	if task.ChannelID == "" || task.ChatID == "" || e.bus == nil || !task.NotifyOnComplete() {
		return
	}
	status := "completed"
	if !success {
		status = "failed"
	}
	e.bus.PublishOutbound(bus.OutboundMessage{
		Channel: task.ChannelID,
		ChatID:  task.ChatID,
		Content: fmt.Sprintf("Task %s: %s\n\n%s", status, task.Name, message),
	})
}

// executeSystem dispatches a "system:"-prefixed action to its registered
// handler without involving the LLM (spec.md §4.3).
func (e *Executor) executeSystem(ctx context.Context, task *Task) (bool, string) {
	handler, ok := e.handlers[task.Action]
	if !ok {
		return false, fmt.Sprintf("unknown system action: %s", task.Action)
	}
	result, err := handler(ctx)
	if err != nil {
		return false, err.Error()
	}
	return true, result
}
