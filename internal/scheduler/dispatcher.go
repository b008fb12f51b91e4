package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// tickInterval is the dispatcher's poll granularity (spec.md §4.3: "≤ 1s
// granularity").
const tickInterval = 1 * time.Second

// Dispatcher wakes on tickInterval, selects due tasks, and launches each
// through the Executor capped at maxConcurrent in-flight executions.
type Dispatcher struct {
	store    *Store
	executor *Executor
	logger   *slog.Logger

	maxConcurrent int
	sem           chan struct{}
	wg            sync.WaitGroup

	stop chan struct{}
}

// NewDispatcher builds a Dispatcher. maxConcurrent<=0 defaults to 5.
func NewDispatcher(store *Store, executor *Executor, maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:         store,
		executor:      executor,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		sem:           make(chan struct{}, maxConcurrent),
		stop:          make(chan struct{}),
	}
}

// Start runs the dispatch loop until ctx is cancelled or Stop is called.
// On startup it computes next_run for every enabled task that has none; a
// task whose next_run came due while the process was down is left as is
// and fires on the first tick, then is scheduled normally.
func (d *Dispatcher) Start(ctx context.Context) {
	d.recoverStaleSchedule(time.Now().UTC())

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-d.stop:
			d.wg.Wait()
			return
		case now := <-ticker.C:
			d.tick(ctx, now.UTC())
		}
	}
}

// Stop signals the dispatch loop to exit and returns at once; Start waits
// for in-flight executions to finish before it returns.
func (d *Dispatcher) Stop() {
	close(d.stop)
}

func (d *Dispatcher) recoverStaleSchedule(now time.Time) {
	for _, t := range d.store.ListTasks() {
		if !t.Enabled {
			continue
		}
		if t.NextRun == nil {
			next, err := computeNextRun(t.Trigger, t.LastRun, now)
			if err != nil {
				d.logger.Warn("scheduler: recompute next_run failed", "task", t.ID, "error", err)
				continue
			}
			t.NextRun = next
			if err := d.store.SaveTask(t); err != nil {
				d.logger.Warn("scheduler: save recomputed task", "task", t.ID, "error", err)
			}
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context, now time.Time) {
	for _, task := range d.store.DueTasks(now) {
		select {
		case d.sem <- struct{}{}:
		default:
			// at capacity; this task waits for the next tick
			continue
		}
		d.wg.Add(1)
		go func(t *Task) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.run(ctx, t)
		}(task)
	}
}

func (d *Dispatcher) run(ctx context.Context, task *Task) {
	started := time.Now().UTC()
	exec := Execution{ID: uuid.NewString(), TaskID: task.ID, StartedAt: started, Status: StatusRunning}

	success, result := d.executor.Execute(ctx, task)

	finished := time.Now().UTC()
	exec.FinishedAt = &finished
	exec.DurationMS = finished.Sub(started).Milliseconds()
	if success {
		exec.Status = StatusDone
		exec.Result = result
	} else {
		exec.Status = StatusFailed
		exec.Error = result
	}
	if err := d.store.RecordExecution(exec); err != nil {
		d.logger.Warn("scheduler: record execution end", "task", task.ID, "error", err)
	}

	task.LastRun = &finished
	if success {
		task.RunCount++
	} else {
		task.FailCount++
	}

	next, err := computeNextRun(task.Trigger, task.LastRun, finished)
	if err != nil {
		d.logger.Error("scheduler: compute next_run", "task", task.ID, "error", err)
		task.Enabled = false
	} else {
		task.NextRun = next
		if next == nil {
			task.Enabled = false
		}
	}

	if err := d.store.SaveTask(task); err != nil {
		d.logger.Error("scheduler: persist task after run", "task", task.ID, "error", err)
	}

	d.logger.Info("scheduler: task executed",
		"task", task.ID, "name", task.Name, "success", success, "duration_ms", exec.DurationMS)
}
