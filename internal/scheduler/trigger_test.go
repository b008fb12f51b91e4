package scheduler

import (
	"testing"
	"time"
)

func TestComputeNextRun_OnceFirstFire(t *testing.T) {
	runAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := computeNextRun(Trigger{Type: TriggerOnce, RunAt: runAt}, nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next == nil || !next.Equal(runAt) {
		t.Fatalf("expected next_run %v, got %v", runAt, next)
	}
}

func TestComputeNextRun_OnceAlreadyFired(t *testing.T) {
	last := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := computeNextRun(Trigger{Type: TriggerOnce, RunAt: last}, &last, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != nil {
		t.Fatalf("expected nil next_run after a once task has fired, got %v", next)
	}
}

func TestComputeNextRun_IntervalFromNow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := computeNextRun(Trigger{Type: TriggerInterval, IntervalMinutes: 30}, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := now.Add(30 * time.Minute)
	if next == nil || !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestComputeNextRun_IntervalFromLastRunWhenAheadOfNow(t *testing.T) {
	// last_run in the future of now (clock skew / manual trigger) should
	// still advance from last_run, not from now.
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	last := now.Add(5 * time.Minute)
	next, err := computeNextRun(Trigger{Type: TriggerInterval, IntervalMinutes: 10}, &last, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := last.Add(10 * time.Minute)
	if next == nil || !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestComputeNextRun_IntervalInvalid(t *testing.T) {
	_, err := computeNextRun(Trigger{Type: TriggerInterval, IntervalMinutes: 0}, nil, time.Now())
	if err == nil {
		t.Fatal("expected error for non-positive interval_minutes")
	}
}

func TestComputeNextRun_CronStrictlyAfterNow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := computeNextRun(Trigger{Type: TriggerCron, CronExpr: "0 * * * *"}, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next == nil || !next.After(now) {
		t.Fatalf("expected next_run strictly after %v, got %v", now, next)
	}
}

func TestComputeNextRun_CronInvalidExpr(t *testing.T) {
	_, err := computeNextRun(Trigger{Type: TriggerCron, CronExpr: "not a cron expr"}, nil, time.Now())
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestComputeNextRun_CronEmptyExpr(t *testing.T) {
	_, err := computeNextRun(Trigger{Type: TriggerCron}, nil, time.Now())
	if err == nil {
		t.Fatal("expected error for empty cron expression")
	}
}

func TestComputeNextRun_CronUnknownTimezone(t *testing.T) {
	_, err := computeNextRun(Trigger{Type: TriggerCron, CronExpr: "0 * * * *", Timezone: "Not/AZone"}, nil, time.Now())
	if err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestComputeNextRun_UnknownTriggerType(t *testing.T) {
	_, err := computeNextRun(Trigger{Type: "bogus"}, nil, time.Now())
	if err == nil {
		t.Fatal("expected error for unknown trigger type")
	}
}

func TestValidateCron(t *testing.T) {
	if !validateCron("*/5 * * * *") {
		t.Error("expected */5 * * * * to be valid")
	}
	if validateCron("not a cron expr") {
		t.Error("expected garbage expression to be invalid")
	}
}
