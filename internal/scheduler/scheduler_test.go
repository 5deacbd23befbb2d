package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-ticker.C:
			if cond() {
				return
			}
		}
	}
}

func TestSchedulerFiresJob(t *testing.T) {
	var fires atomic.Int32
	sched := New(Job{
		Name:     "reconcile",
		Schedule: "@every 1s",
		Run: func(context.Context) error {
			fires.Add(1)
			return nil
		},
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	waitFor(t, func() bool { return fires.Load() >= 1 }, 2500*time.Millisecond)
}

func TestSchedulerSkipsUnscheduledJobs(t *testing.T) {
	var fires atomic.Int32
	sched := New(Job{
		Name: "purge",
		Run: func(context.Context) error {
			fires.Add(1)
			return nil
		},
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	time.Sleep(300 * time.Millisecond)
	if n := fires.Load(); n != 0 {
		t.Errorf("expected 0 fires for job without schedule, got %d", n)
	}
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	sched := New(Job{Name: "bad", Schedule: "every now and then", Run: func(context.Context) error { return nil }})
	if err := sched.Start(context.Background()); err == nil {
		sched.Stop()
		t.Fatal("expected error for invalid schedule")
	}
}

func TestSchedulerKeepsFiringAfterErrors(t *testing.T) {
	var fires atomic.Int32
	sched := New(Job{
		Name:     "flaky",
		Schedule: "@every 1s",
		Run: func(context.Context) error {
			fires.Add(1)
			return errors.New("redis down")
		},
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	waitFor(t, func() bool { return fires.Load() >= 2 }, 3500*time.Millisecond)
}

func TestStopCancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	sched := New(Job{
		Name:     "slow",
		Schedule: "@every 1s",
		Run: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		},
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("job never started")
	}
	sched.Stop()
	if !cancelled.Load() {
		t.Error("running job should observe cancellation before Stop returns")
	}
}
