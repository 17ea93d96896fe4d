package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/refyne-api/internal/broker"
	"github.com/jmylchreest/refyne-api/internal/jobserr"
	"github.com/jmylchreest/refyne-api/internal/queue"
)

func newTestQueue() *queue.Queue {
	return queue.New(broker.NewMemory(), queue.Config{
		QueueKey:      "jobs:queue",
		StatusPrefix:  "jobs:status:",
		ChannelPrefix: "jobs:events:",
		JobTTL:        time.Minute,
	})
}

func TestWatchdog_ReclaimsStaleJobOnSweep(t *testing.T) {
	q := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID := queue.NewJobID()
	if err := q.Enqueue(ctx, jobID, queue.EnqueuePayload{Model: "m"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.MarkStatus(ctx, jobID, queue.StatusRunning); err != nil {
		t.Fatalf("MarkStatus() error = %v", err)
	}
	// Register the heartbeat at now and sweep with a negative staleness
	// window, which puts the threshold an hour in the future, so the sweep
	// treats it as stale regardless of the wall-clock second it runs in.
	if err := q.RegisterActiveJob(ctx, jobID); err != nil {
		t.Fatalf("RegisterActiveJob() error = %v", err)
	}

	wd, err := New(q, 10*time.Millisecond, -time.Hour, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	wd.sweep(ctx)

	rec, err := q.GetStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if rec.Status != queue.StatusFailed {
		t.Fatalf("status = %q, want %q", rec.Status, queue.StatusFailed)
	}
	if rec.ErrorKind != string(jobserr.KindJobStale) {
		t.Fatalf("error kind = %q, want %q", rec.ErrorKind, jobserr.KindJobStale)
	}
}

func TestWatchdog_SweepLeavesFreshJobAlone(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	jobID := queue.NewJobID()
	_ = q.Enqueue(ctx, jobID, queue.EnqueuePayload{Model: "m"})
	_ = q.MarkStatus(ctx, jobID, queue.StatusRunning)
	_ = q.RegisterActiveJob(ctx, jobID)

	wd, err := New(q, 10*time.Millisecond, time.Hour, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	wd.sweep(ctx)

	rec, err := q.GetStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if rec.Status != queue.StatusRunning {
		t.Fatalf("status = %q, want %q (fresh heartbeat must not be reclaimed)", rec.Status, queue.StatusRunning)
	}
}

func TestWatchdog_StartAndStopLifecycle(t *testing.T) {
	q := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wd, err := New(q, 10*time.Millisecond, time.Minute, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := wd.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := wd.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
