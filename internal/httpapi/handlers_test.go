package httpapi

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jmylchreest/refyne-api/internal/broker"
	"github.com/jmylchreest/refyne-api/internal/queue"
)

func newTestHandler(t *testing.T) (*Handler, *queue.Queue) {
	t.Helper()
	q := queue.New(broker.NewMemory(), queue.Config{
		QueueKey:      "jobs:queue",
		StatusPrefix:  "jobs:status:",
		ChannelPrefix: "jobs:events:",
		JobTTL:        time.Minute,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(q, 1, logger), q
}

// ========================================
// CreateJob
// ========================================

func TestCreateJob_Async(t *testing.T) {
	h, _ := newTestHandler(t)
	input := &CreateJobInput{}
	input.Body.Model = "test-model"
	input.Body.Text = "hi"

	out, err := h.CreateJob(context.Background(), input)
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if out.Body.JobID == "" {
		t.Error("CreateJob() job id is empty")
	}
	if out.Body.Status != string(queue.StatusQueued) {
		t.Errorf("CreateJob() status = %q, want %q", out.Body.Status, queue.StatusQueued)
	}
}

func TestCreateJob_WaitReturnsResultWhenCompletedInTime(t *testing.T) {
	h, q := newTestHandler(t)
	input := &CreateJobInput{Wait: true, Timeout: 1}
	input.Body.Model = "test-model"
	input.Body.Text = "hi"

	// CreateJob assigns its own job ID internally, so complete whichever job
	// shows up on the queue shortly after enqueue.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			jobID, _, ok, err := q.PopJob(context.Background(), 50*time.Millisecond)
			if err == nil && ok {
				_ = q.StoreResult(context.Background(), jobID, queue.Result{Content: "the answer"})
				return
			}
		}
	}()

	out, err := h.CreateJob(context.Background(), input)
	<-done
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if out.Body.Status != string(queue.StatusCompleted) {
		t.Errorf("CreateJob() status = %q, want %q", out.Body.Status, queue.StatusCompleted)
	}
	if out.Body.Result != "the answer" {
		t.Errorf("CreateJob() result = %q, want %q", out.Body.Result, "the answer")
	}
}

func TestCreateJob_WaitFailedReturnsBadGateway(t *testing.T) {
	h, q := newTestHandler(t)
	input := &CreateJobInput{Wait: true, Timeout: 1}
	input.Body.Model = "test-model"
	input.Body.Text = "hi"

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			jobID, _, ok, err := q.PopJob(context.Background(), 50*time.Millisecond)
			if err == nil && ok {
				_ = q.StoreFailure(context.Background(), jobID, "backend_invocation_failed", "boom")
				return
			}
		}
	}()

	out, err := h.CreateJob(context.Background(), input)
	<-done
	if err == nil {
		t.Fatalf("CreateJob() error = nil, want a bad gateway error for a failed job")
	}
	if out != nil {
		t.Fatalf("CreateJob() output = %+v, want nil on error", out)
	}
}

func TestCreateJob_WaitTimesOutReturnsError(t *testing.T) {
	h, _ := newTestHandler(t)
	input := &CreateJobInput{Wait: true, Timeout: 1}
	input.Body.Model = "test-model"
	input.Body.Text = "hi"
	h.completionWaitTimeout = func() int { return 0 } // forces an immediate timeout window

	out, err := h.CreateJob(context.Background(), input)
	if err == nil {
		t.Fatalf("CreateJob() error = nil, want terminal_wait_timeout surfaced as an error")
	}
	if out != nil {
		t.Fatalf("CreateJob() output = %+v, want nil on error", out)
	}
}

// ========================================
// GetStatus
// ========================================

func TestGetStatus_UnknownJobReturnsError(t *testing.T) {
	h, _ := newTestHandler(t)
	_, err := h.GetStatus(context.Background(), &GetStatusInput{ID: "nope"})
	if err == nil {
		t.Fatal("GetStatus() error = nil, want not found")
	}
}

func TestGetStatus_KnownJob(t *testing.T) {
	h, q := newTestHandler(t)
	jobID := queue.NewJobID()
	_ = q.Enqueue(context.Background(), jobID, queue.EnqueuePayload{Model: "m"})

	out, err := h.GetStatus(context.Background(), &GetStatusInput{ID: jobID})
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if out.Body.JobID != jobID {
		t.Errorf("GetStatus() job id = %q, want %q", out.Body.JobID, jobID)
	}
	if out.Body.Status != string(queue.StatusQueued) {
		t.Errorf("GetStatus() status = %q, want %q", out.Body.Status, queue.StatusQueued)
	}
}

// ========================================
// Health
// ========================================

func TestHealth(t *testing.T) {
	out, err := Health(context.Background(), nil)
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if out.Body.Status != "ok" {
		t.Errorf("Health() status = %q, want %q", out.Body.Status, "ok")
	}
}
