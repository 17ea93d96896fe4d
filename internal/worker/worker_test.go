package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/refyne-api/internal/broker"
	"github.com/jmylchreest/refyne-api/internal/jobserr"
	"github.com/jmylchreest/refyne-api/internal/queue"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls int
	fn    func(payload queue.EnqueuePayload) (queue.BackendReply, error)
}

func (f *fakeBackend) Invoke(_ context.Context, _ string, payload queue.EnqueuePayload) (queue.BackendReply, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(payload)
}

func newTestQueue() *queue.Queue {
	return queue.New(broker.NewMemory(), queue.Config{
		QueueKey:      "jobs:queue",
		StatusPrefix:  "jobs:status:",
		ChannelPrefix: "jobs:events:",
		JobTTL:        time.Minute,
	})
}

// ========================================
// Happy path
// ========================================

func TestWorker_ProcessesJobToCompletion(t *testing.T) {
	q := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be := &fakeBackend{fn: func(queue.EnqueuePayload) (queue.BackendReply, error) {
		return queue.BackendReply{AgentStatus: queue.AgentStatusActive, Text: "hello world"}, nil
	}}
	w := New(q, be, Config{
		PollInterval:      5 * time.Millisecond,
		MaxPollInterval:   20 * time.Millisecond,
		Concurrency:       1,
		HeartbeatInterval: time.Hour, // avoid ticking during the short test
		ChunkCharLimit:    4,
	}, nil)
	w.Start(ctx)
	defer w.Stop()

	jobID := queue.NewJobID()
	if err := q.Enqueue(context.Background(), jobID, queue.EnqueuePayload{Model: "m"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := q.GetStatus(context.Background(), jobID)
		if err == nil && rec.Status.Terminal() {
			if rec.Status != queue.StatusCompleted {
				t.Fatalf("status = %q, want %q", rec.Status, queue.StatusCompleted)
			}
			if rec.Result != "hello world" {
				t.Fatalf("result = %q, want %q", rec.Result, "hello world")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
}

func TestWorker_BackendFailureMarksJobFailed(t *testing.T) {
	q := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be := &fakeBackend{fn: func(queue.EnqueuePayload) (queue.BackendReply, error) {
		return queue.BackendReply{}, jobserr.New(jobserr.KindBackendInvocationFailed, "", "backend exploded")
	}}
	w := New(q, be, Config{
		PollInterval:      5 * time.Millisecond,
		MaxPollInterval:   20 * time.Millisecond,
		Concurrency:       1,
		HeartbeatInterval: time.Hour,
	}, nil)
	w.Start(ctx)
	defer w.Stop()

	jobID := queue.NewJobID()
	_ = q.Enqueue(context.Background(), jobID, queue.EnqueuePayload{Model: "m"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := q.GetStatus(context.Background(), jobID)
		if err == nil && rec.Status.Terminal() {
			if rec.Status != queue.StatusFailed {
				t.Fatalf("status = %q, want %q", rec.Status, queue.StatusFailed)
			}
			if rec.ErrorKind != string(jobserr.KindBackendInvocationFailed) {
				t.Fatalf("error kind = %q, want %q", rec.ErrorKind, jobserr.KindBackendInvocationFailed)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
}

func TestWorker_InterruptedJobStoresInterruptAndPublishesQuestion(t *testing.T) {
	q := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interruptPayload := []byte(`{"interrupt_id":"i1","question":"Which city?"}`)
	be := &fakeBackend{fn: func(queue.EnqueuePayload) (queue.BackendReply, error) {
		return queue.BackendReply{AgentStatus: queue.AgentStatusInterrupted, InterruptPayload: interruptPayload}, nil
	}}
	w := New(q, be, Config{
		PollInterval:      5 * time.Millisecond,
		MaxPollInterval:   20 * time.Millisecond,
		Concurrency:       1,
		HeartbeatInterval: time.Hour,
	}, nil)

	jobID := queue.NewJobID()
	events, closeSub, err := q.IterEvents(context.Background(), jobID, false)
	if err != nil {
		t.Fatalf("IterEvents() error = %v", err)
	}
	defer closeSub()

	_ = q.Enqueue(context.Background(), jobID, queue.EnqueuePayload{Model: "m"})
	w.Start(ctx)
	defer w.Stop()

	var interrupted queue.Event
	deadline := time.After(2 * time.Second)
	for interrupted.Kind != queue.EventInterrupt {
		select {
		case ev := <-events:
			if ev.Kind == queue.EventInterrupt {
				interrupted = ev
			}
		case <-deadline:
			t.Fatal("interrupt event never arrived")
		}
	}
	if interrupted.Chunk != "Which city?" {
		t.Errorf("interrupt content = %q, want %q", interrupted.Chunk, "Which city?")
	}

	rec, err := q.GetStatus(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if rec.Status != queue.StatusInterrupted {
		t.Errorf("status = %q, want %q", rec.Status, queue.StatusInterrupted)
	}
}

// ========================================
// chunkString
// ========================================

func TestChunkString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		limit int
		want  []string
	}{
		{"empty", "", 4, nil},
		{"exact multiple", "abcdefgh", 4, []string{"abcd", "efgh"}},
		{"remainder", "abcde", 4, []string{"abcd", "e"}},
		{"limit larger than input", "ab", 10, []string{"ab"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkString(tt.input, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("chunkString(%q, %d) = %v, want %v", tt.input, tt.limit, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// ========================================
// Graceful shutdown
// ========================================

func TestWorker_StopWaitsForActiveJob(t *testing.T) {
	q := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	be := &fakeBackend{fn: func(queue.EnqueuePayload) (queue.BackendReply, error) {
		<-release
		return queue.BackendReply{AgentStatus: queue.AgentStatusActive, Text: "done"}, nil
	}}
	w := New(q, be, Config{
		PollInterval:        5 * time.Millisecond,
		MaxPollInterval:     20 * time.Millisecond,
		Concurrency:         1,
		ShutdownGracePeriod: time.Second,
		HeartbeatInterval:   time.Hour,
	}, nil)
	w.Start(ctx)

	jobID := queue.NewJobID()
	_ = q.Enqueue(context.Background(), jobID, queue.EnqueuePayload{Model: "m"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && w.ActiveJobs() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if w.ActiveJobs() != 1 {
		t.Fatal("expected one active job before shutdown")
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop() returned before the active job released")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return after the active job completed")
	}
}
