// Package worker runs the pool that dequeues jobs, invokes the backend
// synchronously, and publishes chunk/status events as the response comes
// back. Structurally this mirrors the teacher's worker: adaptive-backoff
// polling goroutines, a mutex-guarded active-job counter, and a graceful
// Stop() that waits for in-flight jobs to finish, warning once a grace
// period has passed while they are still running.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/refyne-api/internal/jobserr"
	"github.com/jmylchreest/refyne-api/internal/queue"
)

// Invoker is the synchronous backend invocation dependency. internal/backend
// implements this; tests substitute a fake.
type Invoker interface {
	Invoke(ctx context.Context, jobID string, payload queue.EnqueuePayload) (queue.BackendReply, error)
}

// Config holds worker configuration.
type Config struct {
	PollInterval        time.Duration // Base poll interval (reset to this after finding a job)
	MaxPollInterval     time.Duration // Maximum poll interval for backoff
	Concurrency         int
	ShutdownGracePeriod time.Duration // Time Stop waits before warning that jobs are still running; it keeps waiting after that
	HeartbeatInterval   time.Duration
	ChunkCharLimit      int
}

// Worker processes background jobs by popping them from the queue,
// invoking the backend, and publishing events as the result streams back.
type Worker struct {
	q       *queue.Queue
	backend Invoker

	basePollInterval    time.Duration
	maxPollInterval     time.Duration
	concurrency         int
	shutdownGracePeriod time.Duration
	heartbeatInterval   time.Duration
	chunkCharLimit      int

	stop         chan struct{}
	wg           sync.WaitGroup
	activeJobs   int64
	activeJobsMu sync.Mutex
	logger       *slog.Logger
}

// New creates a new worker.
func New(q *queue.Queue, b Invoker, cfg Config, logger *slog.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.MaxPollInterval == 0 {
		cfg.MaxPollInterval = 30 * time.Second
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 3
	}
	if cfg.ShutdownGracePeriod == 0 {
		cfg.ShutdownGracePeriod = 5 * time.Minute
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.ChunkCharLimit == 0 {
		cfg.ChunkCharLimit = 600
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		q:                   q,
		backend:             b,
		basePollInterval:    cfg.PollInterval,
		maxPollInterval:     cfg.MaxPollInterval,
		concurrency:         cfg.Concurrency,
		shutdownGracePeriod: cfg.ShutdownGracePeriod,
		heartbeatInterval:   cfg.HeartbeatInterval,
		chunkCharLimit:      cfg.ChunkCharLimit,
		stop:                make(chan struct{}),
		logger:              logger.With("component", "worker"),
	}
}

// Start begins processing jobs.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting",
		"concurrency", w.concurrency,
		"base_poll_interval", w.basePollInterval,
		"max_poll_interval", w.maxPollInterval,
		"shutdown_grace_period", w.shutdownGracePeriod,
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.runWorker(ctx, i)
	}
}

// ActiveJobs returns the number of jobs currently being processed.
func (w *Worker) ActiveJobs() int64 {
	w.activeJobsMu.Lock()
	defer w.activeJobsMu.Unlock()
	return w.activeJobs
}

// Stop gracefully stops the worker, waiting for active jobs to complete.
func (w *Worker) Stop() {
	w.logger.Info("stopping, waiting for active jobs to complete", "grace_period", w.shutdownGracePeriod)
	close(w.stop)

	deadline := time.Now().Add(w.shutdownGracePeriod)
	pollInterval := 500 * time.Millisecond

	for time.Now().Before(deadline) {
		if w.ActiveJobs() == 0 {
			w.logger.Info("all active jobs completed")
			break
		}
		w.logger.Info("waiting for active jobs", "active_jobs", w.ActiveJobs(), "remaining", time.Until(deadline).Round(time.Second))
		time.Sleep(pollInterval)
	}

	if remaining := w.ActiveJobs(); remaining > 0 {
		w.logger.Warn("shutdown grace period exceeded, still waiting for active jobs", "remaining_jobs", remaining)
	}

	w.wg.Wait()
	w.logger.Info("stopped")
}

func (w *Worker) runWorker(ctx context.Context, workerID int) {
	defer w.wg.Done()

	currentInterval := w.basePollInterval
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		found := w.popAndProcess(ctx, workerID, currentInterval)
		if found {
			currentInterval = w.basePollInterval
		} else {
			currentInterval *= 2
			if currentInterval > w.maxPollInterval {
				currentInterval = w.maxPollInterval
			}
		}
	}
}

// popAndProcess blocks up to interval waiting for a job (the blocking pop
// doubles as the adaptive-backoff timer: a longer wait is a longer
// backoff). Returns true if a job was found and processed.
func (w *Worker) popAndProcess(ctx context.Context, workerID int, interval time.Duration) bool {
	jobID, payload, ok, err := w.q.PopJob(ctx, interval)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.logger.Error("failed to pop job", "worker_id", workerID, "error", err)
		return false
	}
	if !ok {
		return false
	}

	w.activeJobsMu.Lock()
	w.activeJobs++
	w.activeJobsMu.Unlock()
	defer func() {
		w.activeJobsMu.Lock()
		w.activeJobs--
		w.activeJobsMu.Unlock()
	}()

	// Once claimed, a job runs to completion on a context independent of the
	// caller's shutdown signal: per §5, worker shutdown drains the in-flight
	// job rather than cancelling its backend call, to avoid leaving partial
	// state at the backend. Only the outer poll loop is shutdown-aware.
	w.logger.Info("processing job", "worker_id", workerID, "job_id", jobID)
	w.processJob(context.Background(), jobID, payload)
	w.logger.Info("finished job", "worker_id", workerID, "job_id", jobID)
	return true
}

func (w *Worker) processJob(ctx context.Context, jobID string, payload queue.EnqueuePayload) {
	if err := w.q.MarkStatus(ctx, jobID, queue.StatusRunning); err != nil {
		w.logger.Error("failed to mark job running", "job_id", jobID, "error", err)
	}
	if err := w.q.RegisterActiveJob(ctx, jobID); err != nil {
		w.logger.Error("failed to register active job", "job_id", jobID, "error", err)
	}
	_ = w.q.PublishEvent(ctx, queue.Event{Kind: queue.EventStatus, JobID: jobID, Status: queue.StatusRunning})

	heartbeatStop := make(chan struct{})
	var heartbeatWg sync.WaitGroup
	heartbeatWg.Add(1)
	go func() {
		defer heartbeatWg.Done()
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatStop:
				return
			case <-ticker.C:
				if err := w.q.UpdateHeartbeat(ctx, jobID); err != nil {
					w.logger.Warn("failed to update heartbeat", "job_id", jobID, "error", err)
				}
				_ = w.q.PublishEvent(ctx, queue.Event{Kind: queue.EventHeartbeat, JobID: jobID, Status: queue.StatusRunning})
			}
		}
	}()

	reply, err := w.backend.Invoke(ctx, jobID, payload)

	close(heartbeatStop)
	heartbeatWg.Wait()

	if err != nil {
		w.failJob(ctx, jobID, payload.ConversationID, err)
		return
	}

	if reply.AgentStatus == queue.AgentStatusInterrupted {
		w.interruptJob(ctx, jobID, payload.ConversationID, reply)
		return
	}

	if reply.Text != "" {
		if err := w.q.MarkStatus(ctx, jobID, queue.StatusStreaming); err != nil {
			w.logger.Error("failed to mark job streaming", "job_id", jobID, "error", err)
		}
		_ = w.q.PublishEvent(ctx, queue.Event{Kind: queue.EventStatus, JobID: jobID, Status: queue.StatusStreaming})

		for _, chunk := range chunkString(reply.Text, w.chunkCharLimit) {
			if err := w.q.PublishEvent(ctx, queue.Event{Kind: queue.EventChunk, JobID: jobID, Chunk: chunk}); err != nil {
				w.logger.Error("failed to publish chunk event", "job_id", jobID, "error", err)
			}
			if err := w.q.UpdateHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("failed to refresh heartbeat during chunking", "job_id", jobID, "error", err)
			}
		}
	}

	result := queue.Result{Content: reply.Text, Usage: reply.Usage, Attachments: reply.Attachments}
	if err := w.q.StoreResult(ctx, jobID, result); err != nil {
		w.logger.Error("failed to store job result", "job_id", jobID, "error", err)
	}
	if err := w.q.UpdateHeartbeat(ctx, jobID); err != nil {
		w.logger.Warn("failed to refresh heartbeat before clearing active job", "job_id", jobID, "error", err)
	}
	if err := w.q.ClearActiveJob(ctx, jobID); err != nil {
		w.logger.Error("failed to clear active job", "job_id", jobID, "error", err)
	}
	if err := w.q.PublishEvent(ctx, queue.Event{
		Kind:           queue.EventCompleted,
		JobID:          jobID,
		ConversationID: payload.ConversationID,
		Result:         reply.Text,
		Usage:          reply.Usage,
		Attachments:    reply.Attachments,
	}); err != nil {
		w.logger.Error("failed to publish completed event", "job_id", jobID, "error", err)
	}
}

// interruptJob handles the agent_status=interrupted branch: the backend
// asked a clarifying question instead of returning a final answer. This is
// a terminal outcome for the job; the conversation resumes, if at all, as a
// fresh job.
func (w *Worker) interruptJob(ctx context.Context, jobID, conversationID string, reply queue.BackendReply) {
	if err := w.q.StoreInterrupt(ctx, jobID, reply.InterruptPayload); err != nil {
		w.logger.Error("failed to store job interrupt", "job_id", jobID, "error", err)
	}
	if err := w.q.ClearActiveJob(ctx, jobID); err != nil {
		w.logger.Error("failed to clear active job", "job_id", jobID, "error", err)
	}
	if err := w.q.PublishEvent(ctx, queue.Event{
		Kind:             queue.EventInterrupt,
		JobID:            jobID,
		ConversationID:   conversationID,
		Chunk:            interruptQuestion(reply.InterruptPayload),
		InterruptPayload: reply.InterruptPayload,
	}); err != nil {
		w.logger.Error("failed to publish interrupt event", "job_id", jobID, "error", err)
	}
}

// interruptQuestion extracts the clarifying question from the backend's
// interrupt_payload, so the interrupt event's content field carries it even
// though the rest of the payload passes through opaque.
func interruptQuestion(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var fields struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	return fields.Question
}

func (w *Worker) failJob(ctx context.Context, jobID, conversationID string, cause error) {
	kind := jobserr.KindBackendInvocationFailed
	msg := cause.Error()
	var domainErr *jobserr.Error
	if errors.As(cause, &domainErr) {
		kind = domainErr.Kind
		msg = domainErr.Message
	}
	msg = "Agent invocation failed: " + msg

	if err := w.q.StoreFailure(ctx, jobID, kind, msg); err != nil {
		w.logger.Error("failed to store job failure", "job_id", jobID, "error", err)
	}
	if err := w.q.ClearActiveJob(ctx, jobID); err != nil {
		w.logger.Error("failed to clear active job", "job_id", jobID, "error", err)
	}
	_ = w.q.PublishEvent(ctx, queue.Event{
		Kind:           queue.EventFailed,
		JobID:          jobID,
		ConversationID: conversationID,
		ErrorKind:      string(kind),
		ErrorMsg:       msg,
	})
	w.logger.Warn("job failed", "job_id", jobID, "error_kind", kind, "error", msg)
}

// chunkString splits s into pieces of at most limit runes, never splitting
// inside a multi-byte rune.
func chunkString(s string, limit int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var chunks []string
	for len(runes) > 0 {
		n := limit
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
