package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/refyne-api/internal/broker"
	"github.com/jmylchreest/refyne-api/internal/jobserr"
)

// activeJobsKey is the sorted set the watchdog sweeps, scored by the unix
// time of each job's last heartbeat.
const activeJobsKey = "jobs:active"

// Queue implements the job-lifecycle operations (enqueue, status
// transitions, active-job bookkeeping, event publication, stale-job sweep)
// over a broker.Broker, the way the redis queue repository composes
// Enqueue/Dequeue/Fail from raw client calls.
type Queue struct {
	b             broker.Broker
	queueKey      string
	statusPrefix  string
	channelPrefix string
	jobTTL        time.Duration
}

// Config configures key naming and TTL for a Queue.
type Config struct {
	QueueKey      string
	StatusPrefix  string
	ChannelPrefix string
	JobTTL        time.Duration
}

// New builds a Queue over the given broker.
func New(b broker.Broker, cfg Config) *Queue {
	return &Queue{
		b:             b,
		queueKey:      cfg.QueueKey,
		statusPrefix:  cfg.StatusPrefix,
		channelPrefix: cfg.ChannelPrefix,
		jobTTL:        cfg.JobTTL,
	}
}

func (q *Queue) statusKey(jobID string) string {
	return q.statusPrefix + jobID
}

func (q *Queue) channelKey(jobID string) string {
	return q.channelPrefix + jobID
}

// NewJobID generates a time-sortable job identifier.
func NewJobID() string {
	return ulid.Make().String()
}

// Enqueue writes the initial status record, pushes a job envelope (job ID
// plus payload) onto the FIFO queue list, and then publishes a queued
// status event.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload EnqueuePayload) error {
	now := time.Now()
	rec := StatusRecord{
		JobID:          jobID,
		Status:         StatusQueued,
		Model:          payload.Model,
		ConversationID: payload.ConversationID,
		UserID:         payload.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.writeStatus(ctx, rec); err != nil {
		return jobserr.Wrap(jobserr.KindBrokerTransient, jobID, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return jobserr.Wrap(jobserr.KindContractViolation, jobID, err)
	}
	envelope := jobEnvelope{JobID: jobID, Payload: body}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return jobserr.Wrap(jobserr.KindContractViolation, jobID, err)
	}
	if err := q.b.RPush(ctx, q.queueKey, string(raw)); err != nil {
		return jobserr.Wrap(jobserr.KindBrokerTransient, jobID, err)
	}
	// The publish happens last, per §4.2: list append and status write may
	// race with it, but a subscriber attaching after Enqueue returns must
	// see either the status snapshot or this queued event, never neither.
	if err := q.PublishEvent(ctx, Event{Kind: EventStatus, JobID: jobID, Status: StatusQueued}); err != nil {
		return jobserr.Wrap(jobserr.KindBrokerTransient, jobID, err)
	}
	return nil
}

// jobEnvelope is the value pushed onto the queue list: job ID plus the
// original enqueue payload, so a worker can claim and process a job without
// a second round-trip to fetch its payload.
type jobEnvelope struct {
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload"`
}

// PopJob blocks (up to timeout) for the next queued job, parses its
// envelope, and returns the job ID and payload. ok is false on timeout.
func (q *Queue) PopJob(ctx context.Context, timeout time.Duration) (jobID string, payload EnqueuePayload, ok bool, err error) {
	_, raw, found, err := q.b.BLPop(ctx, timeout, q.queueKey)
	if err != nil {
		return "", EnqueuePayload{}, false, jobserr.Wrap(jobserr.KindBrokerTransient, "", err)
	}
	if !found {
		return "", EnqueuePayload{}, false, nil
	}
	var env jobEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", EnqueuePayload{}, false, jobserr.Wrap(jobserr.KindContractViolation, "", err)
	}
	var p EnqueuePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", EnqueuePayload{}, false, jobserr.Wrap(jobserr.KindContractViolation, env.JobID, err)
	}
	return env.JobID, p, true, nil
}

// MarkStatus transitions a job's status, leaving result/error fields
// untouched. A job already in a terminal state is left alone: the first
// terminal write wins and a later status transition must not revert it
// (invariant #4).
func (q *Queue) MarkStatus(ctx context.Context, jobID string, status Status) error {
	rec, err := q.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	if status.Terminal() {
		rec.CompletedAt = rec.UpdatedAt
	}
	return q.writeStatus(ctx, rec)
}

// StoreResult marks a job completed and stores its final output. A no-op if
// the job is already terminal (the first terminal write wins).
func (q *Queue) StoreResult(ctx context.Context, jobID string, result Result) error {
	rec, err := q.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = StatusCompleted
	rec.Result = result.Content
	rec.Usage = result.Usage
	rec.Attachments = result.Attachments
	now := time.Now()
	rec.UpdatedAt = now
	rec.CompletedAt = now
	return q.writeStatus(ctx, rec)
}

// StoreInterrupt marks a job interrupted and stores the backend's interrupt
// payload as its terminal result, per the §4.4 interrupted branch: the
// backend asked a clarifying question instead of returning a final answer.
// A no-op if the job is already terminal.
func (q *Queue) StoreInterrupt(ctx context.Context, jobID string, payload json.RawMessage) error {
	rec, err := q.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = StatusInterrupted
	rec.InterruptPayload = payload
	now := time.Now()
	rec.UpdatedAt = now
	rec.CompletedAt = now
	return q.writeStatus(ctx, rec)
}

// StoreFailure marks a job failed with the given error kind and message. A
// no-op if the job is already terminal, so a watchdog sweep racing a
// worker's own completed/failed write can't clobber it back to failed.
func (q *Queue) StoreFailure(ctx context.Context, jobID string, kind jobserr.Kind, message string) error {
	rec, err := q.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = StatusFailed
	rec.ErrorKind = string(kind)
	rec.ErrorMsg = message
	now := time.Now()
	rec.UpdatedAt = now
	rec.CompletedAt = now
	return q.writeStatus(ctx, rec)
}

// GetStatus reads a job's status record.
func (q *Queue) GetStatus(ctx context.Context, jobID string) (StatusRecord, error) {
	fields, ok, err := q.b.HGetAll(ctx, q.statusKey(jobID))
	if err != nil {
		return StatusRecord{}, jobserr.Wrap(jobserr.KindBrokerTransient, jobID, err)
	}
	if !ok {
		return StatusRecord{}, jobserr.UnknownJob(jobID)
	}
	return decodeStatus(fields)
}

func (q *Queue) writeStatus(ctx context.Context, rec StatusRecord) error {
	fields, err := encodeStatus(rec)
	if err != nil {
		return jobserr.Wrap(jobserr.KindContractViolation, rec.JobID, err)
	}
	if err := q.b.HSetMany(ctx, q.statusKey(rec.JobID), fields, q.jobTTL); err != nil {
		return jobserr.Wrap(jobserr.KindBrokerTransient, rec.JobID, err)
	}
	return nil
}

// RegisterActiveJob adds jobID to the active-jobs sorted set, scored by now,
// so the watchdog can find it if its heartbeat goes stale, and records that
// same instant as the job's last_heartbeat on its status record.
func (q *Queue) RegisterActiveJob(ctx context.Context, jobID string) error {
	now := time.Now()
	if err := q.b.ZAdd(ctx, activeJobsKey, float64(now.Unix()), jobID); err != nil {
		return jobserr.Wrap(jobserr.KindBrokerTransient, jobID, err)
	}
	return q.setLastHeartbeat(ctx, jobID, now)
}

// ClearActiveJob removes jobID from the active-jobs sorted set.
func (q *Queue) ClearActiveJob(ctx context.Context, jobID string) error {
	if err := q.b.ZRem(ctx, activeJobsKey, jobID); err != nil {
		return jobserr.Wrap(jobserr.KindBrokerTransient, jobID, err)
	}
	return nil
}

// UpdateHeartbeat refreshes jobID's score in the active-jobs sorted set and
// its status record's last_heartbeat field to now, proving its worker is
// still alive. Per §3/§4.2 this is written to both the hash and the active
// set.
func (q *Queue) UpdateHeartbeat(ctx context.Context, jobID string) error {
	return q.RegisterActiveJob(ctx, jobID)
}

// setLastHeartbeat stamps a job's status record with the given instant as
// its last_heartbeat, leaving every other field untouched.
func (q *Queue) setLastHeartbeat(ctx context.Context, jobID string, at time.Time) error {
	rec, err := q.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	rec.LastHeartbeat = at
	return q.writeStatus(ctx, rec)
}

// PublishEvent publishes a QueueEvent on the job's channel.
func (q *Queue) PublishEvent(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return jobserr.Wrap(jobserr.KindContractViolation, ev.JobID, err)
	}
	if err := q.b.Publish(ctx, q.channelKey(ev.JobID), string(raw)); err != nil {
		return jobserr.Wrap(jobserr.KindBrokerTransient, ev.JobID, err)
	}
	return nil
}

// IterEvents subscribes to a job's channel and returns a receive-only
// channel of decoded events, plus a closer. The caller must call close once
// done to release the subscription.
//
// Subscribing happens before any status read, closing the race between a
// job finishing and a client subscribing to it. When includeSnapshot is
// true, the current status
// record — read only after the subscription is live — is synthesized into
// one leading Event: a terminal status produces exactly one terminal event
// and the channel is closed without waiting on any further published event,
// since none will come; a non-terminal status produces a plain status
// event and the channel continues forwarding whatever is published next,
// closing right after the first terminal event it forwards. Either way the
// channel carries at most one terminal event.
func (q *Queue) IterEvents(ctx context.Context, jobID string, includeSnapshot bool) (<-chan Event, func() error, error) {
	sub, err := q.b.Subscribe(ctx, q.channelKey(jobID))
	if err != nil {
		return nil, nil, jobserr.Wrap(jobserr.KindBrokerTransient, jobID, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)

		if includeSnapshot {
			rec, err := q.GetStatus(ctx, jobID)
			if err == nil {
				snapshot := Event{
					Kind:             terminalEventKind(rec.Status),
					JobID:            rec.JobID,
					Status:           rec.Status,
					Result:           rec.Result,
					ConversationID:   rec.ConversationID,
					Usage:            rec.Usage,
					Attachments:      rec.Attachments,
					InterruptPayload: rec.InterruptPayload,
					ErrorKind:        rec.ErrorKind,
					ErrorMsg:         rec.ErrorMsg,
					At:               rec.UpdatedAt,
				}
				select {
				case out <- snapshot:
				case <-ctx.Done():
					return
				}
				if rec.Status.Terminal() {
					return
				}
			}
		}

		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Kind == EventCompleted || ev.Kind == EventFailed || ev.Kind == EventInterrupt {
				return
			}
		}
	}()
	return out, sub.Close, nil
}

// WaitForCompletion polls a job's status until it reaches a terminal state
// or timeout elapses, without subscribing to its event stream. Used by the
// proxy's blocking (non-streaming) response path.
func (q *Queue) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration, pollInterval time.Duration) (StatusRecord, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		rec, err := q.GetStatus(ctx, jobID)
		if err != nil {
			return StatusRecord{}, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return StatusRecord{}, jobserr.TerminalWaitTimeout(jobID)
		}
		select {
		case <-ctx.Done():
			return StatusRecord{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// FailStaleJobs scans the active-jobs sorted set for jobs whose heartbeat
// score is older than staleAfter, marks each failed with KindJobStale, and
// removes it from the active set. It returns the number of jobs reclaimed.
// This is the watchdog's periodic sweep operation.
func (q *Queue) FailStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	threshold := float64(time.Now().Add(-staleAfter).Unix())
	staleIDs, err := q.b.ZRangeByScore(ctx, activeJobsKey, 0, threshold)
	if err != nil {
		return 0, jobserr.Wrap(jobserr.KindBrokerTransient, "", err)
	}

	reclaimed := 0
	for _, jobID := range staleIDs {
		if err := q.FailJobIfActive(ctx, jobID); err != nil {
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// FailJobIfActive marks jobID failed with KindJobStale and clears it from
// the active set, but only if it is not already in a terminal state — a
// job that completed just before the sweep examined it is left alone.
func (q *Queue) FailJobIfActive(ctx context.Context, jobID string) error {
	rec, err := q.GetStatus(ctx, jobID)
	if err != nil {
		// Status record expired or never existed; still clear the stale
		// active-set entry so the sweep doesn't keep finding it.
		_ = q.ClearActiveJob(ctx, jobID)
		return err
	}
	if rec.Status.Terminal() {
		return q.ClearActiveJob(ctx, jobID)
	}

	rec.Status = StatusFailed
	rec.ErrorKind = string(jobserr.KindJobStale)
	rec.ErrorMsg = "worker heartbeat exceeded staleness window"
	now := time.Now()
	rec.UpdatedAt = now
	rec.CompletedAt = now
	if err := q.writeStatus(ctx, rec); err != nil {
		return err
	}
	if err := q.ClearActiveJob(ctx, jobID); err != nil {
		return err
	}
	return q.PublishEvent(ctx, Event{
		Kind:      EventFailed,
		JobID:     jobID,
		ErrorKind: string(jobserr.KindJobStale),
		ErrorMsg:  rec.ErrorMsg,
	})
}

// encodeStatus/decodeStatus flatten a StatusRecord to/from the string-only
// field map a Redis hash stores, the same way the redis queue repository
// keeps its job document as a hash rather than a single JSON blob (cheaper
// partial reads/writes for individual fields).
func encodeStatus(rec StatusRecord) (map[string]string, error) {
	fields := map[string]string{
		"job_id":          rec.JobID,
		"status":          string(rec.Status),
		"model":           rec.Model,
		"conversation_id": rec.ConversationID,
		"user_id":         rec.UserID,
		"result":          rec.Result,
		"error_kind":      rec.ErrorKind,
		"error_msg":       rec.ErrorMsg,
		"created_at":      rec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !rec.CompletedAt.IsZero() {
		fields["completed_at"] = rec.CompletedAt.Format(time.RFC3339Nano)
	}
	if !rec.LastHeartbeat.IsZero() {
		fields["last_heartbeat"] = rec.LastHeartbeat.Format(time.RFC3339Nano)
	}
	if len(rec.Usage) > 0 {
		fields["usage"] = string(rec.Usage)
	}
	if len(rec.Attachments) > 0 {
		raw, err := json.Marshal(rec.Attachments)
		if err != nil {
			return nil, err
		}
		fields["attachments"] = string(raw)
	}
	if len(rec.InterruptPayload) > 0 {
		fields["interrupt_payload"] = string(rec.InterruptPayload)
	}
	return fields, nil
}

func decodeStatus(fields map[string]string) (StatusRecord, error) {
	rec := StatusRecord{
		JobID:          fields["job_id"],
		Status:         Status(fields["status"]),
		Model:          fields["model"],
		ConversationID: fields["conversation_id"],
		UserID:         fields["user_id"],
		Result:         fields["result"],
		ErrorKind:      fields["error_kind"],
		ErrorMsg:       fields["error_msg"],
	}
	if v := fields["created_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.CreatedAt = t
		}
	}
	if v := fields["updated_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.UpdatedAt = t
		}
	}
	if v := fields["completed_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.CompletedAt = t
		}
	}
	if v := fields["last_heartbeat"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.LastHeartbeat = t
		}
	}
	if v := fields["usage"]; v != "" {
		rec.Usage = json.RawMessage(v)
	}
	if v := fields["attachments"]; v != "" {
		var attachments []Attachment
		if err := json.Unmarshal([]byte(v), &attachments); err == nil {
			rec.Attachments = attachments
		}
	}
	if v := fields["interrupt_payload"]; v != "" {
		rec.InterruptPayload = json.RawMessage(v)
	}
	return rec, nil
}
