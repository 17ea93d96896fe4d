// Package httpapi is the proxy fan-in: it translates enqueue/status/stream
// requests from the OpenAI-compatible facade into queue operations, and
// translates queue events back into either an SSE stream or a single
// blocking JSON response. Huma-documented JSON operations are grounded on
// the teacher's handler registration style; the raw SSE handler is
// grounded on its StreamResults handler.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/refyne-api/internal/jobserr"
	"github.com/jmylchreest/refyne-api/internal/queue"
)

// Handler holds the dependencies the proxy fan-in's operations share.
type Handler struct {
	q                     *queue.Queue
	completionWaitTimeout func() int
	logger                *slog.Logger
}

// NewHandler builds a Handler. completionWaitTimeoutSeconds is the ceiling
// for blocking waits: a request's timeout query parameter is used only when
// it is positive and no larger than this value, otherwise the ceiling is.
func NewHandler(q *queue.Queue, completionWaitTimeoutSeconds int, logger *slog.Logger) *Handler {
	return &Handler{
		q:                     q,
		completionWaitTimeout: func() int { return completionWaitTimeoutSeconds },
		logger:                logger.With("component", "proxy"),
	}
}

// CreateJobInput is the enqueue request. Translating an external,
// OpenAI-shaped request (messages array, attachment normalization) into
// this flat {text, raw_user_text, attachments, metadata} shape is the
// facade's job upstream of this package; this is the contract the queue
// itself accepts.
type CreateJobInput struct {
	Wait    bool `query:"wait" default:"false" doc:"Block until the job completes and return its result directly."`
	Timeout int  `query:"timeout" default:"90" minimum:"1" maximum:"600" doc:"Maximum seconds to wait when wait=true."`
	Body    struct {
		Model          string             `json:"model" minLength:"1" doc:"Agent/model identifier to dispatch to the backend."`
		ConversationID string             `json:"conversation_id,omitempty" doc:"Opaque external conversation reference."`
		UserID         string             `json:"user_id,omitempty"`
		UserRole       string             `json:"user_role,omitempty"`
		Text           string             `json:"text" minLength:"1" doc:"Resolved prompt text to send the backend."`
		RawUserText    string             `json:"raw_user_text,omitempty" doc:"Verbatim last turn, if it differs from text."`
		Attachments    []queue.Attachment `json:"attachments,omitempty"`
		Metadata       map[string]any     `json:"metadata,omitempty"`
	}
}

// CreateJobOutput is returned for both the async (wait=false) path and the
// blocking (wait=true) path. On the blocking path §4.5 requires a
// synthesized single-shot response body, so the fields are copied from the
// terminal status record: result/usage/attachments for StatusCompleted,
// interrupt_payload for StatusInterrupted. They stay empty on the async
// path.
type CreateJobOutput struct {
	Body struct {
		JobID            string             `json:"job_id"`
		Status           string             `json:"status"`
		ConversationID   string             `json:"conversation_id,omitempty"`
		Result           string             `json:"result,omitempty"`
		Usage            json.RawMessage    `json:"usage,omitempty"`
		Attachments      []queue.Attachment `json:"attachments,omitempty"`
		InterruptPayload json.RawMessage    `json:"interrupt_payload,omitempty"`
	}
}

// CreateJob enqueues a job. With wait=true it blocks until the job reaches
// a terminal state (or the timeout elapses) and returns the result inline,
// mirroring the teacher's sync/async dual-mode job creation.
func (h *Handler) CreateJob(ctx context.Context, input *CreateJobInput) (*CreateJobOutput, error) {
	jobID := queue.NewJobID()
	payload := queue.EnqueuePayload{
		Model:          input.Body.Model,
		ConversationID: input.Body.ConversationID,
		UserID:         input.Body.UserID,
		UserRole:       input.Body.UserRole,
		Text:           input.Body.Text,
		RawUserText:    input.Body.RawUserText,
		Attachments:    input.Body.Attachments,
		Metadata:       input.Body.Metadata,
	}
	if err := h.q.Enqueue(ctx, jobID, payload); err != nil {
		return nil, translateError(err)
	}

	if !input.Wait {
		out := &CreateJobOutput{}
		out.Body.JobID = jobID
		out.Body.Status = string(queue.StatusQueued)
		return out, nil
	}

	timeout := input.Timeout
	if timeout <= 0 || timeout > h.completionWaitTimeout() {
		timeout = h.completionWaitTimeout()
	}
	rec, err := h.q.WaitForCompletion(ctx, jobID, secondsToDuration(timeout), defaultPollInterval)
	if err != nil {
		// Includes KindTerminalWaitTimeout: the job is left running
		// server-side, but the blocking caller gets a 504 rather than a
		// 200 claiming it is still "running" with no way to tell an error
		// occurred.
		return nil, translateError(err)
	}

	if rec.Status == queue.StatusFailed {
		detail := rec.ErrorMsg
		if detail == "" {
			detail = "job failed"
		}
		return nil, huma.Error502BadGateway(fmt.Sprintf(
			"job %s (conversation %s) failed: %s", rec.JobID, rec.ConversationID, detail,
		))
	}

	out := &CreateJobOutput{}
	out.Body.JobID = rec.JobID
	out.Body.Status = string(rec.Status)
	out.Body.ConversationID = rec.ConversationID
	out.Body.Result = rec.Result
	out.Body.Usage = rec.Usage
	out.Body.Attachments = rec.Attachments
	out.Body.InterruptPayload = rec.InterruptPayload
	return out, nil
}

// GetStatusInput identifies a job for the status endpoint.
type GetStatusInput struct {
	ID string `path:"id" doc:"Job ID."`
}

// GetStatusOutput reports a job's current status record.
type GetStatusOutput struct {
	Body struct {
		JobID            string             `json:"job_id"`
		Status           string             `json:"status"`
		ConversationID   string             `json:"conversation_id,omitempty"`
		Result           string             `json:"result,omitempty"`
		Usage            json.RawMessage    `json:"usage,omitempty"`
		Attachments      []queue.Attachment `json:"attachments,omitempty"`
		InterruptPayload json.RawMessage    `json:"interrupt_payload,omitempty"`
		ErrorKind        string             `json:"error_kind,omitempty"`
		ErrorMsg         string             `json:"error_msg,omitempty"`
		LastHeartbeat    time.Time          `json:"last_heartbeat,omitempty"`
	}
}

// GetStatus returns a job's status record without blocking.
func (h *Handler) GetStatus(ctx context.Context, input *GetStatusInput) (*GetStatusOutput, error) {
	rec, err := h.q.GetStatus(ctx, input.ID)
	if err != nil {
		return nil, translateError(err)
	}
	out := &GetStatusOutput{}
	out.Body.JobID = rec.JobID
	out.Body.Status = string(rec.Status)
	out.Body.ConversationID = rec.ConversationID
	out.Body.Result = rec.Result
	out.Body.Usage = rec.Usage
	out.Body.Attachments = rec.Attachments
	out.Body.InterruptPayload = rec.InterruptPayload
	out.Body.ErrorKind = rec.ErrorKind
	out.Body.ErrorMsg = rec.ErrorMsg
	out.Body.LastHeartbeat = rec.LastHeartbeat
	return out, nil
}

// HealthOutput is returned by the liveness probe.
type HealthOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Health reports process liveness. It intentionally does not check broker
// connectivity — that would make the liveness probe flap with a
// transient Redis blip, which is a readiness concern, not a liveness one.
func Health(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "ok"
	return out, nil
}

func translateError(err error) error {
	var domainErr *jobserr.Error
	if errors.As(err, &domainErr) {
		switch domainErr.Kind {
		case jobserr.KindUnknownJob:
			return huma.Error404NotFound(domainErr.Message)
		case jobserr.KindContractViolation:
			return huma.Error400BadRequest(domainErr.Message)
		case jobserr.KindTerminalWaitTimeout:
			return huma.Error504GatewayTimeout(domainErr.Message)
		default:
			return huma.Error502BadGateway(domainErr.Message)
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
