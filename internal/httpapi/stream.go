package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/refyne-api/internal/jobserr"
	"github.com/jmylchreest/refyne-api/internal/queue"
)

const defaultPollInterval = 500 * time.Millisecond

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// heartbeatInterval is how often the SSE stream sends a keepalive comment
// independent of job activity, matching the teacher's proxy-side heartbeat
// cadence for long-lived connections through intermediary proxies.
const heartbeatInterval = 15 * time.Second

// StreamJob is the raw (non-Huma) SSE handler: it subscribes to the job's
// event channel (with the current status snapshot replayed first, closing
// the enqueue/subscribe race) and forwards each QueueEvent as an SSE frame
// until the job reaches a terminal state or the client disconnects.
// Grounded on the teacher's StreamResults handler: flusher-based writes, a
// disabled write deadline, and a keepalive ticker alongside the data
// channel. A premature client disconnect only tears down this handler's
// subscription — the worker keeps running the job independently.
func (h *Handler) StreamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		http.Error(w, `{"error":"job id required"}`, http.StatusBadRequest)
		return
	}

	if _, err := h.q.GetStatus(r.Context(), jobID); err != nil {
		var domainErr *jobserr.Error
		if errors.As(err, &domainErr) && domainErr.Kind == jobserr.KindUnknownJob {
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error":"failed to load job"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ctx := r.Context()
	events, closeSub, err := h.q.IterEvents(ctx, jobID, true)
	if err != nil {
		sendSSEEvent(w, flusher, "error", map[string]any{"job_id": jobID, "error": map[string]any{"message": "failed to subscribe to job events"}})
		sendDone(w, flusher)
		return
	}
	defer closeSub()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	firstChunk := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			sendSSEHeartbeat(w, flusher, "")
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, flusher, ev, &firstChunk)
			if ev.Kind == queue.EventCompleted || ev.Kind == queue.EventFailed || ev.Kind == queue.EventInterrupt {
				sendDone(w, flusher)
				return
			}
		}
	}
}

// writeEvent translates one internal QueueEvent into the SSE frame(s) it
// maps to per the proxy fan-in's translation table. firstChunk tracks
// whether this is the first chunk event seen for the job, since the first
// chunk's role-opening delta frame only goes out once.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev queue.Event, firstChunk *bool) {
	switch ev.Kind {
	case queue.EventStatus:
		sendSSEEvent(w, flusher, "message", map[string]any{
			"id":           ev.JobID,
			"choices":      []map[string]any{{"delta": map[string]any{}, "finish_reason": nil}},
			"agent_status": string(ev.Status),
		})
	case queue.EventChunk:
		if *firstChunk {
			*firstChunk = false
			sendSSEEvent(w, flusher, "message", map[string]any{
				"id":      ev.JobID,
				"choices": []map[string]any{{"delta": map[string]any{"role": "assistant"}}},
			})
		}
		sendSSEEvent(w, flusher, "message", map[string]any{
			"id":      ev.JobID,
			"choices": []map[string]any{{"delta": map[string]any{"content": ev.Chunk}}},
		})
	case queue.EventCompleted:
		frame := map[string]any{
			"id":           ev.JobID,
			"choices":      []map[string]any{{"delta": map[string]any{}, "finish_reason": "stop"}},
			"agent_status": "completed",
		}
		if len(ev.Usage) > 0 {
			frame["usage"] = ev.Usage
		}
		if len(ev.Attachments) > 0 {
			frame["message_metadata"] = map[string]any{"attachments": ev.Attachments}
		}
		sendSSEEvent(w, flusher, "message", frame)
	case queue.EventInterrupt:
		frame := map[string]any{
			"id":           ev.JobID,
			"choices":      []map[string]any{{"delta": map[string]any{"content": ev.Chunk}, "finish_reason": "stop"}},
			"agent_status": "interrupted",
		}
		if len(ev.InterruptPayload) > 0 {
			frame["message_metadata"] = json.RawMessage(ev.InterruptPayload)
		}
		sendSSEEvent(w, flusher, "message", frame)
	case queue.EventFailed:
		sendSSEEvent(w, flusher, "message", map[string]any{
			"error":           map[string]any{"kind": ev.ErrorKind, "message": ev.ErrorMsg},
			"conversation_id": ev.ConversationID,
			"job_id":          ev.JobID,
		})
	case queue.EventHeartbeat:
		sendSSEHeartbeat(w, flusher, string(ev.Status))
	}
}

// sendSSEEvent sends a Server-Sent Event.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}

// sendSSEHeartbeat sends an SSE comment as a keepalive, per §6: heartbeats
// are comment lines, never a data: frame, so intermediary SSE clients that
// parse only data: frames never see them.
func sendSSEHeartbeat(w http.ResponseWriter, flusher http.Flusher, status string) {
	if status != "" {
		_, _ = fmt.Fprintf(w, ": heartbeat %s\n\n", status)
	} else {
		_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
	}
	flusher.Flush()
}

// sendDone writes the terminal [DONE] sentinel every SSE stream ends with,
// whether the job completed, interrupted, or failed.
func sendDone(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}
