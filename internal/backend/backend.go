// Package backend invokes the synchronous agent-execution backend (the
// "bot service") that actually produces a chat completion. The gateway's
// worker calls it once per job and chunks the returned text; the backend
// itself has no streaming contract of its own — it replies once, and may
// report back an interrupt instead of a final answer.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmylchreest/refyne-api/internal/jobserr"
	"github.com/jmylchreest/refyne-api/internal/queue"
)

// Client invokes the backend's message-create endpoint over HTTP with a
// bounded request timeout. The timeout is advisory at the worker layer
// (the spec's soft_timeout is logged, not enforced) but this is the one
// place a hard deadline actually applies, since http.Client.Timeout aborts
// the round-trip outright.
type Client struct {
	httpClient *http.Client
	url        string
}

// New builds a Client pointed at url, bounding every request to timeout.
func New(url string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
	}
}

// invokeRequest is the message-create request body, §6: text plus the
// optional verbatim last turn, attachments, and free-form metadata.
type invokeRequest struct {
	Text        string             `json:"text"`
	RawUserText string             `json:"raw_user_text,omitempty"`
	Attachments []queue.Attachment `json:"attachments,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// invokeResponse is the message-create reply, §6: conversation and
// user_message are opaque to the worker; only agent_message matters.
type invokeResponse struct {
	AgentMessage struct {
		RawText  string          `json:"raw_text"`
		Content  json.RawMessage `json:"content"`
		Metadata struct {
			AgentStatus      string             `json:"agent_status"`
			Attachments      []queue.Attachment `json:"attachments,omitempty"`
			Usage            json.RawMessage    `json:"usage,omitempty"`
			InterruptPayload json.RawMessage    `json:"interrupt_payload,omitempty"`
		} `json:"metadata"`
	} `json:"agent_message"`
}

// Invoke performs one synchronous message-create call and returns the
// decoded agent reply. It does not retry; the worker's caller treats any
// returned error as a backend_invocation_failed (or contract_violation for
// a malformed reply) terminal outcome for the job.
func (c *Client) Invoke(ctx context.Context, jobID string, payload queue.EnqueuePayload) (queue.BackendReply, error) {
	body, err := json.Marshal(invokeRequest{
		Text:        payload.Text,
		RawUserText: payload.RawUserText,
		Attachments: payload.Attachments,
		Metadata:    payload.Metadata,
	})
	if err != nil {
		return queue.BackendReply{}, jobserr.Wrap(jobserr.KindContractViolation, jobID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return queue.BackendReply{}, jobserr.Wrap(jobserr.KindBackendInvocationFailed, jobID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if payload.UserID != "" {
		req.Header.Set("X-User-ID", payload.UserID)
	}
	if payload.UserRole != "" {
		req.Header.Set("X-User-Role", payload.UserRole)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return queue.BackendReply{}, jobserr.Wrap(jobserr.KindBackendInvocationFailed, jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return queue.BackendReply{}, jobserr.New(jobserr.KindBackendInvocationFailed, jobID, fmt.Sprintf("backend returned status %d", resp.StatusCode))
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return queue.BackendReply{}, jobserr.Wrap(jobserr.KindContractViolation, jobID, err)
	}
	if out.AgentMessage.Metadata.AgentStatus == "" {
		return queue.BackendReply{}, jobserr.New(jobserr.KindContractViolation, jobID, "backend reply missing agent_message.metadata.agent_status")
	}

	return queue.BackendReply{
		AgentStatus:      out.AgentMessage.Metadata.AgentStatus,
		Text:             out.AgentMessage.RawText,
		Usage:            out.AgentMessage.Metadata.Usage,
		Attachments:      out.AgentMessage.Metadata.Attachments,
		InterruptPayload: out.AgentMessage.Metadata.InterruptPayload,
	}, nil
}
