// Package jobserr defines the typed error kinds the job gateway surfaces to
// callers and workers. Handlers translate these into HTTP responses by
// errors.As, the way the teacher's handler layer maps domain errors to
// problem responses.
package jobserr

import "fmt"

// Kind discriminates the error kinds callers and operators need to branch on.
type Kind string

const (
	KindBackendInvocationFailed Kind = "backend_invocation_failed"
	KindJobStale                Kind = "job_stale"
	KindUnknownJob              Kind = "unknown_job"
	KindTerminalWaitTimeout     Kind = "terminal_wait_timeout"
	KindBrokerTransient         Kind = "broker_transient"
	KindContractViolation       Kind = "contract_violation"
)

// Error is a kind-tagged domain error.
type Error struct {
	Kind    Kind
	JobID   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s: job %s: %s", e.Kind, e.JobID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind.
func New(kind Kind, jobID, message string) *Error {
	return &Error{Kind: kind, JobID: jobID, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, jobID string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, JobID: jobID, Message: msg, Cause: cause}
}

// UnknownJob reports that a job ID has no known status record, either
// because it never existed or because its TTL expired.
func UnknownJob(jobID string) *Error {
	return New(KindUnknownJob, jobID, "no status record for job")
}

// Stale reports that a job's heartbeat exceeded the configured staleness
// window and was reclaimed by the watchdog.
func Stale(jobID string) *Error {
	return New(KindJobStale, jobID, "heartbeat exceeded staleness window")
}

// TerminalWaitTimeout reports that a blocking wait exceeded its deadline
// without the job reaching a terminal state.
func TerminalWaitTimeout(jobID string) *Error {
	return New(KindTerminalWaitTimeout, jobID, "timed out waiting for terminal status")
}
