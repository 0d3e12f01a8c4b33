package domain

import (
	"fmt"
	"net/http"
	"time"
)

// Retry reasons recorded against retryable failures
const (
	RetryReasonHTTPStatus      = "http_retryable"
	RetryReasonSSEStreamError  = "sse_stream_error"
	RetryReasonTimeout         = "timeout"
	RetryReasonConnectionError = "connection_error"
)

// UpstreamResponse is a fully materialised upstream reply. A RetryableError
// carries one when the failing attempt already produced a body worth
// delivering if every remaining backend also fails.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RetryableError signals the router to try another attempt or another
// backend. Any other error kind propagates out of the retry loop untouched.
type RetryableError struct {
	Err      error
	Reason   string
	Backend  string
	Response *UpstreamResponse
}

func (e *RetryableError) Error() string {
	if e.Response != nil {
		return fmt.Sprintf("retryable failure on %s (%s): HTTP %d", e.Backend, e.Reason, e.Response.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("retryable failure on %s (%s): %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("retryable failure on %s (%s)", e.Backend, e.Reason)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableStatusError wraps a drained upstream response whose status is
// in the retry set.
func NewRetryableStatusError(backend string, resp *UpstreamResponse) *RetryableError {
	return &RetryableError{Reason: RetryReasonHTTPStatus, Backend: backend, Response: resp}
}

// QueueTimeoutError is raised when a request waited out its queue deadline
// without obtaining a concurrency slot.
type QueueTimeoutError struct {
	KeyID  string
	Waited time.Duration
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("queue timeout for key %s after %v", e.KeyID, e.Waited)
}

// ClientDisconnectedError is raised when the client went away while the
// request was queued or being relayed.
type ClientDisconnectedError struct {
	RequestID string
}

func (e *ClientDisconnectedError) Error() string {
	return fmt.Sprintf("client disconnected (request %s)", e.RequestID)
}

// ModelNotFoundError is raised when no backend matches the requested model.
type ModelNotFoundError struct {
	Model string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %q is not defined", e.Model)
}

// ValidationError reports invalid client input (malformed JSON, missing
// fields) before any backend is contacted.
type ValidationError struct {
	Message string
	Param   string
}

func (e *ValidationError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s (param %s)", e.Message, e.Param)
	}
	return e.Message
}

// AuthenticationError reports a missing, unknown or disabled app key.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return e.Message
}

// ChainExhaustedError aggregates the terminal failure after the whole
// backend chain has been tried. LastResponse is non-nil when the final
// retryable failure materialised a body the client should receive.
type ChainExhaustedError struct {
	Model        string
	Attempts     int
	Backends     []string
	LastErr      error
	LastResponse *UpstreamResponse
}

func (e *ChainExhaustedError) Error() string {
	return fmt.Sprintf("all backends failed for model %q after %d attempts across %v: %v",
		e.Model, e.Attempts, e.Backends, e.LastErr)
}

func (e *ChainExhaustedError) Unwrap() error {
	return e.LastErr
}
