package domain

import "time"

// Request outcomes, finalised exactly once per request
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// AttemptRecord captures one outbound try against one backend.
type AttemptRecord struct {
	Backend string    `json:"backend"`
	Attempt int       `json:"attempt"`
	URL     string    `json:"url"`
	Started time.Time `json:"started"`
}

// ErrorEvent is a typed failure observed while serving a request.
type ErrorEvent struct {
	Kind    string    `json:"kind"` // sse_stream_error, http_retryable, timeout, connection_error, client_disconnect
	Backend string    `json:"backend,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// UsageStats are token counters extracted from the final upstream JSON when
// the upstream provides them.
type UsageStats struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// RequestRecord is the full per-request log assembled by the recorder: the
// request line, the route taken, every attempt, the response summary and
// any error events, closed off by exactly one Finalize.
type RequestRecord struct {
	ID             string            `json:"id"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Model          string            `json:"model,omitempty"`
	KeyID          string            `json:"key_id,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Route          []string          `json:"route,omitempty"`
	Attempts       []AttemptRecord   `json:"attempts,omitempty"`
	Errors         []ErrorEvent      `json:"errors,omitempty"`
	Status         int               `json:"status,omitempty"`
	ResponseBody   []byte            `json:"-"`
	ParsedBody     []byte            `json:"-"`
	Streamed       bool              `json:"streamed"`
	StreamedChunks int               `json:"streamed_chunks,omitempty"`
	BytesOut       int64             `json:"bytes_out"`
	Usage          *UsageStats       `json:"usage,omitempty"`
	Outcome        Outcome           `json:"outcome"`
	QueuedFor      time.Duration     `json:"queued_for,omitempty"`
	Started        time.Time         `json:"started"`
	Finished       time.Time         `json:"finished,omitempty"`
}
