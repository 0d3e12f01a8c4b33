package ports

import (
	"context"
	"time"

	"github.com/pasoproxy/paso/internal/core/domain"
)

// RequestLog accumulates the record for one request. Implementations must
// tolerate concurrent appends from the transport goroutine and make
// Finalize idempotent.
type RequestLog interface {
	SetRoute(route []string)
	SetModel(model string)
	SetKeyID(keyID string)
	RecordAttempt(attempt domain.AttemptRecord)
	RecordError(event domain.ErrorEvent)
	RecordResponse(status int, headers map[string]string, body []byte)
	RecordParsedResponse(body []byte)
	RecordStreamChunk(chunk []byte)
	RecordUsage(usage domain.UsageStats)
	SetQueuedFor(wait time.Duration)
	Finalize(outcome domain.Outcome)
}

// RequestRecorder opens per-request logs and exposes the recent history.
type RequestRecorder interface {
	Begin(ctx context.Context, id, method, path string, headers map[string]string) RequestLog
	Recent(limit int) []*domain.RequestRecord

	// Flush blocks until buffered background writes are drained, bounded
	// by ctx.
	Flush(ctx context.Context) error
}
