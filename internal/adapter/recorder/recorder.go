// Package recorder assembles per-request records and ships them to the
// structured log off the request path. Finalised records are kept in a
// bounded ring for the /internal/logs endpoint.
package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pasoproxy/paso/internal/core/domain"
	"github.com/pasoproxy/paso/internal/core/ports"
	"github.com/pasoproxy/paso/internal/logger"
	"github.com/pasoproxy/paso/pkg/eventbus"
)

const (
	defaultRingSize     = 256
	defaultLogWorkers   = 2
	defaultLogQueueSize = 512
	flushPollInterval   = 10 * time.Millisecond
)

// Recorder implements ports.RequestRecorder. Log writes go through an
// eventbus worker pool so the hot path never blocks on I/O.
type Recorder struct {
	log logger.StyledLogger

	bus         *eventbus.EventBus[*domain.RequestRecord]
	workers     *eventbus.WorkerPool[*domain.RequestRecord]
	unsubscribe func()
	subCancel   context.CancelFunc

	mu   sync.Mutex
	ring []*domain.RequestRecord
	next int
	size int

	submitted atomic.Int64
	written   atomic.Int64

	shutdownOnce sync.Once
}

func New(log logger.StyledLogger) *Recorder {
	r := &Recorder{
		log:  log,
		bus:  eventbus.New[*domain.RequestRecord](),
		ring: make([]*domain.RequestRecord, defaultRingSize),
	}
	r.workers = eventbus.NewWorkerPool(r.bus, defaultLogWorkers, defaultLogQueueSize)

	subCtx, cancel := context.WithCancel(context.Background())
	r.subCancel = cancel
	events, unsub := r.bus.Subscribe(subCtx)
	r.unsubscribe = unsub
	go r.writeLoop(events)

	return r
}

var _ ports.RequestRecorder = (*Recorder)(nil)

func (r *Recorder) Begin(ctx context.Context, id, method, path string, headers map[string]string) ports.RequestLog {
	return &requestLog{
		recorder: r,
		record: &domain.RequestRecord{
			ID:      id,
			Method:  method,
			Path:    path,
			Headers: headers,
			Started: time.Now(),
		},
	}
}

// Recent returns up to limit finalised records, newest first.
func (r *Recorder) Recent(limit int) []*domain.RequestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]*domain.RequestRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.ring)) % len(r.ring)
		if r.ring[idx] == nil {
			break
		}
		out = append(out, r.ring[idx])
	}
	return out
}

// Flush blocks until every submitted record has been written, bounded by
// ctx.
func (r *Recorder) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()
	for {
		if r.written.Load() >= r.submitted.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown drains the log queue and stops the background writer.
func (r *Recorder) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.workers.Shutdown()
		r.unsubscribe()
		r.subCancel()
		r.bus.Shutdown()
	})
}

func (r *Recorder) finalize(record *domain.RequestRecord) {
	r.mu.Lock()
	r.ring[r.next] = record
	r.next = (r.next + 1) % len(r.ring)
	if r.size < len(r.ring) {
		r.size++
	}
	r.mu.Unlock()

	r.submitted.Add(1)
	if !r.workers.Submit(record) {
		// queue full or shutting down: write inline rather than lose it
		r.writeRecord(record)
	}
}

func (r *Recorder) writeLoop(events <-chan *domain.RequestRecord) {
	for record := range events {
		r.writeRecord(record)
	}
}

func (r *Recorder) writeRecord(record *domain.RequestRecord) {
	defer r.written.Add(1)

	duration := record.Finished.Sub(record.Started)
	args := []any{
		"id", record.ID,
		"method", record.Method,
		"path", record.Path,
		"model", record.Model,
		"key", record.KeyID,
		"status", record.Status,
		"outcome", string(record.Outcome),
		"bytes_out", record.BytesOut,
		"attempts", len(record.Attempts),
		"duration_ms", duration.Milliseconds(),
	}
	if record.Streamed {
		args = append(args, "streamed_chunks", record.StreamedChunks)
	}
	if record.QueuedFor > 0 {
		args = append(args, "queued_ms", record.QueuedFor.Milliseconds())
	}
	if record.Usage != nil {
		args = append(args, "total_tokens", record.Usage.TotalTokens)
	}

	switch record.Outcome {
	case domain.OutcomeSuccess:
		r.log.Info("request completed", args...)
	case domain.OutcomeCancelled:
		r.log.Warn("request cancelled", args...)
	default:
		r.log.Error("request failed", args...)
	}
}

// requestLog accumulates one record. Appends may race between the handler
// and transport goroutines, so every mutation takes the lock. Finalize is
// idempotent: the first outcome wins.
type requestLog struct {
	recorder *Recorder

	mu        sync.Mutex
	record    *domain.RequestRecord
	finalized bool
}

var _ ports.RequestLog = (*requestLog)(nil)

func (l *requestLog) SetRoute(route []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record.Route = route
}

func (l *requestLog) SetModel(model string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record.Model = model
}

func (l *requestLog) SetKeyID(keyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record.KeyID = keyID
}

func (l *requestLog) RecordAttempt(attempt domain.AttemptRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record.Attempts = append(l.record.Attempts, attempt)
}

func (l *requestLog) RecordError(event domain.ErrorEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record.Errors = append(l.record.Errors, event)
}

func (l *requestLog) RecordResponse(status int, headers map[string]string, body []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record.Status = status
	l.record.ResponseBody = body
	if !l.record.Streamed {
		l.record.BytesOut = int64(len(body))
	}
}

func (l *requestLog) RecordParsedResponse(body []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record.ParsedBody = body
	l.record.BytesOut = int64(len(body))
}

func (l *requestLog) RecordStreamChunk(chunk []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record.Streamed = true
	l.record.StreamedChunks++
	l.record.BytesOut += int64(len(chunk))
}

func (l *requestLog) RecordUsage(usage domain.UsageStats) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record.Usage = &usage
}

func (l *requestLog) SetQueuedFor(wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record.QueuedFor = wait
}

func (l *requestLog) Finalize(outcome domain.Outcome) {
	l.mu.Lock()
	if l.finalized {
		l.mu.Unlock()
		return
	}
	l.finalized = true
	l.record.Outcome = outcome
	l.record.Finished = time.Now()
	record := l.record
	l.mu.Unlock()

	l.recorder.finalize(record)
}
