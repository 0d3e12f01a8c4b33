// Package limiter enforces per-key concurrency limits with one global
// priority queue. Requests over their key's limit wait in
// (priority, enqueue time) order; releasing a slot wakes the best waiter
// for the same key. Cancelled waiters stay in the heap as tombstones and
// are compacted lazily.
package limiter

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pasoproxy/paso/internal/core/constants"
	"github.com/pasoproxy/paso/internal/core/domain"
	"github.com/pasoproxy/paso/internal/core/ports"
	"github.com/pasoproxy/paso/internal/logger"
)

type queuedRequest struct {
	enqueued  time.Time
	ready     chan struct{}
	requestID string
	keyID     string
	priority  int
	seq       uint64
	index     int // heap bookkeeping
	cancelled bool
	woken     bool
}

// keyRecord tracks one key's budget. limit and priority are refreshed on
// every Acquire so config reloads take effect without draining traffic.
type keyRecord struct {
	active   map[string]struct{}
	limit    int
	priority int

	totalAcquired uint64
	totalQueued   uint64
	totalTimeouts uint64
}

// Manager implements ports.ConcurrencyManager. One mutex guards all state;
// it is never held while a waiter sleeps.
type Manager struct {
	log logger.StyledLogger

	mu      sync.Mutex
	keys    map[string]*keyRecord
	queue   requestHeap
	pending map[string]*queuedRequest
	seq     uint64

	waitSlice        time.Duration
	compactThreshold int
}

func NewManager(log logger.StyledLogger) *Manager {
	return &Manager{
		log:              log,
		keys:             make(map[string]*keyRecord),
		pending:          make(map[string]*queuedRequest),
		waitSlice:        constants.DefaultQueueWaitSlice,
		compactThreshold: constants.DefaultQueueCompactThreshold,
	}
}

var _ ports.ConcurrencyManager = (*Manager)(nil)

// Acquire obtains one unit of the key's budget, queueing when the key is at
// its limit. The wait is sliced so the deadline and the disconnect checker
// are re-examined at least every waitSlice.
func (m *Manager) Acquire(ctx context.Context, keyID string, limit, priority int, timeout time.Duration, disconnected ports.DisconnectChecker) (ports.ConcurrencySlot, error) {
	requestID := uuid.NewString()

	m.mu.Lock()
	rec := m.resolveKeyLocked(keyID, limit, priority)

	if rec.limit <= 0 || len(rec.active) < rec.limit {
		rec.active[requestID] = struct{}{}
		rec.totalAcquired++
		m.mu.Unlock()
		return &slot{manager: m, keyID: keyID, requestID: requestID}, nil
	}

	qr := &queuedRequest{
		priority:  priority,
		enqueued:  time.Now(),
		seq:       m.nextSeqLocked(),
		requestID: requestID,
		keyID:     keyID,
		ready:     make(chan struct{}),
	}
	heap.Push(&m.queue, qr)
	m.pending[requestID] = qr
	rec.totalQueued++
	queueDepth := len(m.queue)
	m.mu.Unlock()

	m.log.Debug("Request queued for concurrency slot",
		"key", keyID, "priority", priority, "queue_depth", queueDepth)

	deadline := time.Now().Add(timeout)
	for {
		slice := m.waitSlice
		if remaining := time.Until(deadline); remaining < slice {
			slice = remaining
		}
		if slice < 0 {
			slice = 0
		}

		timer := time.NewTimer(slice)
		select {
		case <-qr.ready:
			timer.Stop()
			return &slot{
				manager:   m,
				keyID:     keyID,
				requestID: requestID,
				waited:    time.Since(qr.enqueued),
			}, nil

		case <-ctx.Done():
			timer.Stop()
			m.abandon(qr, false)
			return nil, &domain.ClientDisconnectedError{RequestID: requestID}

		case <-timer.C:
			if disconnected != nil && disconnected() {
				m.abandon(qr, false)
				return nil, &domain.ClientDisconnectedError{RequestID: requestID}
			}
			if !time.Now().Before(deadline) {
				m.abandon(qr, true)
				return nil, &domain.QueueTimeoutError{KeyID: keyID, Waited: time.Since(qr.enqueued)}
			}
		}
	}
}

// abandon tombstones a queued request. If a release already granted it a
// slot in the meantime, the grant is handed straight back.
func (m *Manager) abandon(qr *queuedRequest, timedOut bool) {
	m.mu.Lock()
	if qr.woken {
		m.mu.Unlock()
		m.release(qr.keyID, qr.requestID)
		return
	}
	qr.cancelled = true
	delete(m.pending, qr.requestID)
	if timedOut {
		if rec, ok := m.keys[qr.keyID]; ok {
			rec.totalTimeouts++
		}
	}
	m.mu.Unlock()
}

// release returns one unit to the key and wakes the best waiter for it.
// Idempotent: releasing an unknown request id is a no-op.
func (m *Manager) release(keyID, requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.keys[keyID]
	if !ok {
		return
	}
	if _, held := rec.active[requestID]; !held {
		return
	}
	delete(rec.active, requestID)
	m.wakeNextLocked(keyID, rec)
}

// wakeNextLocked grants the freed capacity to the highest-priority live
// waiter for the key, charging the key before the waiter runs so the limit
// is never transiently exceeded.
func (m *Manager) wakeNextLocked(keyID string, rec *keyRecord) {
	if rec.limit > 0 && len(rec.active) >= rec.limit {
		return
	}

	var best *queuedRequest
	for _, qr := range m.queue {
		if qr.cancelled || qr.woken || qr.keyID != keyID {
			continue
		}
		if best == nil || qr.less(best) {
			best = qr
		}
	}
	if best == nil {
		return
	}

	rec.active[best.requestID] = struct{}{}
	rec.totalAcquired++
	best.woken = true
	delete(m.pending, best.requestID)
	close(best.ready)
}

// QueueDepth reports live queued requests and opportunistically compacts
// tombstones once the heap outgrows the threshold.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := 0
	for _, qr := range m.queue {
		if !qr.cancelled && !qr.woken {
			live++
		}
	}

	if len(m.queue) > m.compactThreshold && live < len(m.queue) {
		m.compactLocked()
	}
	return live
}

func (m *Manager) ActiveCount(keyID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[keyID]
	if !ok {
		return 0
	}
	return len(rec.active)
}

func (m *Manager) compactLocked() {
	kept := make(requestHeap, 0, len(m.queue))
	for _, qr := range m.queue {
		if !qr.cancelled && !qr.woken {
			kept = append(kept, qr)
		}
	}
	m.queue = kept
	heap.Init(&m.queue)
}

func (m *Manager) resolveKeyLocked(keyID string, limit, priority int) *keyRecord {
	rec, ok := m.keys[keyID]
	if !ok {
		rec = &keyRecord{active: make(map[string]struct{})}
		m.keys[keyID] = rec
	}
	rec.limit = limit
	rec.priority = priority
	return rec
}

func (m *Manager) nextSeqLocked() uint64 {
	m.seq++
	return m.seq
}

// slot is one unit of a key's budget. Release is idempotent.
type slot struct {
	manager   *Manager
	keyID     string
	requestID string
	waited    time.Duration
	once      sync.Once
}

func (s *slot) Release() {
	s.once.Do(func() {
		s.manager.release(s.keyID, s.requestID)
	})
}

func (s *slot) WaitTime() time.Duration {
	return s.waited
}

// requestHeap orders by (priority, enqueue time, seq); lower priority value
// wins, ties broken by earlier arrival.
type requestHeap []*queuedRequest

func (q *queuedRequest) less(other *queuedRequest) bool {
	if q.priority != other.priority {
		return q.priority < other.priority
	}
	if !q.enqueued.Equal(other.enqueued) {
		return q.enqueued.Before(other.enqueued)
	}
	return q.seq < other.seq
}

func (h requestHeap) Len() int            { return len(h) }
func (h requestHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h requestHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *requestHeap) Push(x interface{}) {
	qr := x.(*queuedRequest)
	qr.index = len(*h)
	*h = append(*h, qr)
}
func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	qr := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qr
}
