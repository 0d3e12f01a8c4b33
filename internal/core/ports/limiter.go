package ports

import (
	"context"
	"time"
)

// DisconnectChecker reports whether the client has gone away. Polled while
// queued and between stream chunks so abandoned requests stop consuming
// slots and upstream bandwidth.
type DisconnectChecker func() bool

// ConcurrencySlot is one unit of a key's concurrency budget. Release is
// idempotent and must be called exactly once per successful Acquire on
// every exit path.
type ConcurrencySlot interface {
	Release()
	WaitTime() time.Duration
}

// ConcurrencyManager enforces per-key active limits with a global priority
// queue. Requests over the limit wait in (priority, enqueue time) order;
// releasing a slot wakes the best waiter for the same key.
type ConcurrencyManager interface {
	Acquire(ctx context.Context, keyID string, limit, priority int, timeout time.Duration, disconnected DisconnectChecker) (ConcurrencySlot, error)

	// QueueDepth returns the number of live queued requests (tombstones
	// excluded) and may compact the queue as a side effect.
	QueueDepth() int

	// ActiveCount returns the in-flight count for a key.
	ActiveCount(keyID string) int
}
