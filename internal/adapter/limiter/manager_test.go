package limiter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasoproxy/paso/internal/core/domain"
	"github.com/pasoproxy/paso/internal/core/ports"
	"github.com/pasoproxy/paso/internal/logger"
)

func newTestManager() *Manager {
	log := logger.NewPlainStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	m := NewManager(log)
	m.waitSlice = 10 * time.Millisecond
	return m
}

func TestAcquire_UnderLimitIsImmediate(t *testing.T) {
	m := newTestManager()

	slot, err := m.Acquire(context.Background(), "k", 2, 100, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), slot.WaitTime())
	assert.Equal(t, 1, m.ActiveCount("k"))

	slot.Release()
	assert.Equal(t, 0, m.ActiveCount("k"))
}

func TestAcquire_UncappedKeyNeverQueues(t *testing.T) {
	m := newTestManager()

	var slots []ports.ConcurrencySlot
	for i := 0; i < 50; i++ {
		slot, err := m.Acquire(context.Background(), "k", 0, 100, time.Millisecond, nil)
		require.NoError(t, err)
		slots = append(slots, slot)
	}
	assert.Equal(t, 50, m.ActiveCount("k"))
	for _, s := range slots {
		s.Release()
	}
	assert.Equal(t, 0, m.ActiveCount("k"))
}

func TestRelease_IsIdempotent(t *testing.T) {
	m := newTestManager()

	slot, err := m.Acquire(context.Background(), "k", 1, 100, time.Second, nil)
	require.NoError(t, err)

	slot.Release()
	slot.Release()
	assert.Equal(t, 0, m.ActiveCount("k"))

	// a second acquire still works after the double release
	again, err := m.Acquire(context.Background(), "k", 1, 100, time.Second, nil)
	require.NoError(t, err)
	again.Release()
}

func TestAcquire_QueueTimeout(t *testing.T) {
	m := newTestManager()

	holder, err := m.Acquire(context.Background(), "k", 1, 100, time.Second, nil)
	require.NoError(t, err)
	defer holder.Release()

	_, err = m.Acquire(context.Background(), "k", 1, 100, 50*time.Millisecond, nil)
	var timeoutErr *domain.QueueTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "k", timeoutErr.KeyID)
}

func TestAcquire_DisconnectWhileQueued(t *testing.T) {
	m := newTestManager()

	holder, err := m.Acquire(context.Background(), "k", 1, 100, time.Second, nil)
	require.NoError(t, err)
	defer holder.Release()

	_, err = m.Acquire(context.Background(), "k", 1, 100, time.Second, func() bool { return true })
	var disconnected *domain.ClientDisconnectedError
	require.ErrorAs(t, err, &disconnected)
}

func TestAcquire_ContextCancelWhileQueued(t *testing.T) {
	m := newTestManager()

	holder, err := m.Acquire(context.Background(), "k", 1, 100, time.Second, nil)
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = m.Acquire(ctx, "k", 1, 100, time.Minute, nil)
	var disconnected *domain.ClientDisconnectedError
	require.ErrorAs(t, err, &disconnected)
}

// Scenario from the design docs: limit 1, holder active, then A(100),
// B(10), C(100) queue up. Wakes must be B, A, C: strict priority first,
// FIFO within equal priority.
func TestQueue_PriorityThenFIFO(t *testing.T) {
	m := newTestManager()

	holder, err := m.Acquire(context.Background(), "k", 1, 100, time.Second, nil)
	require.NoError(t, err)

	type result struct {
		name string
		slot ports.ConcurrencySlot
	}
	results := make(chan result, 3)
	var wg sync.WaitGroup

	depthBefore := 0
	for _, entry := range []struct {
		name     string
		priority int
	}{{"A", 100}, {"B", 10}, {"C", 100}} {
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, aerr := m.Acquire(context.Background(), "k", 1, entry.priority, 5*time.Second, nil)
			require.NoError(t, aerr)
			results <- result{entry.name, slot}
		}()
		depthBefore++
		require.Eventually(t, func() bool { return m.QueueDepth() == depthBefore }, time.Second, time.Millisecond)
	}

	var order []string
	holder.Release()
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			order = append(order, r.name)
			r.slot.Release()
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never woke; got %v", i, order)
		}
	}
	wg.Wait()

	assert.Equal(t, []string{"B", "A", "C"}, order)
}

// The active count always equals the id-set size and never exceeds the
// limit, even under churn.
func TestSlotAccounting_UnderChurn(t *testing.T) {
	m := newTestManager()
	const limit = 3
	const workers = 20

	var wg sync.WaitGroup
	violations := make(chan int, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := m.Acquire(context.Background(), "k", limit, 100, 5*time.Second, nil)
			if err != nil {
				return
			}
			if active := m.ActiveCount("k"); active > limit {
				violations <- active
			}
			time.Sleep(time.Millisecond)
			slot.Release()
		}()
	}
	wg.Wait()
	close(violations)

	for over := range violations {
		t.Errorf("active count %d exceeded limit %d", over, limit)
	}
	assert.Equal(t, 0, m.ActiveCount("k"))
	assert.Equal(t, 0, m.QueueDepth())
}

func TestKeysAreIsolated(t *testing.T) {
	m := newTestManager()

	a, err := m.Acquire(context.Background(), "a", 1, 100, time.Second, nil)
	require.NoError(t, err)
	defer a.Release()

	// key b has its own budget, so this must not queue
	b, err := m.Acquire(context.Background(), "b", 1, 100, 50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), b.WaitTime())
	b.Release()
}

func TestLimitIsRefreshedOnAcquire(t *testing.T) {
	m := newTestManager()

	first, err := m.Acquire(context.Background(), "k", 1, 100, time.Second, nil)
	require.NoError(t, err)
	defer first.Release()

	// hot reload raised the limit: the next acquire sees capacity
	second, err := m.Acquire(context.Background(), "k", 2, 100, 50*time.Millisecond, nil)
	require.NoError(t, err)
	second.Release()
}

func TestQueueDepth_CompactsTombstones(t *testing.T) {
	m := newTestManager()
	m.compactThreshold = 10

	holder, err := m.Acquire(context.Background(), "k", 1, 100, time.Second, nil)
	require.NoError(t, err)
	defer holder.Release()

	// pile up abandoned waiters
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, aerr := m.Acquire(context.Background(), "k", 1, 100, time.Millisecond, nil)
			var timeout *domain.QueueTimeoutError
			if !errors.As(aerr, &timeout) {
				t.Errorf("expected queue timeout, got %v", aerr)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, m.QueueDepth())
	m.mu.Lock()
	heapLen := len(m.queue)
	m.mu.Unlock()
	assert.LessOrEqual(t, heapLen, m.compactThreshold)
}
