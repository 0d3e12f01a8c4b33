package eventbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_SubmitDelivers(t *testing.T) {
	bus := New[requestEvent]()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup := bus.Subscribe(ctx)
	defer cleanup()

	wp := NewWorkerPool(bus, 2, 16)
	defer wp.Shutdown()

	if !wp.Submit(requestEvent{ID: "queued", Status: 200}) {
		t.Fatal("Expected Submit to accept the event")
	}

	select {
	case got := <-events:
		if got.ID != "queued" {
			t.Errorf("Expected ID 'queued', got %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for event")
	}
}

func TestWorkerPool_ShutdownDrainsQueue(t *testing.T) {
	bus := NewWithConfig[requestEvent](Config{
		BufferSize:      100,
		CleanupPeriod:   0,
		InactiveTimeout: time.Minute,
	})
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup := bus.Subscribe(ctx)
	defer cleanup()

	var received atomic.Int64
	go func() {
		for range events {
			received.Add(1)
		}
	}()

	wp := NewWorkerPool(bus, 1, 100)
	const total = 50
	for i := 0; i < total; i++ {
		if !wp.Submit(requestEvent{ID: "drain", Status: 200}) {
			t.Fatalf("Submit %d rejected", i)
		}
	}

	wp.Shutdown()

	deadline := time.After(2 * time.Second)
	for received.Load() < total {
		select {
		case <-deadline:
			t.Fatalf("Expected %d events after drain, got %d", total, received.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	bus := New[requestEvent]()
	defer bus.Shutdown()

	wp := NewWorkerPool(bus, 1, 4)
	wp.Shutdown()

	if wp.Submit(requestEvent{ID: "rejected", Status: 200}) {
		t.Error("Expected Submit to reject events after shutdown")
	}
}

func TestWorkerPool_FullQueueRejects(t *testing.T) {
	bus := New[requestEvent]()
	defer bus.Shutdown()

	// No subscribers and a single stalled worker; queue of 1 fills fast
	wp := NewWorkerPool(bus, 0, 1)
	defer wp.Shutdown()

	if !wp.Submit(requestEvent{ID: "first", Status: 200}) {
		t.Fatal("Expected first Submit to succeed")
	}
	if wp.Submit(requestEvent{ID: "second", Status: 200}) {
		t.Error("Expected second Submit to be rejected when queue is full")
	}
}
