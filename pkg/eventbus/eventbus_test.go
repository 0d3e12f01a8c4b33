package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type requestEvent struct {
	ID     string
	Status int
}

func TestEventBus_BasicPubSub(t *testing.T) {
	bus := New[requestEvent]()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup := bus.Subscribe(ctx)
	defer cleanup()

	want := requestEvent{ID: "alpine_crossing_0001", Status: 200}
	delivered := bus.Publish(want)

	if delivered != 1 {
		t.Errorf("Expected 1 delivery, got %d", delivered)
	}

	select {
	case got := <-events:
		if got.ID != want.ID || got.Status != want.Status {
			t.Errorf("Event mismatch: expected %+v, got %+v", want, got)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for event")
	}
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	bus := New[requestEvent]()
	defer bus.Shutdown()

	ctx := context.Background()
	numSubscribers := 5
	var subscribers []<-chan requestEvent
	var cleanups []func()

	for i := 0; i < numSubscribers; i++ {
		events, cleanup := bus.Subscribe(ctx)
		subscribers = append(subscribers, events)
		cleanups = append(cleanups, cleanup)
	}
	defer func() {
		for _, cleanup := range cleanups {
			cleanup()
		}
	}()

	want := requestEvent{ID: "misty_ascending_002a", Status: 502}
	delivered := bus.Publish(want)

	if delivered != numSubscribers {
		t.Errorf("Expected %d deliveries, got %d", numSubscribers, delivered)
	}

	for i, events := range subscribers {
		select {
		case got := <-events:
			if got.ID != want.ID {
				t.Errorf("Subscriber %d: expected ID %s, got %s", i, want.ID, got.ID)
			}
		case <-time.After(time.Second):
			t.Errorf("Subscriber %d: timeout waiting for event", i)
		}
	}
}

func TestEventBus_ContextCancellation(t *testing.T) {
	bus := New[requestEvent]()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	events, cleanup := bus.Subscribe(ctx)
	defer cleanup()

	cancel()

	// Give the unsubscribe goroutine a moment to run
	time.Sleep(50 * time.Millisecond)

	delivered := bus.Publish(requestEvent{ID: "late", Status: 200})
	if delivered != 0 {
		t.Errorf("Expected 0 deliveries after cancellation, got %d", delivered)
	}

	// Channel should be closed
	select {
	case _, ok := <-events:
		if ok {
			t.Error("Expected closed channel after context cancellation")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for channel close")
	}
}

func TestEventBus_CleanupFunction(t *testing.T) {
	bus := New[requestEvent]()
	defer bus.Shutdown()

	events, cleanup := bus.Subscribe(context.Background())
	cleanup()

	delivered := bus.Publish(requestEvent{ID: "after-cleanup", Status: 200})
	if delivered != 0 {
		t.Errorf("Expected 0 deliveries after cleanup, got %d", delivered)
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Error("Expected closed channel after cleanup")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for channel close")
	}
}

func TestEventBus_BackpressureDropsEvents(t *testing.T) {
	bus := NewWithConfig[requestEvent](Config{
		BufferSize:      2,
		CleanupPeriod:   0,
		InactiveTimeout: time.Minute,
	})
	defer bus.Shutdown()

	_, cleanup := bus.Subscribe(context.Background())
	defer cleanup()

	// Fill the buffer and then some; nobody is reading
	for i := 0; i < 5; i++ {
		bus.Publish(requestEvent{ID: "flood", Status: 200})
	}

	stats := bus.Stats()
	if stats.TotalDropped != 3 {
		t.Errorf("Expected 3 dropped events, got %d", stats.TotalDropped)
	}
}

func TestEventBus_PublishAfterShutdown(t *testing.T) {
	bus := New[requestEvent]()
	bus.Shutdown()

	delivered := bus.Publish(requestEvent{ID: "too-late", Status: 200})
	if delivered != 0 {
		t.Errorf("Expected 0 deliveries after shutdown, got %d", delivered)
	}
}

func TestEventBus_SubscribeAfterShutdown(t *testing.T) {
	bus := New[requestEvent]()
	bus.Shutdown()

	events, cleanup := bus.Subscribe(context.Background())
	defer cleanup()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("Expected closed channel when subscribing after shutdown")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for closed channel")
	}
}

func TestEventBus_ShutdownIdempotent(t *testing.T) {
	bus := New[requestEvent]()
	bus.Shutdown()
	bus.Shutdown() // must not panic

	stats := bus.Stats()
	if !stats.IsShutdown {
		t.Error("Expected IsShutdown to be true")
	}
}

func TestEventBus_Stats(t *testing.T) {
	bus := New[requestEvent]()
	defer bus.Shutdown()

	ctx := context.Background()
	_, cleanup1 := bus.Subscribe(ctx)
	defer cleanup1()
	_, cleanup2 := bus.Subscribe(ctx)

	stats := bus.Stats()
	if stats.TotalSubscribers != 2 {
		t.Errorf("Expected 2 subscribers, got %d", stats.TotalSubscribers)
	}
	if stats.ActiveSubscribers != 2 {
		t.Errorf("Expected 2 active subscribers, got %d", stats.ActiveSubscribers)
	}

	cleanup2()
	stats = bus.Stats()
	if stats.TotalSubscribers != 1 {
		t.Errorf("Expected 1 subscriber after cleanup, got %d", stats.TotalSubscribers)
	}
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	bus := NewWithConfig[requestEvent](Config{
		BufferSize:      1000,
		CleanupPeriod:   0,
		InactiveTimeout: time.Minute,
	})
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup := bus.Subscribe(ctx)
	defer cleanup()

	var received atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range events {
			received.Add(1)
		}
	}()

	const publishers = 10
	const perPublisher = 50

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				bus.Publish(requestEvent{ID: "concurrent", Status: 200})
			}
		}()
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for received.Load() < publishers*perPublisher {
		select {
		case <-deadline:
			t.Fatalf("Expected %d events, got %d", publishers*perPublisher, received.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
