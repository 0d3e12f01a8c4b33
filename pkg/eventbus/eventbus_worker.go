package eventbus

import (
	"context"
	"sync"
)

// WorkerPool decouples event producers from the bus itself. Producers submit
// through a buffered channel and a fixed set of workers forward to the bus,
// so hot paths never pay the fan-out cost. Shutdown drains whatever is still
// queued before returning, which makes it usable as a flush barrier.
type WorkerPool[T any] struct {
	ctx       context.Context
	eventChan chan T
	bus       *EventBus[T]
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	workers   int
}

// NewWorkerPool creates a new worker pool for the event bus
func NewWorkerPool[T any](bus *EventBus[T], workers int, bufferSize int) *WorkerPool[T] {
	ctx, cancel := context.WithCancel(context.Background())
	wp := &WorkerPool[T]{
		eventChan: make(chan T, bufferSize),
		bus:       bus,
		workers:   workers,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}

	return wp
}

// Submit queues an event for async publishing. It never blocks; if the
// queue is full the event is dropped.
func (wp *WorkerPool[T]) Submit(event T) bool {
	select {
	case <-wp.ctx.Done():
		return false
	default:
	}

	select {
	case wp.eventChan <- event:
		return true
	default:
		return false
	}
}

func (wp *WorkerPool[T]) worker() {
	defer wp.wg.Done()
	for {
		select {
		case event, ok := <-wp.eventChan:
			if !ok {
				return
			}
			wp.bus.Publish(event)
		case <-wp.ctx.Done():
			// Drain remaining events so Shutdown acts as a flush
			for {
				select {
				case event, ok := <-wp.eventChan:
					if !ok {
						return
					}
					wp.bus.Publish(event)
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops accepting new events, drains the queue and waits for all
// workers to finish
func (wp *WorkerPool[T]) Shutdown() {
	wp.cancel()
	close(wp.eventChan)
	wp.wg.Wait()
}
