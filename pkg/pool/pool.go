package pool

// Pool is a strongly typed wrapper around sync.Pool with optional Reset()
// support. Objects returned from Get() are always the correct type, so
// callers never deal with interface{} assertions. If the pooled type
// implements Resettable it is zeroed on Put() before being recycled.
//
// Example:
//   type scratch struct{ buf []byte }
//   func (s *scratch) Reset() { s.buf = s.buf[:0] }
//
//   p, err := pool.New(func() *scratch { return &scratch{} })
//   if err != nil { ... }
//
//   s := p.Get()
//   defer p.Put(s)

import (
	"fmt"
	"sync"
)

type Resettable interface {
	Reset()
}

type Pool[T any] struct {
	pool sync.Pool
	new  func() T
}

func New[T any](newFn func() T) (*Pool[T], error) {
	if newFn == nil {
		return nil, fmt.Errorf("pool: constructor must not be nil")
	}
	// Validate early that the result is non-nil
	probe := newFn()
	if any(probe) == nil {
		return nil, fmt.Errorf("pool: constructor returned nil")
	}

	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				v := newFn()
				if any(v) == nil {
					// Should be unreachable after the validation above
					panic("pool: constructor returned nil during runtime")
				}
				return v
			},
		},
		new: newFn,
	}, nil
}

func (p *Pool[T]) Get() T {
	//nolint:forcetypeassert // safe due to validated New
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(v T) {
	if r, ok := any(v).(Resettable); ok {
		r.Reset()
	}
	p.pool.Put(v)
}
