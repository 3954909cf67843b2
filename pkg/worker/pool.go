// Package worker provides a bounded worker pool with non-blocking submission.
//
// The mutation ingestor runs on a Pool: NATS callbacks submit decoded
// requests and shed load with ErrQueueFull instead of blocking the
// subscription dispatcher.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("worker queue full")
	// ErrNotStarted is returned by Submit before Start.
	ErrNotStarted = errors.New("worker pool not started")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("worker pool stopped")
	// ErrStopTimeout is returned when workers do not drain in time.
	ErrStopTimeout = errors.New("worker pool stop timeout")
)

// Handler processes one queued item. The context is the pool's run context;
// handlers should return promptly when it is cancelled.
type Handler[T any] func(ctx context.Context, item T)

// Pool fans queued items out to a fixed set of workers.
type Pool[T any] struct {
	name    string
	workers int
	queue   chan T
	handler Handler[T]

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// closeMu serializes Submit against the queue close in Stop.
	closeMu sync.RWMutex

	processed atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a pool. workers and queueSize are clamped to at least 1.
func New[T any](name string, workers, queueSize int, handler Handler[T]) *Pool[T] {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool[T]{
		name:    name,
		workers: workers,
		queue:   make(chan T, queueSize),
		handler: handler,
	}
}

// Name returns the pool name used in logs and metrics labels.
func (p *Pool[T]) Name() string {
	return p.name
}

// Start launches the workers. Starting twice is an error.
func (p *Pool[T]) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("worker pool already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(runCtx)
	}
	return nil
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.handler(ctx, item)
			p.processed.Add(1)
		}
	}
}

// Submit enqueues an item without blocking.
func (p *Pool[T]) Submit(item T) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.stopped.Load() {
		return ErrStopped
	}
	if !p.started.Load() {
		return ErrNotStarted
	}

	select {
	case p.queue <- item:
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Stop drains the queue and waits up to timeout for workers to exit.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	if !p.started.Load() {
		return nil
	}
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}

	p.closeMu.Lock()
	close(p.queue)
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return ErrStopTimeout
	}
}

// Queued returns the current queue depth.
func (p *Pool[T]) Queued() int {
	return len(p.queue)
}

// Processed returns the number of items handled since Start.
func (p *Pool[T]) Processed() uint64 {
	return p.processed.Load()
}

// Rejected returns the number of submissions shed with ErrQueueFull.
func (p *Pool[T]) Rejected() uint64 {
	return p.rejected.Load()
}
