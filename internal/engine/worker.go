package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of RunPool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a run is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("run pool is shut down")

// RunPool bounds how many transport calls are in flight across all nodes.
type RunPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	done   chan struct{}
	closed bool

	active, completed, failed, panics atomic.Int64
}

// NewRunPool creates a pool allowing size concurrent runs (minimum 1).
func NewRunPool(size int) *RunPool {
	return &RunPool{
		sem:  make(chan struct{}, max(size, 1)),
		done: make(chan struct{}),
	}
}

// Submit starts fn on its own goroutine once a slot is free. It blocks while
// the pool is full and gives up when ctx is cancelled or the pool shuts down.
func (p *RunPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot miss this run.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go p.run(ctx, fn)
	return nil
}

func (p *RunPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		<-p.sem
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func (p *RunPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every submitted run has returned.
func (p *RunPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new runs and waits for in-flight ones. Idempotent.
func (p *RunPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns the current counters.
func (p *RunPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
