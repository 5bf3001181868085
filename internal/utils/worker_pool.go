package utils

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolStopped is returned when submitting to a pool that is not running
var ErrPoolStopped = errors.New("worker pool is not running")

// WorkerPool runs submitted work on a fixed number of goroutines.
// Submit blocks while every worker is busy and the queue is full.
type WorkerPool struct {
	workers   int
	workQueue chan func()
	stopCh    chan struct{}
	wg        sync.WaitGroup
	pending   sync.WaitGroup
	running   bool
	mu        sync.RWMutex
}

// NewWorkerPool creates a new worker pool with the specified number of workers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers:   workers,
		workQueue: make(chan func(), workers*2),
		stopCh:    make(chan struct{}),
	}
}

// Start begins processing work items. Calling it twice has no effect.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}
	wp.running = true

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop waits for queued work, then stops the workers
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.mu.Unlock()

	wp.pending.Wait()
	close(wp.stopCh)
	wp.wg.Wait()
}

// Submit queues work, blocking until there is room or ctx is done
func (wp *WorkerPool) Submit(ctx context.Context, work func()) error {
	wp.mu.RLock()
	if !wp.running {
		wp.mu.RUnlock()
		return ErrPoolStopped
	}
	wp.pending.Add(1)
	wp.mu.RUnlock()

	select {
	case wp.workQueue <- work:
		return nil
	case <-ctx.Done():
		wp.pending.Done()
		return ctx.Err()
	}
}

// Wait blocks until every submitted item has finished
func (wp *WorkerPool) Wait() {
	wp.pending.Wait()
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case work := <-wp.workQueue:
			if work != nil {
				work()
			}
			wp.pending.Done()
		case <-wp.stopCh:
			return
		}
	}
}
