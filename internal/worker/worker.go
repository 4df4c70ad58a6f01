package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a function that represents a background job
type Task func(ctx context.Context) error

type WorkerPool struct {
	taskQueue chan Task
	wg        sync.WaitGroup
	mu        sync.RWMutex // guards sends against close
	isClosing atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	logger    zerolog.Logger
}

func NewWorkerPool(size, queueSize int, logger zerolog.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if queueSize < 1 {
		queueSize = 1000 // Buffer for 1000 pending tasks
	}
	ctx, cancel := context.WithCancel(context.Background())
	wp := &WorkerPool{
		taskQueue: make(chan Task, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	// Start the workers
	for range size {
		wp.wg.Add(1)
		go wp.startWorker()
	}

	return wp
}

func (wp *WorkerPool) startWorker() {
	defer wp.wg.Done() // signal when worker finished
	for task := range wp.taskQueue {
		if err := task(wp.ctx); err != nil {
			wp.logger.Warn().Err(err).Msg("Worker task failed")
		}
	}
}

// Submit queues t and reports whether it was accepted. Tasks are dropped
// when the pool is shutting down or the queue is full.
func (wp *WorkerPool) Submit(t Task) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.isClosing.Load() {
		wp.logger.Warn().Msg("Task submitted during shutdown, dropping")
		return false
	}
	select {
	case wp.taskQueue <- t:
		return true
	default:
		wp.logger.Warn().Msg("Task queue full, dropping task")
		return false
	}
}

// Shutdown closes the queue and waits for workers to drain it. When ctx
// ends first, running tasks see their context cancelled and Shutdown
// returns ctx.Err().
func (wp *WorkerPool) Shutdown(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.isClosing.Swap(true) {
		close(wp.taskQueue) // Stop accepting new tasks
	}
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		return nil
	case <-ctx.Done():
		wp.cancel()
		return ctx.Err()
	}
}
