// Package concurrency provides the bounded task pool bot pipelines fan out
// on, with at-most-one in-flight task per key.
package concurrency

import (
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"

	"gridbot/internal/core"
)

// PoolConfig holds sizing for a worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // If true, Submit() returns an error instead of blocking when full
}

// WorkerPool wraps alitto/pond with panic recovery and keyed submission.
// One tick's pipelines never stack on a slow bot: a key whose task is
// still queued or running rejects re-submission until the task finishes.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("Worker pool panic recovered", "pool", cfg.Name, "panic", p)
		}),
	)

	return &WorkerPool{
		pool:     pool,
		config:   cfg,
		logger:   logger.WithField("component", "worker_pool").WithField("pool", cfg.Name),
		inFlight: make(map[string]struct{}),
	}
}

// Submit adds a task to the pool.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool '%s' is full (capacity: %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}

	wp.pool.Submit(task)
	return nil
}

// SubmitKeyed schedules task unless another task with the same key is still
// queued or running, or the pool is saturated. It reports acceptance.
func (wp *WorkerPool) SubmitKeyed(key string, task func()) bool {
	wp.mu.Lock()
	if _, busy := wp.inFlight[key]; busy {
		wp.mu.Unlock()
		return false
	}
	wp.inFlight[key] = struct{}{}
	wp.mu.Unlock()

	accepted := wp.pool.TrySubmit(func() {
		defer wp.releaseKey(key)
		task()
	})
	if !accepted {
		wp.releaseKey(key)
	}
	return accepted
}

// InFlight reports whether a task with this key is queued or running.
func (wp *WorkerPool) InFlight(key string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	_, busy := wp.inFlight[key]
	return busy
}

func (wp *WorkerPool) releaseKey(key string) {
	wp.mu.Lock()
	delete(wp.inFlight, key)
	wp.mu.Unlock()
}

// SubmitAndWait submits a task and blocks until it completes.
func (wp *WorkerPool) SubmitAndWait(task func()) {
	done := make(chan struct{})
	wp.pool.Submit(func() {
		task()
		close(done)
	})
	<-done
}

// Stop drains queued tasks and stops the pool.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// Stats returns pool statistics.
func (wp *WorkerPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running_workers":  wp.pool.RunningWorkers(),
		"idle_workers":     wp.pool.IdleWorkers(),
		"submitted_tasks":  wp.pool.SubmittedTasks(),
		"waiting_tasks":    wp.pool.WaitingTasks(),
		"successful_tasks": wp.pool.SuccessfulTasks(),
		"failed_tasks":     wp.pool.FailedTasks(),
	}
}
