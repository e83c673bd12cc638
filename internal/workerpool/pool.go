package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/sessionguard/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of background work. ctx is cancelled when the pool
// shuts down.
type Task func(ctx context.Context)

// Pool runs best-effort background tasks (teardown notifications to the
// session authority) on a fixed number of goroutines so they never block
// the caller.
type Pool struct {
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Context is cancelled once Shutdown has drained or given up.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit enqueues a task. Returns false if the pool is stopped or the
// queue is full. wg.Add happens before the enqueue so Shutdown cannot
// miss it.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected")
		return false
	}
}

// Shutdown stops accepting work and waits for queued tasks until ctx
// expires, then cancels the pool context and releases the workers.
func (p *Pool) Shutdown(ctx context.Context) {
	p.accepting.Store(false)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
	}

	p.cancel()
	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.runTask(task)
	}
}

// runTask executes a single task with panic recovery. wg.Done matches the
// wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}
