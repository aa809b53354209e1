package worker

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrPoolStopped = errors.New("worker pool stopped")
	ErrQueueFull   = errors.New("worker pool queue full")
)

// Pool runs submitted jobs on a fixed number of goroutines. A panicking job
// is logged and does not take its worker down.
type Pool struct {
	jobs    chan func()
	workers int
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewPool(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		jobs:    make(chan func(), queueSize),
		workers: workers,
		logger:  logger,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.jobs)))
}

func (p *Pool) run(workerID int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.execute(workerID, job)
	}
}

func (p *Pool) execute(workerID int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker job panicked", zap.Int("worker", workerID), zap.Any("panic", r), zap.Stack("stacktrace"))
		}
	}()
	job()
}

// Submit queues job, blocking while the queue is full.
func (p *Pool) Submit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	p.jobs <- job
	return nil
}

// TrySubmit queues job without blocking. It returns ErrQueueFull when the
// queue has no room.
func (p *Pool) TrySubmit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects new jobs, lets the queued ones finish and waits for the
// workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}
