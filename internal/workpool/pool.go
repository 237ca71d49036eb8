// Package workpool runs fire-and-forget tasks on a fixed set of workers with a
// bounded backlog. When the backlog is full the task runs on the submitting
// goroutine instead of being dropped.
package workpool

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/replicasync/internal/logging"
	"github.com/fruitsalade/replicasync/internal/metrics"
)

// Pool is a bounded worker pool with caller-runs overflow.
type Pool struct {
	name    string
	workers int
	queue   chan func()
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// New creates a pool and starts its workers. backlog may be zero, in which
// case a task is accepted only when a worker is idle.
func New(name string, workers, backlog int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	p := &Pool{
		name:    name,
		workers: workers,
		queue:   make(chan func(), backlog),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	logging.Info("worker pool started",
		zap.String("pool", name),
		zap.Int("workers", workers),
		zap.Int("backlog", backlog))
	return p
}

// Submit hands task to a worker. It returns false when the task ran inline on
// the caller, either because the backlog was full or the pool is stopped.
func (p *Pool) Submit(task func()) bool {
	p.mu.RLock()
	if !p.stopped {
		select {
		case p.queue <- task:
			metrics.SetPoolQueueDepth(p.name, len(p.queue))
			p.mu.RUnlock()
			return true
		default:
		}
	}
	p.mu.RUnlock()

	metrics.RecordPoolInline(p.name)
	logging.Debug("worker pool saturated, running task inline", zap.String("pool", p.name))
	p.run(task)
	return false
}

// Stop stops accepting tasks, drains the backlog and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	logging.Info("worker pool stopped", zap.String("pool", p.name))
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		metrics.SetPoolQueueDepth(p.name, len(p.queue))
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("worker pool task panicked",
				zap.String("pool", p.name),
				zap.Any("panic", r))
		}
	}()
	task()
}
