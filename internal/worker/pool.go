// Package worker provides the bounded fire-and-forget pool used for work
// that must never delay a response: tier-2 cache writes, usage logging.
// When the queue is full the task is dropped and counted, never blocked on.
package worker

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Pool runs submitted tasks on a fixed set of goroutines.
type Pool struct {
	mu        sync.RWMutex // guards tasks against Submit/Close races
	tasks     chan func()
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    bool
	dropped   atomic.Uint64
	executed  atomic.Uint64
	logger    zerolog.Logger
}

// New starts a pool with the given worker count and queue depth.
func New(workers, queueDepth int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	p := &Pool{
		tasks:  make(chan func(), queueDepth),
		logger: logger.With().Str("component", "worker").Logger(),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error().Interface("panic", r).Msg("async task panicked")
				}
			}()
			task()
		}()
		p.executed.Add(1)
	}
}

// Submit enqueues a task without blocking. Returns false if the task was
// shed because the queue was full or the pool closed.
func (p *Pool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		n := p.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			p.logger.Warn().Uint64("dropped", n).Msg("async queue full, shedding task")
		}
		return false
	}
}

// Dropped reports how many tasks were shed.
func (p *Pool) Dropped() uint64 { return p.dropped.Load() }

// Executed reports how many tasks completed.
func (p *Pool) Executed() uint64 { return p.executed.Load() }

// Close stops accepting tasks, drains the queue and waits for workers.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
		p.wg.Wait()
	})
}
