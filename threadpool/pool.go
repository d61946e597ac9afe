// ABOUTME: Bounded goroutine pool for running background heap tasks
// ABOUTME: Queues tasks beyond the worker limit and drains them on shutdown

package threadpool

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

var (
	// ErrClosed is reported when a task is submitted after Shutdown
	ErrClosed = errors.New("thread pool is shut down")
)

// Task is a unit of background work
type Task interface {
	Run()
}

// Pool runs tasks on at most maxWorkers goroutines
type Pool struct {
	mu         sync.Mutex
	maxWorkers int
	workers    int
	queue      []Task
	closed     bool
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// New creates a pool. maxWorkers < 1 is treated as 1. A nil logger
// discards output.
func New(maxWorkers int, logger *slog.Logger) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		maxWorkers: maxWorkers,
		logger:     logger,
	}
}

// Run schedules t. It returns false if the pool has been shut down.
func (p *Pool) Run(t Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn("task rejected by closed pool")
		return false
	}
	if p.workers < p.maxWorkers {
		p.workers++
		p.wg.Add(1)
		go p.worker(t)
		return true
	}
	p.queue = append(p.queue, t)
	return true
}

func (p *Pool) worker(t Task) {
	defer p.wg.Done()
	for t != nil {
		t.Run()
		t = p.dequeue()
	}
}

// dequeue returns the next queued task, or nil after retiring the worker
func (p *Pool) dequeue() Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		p.workers--
		return nil
	}
	t := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return t
}

// Workers returns the number of running worker goroutines
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Shutdown rejects further tasks and waits for queued and running tasks to
// finish
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
