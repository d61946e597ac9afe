// ABOUTME: Tests for the bounded thread pool
// ABOUTME: Verifies worker limits, queue draining and shutdown behaviour

package threadpool

import (
	"sync"
	"sync/atomic"
	"testing"
)

type funcTask func()

func (f funcTask) Run() { f() }

func TestRunsAllTasks(t *testing.T) {
	p := New(3, nil)
	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		if !p.Run(funcTask(func() { ran.Add(1) })) {
			t.Fatal("Run rejected a task on an open pool")
		}
	}
	p.Shutdown()
	if ran.Load() != 50 {
		t.Errorf("ran %d tasks, want 50", ran.Load())
	}
	if p.Workers() != 0 {
		t.Errorf("Workers() = %d after shutdown, want 0", p.Workers())
	}
}

func TestWorkerLimit(t *testing.T) {
	p := New(2, nil)
	release := make(chan struct{})
	var running, peak atomic.Int32
	var mu sync.Mutex

	for i := 0; i < 6; i++ {
		p.Run(funcTask(func() {
			n := running.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			<-release
			running.Add(-1)
		}))
	}
	close(release)
	p.Shutdown()

	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", peak.Load())
	}
}

func TestRunAfterShutdown(t *testing.T) {
	p := New(1, nil)
	p.Shutdown()
	if p.Run(funcTask(func() {})) {
		t.Error("Run accepted a task after Shutdown")
	}
}
