// ABOUTME: Collection entry points of the page space: marking, sweeping and waiting
// ABOUTME: Snapshots the page lists and sweeps them synchronously or on a background task

package space

import (
	"fmt"

	"github.com/prateek/heapsweep/heap"
	"github.com/prateek/heapsweep/sweep"
)

// ObjectAt returns a view of the object whose header is at addr
func (s *PageSpace) ObjectAt(addr heap.Addr) (heap.Object, error) {
	page := s.arena.PageOf(addr)
	if page == nil {
		return heap.Object{}, fmt.Errorf("object at %#x: %w", addr, ErrNoPage)
	}
	return page.ObjectAt(addr), nil
}

// BeginMarking waits for any previous sweep to finish and enters the
// marking phase. The tracer then sets mark bits, for example with Mark.
func (s *PageSpace) BeginMarking() {
	ml := s.tasksLock.Enter()
	defer ml.Exit()
	for s.tasks > 0 {
		ml.Wait()
	}
	s.phase = sweep.Marking
}

// Mark sets the mark bit of the object at addr
func (s *PageSpace) Mark(addr heap.Addr) error {
	obj, err := s.ObjectAt(addr)
	if err != nil {
		return err
	}
	obj.SetMarkBit()
	return nil
}

// snapshot captures the current list bounds
func (s *PageSpace) snapshot() sweep.Bounds {
	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	return sweep.Bounds{
		First:      s.pages,
		Last:       s.pagesTail,
		LargeFirst: s.large,
		LargeLast:  s.largeTail,
	}
}

// Sweep reclaims every unmarked object once marking has finished. Mutators
// must not allocate until Sweep returns. With concurrent set the pages are
// swept by a background task and Sweep returns once the task is
// registered; allocation may then proceed alongside the sweeper. If the
// task cannot be scheduled the free list and mark bits are left as they
// were. Otherwise the sweep runs on the caller while holding the free
// list's lock.
func (s *PageSpace) Sweep(concurrent bool) error {
	b := s.snapshot()

	if concurrent {
		// The task blocks on the free list's lock before its first
		// registration, so the reset below cannot drop any of its blocks.
		s.freeList.Lock()
		defer s.freeList.Unlock()
		if err := s.sweeper.ScheduleConcurrent(s.pool, s.iso, s, b, s.freeList); err != nil {
			return err
		}
		// The sweeper rediscovers every free element, so the old entries go.
		s.freeList.ResetLocked()
		return nil
	}

	s.freeList.Reset()

	ml := s.tasksLock.Enter()
	s.phase = sweep.Sweeping
	ml.Exit()

	s.freeList.Lock()
	stats := s.sweeper.Sweep(s, b, s.freeList, true)
	s.freeList.Unlock()
	s.RecordSweep(stats)
	s.logger.Debug("sweep finished",
		"pages", stats.PagesSwept,
		"pages_freed", stats.PagesFreed,
		"free_list_bytes", stats.FreeListBytes,
		"elapsed", stats.Elapsed)

	ml = s.tasksLock.Enter()
	if s.tasks == 0 {
		s.phase = sweep.Done
	}
	ml.NotifyAll()
	ml.Exit()
	return nil
}

// WaitForSweeperTasks blocks until no sweeper task is in flight
func (s *PageSpace) WaitForSweeperTasks() {
	ml := s.tasksLock.Enter()
	defer ml.Exit()
	for s.tasks > 0 {
		ml.Wait()
	}
}
