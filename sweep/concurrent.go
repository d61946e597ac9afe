// ABOUTME: Concurrent sweep coordinator: runs a whole-space sweep on a background worker
// ABOUTME: Keeps the owner's task count and phase consistent and wakes waiting allocators

package sweep

import (
	"fmt"
	"time"

	"github.com/prateek/heapsweep/freelist"
	"github.com/prateek/heapsweep/heap"
	"github.com/prateek/heapsweep/isolate"
	"github.com/prateek/heapsweep/monitor"
	"github.com/prateek/heapsweep/threadpool"
)

// Phase is the sweep state of the page-owning space
type Phase uint8

const (
	// Idle means no collection is in progress
	Idle Phase = iota
	// Marking means mark bits are being set
	Marking
	// Sweeping means at least one sweeper task is in flight
	Sweeping
	// Done means the last sweeper task has finished
	Done
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Marking:
		return "marking"
	case Sweeping:
		return "sweeping"
	case Done:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Owner is the structure that owns the page lists being swept. Methods
// with a Locked suffix require the caller to hold TasksLock.
type Owner interface {
	// TasksLock guards the task count and phase and is the condition
	// allocators wait on for free-list growth
	TasksLock() *monitor.Monitor

	TasksLocked() int
	SetTasksLocked(n int)
	PhaseLocked() Phase
	SetPhaseLocked(p Phase)

	// FreePage unlinks a normal page (prev is its predecessor, or nil if
	// it heads the list) and releases its memory
	FreePage(page, prev *heap.Page)

	// FreeLargePage is FreePage for the large-object list
	FreeLargePage(page, prev *heap.Page)

	// TruncateLargePage shrinks a large page's object range to newSize
	// bytes
	TruncateLargePage(page *heap.Page, newSize uintptr)
}

// StatsRecorder is optionally implemented by an Owner that wants the
// results of each completed task
type StatsRecorder interface {
	RecordSweep(stats Stats)
}

// Context is what a sweeper task attaches to before touching heap memory
type Context interface {
	EnterAsHelper(kind isolate.TaskKind, bypassSafepoints bool) (*isolate.Thread, error)
}

// Runner runs tasks asynchronously
type Runner interface {
	Run(t threadpool.Task) bool
}

// Bounds is a snapshot of page-list ranges taken when a sweep is
// scheduled. Last and LargeLast are inclusive; their Next links are never
// followed because mutators may be appending behind them.
type Bounds struct {
	First, Last           *heap.Page
	LargeFirst, LargeLast *heap.Page
}

// Stats summarises one sweeper task
type Stats struct {
	PagesSwept      int
	PagesFreed      int
	LargePagesSwept int
	LargePagesFreed int
	LiveBytes       uintptr // bytes of marked objects
	FreeListBytes   uintptr // bytes registered with the free list
	ReleasedBytes   uintptr // bytes of pages returned to the allocator
	Elapsed         time.Duration
}

// task sweeps one snapshot of the owner's page lists
type task struct {
	sweeper *Sweeper
	ctx     Context
	owner   Owner
	bounds  Bounds
	fl      freelist.FreeList
}

// newTask registers the task with the owner before it can run, so the
// owner accounts for it as soon as it is scheduled
func newTask(s *Sweeper, ctx Context, owner Owner, b Bounds, fl freelist.FreeList) *task {
	if ctx == nil || owner == nil || fl == nil {
		panic("sweep: task needs a context, an owner and a free list")
	}
	if (b.First == nil) != (b.Last == nil) || (b.LargeFirst == nil) != (b.LargeLast == nil) {
		panic("sweep: page range bounds must be both set or both nil")
	}
	ml := owner.TasksLock().Enter()
	owner.SetTasksLocked(owner.TasksLocked() + 1)
	owner.SetPhaseLocked(Sweeping)
	ml.Exit()
	return &task{sweeper: s, ctx: ctx, owner: owner, bounds: b, fl: fl}
}

// ScheduleConcurrent sweeps the pages in b on a worker obtained from
// runner. Large pages are swept first, then normal pages, whose free
// blocks go to fl. The owner's task count is incremented before this
// returns. If runner rejects the task the registration is undone and an
// error is returned.
func (s *Sweeper) ScheduleConcurrent(runner Runner, ctx Context, owner Owner, b Bounds, fl freelist.FreeList) error {
	t := newTask(s, ctx, owner, b, fl)
	if runner.Run(t) {
		return nil
	}
	t.unregister()
	return fmt.Errorf("scheduling concurrent sweep: %w", threadpool.ErrClosed)
}

// Run executes the task on the calling goroutine
func (t *task) Run() {
	begin := time.Now()
	var stats Stats
	if err := t.sweep(&stats); err != nil {
		t.sweeper.logger.Warn("concurrent sweep skipped", "error", err)
	}
	stats.Elapsed = time.Since(begin)
	t.sweeper.logger.Debug("concurrent sweep finished",
		"pages", stats.PagesSwept,
		"pages_freed", stats.PagesFreed,
		"large_pages", stats.LargePagesSwept,
		"large_pages_freed", stats.LargePagesFreed,
		"live_bytes", stats.LiveBytes,
		"free_list_bytes", stats.FreeListBytes,
		"released_bytes", stats.ReleasedBytes,
		"elapsed", stats.Elapsed)

	// The helper has detached by now, so the owner never sees zero tasks
	// while a worker still holds its context.
	t.finish(stats)
}

// sweep does the heap work while attached to the context. The deferred
// Exit also runs when a corruption panic unwinds.
func (t *task) sweep(stats *Stats) error {
	thread, err := t.ctx.EnterAsHelper(isolate.SweeperTask, true)
	if err != nil {
		return err
	}
	defer thread.Exit()
	if !thread.BypassSafepoints() {
		panic("sweep: sweeper helper must bypass safepoints")
	}

	t.sweeper.sweepRange(t.owner, t.bounds, t.fl, false, stats)
	return nil
}

// finish reports stats to the owner and unregisters the task
func (t *task) finish(stats Stats) {
	if rec, ok := t.owner.(StatsRecorder); ok {
		rec.RecordSweep(stats)
	}
	t.unregister()
}

// unregister decrements the owner's task count, marks the phase done when
// it reaches zero and wakes every waiter
func (t *task) unregister() {
	ml := t.owner.TasksLock().Enter()
	defer ml.Exit()
	tasks := t.owner.TasksLocked() - 1
	t.owner.SetTasksLocked(tasks)
	if phase := t.owner.PhaseLocked(); phase != Sweeping {
		panic(fmt.Sprintf("sweep: task finished in phase %v", phase))
	}
	if tasks == 0 {
		t.owner.SetPhaseLocked(Done)
	}
	ml.NotifyAll()
}

// Sweep sweeps the pages in b on the calling goroutine without registering
// a task with the owner. locked reports whether the caller holds fl's lock.
func (s *Sweeper) Sweep(owner Owner, b Bounds, fl freelist.FreeList, locked bool) Stats {
	begin := time.Now()
	var stats Stats
	s.sweepRange(owner, b, fl, locked, &stats)
	stats.Elapsed = time.Since(begin)
	return stats
}

// sweepRange sweeps large pages then normal pages, handing retired and
// shrunk pages back to the owner
func (s *Sweeper) sweepRange(owner Owner, b Bounds, fl freelist.FreeList, locked bool, stats *Stats) {
	page := b.LargeFirst
	var prev *heap.Page
	for page != nil {
		var next *heap.Page
		if page != b.LargeLast {
			next = page.Next()
		}
		size := page.Size()
		words := s.SweepLargePage(page)
		stats.LargePagesSwept++
		if words == 0 {
			owner.FreeLargePage(page, prev)
			stats.LargePagesFreed++
			stats.ReleasedBytes += size
		} else {
			live := words << heap.WordSizeLog2
			if page.ObjectEnd() != page.ObjectStart()+heap.Addr(live) {
				owner.TruncateLargePage(page, live)
			}
			stats.LiveBytes += live
			prev = page
		}
		page = next
	}

	page = b.First
	prev = nil
	for page != nil {
		var next *heap.Page
		if page != b.Last {
			next = page.Next()
		}
		objectBytes := uintptr(page.ObjectEnd() - page.ObjectStart())
		inUse := s.SweepPage(page, fl, locked)
		stats.PagesSwept++
		if inUse {
			stats.LiveBytes += page.UsedBytes()
			stats.FreeListBytes += objectBytes - page.UsedBytes()
			prev = page
		} else {
			size := page.Size()
			owner.FreePage(page, prev)
			stats.PagesFreed++
			stats.ReleasedBytes += size
		}

		// Allocators blocked on an empty free list recheck after each page
		ml := owner.TasksLock().Enter()
		ml.Notify()
		ml.Exit()

		page = next
	}
}
