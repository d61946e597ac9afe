// ABOUTME: Shared fixtures for sweeper tests: synthetic pages and instrumented collaborators
// ABOUTME: Provides a recording free list and an in-memory page owner

package sweep

import (
	"sync"

	"github.com/prateek/heapsweep/heap"
	"github.com/prateek/heapsweep/monitor"
)

const testBase heap.Addr = 0x100000

// objSpec describes one object in a synthetic page
type objSpec struct {
	size   uintptr
	marked bool
}

// buildPage lays out objs back to back in a page that fits them exactly
func buildPage(kind heap.Kind, base heap.Addr, objs ...objSpec) *heap.Page {
	var total uintptr
	for _, o := range objs {
		total += o.size
	}
	page := heap.NewPage(kind, base, total)
	writeObjects(page, objs...)
	return page
}

func writeObjects(page *heap.Page, objs ...objSpec) {
	cur := page.ObjectStart()
	for _, o := range objs {
		var flags uint64
		if o.marked {
			flags = heap.MarkBit
		}
		page.WriteObject(cur, o.size, flags)
		cur += heap.Addr(o.size)
	}
}

// freeCall is one registration seen by recordingFreeList
type freeCall struct {
	start  heap.Addr
	size   uintptr
	locked bool
}

// recordingFreeList records registrations without touching page memory
type recordingFreeList struct {
	mu    sync.Mutex
	held  bool
	calls []freeCall
}

func (l *recordingFreeList) Lock() {
	l.mu.Lock()
	l.held = true
}

func (l *recordingFreeList) Unlock() {
	l.held = false
	l.mu.Unlock()
}

func (l *recordingFreeList) Free(start heap.Addr, size uintptr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, freeCall{start: start, size: size})
}

func (l *recordingFreeList) FreeLocked(start heap.Addr, size uintptr) {
	if !l.held {
		panic("FreeLocked without the lock")
	}
	l.calls = append(l.calls, freeCall{start: start, size: size, locked: true})
}

func (l *recordingFreeList) total() uintptr {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n uintptr
	for _, c := range l.calls {
		n += c.size
	}
	return n
}

// fakeOwner keeps page lists the way a page-owning space would
type fakeOwner struct {
	lock  monitor.Monitor
	tasks int
	phase Phase

	mu         sync.Mutex
	head       *heap.Page
	largeHead  *heap.Page
	freed      []*heap.Page
	largeFreed []*heap.Page
	truncated  map[*heap.Page]uintptr
	recorded   []Stats
}

func newFakeOwner(pages, large []*heap.Page) *fakeOwner {
	o := &fakeOwner{truncated: make(map[*heap.Page]uintptr)}
	o.head = link(pages)
	o.largeHead = link(large)
	return o
}

func link(pages []*heap.Page) *heap.Page {
	for i := 0; i+1 < len(pages); i++ {
		pages[i].SetNext(pages[i+1])
	}
	if len(pages) == 0 {
		return nil
	}
	return pages[0]
}

func (o *fakeOwner) TasksLock() *monitor.Monitor { return &o.lock }
func (o *fakeOwner) TasksLocked() int { return o.tasks }
func (o *fakeOwner) SetTasksLocked(n int) { o.tasks = n }
func (o *fakeOwner) PhaseLocked() Phase { return o.phase }
func (o *fakeOwner) SetPhaseLocked(p Phase) { o.phase = p }

func (o *fakeOwner) FreePage(page, prev *heap.Page) {
	o.mu.Lock()
	defer o.mu.Unlock()
	unlink(&o.head, page, prev)
	o.freed = append(o.freed, page)
}

func (o *fakeOwner) FreeLargePage(page, prev *heap.Page) {
	o.mu.Lock()
	defer o.mu.Unlock()
	unlink(&o.largeHead, page, prev)
	o.largeFreed = append(o.largeFreed, page)
}

func unlink(head **heap.Page, page, prev *heap.Page) {
	if prev == nil {
		*head = page.Next()
	} else {
		prev.SetNext(page.Next())
	}
	page.SetNext(nil)
}

func (o *fakeOwner) TruncateLargePage(page *heap.Page, newSize uintptr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	page.Truncate(page.ObjectStart() + heap.Addr(newSize))
	o.truncated[page] = newSize
}

func (o *fakeOwner) RecordSweep(stats Stats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorded = append(o.recorded, stats)
}

// waitIdle blocks until no tasks are in flight
func (o *fakeOwner) waitIdle() {
	ml := o.lock.Enter()
	defer ml.Exit()
	for o.tasks > 0 {
		ml.Wait()
	}
}

// pagesOf walks a list from head
func pagesOf(head *heap.Page) []*heap.Page {
	var out []*heap.Page
	for p := head; p != nil; p = p.Next() {
		out = append(out, p)
	}
	return out
}
