// ABOUTME: Old-space page owner: page lists, sweep phase and task accounting
// ABOUTME: Serves mutator allocation from the free list and retires pages for the sweeper

package space

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prateek/heapsweep/freelist"
	"github.com/prateek/heapsweep/heap"
	"github.com/prateek/heapsweep/isolate"
	"github.com/prateek/heapsweep/monitor"
	"github.com/prateek/heapsweep/sweep"
	"github.com/prateek/heapsweep/threadpool"
)

var (
	// ErrOutOfMemory is returned when growing would exceed MaxCapacity
	ErrOutOfMemory = errors.New("old space capacity exhausted")
	// ErrBadSize is returned for zero-sized allocation requests
	ErrBadSize = errors.New("invalid allocation size")
	// ErrNoPage is returned for addresses outside every page
	ErrNoPage = errors.New("address is not in any page")
)

// Config controls the page space
type Config struct {
	// PageSize is the size of normal and executable pages
	PageSize uintptr
	// MaxCapacity bounds the bytes of all live pages
	MaxCapacity uintptr
	// Sweep configures the sweeper
	Sweep sweep.Config
	// Logger receives page lifecycle diagnostics. Nil discards.
	Logger *slog.Logger
}

// DefaultConfig returns 64 KiB pages and a 64 MiB capacity
func DefaultConfig() Config {
	return Config{
		PageSize:    64 * 1024,
		MaxCapacity: 64 * 1024 * 1024,
		Sweep:       sweep.DefaultConfig(),
	}
}

// Usage reports the space's memory accounting
type Usage struct {
	CapacityBytes uintptr // bytes of live pages
	UsedBytes     uintptr // live bytes recorded by the last sweep, plus large objects
	FreeBytes     uintptr // bytes on the free list
	Pages         int
	LargePages    int
}

// PageSpace owns the old generation's pages
type PageSpace struct {
	cfg      Config
	logger   *slog.Logger
	arena    *heap.Arena
	freeList *freelist.MemFreeList
	sweeper  *sweep.Sweeper
	iso      *isolate.Isolate
	pool     *threadpool.Pool

	// pagesMu guards the lists. A page's Next link is written under it
	// and may be read without it by the sweeper for pages before its
	// snapshot's last page.
	pagesMu    sync.Mutex
	pages      *heap.Page
	pagesTail  *heap.Page
	numPages   int
	large      *heap.Page
	largeTail  *heap.Page
	numLarge   int
	largeBytes uintptr

	// tasksLock guards tasks and phase; allocators wait on it for the
	// sweeper to publish free memory.
	tasksLock monitor.Monitor
	tasks     int
	phase     sweep.Phase

	statsMu   sync.Mutex
	lastSweep sweep.Stats
	sweeps    int
}

// Ensure PageSpace can drive the sweeper
var (
	_ sweep.Owner         = (*PageSpace)(nil)
	_ sweep.StatsRecorder = (*PageSpace)(nil)
)

// New creates an empty page space. Concurrent sweeps run on pool with
// helpers attached to iso.
func New(cfg Config, iso *isolate.Isolate, pool *threadpool.Pool) *PageSpace {
	if cfg.PageSize < heap.WordSize || !heap.IsWordAligned(cfg.PageSize) {
		panic(fmt.Sprintf("space: bad page size %d", cfg.PageSize))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Sweep.Logger == nil {
		cfg.Sweep.Logger = logger
	}
	arena := heap.NewArena()
	return &PageSpace{
		cfg:      cfg,
		logger:   logger,
		arena:    arena,
		freeList: freelist.NewMemFreeList(arena),
		sweeper:  sweep.New(cfg.Sweep),
		iso:      iso,
		pool:     pool,
	}
}

// Arena returns the page allocator backing the space
func (s *PageSpace) Arena() *heap.Arena { return s.arena }

// FreeList returns the free list allocations are served from
func (s *PageSpace) FreeList() *freelist.MemFreeList { return s.freeList }

// PageSize returns the size of normal pages
func (s *PageSpace) PageSize() uintptr { return s.cfg.PageSize }

func (s *PageSpace) reserve(kind heap.Kind, size uintptr) (*heap.Page, error) {
	page, ok := s.arena.TryAllocate(kind, size, s.cfg.MaxCapacity)
	if !ok {
		return nil, fmt.Errorf("allocating %s page of %d bytes: %w", kind, size, ErrOutOfMemory)
	}
	return page, nil
}

// AddPage appends a new normal or executable page. Its whole object range
// is one unmarked free element that is not on the free list.
func (s *PageSpace) AddPage(kind heap.Kind) (*heap.Page, error) {
	if kind == heap.Large {
		return nil, fmt.Errorf("AddPage: %s pages are added with AddLargePage", kind)
	}
	page, err := s.reserve(kind, s.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	page.WriteObject(page.ObjectStart(), page.Size(), heap.FreeElemBit)

	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	if s.pagesTail == nil {
		s.pages = page
	} else {
		s.pagesTail.SetNext(page)
	}
	s.pagesTail = page
	s.numPages++
	s.logger.Debug("page added", "page", page.String(), "pages", s.numPages)
	return page, nil
}

// AddLargePage appends a large page holding one unmarked object of size
// bytes (rounded up to words)
func (s *PageSpace) AddLargePage(size uintptr) (*heap.Page, error) {
	if size == 0 {
		return nil, ErrBadSize
	}
	if size > s.cfg.MaxCapacity {
		return nil, fmt.Errorf("allocating large page of %d bytes: %w", size, ErrOutOfMemory)
	}
	size = heap.RoundUp(size, heap.WordSize)
	page, err := s.reserve(heap.Large, size)
	if err != nil {
		return nil, err
	}
	page.WriteObject(page.ObjectStart(), size, 0)

	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	if s.largeTail == nil {
		s.large = page
	} else {
		s.largeTail.SetNext(page)
	}
	s.largeTail = page
	s.numLarge++
	s.largeBytes += size
	s.logger.Debug("large page added", "page", page.String())
	return page, nil
}

// Allocate returns the address of a new unmarked object of size bytes.
// Requests larger than half a page get their own large page. While sweeper
// tasks are in flight an empty free list makes the caller wait for the
// sweeper instead of growing the space.
func (s *PageSpace) Allocate(size uintptr) (heap.Addr, error) {
	if size == 0 {
		return 0, ErrBadSize
	}
	if size > s.cfg.MaxCapacity {
		return 0, fmt.Errorf("allocating %d bytes: %w", size, ErrOutOfMemory)
	}
	size = heap.RoundUp(size, heap.WordSize)
	if size > s.cfg.PageSize/2 {
		page, err := s.AddLargePage(size)
		if err != nil {
			return 0, err
		}
		return page.ObjectStart(), nil
	}

	for {
		if addr, ok := s.freeList.Allocate(size); ok {
			s.arena.PageOf(addr).WriteObject(addr, size, 0)
			return addr, nil
		}
		if s.waitForSweeper() {
			continue
		}
		if err := s.grow(); err != nil {
			return 0, err
		}
	}
}

// waitForSweeper blocks until a sweeper task reports progress. It returns
// false immediately if no task is in flight.
func (s *PageSpace) waitForSweeper() bool {
	ml := s.tasksLock.Enter()
	defer ml.Exit()
	if s.tasks == 0 {
		return false
	}
	ml.Wait()
	return true
}

// grow adds a page and puts all of it on the free list
func (s *PageSpace) grow() error {
	page, err := s.AddPage(heap.Normal)
	if err != nil {
		return err
	}
	s.freeList.Free(page.ObjectStart(), uintptr(page.ObjectEnd()-page.ObjectStart()))
	return nil
}

// FreePage unlinks a normal page and releases it to the arena. prev is
// the page's predecessor, or nil if it heads the list.
func (s *PageSpace) FreePage(page, prev *heap.Page) {
	s.pagesMu.Lock()
	unlinkLocked(&s.pages, &s.pagesTail, page, prev)
	s.numPages--
	s.pagesMu.Unlock()

	s.arena.Release(page)
	s.logger.Debug("page freed", "page", page.String())
}

// FreeLargePage unlinks a large page and releases it to the arena
func (s *PageSpace) FreeLargePage(page, prev *heap.Page) {
	s.pagesMu.Lock()
	unlinkLocked(&s.large, &s.largeTail, page, prev)
	s.numLarge--
	s.largeBytes -= uintptr(page.ObjectEnd() - page.ObjectStart())
	s.pagesMu.Unlock()

	s.arena.Release(page)
	s.logger.Debug("large page freed", "page", page.String())
}

func unlinkLocked(head, tail **heap.Page, page, prev *heap.Page) {
	next := page.Next()
	if prev == nil {
		if *head != page {
			panic(fmt.Sprintf("space: unlinking %v with no predecessor but it is not the list head", page))
		}
		*head = next
	} else {
		if prev.Next() != page {
			panic(fmt.Sprintf("space: %v does not follow %v", page, prev))
		}
		prev.SetNext(next)
	}
	if *tail == page {
		*tail = prev
	}
	page.SetNext(nil)
}

// TruncateLargePage shrinks a large page's object range to newSize bytes
// in place
func (s *PageSpace) TruncateLargePage(page *heap.Page, newSize uintptr) {
	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	old := uintptr(page.ObjectEnd() - page.ObjectStart())
	page.Truncate(page.ObjectStart() + heap.Addr(newSize))
	s.largeBytes -= old - newSize
	s.logger.Debug("large page truncated", "page", page.String(), "from", old, "to", newSize)
}

// TasksLock returns the monitor guarding tasks and phase
func (s *PageSpace) TasksLock() *monitor.Monitor { return &s.tasksLock }

// TasksLocked returns the number of sweeper tasks in flight
func (s *PageSpace) TasksLocked() int { return s.tasks }

// SetTasksLocked sets the number of sweeper tasks in flight
func (s *PageSpace) SetTasksLocked(n int) { s.tasks = n }

// PhaseLocked returns the sweep phase
func (s *PageSpace) PhaseLocked() sweep.Phase { return s.phase }

// SetPhaseLocked sets the sweep phase
func (s *PageSpace) SetPhaseLocked(p sweep.Phase) { s.phase = p }

// Tasks returns the number of sweeper tasks in flight
func (s *PageSpace) Tasks() int {
	ml := s.tasksLock.Enter()
	defer ml.Exit()
	return s.tasks
}

// Phase returns the sweep phase
func (s *PageSpace) Phase() sweep.Phase {
	ml := s.tasksLock.Enter()
	defer ml.Exit()
	return s.phase
}

// RecordSweep stores the stats of a finished sweep
func (s *PageSpace) RecordSweep(stats sweep.Stats) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.lastSweep = stats
	s.sweeps++
}

// LastSweep returns the stats of the most recent sweep and how many sweeps
// have finished
func (s *PageSpace) LastSweep() (sweep.Stats, int) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.lastSweep, s.sweeps
}

// Pages returns the normal page list in order
func (s *PageSpace) Pages() []*heap.Page {
	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	return collect(s.pages)
}

// LargePages returns the large page list in order
func (s *PageSpace) LargePages() []*heap.Page {
	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	return collect(s.large)
}

func collect(head *heap.Page) []*heap.Page {
	var out []*heap.Page
	for p := head; p != nil; p = p.Next() {
		out = append(out, p)
	}
	return out
}

// Usage returns the space's current accounting
func (s *PageSpace) Usage() Usage {
	s.pagesMu.Lock()
	u := Usage{
		Pages:      s.numPages,
		LargePages: s.numLarge,
		UsedBytes:  s.largeBytes,
	}
	for p := s.pages; p != nil; p = p.Next() {
		u.UsedBytes += p.UsedBytes()
	}
	s.pagesMu.Unlock()

	u.CapacityBytes = s.arena.Committed()
	u.FreeBytes = s.freeList.FreeBytes()
	return u
}
