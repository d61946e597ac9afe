// ABOUTME: Arena page allocator handing out non-overlapping page address ranges
// ABOUTME: Resolves any heap address back to the page that contains it

package heap

import (
	"sort"
	"sync"
)

// arenaBase keeps address zero unused so it can act as null
const arenaBase Addr = 1 << 20

// Resolver maps an address to the page that contains it
type Resolver interface {
	// PageOf returns the page containing addr, or nil
	PageOf(addr Addr) *Page
}

// Arena is an in-memory page allocator
type Arena struct {
	mu        sync.RWMutex
	bases     []Addr // sorted
	pages     map[Addr]*Page
	next      Addr
	committed uintptr
}

// Ensure Arena implements Resolver
var _ Resolver = (*Arena)(nil)

// NewArena creates an empty arena
func NewArena() *Arena {
	return &Arena{
		pages: make(map[Addr]*Page),
		next:  arenaBase,
	}
}

// Allocate reserves a new page of at least size bytes
func (a *Arena) Allocate(kind Kind, size uintptr) *Page {
	size = RoundUp(size, WordSize)

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked(kind, size)
}

// TryAllocate is Allocate bounded by limit: it reserves the page only if
// the committed total stays within limit bytes, and reports whether it did
func (a *Arena) TryAllocate(kind Kind, size, limit uintptr) (*Page, bool) {
	if size > limit {
		return nil, false
	}
	size = RoundUp(size, WordSize)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.committed > limit || size > limit-a.committed {
		return nil, false
	}
	return a.allocateLocked(kind, size), true
}

func (a *Arena) allocateLocked(kind Kind, size uintptr) *Page {
	base := a.next
	a.next += Addr(RoundUp(size, PageAlignment))
	p := NewPage(kind, base, size)
	a.pages[base] = p
	a.bases = append(a.bases, base) // bases only grow, order is kept
	a.committed += size
	return p
}

// Release returns a page's memory to the arena. The page must not be
// reachable from any list or free list afterwards.
func (a *Arena) Release(p *Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pages[p.base] != p {
		return
	}
	delete(a.pages, p.base)
	i := sort.Search(len(a.bases), func(i int) bool { return a.bases[i] >= p.base })
	a.bases = append(a.bases[:i], a.bases[i+1:]...)
	a.committed -= p.Size()
	p.released.Store(true)
}

// PageOf returns the live page containing addr, or nil
func (a *Arena) PageOf(addr Addr) *Page {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i := sort.Search(len(a.bases), func(i int) bool { return a.bases[i] > addr })
	if i == 0 {
		return nil
	}
	p := a.pages[a.bases[i-1]]
	if !p.Contains(addr) {
		return nil
	}
	return p
}

// NumPages returns the number of live pages
func (a *Arena) NumPages() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.pages)
}

// Committed returns the total bytes of live pages
func (a *Arena) Committed() uintptr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.committed
}
