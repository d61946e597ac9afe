// ABOUTME: Free list interface and a size-bucketed in-memory implementation
// ABOUTME: Registers reclaimed address ranges and serves allocations from them

package freelist

import (
	"fmt"
	"sync"

	"github.com/prateek/heapsweep/heap"
)

// NumLists is the number of exact-size buckets. Bucket i holds blocks of
// i words; larger blocks share one overflow bucket.
const NumLists = 128

// FreeList is a concurrent-safe registry of reclaimed address ranges
type FreeList interface {
	// Free registers [start, start+size). Safe for concurrent use.
	Free(start heap.Addr, size uintptr)

	// FreeLocked is Free for callers that already hold the list's lock
	FreeLocked(start heap.Addr, size uintptr)

	// Lock acquires the list's lock
	Lock()

	// Unlock releases the list's lock
	Unlock()
}

// block is a free address range
type block struct {
	start heap.Addr
	size  uintptr
}

// MemFreeList is an in-memory FreeList. When a resolver is set, every
// registered block gets a free-element header so its page stays parseable
// as a sequence of objects.
type MemFreeList struct {
	mu        sync.Mutex
	buckets   [NumLists + 1][]block
	freeBytes uintptr
	count     int
	resolver  heap.Resolver
}

// Ensure MemFreeList implements FreeList
var _ FreeList = (*MemFreeList)(nil)

// NewMemFreeList creates an empty free list. resolver may be nil, in which
// case the list only does accounting and never touches page memory.
func NewMemFreeList(resolver heap.Resolver) *MemFreeList {
	return &MemFreeList{resolver: resolver}
}

// Lock acquires the list's lock
func (l *MemFreeList) Lock() { l.mu.Lock() }

// Unlock releases the list's lock
func (l *MemFreeList) Unlock() { l.mu.Unlock() }

// Free registers a block
func (l *MemFreeList) Free(start heap.Addr, size uintptr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.FreeLocked(start, size)
}

// FreeLocked registers a block; the caller holds the lock
func (l *MemFreeList) FreeLocked(start heap.Addr, size uintptr) {
	if size < heap.WordSize || !heap.IsWordAligned(size) || !heap.IsWordAligned(uintptr(start)) {
		panic(fmt.Sprintf("freelist: bad block %#x+%d", start, size))
	}
	l.writeElement(start, size)
	idx := bucketIndex(size)
	l.buckets[idx] = append(l.buckets[idx], block{start: start, size: size})
	l.freeBytes += size
	l.count++
}

// Allocate removes size bytes from the list. It returns false if no block
// is big enough.
func (l *MemFreeList) Allocate(size uintptr) (heap.Addr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.AllocateLocked(size)
}

// AllocateLocked is Allocate for callers that already hold the lock
func (l *MemFreeList) AllocateLocked(size uintptr) (heap.Addr, bool) {
	size = heap.RoundUp(size, heap.WordSize)
	if size == 0 {
		return 0, false
	}
	for idx := bucketIndex(size); idx <= NumLists; idx++ {
		b := l.buckets[idx]
		for i := len(b) - 1; i >= 0; i-- {
			if b[i].size < size {
				continue
			}
			blk := b[i]
			b[i] = b[len(b)-1]
			l.buckets[idx] = b[:len(b)-1]
			l.freeBytes -= blk.size
			l.count--

			// Split off the remainder and put it back
			if rest := blk.size - size; rest > 0 {
				l.FreeLocked(blk.start+heap.Addr(size), rest)
			}
			return blk.start, true
		}
	}
	return 0, false
}

// FreeBytes returns the total bytes currently registered
func (l *MemFreeList) FreeBytes() uintptr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.freeBytes
}

// Len returns the number of registered blocks
func (l *MemFreeList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Reset forgets every registered block. The sweeper rediscovers free
// elements as unmarked objects, so the list is reset before each sweep.
func (l *MemFreeList) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ResetLocked()
}

// ResetLocked is Reset for a caller that holds the list's lock
func (l *MemFreeList) ResetLocked() {
	for i := range l.buckets {
		l.buckets[i] = nil
	}
	l.freeBytes = 0
	l.count = 0
}

// ForEachBlock calls fn for every registered block
func (l *MemFreeList) ForEachBlock(fn func(start heap.Addr, size uintptr)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.buckets {
		for _, blk := range b {
			fn(blk.start, blk.size)
		}
	}
}

func (l *MemFreeList) writeElement(start heap.Addr, size uintptr) {
	if l.resolver == nil {
		return
	}
	page := l.resolver.PageOf(start)
	if page == nil || !page.Contains(start+heap.Addr(size)-1) {
		panic(fmt.Sprintf("freelist: block %#x+%d not inside a single page", start, size))
	}
	page.WriteObject(start, size, heap.FreeElemBit)
}

func bucketIndex(size uintptr) int {
	words := size >> heap.WordSizeLog2
	if words >= NumLists {
		return NumLists
	}
	return int(words)
}
