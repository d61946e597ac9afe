// ABOUTME: Tests for the size-bucketed free list
// ABOUTME: Covers registration, splitting allocation, headers and concurrent use

package freelist

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/prateek/heapsweep/heap"
)

func TestFreeAndAllocate(t *testing.T) {
	arena := heap.NewArena()
	page := arena.Allocate(heap.Normal, 4096)
	l := NewMemFreeList(arena)

	l.Free(page.Base(), 64)
	l.Free(page.Base()+1024, 2048)

	if got := l.FreeBytes(); got != 64+2048 {
		t.Fatalf("FreeBytes() = %d, want %d", got, 64+2048)
	}
	if got := l.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	// Registered blocks carry free-element headers
	o := page.ObjectAt(page.Base() + 1024)
	if !o.IsFreeElement() || o.Size() != 2048 {
		t.Errorf("block header = %#x, want free element of 2048", o.Header())
	}

	tests := []struct {
		name      string
		size      uintptr
		wantAddr  heap.Addr
		wantOK    bool
		wantBytes uintptr
	}{
		{"exact fit", 64, page.Base(), true, 2048},
		{"split large block", 24, page.Base() + 1024, true, 2024},
		{"rounded request", 13, page.Base() + 1048, true, 2008},
		{"too large", 4096, 0, false, 2008},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, ok := l.Allocate(tt.size)
			if ok != tt.wantOK {
				t.Fatalf("Allocate(%d) ok = %v, want %v", tt.size, ok, tt.wantOK)
			}
			if ok && addr != tt.wantAddr {
				t.Errorf("Allocate(%d) = %#x, want %#x", tt.size, addr, tt.wantAddr)
			}
			if got := l.FreeBytes(); got != tt.wantBytes {
				t.Errorf("FreeBytes() = %d, want %d", got, tt.wantBytes)
			}
		})
	}

	rest := page.ObjectAt(page.Base() + 1064)
	if !rest.IsFreeElement() || rest.Size() != 2008 {
		t.Errorf("remainder header = %#x, want free element of 2008", rest.Header())
	}
}

func TestLockedVariants(t *testing.T) {
	l := NewMemFreeList(nil)
	l.Lock()
	l.FreeLocked(0x1000, 32)
	l.FreeLocked(0x2000, 16)
	addr, ok := l.AllocateLocked(16)
	l.Unlock()

	if !ok || addr != 0x2000 {
		t.Errorf("AllocateLocked(16) = %#x, %v", addr, ok)
	}
	if l.FreeBytes() != 32 {
		t.Errorf("FreeBytes() = %d, want 32", l.FreeBytes())
	}
}

func TestBadBlockPanics(t *testing.T) {
	tests := []struct {
		name  string
		start heap.Addr
		size  uintptr
	}{
		{"zero size", 0x1000, 0},
		{"unaligned size", 0x1000, 12},
		{"unaligned start", 0x1004, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("Free(%#x, %d) did not panic", tt.start, tt.size)
				}
			}()
			NewMemFreeList(nil).Free(tt.start, tt.size)
		})
	}
}

func TestReset(t *testing.T) {
	l := NewMemFreeList(nil)
	l.Free(0x1000, 1024*heap.WordSize)
	l.Free(0x9000, 8)
	l.Reset()
	if l.FreeBytes() != 0 || l.Len() != 0 {
		t.Errorf("after Reset: %d bytes in %d blocks", l.FreeBytes(), l.Len())
	}
	if _, ok := l.Allocate(8); ok {
		t.Error("allocation succeeded from an empty list")
	}
}

func TestResetLocked(t *testing.T) {
	l := NewMemFreeList(nil)
	l.Free(0x1000, 64)
	l.Lock()
	l.ResetLocked()
	l.FreeLocked(0x2000, 32)
	l.Unlock()
	if l.FreeBytes() != 32 || l.Len() != 1 {
		t.Errorf("after ResetLocked: %d bytes in %d blocks, want 32 in 1", l.FreeBytes(), l.Len())
	}
}

// Property: concurrent allocate/free pairs leave the total unchanged
func TestConcurrentAllocateFree(t *testing.T) {
	arena := heap.NewArena()
	l := NewMemFreeList(arena)
	var total uintptr
	for i := 0; i < 16; i++ {
		p := arena.Allocate(heap.Normal, 8192)
		l.Free(p.Base(), p.Size())
		total += p.Size()
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				size := uintptr(rng.Intn(64)+1) * heap.WordSize
				addr, ok := l.Allocate(size)
				if !ok {
					continue
				}
				l.Free(addr, size)
			}
		}(int64(g))
	}
	wg.Wait()

	if got := l.FreeBytes(); got != total {
		t.Errorf("FreeBytes() = %d, want %d", got, total)
	}
	var sum uintptr
	l.ForEachBlock(func(_ heap.Addr, size uintptr) { sum += size })
	if sum != total {
		t.Errorf("sum of blocks = %d, want %d", sum, total)
	}
}
