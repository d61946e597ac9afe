// ABOUTME: Materialises a decoded layout into a page space ready to be swept
// ABOUTME: Writes object headers and mark bits and precomputes what a sweep should reclaim

package layout

import (
	"fmt"

	"github.com/prateek/heapsweep/heap"
	"github.com/prateek/heapsweep/space"
	"github.com/prateek/heapsweep/trace"
)

// Heap is a layout written into a page space
type Heap struct {
	// Addrs maps object IDs to their addresses
	Addrs map[trace.ObjID]heap.Addr

	// Expected results of sweeping the heap once
	LiveBytes       uintptr // marked bytes across all pages
	FreeListBytes   uintptr // bytes the sweep registers with the free list
	DeadPages       int     // normal pages with no marked object
	DeadLargePages  int     // large pages whose object is unmarked
	TruncatedLarges int     // live large pages with filler behind them
}

// Build appends the layout's pages to s and leaves s in the marking phase
// with every mark bit set. s must not be sweeping.
func Build(l *Layout, s *space.PageSpace) (*Heap, error) {
	marked := make(map[trace.ObjID]bool)
	if len(l.Roots) > 0 {
		marked = l.Graph().Reachable()
	}
	isMarked := func(o Object) bool {
		return o.Marked || (o.ID != 0 && marked[o.ID])
	}

	s.BeginMarking()
	h := &Heap{Addrs: make(map[trace.ObjID]heap.Addr)}

	for i, lp := range l.Pages {
		kind, _ := heap.ParseKind(lp.Kind)
		page, err := s.AddPage(kind)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}

		var used, live uintptr
		for _, o := range lp.Objects {
			used += uintptr(o.Size)
		}
		if used > page.Size() {
			return nil, fmt.Errorf("page %d holds %d bytes, page size is %d: %w", i, used, page.Size(), ErrInvalidLayout)
		}

		cur := page.ObjectStart()
		for _, o := range lp.Objects {
			var flags uint64
			if isMarked(o) {
				flags = heap.MarkBit
				live += uintptr(o.Size)
			}
			page.WriteObject(cur, uintptr(o.Size), flags)
			if o.ID != 0 {
				h.Addrs[o.ID] = cur
			}
			cur += heap.Addr(o.Size)
		}
		if rest := page.Size() - used; rest > 0 {
			page.WriteObject(cur, rest, 0)
		}

		h.LiveBytes += live
		if live == 0 {
			h.DeadPages++
		} else {
			h.FreeListBytes += page.Size() - live
		}
	}

	for i, lo := range l.Large {
		total := uintptr(lo.Size)
		for _, f := range lo.Filler {
			total += uintptr(f)
		}
		page, err := s.AddLargePage(total)
		if err != nil {
			return nil, fmt.Errorf("large object %d: %w", i, err)
		}

		var flags uint64
		if isMarked(lo.Object) {
			flags = heap.MarkBit
		}
		obj := page.WriteObject(page.ObjectStart(), uintptr(lo.Size), flags)
		cur := obj.End()
		for _, f := range lo.Filler {
			page.WriteObject(cur, uintptr(f), 0)
			cur += heap.Addr(f)
		}
		if lo.ID != 0 {
			h.Addrs[lo.ID] = obj.Addr()
		}

		switch {
		case flags == 0:
			h.DeadLargePages++
		case len(lo.Filler) > 0:
			h.TruncatedLarges++
			h.LiveBytes += uintptr(lo.Size)
		default:
			h.LiveBytes += uintptr(lo.Size)
		}
	}
	return h, nil
}
