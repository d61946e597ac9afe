// ABOUTME: HeapPage: a byte arena holding a contiguous run of objects
// ABOUTME: Provides object views, raw fills, usage accounting and the intrusive list link

package heap

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Page is a fixed region of heap memory. Objects occupy
// [ObjectStart, ObjectEnd) with no gaps.
type Page struct {
	base      Addr
	mem       []byte
	kind      Kind
	objectEnd atomic.Uint64
	usedBytes atomic.Int64
	released  atomic.Bool

	// next is owned by the page list of the owning space. Mutators may
	// append to the tail while a sweeper walks the list, hence atomic.
	next atomic.Pointer[Page]
}

// NewPage creates a page of size bytes at base. Pages are normally obtained
// from an Arena; NewPage is exposed for standalone use in tests and tools.
func NewPage(kind Kind, base Addr, size uintptr) *Page {
	if base == 0 || !IsWordAligned(uintptr(base)) {
		panic(fmt.Sprintf("heap: bad page base %#x", base))
	}
	if size < WordSize || !IsWordAligned(size) {
		panic(fmt.Sprintf("heap: bad page size %d", size))
	}
	p := &Page{
		base: base,
		mem:  make([]byte, size),
		kind: kind,
	}
	p.objectEnd.Store(uint64(base) + uint64(size))
	return p
}

// Base returns the first address of the page
func (p *Page) Base() Addr { return p.base }

// Kind returns the page kind
func (p *Page) Kind() Kind { return p.kind }

// Size returns the size of the page's memory region in bytes
func (p *Page) Size() uintptr { return uintptr(len(p.mem)) }

// ObjectStart returns the address of the first object
func (p *Page) ObjectStart() Addr { return p.base }

// ObjectEnd returns the address one past the last object
func (p *Page) ObjectEnd() Addr { return Addr(p.objectEnd.Load()) }

// Contains reports whether addr lies inside the page's memory region
func (p *Page) Contains(addr Addr) bool {
	return addr >= p.base && addr < p.base+Addr(len(p.mem))
}

// UsedBytes returns the live byte count recorded by the last sweep
func (p *Page) UsedBytes() uintptr { return uintptr(p.usedBytes.Load()) }

// SetUsedBytes records the live byte count
func (p *Page) SetUsedBytes(n uintptr) { p.usedBytes.Store(int64(n)) }

// Next returns the next page in the owning list
func (p *Page) Next() *Page { return p.next.Load() }

// SetNext links p to next
func (p *Page) SetNext(next *Page) { p.next.Store(next) }

// Released reports whether the page has been returned to its arena
func (p *Page) Released() bool { return p.released.Load() }

// Truncate shrinks the object range so it ends at end. Memory past end
// stays reserved but is no longer part of the object stream.
func (p *Page) Truncate(end Addr) {
	if end < p.base || end > p.ObjectEnd() || !IsWordAligned(uintptr(end)) {
		panic(fmt.Sprintf("heap: bad truncation of page %#x to %#x", p.base, end))
	}
	p.objectEnd.Store(uint64(end))
}

// ObjectAt returns a view of the object whose header is at addr
func (p *Page) ObjectAt(addr Addr) Object {
	if addr < p.base || addr+WordSize > p.base+Addr(len(p.mem)) {
		panic(fmt.Sprintf("heap: address %#x outside page %#x", addr, p.base))
	}
	return Object{page: p, addr: addr}
}

// WriteObject writes an object header at addr and returns its view
func (p *Page) WriteObject(addr Addr, size uintptr, flags uint64) Object {
	o := p.ObjectAt(addr)
	o.setHeader(EncodeHeader(size, flags))
	return o
}

// Bytes returns the page memory backing [addr, addr+size)
func (p *Page) Bytes(addr Addr, size uintptr) []byte {
	off := uintptr(addr - p.base)
	return p.mem[off : off+size]
}

// Fill sets every byte of [addr, addr+size) to b
func (p *Page) Fill(addr Addr, size uintptr, b byte) {
	buf := p.Bytes(addr, size)
	for i := range buf {
		buf[i] = b
	}
}

// FillWords sets every word of [addr, addr+size) to w. size must be a
// multiple of WordSize.
func (p *Page) FillWords(addr Addr, size uintptr, w uint64) {
	buf := p.Bytes(addr, size)
	for i := 0; i+WordSize <= len(buf); i += WordSize {
		binary.LittleEndian.PutUint64(buf[i:], w)
	}
}

// ForEachObject calls fn for each object in [ObjectStart, ObjectEnd). It
// stops early if fn returns false or a header is malformed.
func (p *Page) ForEachObject(fn func(Object) bool) {
	end := p.ObjectEnd()
	for cur := p.ObjectStart(); cur < end; {
		o := p.ObjectAt(cur)
		size := o.Size()
		if size == 0 || cur+Addr(size) > end {
			return
		}
		if !fn(o) {
			return
		}
		cur += Addr(size)
	}
}

// String identifies the page in diagnostics
func (p *Page) String() string {
	return fmt.Sprintf("%s page %#x+%d", p.kind, p.base, len(p.mem))
}
