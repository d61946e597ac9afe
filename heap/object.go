// ABOUTME: Object header encoding and typed views over page memory
// ABOUTME: An object is a header word (size, mark bit, free tag) followed by payload

package heap

import "encoding/binary"

// Header word layout. Sizes are word multiples so the low bits are free for
// flags.
const (
	MarkBit     uint64 = 1 << 0
	FreeElemBit uint64 = 1 << 1
	sizeMask    uint64 = ^uint64(WordSize - 1)
)

// EncodeHeader builds a header word for an object of the given size
func EncodeHeader(size uintptr, flags uint64) uint64 {
	return uint64(size)&sizeMask | flags&^sizeMask
}

// Object is a view of the object whose header is at Addr. It holds no
// memory of its own.
type Object struct {
	page *Page
	addr Addr
}

// Addr returns the object's start address
func (o Object) Addr() Addr {
	return o.addr
}

// Page returns the page the object lives in
func (o Object) Page() *Page {
	return o.page
}

func (o Object) word() []byte {
	off := o.addr - o.page.base
	return o.page.mem[off : off+WordSize]
}

// Header returns the raw header word
func (o Object) Header() uint64 {
	return binary.LittleEndian.Uint64(o.word())
}

func (o Object) setHeader(h uint64) {
	binary.LittleEndian.PutUint64(o.word(), h)
}

// Size returns the object's size in bytes as recorded in its header
func (o Object) Size() uintptr {
	return uintptr(o.Header() & sizeMask)
}

// End returns the address one past the object
func (o Object) End() Addr {
	return o.addr + Addr(o.Size())
}

// IsMarked reports whether the mark bit is set
func (o Object) IsMarked() bool {
	return o.Header()&MarkBit != 0
}

// SetMarkBit sets the mark bit. Only the tracer calls this.
func (o Object) SetMarkBit() {
	o.setHeader(o.Header() | MarkBit)
}

// ClearMarkBit clears the mark bit. Only the sweeper calls this.
func (o Object) ClearMarkBit() {
	o.setHeader(o.Header() &^ MarkBit)
}

// IsFreeElement reports whether the object is a free-list element
func (o Object) IsFreeElement() bool {
	return o.Header()&FreeElemBit != 0
}
