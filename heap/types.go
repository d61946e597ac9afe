// ABOUTME: Core types for the paged heap: addresses, word size and page kinds
// ABOUTME: Shared by the free list, the sweeper and the page-owning space

package heap

import "fmt"

// Addr is a heap address. Zero is never a valid object address.
type Addr uint64

const (
	// WordSize is the heap word size in bytes
	WordSize = 8
	// WordSizeLog2 is log2(WordSize)
	WordSizeLog2 = 3
	// PageAlignment is the granularity at which the arena hands out pages
	PageAlignment = 4096
)

// Kind classifies a page
type Kind uint8

const (
	// Normal pages hold a contiguous run of data objects
	Normal Kind = iota
	// Executable pages hold instructions; reclaimed memory is filled with
	// break instructions instead of the debug zap byte
	Executable
	// Large pages hold exactly one logical object
	Large
)

// String returns the lower-case kind name
func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case Executable:
		return "executable"
	case Large:
		return "large"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind converts a kind name back to a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "normal":
		return Normal, nil
	case "executable":
		return Executable, nil
	case "large":
		return Large, nil
	}
	return 0, fmt.Errorf("unknown page kind %q", s)
}

// RoundUp rounds n up to a multiple of align, which must be a power of two
func RoundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// IsWordAligned reports whether n is a multiple of WordSize
func IsWordAligned(n uintptr) bool {
	return n&(WordSize-1) == 0
}
