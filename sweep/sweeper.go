// ABOUTME: Page and large-page sweeping: merges dead objects into free blocks
// ABOUTME: Clears mark bits, poisons reclaimed memory and records live bytes per page

package sweep

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/prateek/heapsweep/freelist"
	"github.com/prateek/heapsweep/heap"
)

const (
	// DefaultZapByte poisons reclaimed data memory in debug mode
	DefaultZapByte byte = 0xf3
	// DefaultBreakFiller is an x86 int3 in every byte of a word
	DefaultBreakFiller uint64 = 0xcccccccccccccccc
)

// Config controls sweeper behaviour
type Config struct {
	// Debug enables zapping of reclaimed data memory and verification of
	// large-page filler
	Debug bool

	// ZapByte is written over reclaimed data memory in debug mode
	ZapByte byte

	// BreakFiller is written over every word of reclaimed executable
	// memory, in all modes
	BreakFiller uint64

	// Logger receives task-level diagnostics. Nil discards.
	Logger *slog.Logger
}

// DefaultConfig returns the release configuration
func DefaultConfig() Config {
	return Config{
		ZapByte:     DefaultZapByte,
		BreakFiller: DefaultBreakFiller,
	}
}

// Sweeper sweeps individual pages and schedules whole-space sweeps
type Sweeper struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a sweeper
func New(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sweeper{cfg: cfg, logger: logger}
}

// Config returns the sweeper's configuration
func (s *Sweeper) Config() Config {
	return s.cfg
}

// CorruptionError describes heap corruption found while sweeping. It is
// raised with panic, never returned: continuing would walk past page
// bounds.
type CorruptionError struct {
	Page   heap.Addr
	Kind   heap.Kind
	Offset uintptr
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("heap corruption in %s page %#x at offset %#x: %s", e.Kind, e.Page, e.Offset, e.Reason)
}

func corrupt(page *heap.Page, at heap.Addr, format string, args ...any) {
	panic(&CorruptionError{
		Page:   page.Base(),
		Kind:   page.Kind(),
		Offset: uintptr(at - page.ObjectStart()),
		Reason: fmt.Sprintf(format, args...),
	})
}

// objectAt reads the header at cur and checks that the object fits in
// [cur, end)
func objectAt(page *heap.Page, cur, end heap.Addr) heap.Object {
	obj := page.ObjectAt(cur)
	size := obj.Size()
	if size == 0 {
		corrupt(page, cur, "zero-sized object (header %#x)", obj.Header())
	}
	if heap.Addr(size) > end-cur {
		corrupt(page, cur, "object of %d bytes overruns object end %#x", size, end)
	}
	return obj
}

// SweepPage sweeps a normal or executable page. Marked objects have their
// mark bit cleared and count as used; each maximal run of unmarked objects
// is poisoned and registered with fl, except a run covering the whole page,
// which the caller retires instead. locked reports whether the caller holds
// fl's lock. It returns whether the page still holds live objects.
func (s *Sweeper) SweepPage(page *heap.Page, fl freelist.FreeList, locked bool) bool {
	if page.Kind() == heap.Large {
		panic(fmt.Sprintf("sweep: SweepPage called on %v", page))
	}

	var usedBytes uintptr
	isExecutable := page.Kind() == heap.Executable
	start := page.ObjectStart()
	end := page.ObjectEnd()
	current := start

	for current < end {
		obj := objectAt(page, current, end)
		if obj.IsMarked() {
			obj.ClearMarkBit()
			usedBytes += obj.Size()
			current = obj.End()
			continue
		}

		freeEnd := obj.End()
		for freeEnd < end {
			next := objectAt(page, freeEnd, end)
			if next.IsMarked() {
				break
			}
			freeEnd = next.End()
		}

		blockSize := uintptr(freeEnd - current)
		if isExecutable {
			page.FillWords(current, blockSize, s.cfg.BreakFiller)
		} else if s.cfg.Debug {
			page.Fill(current, blockSize, s.cfg.ZapByte)
		}

		// A block covering the whole page is not registered; the page
		// itself is released.
		if current != start || freeEnd != end {
			if locked {
				fl.FreeLocked(current, blockSize)
			} else {
				fl.Free(current, blockSize)
			}
		}
		current = freeEnd
	}
	if current != end {
		corrupt(page, current, "sweep ended at %#x, want %#x", current, end)
	}

	page.SetUsedBytes(usedBytes)
	return usedBytes != 0
}

// SweepLargePage sweeps a page holding a single object. It returns the
// live object's size in words, or 0 if the object is dead and the page can
// be released. In debug mode any filler between the object and the page's
// object end is checked to be unmarked and then poisoned.
func (s *Sweeper) SweepLargePage(page *heap.Page) uintptr {
	if page.Kind() != heap.Large {
		panic(fmt.Sprintf("sweep: SweepLargePage called on %v", page))
	}

	end := page.ObjectEnd()
	obj := objectAt(page, page.ObjectStart(), end)
	var wordsToEnd uintptr
	if obj.IsMarked() {
		obj.ClearMarkBit()
		wordsToEnd = obj.Size() >> heap.WordSizeLog2
	}

	if s.cfg.Debug {
		// Shrinking a large object in place leaves unreachable filler
		// objects behind it.
		for current := obj.End(); current < end; {
			filler := objectAt(page, current, end)
			if filler.IsMarked() {
				corrupt(page, current, "marked filler object of %d bytes past the large object", filler.Size())
			}
			size := filler.Size()
			page.Fill(current, size, s.cfg.ZapByte)
			current += heap.Addr(size)
		}
	}
	return wordsToEnd
}
