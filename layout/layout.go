// ABOUTME: JSON description of a synthetic heap: pages, objects, marks and roots
// ABOUTME: Decodes and validates layouts used by tests and tools to build page spaces

package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prateek/heapsweep/heap"
	"github.com/prateek/heapsweep/trace"
)

var (
	// ErrInvalidLayout is returned for layouts that cannot be materialised
	ErrInvalidLayout = errors.New("invalid heap layout")
)

// Layout is a synthetic heap. Objects are marked if their Marked flag is
// set or, when Roots is non-empty, if they are reachable from Roots
// through Ptrs.
type Layout struct {
	Pages []Page        `json:"pages"`
	Large []LargeObject `json:"large"`
	Roots []trace.ObjID `json:"roots"`
}

// Page is one normal or executable page. Objects are laid out from the
// page start; the rest of the page becomes one dead object.
type Page struct {
	Kind    string   `json:"kind"`
	Objects []Object `json:"objects"`
}

// Object is one object in a page
type Object struct {
	ID     trace.ObjID   `json:"id"`
	Size   uint64        `json:"size"`
	Marked bool          `json:"marked"`
	Ptrs   []trace.ObjID `json:"ptrs"`
}

// LargeObject is the single object of a large page. Filler lists the sizes
// of unreachable objects left behind it by an earlier in-place shrink.
type LargeObject struct {
	Object
	Filler []uint64 `json:"filler"`
}

// Decode reads a JSON layout and validates it
func Decode(r io.Reader) (*Layout, error) {
	var l Layout
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&l); err != nil {
		return nil, fmt.Errorf("failed to decode layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate checks sizes, kinds and IDs
func (l *Layout) Validate() error {
	ids := make(map[trace.ObjID]bool)
	checkObject := func(where string, o Object) error {
		if err := checkSize(o.Size); err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		if o.ID != 0 {
			if ids[o.ID] {
				return fmt.Errorf("%s: duplicate id %d: %w", where, o.ID, ErrInvalidLayout)
			}
			ids[o.ID] = true
		}
		return nil
	}

	for i, p := range l.Pages {
		kind, err := heap.ParseKind(p.Kind)
		if err != nil || kind == heap.Large {
			return fmt.Errorf("page %d: kind %q: %w", i, p.Kind, ErrInvalidLayout)
		}
		for j, o := range p.Objects {
			if err := checkObject(fmt.Sprintf("page %d object %d", i, j), o); err != nil {
				return err
			}
		}
	}
	for i, lo := range l.Large {
		where := fmt.Sprintf("large object %d", i)
		if err := checkObject(where, lo.Object); err != nil {
			return err
		}
		for j, f := range lo.Filler {
			if err := checkSize(f); err != nil {
				return fmt.Errorf("%s filler %d: %w", where, j, err)
			}
		}
	}
	return nil
}

func checkSize(size uint64) error {
	if size == 0 || !heap.IsWordAligned(uintptr(size)) {
		return fmt.Errorf("size %d is not a positive multiple of %d: %w", size, heap.WordSize, ErrInvalidLayout)
	}
	return nil
}

// Graph returns the object graph of every object with an ID
func (l *Layout) Graph() *trace.Graph {
	g := trace.NewGraph()
	add := func(o Object) {
		if o.ID != 0 {
			g.Add(o.ID, o.Size, o.Ptrs...)
		}
	}
	for _, p := range l.Pages {
		for _, o := range p.Objects {
			add(o)
		}
	}
	for _, lo := range l.Large {
		add(lo.Object)
	}
	g.AddRoots(l.Roots...)
	return g
}
