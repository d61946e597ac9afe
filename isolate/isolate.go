// ABOUTME: Owning context for heap work: helper threads attach before touching heap memory
// ABOUTME: Shutdown refuses new helpers and waits until attached helpers have exited

package isolate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrShuttingDown is returned when attaching to an isolate that is
	// being torn down
	ErrShuttingDown = errors.New("isolate is shutting down")
)

// TaskKind names the role of a helper thread
type TaskKind uint8

const (
	// SweeperTask is a background sweeper
	SweeperTask TaskKind = iota + 1
	// MarkerTask is a background marker
	MarkerTask
	// CompactorTask is a parallel compactor
	CompactorTask
)

func (k TaskKind) String() string {
	switch k {
	case SweeperTask:
		return "sweeper"
	case MarkerTask:
		return "marker"
	case CompactorTask:
		return "compactor"
	}
	return fmt.Sprintf("task(%d)", uint8(k))
}

// Isolate is the context heap helpers attach to
type Isolate struct {
	name string

	mu           sync.Mutex
	drained      *sync.Cond
	helpers      int
	shuttingDown bool
}

// New creates an isolate
func New(name string) *Isolate {
	iso := &Isolate{name: name}
	iso.drained = sync.NewCond(&iso.mu)
	return iso
}

// Name returns the isolate's name
func (iso *Isolate) Name() string { return iso.name }

// Thread is a helper attached to an isolate. Exit detaches it.
type Thread struct {
	iso              *Isolate
	kind             TaskKind
	bypassSafepoints bool
	exited           atomic.Bool
}

// EnterAsHelper attaches the calling goroutine to the isolate as a helper
// of the given kind. Helpers that bypass safepoints do not participate in
// safepoint operations; they must only rely on state fixed before they
// attached.
func (iso *Isolate) EnterAsHelper(kind TaskKind, bypassSafepoints bool) (*Thread, error) {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	if iso.shuttingDown {
		return nil, fmt.Errorf("entering %s as %s: %w", iso.name, kind, ErrShuttingDown)
	}
	iso.helpers++
	return &Thread{iso: iso, kind: kind, bypassSafepoints: bypassSafepoints}, nil
}

// Kind returns the helper's role
func (t *Thread) Kind() TaskKind { return t.kind }

// BypassSafepoints reports whether the helper skips safepoint checks
func (t *Thread) BypassSafepoints() bool { return t.bypassSafepoints }

// Isolate returns the isolate the helper is attached to
func (t *Thread) Isolate() *Isolate { return t.iso }

// Exit detaches the helper. Calling it more than once is a no-op, so it
// can be deferred alongside an explicit early exit.
func (t *Thread) Exit() {
	if !t.exited.CompareAndSwap(false, true) {
		return
	}
	iso := t.iso
	iso.mu.Lock()
	defer iso.mu.Unlock()
	iso.helpers--
	if iso.helpers == 0 {
		iso.drained.Broadcast()
	}
}

// Helpers returns the number of attached helpers
func (iso *Isolate) Helpers() int {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	return iso.helpers
}

// Shutdown stops new helpers from attaching and waits for attached helpers
// to exit
func (iso *Isolate) Shutdown() {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	iso.shuttingDown = true
	for iso.helpers > 0 {
		iso.drained.Wait()
	}
}
