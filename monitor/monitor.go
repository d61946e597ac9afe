// ABOUTME: Monitor: a mutex paired with a condition variable
// ABOUTME: Used by the page owner to guard task counts and wake waiting allocators

// Package monitor provides a lock with wait/notify in the style of a
// classic monitor. Callers enter the monitor, optionally wait or notify,
// and exit:
//
//	ml := m.Enter()
//	defer ml.Exit()
//	for !ready() {
//		ml.Wait()
//	}
package monitor

import "sync"

// Monitor is a mutex with an associated condition variable
type Monitor struct {
	mu   sync.Mutex
	cond *sync.Cond
	once sync.Once
}

func (m *Monitor) init() {
	m.once.Do(func() { m.cond = sync.NewCond(&m.mu) })
}

// Locker is a held monitor. It is only valid until Exit.
type Locker struct {
	m *Monitor
}

// Enter acquires the monitor
func (m *Monitor) Enter() Locker {
	m.init()
	m.mu.Lock()
	return Locker{m: m}
}

// Exit releases the monitor
func (l Locker) Exit() {
	l.m.mu.Unlock()
}

// Wait atomically releases the monitor and suspends until notified, then
// reacquires it. Spurious wakeups are possible; callers wait in a loop.
func (l Locker) Wait() {
	l.m.cond.Wait()
}

// Notify wakes one waiter
func (l Locker) Notify() {
	l.m.cond.Signal()
}

// NotifyAll wakes every waiter
func (l Locker) NotifyAll() {
	l.m.cond.Broadcast()
}
