// Package inflight provides the per-action re-entrancy guard used around
// suspending calls (face capture, user lookup, chat). A second attempt while
// one is pending is refused, not queued.
package inflight

import "sync/atomic"

// State is the guard's position.
type State int32

const (
	Idle State = iota
	Pending
)

func (s State) String() string {
	if s == Pending {
		return "pending"
	}
	return "idle"
}

// Guard is an idle/pending flag. The zero value is idle and ready to use.
type Guard struct {
	state atomic.Int32
}

// TryBegin moves the guard from Idle to Pending. It returns false, leaving
// the guard untouched, when an action is already pending.
func (g *Guard) TryBegin() bool {
	return g.state.CompareAndSwap(int32(Idle), int32(Pending))
}

// End returns the guard to Idle.
func (g *Guard) End() {
	g.state.Store(int32(Idle))
}

// State reports the current position.
func (g *Guard) State() State {
	return State(g.state.Load())
}

// Busy reports whether an action is pending.
func (g *Guard) Busy() bool {
	return g.State() == Pending
}
