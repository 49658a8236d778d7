package taprunner

import "sync/atomic"

// LifecycleState is one stage of a [Node]'s lifecycle.
//
// State Machine:
//
//	Pending -> Running     [scheduler acquires a gate slot and invokes the body]
//	Running -> Settling    [the body's own execution completes]
//	Settling -> Reported   [aggregate verdict computed, TAP line buffered]
//
// A Node may also go directly Pending -> Reported (skipped tests never
// invoke their body) or be forced straight to Reported by the late-arrival
// policy or by parent cancellation.
type LifecycleState uint32

const (
	// Pending is the initial state: created, not yet scheduled.
	Pending LifecycleState = iota
	// Running indicates the body is currently executing or awaiting its own
	// settlement (promise resolution / callback invocation).
	Running
	// Settling indicates the body's own execution has completed and the
	// node is now aggregating its children's verdicts.
	Settling
	// Reported is terminal: the node's single TAP result line has been (or
	// is about to be) written.
	Reported
)

func (s LifecycleState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Running:
		return "Running"
	case Settling:
		return "Settling"
	case Reported:
		return "Reported"
	default:
		return "Unknown"
	}
}

// lifecycle is a lock-free state holder using CAS for the valid forward
// transitions, modeled on the compare-and-swap discipline of the teacher's
// eventloop state.
type lifecycle struct {
	v atomic.Uint32
}

func (l *lifecycle) Load() LifecycleState {
	return LifecycleState(l.v.Load())
}

// Store performs an unconditional transition. The scheduler uses it for
// Running -> Settling, and finalize uses it for every transition to Reported,
// including the forced late-arrival and cancellation paths.
func (l *lifecycle) Store(s LifecycleState) {
	l.v.Store(uint32(s))
}

// TryTransition attempts the CAS from -> to, returning whether it succeeded.
func (l *lifecycle) TryTransition(from, to LifecycleState) bool {
	return l.v.CompareAndSwap(uint32(from), uint32(to))
}
