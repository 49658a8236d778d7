package taprunner

import (
	"context"
	"sync"
)

// scheduler implements C5, the Runner/Scheduler: it drives every [Node]
// through Pending -> Running -> Settling -> Reported, owns the per-parent
// concurrency gates, and applies the late-subtest and parent-cancellation
// policies from spec §4.4/§4.5.
type scheduler struct {
	faults  *faultRouter
	emitter *emitter

	gatesMu sync.Mutex
	gates   map[*Node]*gate

	mu            sync.Mutex
	bailout       bool
	bailoutReason string
	rootFaults    []error
}

func newScheduler(e *emitter) *scheduler {
	return &scheduler{
		faults:  newFaultRouter(),
		emitter: e,
		gates:   make(map[*Node]*gate),
	}
}

func (s *scheduler) gateFor(parent *Node) *gate {
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	g, ok := s.gates[parent]
	if ok {
		return g
	}
	capacity := 1
	if parent != nil {
		capacity = parent.opts.concurrency
	}
	g = newGate(capacity)
	s.gates[parent] = g
	return g
}

// createChild attaches a new child to parent and schedules it, applying the
// late-subtest policy (spec §4.4, "created too late"): a child created after
// parent.finished is forced to Fail without its body ever running, and is
// reparented to the file root rather than to parent.
func (s *scheduler) createChild(parent *Node, name string, opts nodeOptions, body bodySpec) *Handle {
	parent.mu.Lock()
	late := parent.finished
	if !late {
		ordinal := len(parent.children) + 1
		n := newNode(parent, name, opts, body)
		n.ordinal = ordinal
		parent.children = append(parent.children, n)
		parent.mu.Unlock()

		root := n.root
		s.faults.spawn(root, func() { s.run(n) })
		return n.handle
	}
	parent.mu.Unlock()

	getLogger().Warning().Str("name", name).Str("parent", parent.Name()).Log("rejecting subtest created after its parent finished")

	root := parent.root
	root.mu.Lock()
	ordinal := len(root.children) + 1
	n := newNode(root, name, opts, body)
	n.ordinal = ordinal
	root.children = append(root.children, n)
	root.mu.Unlock()

	n.mu.Lock()
	n.finished = true
	n.mu.Unlock()
	n.finalize(failVerdict("created too late", &CreatedTooLateError{Name: name}))
	return n.handle
}

// run drives one node from Pending through to Reported. It is always invoked
// on its own goroutine (via faultRouter.spawn, so a scheduler-internal panic
// is still recovered and attributed rather than crashing the process).
func (s *scheduler) run(n *Node) {
	ctx := context.Background()
	g := s.gateFor(n.parent)

	if n.opts.skip {
		_ = g.acquireAndRelease(ctx, n.ordinal)
		n.mu.Lock()
		n.finished = true
		n.preFinishCount = len(n.children)
		n.mu.Unlock()
		v := skipVerdict(n.opts.skipReason)
		v.Todo = n.opts.todo
		n.finalize(v)
		return
	}

	if err := g.acquire(ctx, n.ordinal); err != nil {
		n.finalize(failVerdict("gate acquisition failed", err))
		return
	}

	n.state.TryTransition(Pending, Running)
	s.faults.enterRunning(n)
	getLogger().Debug().Str("name", n.Name()).Log("Pending -> Running")

	outcome := detectCompletion(n.body, &T{node: n}, n)

	s.faults.leaveRunning(n)

	// n may already have been force-finalized by its parent while this body
	// was still running unaware of it (spec §4.5): in that case n is already
	// Reported and nothing below may run, or it would clobber that state and
	// double-process children already handed to the parent's own aggregate.
	if n.state.Load() == Reported {
		g.release()
		return
	}
	n.state.Store(Settling)
	getLogger().Debug().Str("name", n.Name()).Log("Running -> Settling")

	n.mu.Lock()
	n.finished = true
	n.preFinishCount = len(n.children)
	children := append([]*Node(nil), n.children[:n.preFinishCount]...)
	n.mu.Unlock()

	// Spec §4.5: any pre-finish child still outstanding at this instant is
	// forced to Fail; its own background execution, if still in flight,
	// continues but its eventual outcome is discarded (finalize is one-shot).
	for _, c := range children {
		if c.state.Load() != Reported {
			getLogger().Warning().Str("name", c.Name()).Str("parent", n.Name()).Log("cancelling child still outstanding at parent's Settling")
			c.finalize(failVerdict("parent finished before child", &ParentFinishedError{Name: c.Name()}))
		}
	}

	childVerdicts := make([]Verdict, len(children))
	for i, c := range children {
		childVerdicts[i] = c.getVerdict()
	}

	n.mu.Lock()
	alreadySet := n.verdictSet
	existing := n.verdict
	n.mu.Unlock()

	var final Verdict
	switch {
	case alreadySet:
		final = existing
	case outcome.failed:
		final = failVerdict(outcome.reason, outcome.err)
	default:
		final = aggregate(childVerdicts, nil)
	}
	final.Todo = final.Todo || n.opts.todo

	if len(children) > 0 {
		s.emitter.closeScope(n, len(children))
	}
	n.finalize(final)
	g.release()
}
