package taprunner

import (
	"sync"
	"time"
)

// completionMode identifies which of the three completion protocols (spec
// §4.3) a node's body uses.
type completionMode int

const (
	modeValue completionMode = iota
	modeAsync
	modeCallback
)

// bodySpec holds whichever of the three body closures the node was created
// with. More than one of asyncFn/callbackFn set is the dual-completion
// contract violation from spec §4.3 step 5; see completion.go.
type bodySpec struct {
	mode       completionMode
	valueFn    func(t *T)
	asyncFn    func(t *T) <-chan error
	callbackFn func(t *T, done func(error))
}

// Node is one entry in the test tree: it corresponds to exactly one TAP
// result line (spec §3 "Test Node"). Node's exported surface is read-only;
// all mutation happens through the scheduler or through a [T] handle.
type Node struct {
	mu sync.Mutex

	name    string
	depth   int
	ordinal int // 1-based within its scope; assigned at attach time

	parent *Node
	root   *Node
	sch    *scheduler

	children []*Node
	opts     nodeOptions

	state    lifecycle
	finished bool // true the instant the body's own execution completes

	verdict     Verdict
	verdictSet  bool
	diagnostics []string

	start, end time.Time

	body bodySpec

	// preFinishCount is the number of children that existed at the instant
	// finished flipped true; children appended after that are late.
	preFinishCount int

	handle       *Handle
	finalizeOnce sync.Once
}

// finalize transitions n to Reported exactly once (spec invariant 1: a
// verdict, once set, never changes), regardless of whether it is called by
// n's own run loop reaching its natural end or by a parent force-cancelling
// an outstanding child at its own Settling transition (spec §4.5). Whichever
// call wins the race is, by construction, the one spec treats as authoritative:
// a child still outstanding at its parent's Settling instant is "outstanding",
// full stop, independent of how close it was to finishing on its own.
func (n *Node) finalize(v Verdict) {
	n.finalizeOnce.Do(func() {
		n.mu.Lock()
		if !n.verdictSet {
			n.verdict = v
			n.verdictSet = true
		}
		n.mu.Unlock()
		n.state.Store(Reported)
		getLogger().Debug().Str("name", n.Name()).Log("-> Reported")
		if n.sch != nil && n != n.root {
			n.sch.emitter.report(n)
		}
		n.handle.settle()
	})
}

// Name returns the node's display name, or "<anonymous>" if none was given.
func (n *Node) Name() string {
	if n.name == "" {
		return "<anonymous>"
	}
	return n.name
}

// Depth returns the node's nesting depth (0 = file root).
func (n *Node) Depth() int { return n.depth }

// State returns the node's current lifecycle state.
func (n *Node) State() LifecycleState { return n.state.Load() }

func newNode(parent *Node, name string, opts nodeOptions, body bodySpec) *Node {
	n := &Node{
		name: name,
		opts: opts,
		body: body,
	}
	if parent != nil {
		n.parent = parent
		n.root = parent.root
		n.sch = parent.sch
		n.depth = parent.depth + 1
		if n.opts.concurrency == 0 {
			n.opts.concurrency = parent.opts.concurrency
		}
	} else {
		n.root = n
		if n.opts.concurrency == 0 {
			n.opts.concurrency = 1
		}
	}
	n.handle = &Handle{node: n, done: make(chan struct{})}
	return n
}

// addDiagnostic appends a diagnostic line. Per spec §4.2, calls after the
// node has Reported are silently dropped from the node itself but recorded
// against the file root instead, so nothing is ever lost outright.
func (n *Node) addDiagnostic(msg string) {
	n.mu.Lock()
	if n.state.Load() == Reported {
		n.mu.Unlock()
		if n.root != nil && n.root != n {
			n.root.addDiagnostic("(dropped for " + n.Name() + ") " + msg)
		}
		return
	}
	n.diagnostics = append(n.diagnostics, msg)
	n.mu.Unlock()
}

// setVerdict sets the verdict exactly once (spec invariant 1); subsequent
// calls are ignored so earlier forced verdicts (dual-completion, late
// arrival, cancellation) are never clobbered by a late-arriving settlement.
func (n *Node) setVerdict(v Verdict) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.verdictSet {
		return
	}
	n.verdict = v
	n.verdictSet = true
}

func (n *Node) getVerdict() Verdict {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.verdict
}

// snapshotDiagnostics returns a copy of the diagnostics recorded so far.
func (n *Node) snapshotDiagnostics() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.diagnostics))
	copy(out, n.diagnostics)
	return out
}

// T is the context handle passed to a test body. Its operations are the
// only user-facing mutation surface onto a [Node] (spec §4.2).
type T struct {
	node *Node
}

// Name returns the name of the test this context belongs to.
func (t *T) Name() string { return t.node.Name() }

// Diagnostic appends a diagnostic message. It never fails; if called after
// the test has Reported, the message is attributed to the file root instead
// (spec §4.2).
func (t *T) Diagnostic(msg string) {
	t.node.addDiagnostic(msg)
}

// DiagnosticError appends a diagnostic rendered from an error, including a
// stack trace line if err implements an optional StackTrace() string method
// (SPEC_FULL.md §12, "structured diagnostic formatting").
func (t *T) DiagnosticError(err error) {
	if err == nil {
		return
	}
	msg := "message: " + err.Error()
	if st, ok := err.(interface{ StackTrace() string }); ok {
		msg += "\n  stack: " + st.StackTrace()
	}
	t.node.addDiagnostic(msg)
}

// Skip marks this test as skipped. It does not interrupt the body; if
// called before the body returns, the forced Skipped verdict still wins
// over whatever the body's own completion would have produced, per the
// §8 "once Fail is set, later skip/todo calls are diagnostics only" rule
// applied symmetrically: skip/todo set BEFORE any Fail has landed always
// take priority, matching the Open Question resolution in DESIGN.md.
func (t *T) Skip(reason ...string) {
	r := ""
	if len(reason) > 0 {
		r = reason[0]
	}
	n := t.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.verdictSet {
		n.diagnostics = append(n.diagnostics, "skip() called after verdict was already set: "+r)
		return
	}
	n.verdict = skipVerdict(r)
	n.verdictSet = true
}

// Todo marks this test as a Todo test: it still executes, but a failure
// does not propagate to the parent's aggregate verdict.
func (t *T) Todo(reason ...string) {
	r := ""
	if len(reason) > 0 {
		r = reason[0]
	}
	n := t.node
	n.mu.Lock()
	n.opts.todo = true
	n.opts.todoReason = r
	if n.verdictSet {
		n.verdict.Todo = true
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
}

// BailOut is recorded against the file root and causes Root.Finish to write a
// TAP "Bail out!" line in place of the root's plan line and return 1
// (SPEC_FULL.md §12). It does not stop other tests: Finish still awaits every
// top-level test, and their result lines are still written.
func (t *T) BailOut(reason string) {
	root := t.node.root
	root.mu.Lock()
	root.sch.bailoutReason = reason
	root.sch.bailout = true
	root.mu.Unlock()
}

// Go runs fn on a new goroutine detached from this test's own completion:
// fn may still be executing after t's test has Reported. A panic inside fn
// does not crash the process; it is recovered and routed by the Asynchronous
// Fault Router (spec §4.6) to whichever single node is currently Running at
// the moment fn panics, or to the file root if zero or more than one node is
// Running. This is the sanctioned way for a test body to spawn "extraneous
// asynchronous activity that outlives a test" (spec §1) and still have its
// faults attributed rather than silently lost or crashing the run.
func (t *T) Go(fn func()) {
	t.node.sch.faults.spawn(t.node.root, fn)
}

// Test creates a synchronous/value-mode child test.
func (t *T) Test(name string, fn func(t *T), opts ...Option) *Handle {
	return t.node.sch.createChild(t.node, name, buildOptions(opts...), bodySpec{mode: modeValue, valueFn: fn})
}

// TestAsync creates a promise-mode child test: fn returns a channel that
// yields at most one value (nil for success, non-nil for failure).
func (t *T) TestAsync(name string, fn func(t *T) <-chan error, opts ...Option) *Handle {
	return t.node.sch.createChild(t.node, name, buildOptions(opts...), bodySpec{mode: modeAsync, asyncFn: fn})
}

// TestCallback creates a callback-mode child test: fn must invoke done
// exactly once (subsequent invocations are ignored but recorded).
func (t *T) TestCallback(name string, fn func(t *T, done func(error)), opts ...Option) *Handle {
	return t.node.sch.createChild(t.node, name, buildOptions(opts...), bodySpec{mode: modeCallback, callbackFn: fn})
}

// Handle is returned by test-creating operations. It settles (its Done
// channel closes) once the corresponding Node reaches Reported; per spec §6
// it never "rejects" — failures are surfaced only via TAP output.
type Handle struct {
	node *Node
	done chan struct{}
}

// Done returns a channel that is closed when the test reaches Reported.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the test reaches Reported.
func (h *Handle) Wait() { <-h.done }

func (h *Handle) settle() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
