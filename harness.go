package taprunner

import "io"

// Root is the file-level harness (C7): it owns the invisible depth-0 test
// node, the scheduler, and the TAP emitter for one file's run. Unlike a
// nested parent, which cancels outstanding children the instant its own
// body returns, the root's whole purpose is to run the file to completion,
// so Finish blocks until every top-level test has reached Reported rather
// than force-cancelling any of them (DESIGN.md, Open Question OQ-1).
type Root struct {
	node *Node
	sch  *scheduler
	em   *emitter
}

// NewRoot constructs a file harness writing TAP output to w.
func NewRoot(w io.Writer, opts ...RootOption) *Root {
	o := buildRootOptions(opts...)
	em := newEmitter(w, o.streaming)
	sch := newScheduler(em)

	root := &Node{
		opts: nodeOptions{concurrency: o.concurrency},
	}
	root.root = root
	root.sch = sch
	root.handle = &Handle{node: root, done: make(chan struct{})}

	return &Root{node: root, sch: sch, em: em}
}

// Test creates a top-level synchronous/value-mode test.
func (r *Root) Test(name string, fn func(t *T), opts ...Option) *Handle {
	return r.sch.createChild(r.node, name, buildOptions(opts...), bodySpec{mode: modeValue, valueFn: fn})
}

// TestAsync creates a top-level promise-mode test.
func (r *Root) TestAsync(name string, fn func(t *T) <-chan error, opts ...Option) *Handle {
	return r.sch.createChild(r.node, name, buildOptions(opts...), bodySpec{mode: modeAsync, asyncFn: fn})
}

// TestCallback creates a top-level callback-mode test.
func (r *Root) TestCallback(name string, fn func(t *T, done func(error)), opts ...Option) *Handle {
	return r.sch.createChild(r.node, name, buildOptions(opts...), bodySpec{mode: modeCallback, callbackFn: fn})
}

// Finish awaits every top-level test (including any added concurrently up to
// the moment each is drained), writes the file's final 1..N plan line (or a
// "Bail out!" line if a test called T.BailOut), flushes buffered output, and
// returns a process exit code: 1 if a test called T.BailOut or a top-level
// test has a failing, non-Todo verdict, 0 otherwise (spec §4.7). Faults
// routed to the file root are diagnostics only and do not affect the code.
func (r *Root) Finish() int {
	awaited := 0
	for {
		children := r.awaitableChildren()
		if len(children) == awaited {
			break
		}
		for _, c := range children[awaited:] {
			c.handle.Wait()
		}
		awaited = len(children)
	}

	r.sch.mu.Lock()
	bail := r.sch.bailout
	reason := r.sch.bailoutReason
	r.sch.mu.Unlock()

	if bail {
		r.em.bailOut(reason)
		_ = r.em.flush()
		return 1
	}

	children := r.awaitableChildren()
	r.em.closeScope(r.node, len(children))
	_ = r.em.flush()

	for _, c := range children {
		if c.getVerdict().countsAgainstParent() {
			return 1
		}
	}
	return 0
}

// awaitableChildren snapshots the root's current children. New top-level
// tests created concurrently with an in-progress Finish call may or may not
// be included in a given snapshot; Finish loops until the snapshot stops
// growing, so a Test call that happens-before Finish returns is always
// awaited.
func (r *Root) awaitableChildren() []*Node {
	r.node.mu.Lock()
	defer r.node.mu.Unlock()
	out := make([]*Node, len(r.node.children))
	copy(out, r.node.children)
	return out
}
