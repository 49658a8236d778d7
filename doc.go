// Package taprunner is a structured test runner: it executes a tree of
// user-authored test functions and streams the result as a Test Anything
// Protocol (TAP), version 13, document on an io.Writer.
//
// # Architecture
//
// The runner is built around a [Node] core that models one test's lifecycle
// (Pending -> Running -> Settling -> Reported) and a [scheduler] that drives
// that lifecycle, enforcing bounded sibling concurrency and the "a parent
// does not wait for its children unless the caller explicitly awaits their
// Handle" rule.
//
// A file's tests start from a [Root], created with [NewRoot]. [Root.Test],
// [Root.TestAsync], and [Root.TestCallback] create top-level tests, each
// corresponding to one of the three completion protocols a user test body
// may use: synchronous return, promise-like channel settlement, or a
// single-shot completion callback. The [T] context handle passed to a body
// exposes the same three methods for creating subtests, plus [T.Diagnostic],
// [T.Skip], [T.Todo], and [T.BailOut].
//
// # Concurrency
//
// Each parent bounds its direct children to at most its concurrency (set with
// [WithConcurrency], otherwise inherited) simultaneously-running instances, acquired in creation order (see gate.go).
// Parallelism exists only as goroutine interleaving: a node's own body is
// never interrupted mid-execution, and TAP output order is always
// deterministic (sibling ordinal order, parent after all children),
// regardless of completion order.
//
// # Faults
//
// Goroutines the scheduler spawns to drive a node's body are wrapped so that
// a panic escaping them is recovered and routed by the fault router
// (faultrouter.go) to whichever single node is currently Running, or to the
// file root if zero or more than one node is Running at that instant.
//
// # Usage
//
//	root := taprunner.NewRoot(os.Stdout)
//	root.Test("adds", func(t *taprunner.T) {
//	    if 1+1 != 2 {
//	        t.Diagnostic("math is broken")
//	    }
//	})
//	os.Exit(root.Finish())
package taprunner
