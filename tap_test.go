package taprunner

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildReportedNode constructs a Node already in the Reported state, as if
// it had gone through the scheduler, without actually running one.
func buildReportedNode(parent *Node, name string, ordinal, depth int, v Verdict) *Node {
	n := &Node{name: name, ordinal: ordinal, depth: depth, parent: parent}
	n.root = parent.root
	n.verdict = v
	n.verdictSet = true
	n.state.Store(Reported)
	n.handle = &Handle{node: n, done: make(chan struct{})}
	close(n.handle.done)
	return n
}

func TestEmitter_OrdinalOrderHoldsEvenWhenReportedOutOfOrder(t *testing.T) {
	var buf bytes.Buffer
	em := newEmitter(&buf, true)

	root := &Node{}
	root.root = root

	a := buildReportedNode(root, "a", 1, 1, passVerdict())
	b := buildReportedNode(root, "b", 2, 1, passVerdict())
	c := buildReportedNode(root, "c", 3, 1, passVerdict())

	// Report out of ordinal order: c, then a, then b.
	em.report(c)
	em.report(a)
	em.report(b)
	em.closeScope(root, 3)

	out := buf.String()
	ia := strings.Index(out, "ok 1 a")
	ib := strings.Index(out, "ok 2 b")
	ic := strings.Index(out, "ok 3 c")
	require.True(t, ia >= 0 && ib >= 0 && ic >= 0)
	require.Less(t, ia, ib)
	require.Less(t, ib, ic)
	require.Contains(t, out, "1..3")
}

func TestEmitter_FailedChild(t *testing.T) {
	var buf bytes.Buffer
	em := newEmitter(&buf, true)

	root := &Node{}
	root.root = root

	fail := buildReportedNode(root, "broken", 1, 1, failVerdict("boom", nil))
	em.report(fail)
	em.closeScope(root, 1)

	require.Contains(t, buf.String(), "not ok 1 broken")
}

func TestEmitter_SkipReasonRendered(t *testing.T) {
	var buf bytes.Buffer
	em := newEmitter(&buf, true)

	root := &Node{}
	root.root = root

	skip := buildReportedNode(root, "skipped", 1, 1, skipVerdict("not ready"))
	em.report(skip)
	em.closeScope(root, 1)

	require.Contains(t, buf.String(), "# SKIP: not ready")
}

func TestEmitter_DiagnosticsComeAfterResultLine(t *testing.T) {
	var buf bytes.Buffer
	em := newEmitter(&buf, true)

	root := &Node{}
	root.root = root

	n := buildReportedNode(root, "with-diagnostics", 1, 1, failVerdict("boom", nil))
	n.diagnostics = []string{"first diagnostic line"}
	em.report(n)
	em.closeScope(root, 1)

	out := buf.String()
	resultIdx := strings.Index(out, "not ok 1 with-diagnostics")
	diagIdx := strings.Index(out, "first diagnostic line")
	require.GreaterOrEqual(t, resultIdx, 0)
	require.GreaterOrEqual(t, diagIdx, 0)
	require.Greater(t, diagIdx, resultIdx, "diagnostic line must come after the node's result line, not before it")

	reasonIdx := strings.Index(out, "boom")
	require.Greater(t, reasonIdx, resultIdx, "fail-reason diagnostic must also come after the result line")
}

func TestEmitter_NonStreamingBuffersUntilFlush(t *testing.T) {
	var buf bytes.Buffer
	em := newEmitter(&buf, false)

	root := &Node{}
	root.root = root

	a := buildReportedNode(root, "a", 1, 1, passVerdict())
	em.report(a)
	require.Empty(t, buf.String(), "non-streaming mode must not write before flush")

	em.closeScope(root, 1)
	require.Empty(t, buf.String())

	require.NoError(t, em.flush())
	require.Contains(t, buf.String(), "ok 1 a")
}

func TestEmitter_NestedIndentation(t *testing.T) {
	var buf bytes.Buffer
	em := newEmitter(&buf, true)

	root := &Node{}
	root.root = root

	parent := buildReportedNode(root, "parent", 1, 1, passVerdict())
	child := buildReportedNode(parent, "child", 1, 2, passVerdict())

	em.report(child)
	em.closeScope(parent, 1)
	em.report(parent)
	em.closeScope(root, 1)

	lines := strings.Split(buf.String(), "\n")
	var childLine, parentLine string
	for _, l := range lines {
		if strings.Contains(l, "child") {
			childLine = l
		}
		if strings.Contains(l, "ok 1 parent") {
			parentLine = l
		}
	}
	require.True(t, strings.HasPrefix(childLine, "  "), "nested child line should be indented: %q", childLine)
	require.False(t, strings.HasPrefix(parentLine, " "), "top-level parent line should not be indented: %q", parentLine)
}

func TestEmitter_BailOut(t *testing.T) {
	var buf bytes.Buffer
	em := newEmitter(&buf, true)
	em.bailOut("fatal setup error")
	require.Contains(t, buf.String(), "Bail out! fatal setup error")
}
