package taprunner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_LateSubtestForcedToFailAndReparentedToRoot(t *testing.T) {
	root := &Node{}
	root.root = root
	em := newEmitter(discardWriter{}, false)
	root.sch = newScheduler(em)

	parent := newNode(root, "parent", nodeOptions{concurrency: 1}, bodySpec{})
	root.children = append(root.children, parent)
	parent.mu.Lock()
	parent.finished = true
	parent.mu.Unlock()

	h := root.sch.createChild(parent, "too-late-child", nodeOptions{}, bodySpec{
		mode: modeValue,
		valueFn: func(t *T) {
			t.Diagnostic("should never run")
		},
	})
	h.Wait()

	require.Empty(t, parent.children, "late child must not be attached to its intended parent")
	require.Len(t, root.children, 2, "late child is reparented to the file root instead")
	late := root.children[len(root.children)-1]
	require.Equal(t, ResultFail, late.getVerdict().Result)
	require.ErrorAs(t, late.getVerdict().Err, new(*CreatedTooLateError))
}

func TestScheduler_RunSynchronousPassingLeaf(t *testing.T) {
	root := &Node{}
	root.root = root
	em := newEmitter(discardWriter{}, false)
	root.sch = newScheduler(em)

	n := newNode(root, "leaf", nodeOptions{}, bodySpec{mode: modeValue, valueFn: func(t *T) {}})
	root.children = append(root.children, n)
	n.ordinal = 1

	root.sch.run(n)

	require.Equal(t, Reported, n.State())
	require.Equal(t, ResultPass, n.getVerdict().Result)
}

func TestScheduler_RunSynchronousPanickingLeaf(t *testing.T) {
	root := &Node{}
	root.root = root
	em := newEmitter(discardWriter{}, false)
	root.sch = newScheduler(em)

	n := newNode(root, "leaf", nodeOptions{}, bodySpec{mode: modeValue, valueFn: func(t *T) {
		panic("boom")
	}})
	root.children = append(root.children, n)
	n.ordinal = 1

	root.sch.run(n)

	require.Equal(t, ResultFail, n.getVerdict().Result)
}

func TestScheduler_OutstandingChildForcedFailWhenParentFinishesFirst(t *testing.T) {
	root := &Node{}
	root.root = root
	em := newEmitter(discardWriter{}, false)
	root.sch = newScheduler(em)

	release := make(chan struct{})
	parent := newNode(root, "parent", nodeOptions{concurrency: 2}, bodySpec{})
	root.children = append(root.children, parent)
	parent.ordinal = 1

	var childHandle *Handle
	parent.body = bodySpec{mode: modeValue, valueFn: func(t *T) {
		childHandle = t.Test("slow-child", func(t *T) {
			<-release
		})
		// parent returns immediately without awaiting slow-child.
	}}

	root.sch.run(parent)

	require.Equal(t, ResultFail, parent.getVerdict().Result)
	require.NotNil(t, childHandle)
	childHandle.Wait()
	require.Equal(t, ResultFail, childHandle.node.getVerdict().Result)
	require.ErrorAs(t, childHandle.node.getVerdict().Err, new(*ParentFinishedError))

	close(release)
	// Background completion of the cancelled child is harmless and ignored.
	time.Sleep(time.Millisecond)
}

func TestScheduler_SkipAcquiresAndReleasesGateWithoutRunningBody(t *testing.T) {
	root := &Node{}
	root.root = root
	em := newEmitter(discardWriter{}, false)
	root.sch = newScheduler(em)

	invoked := false
	n := newNode(root, "skipped", nodeOptions{skip: true, skipReason: "flaky"}, bodySpec{
		mode: modeValue,
		valueFn: func(t *T) {
			invoked = true
		},
	})
	root.children = append(root.children, n)
	n.ordinal = 1

	root.sch.run(n)

	require.False(t, invoked)
	require.Equal(t, ResultSkip, n.getVerdict().Result)
	require.Equal(t, "flaky", n.getVerdict().Reason)
}

func TestScheduler_ParentAggregatesFailingChild(t *testing.T) {
	root := &Node{}
	root.root = root
	em := newEmitter(discardWriter{}, false)
	root.sch = newScheduler(em)

	parent := newNode(root, "parent", nodeOptions{concurrency: 1}, bodySpec{})
	root.children = append(root.children, parent)
	parent.ordinal = 1
	parent.body = bodySpec{mode: modeValue, valueFn: func(t *T) {
		t.Test("inner", func(t *T) {
			panic("inner boom")
		}).Wait()
	}}

	root.sch.run(parent)

	require.Equal(t, ResultFail, parent.getVerdict().Result)
}
