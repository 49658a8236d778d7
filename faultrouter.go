package taprunner

import "sync"

// faultRouter implements C6, the Asynchronous Fault Router (spec §4.6): a
// panic or rejection that surfaces outside the dynamic extent of any body
// call (e.g. from a goroutine a test spawned and detached from) must still
// be attributed to a node. It is routed to the single node currently in the
// Running state if there is exactly one; otherwise it is routed to the file
// root, matching the spec's "ambiguous attribution falls back to the file
// root" rule.
//
// This mirrors the teacher's recover-per-goroutine discipline
// (eventloop.Promisify's completed/recover dance) generalized from "one
// promisified call" to "a stack of concurrently Running nodes".
type faultRouter struct {
	mu      sync.Mutex
	running []*Node
}

func newFaultRouter() *faultRouter {
	return &faultRouter{}
}

// enterRunning records n as now Running. Call this at the Pending->Running
// transition, before invoking the body.
func (fr *faultRouter) enterRunning(n *Node) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.running = append(fr.running, n)
}

// leaveRunning records n as no longer Running. Call this at the
// Running->Settling transition, regardless of outcome.
func (fr *faultRouter) leaveRunning(n *Node) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for i, x := range fr.running {
		if x == n {
			fr.running = append(fr.running[:i], fr.running[i+1:]...)
			return
		}
	}
}

// route attributes an out-of-band fault (recovered from a detached
// goroutine) to a node: the sole currently-Running node if there is exactly
// one, else the file root.
func (fr *faultRouter) route(root *Node, r any) {
	fr.mu.Lock()
	var target *Node
	if len(fr.running) == 1 {
		target = fr.running[0]
	}
	fr.mu.Unlock()

	if target == nil {
		target = root
		getLogger().Warning().Int("running", len(fr.running)).Log("fault router: ambiguous attribution, routing to file root")
	} else {
		getLogger().Warning().Str("name", target.Name()).Log("fault router: routing fault to sole Running node")
	}
	err := panicToErr(r)
	target.addDiagnostic("unrouted fault: " + err.Error())
	if target != root {
		target.mu.Lock()
		alreadyFailing := target.verdictSet && target.verdict.isFailing()
		target.mu.Unlock()
		if !alreadyFailing {
			target.setVerdict(failVerdict(err.Error(), err))
		}
	} else {
		root.sch.mu.Lock()
		root.sch.rootFaults = append(root.sch.rootFaults, err)
		root.sch.mu.Unlock()
	}
}

// spawn runs fn in a new goroutine, recovering any panic and routing it
// through fr rather than letting it crash the process, per spec §4.6.
func (fr *faultRouter) spawn(root *Node, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fr.route(root, r)
			}
		}()
		fn()
	}()
}
