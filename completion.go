package taprunner

import "sync"

// completionOutcome is the result of running a body through the Completion
// Detector (spec §4.3): either a pass, or a failure with its cause.
type completionOutcome struct {
	failed bool
	reason string
	err    error
}

func outcomePass() completionOutcome { return completionOutcome{} }

func outcomeFail(reason string, err error) completionOutcome {
	return completionOutcome{failed: true, reason: reason, err: err}
}

// detectCompletion runs spec.md §4.3's classification against a bodySpec and
// a context, invoking the body exactly once. It is the one place dual-mode
// misuse (step 5, property P7) and single-shot callback reuse are detected,
// which is why it is tested directly against synthetic bodySpec values
// rather than only indirectly through the public Test/TestAsync/TestCallback
// constructors (those construct a bodySpec with exactly one mode set, by
// construction, so they alone can never reach the dual-completion path).
func detectCompletion(spec bodySpec, t *T, node *Node) (outcome completionOutcome) {
	if spec.asyncFn != nil && spec.callbackFn != nil {
		// Hard contract violation (§4.3 step 5): still invoke so any
		// synchronous panic is observed, but the verdict is fixed.
		defer func() {
			recover()
			outcome = outcomeFail((&DualCompletionError{}).Error(), &DualCompletionError{})
		}()
		if spec.callbackFn != nil {
			spec.callbackFn(t, func(error) {})
		}
		return outcome
	}

	switch {
	case spec.callbackFn != nil:
		return detectCallbackMode(spec.callbackFn, t, node)
	case spec.asyncFn != nil:
		return detectAsyncMode(spec.asyncFn, t)
	case spec.valueFn != nil:
		return detectValueMode(spec.valueFn, t)
	default:
		// No body: absent user function is a no-op pass (spec §3, §4.3 step 6).
		return outcomePass()
	}
}

func detectValueMode(fn func(t *T), t *T) (outcome completionOutcome) {
	defer func() {
		if r := recover(); r != nil {
			err := panicToErr(r)
			outcome = outcomeFail(err.Error(), err)
		}
	}()
	fn(t)
	return outcomePass()
}

func detectAsyncMode(fn func(t *T) <-chan error, t *T) (outcome completionOutcome) {
	var ch <-chan error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err := panicToErr(r)
				outcome = outcomeFail(err.Error(), err)
			}
		}()
		ch = fn(t)
	}()
	if outcome.failed {
		return outcome
	}
	if ch == nil {
		return outcomePass()
	}
	err, ok := <-ch
	if !ok || err == nil {
		return outcomePass()
	}
	return outcomeFail(err.Error(), err)
}

func detectCallbackMode(fn func(t *T, done func(error)), t *T, node *Node) (outcome completionOutcome) {
	type signal struct{ err error }
	sigCh := make(chan signal, 1)
	var mu sync.Mutex
	called := false
	done := func(err error) {
		mu.Lock()
		if called {
			mu.Unlock()
			node.addDiagnostic((&CallbackReusedError{}).Error())
			return
		}
		called = true
		mu.Unlock()
		sigCh <- signal{err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			err := panicToErr(r)
			outcome = outcomeFail(err.Error(), err)
		}
	}()

	fn(t, done)

	sig := <-sigCh
	if sig.err != nil {
		return outcomeFail(sig.err.Error(), sig.err)
	}
	return outcomePass()
}
