package taprunner

import "fmt"

// CreatedTooLateError reports that a subtest was created after its parent
// had already finished its own execution (spec: "late subtest").
// See [Node] and the scheduler's late-arrival policy.
type CreatedTooLateError struct {
	// Name is the name given to the late subtest, if any.
	Name string
}

func (e *CreatedTooLateError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("test %q created too late: parent test had already finished", e.Name)
	}
	return "test created too late: parent test had already finished"
}

// ParentFinishedError reports that a child test was still outstanding when
// its parent entered Settling, and was therefore cancelled.
type ParentFinishedError struct {
	// Name is the name of the cancelled child, if any.
	Name string
}

func (e *ParentFinishedError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("test %q: parent finished before child", e.Name)
	}
	return "parent finished before child"
}

// DualCompletionError reports that a test body both returned a promise-like
// channel and declared a completion callback. This is a hard contract
// violation in the Completion Detector (spec §4.3 step 5).
type DualCompletionError struct{}

func (e *DualCompletionError) Error() string {
	return "test returned a Promise and also used a callback"
}

// CallbackReusedError is recorded as a diagnostic (not a verdict-changing
// failure) when a single-shot completion callback is invoked more than once.
type CallbackReusedError struct{}

func (e *CallbackReusedError) Error() string {
	return "completion callback invoked more than once; subsequent invocations are ignored"
}

// PanicError wraps a value recovered from a panic inside a test body or an
// orphaned continuation of one, preserving the original value for
// errors.As/errors.Is style inspection via Unwrap.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the underlying error if the recovered panic value was
// itself an error, enabling errors.Is/errors.As to see through it.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func panicToErr(r any) error {
	if err, ok := r.(error); ok {
		return &PanicError{Value: err}
	}
	return &PanicError{Value: r}
}
