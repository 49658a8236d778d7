package taprunner

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/apparentlymart/go-test-anything/tap"
)

// indentWriter prefixes every line written to it with a fixed number of
// two-space indents, implementing spec §4.1's "nested scopes are indented by
// two spaces per depth level" on top of a plain io.Writer, so the vendored
// tap.Writer (which knows nothing about nesting) can be reused unmodified
// for the actual TAP line formatting.
type indentWriter struct {
	w      io.Writer
	prefix []byte
}

func newIndentWriter(w io.Writer, level int) *indentWriter {
	if level < 0 {
		level = 0
	}
	return &indentWriter{w: w, prefix: bytes.Repeat([]byte("  "), level)}
}

func (iw *indentWriter) Write(p []byte) (int, error) {
	lines := bytes.SplitAfter(p, []byte("\n"))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if _, err := iw.w.Write(iw.prefix); err != nil {
			return 0, err
		}
		if _, err := iw.w.Write(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// scope is the per-parent buffering state that makes the ordinal-order and
// parent-after-children guarantees (spec §4.1, §5, properties P2/P3/P6) hold
// even though children may reach Reported in any completion order.
type scope struct {
	w         *tap.Writer
	next      int // next ordinal due to be flushed
	pending   map[int]*Node
}

// emitter implements C1, the TAP Emitter. One emitter serves an entire file
// run: it owns one scope per node-with-children and decides, for each node
// reaching Reported, whether to write its line immediately (its ordinal's
// turn has come) or hold it until earlier siblings have flushed.
type emitter struct {
	mu   sync.Mutex
	dest io.Writer // the effective destination (real target, or an internal buffer)

	streaming bool
	real      io.Writer
	buf       *bytes.Buffer

	headerWritten bool
	scopes        map[*Node]*scope
}

func newEmitter(w io.Writer, streaming bool) *emitter {
	e := &emitter{
		real:      w,
		streaming: streaming,
		scopes:    make(map[*Node]*scope),
	}
	if streaming {
		e.dest = w
	} else {
		e.buf = &bytes.Buffer{}
		e.dest = e.buf
	}
	return e
}

func (e *emitter) writeHeader() {
	if e.headerWritten {
		return
	}
	e.headerWritten = true
	fmt.Fprintln(e.dest, "TAP version 13")
}

func (e *emitter) scopeFor(parent *Node, indentLevel int) *scope {
	s, ok := e.scopes[parent]
	if ok {
		return s
	}
	s = &scope{
		w:       tap.NewWriter(newIndentWriter(e.dest, indentLevel)),
		next:    1,
		pending: make(map[int]*Node),
	}
	e.scopes[parent] = s
	return s
}

// report is called exactly once per Node, the instant it reaches Reported.
// The root node itself is never reported (it is invisible, per spec
// GLOSSARY); only its children flow through here.
func (e *emitter) report(n *Node) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.writeHeader()

	indentLevel := n.depth - 1
	s := e.scopeFor(n.parent, indentLevel)
	s.pending[n.ordinal] = n

	for {
		next, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		e.writeNode(s.w, next)
		s.next++
	}
}

// writeNode writes n's result line followed by its diagnostics. The vendored
// tap.Writer.Report writes any Diagnostics it's given *before* the result
// line, which would violate spec §4.1's "diagnostics are emitted immediately
// after that node's result line" (property P6); so Report is called with no
// Diagnostics attached, and every diagnostic line is written afterward via a
// separate w.Diagnostic call instead.
func (e *emitter) writeNode(w *tap.Writer, n *Node) {
	v := n.getVerdict()
	diagnostics := n.snapshotDiagnostics()
	rep := &tap.Report{
		Num:  n.ordinal,
		Name: n.Name(),
	}
	switch v.Result {
	case ResultPass:
		rep.Result = tap.Pass
	case ResultFail:
		rep.Result = tap.Fail
		if v.Reason != "" {
			diagnostics = append(diagnostics, v.Reason)
		}
	case ResultSkip:
		rep.Result = tap.Skip
		rep.SkipReason = v.Reason
	default:
		rep.Result = tap.Fail
	}
	if v.Todo && rep.Result != tap.Skip {
		rep.Todo = true
		rep.TodoReason = n.opts.todoReason
	}
	if err := w.Report(rep); err != nil {
		fmt.Fprintf(e.dest, "# internal: failed writing TAP report for %q: %s\n", n.Name(), err)
	}
	for _, d := range diagnostics {
		if err := w.Diagnostic(d); err != nil {
			fmt.Fprintf(e.dest, "# internal: failed writing TAP diagnostic for %q: %s\n", n.Name(), err)
		}
	}
}

// closeScope is called by the scheduler exactly once per parent, after it
// has ensured every one of the parent's children has already called
// report(child): it writes that scope's trailing plan line.
func (e *emitter) closeScope(parent *Node, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.writeHeader()

	indentLevel := 0
	if parent != nil {
		indentLevel = parent.depth
	}
	s := e.scopeFor(parent, indentLevel)
	if err := s.w.Plan(&tap.Plan{Min: 1, Max: total}); err != nil {
		fmt.Fprintf(e.dest, "# internal: failed writing TAP plan: %s\n", err)
	}
	if err := s.w.Close(); err != nil {
		fmt.Fprintf(e.dest, "# internal: failed closing TAP scope: %s\n", err)
	}
}

// bailOut writes a "Bail out!" line, per the TAP protocol, when a test body
// calls T.BailOut (SPEC_FULL.md §12).
func (e *emitter) bailOut(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeHeader()
	w := tap.NewWriter(e.dest)
	_ = w.BailOut(reason)
}

// flush copies any internally-buffered output to the real destination. It is
// a no-op in streaming mode, where output was already written directly.
func (e *emitter) flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streaming {
		return nil
	}
	_, err := e.real.Write(e.buf.Bytes())
	return err
}
