package taprunner

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// log is the package-level structured logger, following the same
// "package-level global, swappable via a setter" shape as the teacher's
// eventloop.SetStructuredLogger, but backed by logiface/stumpy rather than a
// hand-rolled Logger interface: the runner's scheduling internals are not
// a novel logging domain, so they reuse the teacher's own logging stack.
var (
	logMu sync.RWMutex
	log   = newDefaultLogger()
)

func newDefaultLogger() *logiface.Logger[*stumpy.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(logiface.LevelInformational),
	)
}

// SetLogger replaces the package-level logger used for scheduler and fault
// router diagnostics. It does not affect TAP output, which is written
// separately via the emitter. Passing nil restores the default logger, which
// writes Informational and higher events to stderr.
func SetLogger(l *logiface.Logger[*stumpy.Event]) {
	logMu.Lock()
	defer logMu.Unlock()
	if l == nil {
		log = newDefaultLogger()
		return
	}
	log = l
}

func getLogger() *logiface.Logger[*stumpy.Event] {
	logMu.RLock()
	defer logMu.RUnlock()
	return log
}
