package taprunner

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// gate bounds the number of simultaneously-running direct children of one
// parent (spec §4.4), backed by golang.org/x/sync/semaphore.Weighted. Each
// parent node owns exactly one gate, sized to its concurrency option.
//
// Acquisition must be FIFO by child ordinal (spec §4.4). semaphore.Weighted
// only services blocked Acquire calls in the order Acquire was called, and
// child goroutines may call acquire in any order, so acquire first waits for
// its ordinal's turn (nextIn/waiting) and only then calls Acquire; the turn
// passes to the next ordinal once a slot has been taken.
type gate struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	nextIn  int // next ordinal expected to call acquire
	waiting map[int]chan struct{}
}

func newGate(capacity int) *gate {
	if capacity < 1 {
		capacity = 1
	}
	return &gate{
		sem:     semaphore.NewWeighted(int64(capacity)),
		nextIn:  1,
		waiting: make(map[int]chan struct{}),
	}
}

// acquire blocks until it is ordinal's turn (strict FIFO by ordinal, not
// just by call order) and a slot is free, or ctx is done.
func (g *gate) acquire(ctx context.Context, ordinal int) error {
	g.mu.Lock()
	if g.nextIn != ordinal {
		getLogger().Debug().Int("ordinal", ordinal).Int("waiting_for", g.nextIn).Log("gate: waiting for earlier sibling's turn")
		ch := make(chan struct{})
		g.waiting[ordinal] = ch
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		g.mu.Unlock()
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	getLogger().Debug().Int("ordinal", ordinal).Log("gate: acquired slot")

	g.mu.Lock()
	g.nextIn = ordinal + 1
	next, ok := g.waiting[g.nextIn]
	if ok {
		delete(g.waiting, g.nextIn)
	}
	g.mu.Unlock()
	if ok {
		close(next)
	}
	return nil
}

// release frees the slot this ordinal was holding.
func (g *gate) release() {
	g.sem.Release(1)
}

// acquireAndRelease is used for skipped tests (spec §4.4: "Skipped tests
// acquire and immediately release a slot, for ordering stability, but do not
// invoke the user function").
func (g *gate) acquireAndRelease(ctx context.Context, ordinal int) error {
	if err := g.acquire(ctx, ordinal); err != nil {
		return err
	}
	g.release()
	return nil
}
