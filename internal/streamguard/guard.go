// Package streamguard bounds a streaming transfer with two deadlines: one for
// the first byte after dispatch and one for the gap between later reads.
package streamguard

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type Phase string

const (
	PhaseFirstToken Phase = "first_token"
	PhaseStall      Phase = "stall"
)

type TimeoutError struct {
	Phase Phase
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Phase == PhaseFirstToken {
		return fmt.Sprintf("first token timeout after %s", e.After)
	}
	return fmt.Sprintf("stream stalled after %s", e.After)
}

// Guard owns a cancelable context for one request. When a deadline fires the
// context is cancelled and the wrapped body is closed, so a blocked read
// returns promptly with the TimeoutError.
//
// A zero duration disables that phase.
type Guard struct {
	firstToken time.Duration
	stall      time.Duration
	cancel     context.CancelFunc

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	received bool
	stopped  bool
	fired    *TimeoutError
	body     io.Closer
}

func New(parent context.Context, firstToken, stall time.Duration) (*Guard, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Guard{firstToken: firstToken, stall: stall, cancel: cancel}, ctx
}

// Arm starts the first-token deadline. Call it right before the request is
// sent; calling it again (after a retried dispatch) restarts the phase.
func (g *Guard) Arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || g.fired != nil {
		return
	}
	g.received = false
	g.schedule(PhaseFirstToken, g.firstToken)
}

// Disarm stops the running deadline without firing it, e.g. while the caller
// waits out a rate-limit backoff between dispatches.
func (g *Guard) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
	}
}

// Wrap returns a reader whose reads feed the stall deadline.
func (g *Guard) Wrap(body io.ReadCloser) io.ReadCloser {
	g.mu.Lock()
	g.body = body
	fired := g.fired != nil
	g.mu.Unlock()
	if fired {
		body.Close()
	}
	return &guardedBody{g: g, rc: body}
}

// Err returns the deadline that fired, if any.
func (g *Guard) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fired == nil {
		return nil
	}
	return g.fired
}

// Received reports whether any byte arrived since the last Arm.
func (g *Guard) Received() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.received
}

// Stop disarms the guard and releases its context.
func (g *Guard) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()
	g.cancel()
}

func (g *Guard) progress() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || g.fired != nil {
		return
	}
	g.received = true
	g.schedule(PhaseStall, g.stall)
}

// schedule must be called with mu held.
func (g *Guard) schedule(phase Phase, d time.Duration) {
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
	}
	if d <= 0 {
		return
	}
	gen := g.gen
	g.timer = time.AfterFunc(d, func() { g.expire(gen, phase, d) })
}

func (g *Guard) expire(gen uint64, phase Phase, d time.Duration) {
	g.mu.Lock()
	if gen != g.gen || g.stopped || g.fired != nil {
		g.mu.Unlock()
		return
	}
	g.fired = &TimeoutError{Phase: phase, After: d}
	body := g.body
	g.mu.Unlock()

	g.cancel()
	if body != nil {
		body.Close()
	}
}

type guardedBody struct {
	g  *Guard
	rc io.ReadCloser
}

func (b *guardedBody) Read(p []byte) (int, error) {
	if err := b.g.Err(); err != nil {
		return 0, err
	}
	n, err := b.rc.Read(p)
	if n > 0 {
		b.g.progress()
	}
	if err != nil {
		// Reads interrupted by our own cancellation report the deadline.
		if ferr := b.g.Err(); ferr != nil {
			return n, ferr
		}
	}
	return n, err
}

func (b *guardedBody) Close() error {
	return b.rc.Close()
}
