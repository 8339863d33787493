package aitalk

import (
	"context"
	"sync/atomic"
	"time"
)

// Gate is a single-use completion handoff: one Signal, one Wait. The
// buffered channel gives the receive a happens-before edge over everything
// the signalling callback wrote.
type Gate struct {
	ch       chan error
	sent     atomic.Bool
	received atomic.Bool
}

// NewGate returns an unsignalled gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan error, 1)}
}

// Signal releases the waiter with err (nil for a clean end of stream). Only
// the first call has an effect; it never blocks, even when nobody waits.
func (g *Gate) Signal(err error) bool {
	if !g.sent.CompareAndSwap(false, true) {
		return false
	}
	select {
	case g.ch <- err:
	default:
	}
	return true
}

// Signalled reports whether Signal has been called.
func (g *Gate) Signalled() bool { return g.sent.Load() }

// Wait blocks until Signal, ctx cancellation or timeout. A zero timeout waits
// on ctx alone. A second Wait returns ErrGateConsumed.
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) error {
	if !g.received.CompareAndSwap(false, true) {
		return ErrGateConsumed
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case err := <-g.ch:
		return err
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
