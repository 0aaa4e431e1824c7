// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package flow implements HTTP/2 flow-control windows (RFC 7540 section 5.2):
// credit-based backpressure tracked per stream and per connection.
package flow

import (
	"sync"

	"github.com/pkg/errors"
)

// maxWindow is the 31-bit signed window ceiling.
const maxWindow = 1<<31 - 1

// ErrOverflow reports a WINDOW_UPDATE or SETTINGS delta that pushed a window
// above 2^31-1. The caller maps it to FLOW_CONTROL_ERROR.
var ErrOverflow = errors.New("flow: window overflows 2^31-1")

// ErrClosed reports a send blocked on a window whose stream or connection
// was torn down.
var ErrClosed = errors.New("flow: window closed")

// Window is a send window: available credit for outbound DATA. Grant and
// Adjust are driven by the connection's dispatch path; Reserve blocks the
// calling handler goroutine until credit is available, which is the
// backpressure suspension point of the engine.
type Window struct {
	mu     sync.Mutex
	cond   *sync.Cond
	avail  int64 // int32 semantics, may go negative after a SETTINGS change
	closed bool
}

// NewWindow returns a window holding n bytes of send credit.
func NewWindow(n int32) *Window {
	w := &Window{avail: int64(n)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Available returns the current credit. It may be negative.
func (w *Window) Available() int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int32(w.avail)
}

// Grant adds a WINDOW_UPDATE increment. Exceeding 2^31-1 is ErrOverflow.
func (w *Window) Grant(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.avail+int64(n) > maxWindow {
		return ErrOverflow
	}
	w.avail += int64(n)
	w.cond.Broadcast()
	return nil
}

// Adjust applies a SETTINGS_INITIAL_WINDOW_SIZE delta. The result may be
// negative; sends stay blocked until later grants bring it back above zero.
func (w *Window) Adjust(delta int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.avail+int64(delta) > maxWindow {
		return ErrOverflow
	}
	w.avail += int64(delta)
	if delta > 0 {
		w.cond.Broadcast()
	}
	return nil
}

// Reserve blocks until at least one byte of credit is available, then
// consumes and returns min(want, available). It returns ErrClosed once the
// window is closed.
func (w *Window) Reserve(want int32) (int32, error) {
	if want <= 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.avail <= 0 && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		return 0, ErrClosed
	}
	n := int64(want)
	if n > w.avail {
		n = w.avail
	}
	w.avail -= n
	return int32(n), nil
}

// Refund returns unused reserved credit, after a reservation against a
// second window came back smaller.
func (w *Window) Refund(n int32) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	w.avail += int64(n)
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Close releases all blocked reservations with ErrClosed. Further Reserve
// calls fail immediately; grants become no-ops that keep accounting sane.
func (w *Window) Close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Recv tracks a receive window: credit we granted the peer for inbound DATA.
// It is mutated only from the dispatch path (debits) and the body-consuming
// handler (replenish marks), so a mutex suffices with no condition variable:
// nothing ever blocks on a Recv.
type Recv struct {
	mu      sync.Mutex
	avail   int64 // credit left for the peer to spend
	unacked int64 // bytes consumed but not yet announced via WINDOW_UPDATE
	initial int32
}

// NewRecv returns a receive window with n bytes of inbound credit.
func NewRecv(n int32) *Recv {
	return &Recv{avail: int64(n), initial: n}
}

// Grow raises both the credit and the replenish threshold by n. Connection
// windows start at the protocol default of 65535 and are topped up with an
// explicit WINDOW_UPDATE when a larger window is configured.
func (r *Recv) Grow(n int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.avail+int64(n) > maxWindow {
		return ErrOverflow
	}
	r.avail += int64(n)
	r.initial += n
	return nil
}

// Debit charges an inbound DATA payload against the window. A peer that
// overspends its credit violates flow control.
func (r *Recv) Debit(n int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int64(n) > r.avail {
		return errors.New("flow: peer exceeded receive window")
	}
	r.avail -= int64(n)
	return nil
}

// Consumed marks n inbound bytes as consumed by the application and returns
// the WINDOW_UPDATE increment to send now, or zero while batching. Credit is
// announced once half the initial window has been consumed, so the advertised
// window can never silently reach zero.
func (r *Recv) Consumed(n int32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unacked += int64(n)
	if r.unacked < int64(r.initial)/2 {
		return 0
	}
	inc := r.unacked
	r.unacked = 0
	r.avail += inc
	return uint32(inc)
}
