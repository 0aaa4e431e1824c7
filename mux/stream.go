// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package mux

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/protolab/h2mux/flow"
	"github.com/protolab/h2mux/frame"
	"github.com/protolab/h2mux/hpack"
)

// streamState is the RFC 7540 section 5.1 stream lifecycle. The reserved
// states belong to server push; this engine rejects PUSH_PROMISE, so streams
// never enter them, but they are part of the state space and named here so
// transitions read against the RFC.
type streamState int

const (
	stateIdle streamState = iota
	stateReservedLocal
	stateReservedRemote
	stateOpen
	stateHalfClosedLocal  // we sent END_STREAM, peer may still send
	stateHalfClosedRemote // peer sent END_STREAM, we may still send
	stateClosed
)

var stateNames = [...]string{
	"idle", "reserved-local", "reserved-remote", "open",
	"half-closed-local", "half-closed-remote", "closed",
}

func (s streamState) String() string { return stateNames[s] }

// stream is one multiplexed exchange. It is created by the dispatch loop on
// the first HEADERS naming its id and torn down once both directions are
// closed or the stream is reset.
type stream struct {
	id   uint32
	conn *Conn
	log  *zap.Logger

	// mu guards state. The dispatch loop drives remote transitions; the
	// handler goroutine drives local ones.
	mu    sync.Mutex
	state streamState

	sendWin *flow.Window
	recvWin *flow.Recv

	body *bodyBuffer
	prio frame.Priority

	ctx    context.Context
	cancel context.CancelFunc
}

// remoteClosed marks the peer's direction done (END_STREAM or reset).
func (st *stream) remoteClose() (fullyClosed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.state {
	case stateOpen:
		st.state = stateHalfClosedRemote
	case stateHalfClosedLocal:
		st.state = stateClosed
	}
	return st.state == stateClosed
}

// localClose marks our direction done (END_STREAM sent).
func (st *stream) localClose() (fullyClosed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.state {
	case stateOpen:
		st.state = stateHalfClosedLocal
	case stateHalfClosedRemote:
		st.state = stateClosed
	}
	return st.state == stateClosed
}

// reset moves straight to closed, both directions abandoned.
func (st *stream) reset() {
	st.mu.Lock()
	st.state = stateClosed
	st.mu.Unlock()
}

func (st *stream) currentState() streamState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// acceptsData validates an inbound DATA frame against the state machine.
func (st *stream) acceptsData() error {
	switch st.currentState() {
	case stateOpen, stateHalfClosedLocal:
		return nil
	default:
		return frame.StreamError{StreamID: st.id, Code: frame.ErrCodeStreamClosed, Reason: "DATA in state " + st.currentState().String()}
	}
}

// acceptsTrailers validates a second HEADERS block on the stream. It must
// carry END_STREAM: headers after the request block are only valid as
// trailers.
func (st *stream) acceptsTrailers(endStream bool) error {
	switch st.currentState() {
	case stateOpen, stateHalfClosedLocal:
		if !endStream {
			return frame.StreamError{StreamID: st.id, Code: frame.ErrCodeProtocol, Reason: "trailers without END_STREAM"}
		}
		return nil
	default:
		return frame.StreamError{StreamID: st.id, Code: frame.ErrCodeStreamClosed, Reason: "HEADERS in state " + st.currentState().String()}
	}
}

// bodyBuffer queues inbound DATA for the handler. The dispatch loop pushes
// and never blocks: flow control bounds the queue to the receive window, so
// a slow handler stalls only its own stream. The handler side blocks in Read
// until data, EOF or failure.
type bodyBuffer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	buf       []byte
	eof       bool
	err       error
	trailers  []hpack.HeaderField
	onConsume func(n int32)
}

func newBodyBuffer(onConsume func(n int32)) *bodyBuffer {
	b := &bodyBuffer{onConsume: onConsume}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// push appends a copy of p. Called only from the dispatch loop.
func (b *bodyBuffer) push(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	if b.eof || b.err != nil {
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, p...)
	b.cond.Broadcast()
	b.mu.Unlock()
}

// closeEOF ends the stream body normally, optionally with trailers.
func (b *bodyBuffer) closeEOF(trailers []hpack.HeaderField) {
	b.mu.Lock()
	b.eof = true
	b.trailers = trailers
	b.cond.Broadcast()
	b.mu.Unlock()
}

// discard drops buffered bytes the handler never read and reports how many,
// so their flow-control credit can be returned to the peer.
func (b *bodyBuffer) discard() int32 {
	b.mu.Lock()
	n := int32(len(b.buf))
	b.buf = nil
	b.mu.Unlock()
	return n
}

// fail aborts the body; pending and future reads return err.
func (b *bodyBuffer) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *bodyBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	for len(b.buf) == 0 && !b.eof && b.err == nil {
		b.cond.Wait()
	}
	if b.err != nil {
		b.mu.Unlock()
		return 0, b.err
	}
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return 0, io.EOF
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	b.mu.Unlock()
	if b.onConsume != nil {
		b.onConsume(int32(n))
	}
	return n, nil
}

// Trailers returns the trailer fields after Read has reported io.EOF.
func (b *bodyBuffer) Trailers() []hpack.HeaderField {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trailers
}
