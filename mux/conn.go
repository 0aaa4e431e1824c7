// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package mux

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/protolab/h2mux/flow"
	"github.com/protolab/h2mux/frame"
	"github.com/protolab/h2mux/hpack"
	"github.com/protolab/h2mux/router"
)

// errPeerClosed reports the peer announced an error via GOAWAY.
var errPeerClosed = errors.New("mux: peer closed connection with GOAWAY")

// Conn multiplexes streams over one transport. A single dispatch goroutine
// owns the read side: frame decode, stream creation, state transitions and
// the inbound HPACK table. All outbound frames from any goroutine funnel
// through the exclusive write path under writeMu, which also owns the
// outbound HPACK table; bytes therefore hit the wire in encode order.
type Conn struct {
	cfg     Config
	log     *zap.Logger
	routes  *router.Table
	metrics *Metrics

	transport io.ReadWriteCloser
	fr        *frame.Reader
	br        *bufio.Reader

	// Write path. Everything below writeMu is the single-writer discipline
	// of the engine; nothing touches bw, fw or enc without it.
	writeMu sync.Mutex
	bw      *bufio.Writer
	fw      *frame.Writer
	enc     *hpack.Encoder
	encBuf  []byte

	dec  *hpack.Decoder // dispatch goroutine only
	peer peerSettings   // dispatch goroutine only
	cont *contState     // in-progress header block, dispatch goroutine only

	peerMaxFrame atomic.Uint32

	connSend *flow.Window
	connRecv *flow.Recv

	// mu guards the stream map and the counters shared between the dispatch
	// loop and finishing handler goroutines.
	mu            sync.Mutex
	streams       map[uint32]*stream
	active        uint32
	highestStream uint32
	goingAway     bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	ackTimer  *time.Timer
}

// contState accumulates one header block across HEADERS and CONTINUATION
// frames. While it is non-nil, no other frame may arrive.
type contState struct {
	streamID  uint32
	endStream bool
	trailers  bool
	prio      *frame.Priority
	block     []byte
	// rejectErr defers a stream refusal until after the block has been fed
	// to the decoder: HPACK state must advance even for rejected streams.
	rejectErr error
}

func newConn(cfg Config, log *zap.Logger, routes *router.Table, m *Metrics, transport io.ReadWriteCloser) *Conn {
	br := bufio.NewReader(transport)
	bw := bufio.NewWriter(transport)
	c := &Conn{
		cfg:       cfg,
		log:       log,
		routes:    routes,
		metrics:   m,
		transport: transport,
		br:        br,
		fr:        frame.NewReader(br),
		bw:        bw,
		fw:        frame.NewWriter(bw),
		enc:       hpack.NewEncoder(hpack.DefaultTableSize),
		dec:       hpack.NewDecoder(uint32(cfg.HeaderTableSize.Bytes())),
		peer:      defaultPeerSettings(),
		connSend:  flow.NewWindow(frame.DefaultInitialWindowSize),
		connRecv:  flow.NewRecv(frame.DefaultInitialWindowSize),
		streams:   make(map[uint32]*stream),
	}
	c.fr.SetMaxFrameSize(uint32(cfg.MaxFrameSize.Bytes()))
	c.dec.SetMaxStringLength(uint32(cfg.MaxHeaderListSize.Bytes()))
	c.peerMaxFrame.Store(frame.DefaultMaxFrameSize)
	return c
}

// serve runs the connection to completion: preface, SETTINGS exchange, then
// the dispatch loop. It returns after the transport is closed and all stream
// state is released.
func (c *Conn) serve(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.teardown()

	go func() {
		// Unblock a dispatch loop stuck in a read when the server shuts down.
		<-c.ctx.Done()
		_ = c.transport.Close()
	}()

	if err := c.readPreface(); err != nil {
		// No GOAWAY: the peer is not speaking HTTP/2 at all.
		return err
	}
	if err := c.sendInitial(); err != nil {
		return err
	}
	c.ackTimer = time.AfterFunc(c.cfg.SettingsTimeout, func() {
		c.fatal(frame.ConnError{Code: frame.ErrCodeSettingsTimeout, Reason: "SETTINGS not acknowledged"})
	})
	defer c.ackTimer.Stop()

	err := c.dispatch()
	switch e := errors.Cause(err).(type) {
	case nil:
		c.fatal(frame.ConnError{Code: frame.ErrCodeNo})
		return nil
	case frame.ConnError:
		c.fatal(e)
		if e.Code == frame.ErrCodeNo {
			return nil
		}
		c.log.Warn("Connection failed", zap.String("code", e.Code.String()), zap.String("reason", e.Reason))
		return err
	default:
		if errors.Cause(err) == errPeerClosed {
			return nil
		}
		// Transport error: nobody left to notify.
		c.log.Debug("Transport error", zap.Error(err))
		return err
	}
}

func (c *Conn) readPreface() error {
	buf := make([]byte, len(frame.ClientPreface))
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return errors.Wrap(err, "read connection preface")
	}
	for i := range buf {
		if buf[i] != frame.ClientPreface[i] {
			return errors.New("mux: invalid connection preface")
		}
	}
	return nil
}

// sendInitial advertises our SETTINGS and tops the connection receive window
// up to the configured value: the connection window starts at 65535 and is
// not affected by SETTINGS_INITIAL_WINDOW_SIZE.
func (c *Conn) sendInitial() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.fw.WriteSettings(false, c.cfg.frameSettings()...); err != nil {
		return err
	}
	c.metrics.FramesWritten.Add(1)
	if extra := uint32(c.cfg.InitialWindowSize.Bytes()) - frame.DefaultInitialWindowSize; extra > 0 && extra <= frame.MaxWindowSize {
		if err := c.connRecv.Grow(int32(extra)); err != nil {
			return err
		}
		if err := c.fw.WriteWindowUpdate(0, extra); err != nil {
			return err
		}
		c.metrics.FramesWritten.Add(1)
	}
	return errors.Wrap(c.bw.Flush(), "flush initial settings")
}

func (c *Conn) dispatch() error {
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			if errors.Cause(err) == io.EOF {
				return nil
			}
			if !c.recover(err) {
				return err
			}
			continue
		}
		c.metrics.FramesRead.Add(1)
		if err := c.handleFrame(f); err != nil {
			if !c.recover(err) {
				return err
			}
		}
	}
}

// recover contains a stream error to its stream and reports whether the
// dispatch loop may continue. Anything but a StreamError is fatal.
func (c *Conn) recover(err error) bool {
	se, ok := errors.Cause(err).(frame.StreamError)
	if !ok {
		return false
	}
	c.log.Debug("Stream error", zap.Uint32("stream", se.StreamID), zap.String("code", se.Code.String()), zap.String("reason", se.Reason))
	if st := c.lookup(se.StreamID); st != nil {
		c.abortStream(st, se.Code, errors.New(se.Error()))
	} else if err := c.writeReset(se.StreamID, se.Code); err != nil {
		return false
	}
	return true
}

func (c *Conn) handleFrame(f frame.Frame) error {
	if c.cont != nil && (f.Type != frame.TypeContinuation || f.StreamID != c.cont.streamID) {
		return frame.ConnError{Code: frame.ErrCodeProtocol, Reason: "header block interrupted"}
	}
	switch f.Type {
	case frame.TypeData:
		return c.handleData(f)
	case frame.TypeHeaders:
		return c.handleHeaders(f)
	case frame.TypeContinuation:
		return c.handleContinuation(f)
	case frame.TypePriority:
		return c.handlePriority(f)
	case frame.TypeRSTStream:
		return c.handleRSTStream(f)
	case frame.TypeSettings:
		return c.handleSettings(f)
	case frame.TypePing:
		return c.handlePing(f)
	case frame.TypeGoAway:
		return c.handleGoAway(f)
	case frame.TypeWindowUpdate:
		return c.handleWindowUpdate(f)
	case frame.TypePushPromise:
		return frame.ConnError{Code: frame.ErrCodeProtocol, Reason: "PUSH_PROMISE from client"}
	default:
		// Unknown frame types must be ignored.
		return nil
	}
}

func (c *Conn) handleHeaders(f frame.Frame) error {
	if f.StreamID%2 == 0 {
		return frame.ConnError{Code: frame.ErrCodeProtocol, Reason: "even stream id from client"}
	}
	block, prio, err := frame.HeadersBlock(f)
	if err != nil {
		return err
	}
	cont := &contState{
		streamID:  f.StreamID,
		endStream: f.Flags.Has(frame.FlagEndStream),
		prio:      prio,
		block:     append([]byte(nil), block...),
	}
	if st := c.lookup(f.StreamID); st != nil {
		cont.trailers = true
		cont.rejectErr = st.acceptsTrailers(cont.endStream)
	} else {
		c.mu.Lock()
		switch {
		case f.StreamID <= c.highestStream:
			cont.rejectErr = frame.StreamError{StreamID: f.StreamID, Code: frame.ErrCodeStreamClosed, Reason: "HEADERS on closed stream"}
		case c.goingAway:
			cont.rejectErr = frame.StreamError{StreamID: f.StreamID, Code: frame.ErrCodeRefusedStream, Reason: "connection is shutting down"}
		case c.active >= c.cfg.MaxConcurrentStreams:
			cont.rejectErr = frame.StreamError{StreamID: f.StreamID, Code: frame.ErrCodeRefusedStream, Reason: "concurrent stream limit"}
		}
		if c.highestStream < f.StreamID {
			c.highestStream = f.StreamID
		}
		c.mu.Unlock()
	}
	c.cont = cont
	if f.Flags.Has(frame.FlagEndHeaders) {
		return c.finishHeaderBlock()
	}
	return nil
}

func (c *Conn) handleContinuation(f frame.Frame) error {
	if c.cont == nil {
		return frame.ConnError{Code: frame.ErrCodeProtocol, Reason: "CONTINUATION without open header block"}
	}
	c.cont.block = append(c.cont.block, f.Payload...)
	if uint64(len(c.cont.block)) > 4*c.cfg.MaxHeaderListSize.Bytes() {
		return frame.ConnError{Code: frame.ErrCodeEnhanceYourCalm, Reason: "header block too large"}
	}
	if f.Flags.Has(frame.FlagEndHeaders) {
		return c.finishHeaderBlock()
	}
	return nil
}

// finishHeaderBlock decodes a completed block. Decode always runs, even for
// streams about to be refused, to keep the shared HPACK state in sync; any
// decode error tears the whole connection down.
func (c *Conn) finishHeaderBlock() error {
	cont := c.cont
	c.cont = nil
	fields, err := c.dec.Decode(cont.block)
	if err != nil {
		return frame.ConnError{Code: frame.ErrCodeCompression, Reason: err.Error()}
	}
	if listSize(fields) > c.cfg.MaxHeaderListSize.Bytes() {
		if cont.rejectErr == nil {
			cont.rejectErr = frame.StreamError{StreamID: cont.streamID, Code: frame.ErrCodeProtocol, Reason: "header list exceeds SETTINGS_MAX_HEADER_LIST_SIZE"}
		}
	}
	if cont.rejectErr != nil {
		if se, ok := cont.rejectErr.(frame.StreamError); ok && se.Code == frame.ErrCodeRefusedStream {
			c.metrics.StreamsRefused.Add(1)
		}
		return cont.rejectErr
	}
	if cont.trailers {
		st := c.lookup(cont.streamID)
		if st == nil {
			return frame.StreamError{StreamID: cont.streamID, Code: frame.ErrCodeStreamClosed, Reason: "trailers on closed stream"}
		}
		st.body.closeEOF(fields)
		c.remoteClosed(st)
		return nil
	}
	return c.openStream(cont, fields)
}

func listSize(fields []hpack.HeaderField) uint64 {
	var n uint64
	for _, hf := range fields {
		n += uint64(len(hf.Name)+len(hf.Value)) + 32
	}
	return n
}

// openStream creates the stream, assembles the request and hands it to its
// handler goroutine.
func (c *Conn) openStream(cont *contState, fields []hpack.HeaderField) error {
	st := &stream{
		id:      cont.streamID,
		conn:    c,
		log:     c.log.With(zap.Uint32("stream", cont.streamID)),
		state:   stateOpen,
		sendWin: flow.NewWindow(int32(c.peer.initialWindowSize)),
		recvWin: flow.NewRecv(int32(uint32(c.cfg.InitialWindowSize.Bytes()))),
	}
	if cont.prio != nil {
		st.prio = *cont.prio
	}
	st.ctx, st.cancel = context.WithCancel(c.ctx)
	st.body = newBodyBuffer(func(n int32) { c.consumed(st, n) })

	c.mu.Lock()
	c.streams[st.id] = st
	c.active++
	c.mu.Unlock()
	c.metrics.StreamsOpened.Add(1)

	req, err := buildRequest(fields, st.body)
	if err != nil {
		c.abortStream(st, frame.ErrCodeProtocol, err)
		return nil
	}
	req = req.WithContext(st.ctx)
	if cont.endStream {
		st.body.closeEOF(nil)
		st.remoteClose()
	}

	h, pathKnown := c.routes.Match(req.Method, req.Path)
	if h == nil {
		status := 404
		if pathKnown {
			status = 405
		}
		h = statusHandler(status)
	}
	go c.runHandler(st, h, req)
	return nil
}

// buildRequest separates pseudo-headers from regular fields and validates
// them per RFC 7540 section 8.1.2.
func buildRequest(fields []hpack.HeaderField, body router.BodyReader) (*router.Request, error) {
	req := &router.Request{Body: body}
	pseudoDone := false
	for _, hf := range fields {
		if !hf.Pseudo() {
			pseudoDone = true
			req.Headers = append(req.Headers, hf)
			continue
		}
		if pseudoDone {
			return nil, errors.New("pseudo-header after regular header")
		}
		switch hf.Name {
		case ":method":
			req.Method = hf.Value
		case ":path":
			req.Path = hf.Value
		case ":scheme":
			req.Scheme = hf.Value
		case ":authority":
			req.Authority = hf.Value
		default:
			return nil, errors.Errorf("unknown pseudo-header %q", hf.Name)
		}
	}
	if req.Method == "" || req.Path == "" || req.Scheme == "" {
		return nil, errors.New("missing required pseudo-header")
	}
	return req, nil
}

func (c *Conn) runHandler(st *stream, h router.Handler, req *router.Request) {
	rw := &responseWriter{conn: c, st: st}
	defer func() {
		if r := recover(); r != nil {
			st.log.Error("Handler panic", zap.Any("panic", r))
			c.abortStream(st, frame.ErrCodeInternal, errors.New("handler panic"))
			return
		}
		if err := rw.Close(); err != nil {
			st.log.Debug("Response close failed", zap.Error(err))
		}
	}()
	h.Serve(rw, req)
}

func statusHandler(status int) router.Handler {
	return router.HandlerFunc(func(w router.ResponseWriter, req *router.Request) {
		_ = w.WriteHeaders(status, nil)
	})
}

func (c *Conn) handleData(f frame.Frame) error {
	if err := c.connRecv.Debit(int32(f.Length)); err != nil {
		return frame.ConnError{Code: frame.ErrCodeFlowControl, Reason: "connection receive window exceeded"}
	}
	data, endStream, err := frame.Data(f)
	if err != nil {
		return err
	}
	st := c.lookup(f.StreamID)
	if st == nil {
		// Credit back so an abandoned stream cannot starve the connection.
		c.replenishConn(int32(f.Length))
		c.mu.Lock()
		idle := f.StreamID > c.highestStream
		c.mu.Unlock()
		if idle {
			return frame.StreamError{StreamID: f.StreamID, Code: frame.ErrCodeProtocol, Reason: "DATA on idle stream"}
		}
		return frame.StreamError{StreamID: f.StreamID, Code: frame.ErrCodeStreamClosed, Reason: "DATA on closed stream"}
	}
	if err := st.acceptsData(); err != nil {
		c.replenishConn(int32(f.Length))
		return err
	}
	if err := st.recvWin.Debit(int32(f.Length)); err != nil {
		return frame.StreamError{StreamID: f.StreamID, Code: frame.ErrCodeFlowControl, Reason: "stream receive window exceeded"}
	}
	st.body.push(data)
	if pad := int32(f.Length) - int32(len(data)); pad > 0 {
		// Padding is never delivered, return its credit immediately.
		c.consumed(st, pad)
	}
	if endStream {
		st.body.closeEOF(nil)
		c.remoteClosed(st)
	}
	return nil
}

func (c *Conn) handleRSTStream(f frame.Frame) error {
	code := frame.ParseRSTStream(f)
	st := c.lookup(f.StreamID)
	if st == nil {
		c.mu.Lock()
		idle := f.StreamID > c.highestStream
		c.mu.Unlock()
		if idle {
			return frame.ConnError{Code: frame.ErrCodeProtocol, Reason: "RST_STREAM on idle stream"}
		}
		return nil // already closed, bookkeeping raced the reset
	}
	st.log.Debug("Stream reset by peer", zap.String("code", code.String()))
	st.reset()
	c.releaseStream(st, errors.Errorf("stream reset by peer: %s", code))
	c.metrics.StreamsReset.Add(1)
	return nil
}

func (c *Conn) handleSettings(f frame.Frame) error {
	if f.Flags.Has(frame.FlagAck) {
		if c.ackTimer != nil {
			c.ackTimer.Stop()
		}
		return nil
	}
	settings, err := frame.ParseSettings(f.Payload)
	if err != nil {
		return err
	}
	for _, s := range settings {
		delta := c.peer.update(s)
		switch s.ID {
		case frame.SettingHeaderTableSize:
			c.writeMu.Lock()
			c.enc.SetMaxTableSize(s.Val)
			c.writeMu.Unlock()
		case frame.SettingMaxFrameSize:
			c.peerMaxFrame.Store(s.Val)
			c.writeMu.Lock()
			c.fw.SetMaxFrameSize(s.Val)
			c.writeMu.Unlock()
		case frame.SettingInitialWindowSize:
			if err := c.adjustSendWindows(delta); err != nil {
				return err
			}
		}
	}
	return c.writeSettingsAck()
}

// adjustSendWindows applies an INITIAL_WINDOW_SIZE delta to every open
// stream. Windows may go negative; overflow is a connection error.
func (c *Conn) adjustSendWindows(delta int32) error {
	if delta == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.streams {
		if err := st.sendWin.Adjust(delta); err != nil {
			return frame.ConnError{Code: frame.ErrCodeFlowControl, Reason: "INITIAL_WINDOW_SIZE overflows a stream window"}
		}
	}
	return nil
}

func (c *Conn) handlePing(f frame.Frame) error {
	if f.Flags.Has(frame.FlagAck) {
		return nil
	}
	var data [8]byte
	copy(data[:], f.Payload)
	return c.writePingAck(data)
}

func (c *Conn) handleGoAway(f frame.Frame) error {
	last, code, debug := frame.ParseGoAway(f)
	c.mu.Lock()
	c.goingAway = true
	c.mu.Unlock()
	if code == frame.ErrCodeNo {
		c.log.Debug("Peer going away", zap.Uint32("lastStream", last))
		return nil
	}
	c.log.Warn("Peer reported connection error",
		zap.String("code", code.String()), zap.ByteString("debug", debug))
	return errPeerClosed
}

func (c *Conn) handleWindowUpdate(f frame.Frame) error {
	inc, err := frame.ParseWindowUpdate(f)
	if err != nil {
		return err
	}
	if f.StreamID == 0 {
		if err := c.connSend.Grant(inc); err != nil {
			return frame.ConnError{Code: frame.ErrCodeFlowControl, Reason: "connection window overflow"}
		}
		return nil
	}
	st := c.lookup(f.StreamID)
	if st == nil {
		c.mu.Lock()
		idle := f.StreamID > c.highestStream
		c.mu.Unlock()
		if idle {
			return frame.ConnError{Code: frame.ErrCodeProtocol, Reason: "WINDOW_UPDATE on idle stream"}
		}
		return nil // closed stream, grants may still be in flight
	}
	if err := st.sendWin.Grant(inc); err != nil {
		return frame.StreamError{StreamID: f.StreamID, Code: frame.ErrCodeFlowControl, Reason: "stream window overflow"}
	}
	return nil
}

func (c *Conn) handlePriority(f frame.Frame) error {
	p := frame.ParsePriority(f.Payload)
	if p.StreamDep == f.StreamID {
		return frame.StreamError{StreamID: f.StreamID, Code: frame.ErrCodeProtocol, Reason: "stream depends on itself"}
	}
	if st := c.lookup(f.StreamID); st != nil {
		st.prio = p
	}
	return nil
}

func (c *Conn) lookup(id uint32) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// consumed reports n body bytes consumed by the application and replenishes
// the peer's credit, batched by the flow package so the advertised window
// never silently reaches zero.
func (c *Conn) consumed(st *stream, n int32) {
	streamInc := uint32(0)
	switch st.currentState() {
	case stateOpen, stateHalfClosedLocal:
		streamInc = st.recvWin.Consumed(n)
	default:
		// Peer finished sending, stream credit is moot.
		st.recvWin.Consumed(n)
	}
	connInc := c.connRecv.Consumed(n)
	if streamInc == 0 && connInc == 0 {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if streamInc > 0 {
		if err := c.fw.WriteWindowUpdate(st.id, streamInc); err != nil {
			return
		}
		c.metrics.FramesWritten.Add(1)
	}
	if connInc > 0 {
		if err := c.fw.WriteWindowUpdate(0, connInc); err != nil {
			return
		}
		c.metrics.FramesWritten.Add(1)
	}
	_ = c.bw.Flush()
}

func (c *Conn) replenishConn(n int32) {
	if inc := c.connRecv.Consumed(n); inc > 0 {
		c.writeMu.Lock()
		if err := c.fw.WriteWindowUpdate(0, inc); err == nil {
			c.metrics.FramesWritten.Add(1)
			_ = c.bw.Flush()
		}
		c.writeMu.Unlock()
	}
}

// remoteClosed finalizes the peer direction and releases the stream when
// both directions are done.
func (c *Conn) remoteClosed(st *stream) {
	if st.remoteClose() {
		c.removeStream(st)
	}
}

// localClosed finalizes our direction, driven by the handler's response
// writer.
func (c *Conn) localClosed(st *stream) {
	if st.localClose() {
		c.removeStream(st)
	}
}

func (c *Conn) removeStream(st *stream) {
	st.cancel()
	st.sendWin.Close()
	// DATA bytes the handler never read were debited from the connection
	// window in handleData; return them or the peer eventually stalls.
	if unread := st.body.discard(); unread > 0 {
		c.replenishConn(unread)
	}
	c.mu.Lock()
	if _, ok := c.streams[st.id]; ok {
		delete(c.streams, st.id)
		c.active--
	}
	c.mu.Unlock()
}

// abortStream resets a live stream with code and releases it: the handler is
// canceled, buffers are dropped, other streams continue unaffected.
func (c *Conn) abortStream(st *stream, code frame.ErrCode, cause error) {
	st.mu.Lock()
	alreadyClosed := st.state == stateClosed
	st.mu.Unlock()
	st.reset()
	c.releaseStream(st, cause)
	if !alreadyClosed {
		if err := c.writeReset(st.id, code); err != nil {
			c.log.Debug("RST_STREAM write failed", zap.Error(err))
		}
		c.metrics.StreamsReset.Add(1)
	}
}

// releaseStream tears down stream resources without emitting frames.
func (c *Conn) releaseStream(st *stream, cause error) {
	st.body.fail(cause)
	c.removeStream(st)
}

// fatal ends the connection exactly once: GOAWAY with the highest processed
// stream id, then transport close. Safe from any goroutine; the timer and
// the dispatch loop both land here.
func (c *Conn) fatal(ce frame.ConnError) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		last := c.highestStream
		c.mu.Unlock()
		c.writeMu.Lock()
		if err := c.fw.WriteGoAway(last, ce.Code, []byte(ce.Reason)); err == nil {
			c.metrics.FramesWritten.Add(1)
			_ = c.bw.Flush()
		}
		c.writeMu.Unlock()
		_ = c.transport.Close()
	})
}

// goAwayGraceful announces NO_ERROR shutdown but keeps serving accepted
// streams. New streams are refused from here on.
func (c *Conn) goAwayGraceful() {
	c.mu.Lock()
	alreadyAway := c.goingAway
	c.goingAway = true
	last := c.highestStream
	c.mu.Unlock()
	if alreadyAway {
		return
	}
	c.writeMu.Lock()
	if err := c.fw.WriteGoAway(last, frame.ErrCodeNo, nil); err == nil {
		c.metrics.FramesWritten.Add(1)
		_ = c.bw.Flush()
	}
	c.writeMu.Unlock()
}

// teardown releases every stream after the dispatch loop exits.
func (c *Conn) teardown() {
	c.cancel()
	c.mu.Lock()
	streams := make([]*stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.mu.Unlock()
	for _, st := range streams {
		st.reset()
		c.releaseStream(st, errors.New("connection closed"))
	}
	c.connSend.Close()
	_ = c.transport.Close()
}

// Write-side helpers. Every outbound frame goes through one of these.

func (c *Conn) writeSettingsAck() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.fw.WriteSettings(true); err != nil {
		return errors.Wrap(err, "write SETTINGS ack")
	}
	c.metrics.FramesWritten.Add(1)
	return c.bw.Flush()
}

func (c *Conn) writePingAck(data [8]byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.fw.WritePing(true, data); err != nil {
		return errors.Wrap(err, "write PING ack")
	}
	c.metrics.FramesWritten.Add(1)
	return c.bw.Flush()
}

func (c *Conn) writeReset(id uint32, code frame.ErrCode) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.fw.WriteRSTStream(id, code); err != nil {
		return errors.Wrap(err, "write RST_STREAM")
	}
	c.metrics.FramesWritten.Add(1)
	return c.bw.Flush()
}

// writeHeaderBlock encodes fields and writes HEADERS (+CONTINUATION) in one
// critical section, keeping the outbound HPACK table in wire order.
func (c *Conn) writeHeaderBlock(id uint32, endStream bool, fields []hpack.HeaderField) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.encBuf = c.enc.Encode(c.encBuf[:0], fields)
	if err := c.fw.WriteHeaders(id, endStream, c.encBuf); err != nil {
		return errors.Wrap(err, "write HEADERS")
	}
	c.metrics.FramesWritten.Add(1)
	return c.bw.Flush()
}

func (c *Conn) writeData(id uint32, endStream bool, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.fw.WriteData(id, endStream, p); err != nil {
		return errors.Wrap(err, "write DATA")
	}
	c.metrics.FramesWritten.Add(1)
	return c.bw.Flush()
}
