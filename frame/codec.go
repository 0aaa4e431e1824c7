// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package frame

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Reader decodes frames from an ordered byte stream. It is not safe for
// concurrent use: one connection owns one Reader.
type Reader struct {
	r            io.Reader
	maxFrameSize uint32
	header       [HeaderLen]byte
	payload      []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, maxFrameSize: DefaultMaxFrameSize}
}

// SetMaxFrameSize raises or lowers the declared-length ceiling, after a
// SETTINGS_MAX_FRAME_SIZE we advertised has been acknowledged.
func (fr *Reader) SetMaxFrameSize(n uint32) { fr.maxFrameSize = n }

// ReadFrame consumes exactly one frame header and its declared payload.
// The returned payload is reused by the next call. Blocking on the
// underlying reader is the suspension point for incomplete frames; a stream
// that ends mid-frame yields io.ErrUnexpectedEOF. Protocol violations are
// returned as ConnError or StreamError.
func (fr *Reader) ReadFrame() (Frame, error) {
	var f Frame
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		if err == io.EOF {
			return f, io.EOF
		}
		return f, errors.Wrap(err, "read frame header")
	}
	f.Length = uint32(fr.header[0])<<16 | uint32(fr.header[1])<<8 | uint32(fr.header[2])
	f.Type = Type(fr.header[3])
	f.Flags = Flags(fr.header[4])
	f.StreamID = binary.BigEndian.Uint32(fr.header[5:9]) & MaxStreamID // drop reserved bit
	if f.Length > fr.maxFrameSize {
		return f, ConnError{ErrCodeFrameSize, "frame exceeds SETTINGS_MAX_FRAME_SIZE"}
	}
	if cap(fr.payload) < int(f.Length) {
		fr.payload = make([]byte, f.Length)
	}
	f.Payload = fr.payload[:f.Length]
	if _, err := io.ReadFull(fr.r, f.Payload); err != nil {
		return f, errors.Wrap(err, "read frame payload")
	}
	if err := validate(&f); err != nil {
		return f, err
	}
	return f, nil
}

// validate applies the per-type size and stream-id checks of RFC 7540
// section 6. Frame types that carry connection state report connection
// errors; the rest report stream errors so that only the offending stream
// is torn down.
func validate(f *Frame) error {
	switch f.Type {
	case TypeData:
		if f.StreamID == 0 {
			return ConnError{ErrCodeProtocol, "DATA on stream 0"}
		}
	case TypeHeaders, TypeContinuation:
		if f.StreamID == 0 {
			return ConnError{ErrCodeProtocol, f.Type.String() + " on stream 0"}
		}
	case TypePriority:
		if f.StreamID == 0 {
			return ConnError{ErrCodeProtocol, "PRIORITY on stream 0"}
		}
		if f.Length != 5 {
			return StreamError{f.StreamID, ErrCodeFrameSize, "PRIORITY payload must be 5 bytes"}
		}
	case TypeRSTStream:
		if f.StreamID == 0 {
			return ConnError{ErrCodeProtocol, "RST_STREAM on stream 0"}
		}
		if f.Length != 4 {
			return ConnError{ErrCodeFrameSize, "RST_STREAM payload must be 4 bytes"}
		}
	case TypeSettings:
		if f.StreamID != 0 {
			return ConnError{ErrCodeProtocol, "SETTINGS on non-zero stream"}
		}
		if f.Flags.Has(FlagAck) && f.Length != 0 {
			return ConnError{ErrCodeFrameSize, "SETTINGS ack with payload"}
		}
		if f.Length%6 != 0 {
			return ConnError{ErrCodeFrameSize, "SETTINGS payload not a multiple of 6"}
		}
	case TypePing:
		if f.StreamID != 0 {
			return ConnError{ErrCodeProtocol, "PING on non-zero stream"}
		}
		if f.Length != 8 {
			return ConnError{ErrCodeFrameSize, "PING payload must be 8 bytes"}
		}
	case TypeGoAway:
		if f.StreamID != 0 {
			return ConnError{ErrCodeProtocol, "GOAWAY on non-zero stream"}
		}
		if f.Length < 8 {
			return ConnError{ErrCodeFrameSize, "GOAWAY payload too short"}
		}
	case TypeWindowUpdate:
		if f.Length != 4 {
			return ConnError{ErrCodeFrameSize, "WINDOW_UPDATE payload must be 4 bytes"}
		}
	case TypePushPromise:
		// Clients must not push. Decoded for completeness, rejected by the
		// connection as a protocol error.
	}
	return nil
}

// Data returns the DATA payload with padding stripped, also reporting the
// END_STREAM flag.
func Data(f Frame) (data []byte, endStream bool, err error) {
	data = f.Payload
	if f.Flags.Has(FlagPadded) {
		data, err = stripPadding(f.StreamID, data)
		if err != nil {
			return nil, false, err
		}
	}
	return data, f.Flags.Has(FlagEndStream), nil
}

// HeadersBlock returns the header block fragment of a HEADERS frame with
// padding and the optional priority section removed.
func HeadersBlock(f Frame) (block []byte, prio *Priority, err error) {
	block = f.Payload
	if f.Flags.Has(FlagPadded) {
		block, err = stripPadding(f.StreamID, block)
		if err != nil {
			return nil, nil, err
		}
	}
	if f.Flags.Has(FlagPriority) {
		if len(block) < 5 {
			return nil, nil, StreamError{f.StreamID, ErrCodeFrameSize, "HEADERS priority section truncated"}
		}
		p := ParsePriority(block[:5])
		prio = &p
		block = block[5:]
	}
	return block, prio, nil
}

func stripPadding(streamID uint32, payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, StreamError{streamID, ErrCodeFrameSize, "padded frame without pad length"}
	}
	padLen := int(payload[0])
	payload = payload[1:]
	if padLen > len(payload) {
		// Padding that swallows the whole payload is a connection error per
		// RFC 7540 section 6.1.
		return nil, ConnError{ErrCodeProtocol, "padding exceeds payload"}
	}
	return payload[:len(payload)-padLen], nil
}

// ParsePriority decodes the fixed 5-byte priority section.
func ParsePriority(b []byte) Priority {
	dep := binary.BigEndian.Uint32(b[0:4])
	return Priority{
		StreamDep: dep & MaxStreamID,
		Weight:    b[4],
		Exclusive: dep&(1<<31) != 0,
	}
}

// ParseSettings decodes a SETTINGS payload into identifier/value pairs.
// Unknown identifiers are kept; the caller ignores them per RFC.
func ParseSettings(payload []byte) ([]Setting, error) {
	settings := make([]Setting, 0, len(payload)/6)
	for i := 0; i+6 <= len(payload); i += 6 {
		s := Setting{
			ID:  SettingID(binary.BigEndian.Uint16(payload[i : i+2])),
			Val: binary.BigEndian.Uint32(payload[i+2 : i+6]),
		}
		if err := s.Valid(); err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, nil
}

// ParseWindowUpdate returns the window increment. A zero increment is a
// protocol error, scoped to the stream it arrived on.
func ParseWindowUpdate(f Frame) (uint32, error) {
	inc := binary.BigEndian.Uint32(f.Payload) & MaxWindowSize
	if inc == 0 {
		if f.StreamID == 0 {
			return 0, ConnError{ErrCodeProtocol, "WINDOW_UPDATE with zero increment"}
		}
		return 0, StreamError{f.StreamID, ErrCodeProtocol, "WINDOW_UPDATE with zero increment"}
	}
	return inc, nil
}

// ParseRSTStream returns the error code the peer reset the stream with.
func ParseRSTStream(f Frame) ErrCode {
	return ErrCode(binary.BigEndian.Uint32(f.Payload))
}

// ParseGoAway decodes a GOAWAY payload.
func ParseGoAway(f Frame) (lastStreamID uint32, code ErrCode, debug []byte) {
	lastStreamID = binary.BigEndian.Uint32(f.Payload[0:4]) & MaxStreamID
	code = ErrCode(binary.BigEndian.Uint32(f.Payload[4:8]))
	debug = f.Payload[8:]
	return
}

// Writer encodes frames to an ordered byte stream. Callers must serialize
// access: one connection funnels all frame writes through one Writer.
type Writer struct {
	w            io.Writer
	maxFrameSize uint32
	header       [HeaderLen]byte
	scratch      []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, maxFrameSize: DefaultMaxFrameSize}
}

// SetMaxFrameSize applies the peer's advertised SETTINGS_MAX_FRAME_SIZE.
// Subsequent writes never exceed it.
func (fw *Writer) SetMaxFrameSize(n uint32) { fw.maxFrameSize = n }

// MaxFrameSize returns the current outbound payload ceiling.
func (fw *Writer) MaxFrameSize() uint32 { return fw.maxFrameSize }

// WriteFrame encodes the header and payload of a single frame. The payload
// must already fit the peer's max frame size; DATA and header blocks are
// split by the callers that own flow control and HPACK state.
func (fw *Writer) WriteFrame(f Frame) error {
	length := uint32(len(f.Payload))
	if length > fw.maxFrameSize {
		return errors.Errorf("frame payload %d exceeds peer max frame size %d", length, fw.maxFrameSize)
	}
	fw.header[0] = byte(length >> 16)
	fw.header[1] = byte(length >> 8)
	fw.header[2] = byte(length)
	fw.header[3] = byte(f.Type)
	fw.header[4] = byte(f.Flags)
	binary.BigEndian.PutUint32(fw.header[5:9], f.StreamID&MaxStreamID)
	if _, err := fw.w.Write(fw.header[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if length == 0 {
		return nil
	}
	_, err := fw.w.Write(f.Payload)
	return errors.Wrap(err, "write frame payload")
}

// WriteData emits one or more DATA frames for p, splitting at the peer's max
// frame size. END_STREAM is set only on the last fragment.
func (fw *Writer) WriteData(streamID uint32, endStream bool, p []byte) error {
	for first := true; first || len(p) > 0; first = false {
		chunk := p
		if uint32(len(chunk)) > fw.maxFrameSize {
			chunk = chunk[:fw.maxFrameSize]
		}
		p = p[len(chunk):]
		var flags Flags
		if endStream && len(p) == 0 {
			flags = FlagEndStream
		}
		err := fw.WriteFrame(Frame{
			Header:  Header{Type: TypeData, Flags: flags, StreamID: streamID},
			Payload: chunk,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteSettings emits a SETTINGS frame, or a zero-length ack.
func (fw *Writer) WriteSettings(ack bool, settings ...Setting) error {
	if ack {
		return fw.WriteFrame(Frame{Header: Header{Type: TypeSettings, Flags: FlagAck}})
	}
	fw.scratch = fw.scratch[:0]
	for _, s := range settings {
		fw.scratch = append(fw.scratch,
			byte(s.ID>>8), byte(s.ID),
			byte(s.Val>>24), byte(s.Val>>16), byte(s.Val>>8), byte(s.Val))
	}
	return fw.WriteFrame(Frame{Header: Header{Type: TypeSettings}, Payload: fw.scratch})
}

// WritePing emits a PING frame echoing the 8 opaque payload bytes.
func (fw *Writer) WritePing(ack bool, data [8]byte) error {
	var flags Flags
	if ack {
		flags = FlagAck
	}
	return fw.WriteFrame(Frame{Header: Header{Type: TypePing, Flags: flags}, Payload: data[:]})
}

// WriteWindowUpdate emits a WINDOW_UPDATE; streamID 0 grants connection-wide
// credit.
func (fw *Writer) WriteWindowUpdate(streamID uint32, increment uint32) error {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], increment&MaxWindowSize)
	return fw.WriteFrame(Frame{Header: Header{Type: TypeWindowUpdate, StreamID: streamID}, Payload: p[:]})
}

// WriteRSTStream abandons a single stream with the given code.
func (fw *Writer) WriteRSTStream(streamID uint32, code ErrCode) error {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], uint32(code))
	return fw.WriteFrame(Frame{Header: Header{Type: TypeRSTStream, StreamID: streamID}, Payload: p[:]})
}

// WriteGoAway announces connection shutdown: streams above lastStreamID are
// abandoned.
func (fw *Writer) WriteGoAway(lastStreamID uint32, code ErrCode, debug []byte) error {
	p := make([]byte, 8+len(debug))
	binary.BigEndian.PutUint32(p[0:4], lastStreamID&MaxStreamID)
	binary.BigEndian.PutUint32(p[4:8], uint32(code))
	copy(p[8:], debug)
	return fw.WriteFrame(Frame{Header: Header{Type: TypeGoAway}, Payload: p})
}

// WriteHeaders emits a header block as one HEADERS frame followed by as many
// CONTINUATION frames as the peer's max frame size requires. END_HEADERS is
// set only on the last fragment.
func (fw *Writer) WriteHeaders(streamID uint32, endStream bool, block []byte) error {
	chunk := block
	if uint32(len(chunk)) > fw.maxFrameSize {
		chunk = chunk[:fw.maxFrameSize]
	}
	block = block[len(chunk):]
	flags := Flags(0)
	if endStream {
		flags |= FlagEndStream
	}
	if len(block) == 0 {
		flags |= FlagEndHeaders
	}
	err := fw.WriteFrame(Frame{Header: Header{Type: TypeHeaders, Flags: flags, StreamID: streamID}, Payload: chunk})
	if err != nil {
		return err
	}
	for len(block) > 0 {
		chunk = block
		if uint32(len(chunk)) > fw.maxFrameSize {
			chunk = chunk[:fw.maxFrameSize]
		}
		block = block[len(chunk):]
		flags = 0
		if len(block) == 0 {
			flags = FlagEndHeaders
		}
		err = fw.WriteFrame(Frame{Header: Header{Type: TypeContinuation, Flags: flags, StreamID: streamID}, Payload: chunk})
		if err != nil {
			return err
		}
	}
	return nil
}
