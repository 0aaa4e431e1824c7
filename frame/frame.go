// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package frame implements the HTTP/2 wire framing layer (RFC 7540 section 4):
// the 9-byte frame header, type-specific payload parsing and encoding, and
// the classification of malformed frames into stream or connection errors.
package frame

import "fmt"

// HeaderLen is the fixed size of the frame header on the wire.
const HeaderLen = 9

const (
	// DefaultMaxFrameSize is the SETTINGS_MAX_FRAME_SIZE initial value.
	DefaultMaxFrameSize = 16384
	// MaxAllowedFrameSize is the largest value SETTINGS_MAX_FRAME_SIZE may take.
	MaxAllowedFrameSize = 1<<24 - 1
	// DefaultInitialWindowSize is the flow-control window every stream and
	// connection starts with.
	DefaultInitialWindowSize = 65535
	// MaxWindowSize is the flow-control window ceiling (2^31-1).
	MaxWindowSize = 1<<31 - 1
	// MaxStreamID is the largest valid stream identifier (31 bits).
	MaxStreamID = 1<<31 - 1
)

// ClientPreface is sent by clients before any frame on a connection.
var ClientPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// Type identifies a frame type.
type Type uint8

const (
	TypeData         Type = 0x0
	TypeHeaders      Type = 0x1
	TypePriority     Type = 0x2
	TypeRSTStream    Type = 0x3
	TypeSettings     Type = 0x4
	TypePushPromise  Type = 0x5
	TypePing         Type = 0x6
	TypeGoAway       Type = 0x7
	TypeWindowUpdate Type = 0x8
	TypeContinuation Type = 0x9

	numTypes = 10
)

var typeNames = [numTypes]string{
	"DATA", "HEADERS", "PRIORITY", "RST_STREAM", "SETTINGS",
	"PUSH_PROMISE", "PING", "GOAWAY", "WINDOW_UPDATE", "CONTINUATION",
}

func (t Type) String() string {
	if t.Known() {
		return typeNames[t]
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
}

// Known reports whether the type is defined by RFC 7540. Unknown types must
// be ignored by receivers.
func (t Type) Known() bool { return t < numTypes }

// Flags is the 8-bit flags field. Flag meaning depends on the frame type.
type Flags uint8

const (
	FlagEndStream  Flags = 0x1  // DATA, HEADERS
	FlagAck        Flags = 0x1  // SETTINGS, PING
	FlagEndHeaders Flags = 0x4  // HEADERS, PUSH_PROMISE, CONTINUATION
	FlagPadded     Flags = 0x8  // DATA, HEADERS, PUSH_PROMISE
	FlagPriority   Flags = 0x20 // HEADERS
)

func (f Flags) Has(v Flags) bool { return f&v != 0 }

// ErrCode is an RFC 7540 section 7 error code, carried by RST_STREAM and
// GOAWAY frames.
type ErrCode uint32

const (
	ErrCodeNo                 ErrCode = 0x0
	ErrCodeProtocol           ErrCode = 0x1
	ErrCodeInternal           ErrCode = 0x2
	ErrCodeFlowControl        ErrCode = 0x3
	ErrCodeSettingsTimeout    ErrCode = 0x4
	ErrCodeStreamClosed       ErrCode = 0x5
	ErrCodeFrameSize          ErrCode = 0x6
	ErrCodeRefusedStream      ErrCode = 0x7
	ErrCodeCancel             ErrCode = 0x8
	ErrCodeCompression        ErrCode = 0x9
	ErrCodeConnect            ErrCode = 0xa
	ErrCodeEnhanceYourCalm    ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
	ErrCodeHTTP11Required     ErrCode = 0xd
)

var errCodeNames = [...]string{
	"NO_ERROR", "PROTOCOL_ERROR", "INTERNAL_ERROR", "FLOW_CONTROL_ERROR",
	"SETTINGS_TIMEOUT", "STREAM_CLOSED", "FRAME_SIZE_ERROR", "REFUSED_STREAM",
	"CANCEL", "COMPRESSION_ERROR", "CONNECT_ERROR", "ENHANCE_YOUR_CALM",
	"INADEQUATE_SECURITY", "HTTP_1_1_REQUIRED",
}

func (c ErrCode) String() string {
	if int(c) < len(errCodeNames) {
		return errCodeNames[c]
	}
	return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint32(c))
}

// ConnError is a connection-level protocol violation. It is always fatal:
// the connection sends GOAWAY with the code and closes the transport.
type ConnError struct {
	Code   ErrCode
	Reason string
}

func (e ConnError) Error() string {
	if e.Reason == "" {
		return "http2: connection error: " + e.Code.String()
	}
	return "http2: connection error: " + e.Code.String() + ": " + e.Reason
}

// StreamError is contained to a single stream: the stream is reset with
// RST_STREAM and the connection keeps serving other streams.
type StreamError struct {
	StreamID uint32
	Code     ErrCode
	Reason   string
}

func (e StreamError) Error() string {
	return fmt.Sprintf("http2: stream %d error: %s: %s", e.StreamID, e.Code, e.Reason)
}

// SettingID identifies a SETTINGS parameter.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

var settingNames = map[SettingID]string{
	SettingHeaderTableSize:      "HEADER_TABLE_SIZE",
	SettingEnablePush:           "ENABLE_PUSH",
	SettingMaxConcurrentStreams: "MAX_CONCURRENT_STREAMS",
	SettingInitialWindowSize:    "INITIAL_WINDOW_SIZE",
	SettingMaxFrameSize:         "MAX_FRAME_SIZE",
	SettingMaxHeaderListSize:    "MAX_HEADER_LIST_SIZE",
}

func (id SettingID) String() string {
	if name, ok := settingNames[id]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_SETTING_%d", uint16(id))
}

// Setting is one identifier/value pair of a SETTINGS frame payload.
type Setting struct {
	ID  SettingID
	Val uint32
}

// Valid checks the value ranges RFC 7540 section 6.5.2 defines. Violations
// are connection errors.
func (s Setting) Valid() error {
	switch s.ID {
	case SettingEnablePush:
		if s.Val != 0 && s.Val != 1 {
			return ConnError{ErrCodeProtocol, "ENABLE_PUSH must be 0 or 1"}
		}
	case SettingInitialWindowSize:
		if s.Val > MaxWindowSize {
			return ConnError{ErrCodeFlowControl, "INITIAL_WINDOW_SIZE above 2^31-1"}
		}
	case SettingMaxFrameSize:
		if s.Val < DefaultMaxFrameSize || s.Val > MaxAllowedFrameSize {
			return ConnError{ErrCodeProtocol, "MAX_FRAME_SIZE out of range"}
		}
	}
	return nil
}

// Header is the fixed 9-byte prefix of every frame.
type Header struct {
	Length   uint32 // 24 bits on the wire
	Type     Type
	Flags    Flags
	StreamID uint32 // 31 bits, reserved bit dropped on read
}

// Frame is one decoded frame: header plus raw payload. The payload is owned
// by the reader and valid only until the next ReadFrame call.
type Frame struct {
	Header
	Payload []byte
}

// Priority is the payload of a PRIORITY frame, and of the priority section
// of a HEADERS frame with the PRIORITY flag.
type Priority struct {
	StreamDep uint32
	Weight    uint8
	Exclusive bool
}
