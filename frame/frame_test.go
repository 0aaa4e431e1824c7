// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteFrame(f))
	got, err := NewReader(&buf).ReadFrame()
	require.NoError(t, err)
	return got
}

func TestRoundTrip(t *testing.T) {
	for _, f := range []Frame{
		{Header: Header{Type: TypeData, Flags: FlagEndStream, StreamID: 1}, Payload: []byte("hello")},
		{Header: Header{Type: TypeHeaders, Flags: FlagEndHeaders, StreamID: 3}, Payload: []byte{0x82}},
		{Header: Header{Type: TypePing}, Payload: make([]byte, 8)},
		{Header: Header{Type: TypeSettings}},
	} {
		got := roundTrip(t, f)
		assert.Equal(t, f.Type, got.Type)
		assert.Equal(t, f.Flags, got.Flags)
		assert.Equal(t, f.StreamID, got.StreamID)
		assert.Equal(t, uint32(len(f.Payload)), got.Length)
		if len(f.Payload) > 0 {
			assert.Equal(t, f.Payload, got.Payload)
		}
	}
}

func TestReadFrameEOF(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil)).ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteFrame(Frame{
		Header:  Header{Type: TypeData, StreamID: 1},
		Payload: []byte("hello"),
	}))
	buf.Truncate(buf.Len() - 2)
	_, err := NewReader(&buf).ReadFrame()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.SetMaxFrameSize(1 << 20)
	require.NoError(t, w.WriteFrame(Frame{
		Header:  Header{Type: TypeData, StreamID: 1},
		Payload: make([]byte, DefaultMaxFrameSize+1),
	}))
	_, err := NewReader(&buf).ReadFrame()
	assert.Equal(t, ConnError{ErrCodeFrameSize, "frame exceeds SETTINGS_MAX_FRAME_SIZE"}, err)
}

func TestFixedSizeValidation(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  error
	}{
		{
			"ping wrong size",
			Frame{Header: Header{Type: TypePing}, Payload: []byte{1, 2, 3}},
			ConnError{ErrCodeFrameSize, "PING payload must be 8 bytes"},
		},
		{
			"window update wrong size",
			Frame{Header: Header{Type: TypeWindowUpdate, StreamID: 1}, Payload: []byte{1}},
			ConnError{ErrCodeFrameSize, "WINDOW_UPDATE payload must be 4 bytes"},
		},
		{
			"settings ack with payload",
			Frame{Header: Header{Type: TypeSettings, Flags: FlagAck}, Payload: make([]byte, 6)},
			ConnError{ErrCodeFrameSize, "SETTINGS ack with payload"},
		},
		{
			"goaway too short",
			Frame{Header: Header{Type: TypeGoAway}, Payload: []byte{0}},
			ConnError{ErrCodeFrameSize, "GOAWAY payload too short"},
		},
		{
			"priority wrong size is stream scoped",
			Frame{Header: Header{Type: TypePriority, StreamID: 5}, Payload: []byte{0}},
			StreamError{5, ErrCodeFrameSize, "PRIORITY payload must be 5 bytes"},
		},
		{
			"data on stream zero",
			Frame{Header: Header{Type: TypeData}, Payload: []byte("x")},
			ConnError{ErrCodeProtocol, "DATA on stream 0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, NewWriter(&buf).WriteFrame(tt.frame))
			_, err := NewReader(&buf).ReadFrame()
			assert.Equal(t, tt.want, err)
		})
	}
}

func TestWriteDataSplits(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.SetMaxFrameSize(4)
	require.NoError(t, w.WriteData(1, true, []byte("helloworld")))

	r := NewReader(&buf)
	var chunks [][]byte
	var lastFlags Flags
	for {
		f, err := r.ReadFrame()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chunk := make([]byte, len(f.Payload))
		copy(chunk, f.Payload)
		chunks = append(chunks, chunk)
		assert.False(t, lastFlags.Has(FlagEndStream), "END_STREAM before last fragment")
		lastFlags = f.Flags
	}
	assert.Equal(t, [][]byte{[]byte("hell"), []byte("owor"), []byte("ld")}, chunks)
	assert.True(t, lastFlags.Has(FlagEndStream))
}

func TestWriteHeadersContinuation(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.SetMaxFrameSize(3)
	require.NoError(t, w.WriteHeaders(7, false, []byte{1, 2, 3, 4, 5, 6, 7}))

	r := NewReader(&buf)
	f, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, TypeHeaders, f.Type)
	assert.False(t, f.Flags.Has(FlagEndHeaders))

	var last Frame
	for i := 0; i < 2; i++ {
		last, err = r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, TypeContinuation, last.Type)
	}
	assert.True(t, last.Flags.Has(FlagEndHeaders))
	assert.Equal(t, []byte{7}, last.Payload)
}

func TestDataPadding(t *testing.T) {
	f := Frame{
		Header:  Header{Type: TypeData, Flags: FlagPadded | FlagEndStream, StreamID: 1},
		Payload: append([]byte{3}, []byte("hello\x00\x00\x00")...),
	}
	data, endStream, err := Data(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.True(t, endStream)
}

func TestDataPaddingTooLong(t *testing.T) {
	f := Frame{
		Header:  Header{Type: TypeData, Flags: FlagPadded, StreamID: 1},
		Payload: []byte{200, 'h', 'i'},
	}
	_, _, err := Data(f)
	assert.Equal(t, ConnError{ErrCodeProtocol, "padding exceeds payload"}, err)
}

func TestHeadersBlockPriority(t *testing.T) {
	payload := []byte{0x80, 0x00, 0x00, 0x03, 15, 0xbe, 0xef}
	f := Frame{Header: Header{Type: TypeHeaders, Flags: FlagPriority, StreamID: 5}, Payload: payload}
	block, prio, err := HeadersBlock(f)
	require.NoError(t, err)
	require.NotNil(t, prio)
	assert.Equal(t, uint32(3), prio.StreamDep)
	assert.True(t, prio.Exclusive)
	assert.Equal(t, uint8(15), prio.Weight)
	assert.Equal(t, []byte{0xbe, 0xef}, block)
}

func TestParseSettings(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteSettings(false,
		Setting{SettingMaxFrameSize, 32768},
		Setting{SettingInitialWindowSize, 1 << 20},
	))
	f, err := NewReader(&buf).ReadFrame()
	require.NoError(t, err)
	got, err := ParseSettings(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, []Setting{
		{SettingMaxFrameSize, 32768},
		{SettingInitialWindowSize, 1 << 20},
	}, got)
}

func TestParseSettingsInvalidValues(t *testing.T) {
	_, err := ParseSettings([]byte{0x00, 0x05, 0x00, 0x00, 0x00, 0x01}) // MAX_FRAME_SIZE=1
	assert.Equal(t, ConnError{ErrCodeProtocol, "MAX_FRAME_SIZE out of range"}, err)

	_, err = ParseSettings([]byte{0x00, 0x04, 0x80, 0x00, 0x00, 0x00}) // INITIAL_WINDOW_SIZE=2^31
	assert.Equal(t, ConnError{ErrCodeFlowControl, "INITIAL_WINDOW_SIZE above 2^31-1"}, err)
}

func TestParseWindowUpdateZeroIncrement(t *testing.T) {
	f := Frame{Header: Header{Type: TypeWindowUpdate, StreamID: 3}, Payload: []byte{0, 0, 0, 0}}
	_, err := ParseWindowUpdate(f)
	assert.Equal(t, StreamError{3, ErrCodeProtocol, "WINDOW_UPDATE with zero increment"}, err)

	f.StreamID = 0
	_, err = ParseWindowUpdate(f)
	assert.Equal(t, ConnError{ErrCodeProtocol, "WINDOW_UPDATE with zero increment"}, err)
}

func TestGoAwayRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteGoAway(41, ErrCodeCompression, []byte("hpack state desync")))
	f, err := NewReader(&buf).ReadFrame()
	require.NoError(t, err)
	last, code, debug := ParseGoAway(f)
	assert.Equal(t, uint32(41), last)
	assert.Equal(t, ErrCodeCompression, code)
	assert.Equal(t, []byte("hpack state desync"), debug)
}

func TestReservedBitDropped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteFrame(Frame{Header: Header{Type: TypeData, StreamID: 1}, Payload: []byte("x")}))
	raw := buf.Bytes()
	raw[5] |= 0x80 // set the reserved bit
	f, err := NewReader(bytes.NewReader(raw)).ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f.StreamID)
}
