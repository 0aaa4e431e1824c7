// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package mux

import (
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/protolab/h2mux/frame"
	"github.com/protolab/h2mux/hpack"
)

// Config is the engine's tunable surface. Size fields decode from strings
// like "16kb" via the config package hooks.
type Config struct {
	// MaxFrameSize is advertised as SETTINGS_MAX_FRAME_SIZE.
	MaxFrameSize datasize.ByteSize `config:"max-frame-size" validate:"min-size=16kb,max-size=16mb"`
	// InitialWindowSize is the per-stream receive window we advertise. The
	// connection receive window is topped up to the same value.
	InitialWindowSize datasize.ByteSize `config:"initial-window-size" validate:"min-size=1kb,max-size=1gb"`
	// HeaderTableSize is the HPACK dynamic table budget per direction.
	HeaderTableSize datasize.ByteSize `config:"header-table-size" validate:"max-size=1mb"`
	// MaxHeaderListSize bounds the decoded size of one header block.
	MaxHeaderListSize datasize.ByteSize `config:"max-header-list-size"`
	// MaxConcurrentStreams caps streams a client may keep open at once;
	// stream N+1 is refused.
	MaxConcurrentStreams uint32 `config:"max-concurrent-streams" validate:"min=1"`
	// SettingsTimeout bounds how long the peer may take to ack our SETTINGS.
	SettingsTimeout time.Duration `config:"settings-timeout"`
}

// DefaultConfig returns the RFC defaults, with the stream cap Helidon-style
// rather than unlimited.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:         frame.DefaultMaxFrameSize,
		InitialWindowSize:    frame.DefaultInitialWindowSize,
		HeaderTableSize:      hpack.DefaultTableSize,
		MaxHeaderListSize:    16 * datasize.KB,
		MaxConcurrentStreams: 128,
		SettingsTimeout:      10 * time.Second,
	}
}

// normalized fills zero fields with defaults and clamps MaxFrameSize to the
// 24-bit wire maximum.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.MaxFrameSize.Bytes() > frame.MaxAllowedFrameSize {
		c.MaxFrameSize = frame.MaxAllowedFrameSize
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = def.InitialWindowSize
	}
	if c.HeaderTableSize == 0 {
		c.HeaderTableSize = def.HeaderTableSize
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = def.MaxHeaderListSize
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = def.MaxConcurrentStreams
	}
	if c.SettingsTimeout == 0 {
		c.SettingsTimeout = def.SettingsTimeout
	}
	return c
}

func (c Config) frameSettings() []frame.Setting {
	return []frame.Setting{
		{ID: frame.SettingHeaderTableSize, Val: uint32(c.HeaderTableSize.Bytes())},
		{ID: frame.SettingEnablePush, Val: 0},
		{ID: frame.SettingMaxConcurrentStreams, Val: c.MaxConcurrentStreams},
		{ID: frame.SettingInitialWindowSize, Val: uint32(c.InitialWindowSize.Bytes())},
		{ID: frame.SettingMaxFrameSize, Val: uint32(c.MaxFrameSize.Bytes())},
		{ID: frame.SettingMaxHeaderListSize, Val: uint32(c.MaxHeaderListSize.Bytes())},
	}
}

// peerSettings is the registry of values the client advertised. It starts at
// the protocol defaults and is mutated only by the dispatch loop when a
// SETTINGS frame arrives.
type peerSettings struct {
	headerTableSize      uint32
	enablePush           bool
	maxConcurrentStreams uint32 // 0 means unset (unlimited)
	initialWindowSize    uint32
	maxFrameSize         uint32
	maxHeaderListSize    uint32
}

func defaultPeerSettings() peerSettings {
	return peerSettings{
		headerTableSize:   hpack.DefaultTableSize,
		enablePush:        true,
		initialWindowSize: frame.DefaultInitialWindowSize,
		maxFrameSize:      frame.DefaultMaxFrameSize,
	}
}

// update applies one validated setting and returns the initial-window delta
// to apply to every open stream's send window (RFC 7540 section 6.9.2).
func (ps *peerSettings) update(s frame.Setting) (windowDelta int32) {
	switch s.ID {
	case frame.SettingHeaderTableSize:
		ps.headerTableSize = s.Val
	case frame.SettingEnablePush:
		ps.enablePush = s.Val == 1
	case frame.SettingMaxConcurrentStreams:
		ps.maxConcurrentStreams = s.Val
	case frame.SettingInitialWindowSize:
		windowDelta = int32(s.Val) - int32(ps.initialWindowSize)
		ps.initialWindowSize = s.Val
	case frame.SettingMaxFrameSize:
		ps.maxFrameSize = s.Val
	case frame.SettingMaxHeaderListSize:
		ps.maxHeaderListSize = s.Val
	}
	return windowDelta
}
