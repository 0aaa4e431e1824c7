// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package hpack implements HTTP/2 header compression (RFC 7541): the static
// table, the per-direction dynamic table with byte-budget eviction,
// prefix-coded integers, and Huffman string coding.
//
// Every decode error leaves the dynamic table in an undefined state relative
// to the peer, so callers must treat any error as fatal for the connection
// (COMPRESSION_ERROR), never for a single stream.
package hpack

import "github.com/pkg/errors"

var (
	ErrInvalidIndex    = errors.New("hpack: index out of table bounds")
	ErrIntegerOverflow = errors.New("hpack: integer overflow")
	ErrTruncated       = errors.New("hpack: truncated header block")
	ErrStringTooLong   = errors.New("hpack: string exceeds length limit")
	ErrTableSizeUpdate = errors.New("hpack: table size update above settings limit")
	ErrInvalidHuffman  = errors.New("hpack: invalid huffman encoding")
	ErrHuffmanEOS      = errors.New("hpack: huffman string contains EOS")
)

// entryOverhead is the per-entry byte overhead RFC 7541 section 4.1 charges
// against the dynamic table budget.
const entryOverhead = 32

// DefaultTableSize is the SETTINGS_HEADER_TABLE_SIZE initial value.
const DefaultTableSize = 4096

// HeaderField is one (name, value) pair of a header block, in wire order.
type HeaderField struct {
	Name  string
	Value string
	// Sensitive marks fields that must never enter a dynamic table
	// (encoded as literal never-indexed).
	Sensitive bool
}

func (hf HeaderField) size() uint32 {
	return uint32(len(hf.Name)+len(hf.Value)) + entryOverhead
}

// Pseudo reports whether the field is an HTTP/2 pseudo-header (":method",
// ":path", ...).
func (hf HeaderField) Pseudo() bool {
	return len(hf.Name) > 0 && hf.Name[0] == ':'
}
