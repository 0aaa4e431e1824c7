// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package hpack

// Encoder encodes header blocks, maintaining the outbound dynamic table of
// one connection. All calls must come through the connection's exclusive
// write path: the encoded bytes must hit the wire in encode order or the
// peer's table desynchronizes.
type Encoder struct {
	table       dynamicTable
	minSize     uint32 // smallest maxSize seen since last size-update emit
	pendingSize bool
}

// NewEncoder returns an encoder with the given dynamic table budget. The
// budget may later shrink when the peer lowers SETTINGS_HEADER_TABLE_SIZE.
func NewEncoder(maxTableSize uint32) *Encoder {
	e := &Encoder{minSize: maxTableSize}
	e.table.setMaxSize(maxTableSize)
	return e
}

// SetMaxTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE. The change
// is announced in-band as a dynamic table size update at the start of the
// next encoded block, as RFC 7541 section 4.2 requires.
func (e *Encoder) SetMaxTableSize(n uint32) {
	if n < e.minSize {
		e.minSize = n
	}
	e.table.setMaxSize(n)
	e.pendingSize = true
}

// TableSize returns the current byte size of the dynamic table.
func (e *Encoder) TableSize() uint32 { return e.table.size }

// Encode appends the encoding of fields to dst and returns it. Fields are
// emitted in order; indexable fields enter the dynamic table.
func (e *Encoder) Encode(dst []byte, fields []HeaderField) []byte {
	if e.pendingSize {
		// A shrink below the final size must be visible to the peer, so the
		// minimum is emitted first when it differs.
		if e.minSize < e.table.maxSize {
			dst = appendInteger(dst, 0x20, 5, uint64(e.minSize))
		}
		dst = appendInteger(dst, 0x20, 5, uint64(e.table.maxSize))
		e.minSize = e.table.maxSize
		e.pendingSize = false
	}
	for _, hf := range fields {
		dst = e.encodeField(dst, hf)
	}
	return dst
}

func (e *Encoder) encodeField(dst []byte, hf HeaderField) []byte {
	index, exact := e.table.search(hf)
	switch {
	case exact:
		// Indexed field (section 6.1).
		dst = appendInteger(dst, 0x80, 7, index)
	case hf.Sensitive:
		// Literal never indexed (section 6.2.3).
		dst = appendInteger(dst, 0x10, 4, index)
		if index == 0 {
			dst = appendString(dst, hf.Name)
		}
		dst = appendString(dst, hf.Value)
	default:
		// Literal with incremental indexing (section 6.2.1).
		dst = appendInteger(dst, 0x40, 6, index)
		if index == 0 {
			dst = appendString(dst, hf.Name)
		}
		dst = appendString(dst, hf.Value)
		e.table.add(hf)
	}
	return dst
}

// appendInteger appends the prefix-coded integer of RFC 7541 section 5.1,
// OR-ing the pattern bits into the first octet.
func appendInteger(dst []byte, pattern byte, prefix uint8, v uint64) []byte {
	mask := uint64(1)<<prefix - 1
	if v < mask {
		return append(dst, pattern|byte(v))
	}
	dst = append(dst, pattern|byte(mask))
	for v -= mask; v >= 0x80; v >>= 7 {
		dst = append(dst, byte(v)|0x80)
	}
	return append(dst, byte(v))
}

// appendString appends a string literal, Huffman-coded when that is
// strictly shorter.
func appendString(dst []byte, s string) []byte {
	if hl := huffmanEncodedLen(s); hl < len(s) {
		dst = appendInteger(dst, 0x80, 7, uint64(hl))
		return huffmanEncode(dst, s)
	}
	dst = appendInteger(dst, 0x00, 7, uint64(len(s)))
	return append(dst, s...)
}
