// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package hpack

// Decoder decodes header blocks, maintaining the inbound dynamic table of
// one connection. It is driven only from the connection's dispatch path, so
// it needs no locking.
type Decoder struct {
	table        dynamicTable
	settingsMax  uint32 // SETTINGS_HEADER_TABLE_SIZE we advertised
	maxStringLen uint32
	strbuf       []byte
}

// NewDecoder returns a decoder whose dynamic table budget starts at, and is
// capped by, maxTableSize.
func NewDecoder(maxTableSize uint32) *Decoder {
	d := &Decoder{settingsMax: maxTableSize, maxStringLen: 1 << 20}
	d.table.setMaxSize(maxTableSize)
	return d
}

// SetMaxStringLength bounds a single decoded name or value.
func (d *Decoder) SetMaxStringLength(n uint32) { d.maxStringLen = n }

// TableSize returns the current byte size of the dynamic table, for
// introspection and tests.
func (d *Decoder) TableSize() uint32 { return d.table.size }

// Decode decodes one complete header block (HEADERS plus any CONTINUATION
// fragments, already concatenated) and returns the fields in wire order.
// Any error means the table state is no longer synchronized with the peer's
// encoder: the caller must fail the whole connection.
func (d *Decoder) Decode(block []byte) ([]HeaderField, error) {
	var fields []HeaderField
	for len(block) > 0 {
		b := block[0]
		var (
			hf  HeaderField
			err error
		)
		switch {
		case b&0x80 != 0: // indexed field
			var index uint64
			index, block, err = readInteger(block, 7)
			if err != nil {
				return nil, err
			}
			hf, err = d.lookup(index)
			if err != nil {
				return nil, err
			}
		case b&0x40 != 0: // literal with incremental indexing
			hf, block, err = d.readLiteral(block, 6)
			if err != nil {
				return nil, err
			}
			d.table.add(hf)
		case b&0x20 != 0: // dynamic table size update
			var size uint64
			size, block, err = readInteger(block, 5)
			if err != nil {
				return nil, err
			}
			if size > uint64(d.settingsMax) {
				return nil, ErrTableSizeUpdate
			}
			d.table.setMaxSize(uint32(size))
			continue
		case b&0x10 != 0: // literal never indexed
			hf, block, err = d.readLiteral(block, 4)
			if err != nil {
				return nil, err
			}
			hf.Sensitive = true
		default: // literal without indexing
			hf, block, err = d.readLiteral(block, 4)
			if err != nil {
				return nil, err
			}
		}
		fields = append(fields, hf)
	}
	return fields, nil
}

// lookup resolves an index in the combined static+dynamic address space.
// Index zero and references past the dynamic table are invalid.
func (d *Decoder) lookup(index uint64) (HeaderField, error) {
	if index == 0 {
		return HeaderField{}, ErrInvalidIndex
	}
	if index <= uint64(staticTableLen) {
		return staticTable[index], nil
	}
	hf, ok := d.table.get(index - uint64(staticTableLen))
	if !ok {
		return HeaderField{}, ErrInvalidIndex
	}
	return hf, nil
}

func (d *Decoder) readLiteral(block []byte, prefix uint8) (HeaderField, []byte, error) {
	index, block, err := readInteger(block, prefix)
	if err != nil {
		return HeaderField{}, nil, err
	}
	var hf HeaderField
	if index == 0 {
		hf.Name, block, err = d.readString(block)
		if err != nil {
			return HeaderField{}, nil, err
		}
	} else {
		ref, err := d.lookup(index)
		if err != nil {
			return HeaderField{}, nil, err
		}
		hf.Name = ref.Name
	}
	hf.Value, block, err = d.readString(block)
	if err != nil {
		return HeaderField{}, nil, err
	}
	return hf, block, nil
}

func (d *Decoder) readString(block []byte) (string, []byte, error) {
	if len(block) == 0 {
		return "", nil, ErrTruncated
	}
	huffman := block[0]&0x80 != 0
	length, block, err := readInteger(block, 7)
	if err != nil {
		return "", nil, err
	}
	if length > uint64(d.maxStringLen) {
		return "", nil, ErrStringTooLong
	}
	if length > uint64(len(block)) {
		return "", nil, ErrTruncated
	}
	raw := block[:length]
	block = block[length:]
	if !huffman {
		return string(raw), block, nil
	}
	d.strbuf, err = huffmanDecode(d.strbuf[:0], raw)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(d.strbuf)) > uint64(d.maxStringLen) {
		return "", nil, ErrStringTooLong
	}
	return string(d.strbuf), block, nil
}

// readInteger decodes the prefix-coded integer of RFC 7541 section 5.1 and
// returns the remaining block.
func readInteger(block []byte, prefix uint8) (uint64, []byte, error) {
	if len(block) == 0 {
		return 0, nil, ErrTruncated
	}
	mask := uint64(1)<<prefix - 1
	v := uint64(block[0]) & mask
	block = block[1:]
	if v < mask {
		return v, block, nil
	}
	var m uint
	for {
		if len(block) == 0 {
			return 0, nil, ErrTruncated
		}
		b := block[0]
		block = block[1:]
		v += uint64(b&0x7f) << m
		if b&0x80 == 0 {
			return v, block, nil
		}
		m += 7
		if m > 28 {
			return 0, nil, ErrIntegerOverflow
		}
	}
}
