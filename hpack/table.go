// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package hpack

// staticTable is the fixed 61-entry table of RFC 7541 Appendix A. Index 0 is
// unused: HPACK indices are 1-based.
var staticTable = [...]HeaderField{
	{},
	{Name: ":authority"},
	{Name: ":method", Value: "GET"},
	{Name: ":method", Value: "POST"},
	{Name: ":path", Value: "/"},
	{Name: ":path", Value: "/index.html"},
	{Name: ":scheme", Value: "http"},
	{Name: ":scheme", Value: "https"},
	{Name: ":status", Value: "200"},
	{Name: ":status", Value: "204"},
	{Name: ":status", Value: "206"},
	{Name: ":status", Value: "304"},
	{Name: ":status", Value: "400"},
	{Name: ":status", Value: "404"},
	{Name: ":status", Value: "500"},
	{Name: "accept-charset"},
	{Name: "accept-encoding", Value: "gzip, deflate"},
	{Name: "accept-language"},
	{Name: "accept-ranges"},
	{Name: "accept"},
	{Name: "access-control-allow-origin"},
	{Name: "age"},
	{Name: "allow"},
	{Name: "authorization"},
	{Name: "cache-control"},
	{Name: "content-disposition"},
	{Name: "content-encoding"},
	{Name: "content-language"},
	{Name: "content-length"},
	{Name: "content-location"},
	{Name: "content-range"},
	{Name: "content-type"},
	{Name: "cookie"},
	{Name: "date"},
	{Name: "etag"},
	{Name: "expect"},
	{Name: "expires"},
	{Name: "from"},
	{Name: "host"},
	{Name: "if-match"},
	{Name: "if-modified-since"},
	{Name: "if-none-match"},
	{Name: "if-range"},
	{Name: "if-unmodified-since"},
	{Name: "last-modified"},
	{Name: "link"},
	{Name: "location"},
	{Name: "max-forwards"},
	{Name: "proxy-authenticate"},
	{Name: "proxy-authorization"},
	{Name: "range"},
	{Name: "referer"},
	{Name: "refresh"},
	{Name: "retry-after"},
	{Name: "server"},
	{Name: "set-cookie"},
	{Name: "strict-transport-security"},
	{Name: "transfer-encoding"},
	{Name: "user-agent"},
	{Name: "vary"},
	{Name: "via"},
	{Name: "www-authenticate"},
}

const staticTableLen = len(staticTable) - 1 // 61

type tableKey struct{ name, value string }

var (
	staticIndex     map[tableKey]uint64 // exact (name, value) match
	staticNameIndex map[string]uint64   // lowest index for a name
)

func init() {
	staticIndex = make(map[tableKey]uint64, staticTableLen)
	staticNameIndex = make(map[string]uint64, staticTableLen)
	for i := 1; i <= staticTableLen; i++ {
		hf := staticTable[i]
		staticIndex[tableKey{hf.Name, hf.Value}] = uint64(i)
		if _, ok := staticNameIndex[hf.Name]; !ok {
			staticNameIndex[hf.Name] = uint64(i)
		}
	}
}

// dynamicTable is the bounded FIFO of RFC 7541 section 2.3.2. Entries are
// appended at the newest end; eviction always removes from the oldest end.
// Index 1 is the newest dynamic entry (offset by the static table at the
// combined address space level, which the Decoder/Encoder handle).
type dynamicTable struct {
	entries []HeaderField // entries[0] is oldest
	size    uint32        // sum of entry sizes incl. overhead
	maxSize uint32        // current effective budget
}

func (t *dynamicTable) len() int { return len(t.entries) }

// get returns the i-th entry, i=1 being the newest.
func (t *dynamicTable) get(i uint64) (HeaderField, bool) {
	if i < 1 || i > uint64(len(t.entries)) {
		return HeaderField{}, false
	}
	return t.entries[uint64(len(t.entries))-i], true
}

// add inserts a field, evicting from the oldest end until it fits. A field
// larger than the whole budget empties the table and is itself not inserted,
// which is valid per RFC 7541 section 4.4.
func (t *dynamicTable) add(hf HeaderField) {
	sz := hf.size()
	if sz > t.maxSize {
		t.entries = t.entries[:0]
		t.size = 0
		return
	}
	for t.size+sz > t.maxSize {
		t.evictOldest()
	}
	t.entries = append(t.entries, hf)
	t.size += sz
}

func (t *dynamicTable) evictOldest() {
	hf := t.entries[0]
	t.size -= hf.size()
	// Shift instead of re-slicing so the backing array does not grow without
	// bound over a long-lived connection.
	copy(t.entries, t.entries[1:])
	t.entries = t.entries[:len(t.entries)-1]
}

// setMaxSize changes the budget, evicting as needed when it shrinks.
func (t *dynamicTable) setMaxSize(n uint32) {
	t.maxSize = n
	for t.size > t.maxSize {
		t.evictOldest()
	}
}

// search returns the index of an exact (name, value) match in the combined
// static+dynamic address space, or the lowest index whose name matches, or
// zero. Sensitive fields never match so they are never emitted as indexed
// references.
func (t *dynamicTable) search(hf HeaderField) (index uint64, exact bool) {
	if hf.Sensitive {
		return 0, false
	}
	if i, ok := staticIndex[tableKey{hf.Name, hf.Value}]; ok {
		return i, true
	}
	for j := len(t.entries) - 1; j >= 0; j-- {
		e := t.entries[j]
		if e.Name != hf.Name {
			continue
		}
		i := uint64(staticTableLen) + uint64(len(t.entries)-j)
		if e.Value == hf.Value {
			return i, true
		}
		if index == 0 {
			index = i
		}
	}
	if index != 0 {
		return index, false
	}
	if i, ok := staticNameIndex[hf.Name]; ok {
		return i, false
	}
	return 0, false
}
