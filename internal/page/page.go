// Package page defines the on-disk page layout for quarry.
//
// Every page starts with a fixed 24-byte header followed by a body whose
// interpretation depends on the page kind:
//
//   - branch: an array of 16-byte elements, each naming a child page and the
//     offset of its separator key within the page
//   - leaf: an array of 16-byte elements, each naming a key and its payload
//     (inline value bytes, an overflow chain head, or a sub-database record)
//   - overflow: raw value bytes, chained through the header's next field
//   - freelist: a fragment of the serialized free-page list, chained through
//     the header's next field
//   - meta: one of the two commit slots, see meta.go
//
// All integers are little-endian. Pages are addressed by number only; byte
// offsets never escape this package.
package page

import "encoding/binary"

// Page size bounds. The size is fixed at environment creation and recorded
// in the meta page.
const (
	MinSize     = 512
	MaxSize     = 65536
	DefaultSize = 4096
)

// HeaderSize is the size of the common page header.
const HeaderSize = 24

// Element sizes for branch and leaf pages.
const (
	BranchElemSize = 16
	LeafElemSize   = 16
)

// Flags identifies the kind of a page.
type Flags uint16

const (
	// FlagBranch marks an interior B+Tree page.
	FlagBranch Flags = 1 << iota
	// FlagLeaf marks a leaf B+Tree page.
	FlagLeaf
	// FlagOverflow marks a page holding spilled value bytes.
	FlagOverflow
	// FlagFreelist marks a page holding serialized free-list state.
	FlagFreelist
	// FlagMeta marks one of the two meta slots.
	FlagMeta
)

// String returns the human-readable name of the page kind.
func (f Flags) String() string {
	switch f {
	case FlagBranch:
		return "branch"
	case FlagLeaf:
		return "leaf"
	case FlagOverflow:
		return "overflow"
	case FlagFreelist:
		return "freelist"
	case FlagMeta:
		return "meta"
	default:
		return "unknown"
	}
}

// Leaf element flags.
const (
	// EntryInline marks a value stored in full on the leaf page.
	EntryInline uint16 = 0
	// EntryOverflow marks a value spilled to an overflow chain; the on-page
	// payload is the 8-byte chain head page number.
	EntryOverflow uint16 = 1
	// EntrySubDB marks a named sub-database record.
	EntrySubDB uint16 = 2
)

// Page is a byte slice holding exactly one page.
type Page []byte

// Pgno returns the page's own number.
func (p Page) Pgno() uint64 { return binary.LittleEndian.Uint64(p[0:8]) }

// SetPgno stores the page's own number.
func (p Page) SetPgno(n uint64) { binary.LittleEndian.PutUint64(p[0:8], n) }

// Flags returns the page kind.
func (p Page) Flags() Flags { return Flags(binary.LittleEndian.Uint16(p[8:10])) }

// SetFlags stores the page kind.
func (p Page) SetFlags(f Flags) { binary.LittleEndian.PutUint16(p[8:10], uint16(f)) }

// Count returns the number of elements on a branch or leaf page.
func (p Page) Count() int { return int(binary.LittleEndian.Uint16(p[10:12])) }

// SetCount stores the element count.
func (p Page) SetCount(n int) { binary.LittleEndian.PutUint16(p[10:12], uint16(n)) }

// DataLen returns the payload byte count of an overflow or freelist page.
func (p Page) DataLen() int { return int(binary.LittleEndian.Uint32(p[12:16])) }

// SetDataLen stores the payload byte count.
func (p Page) SetDataLen(n int) { binary.LittleEndian.PutUint32(p[12:16], uint32(n)) }

// Next returns the next page number of an overflow or freelist chain.
// Zero terminates the chain.
func (p Page) Next() uint64 { return binary.LittleEndian.Uint64(p[16:24]) }

// SetNext stores the next page number of a chain.
func (p Page) SetNext(n uint64) { binary.LittleEndian.PutUint64(p[16:24], n) }

// IsBranch reports whether the page is an interior B+Tree page.
func (p Page) IsBranch() bool { return p.Flags()&FlagBranch != 0 }

// IsLeaf reports whether the page is a leaf B+Tree page.
func (p Page) IsLeaf() bool { return p.Flags()&FlagLeaf != 0 }

// IsOverflow reports whether the page holds spilled value bytes.
func (p Page) IsOverflow() bool { return p.Flags()&FlagOverflow != 0 }

// IsFreelist reports whether the page holds free-list state.
func (p Page) IsFreelist() bool { return p.Flags()&FlagFreelist != 0 }

// IsMeta reports whether the page is a meta slot.
func (p Page) IsMeta() bool { return p.Flags()&FlagMeta != 0 }

// Body returns the page body after the header.
func (p Page) Body() []byte { return p[HeaderSize:] }

// -----------------------------------------------------------------------------
// Branch pages
// -----------------------------------------------------------------------------
//
// A branch page with count N holds N elements; element i at
// HeaderSize + i*BranchElemSize:
//
//	0: pos   uint32: key offset, relative to the element's own start
//	4: ksize uint32
//	8: pgno  uint64: child page
//
// Every element's key is the lowest key reachable through its child, so
// separators never need to be reconstructed during rebalancing. Descent picks
// the last element whose key is <= the target, clamped to element 0.

func (p Page) branchElem(i int) []byte {
	off := HeaderSize + i*BranchElemSize
	return p[off : off+BranchElemSize]
}

// BranchKey returns the separator key of element i. The slice aliases the
// page and is valid only while the page is.
func (p Page) BranchKey(i int) []byte {
	e := p.branchElem(i)
	pos := int(binary.LittleEndian.Uint32(e[0:4]))
	ksize := int(binary.LittleEndian.Uint32(e[4:8]))
	off := HeaderSize + i*BranchElemSize + pos
	return p[off : off+ksize]
}

// BranchChild returns the child page number of element i.
func (p Page) BranchChild(i int) uint64 {
	return binary.LittleEndian.Uint64(p.branchElem(i)[8:16])
}

// WriteBranch fills p as a branch page with the given separators and
// children; len(keys) must equal len(children). The caller guarantees the
// content fits, see BranchSize.
func (p Page) WriteBranch(pgno uint64, keys [][]byte, children []uint64) {
	for i := range p {
		p[i] = 0
	}
	p.SetPgno(pgno)
	p.SetFlags(FlagBranch)
	p.SetCount(len(children))

	dataOff := HeaderSize + len(children)*BranchElemSize
	for i, child := range children {
		key := keys[i]
		e := p.branchElem(i)
		elemStart := HeaderSize + i*BranchElemSize
		binary.LittleEndian.PutUint32(e[0:4], uint32(dataOff-elemStart))
		binary.LittleEndian.PutUint32(e[4:8], uint32(len(key)))
		binary.LittleEndian.PutUint64(e[8:16], child)
		copy(p[dataOff:], key)
		dataOff += len(key)
	}
}

// BranchSize returns the encoded size of a branch page holding the given
// separators.
func BranchSize(keys [][]byte) int {
	sz := HeaderSize + len(keys)*BranchElemSize
	for _, k := range keys {
		sz += len(k)
	}
	return sz
}

// -----------------------------------------------------------------------------
// Leaf pages
// -----------------------------------------------------------------------------
//
// A leaf page with count N holds N elements; element i at
// HeaderSize + i*LeafElemSize:
//
//	 0: pos   uint32: key offset, relative to the element's own start;
//	                    payload bytes follow the key immediately
//	 4: flags uint16: EntryInline, EntryOverflow or EntrySubDB
//	 6: ksize uint16
//	 8: vsize uint32: full logical value length
//	12: psize uint32: on-page payload length

// LeafEntry is the decoded form of one leaf element.
type LeafEntry struct {
	Key     []byte
	Payload []byte // inline value, overflow head pgno, or sub-db record
	Flags   uint16
	Vsize   uint32 // full value length; equals len(Payload) for inline entries
}

func (p Page) leafElem(i int) []byte {
	off := HeaderSize + i*LeafElemSize
	return p[off : off+LeafElemSize]
}

// LeafKey returns the key of element i. The slice aliases the page.
func (p Page) LeafKey(i int) []byte {
	e := p.leafElem(i)
	pos := int(binary.LittleEndian.Uint32(e[0:4]))
	ksize := int(binary.LittleEndian.Uint16(e[6:8]))
	off := HeaderSize + i*LeafElemSize + pos
	return p[off : off+ksize]
}

// LeafPayload returns the on-page payload of element i. The slice aliases
// the page.
func (p Page) LeafPayload(i int) []byte {
	e := p.leafElem(i)
	pos := int(binary.LittleEndian.Uint32(e[0:4]))
	ksize := int(binary.LittleEndian.Uint16(e[6:8]))
	psize := int(binary.LittleEndian.Uint32(e[12:16]))
	off := HeaderSize + i*LeafElemSize + pos + ksize
	return p[off : off+psize]
}

// LeafFlags returns the entry flags of element i.
func (p Page) LeafFlags(i int) uint16 {
	return binary.LittleEndian.Uint16(p.leafElem(i)[4:6])
}

// LeafVsize returns the full logical value length of element i.
func (p Page) LeafVsize(i int) uint32 {
	return binary.LittleEndian.Uint32(p.leafElem(i)[8:12])
}

// LeafElem returns the decoded element i. The byte slices alias the page.
func (p Page) LeafElem(i int) LeafEntry {
	return LeafEntry{
		Key:     p.LeafKey(i),
		Payload: p.LeafPayload(i),
		Flags:   p.LeafFlags(i),
		Vsize:   p.LeafVsize(i),
	}
}

// WriteLeaf fills p as a leaf page with the given entries. The caller
// guarantees the content fits, see LeafSize.
func (p Page) WriteLeaf(pgno uint64, entries []LeafEntry) {
	for i := range p {
		p[i] = 0
	}
	p.SetPgno(pgno)
	p.SetFlags(FlagLeaf)
	p.SetCount(len(entries))

	dataOff := HeaderSize + len(entries)*LeafElemSize
	for i, ent := range entries {
		e := p.leafElem(i)
		elemStart := HeaderSize + i*LeafElemSize
		binary.LittleEndian.PutUint32(e[0:4], uint32(dataOff-elemStart))
		binary.LittleEndian.PutUint16(e[4:6], ent.Flags)
		binary.LittleEndian.PutUint16(e[6:8], uint16(len(ent.Key)))
		binary.LittleEndian.PutUint32(e[8:12], ent.Vsize)
		binary.LittleEndian.PutUint32(e[12:16], uint32(len(ent.Payload)))
		copy(p[dataOff:], ent.Key)
		dataOff += len(ent.Key)
		copy(p[dataOff:], ent.Payload)
		dataOff += len(ent.Payload)
	}
}

// LeafSize returns the encoded size of a leaf page holding the given entries.
func LeafSize(entries []LeafEntry) int {
	sz := HeaderSize + len(entries)*LeafElemSize
	for _, e := range entries {
		sz += len(e.Key) + len(e.Payload)
	}
	return sz
}

// EntrySize returns the space one entry consumes on a leaf page.
func EntrySize(e LeafEntry) int {
	return LeafElemSize + len(e.Key) + len(e.Payload)
}

// -----------------------------------------------------------------------------
// Overflow pages
// -----------------------------------------------------------------------------

// OverflowCapacity returns the value bytes one overflow page of the given
// size can hold.
func OverflowCapacity(pageSize int) int { return pageSize - HeaderSize }

// WriteOverflow fills p as one link of an overflow chain.
func (p Page) WriteOverflow(pgno uint64, data []byte, next uint64) {
	for i := range p {
		p[i] = 0
	}
	p.SetPgno(pgno)
	p.SetFlags(FlagOverflow)
	p.SetDataLen(len(data))
	p.SetNext(next)
	copy(p.Body(), data)
}

// OverflowData returns the payload of one overflow page. The slice aliases
// the page.
func (p Page) OverflowData() []byte { return p.Body()[:p.DataLen()] }

// OverflowHead decodes the chain head page number from a leaf payload.
func OverflowHead(payload []byte) uint64 {
	return binary.LittleEndian.Uint64(payload)
}

// PutOverflowHead encodes a chain head page number into an 8-byte payload.
func PutOverflowHead(pgno uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, pgno)
	return buf
}
