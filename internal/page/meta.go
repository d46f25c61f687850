// meta.go implements the two meta slots that make commits visible.
//
// The slots live at page numbers 0 and 1. A committing writer encodes the new
// meta into slot txnid%2 and flushes it; the valid slot with the higher txnid
// is authoritative. On open both slots are validated and the newest valid one
// wins, which is what makes a torn meta write recoverable: the previous slot
// is still intact and still authoritative.

package page

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Magic identifies a quarry database file.
var Magic = [8]byte{'Q', 'R', 'Y', 'D', 'B', '1', 0, 0}

// Version is the file format version. Files written with a different version
// are rejected on open.
const Version = 1

// MetaSlots is the number of meta pages at the head of the file.
const MetaSlots = 2

// metaSize is the encoded size of a meta record inside its page body.
const metaSize = 96

// Meta validation errors.
var (
	ErrBadMagic    = errors.New("page: bad meta magic")
	ErrBadVersion  = errors.New("page: unsupported format version")
	ErrBadChecksum = errors.New("page: meta checksum mismatch")
)

// Meta is the decoded content of one meta slot.
type Meta struct {
	Version  uint32
	PageSize uint32
	Flags    uint32   // environment flags, e.g. duplicate-key mode
	UUID     [16]byte // stamped at creation, stable for the file's lifetime
	Root     uint64   // main tree root page, 0 when the tree is empty
	Depth    uint16   // main tree height, 0 when empty
	Entries  uint64   // main tree entry count
	Freelist uint64   // free-list chain head page, 0 when empty
	LastPgno uint64   // pages in use; also the next page allocated on growth
	TxnID    uint64   // last committed transaction
}

// Slot returns the meta page number this meta belongs to.
func (m *Meta) Slot() uint64 { return m.TxnID % MetaSlots }

// Encode writes m into p as a meta page for the given slot.
func (m *Meta) Encode(p Page) {
	for i := range p {
		p[i] = 0
	}
	p.SetPgno(m.Slot())
	p.SetFlags(FlagMeta)

	b := p.Body()
	copy(b[0:8], Magic[:])
	binary.LittleEndian.PutUint32(b[8:12], m.Version)
	binary.LittleEndian.PutUint32(b[12:16], m.PageSize)
	binary.LittleEndian.PutUint32(b[16:20], m.Flags)
	copy(b[24:40], m.UUID[:])
	binary.LittleEndian.PutUint64(b[40:48], m.Root)
	binary.LittleEndian.PutUint16(b[48:50], m.Depth)
	binary.LittleEndian.PutUint64(b[56:64], m.Entries)
	binary.LittleEndian.PutUint64(b[64:72], m.Freelist)
	binary.LittleEndian.PutUint64(b[72:80], m.LastPgno)
	binary.LittleEndian.PutUint64(b[80:88], m.TxnID)
	binary.LittleEndian.PutUint64(b[88:96], xxh3.Hash(b[:88]))
}

// DecodeMeta validates and decodes one meta slot.
func DecodeMeta(p Page) (*Meta, error) {
	b := p.Body()
	if len(b) < metaSize {
		return nil, fmt.Errorf("%w: page too small", ErrBadMagic)
	}
	if [8]byte(b[0:8]) != Magic {
		return nil, ErrBadMagic
	}
	m := &Meta{
		Version:  binary.LittleEndian.Uint32(b[8:12]),
		PageSize: binary.LittleEndian.Uint32(b[12:16]),
		Flags:    binary.LittleEndian.Uint32(b[16:20]),
		Root:     binary.LittleEndian.Uint64(b[40:48]),
		Depth:    binary.LittleEndian.Uint16(b[48:50]),
		Entries:  binary.LittleEndian.Uint64(b[56:64]),
		Freelist: binary.LittleEndian.Uint64(b[64:72]),
		LastPgno: binary.LittleEndian.Uint64(b[72:80]),
		TxnID:    binary.LittleEndian.Uint64(b[80:88]),
	}
	copy(m.UUID[:], b[24:40])
	if m.Version != Version {
		return nil, fmt.Errorf("%w: file version %d, engine version %d", ErrBadVersion, m.Version, Version)
	}
	sum := binary.LittleEndian.Uint64(b[88:96])
	if sum != xxh3.Hash(b[:88]) {
		return nil, ErrBadChecksum
	}
	return m, nil
}
