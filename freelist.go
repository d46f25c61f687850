package quarry

// freelist.go tracks pages released by committed write transactions and
// decides when they are safe to hand out again.
//
// Pages freed by transaction T stay in a pending set keyed by T until no
// live reader holds a snapshot id <= T; only then do they move to the ready
// list, which allocation drains oldest-freed-first before the file grows.
// The whole structure is serialized at every commit into a chain of
// freelist pages whose head is recorded in the meta slot, so a reopened
// environment resumes reclamation exactly where the last commit left it.

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"
)

// freelist is single-writer state: it is only touched while the writer lock
// is held, and is snapshotted at write-transaction begin so a rollback can
// restore it.
type freelist struct {
	ready   []uint64            // safe to reuse, oldest-freed-first
	pending map[uint64][]uint64 // freeing txnid -> released pages
}

func newFreelist() *freelist {
	return &freelist{pending: make(map[uint64][]uint64)}
}

// free records that txnid released pgno.
func (f *freelist) free(txnid, pgno uint64) {
	f.pending[txnid] = append(f.pending[txnid], pgno)
}

// allocate hands out the oldest ready page, if any.
func (f *freelist) allocate() (uint64, bool) {
	if len(f.ready) == 0 {
		return 0, false
	}
	pgno := f.ready[0]
	f.ready = f.ready[1:]
	return pgno, true
}

// reuse returns a page to the ready list directly. Only valid for pages
// that were never part of a committed state, i.e. allocated and freed by
// the same transaction.
func (f *freelist) reuse(pgno uint64) {
	f.ready = append(f.ready, pgno)
}

// reclaim moves every pending set freed strictly before the oldest live
// reader snapshot to the ready list, oldest first. Pass ^uint64(0) when no
// reader is active.
func (f *freelist) reclaim(oldestReader uint64) int {
	var ids []uint64
	for txnid := range f.pending {
		if txnid < oldestReader {
			ids = append(ids, txnid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	n := 0
	for _, txnid := range ids {
		f.ready = append(f.ready, f.pending[txnid]...)
		n += len(f.pending[txnid])
		delete(f.pending, txnid)
	}
	return n
}

// clone deep-copies the freelist for rollback restoration.
func (f *freelist) clone() *freelist {
	c := &freelist{
		ready:   append([]uint64(nil), f.ready...),
		pending: make(map[uint64][]uint64, len(f.pending)),
	}
	for txnid, pgnos := range f.pending {
		c.pending[txnid] = append([]uint64(nil), pgnos...)
	}
	return c
}

// pageCount returns the total number of pages tracked.
func (f *freelist) pageCount() int {
	n := len(f.ready)
	for _, pgnos := range f.pending {
		n += len(pgnos)
	}
	return n
}

// -----------------------------------------------------------------------------
// Serialization
// -----------------------------------------------------------------------------
//
// Stream layout, split across a chain of freelist pages:
//
//	 0: checksum uint64: xxh3 of everything after it
//	 8: readyCount uint32; readyCount * uint64
//	 -: pendingTxns uint32; per txn: txnid uint64, count uint32, count * uint64

// serializedSize returns the encoded byte size of the freelist.
func (f *freelist) serializedSize() int {
	sz := 8 + 4 + len(f.ready)*8 + 4
	for _, pgnos := range f.pending {
		sz += 8 + 4 + len(pgnos)*8
	}
	return sz
}

// serialize encodes the freelist into a byte stream.
func (f *freelist) serialize() []byte {
	buf := make([]byte, f.serializedSize())
	off := 8 // checksum written last

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(f.ready)))
	off += 4
	for _, pgno := range f.ready {
		binary.LittleEndian.PutUint64(buf[off:], pgno)
		off += 8
	}

	ids := make([]uint64, 0, len(f.pending))
	for txnid := range f.pending {
		ids = append(ids, txnid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(ids)))
	off += 4
	for _, txnid := range ids {
		pgnos := f.pending[txnid]
		binary.LittleEndian.PutUint64(buf[off:], txnid)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(pgnos)))
		off += 4
		for _, pgno := range pgnos {
			binary.LittleEndian.PutUint64(buf[off:], pgno)
			off += 8
		}
	}

	binary.LittleEndian.PutUint64(buf[0:8], xxh3.Hash(buf[8:]))
	return buf
}

// parseFreelist decodes a freelist from its serialized stream.
func parseFreelist(buf []byte) (*freelist, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("%w: freelist stream truncated", ErrCorrupt)
	}
	sum := binary.LittleEndian.Uint64(buf[0:8])
	if sum != xxh3.Hash(buf[8:]) {
		return nil, fmt.Errorf("%w: freelist checksum mismatch", ErrCorrupt)
	}

	f := newFreelist()
	off := 8

	readN := func() (uint64, error) {
		if off+8 > len(buf) {
			return 0, fmt.Errorf("%w: freelist stream truncated", ErrCorrupt)
		}
		v := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		return v, nil
	}
	readCount := func() (int, error) {
		if off+4 > len(buf) {
			return 0, fmt.Errorf("%w: freelist stream truncated", ErrCorrupt)
		}
		v := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		return int(v), nil
	}

	nReady, err := readCount()
	if err != nil {
		return nil, err
	}
	for i := 0; i < nReady; i++ {
		pgno, err := readN()
		if err != nil {
			return nil, err
		}
		f.ready = append(f.ready, pgno)
	}

	nTxns, err := readCount()
	if err != nil {
		return nil, err
	}
	for i := 0; i < nTxns; i++ {
		txnid, err := readN()
		if err != nil {
			return nil, err
		}
		count, err := readCount()
		if err != nil {
			return nil, err
		}
		pgnos := make([]uint64, 0, count)
		for j := 0; j < count; j++ {
			pgno, err := readN()
			if err != nil {
				return nil, err
			}
			pgnos = append(pgnos, pgno)
		}
		f.pending[txnid] = pgnos
	}
	return f, nil
}

// loadFreelist reads and decodes the freelist chain starting at head.
// A zero head yields an empty freelist.
func loadFreelist(env *Env, head uint64) (*freelist, []uint64, error) {
	if head == 0 {
		return newFreelist(), nil, nil
	}
	var (
		stream []byte
		chain  []uint64
	)
	for pgno := head; pgno != 0; {
		if pgno >= env.meta.LastPgno {
			return nil, nil, fmt.Errorf("%w: freelist page %d out of range", ErrCorrupt, pgno)
		}
		p := env.page(pgno)
		if !p.IsFreelist() {
			return nil, nil, fmt.Errorf("%w: page %d is %s, want freelist", ErrCorrupt, pgno, p.Flags())
		}
		chain = append(chain, pgno)
		stream = append(stream, p.OverflowData()...)
		pgno = p.Next()
	}
	f, err := parseFreelist(stream)
	if err != nil {
		return nil, nil, err
	}
	return f, chain, nil
}
