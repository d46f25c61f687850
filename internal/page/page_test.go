package page

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	p := Page(make([]byte, DefaultSize))
	p.SetPgno(42)
	p.SetFlags(FlagOverflow)
	p.SetCount(7)
	p.SetDataLen(123)
	p.SetNext(99)

	if got := p.Pgno(); got != 42 {
		t.Errorf("Pgno() = %d, want 42", got)
	}
	if !p.IsOverflow() || p.IsLeaf() || p.IsBranch() {
		t.Errorf("Flags() = %v, want overflow", p.Flags())
	}
	if got := p.Count(); got != 7 {
		t.Errorf("Count() = %d, want 7", got)
	}
	if got := p.DataLen(); got != 123 {
		t.Errorf("DataLen() = %d, want 123", got)
	}
	if got := p.Next(); got != 99 {
		t.Errorf("Next() = %d, want 99", got)
	}
}

func TestWriteBranch(t *testing.T) {
	p := Page(make([]byte, DefaultSize))
	keys := [][]byte{[]byte("a"), []byte("m"), []byte("t")}
	children := []uint64{10, 20, 30}
	p.WriteBranch(5, keys, children)

	if !p.IsBranch() {
		t.Fatalf("Flags() = %v, want branch", p.Flags())
	}
	if p.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", p.Count())
	}
	for i, want := range keys {
		if got := p.BranchKey(i); !bytes.Equal(got, want) {
			t.Errorf("BranchKey(%d) = %q, want %q", i, got, want)
		}
	}
	for i, want := range children {
		if got := p.BranchChild(i); got != want {
			t.Errorf("BranchChild(%d) = %d, want %d", i, got, want)
		}
	}

	if got, want := BranchSize(keys), HeaderSize+3*BranchElemSize+3; got != want {
		t.Errorf("BranchSize() = %d, want %d", got, want)
	}
}

func TestWriteLeaf(t *testing.T) {
	p := Page(make([]byte, DefaultSize))
	entries := []LeafEntry{
		{Key: []byte("alpha"), Payload: []byte("1"), Flags: EntryInline, Vsize: 1},
		{Key: []byte("beta"), Payload: PutOverflowHead(77), Flags: EntryOverflow, Vsize: 10000},
		{Key: []byte("gamma"), Payload: []byte("subrec"), Flags: EntrySubDB, Vsize: 6},
	}
	p.WriteLeaf(9, entries)

	if !p.IsLeaf() {
		t.Fatalf("Flags() = %v, want leaf", p.Flags())
	}
	if p.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", p.Count())
	}
	for i, want := range entries {
		got := p.LeafElem(i)
		if !bytes.Equal(got.Key, want.Key) {
			t.Errorf("LeafKey(%d) = %q, want %q", i, got.Key, want.Key)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("LeafPayload(%d) = %q, want %q", i, got.Payload, want.Payload)
		}
		if got.Flags != want.Flags {
			t.Errorf("LeafFlags(%d) = %d, want %d", i, got.Flags, want.Flags)
		}
		if got.Vsize != want.Vsize {
			t.Errorf("LeafVsize(%d) = %d, want %d", i, got.Vsize, want.Vsize)
		}
	}
	if OverflowHead(p.LeafPayload(1)) != 77 {
		t.Errorf("OverflowHead() = %d, want 77", OverflowHead(p.LeafPayload(1)))
	}

	wantSize := HeaderSize + 3*LeafElemSize + len("alpha") + 1 + len("beta") + 8 + len("gamma") + 6
	if got := LeafSize(entries); got != wantSize {
		t.Errorf("LeafSize() = %d, want %d", got, wantSize)
	}
}

func TestWriteOverflow(t *testing.T) {
	p := Page(make([]byte, DefaultSize))
	data := bytes.Repeat([]byte("x"), 100)
	p.WriteOverflow(3, data, 4)

	if !p.IsOverflow() {
		t.Fatalf("Flags() = %v, want overflow", p.Flags())
	}
	if p.Next() != 4 {
		t.Errorf("Next() = %d, want 4", p.Next())
	}
	if !bytes.Equal(p.OverflowData(), data) {
		t.Error("OverflowData() does not round-trip")
	}
	if got, want := OverflowCapacity(DefaultSize), DefaultSize-HeaderSize; got != want {
		t.Errorf("OverflowCapacity() = %d, want %d", got, want)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	m := &Meta{
		Version:  Version,
		PageSize: DefaultSize,
		Flags:    1,
		Root:     12,
		Depth:    3,
		Entries:  456,
		Freelist: 7,
		LastPgno: 100,
		TxnID:    41,
	}
	copy(m.UUID[:], []byte("0123456789abcdef"))

	p := Page(make([]byte, DefaultSize))
	m.Encode(p)

	if p.Pgno() != m.TxnID%MetaSlots {
		t.Errorf("meta page pgno = %d, want %d", p.Pgno(), m.TxnID%MetaSlots)
	}
	if !p.IsMeta() {
		t.Fatalf("Flags() = %v, want meta", p.Flags())
	}

	got, err := DecodeMeta(p)
	if err != nil {
		t.Fatalf("DecodeMeta() error = %v", err)
	}
	if *got != *m {
		t.Errorf("DecodeMeta() = %+v, want %+v", got, m)
	}
}

func TestDecodeMetaRejectsCorruption(t *testing.T) {
	m := &Meta{Version: Version, PageSize: DefaultSize, TxnID: 1, LastPgno: 2}
	p := Page(make([]byte, DefaultSize))

	m.Encode(p)
	p.Body()[50]++ // flip a byte inside the checksummed prefix
	if _, err := DecodeMeta(p); !errors.Is(err, ErrBadChecksum) {
		t.Errorf("DecodeMeta(corrupt) error = %v, want ErrBadChecksum", err)
	}

	m.Encode(p)
	p.Body()[0] = 'X'
	if _, err := DecodeMeta(p); !errors.Is(err, ErrBadMagic) {
		t.Errorf("DecodeMeta(bad magic) error = %v, want ErrBadMagic", err)
	}

	bad := &Meta{Version: Version + 1, PageSize: DefaultSize, TxnID: 1}
	bad.Encode(p)
	if _, err := DecodeMeta(p); !errors.Is(err, ErrBadVersion) {
		t.Errorf("DecodeMeta(bad version) error = %v, want ErrBadVersion", err)
	}
}
