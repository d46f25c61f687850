package quarry

import (
	"errors"
	"testing"
)

func TestFreelistReclaimGating(t *testing.T) {
	fl := newFreelist()
	fl.free(5, 100)
	fl.free(5, 101)
	fl.free(7, 200)

	// A reader at snapshot 5 blocks everything freed at or after 5.
	if n := fl.reclaim(5); n != 0 {
		t.Errorf("reclaim(5) = %d, want 0", n)
	}
	if _, ok := fl.allocate(); ok {
		t.Error("allocate() succeeded with all pages gated")
	}

	// Reader advanced to 7: txn 5's pages release, txn 7's stay.
	if n := fl.reclaim(7); n != 2 {
		t.Errorf("reclaim(7) = %d, want 2", n)
	}
	if pgno, ok := fl.allocate(); !ok || pgno != 100 {
		t.Errorf("allocate() = %d, %v, want oldest freed page 100", pgno, ok)
	}

	// No readers at all releases the rest.
	if n := fl.reclaim(^uint64(0)); n != 1 {
		t.Errorf("reclaim(max) = %d, want 1", n)
	}
	if got := fl.pageCount(); got != 2 {
		t.Errorf("pageCount() = %d, want 2", got)
	}
}

func TestFreelistReclaimOrder(t *testing.T) {
	fl := newFreelist()
	fl.free(9, 900)
	fl.free(3, 300)
	fl.free(6, 600)
	fl.reclaim(^uint64(0))

	var got []uint64
	for {
		pgno, ok := fl.allocate()
		if !ok {
			break
		}
		got = append(got, pgno)
	}
	want := []uint64{300, 600, 900}
	if len(got) != len(want) {
		t.Fatalf("allocated %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("allocated %v, want oldest-freed-first %v", got, want)
		}
	}
}

func TestFreelistSerializeRoundTrip(t *testing.T) {
	fl := newFreelist()
	fl.reuse(10)
	fl.reuse(11)
	fl.free(4, 40)
	fl.free(4, 41)
	fl.free(8, 80)

	buf := fl.serialize()
	if len(buf) != fl.serializedSize() {
		t.Errorf("serialize() produced %d bytes, serializedSize() = %d", len(buf), fl.serializedSize())
	}

	got, err := parseFreelist(buf)
	if err != nil {
		t.Fatalf("parseFreelist() error = %v", err)
	}
	if got.pageCount() != fl.pageCount() {
		t.Errorf("pageCount() = %d, want %d", got.pageCount(), fl.pageCount())
	}
	if len(got.ready) != 2 || got.ready[0] != 10 || got.ready[1] != 11 {
		t.Errorf("ready = %v, want [10 11]", got.ready)
	}
	if len(got.pending[4]) != 2 || len(got.pending[8]) != 1 {
		t.Errorf("pending = %v, want txn 4 with 2 pages and txn 8 with 1", got.pending)
	}
}

func TestFreelistParseRejectsDamage(t *testing.T) {
	fl := newFreelist()
	fl.reuse(10)
	fl.free(4, 40)
	buf := fl.serialize()

	buf[12] ^= 0xff
	if _, err := parseFreelist(buf); !errors.Is(err, ErrCorrupt) {
		t.Errorf("parseFreelist(corrupted) error = %v, want ErrCorrupt", err)
	}

	if _, err := parseFreelist(buf[:10]); !errors.Is(err, ErrCorrupt) {
		t.Errorf("parseFreelist(truncated) error = %v, want ErrCorrupt", err)
	}
}

func TestFreelistCloneIsIndependent(t *testing.T) {
	fl := newFreelist()
	fl.reuse(10)
	fl.free(4, 40)

	c := fl.clone()
	fl.reuse(11)
	fl.free(4, 41)
	fl.free(5, 50)

	if c.pageCount() != 2 {
		t.Errorf("clone pageCount() = %d, want 2 after mutating the original", c.pageCount())
	}
	if len(c.pending[4]) != 1 {
		t.Errorf("clone pending[4] = %v, want single page", c.pending[4])
	}
}

func TestFreelistPersistsAcrossReopen(t *testing.T) {
	env := newTestEnv(t, nil)

	// Create garbage, then drop it so the freelist has content on disk.
	tx, err := env.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	big := make([]byte, 5*env.PageSize())
	if err := tx.Put([]byte("big"), big, 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	tx, err = env.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	if err := tx.Delete([]byte("big")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	path := env.Path()
	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	env2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer env2.Close()
	if env2.freelist.pageCount() == 0 {
		t.Error("freelist empty after reopen, want persisted free pages")
	}

	// The persisted pages are reused by the next writes.
	sizeBefore := fileSize(t, env2)
	tx, err = env2.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	if err := tx.Put([]byte("big2"), big[:3*env2.PageSize()], 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if grown := fileSize(t, env2) - sizeBefore; grown > 0 {
		t.Errorf("file grew %d bytes, want persisted freelist reused", grown)
	}
}
