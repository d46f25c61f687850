package quarry

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func TestCreateOpenDB(t *testing.T) {
	env := newTestEnv(t, nil)

	tx, err := env.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	db, err := tx.CreateDB("users", 0)
	if err != nil {
		t.Fatalf("CreateDB(users) error = %v", err)
	}
	if db.Name() != "users" {
		t.Errorf("Name() = %q, want %q", db.Name(), "users")
	}
	if err := db.Put([]byte("alice"), []byte("admin"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	// Same name within the txn returns the same in-flight tree.
	again, err := tx.OpenDB("users")
	if err != nil {
		t.Fatalf("OpenDB(users) error = %v", err)
	}
	if v, err := again.Get([]byte("alice")); err != nil || string(v) != "admin" {
		t.Errorf("Get(alice) via second handle = %q, %v, want %q", v, err, "admin")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	rt, err := env.Begin(false)
	if err != nil {
		t.Fatalf("Begin(false) error = %v", err)
	}
	defer rt.Rollback()
	db, err = rt.OpenDB("users")
	if err != nil {
		t.Fatalf("OpenDB(users) after commit error = %v", err)
	}
	if v, err := db.Get([]byte("alice")); err != nil || string(v) != "admin" {
		t.Errorf("Get(alice) = %q, %v, want %q", v, err, "admin")
	}

	// The entry is not a plain key in the main tree.
	if _, err := rt.Get([]byte("users")); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Get(users) in main tree error = %v, want ErrIncompatible", err)
	}
}

func TestOpenDBMissing(t *testing.T) {
	env := newTestEnv(t, nil)
	rt, err := env.Begin(false)
	if err != nil {
		t.Fatalf("Begin(false) error = %v", err)
	}
	defer rt.Rollback()
	if _, err := rt.OpenDB("missing"); !errors.Is(err, ErrDBNotFound) {
		t.Errorf("OpenDB(missing) error = %v, want ErrDBNotFound", err)
	}
}

func TestOpenDBDefault(t *testing.T) {
	env := newTestEnv(t, nil)
	mustPut(t, env, "k", "v")

	rt, err := env.Begin(false)
	if err != nil {
		t.Fatalf("Begin(false) error = %v", err)
	}
	defer rt.Rollback()
	db, err := rt.OpenDB("")
	if err != nil {
		t.Fatalf("OpenDB(\"\") error = %v", err)
	}
	if v, err := db.Get([]byte("k")); err != nil || string(v) != "v" {
		t.Errorf("default db Get(k) = %q, %v, want %q", v, err, "v")
	}
}

func TestSubDBNameCollisions(t *testing.T) {
	env := newTestEnv(t, nil)
	tx, err := env.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.CreateDB("boxes", 0); err != nil {
		t.Fatalf("CreateDB() error = %v", err)
	}

	// A plain Put over a sub-database name is rejected.
	if err := tx.Put([]byte("boxes"), []byte("v"), 0); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Put(boxes) error = %v, want ErrIncompatible", err)
	}
	// So is deleting it with the key API.
	if err := tx.Delete([]byte("boxes")); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Delete(boxes) error = %v, want ErrIncompatible", err)
	}

	// Re-creating with identical flags reopens; different flags clash.
	if _, err := tx.CreateDB("boxes", 0); err != nil {
		t.Errorf("CreateDB(same flags) error = %v", err)
	}
	if _, err := tx.CreateDB("boxes", DupSort); !errors.Is(err, ErrIncompatible) {
		t.Errorf("CreateDB(different flags) error = %v, want ErrIncompatible", err)
	}
}

func TestCreateDBRequiresWriter(t *testing.T) {
	env := newTestEnv(t, nil)
	rt, err := env.Begin(false)
	if err != nil {
		t.Fatalf("Begin(false) error = %v", err)
	}
	defer rt.Rollback()
	if _, err := rt.CreateDB("x", 0); !errors.Is(err, ErrTxNotWritable) {
		t.Errorf("CreateDB() in read txn error = %v, want ErrTxNotWritable", err)
	}
	if err := rt.DropDB("x"); !errors.Is(err, ErrTxNotWritable) {
		t.Errorf("DropDB() in read txn error = %v, want ErrTxNotWritable", err)
	}
}

func TestDupSortSubDB(t *testing.T) {
	env := newTestEnv(t, nil)
	tx, err := env.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	db, err := tx.CreateDB("tags", DupSort)
	if err != nil {
		t.Fatalf("CreateDB(tags, DupSort) error = %v", err)
	}
	if db.Flags() != DupSort {
		t.Errorf("Flags() = %#x, want DupSort", db.Flags())
	}
	for _, v := range []string{"b", "a", "c"} {
		if err := db.Put([]byte("post"), []byte(v), 0); err != nil {
			t.Fatalf("Put(post, %s) error = %v", v, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	rt, err := env.Begin(false)
	if err != nil {
		t.Fatalf("Begin(false) error = %v", err)
	}
	defer rt.Rollback()
	db, err = rt.OpenDB("tags")
	if err != nil {
		t.Fatalf("OpenDB(tags) error = %v", err)
	}
	if v, err := db.Get([]byte("post")); err != nil || string(v) != "a" {
		t.Errorf("Get(post) = %q, %v, want first value %q", v, err, "a")
	}
	stat, err := db.Stat()
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if stat.Entries != 3 {
		t.Errorf("Stat().Entries = %d, want 3", stat.Entries)
	}
}

func TestDropDB(t *testing.T) {
	env := newTestEnv(t, smallPageOptions())

	tx, err := env.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	db, err := tx.CreateDB("bulk", 0)
	if err != nil {
		t.Fatalf("CreateDB() error = %v", err)
	}
	big := make([]byte, 3*env.PageSize())
	for i := 0; i < 500; i++ {
		if err := db.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte("v"), 0); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if err := db.Put([]byte("spilled"), big, 0); err != nil {
		t.Fatalf("Put(spilled) error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	sizeBefore := fileSize(t, env)

	tx, err = env.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	if err := tx.DropDB("bulk"); err != nil {
		t.Fatalf("DropDB() error = %v", err)
	}
	if _, err := tx.OpenDB("bulk"); !errors.Is(err, ErrDBNotFound) {
		t.Errorf("OpenDB(bulk) after drop error = %v, want ErrDBNotFound", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// The freed pages must be recycled instead of growing the file.
	tx, err = env.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	db, err = tx.CreateDB("bulk2", 0)
	if err != nil {
		t.Fatalf("CreateDB(bulk2) error = %v", err)
	}
	for i := 0; i < 500; i++ {
		if err := db.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte("v"), 0); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if grown := fileSize(t, env) - sizeBefore; grown > int64(8*env.PageSize()) {
		t.Errorf("file grew %d bytes after drop and refill, want dropped pages recycled", grown)
	}
}

func TestSubDBPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.qry")
	env, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	tx, err := env.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	db, err := tx.CreateDB("cfg", 0)
	if err != nil {
		t.Fatalf("CreateDB() error = %v", err)
	}
	if err := db.Put([]byte("mode"), []byte("fast"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	env, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer env.Close()
	rt, err := env.Begin(false)
	if err != nil {
		t.Fatalf("Begin(false) error = %v", err)
	}
	defer rt.Rollback()
	db, err = rt.OpenDB("cfg")
	if err != nil {
		t.Fatalf("OpenDB(cfg) error = %v", err)
	}
	if v, err := db.Get([]byte("mode")); err != nil || string(v) != "fast" {
		t.Errorf("Get(mode) = %q, %v, want %q", v, err, "fast")
	}
}

func TestDroppedHandleRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	tx, err := env.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	defer tx.Rollback()

	db, err := tx.CreateDB("gone", 0)
	if err != nil {
		t.Fatalf("CreateDB() error = %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := tx.DropDB("gone"); err != nil {
		t.Fatalf("DropDB() error = %v", err)
	}

	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrDBNotFound) {
		t.Errorf("Get() on dropped handle error = %v, want ErrDBNotFound", err)
	}
	if err := db.Put([]byte("k"), []byte("v"), 0); !errors.Is(err, ErrDBNotFound) {
		t.Errorf("Put() on dropped handle error = %v, want ErrDBNotFound", err)
	}
}

func TestPageMapCoversSnapshot(t *testing.T) {
	env := newTestEnv(t, smallPageOptions())
	ps := env.PageSize()

	tx, err := env.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	for i := 0; i < 200; i++ {
		if err := tx.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte("v"), 0); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	// One value large enough to spill to an overflow chain.
	if err := tx.Put([]byte("big"), make([]byte, 3*ps), 0); err != nil {
		t.Fatalf("Put(big) error = %v", err)
	}
	db, err := tx.CreateDB("aux", 0)
	if err != nil {
		t.Fatalf("CreateDB() error = %v", err)
	}
	if err := db.Put([]byte("a"), []byte("1"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	rt, err := env.Begin(false)
	if err != nil {
		t.Fatalf("Begin(false) error = %v", err)
	}
	defer rt.Rollback()

	kinds, err := rt.PageMap()
	if err != nil {
		t.Fatalf("PageMap() error = %v", err)
	}
	if got := env.Info().LastPgno; uint64(len(kinds)) != got {
		t.Fatalf("PageMap() length = %d, want %d", len(kinds), got)
	}
	for i := 0; i < 2; i++ {
		if kinds[i] != PageMeta {
			t.Errorf("kinds[%d] = %s, want meta", i, kinds[i])
		}
	}
	totals := make(map[PageKind]int)
	for _, k := range kinds {
		totals[k]++
	}
	if totals[PageBranch] == 0 || totals[PageLeaf] == 0 {
		t.Errorf("expected branch and leaf pages, got %v", totals)
	}
	if totals[PageOverflow] < 3 {
		t.Errorf("overflow pages = %d, want at least 3", totals[PageOverflow])
	}

	stat, err := rt.Stat()
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	aux, err := rt.OpenDB("aux")
	if err != nil {
		t.Fatalf("OpenDB(aux) error = %v", err)
	}
	astat, err := aux.Stat()
	if err != nil {
		t.Fatalf("Stat(aux) error = %v", err)
	}
	wantLeaf := int(stat.LeafPages + astat.LeafPages)
	if totals[PageLeaf] != wantLeaf {
		t.Errorf("leaf pages = %d, want %d", totals[PageLeaf], wantLeaf)
	}
}
