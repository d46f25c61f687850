package quarry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/quarrydb/quarry/internal/page"
)

// newTestEnv opens a fresh environment in a temp directory and closes it
// when the test ends.
func newTestEnv(t *testing.T, opts *Options) *Env {
	t.Helper()
	env, err := Open(filepath.Join(t.TempDir(), "test.qry"), opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func mustPut(t *testing.T, env *Env, key, value string) {
	t.Helper()
	tx, err := env.Begin(true)
	if err != nil {
		t.Fatalf("Begin(true) error = %v", err)
	}
	if err := tx.Put([]byte(key), []byte(value), 0); err != nil {
		t.Fatalf("Put(%q) error = %v", key, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func mustGet(t *testing.T, env *Env, key string) string {
	t.Helper()
	tx, err := env.Begin(false)
	if err != nil {
		t.Fatalf("Begin(false) error = %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	v, err := tx.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%q) error = %v", key, err)
	}
	return string(v)
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.qry")
	env, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer env.Close()

	if env.PageSize() != page.DefaultSize {
		t.Errorf("PageSize() = %d, want %d", env.PageSize(), page.DefaultSize)
	}
	if env.UUID() == ([16]byte{}) {
		t.Error("UUID() is zero, want a fresh identifier")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if want := int64(page.MetaSlots * page.DefaultSize); info.Size() < want {
		t.Errorf("file size = %d, want at least %d", info.Size(), want)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.qry")
	env, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	mustPut(t, env, "alpha", "1")
	mustPut(t, env, "beta", "2")
	uuid := env.UUID()
	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	env, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer env.Close()
	if got := mustGet(t, env, "alpha"); got != "1" {
		t.Errorf("Get(alpha) = %q, want %q", got, "1")
	}
	if got := mustGet(t, env, "beta"); got != "2" {
		t.Errorf("Get(beta) = %q, want %q", got, "2")
	}
	if env.UUID() != uuid {
		t.Error("UUID changed across reopen")
	}
}

func TestOpenEmptyReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.qry")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	opts := DefaultOptions()
	opts.ReadOnly = true
	if _, err := Open(path, opts); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Open(empty, read-only) error = %v, want ErrCorrupt", err)
	}
}

func TestReadOnlyEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.qry")
	env, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	mustPut(t, env, "k", "v")
	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	opts := DefaultOptions()
	opts.ReadOnly = true
	env, err = Open(path, opts)
	if err != nil {
		t.Fatalf("Open(read-only) error = %v", err)
	}
	defer env.Close()

	if got := mustGet(t, env, "k"); got != "v" {
		t.Errorf("Get(k) = %q, want %q", got, "v")
	}
	if _, err := env.Begin(true); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Begin(true) error = %v, want ErrReadOnly", err)
	}
}

func TestSecondOpenBlockedByLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.qry")
	env, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer env.Close()

	if _, err := Open(path, nil); err == nil {
		t.Fatal("second Open() succeeded, want lock error")
	}
}

// corruptAt flips one byte of the file.
func corruptAt(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, off); err != nil {
		t.Fatal(err)
	}
	b[0] ^= 0xff
	if _, err := f.WriteAt(b, off); err != nil {
		t.Fatal(err)
	}
}

func TestRecoverFromDamagedMetaSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.qry")
	env, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	// txn 2 lands in slot 0, txn 3 in slot 1.
	mustPut(t, env, "k", "old")
	mustPut(t, env, "k", "new")
	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Damage the newest slot; open must fall back to the previous commit.
	corruptAt(t, path, int64(page.DefaultSize)+page.HeaderSize+50)

	env, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen after damage error = %v", err)
	}
	defer env.Close()
	if got := mustGet(t, env, "k"); got != "old" {
		t.Errorf("Get(k) = %q, want previous commit %q", got, "old")
	}
}

func TestBothMetaSlotsDamaged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.qry")
	env, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	mustPut(t, env, "k", "v")
	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	corruptAt(t, path, page.HeaderSize+50)
	corruptAt(t, path, int64(page.DefaultSize)+page.HeaderSize+50)

	if _, err := Open(path, nil); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Open() error = %v, want ErrCorrupt", err)
	}
}

func TestFutureVersionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.qry")
	env, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Stamp an unknown format version into both slots.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, off := range []int64{page.HeaderSize + 8, int64(page.DefaultSize) + page.HeaderSize + 8} {
		if _, err := f.WriteAt([]byte{99}, off); err != nil {
			t.Fatal(err)
		}
	}
	f.Close()

	if _, err := Open(path, nil); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("Open() error = %v, want ErrVersionMismatch", err)
	}
}

func TestBeginAfterClose(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := env.Begin(false); !errors.Is(err, ErrEnvClosed) {
		t.Errorf("Begin(false) error = %v, want ErrEnvClosed", err)
	}
	if _, err := env.Begin(true); !errors.Is(err, ErrEnvClosed) {
		t.Errorf("Begin(true) error = %v, want ErrEnvClosed", err)
	}
}

func TestInvalidOptions(t *testing.T) {
	dir := t.TempDir()
	for i, opts := range []*Options{
		{PageSize: 1000},                     // not a power of two
		{PageSize: 256},                      // below minimum
		{PageSize: 4096, MaxSize: 8192},      // map too small
		{PageSize: 4096, MaxInlineValue: 1 << 20}, // inline bound
	} {
		path := filepath.Join(dir, fmt.Sprintf("bad-%d.qry", i))
		if _, err := Open(path, opts); err == nil {
			t.Errorf("Open() with options %+v succeeded, want error", opts)
		}
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 100; i++ {
		mustPut(t, env, fmt.Sprintf("key-%03d", i), fmt.Sprintf("val-%03d", i))
	}

	for _, c := range []Compression{CompressionNone, CompressionSnappy, CompressionZstd, CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			var buf bytes.Buffer
			if err := env.CopyTo(&buf, c); err != nil {
				t.Fatalf("CopyTo() error = %v", err)
			}

			restored := filepath.Join(t.TempDir(), "restored.qry")
			if err := Restore(&buf, restored); err != nil {
				t.Fatalf("Restore() error = %v", err)
			}

			copyEnv, err := Open(restored, nil)
			if err != nil {
				t.Fatalf("Open(restored) error = %v", err)
			}
			defer copyEnv.Close()

			if copyEnv.UUID() != env.UUID() {
				t.Error("restored UUID differs from source")
			}
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("key-%03d", i)
				if got, want := mustGet(t, copyEnv, key), fmt.Sprintf("val-%03d", i); got != want {
					t.Fatalf("Get(%q) = %q, want %q", key, got, want)
				}
			}
		})
	}
}
