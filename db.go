package quarry

// db.go implements named sub-databases. A sub-database is a fully
// independent B+Tree whose 20-byte record (root, depth, flags, entries)
// lives in the main tree under the database name, in a leaf entry flagged
// as a sub-database so plain Get and Put cannot clobber it.

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/quarrydb/quarry/internal/page"
)

// dbDupSort marks a tree that stores duplicate keys as distinct
// (key, value) pairs ordered by value.
const dbDupSort = 1

// DBFlags configure a sub-database at creation time.
type DBFlags uint16

const (
	// DupSort allows multiple values per key, kept in value order.
	DupSort DBFlags = dbDupSort
)

// treeRecord is the persistent descriptor of one B+Tree.
type treeRecord struct {
	root    uint64
	depth   uint16
	flags   uint16
	entries uint64
}

const treeRecordSize = 20

func (r treeRecord) encode() []byte {
	b := make([]byte, treeRecordSize)
	binary.LittleEndian.PutUint64(b[0:], r.root)
	binary.LittleEndian.PutUint16(b[8:], r.depth)
	binary.LittleEndian.PutUint16(b[10:], r.flags)
	binary.LittleEndian.PutUint64(b[12:], r.entries)
	return b
}

func decodeTreeRecord(b []byte) (treeRecord, error) {
	if len(b) != treeRecordSize {
		return treeRecord{}, fmt.Errorf("%w: sub-database record is %d bytes, want %d", ErrCorrupt, len(b), treeRecordSize)
	}
	return treeRecord{
		root:    binary.LittleEndian.Uint64(b[0:]),
		depth:   binary.LittleEndian.Uint16(b[8:]),
		flags:   binary.LittleEndian.Uint16(b[10:]),
		entries: binary.LittleEndian.Uint64(b[12:]),
	}, nil
}

// DB is a handle on a named sub-database, valid for the lifetime of the
// transaction that opened it.
type DB struct {
	tx *Txn
	t  *tree
}

// Name returns the sub-database name; empty for the default database.
func (db *DB) Name() string { return db.t.name }

// Flags returns the flags the sub-database was created with.
func (db *DB) Flags() DBFlags { return DBFlags(db.t.rec.flags) }

func (db *DB) check() error {
	if err := db.tx.check(); err != nil {
		return err
	}
	if db.t.dropped {
		return fmt.Errorf("%w: %q was dropped in this transaction", ErrDBNotFound, db.t.name)
	}
	return nil
}

func (db *DB) checkWrite() error {
	if err := db.check(); err != nil {
		return err
	}
	if !db.tx.writable {
		return ErrTxNotWritable
	}
	return nil
}

// Get returns the value stored under key, or the first value in
// duplicate mode.
func (db *DB) Get(key []byte) ([]byte, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.tx.bGet(db.t, key)
}

// Put stores (key, value).
func (db *DB) Put(key, value []byte, flags PutFlag) error {
	if err := db.checkWrite(); err != nil {
		return err
	}
	return db.tx.fail(db.tx.bPut(db.t, key, value, flags, page.EntryInline))
}

// Delete removes key and, in duplicate mode, every pair stored under it.
func (db *DB) Delete(key []byte) error {
	if err := db.checkWrite(); err != nil {
		return err
	}
	return db.tx.fail(db.tx.bDeleteAll(db.t, key))
}

// Del removes the single pair (key, value). Outside duplicate mode the
// value is ignored and Del behaves like Delete.
func (db *DB) Del(key, value []byte) error {
	if err := db.checkWrite(); err != nil {
		return err
	}
	if !db.t.dup() {
		return db.tx.fail(db.tx.bDelete(db.t, key, nil, false))
	}
	return db.tx.fail(db.tx.bDelete(db.t, key, value, false))
}

// Cursor returns a cursor positioned before the first entry.
func (db *DB) Cursor() (*Cursor, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	return newCursor(db.tx, db.t), nil
}

// Stat walks the sub-database and reports its page usage.
func (db *DB) Stat() (*Stat, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.tx.statTree(db.t)
}

// getRecord fetches the tree record stored under name in the main tree.
func (tx *Txn) getRecord(name string) (treeRecord, error) {
	if tx.main.rec.root == 0 {
		return treeRecord{}, fmt.Errorf("%w: %q", ErrDBNotFound, name)
	}
	path, exact, err := tx.seekPath(tx.main, []byte(name), nil)
	if err != nil {
		return treeRecord{}, err
	}
	if !exact {
		return treeRecord{}, fmt.Errorf("%w: %q", ErrDBNotFound, name)
	}
	lf := path[len(path)-1]
	p, err := tx.page(lf.pgno)
	if err != nil {
		return treeRecord{}, err
	}
	ent := p.LeafElem(lf.idx)
	if ent.Flags != page.EntrySubDB {
		return treeRecord{}, fmt.Errorf("%w: key %q holds a plain value, not a sub-database", ErrIncompatible, name)
	}
	return decodeTreeRecord(ent.Payload)
}

// putRecord stores a tree record under name in the main tree.
func (tx *Txn) putRecord(name string, rec treeRecord) error {
	return tx.bPut(tx.main, []byte(name), rec.encode(), 0, page.EntrySubDB)
}

// OpenDB opens an existing sub-database, or the default database when name
// is empty. Handles are cached per transaction so repeated opens observe
// the same in-flight state.
func (tx *Txn) OpenDB(name string) (*DB, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if name == "" {
		return &DB{tx: tx, t: tx.main}, nil
	}
	if t, ok := tx.dbs[name]; ok {
		return &DB{tx: tx, t: t}, nil
	}
	rec, err := tx.getRecord(name)
	if err != nil {
		return nil, err
	}
	t := &tree{rec: rec, name: name}
	if tx.dbs == nil {
		tx.dbs = make(map[string]*tree)
	}
	tx.dbs[name] = t
	return &DB{tx: tx, t: t}, nil
}

// CreateDB opens a sub-database, creating it if missing. Opening an
// existing sub-database with different flags returns ErrIncompatible.
func (tx *Txn) CreateDB(name string, flags DBFlags) (*DB, error) {
	if err := tx.checkWrite(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: sub-database name must not be empty", ErrKeyRequired)
	}
	if tx.main.dup() {
		return nil, fmt.Errorf("%w: a duplicate-mode environment cannot hold sub-databases", ErrIncompatible)
	}
	db, err := tx.OpenDB(name)
	if err == nil {
		if db.Flags() != flags {
			return nil, fmt.Errorf("%w: %q exists with flags %#x, requested %#x",
				ErrIncompatible, name, db.Flags(), flags)
		}
		return db, nil
	}
	if !errors.Is(err, ErrDBNotFound) {
		return nil, err
	}

	rec := treeRecord{flags: uint16(flags)}
	if err := tx.fail(tx.putRecord(name, rec)); err != nil {
		return nil, err
	}
	t := &tree{rec: rec, name: name}
	if tx.dbs == nil {
		tx.dbs = make(map[string]*tree)
	}
	tx.dbs[name] = t
	return &DB{tx: tx, t: t}, nil
}

// DropDB deletes a sub-database: every page of its tree, every overflow
// chain it references, and its record in the main tree.
func (tx *Txn) DropDB(name string) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	db, err := tx.OpenDB(name)
	if err != nil {
		return err
	}
	if err := tx.fail(tx.freeTree(db.t)); err != nil {
		return err
	}
	if err := tx.fail(tx.bDelete(tx.main, []byte(name), nil, true)); err != nil {
		return err
	}
	db.t.dropped = true
	db.t.recDirty = false
	db.t.bump()
	delete(tx.dbs, name)
	return nil
}

// DBs lists the names of every named sub-database, in key order.
func (tx *Txn) DBs() ([]string, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if tx.main.rec.root == 0 {
		return nil, nil
	}
	var names []string
	cur := newCursor(tx, tx.main)
	for _, _, err := cur.First(); ; _, _, err = cur.Next() {
		if errors.Is(err, ErrNotFound) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		ent, err := cur.entry()
		if err != nil {
			return nil, err
		}
		if ent.Flags == page.EntrySubDB {
			names = append(names, string(ent.Key))
		}
	}
}

// freeTree returns every page reachable from t's root to the freelist.
func (tx *Txn) freeTree(t *tree) error {
	if t.rec.root == 0 {
		return nil
	}
	stack := []uint64{t.rec.root}
	for len(stack) > 0 {
		pgno := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p, err := tx.page(pgno)
		if err != nil {
			return err
		}
		switch {
		case p.IsBranch():
			for i := 0; i < p.Count(); i++ {
				stack = append(stack, p.BranchChild(i))
			}
		case p.IsLeaf():
			for i := 0; i < p.Count(); i++ {
				ent := p.LeafElem(i)
				if ent.Flags == page.EntryOverflow {
					if err := tx.freeOverflowChain(page.OverflowHead(ent.Payload)); err != nil {
						return err
					}
				}
			}
		default:
			return fmt.Errorf("%w: page %d is %s, want branch or leaf", ErrCorrupt, pgno, p.Flags())
		}
		tx.freePage(pgno)
	}
	t.rec = treeRecord{flags: t.rec.flags}
	return nil
}
