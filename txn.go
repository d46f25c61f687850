package quarry

// txn.go implements transactions and the commit protocol.
//
// A read transaction is a copy of the authoritative meta plus a reader
// registration; it never blocks and never mutates shared state. A write
// transaction holds the environment's writer lock for its whole lifetime and
// collects every page it touches, copy-on-write, into a private dirty set.
//
// Commit order is what makes the engine crash-safe without a log:
//
//  1. write all dirty data pages and fsync
//  2. serialize the freelist and fold it into the new meta
//  3. encode the new meta into the non-authoritative slot, write, fsync
//
// The meta write is the single visibility point: until it lands, the
// previous slot stays authoritative and a crash recovers the old state;
// after it lands, the new state is complete on disk.

import (
	"errors"
	"fmt"

	"github.com/quarrydb/quarry/internal/logging"
	"github.com/quarrydb/quarry/internal/page"
)

// PutFlag modifies the behavior of Put.
type PutFlag uint8

const (
	// NoOverwrite makes Put fail with ErrKeyExists instead of replacing an
	// existing key, or an existing key/value pair in duplicate mode.
	NoOverwrite PutFlag = 1 << iota
)

// Txn is a transaction. Transactions are not safe for concurrent use; each
// goroutine must use its own.
type Txn struct {
	env      *Env
	writable bool
	done     bool
	failed   bool
	meta     page.Meta

	main *tree
	dbs  map[string]*tree

	// Write-transaction state.
	dirty   map[uint64]page.Page // staged page versions, keyed by page number
	pending map[uint64]struct{}  // pages allocated by this transaction
	freed   []uint64             // committed-state pages released by this transaction
	flClone *freelist            // freelist snapshot for rollback
}

func newTxn(env *Env, meta page.Meta, writable bool) *Txn {
	txn := &Txn{
		env:      env,
		writable: writable,
		meta:     meta,
		main: &tree{
			rec: treeRecord{
				root:    meta.Root,
				depth:   meta.Depth,
				flags:   uint16(meta.Flags),
				entries: meta.Entries,
			},
		},
	}
	if writable {
		txn.dirty = make(map[uint64]page.Page)
		txn.pending = make(map[uint64]struct{})
		txn.dbs = make(map[string]*tree)
	}
	return txn
}

// ID returns the transaction's snapshot id: the last committed transaction
// for readers, the id this transaction will commit as for writers.
func (tx *Txn) ID() uint64 { return tx.meta.TxnID }

// Writable reports whether this is a write transaction.
func (tx *Txn) Writable() bool { return tx.writable }

func (tx *Txn) check() error {
	if tx.done {
		return ErrTxDone
	}
	if tx.failed {
		return ErrTxFailed
	}
	return nil
}

// fail inspects the result of a tree mutation. Errors raised before any page
// changed hands pass through untouched; anything else means pages of the
// committed state may already be queued for reuse while the replacement
// entry was never built, so the transaction is poisoned: every further
// operation returns ErrTxFailed and only Rollback is accepted.
func (tx *Txn) fail(err error) error {
	if err == nil {
		return nil
	}
	for _, benign := range []error{
		ErrNotFound, ErrKeyExists, ErrKeyRequired, ErrKeyTooLarge,
		ErrValueTooLarge, ErrIncompatible, ErrDBNotFound,
	} {
		if errors.Is(err, benign) {
			return err
		}
	}
	tx.failed = true
	tx.env.log.Warnf(logging.NSTxn+"txn %d failed mid-mutation, rollback required: %v",
		tx.meta.TxnID, err)
	return err
}

func (tx *Txn) checkWrite() error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	return nil
}

// page returns the transaction's view of pgno: the staged version for pages
// this writer has touched, the committed mapping otherwise.
func (tx *Txn) page(pgno uint64) (page.Page, error) {
	if tx.writable {
		if p, ok := tx.dirty[pgno]; ok {
			return p, nil
		}
	}
	if pgno < page.MetaSlots || pgno >= tx.meta.LastPgno {
		return nil, fmt.Errorf("%w: page %d out of range [%d, %d)",
			ErrCorrupt, pgno, page.MetaSlots, tx.meta.LastPgno)
	}
	return tx.env.page(pgno), nil
}

// allocPage hands out a fresh page: a recycled one when the freelist has a
// safe candidate, a new one grown off the end of the file otherwise. The
// returned buffer is private to the transaction until commit.
func (tx *Txn) allocPage() (uint64, page.Page, error) {
	pgno, ok := tx.env.freelist.allocate()
	if !ok {
		pgno = tx.meta.LastPgno
		if (int64(pgno)+1)*int64(tx.env.pageSize) > tx.env.opts.MaxSize {
			return 0, nil, fmt.Errorf("%w: cannot grow past %d bytes", ErrMapFull, tx.env.opts.MaxSize)
		}
		tx.meta.LastPgno++
	}
	buf := page.Page(make([]byte, tx.env.pageSize))
	buf.SetPgno(pgno)
	tx.dirty[pgno] = buf
	tx.pending[pgno] = struct{}{}
	return pgno, buf, nil
}

// freePage releases a page version. Pages this transaction allocated go
// straight back into circulation; pages belonging to the committed state are
// queued for the freelist at commit, keeping them intact for readers.
func (tx *Txn) freePage(pgno uint64) {
	if _, ok := tx.pending[pgno]; ok {
		delete(tx.pending, pgno)
		delete(tx.dirty, pgno)
		tx.env.freelist.reuse(pgno)
		return
	}
	tx.freed = append(tx.freed, pgno)
}

// Commit makes the transaction's changes durable and visible. For a read
// transaction it simply releases the snapshot.
func (tx *Txn) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.writable {
		tx.done = true
		tx.env.releaseReader(tx.meta.TxnID)
		return nil
	}
	if tx.failed {
		// Nothing from a poisoned transaction may reach disk; tear it down
		// the way Rollback would and report the refusal.
		tx.env.freelist = tx.flClone
		tx.finishWrite()
		return ErrTxFailed
	}
	if err := tx.commitWrite(); err != nil {
		// A failed commit behaves like a rollback: shared freelist state is
		// restored and nothing became authoritative.
		tx.env.freelist = tx.flClone
		tx.finishWrite()
		return err
	}
	tx.finishWrite()
	return nil
}

func (tx *Txn) commitWrite() error {
	env := tx.env

	// Fold modified sub-database roots back into the main tree before the
	// main root is final.
	for name, t := range tx.dbs {
		if !t.recDirty {
			continue
		}
		if err := tx.putRecord(name, t.rec); err != nil {
			return fmt.Errorf("quarry: save database %q: %w", name, err)
		}
		t.recDirty = false
	}

	// The previous freelist chain is superseded by the one this commit
	// writes.
	for _, pgno := range env.flPages {
		tx.freePage(pgno)
	}

	fl := env.freelist
	for _, pgno := range tx.freed {
		fl.free(tx.meta.TxnID, pgno)
	}
	tx.freed = nil

	// Pages freed by this very transaction stay pending: they belong to the
	// previous committed state, which must survive byte for byte until the
	// new meta lands.
	horizon := env.oldestReader()
	if horizon > tx.meta.TxnID {
		horizon = tx.meta.TxnID
	}
	if n := fl.reclaim(horizon); n > 0 {
		env.log.Debugf(logging.NSFreelist+"txn %d: %d pages became reusable", tx.meta.TxnID, n)
	}

	chain, err := tx.writeFreelist(fl)
	if err != nil {
		return err
	}
	if len(chain) > 0 {
		tx.meta.Freelist = chain[0]
	} else {
		tx.meta.Freelist = 0
	}

	// Step 1: all dirty data pages, then a barrier.
	pgnos := make([]uint64, 0, len(tx.dirty))
	for pgno := range tx.dirty {
		pgnos = append(pgnos, pgno)
	}
	sortPgnos(pgnos)
	for _, pgno := range pgnos {
		off := int64(pgno) * int64(env.pageSize)
		if _, err := env.file.WriteAt(tx.dirty[pgno], off); err != nil {
			return fmt.Errorf("quarry: write page %d: %w", pgno, err)
		}
	}
	if !env.opts.NoSync {
		if err := env.file.Sync(); err != nil {
			return fmt.Errorf("quarry: sync data: %w", err)
		}
	}

	// Steps 2-3: new meta into the slot the previous commit did not use.
	tx.meta.Root = tx.main.rec.root
	tx.meta.Depth = tx.main.rec.depth
	tx.meta.Entries = tx.main.rec.entries
	metaBuf := page.Page(make([]byte, env.pageSize))
	tx.meta.Encode(metaBuf)
	if _, err := env.file.WriteAt(metaBuf, int64(tx.meta.Slot())*int64(env.pageSize)); err != nil {
		return fmt.Errorf("quarry: write meta slot %d: %w", tx.meta.Slot(), err)
	}
	if !env.opts.NoSync {
		if err := env.file.Sync(); err != nil {
			return fmt.Errorf("quarry: sync meta: %w", err)
		}
	}

	// The commit is now authoritative; publish it.
	env.statelock.Lock()
	env.meta = tx.meta
	env.statelock.Unlock()
	env.flPages = chain

	env.log.Debugf(logging.NSTxn+"txn %d committed: %d dirty pages, root %d",
		tx.meta.TxnID, len(pgnos), tx.meta.Root)
	return nil
}

// writeFreelist serializes fl into a fresh chain of freelist pages and
// returns the chain page numbers in order.
//
// Allocating the chain itself mutates the freelist (allocation may drain the
// ready list), so pages are claimed first, until the remaining state fits,
// and serialized after.
func (tx *Txn) writeFreelist(fl *freelist) ([]uint64, error) {
	if fl.pageCount() == 0 {
		return nil, nil
	}

	capacity := page.OverflowCapacity(tx.env.pageSize)
	var (
		pgnos []uint64
		bufs  []page.Page
	)
	for {
		need := (fl.serializedSize() + capacity - 1) / capacity
		if len(pgnos) >= need {
			break
		}
		pgno, buf, err := tx.allocPage()
		if err != nil {
			return nil, err
		}
		pgnos = append(pgnos, pgno)
		bufs = append(bufs, buf)
	}

	stream := fl.serialize()
	for i, buf := range bufs {
		chunk := stream
		if len(chunk) > capacity {
			chunk = chunk[:capacity]
		}
		stream = stream[len(chunk):]

		for j := range buf {
			buf[j] = 0
		}
		buf.SetPgno(pgnos[i])
		buf.SetFlags(page.FlagFreelist)
		buf.SetDataLen(len(chunk))
		if i+1 < len(bufs) {
			buf.SetNext(pgnos[i+1])
		}
		copy(buf.Body(), chunk)
	}
	return pgnos, nil
}

// finishWrite tears down a write transaction and releases the writer lock.
func (tx *Txn) finishWrite() {
	tx.done = true
	tx.dirty = nil
	tx.pending = nil
	tx.flClone = nil
	tx.env.statelock.Lock()
	tx.env.statecond.Broadcast()
	tx.env.statelock.Unlock()
	tx.env.writerMu.Unlock()
}

// Rollback abandons the transaction. For a write transaction the dirty set
// is discarded and the freelist restored; on-disk state is untouched, so the
// previous commit remains authoritative byte for byte. For a read
// transaction it releases the snapshot.
func (tx *Txn) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.writable {
		tx.done = true
		tx.env.releaseReader(tx.meta.TxnID)
		return nil
	}
	tx.env.freelist = tx.flClone
	tx.env.log.Debugf(logging.NSTxn+"txn %d rolled back: %d dirty pages discarded",
		tx.meta.TxnID, len(tx.dirty))
	tx.finishWrite()
	return nil
}

// Get returns the value stored for key in the default database. The
// returned slice is a view into the shared map for inline values; it is
// valid only until the transaction ends.
func (tx *Txn) Get(key []byte) ([]byte, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.bGet(tx.main, key)
}

// Put stores a key/value pair in the default database.
func (tx *Txn) Put(key, value []byte, flags PutFlag) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	return tx.fail(tx.bPut(tx.main, key, value, flags, page.EntryInline))
}

// Delete removes key from the default database. In duplicate mode it
// removes every pair stored under key.
func (tx *Txn) Delete(key []byte) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	return tx.fail(tx.bDeleteAll(tx.main, key))
}

// Del removes one specific key/value pair from a duplicate-mode default
// database. Outside duplicate mode the value is ignored.
func (tx *Txn) Del(key, value []byte) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if !tx.main.dup() {
		return tx.fail(tx.bDelete(tx.main, key, nil, false))
	}
	return tx.fail(tx.bDelete(tx.main, key, value, false))
}

// Cursor opens a cursor over the default database.
func (tx *Txn) Cursor() (*Cursor, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return newCursor(tx, tx.main), nil
}

// Stat returns statistics for the default database.
func (tx *Txn) Stat() (*Stat, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.statTree(tx.main)
}
