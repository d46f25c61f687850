package quarry

// env.go implements the environment: the handle owning the backing file,
// its memory map, the meta slots, and transaction admission.
//
// The map is created read-only at the configured maximum size up front, so
// growing the file never remaps and never invalidates page views held by
// in-flight transactions. All page writes go through the file descriptor;
// the shared mapping observes them through the unified page cache.
//
// Recovery model: the two meta slots at pages 0 and 1 are the implicit
// commit record. On open both are validated by magic, version and checksum;
// the newest valid one is authoritative. One damaged slot is survivable and
// logged, two are ErrCorrupt.

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/quarrydb/quarry/internal/backup"
	"github.com/quarrydb/quarry/internal/logging"
	"github.com/quarrydb/quarry/internal/mmap"
	"github.com/quarrydb/quarry/internal/page"
)

// Compression is an alias for the backup stream compression type.
type Compression = backup.Compression

// Backup compression constants.
const (
	CompressionNone   = backup.None
	CompressionSnappy = backup.Snappy
	CompressionZstd   = backup.Zstd
	CompressionLZ4    = backup.LZ4
)

// Env is an open database environment. It is safe for concurrent use by
// multiple goroutines; individual transactions and cursors are not.
type Env struct {
	path     string
	opts     Options
	log      logging.Logger
	file     *os.File
	data     []byte // read-only shared map, len == opts.MaxSize
	pageSize int

	// flPages is the current on-disk freelist chain; the next committing
	// writer frees it. Guarded by the writer lock.
	flPages  []uint64
	freelist *freelist

	// writerMu serializes write transactions. Held for the whole lifetime
	// of a write transaction.
	writerMu sync.Mutex

	// statelock guards meta, readers and closed; statecond signals reader
	// release for Close.
	statelock sync.Mutex
	statecond *sync.Cond
	meta      page.Meta
	readers   map[uint64]int // snapshot txnid -> active reader count
	closed    bool
}

// Open opens or creates the database file at path.
func Open(path string, opts *Options) (*Env, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	flag := os.O_RDWR | os.O_CREATE
	if o.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("quarry: open %s: %w", path, err)
	}

	env := &Env{
		path:    path,
		opts:    o,
		log:     o.Logger,
		file:    f,
		readers: make(map[uint64]int),
	}
	env.statecond = sync.NewCond(&env.statelock)

	if err := mmap.Lock(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("quarry: lock %s: %w", path, err)
	}

	if err := env.init(); err != nil {
		_ = mmap.Unlock(f)
		_ = f.Close()
		return nil, err
	}

	env.log.Infof(logging.NSEnv+"opened %s: page size %d, txn %d, %d pages",
		path, env.pageSize, env.meta.TxnID, env.meta.LastPgno)
	return env, nil
}

// init validates or creates the file, establishes the map and loads the
// freelist.
func (env *Env) init() error {
	info, err := env.file.Stat()
	if err != nil {
		return fmt.Errorf("quarry: stat %s: %w", env.path, err)
	}

	if info.Size() == 0 {
		if env.opts.ReadOnly {
			return fmt.Errorf("quarry: %s is empty and environment is read-only: %w", env.path, ErrCorrupt)
		}
		if err := env.create(); err != nil {
			return err
		}
	} else {
		if err := env.recover(info.Size()); err != nil {
			return err
		}
	}

	if int64(env.meta.LastPgno)*int64(env.pageSize) > env.opts.MaxSize {
		return fmt.Errorf("quarry: file needs %d pages of %d bytes, beyond max size %d: %w",
			env.meta.LastPgno, env.pageSize, env.opts.MaxSize, ErrMapFull)
	}

	// Windows extends a file to the size of its mapping, so the map must be
	// established at full size explicitly there; on Unix mapping past EOF is
	// fine and the file grows lazily through WriteAt.
	if runtime.GOOS == "windows" && !env.opts.ReadOnly {
		if err := env.file.Truncate(env.opts.MaxSize); err != nil {
			return fmt.Errorf("quarry: truncate %s: %w", env.path, err)
		}
	}

	env.data, err = mmap.Map(env.file, int(env.opts.MaxSize))
	if err != nil {
		return fmt.Errorf("quarry: map %s: %w", env.path, err)
	}
	if err := mmap.Advise(env.data); err != nil {
		env.log.Warnf(logging.NSEnv+"madvise: %v", err)
	}

	if !env.opts.ReadOnly {
		fl, chain, err := loadFreelist(env, env.meta.Freelist)
		if err != nil {
			return err
		}
		env.freelist = fl
		env.flPages = chain
		env.log.Debugf(logging.NSFreelist+"loaded %d free pages across %d chain pages",
			fl.pageCount(), len(chain))
	}
	return nil
}

// create initializes a fresh database file: two identical meta slots
// describing an empty tree, stamped with a new environment UUID.
func (env *Env) create() error {
	env.pageSize = env.opts.PageSize

	id := [16]byte(uuid.New())

	m := page.Meta{
		Version:  page.Version,
		PageSize: uint32(env.pageSize),
		UUID:     id,
		LastPgno: page.MetaSlots,
	}
	if env.opts.DupSort {
		m.Flags |= dbDupSort
	}

	buf := make([]byte, env.pageSize)
	for txnid := uint64(0); txnid < page.MetaSlots; txnid++ {
		m.TxnID = txnid
		m.Encode(buf)
		if _, err := env.file.WriteAt(buf, int64(m.Slot())*int64(env.pageSize)); err != nil {
			return fmt.Errorf("quarry: write meta slot %d: %w", m.Slot(), err)
		}
	}
	if err := env.file.Sync(); err != nil {
		return fmt.Errorf("quarry: sync %s: %w", env.path, err)
	}

	env.meta = m // TxnID == MetaSlots-1, the newest slot written
	env.log.Infof(logging.NSEnv+"created %s: page size %d, uuid %x", env.path, env.pageSize, id)
	return nil
}

// recover selects the authoritative meta slot of an existing file.
func (env *Env) recover(fileSize int64) error {
	m0, err0 := env.readMetaAt(0)

	var (
		m1   *page.Meta
		err1 error
	)
	if err0 == nil {
		m1, err1 = env.readMetaAt(int64(m0.PageSize))
	} else {
		// Slot 0 is damaged and the page size with it; probe every legal
		// size for a valid slot 1.
		err1 = fmt.Errorf("%w: no valid meta slot found", ErrCorrupt)
		for ps := int64(page.MinSize); ps <= page.MaxSize; ps *= 2 {
			if m, err := env.readMetaAt(ps); err == nil && int64(m.PageSize) == ps {
				m1, err1 = m, nil
				break
			}
		}
	}

	switch {
	case err0 != nil && err1 != nil:
		if errors.Is(err0, page.ErrBadVersion) || errors.Is(err1, page.ErrBadVersion) {
			return fmt.Errorf("%w: %v", ErrVersionMismatch, err0)
		}
		return fmt.Errorf("%w: both meta slots invalid: slot0: %v, slot1: %v", ErrCorrupt, err0, err1)
	case err0 != nil:
		env.log.Warnf(logging.NSEnv+"meta slot 0 invalid (%v), recovering from slot 1", err0)
		env.meta = *m1
	case err1 != nil:
		env.log.Warnf(logging.NSEnv+"meta slot 1 invalid (%v), recovering from slot 0", err1)
		env.meta = *m0
	case m1.TxnID > m0.TxnID:
		env.meta = *m1
	default:
		env.meta = *m0
	}

	env.pageSize = int(env.meta.PageSize)
	if env.pageSize < page.MinSize || env.pageSize > page.MaxSize || env.pageSize&(env.pageSize-1) != 0 {
		return fmt.Errorf("%w: meta page size %d out of range", ErrCorrupt, env.pageSize)
	}
	if fileSize < int64(env.meta.LastPgno)*int64(env.pageSize) && runtime.GOOS != "windows" {
		return fmt.Errorf("%w: file is %d bytes, meta expects at least %d",
			ErrCorrupt, fileSize, int64(env.meta.LastPgno)*int64(env.pageSize))
	}
	return nil
}

// readMetaAt reads and validates one meta slot at the given byte offset.
// Only the fixed meta prefix is read, so the slot can be validated before
// the page size is known.
func (env *Env) readMetaAt(off int64) (*page.Meta, error) {
	buf := make([]byte, page.MinSize)
	if _, err := env.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read meta at %d: %w", off, err)
	}
	return page.DecodeMeta(page.Page(buf))
}

// page returns a read-only view of the committed page pgno. The view is
// valid for the lifetime of the environment.
func (env *Env) page(pgno uint64) page.Page {
	off := int(pgno) * env.pageSize
	return page.Page(env.data[off : off+env.pageSize])
}

// EnvInfo is a point-in-time description of the environment, taken from the
// authoritative meta slot.
type EnvInfo struct {
	Path          string
	PageSize      int
	FormatVersion uint32
	UUID          [16]byte
	TxnID         uint64
	Root          uint64
	Depth         uint16
	Entries       uint64
	LastPgno      uint64
	Freelist      uint64
	DupSort       bool
}

// Info reports the current committed state of the environment.
func (env *Env) Info() EnvInfo {
	env.statelock.Lock()
	m := env.meta
	env.statelock.Unlock()
	return EnvInfo{
		Path:          env.path,
		PageSize:      env.pageSize,
		FormatVersion: m.Version,
		UUID:          m.UUID,
		TxnID:         m.TxnID,
		Root:          m.Root,
		Depth:         m.Depth,
		Entries:       m.Entries,
		LastPgno:      m.LastPgno,
		Freelist:      m.Freelist,
		DupSort:       m.Flags&dbDupSort != 0,
	}
}

// PageSize returns the page size of the open environment.
func (env *Env) PageSize() int { return env.pageSize }

// Path returns the path of the backing file.
func (env *Env) Path() string { return env.path }

// UUID returns the environment UUID stamped into the file at creation.
func (env *Env) UUID() [16]byte {
	env.statelock.Lock()
	defer env.statelock.Unlock()
	return env.meta.UUID
}

// Begin starts a transaction. A read transaction captures the current
// committed snapshot and never blocks. A write transaction blocks until any
// previous writer commits or rolls back; at most one writer is active at a
// time.
func (env *Env) Begin(writable bool) (*Txn, error) {
	if !writable {
		return env.beginRead()
	}
	if env.opts.ReadOnly {
		return nil, ErrReadOnly
	}
	env.writerMu.Lock()
	txn, err := env.beginWriteLocked()
	if err != nil {
		env.writerMu.Unlock()
		return nil, err
	}
	return txn, nil
}

// TryBeginWrite starts a write transaction without blocking. It returns
// ErrTxnConflict while another write transaction is active.
func (env *Env) TryBeginWrite() (*Txn, error) {
	if env.opts.ReadOnly {
		return nil, ErrReadOnly
	}
	if !env.writerMu.TryLock() {
		return nil, ErrTxnConflict
	}
	txn, err := env.beginWriteLocked()
	if err != nil {
		env.writerMu.Unlock()
		return nil, err
	}
	return txn, nil
}

func (env *Env) beginRead() (*Txn, error) {
	env.statelock.Lock()
	defer env.statelock.Unlock()
	if env.closed {
		return nil, ErrEnvClosed
	}
	env.readers[env.meta.TxnID]++
	return newTxn(env, env.meta, false), nil
}

// beginWriteLocked completes write-transaction setup; the caller holds the
// writer lock and keeps it on success.
func (env *Env) beginWriteLocked() (*Txn, error) {
	env.statelock.Lock()
	meta := env.meta
	closed := env.closed
	env.statelock.Unlock()
	if closed {
		return nil, ErrEnvClosed
	}

	meta.TxnID++
	txn := newTxn(env, meta, true)
	txn.flClone = env.freelist.clone()

	// Promote pages whose freeing transaction is behind every live reader,
	// so this transaction allocates from them before growing the file. The
	// horizon excludes this transaction's own id: pages freed by the
	// previous commit are safe now that its meta is authoritative.
	horizon := env.oldestReader()
	if horizon > meta.TxnID {
		horizon = meta.TxnID
	}
	if n := env.freelist.reclaim(horizon); n > 0 {
		env.log.Debugf(logging.NSFreelist+"txn %d: %d pages became reusable", meta.TxnID, n)
	}
	return txn, nil
}

// releaseReader drops a reader registration.
func (env *Env) releaseReader(snapshot uint64) {
	env.statelock.Lock()
	defer env.statelock.Unlock()
	if n := env.readers[snapshot] - 1; n > 0 {
		env.readers[snapshot] = n
	} else {
		delete(env.readers, snapshot)
	}
	env.statecond.Broadcast()
}

// oldestReader returns the smallest active reader snapshot id, or
// ^uint64(0) when no reader is active.
func (env *Env) oldestReader() uint64 {
	env.statelock.Lock()
	defer env.statelock.Unlock()
	oldest := ^uint64(0)
	for snapshot := range env.readers {
		if snapshot < oldest {
			oldest = snapshot
		}
	}
	return oldest
}

// Close waits for the active writer and all readers to finish, then tears
// the environment down. Transactions begun after Close starts fail with
// ErrEnvClosed.
func (env *Env) Close() error {
	env.statelock.Lock()
	if env.closed {
		env.statelock.Unlock()
		return ErrEnvClosed
	}
	env.closed = true
	env.statelock.Unlock()

	// Wait out the current writer, if any.
	env.writerMu.Lock()
	defer env.writerMu.Unlock()

	env.statelock.Lock()
	for len(env.readers) > 0 {
		env.statecond.Wait()
	}
	env.statelock.Unlock()

	var firstErr error
	if err := mmap.Unmap(env.data); err != nil {
		firstErr = err
	}
	env.data = nil
	if err := mmap.Unlock(env.file); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := env.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	env.log.Infof(logging.NSEnv+"closed %s", env.path)
	return firstErr
}

// CopyTo streams a consistent backup of the environment to w. The snapshot
// is taken under a read transaction, so writers are not blocked while the
// copy runs. Both meta slots in the stream are rewritten to describe the
// snapshot, making the result a self-contained database file.
func (env *Env) CopyTo(w io.Writer, c Compression) error {
	txn, err := env.Begin(false)
	if err != nil {
		return err
	}
	defer func() { _ = txn.Rollback() }()

	bw, err := backup.NewWriter(w, c)
	if err != nil {
		return err
	}

	// Slot for the snapshot txn id carries the snapshot meta; the other
	// slot carries the same roots under txnid-1 so both slots validate and
	// the snapshot one wins.
	metas := [page.MetaSlots]page.Meta{}
	newer := txn.meta
	older := txn.meta
	older.TxnID--
	metas[newer.Slot()] = newer
	metas[older.Slot()] = older

	buf := make([]byte, env.pageSize)
	for slot := 0; slot < page.MetaSlots; slot++ {
		metas[slot].Encode(buf)
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("quarry: backup meta slot %d: %w", slot, err)
		}
	}

	start := int64(page.MetaSlots) * int64(env.pageSize)
	end := int64(txn.meta.LastPgno) * int64(env.pageSize)
	if _, err := bw.Write(env.data[start:end]); err != nil {
		return fmt.Errorf("quarry: backup pages: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("quarry: backup finish: %w", err)
	}

	env.log.Infof(logging.NSBackup+"copied %d pages at txn %d (%s)",
		txn.meta.LastPgno, txn.meta.TxnID, c)
	return nil
}

// Restore reconstructs a database file at path from a backup stream
// produced by CopyTo. It refuses to overwrite an existing file.
func Restore(r io.Reader, path string) error {
	return backup.Restore(r, path)
}

// sortPgnos sorts a page-number slice in place.
func sortPgnos(pgnos []uint64) {
	sort.Slice(pgnos, func(i, j int) bool { return pgnos[i] < pgnos[j] })
}
