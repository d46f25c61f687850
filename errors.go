package quarry

// errors.go defines the error taxonomy of the engine.
//
// Every failure carries one of these sentinels, possibly wrapped with
// context; callers dispatch with errors.Is. The engine never partially
// applies a write: any error out of Commit leaves the previous meta slot
// authoritative and the attempted changes discarded.

import "errors"

var (
	// ErrNotFound is returned when a lookup key does not exist. Callers
	// treating lookups as optional should test for it with errors.Is.
	ErrNotFound = errors.New("quarry: key not found")

	// ErrKeyExists is returned by Put with NoOverwrite when the key (or, in
	// duplicate mode, the exact key/value pair) is already present.
	ErrKeyExists = errors.New("quarry: key already exists")

	// ErrKeyRequired is returned by Put and Delete for an empty key.
	ErrKeyRequired = errors.New("quarry: key required")

	// ErrKeyTooLarge is returned when a key exceeds the page-size-derived
	// maximum.
	ErrKeyTooLarge = errors.New("quarry: key too large")

	// ErrValueTooLarge is returned when a value cannot be stored, either
	// because it exceeds the absolute maximum or because the database is in
	// duplicate mode, where values must fit inline.
	ErrValueTooLarge = errors.New("quarry: value too large")

	// ErrMapFull is returned when allocation would exceed the configured
	// maximum map size. Fatal for the current write transaction, not for
	// the process: reopen with a larger MaxSize to grow the store.
	ErrMapFull = errors.New("quarry: map size limit reached")

	// ErrCorrupt is returned when neither meta slot validates on open or a
	// page reference falls outside the committed file. Requires external
	// recovery, e.g. restoring from a backup.
	ErrCorrupt = errors.New("quarry: database corrupted")

	// ErrVersionMismatch is returned when the file was written by an
	// incompatible format version. Distinct from ErrCorrupt so callers can
	// tell "wrong version" from "damaged".
	ErrVersionMismatch = errors.New("quarry: incompatible file format version")

	// ErrTxnConflict is returned by TryBeginWrite while another write
	// transaction is active. Retry after the writer resolves, or use the
	// blocking Begin.
	ErrTxnConflict = errors.New("quarry: another write transaction is active")

	// ErrCursorInvalid is returned when a cursor is used after a mutation
	// through the same write transaction invalidated it. Reposition with
	// Seek, First or Last to continue.
	ErrCursorInvalid = errors.New("quarry: cursor invalidated by mutation")

	// ErrTxDone is returned when a transaction is used after Commit or
	// Rollback.
	ErrTxDone = errors.New("quarry: transaction already finished")

	// ErrTxFailed is returned by every operation, Commit included, after a
	// mutation inside the transaction stopped partway. The in-memory state
	// may reference pages already queued for reuse, so the transaction can
	// only be rolled back; committed data is unaffected.
	ErrTxFailed = errors.New("quarry: transaction failed, rollback required")

	// ErrTxNotWritable is returned when a mutation is attempted through a
	// read-only transaction.
	ErrTxNotWritable = errors.New("quarry: transaction is read-only")

	// ErrEnvClosed is returned when an environment is used after Close.
	ErrEnvClosed = errors.New("quarry: environment is closed")

	// ErrReadOnly is returned when a write transaction is requested on an
	// environment opened read-only.
	ErrReadOnly = errors.New("quarry: environment is read-only")

	// ErrIncompatible is returned when an operation does not match the kind
	// of entry it addresses: writing a plain value over a sub-database
	// record, opening a plain key as a sub-database, or creating a
	// sub-database inside a duplicate-mode tree.
	ErrIncompatible = errors.New("quarry: operation incompatible with entry")

	// ErrDBNotFound is returned by OpenDB for an unknown sub-database name.
	ErrDBNotFound = errors.New("quarry: no such database")
)
