/*
Package quarry provides an embedded, transactional key/value store backed by
a single memory-mapped file.

Quarry organizes data in a copy-on-write B+Tree. Readers map the file and
walk committed pages directly with no locks and no copies; writers stage
modified pages privately and publish them with a single atomic meta-page
write, so the file on disk is consistent at every instant and no write-ahead
log or repair step is needed after a crash.

# Usage

	env, err := quarry.Open("app.qry", quarry.DefaultOptions())
	if err != nil { ... }
	defer env.Close()

	tx, err := env.Begin(true)
	if err != nil { ... }
	if err := tx.Put([]byte("k"), []byte("v"), 0); err != nil { ... }
	if err := tx.Commit(); err != nil { ... }

# Concurrency

An Env is safe for concurrent use by multiple goroutines. Any number of read
transactions run in parallel with at most one write transaction; each reader
observes the committed state as of its start for its whole lifetime.
Individual Txn and Cursor instances are not safe for concurrent use; each
goroutine should use its own.

# Durability

Commit writes all modified pages, syncs, then writes and syncs the meta
page. Opening after a crash selects the newest meta slot that passes its
checksum, which is always a complete transaction. Options.NoSync trades this
guarantee for throughput.
*/
package quarry
