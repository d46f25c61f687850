package quarry

// cursor.go implements ordered iteration. A cursor holds the frame stack of
// its current position and steps by adjusting leaf indexes, walking back up
// the stack only at node boundaries. Mutating the tree through the owning
// transaction invalidates every cursor on that tree; invalidated cursors
// fail with ErrCursorInvalid until repositioned with Seek, First or Last.

import (
	"fmt"

	"github.com/quarrydb/quarry/internal/page"
)

// Cursor iterates a single database in key order (key then value order in
// duplicate mode). A cursor is only valid within its transaction.
type Cursor struct {
	tx   *Txn
	t    *tree
	seq  uint64
	path []frame
}

func newCursor(tx *Txn, t *tree) *Cursor {
	return &Cursor{tx: tx, t: t, seq: t.seq}
}

func (c *Cursor) check() error {
	if err := c.tx.check(); err != nil {
		return err
	}
	if c.t.dropped {
		return fmt.Errorf("%w: %q was dropped in this transaction", ErrDBNotFound, c.t.name)
	}
	return nil
}

// current returns the error state of the cursor's position.
func (c *Cursor) current() error {
	if len(c.path) == 0 {
		return fmt.Errorf("%w: cursor is not positioned", ErrCursorInvalid)
	}
	if c.seq != c.t.seq {
		return fmt.Errorf("%w: tree changed since the cursor was positioned", ErrCursorInvalid)
	}
	return nil
}

// descendEdge extends the path from pgno down to a leaf, following the
// first child at every branch, or the last when last is set.
func (c *Cursor) descendEdge(pgno uint64, last bool) error {
	for {
		if len(c.path) > int(c.t.rec.depth) {
			return fmt.Errorf("%w: descent deeper than recorded depth %d", ErrCorrupt, c.t.rec.depth)
		}
		p, err := c.tx.page(pgno)
		if err != nil {
			return err
		}
		switch {
		case p.IsBranch():
			idx := 0
			if last {
				idx = p.Count() - 1
			}
			c.path = append(c.path, frame{pgno: pgno, idx: idx})
			pgno = p.BranchChild(idx)
		case p.IsLeaf():
			idx := 0
			if last {
				idx = p.Count() - 1
			}
			c.path = append(c.path, frame{pgno: pgno, idx: idx})
			return nil
		default:
			return fmt.Errorf("%w: page %d is %s, want branch or leaf", ErrCorrupt, pgno, p.Flags())
		}
	}
}

// entry returns the leaf entry at the cursor's position.
func (c *Cursor) entry() (page.LeafEntry, error) {
	lf := c.path[len(c.path)-1]
	p, err := c.tx.page(lf.pgno)
	if err != nil {
		return page.LeafEntry{}, err
	}
	if !p.IsLeaf() || lf.idx >= p.Count() {
		return page.LeafEntry{}, fmt.Errorf("%w: cursor position out of range on page %d", ErrCorrupt, lf.pgno)
	}
	return p.LeafElem(lf.idx), nil
}

// pair materializes the (key, value) at the cursor's position.
func (c *Cursor) pair() ([]byte, []byte, error) {
	ent, err := c.entry()
	if err != nil {
		return nil, nil, err
	}
	val, err := c.tx.entryValue(ent)
	if err != nil {
		return nil, nil, err
	}
	return ent.Key, val, nil
}

// First positions the cursor on the smallest entry.
func (c *Cursor) First() ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	c.path = c.path[:0]
	c.seq = c.t.seq
	if c.t.rec.root == 0 {
		return nil, nil, ErrNotFound
	}
	if err := c.descendEdge(c.t.rec.root, false); err != nil {
		return nil, nil, err
	}
	return c.pair()
}

// Last positions the cursor on the largest entry.
func (c *Cursor) Last() ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	c.path = c.path[:0]
	c.seq = c.t.seq
	if c.t.rec.root == 0 {
		return nil, nil, ErrNotFound
	}
	if err := c.descendEdge(c.t.rec.root, true); err != nil {
		return nil, nil, err
	}
	return c.pair()
}

// Seek positions the cursor on the first entry whose key is >= key and
// returns it. In duplicate mode that is the first pair stored under the
// matched key.
func (c *Cursor) Seek(key []byte) ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	if len(key) == 0 {
		return nil, nil, ErrKeyRequired
	}
	c.path = c.path[:0]
	c.seq = c.t.seq
	if c.t.rec.root == 0 {
		return nil, nil, ErrNotFound
	}
	path, _, err := c.tx.seekPath(c.t, key, nil)
	if err != nil {
		return nil, nil, err
	}
	c.path = path

	// The target may sort past the end of its leaf; step into the next one.
	lf := c.path[len(c.path)-1]
	p, err := c.tx.page(lf.pgno)
	if err != nil {
		return nil, nil, err
	}
	if lf.idx >= p.Count() {
		c.path[len(c.path)-1].idx = p.Count() - 1
		return c.Next()
	}
	return c.pair()
}

// Next advances to the following entry. At the end of the database the
// cursor stays put and ErrNotFound is returned.
func (c *Cursor) Next() ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	if err := c.current(); err != nil {
		return nil, nil, err
	}

	lf := c.path[len(c.path)-1]
	p, err := c.tx.page(lf.pgno)
	if err != nil {
		return nil, nil, err
	}
	if lf.idx+1 < p.Count() {
		c.path[len(c.path)-1].idx++
		return c.pair()
	}

	// Walk up to the first ancestor with a following sibling, then down its
	// left edge.
	for level := len(c.path) - 2; level >= 0; level-- {
		bp, err := c.tx.page(c.path[level].pgno)
		if err != nil {
			return nil, nil, err
		}
		if c.path[level].idx+1 < bp.Count() {
			saved := append([]frame(nil), c.path...)
			c.path = c.path[:level]
			idx := saved[level].idx + 1
			c.path = append(c.path, frame{pgno: saved[level].pgno, idx: idx})
			if err := c.descendEdge(bp.BranchChild(idx), false); err != nil {
				c.path = saved
				return nil, nil, err
			}
			return c.pair()
		}
	}
	return nil, nil, ErrNotFound
}

// Prev steps back to the preceding entry. At the start of the database the
// cursor stays put and ErrNotFound is returned.
func (c *Cursor) Prev() ([]byte, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	if err := c.current(); err != nil {
		return nil, nil, err
	}

	lf := c.path[len(c.path)-1]
	if lf.idx > 0 {
		c.path[len(c.path)-1].idx--
		return c.pair()
	}

	for level := len(c.path) - 2; level >= 0; level-- {
		if c.path[level].idx > 0 {
			bp, err := c.tx.page(c.path[level].pgno)
			if err != nil {
				return nil, nil, err
			}
			saved := append([]frame(nil), c.path...)
			c.path = c.path[:level]
			idx := saved[level].idx - 1
			c.path = append(c.path, frame{pgno: saved[level].pgno, idx: idx})
			if err := c.descendEdge(bp.BranchChild(idx), true); err != nil {
				c.path = saved
				return nil, nil, err
			}
			return c.pair()
		}
	}
	return nil, nil, ErrNotFound
}

// Key returns the key at the cursor's position.
func (c *Cursor) Key() ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := c.current(); err != nil {
		return nil, err
	}
	ent, err := c.entry()
	if err != nil {
		return nil, err
	}
	return ent.Key, nil
}

// Value returns the value at the cursor's position. Sub-database entries
// yield a nil value.
func (c *Cursor) Value() ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := c.current(); err != nil {
		return nil, err
	}
	ent, err := c.entry()
	if err != nil {
		return nil, err
	}
	return c.tx.entryValue(ent)
}
