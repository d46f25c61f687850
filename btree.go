package quarry

// btree.go implements the copy-on-write B+Tree over the page store.
//
// Every mutation descends from the root recording an explicit stack of
// (page, index) frames, edits the decoded leaf, and then rewrites the path
// bottom-up: each touched node is written to a fresh page and its parent's
// element updated to point at it, so a write transaction never alters a
// committed page and the old root remains a complete, immutable snapshot.
//
// Split and rebalance propagation ride the same stack, with no recursion.
// The only pages rewritten are the ones on the mutated path plus at most
// one sibling per level during rebalancing.
//
// Branch separators store the lowest key reachable through their child. In
// duplicate mode a separator is a composite (key, value) encoding, which
// keeps descent exact for pair-addressed operations.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/quarrydb/quarry/internal/page"
)

// maxValueSize is the absolute cap on value length, overflow chains
// included.
const maxValueSize = 1 << 30

// tree is a transaction's handle on one B+Tree: the main tree or a named
// sub-database.
type tree struct {
	rec      treeRecord
	name     string // empty for the main tree
	seq      uint64 // bumped on every mutation, invalidates cursors
	recDirty bool   // sub-database record must be saved at commit
	dropped  bool   // sub-database was dropped in this transaction
}

func (t *tree) dup() bool { return t.rec.flags&dbDupSort != 0 }

// bump records a structural mutation.
func (t *tree) bump() {
	t.seq++
	if t.name != "" {
		t.recDirty = true
	}
}

// frame is one step of a root-to-leaf descent.
type frame struct {
	pgno uint64
	idx  int
}

// childRef names a freshly written node: its page and its low separator.
type childRef struct {
	pgno uint64
	sep  []byte
}

// nodeBuf is the decoded, mutable form of one node being rewritten.
type nodeBuf struct {
	pgno     uint64 // page this content replaces; 0 for a brand-new node
	leaf     bool
	entries  []page.LeafEntry // leaf content
	keys     [][]byte         // branch separators
	children []uint64         // branch children
}

func (n *nodeBuf) count() int {
	if n.leaf {
		return len(n.entries)
	}
	return len(n.children)
}

func (n *nodeBuf) size() int {
	if n.leaf {
		return page.LeafSize(n.entries)
	}
	return page.BranchSize(n.keys)
}

// -----------------------------------------------------------------------------
// Separators and comparison
// -----------------------------------------------------------------------------

// dupSep encodes a composite (key, value) separator for duplicate mode:
// a 2-byte key length, the key, then the value.
func dupSep(key, val []byte) []byte {
	sep := make([]byte, 2+len(key)+len(val))
	binary.LittleEndian.PutUint16(sep, uint16(len(key)))
	copy(sep[2:], key)
	copy(sep[2+len(key):], val)
	return sep
}

func splitDupSep(sep []byte) (key, val []byte) {
	klen := int(binary.LittleEndian.Uint16(sep))
	return sep[2 : 2+klen], sep[2+klen:]
}

// leafSep returns the separator a leaf entry contributes when it becomes the
// low entry of a node.
func (tx *Txn) leafSep(t *tree, ent page.LeafEntry) []byte {
	if t.dup() && ent.Flags == page.EntryInline {
		return dupSep(ent.Key, ent.Payload)
	}
	if t.dup() {
		return dupSep(ent.Key, nil)
	}
	return ent.Key
}

// cmpTargetSep compares the search target (key, val) against a stored
// separator. A nil val acts as minus infinity among duplicates of key, so
// key-only searches land on the first pair.
func (tx *Txn) cmpTargetSep(t *tree, key, val, sep []byte) int {
	if !t.dup() {
		return tx.env.opts.Comparator.Compare(key, sep)
	}
	sk, sv := splitDupSep(sep)
	if c := tx.env.opts.Comparator.Compare(key, sk); c != 0 {
		return c
	}
	if val == nil {
		if len(sv) == 0 {
			return 0
		}
		return -1
	}
	return tx.env.opts.DupComparator.Compare(val, sv)
}

// cmpTargetEntry compares the search target (key, val) against a leaf entry.
func (tx *Txn) cmpTargetEntry(t *tree, key, val []byte, ent page.LeafEntry) int {
	if c := tx.env.opts.Comparator.Compare(key, ent.Key); c != 0 || !t.dup() {
		return c
	}
	if val == nil {
		return -1
	}
	return tx.env.opts.DupComparator.Compare(val, ent.Payload)
}

// -----------------------------------------------------------------------------
// Descent
// -----------------------------------------------------------------------------

// branchIdx returns the child a branch page routes (key, val) to: the last
// element whose separator is <= the target, clamped to element 0.
func (tx *Txn) branchIdx(t *tree, p page.Page, key, val []byte) int {
	n := p.Count()
	idx := sort.Search(n, func(i int) bool {
		return tx.cmpTargetSep(t, key, val, p.BranchKey(i)) < 0
	}) - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

// leafIdx returns the position of the first entry >= the target and whether
// it matches exactly.
func (tx *Txn) leafIdx(t *tree, p page.Page, key, val []byte) (int, bool) {
	n := p.Count()
	idx := sort.Search(n, func(i int) bool {
		return tx.cmpTargetEntry(t, key, val, p.LeafElem(i)) <= 0
	})
	if idx >= n {
		return idx, false
	}
	ent := p.LeafElem(idx)
	if tx.env.opts.Comparator.Compare(key, ent.Key) != 0 {
		return idx, false
	}
	if t.dup() && val != nil && tx.env.opts.DupComparator.Compare(val, ent.Payload) != 0 {
		return idx, false
	}
	return idx, true
}

// seekPath descends from the root to the leaf position for (key, val),
// returning the full frame stack; the last frame is the leaf. The tree must
// not be empty.
func (tx *Txn) seekPath(t *tree, key, val []byte) ([]frame, bool, error) {
	path := make([]frame, 0, t.rec.depth)
	pgno := t.rec.root
	for level := 0; ; level++ {
		if level >= int(t.rec.depth) {
			return nil, false, fmt.Errorf("%w: descent deeper than recorded depth %d", ErrCorrupt, t.rec.depth)
		}
		p, err := tx.page(pgno)
		if err != nil {
			return nil, false, err
		}
		switch {
		case p.IsBranch():
			idx := tx.branchIdx(t, p, key, val)
			path = append(path, frame{pgno: pgno, idx: idx})
			pgno = p.BranchChild(idx)
		case p.IsLeaf():
			idx, exact := tx.leafIdx(t, p, key, val)
			path = append(path, frame{pgno: pgno, idx: idx})
			return path, exact, nil
		default:
			return nil, false, fmt.Errorf("%w: page %d is %s, want branch or leaf", ErrCorrupt, pgno, p.Flags())
		}
	}
}

// leftmostPath extends path from pgno down to a leaf, taking the first
// child at every branch.
func (tx *Txn) leftmostPath(t *tree, path []frame, pgno uint64) ([]frame, error) {
	for {
		if len(path) > int(t.rec.depth) {
			return nil, fmt.Errorf("%w: descent deeper than recorded depth %d", ErrCorrupt, t.rec.depth)
		}
		p, err := tx.page(pgno)
		if err != nil {
			return nil, err
		}
		path = append(path, frame{pgno: pgno})
		switch {
		case p.IsBranch():
			pgno = p.BranchChild(0)
		case p.IsLeaf():
			return path, nil
		default:
			return nil, fmt.Errorf("%w: page %d is %s, want branch or leaf", ErrCorrupt, pgno, p.Flags())
		}
	}
}

// seekFirstPair positions at the first pair stored under key in a
// duplicate-mode tree. The (key, minus infinity) target can sort past the
// end of a leaf whose successor starts with the key, so a past-end landing
// steps into the following leaf before deciding.
func (tx *Txn) seekFirstPair(t *tree, key []byte) ([]frame, bool, error) {
	path, exact, err := tx.seekPath(t, key, nil)
	if err != nil || exact {
		return path, exact, err
	}
	lf := path[len(path)-1]
	p, err := tx.page(lf.pgno)
	if err != nil {
		return nil, false, err
	}
	if lf.idx < p.Count() {
		return path, false, nil
	}

	for level := len(path) - 2; level >= 0; level-- {
		bp, err := tx.page(path[level].pgno)
		if err != nil {
			return nil, false, err
		}
		if path[level].idx+1 >= bp.Count() {
			continue
		}
		next := path[:level+1]
		next[level].idx++
		next, err = tx.leftmostPath(t, next, bp.BranchChild(next[level].idx))
		if err != nil {
			return nil, false, err
		}
		np, err := tx.page(next[len(next)-1].pgno)
		if err != nil {
			return nil, false, err
		}
		ent := np.LeafElem(0)
		return next, tx.env.opts.Comparator.Compare(key, ent.Key) == 0, nil
	}
	return path, false, nil
}

// decodeLeaf copies the element headers of a leaf page into a mutable
// slice. Key and payload bytes still alias the page.
func decodeLeaf(p page.Page) []page.LeafEntry {
	entries := make([]page.LeafEntry, p.Count())
	for i := range entries {
		entries[i] = p.LeafElem(i)
	}
	return entries
}

// decodeBranch copies the element headers of a branch page into mutable
// slices. Separator bytes still alias the page.
func decodeBranch(p page.Page) ([][]byte, []uint64) {
	n := p.Count()
	keys := make([][]byte, n)
	children := make([]uint64, n)
	for i := 0; i < n; i++ {
		keys[i] = p.BranchKey(i)
		children[i] = p.BranchChild(i)
	}
	return keys, children
}

// -----------------------------------------------------------------------------
// Node rewriting
// -----------------------------------------------------------------------------

// splitLengths partitions items of the given encoded sizes into chunks that
// each fit a page, targeting even fill across the chunks.
func splitLengths(sizes []int, pageSize int) []int {
	total := page.HeaderSize
	for _, s := range sizes {
		total += s
	}
	if total <= pageSize {
		return []int{len(sizes)}
	}

	var lengths []int
	i := 0
	remaining := total - page.HeaderSize
	for i < len(sizes) {
		chunks := (remaining + pageSize - page.HeaderSize - 1) / (pageSize - page.HeaderSize)
		target := remaining/chunks + page.HeaderSize

		chunkSize := page.HeaderSize
		n := 0
		for i+n < len(sizes) {
			s := sizes[i+n]
			if n > 0 && (chunkSize+s > pageSize || chunkSize >= target) {
				break
			}
			chunkSize += s
			n++
		}
		// Never strand a lone trailing item in its own chunk.
		if i+n == len(sizes)-1 && chunkSize+sizes[i+n] <= pageSize {
			n++
		}
		lengths = append(lengths, n)
		for _, s := range sizes[i : i+n] {
			remaining -= s
		}
		i += n
	}
	return lengths
}

// writeNode frees the page a node replaces and writes its content into one
// or more fresh pages, splitting as needed. It returns a ref per written
// page, in key order.
func (tx *Txn) writeNode(t *tree, n *nodeBuf) ([]childRef, error) {
	if n.pgno != 0 {
		tx.freePage(n.pgno)
	}

	sizes := make([]int, n.count())
	if n.leaf {
		for i, e := range n.entries {
			sizes[i] = page.EntrySize(e)
		}
	} else {
		for i, k := range n.keys {
			sizes[i] = page.BranchElemSize + len(k)
		}
	}

	lengths := splitLengths(sizes, tx.env.pageSize)
	refs := make([]childRef, 0, len(lengths))
	start := 0
	for _, length := range lengths {
		pgno, buf, err := tx.allocPage()
		if err != nil {
			return nil, err
		}
		if n.leaf {
			chunk := n.entries[start : start+length]
			buf.WriteLeaf(pgno, chunk)
			refs = append(refs, childRef{pgno: pgno, sep: tx.leafSep(t, chunk[0])})
		} else {
			keys := n.keys[start : start+length]
			buf.WriteBranch(pgno, keys, n.children[start:start+length])
			refs = append(refs, childRef{pgno: pgno, sep: keys[0]})
		}
		start += length
	}
	return refs, nil
}

// splice replaces the single element at idx of a branch node with the given
// refs.
func (n *nodeBuf) splice(idx int, refs []childRef) {
	keys := make([][]byte, 0, len(n.keys)+len(refs)-1)
	children := make([]uint64, 0, len(n.children)+len(refs)-1)
	keys = append(keys, n.keys[:idx]...)
	children = append(children, n.children[:idx]...)
	for _, r := range refs {
		keys = append(keys, r.sep)
		children = append(children, r.pgno)
	}
	keys = append(keys, n.keys[idx+1:]...)
	children = append(children, n.children[idx+1:]...)
	n.keys, n.children = keys, children
}

// removeChild drops the element at idx of a branch node.
func (n *nodeBuf) removeChild(idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.children = append(n.children[:idx], n.children[idx+1:]...)
}

// underflows reports whether a non-root node has dropped below the fill
// threshold that triggers rebalancing.
func (tx *Txn) underflows(n *nodeBuf) bool {
	if n.leaf {
		return len(n.entries) == 0 || n.size() < tx.env.pageSize/4
	}
	return len(n.children) < 2 || n.size() < tx.env.pageSize/4
}

// propagate rewrites the mutated path bottom-up. The leaf frame's content
// has already been edited into leafEntries; rebalance enables underflow
// handling for the delete path.
func (tx *Txn) propagate(t *tree, path []frame, leafEntries []page.LeafEntry, rebalance bool) error {
	cur := &nodeBuf{pgno: path[len(path)-1].pgno, leaf: true, entries: leafEntries}

	for level := len(path) - 1; level >= 1; level-- {
		pf := path[level-1]
		pPage, err := tx.page(pf.pgno)
		if err != nil {
			return err
		}
		keys, children := decodeBranch(pPage)
		parent := &nodeBuf{pgno: pf.pgno, keys: keys, children: children}

		if rebalance && tx.underflows(cur) && len(parent.children) > 1 {
			if err := tx.fixUnderflow(t, parent, pf.idx, cur); err != nil {
				return err
			}
		} else {
			refs, err := tx.writeNode(t, cur)
			if err != nil {
				return err
			}
			parent.splice(pf.idx, refs)
		}
		cur = parent
	}

	return tx.writeRoot(t, cur)
}

// writeRoot finishes propagation at the root: it handles the empty tree,
// root collapse on shrink, and root splits on growth.
func (tx *Txn) writeRoot(t *tree, root *nodeBuf) error {
	if root.leaf && len(root.entries) == 0 {
		if root.pgno != 0 {
			tx.freePage(root.pgno)
		}
		t.rec.root, t.rec.depth = 0, 0
		return nil
	}

	// A branch root reduced to a single child is removed and the tree
	// height shrinks by one.
	if !root.leaf && len(root.children) == 1 {
		tx.freePage(root.pgno)
		t.rec.root = root.children[0]
		t.rec.depth--
		return nil
	}

	refs, err := tx.writeNode(t, root)
	if err != nil {
		return err
	}
	for len(refs) > 1 {
		grown := &nodeBuf{}
		for _, r := range refs {
			grown.keys = append(grown.keys, r.sep)
			grown.children = append(grown.children, r.pgno)
		}
		if refs, err = tx.writeNode(t, grown); err != nil {
			return err
		}
		t.rec.depth++
	}
	t.rec.root = refs[0].pgno
	return nil
}

// fixUnderflow repairs an underfull node by merging it with an adjacent
// sibling when the pair fits one page, or moving entries over from the
// sibling otherwise. The parent's elements are updated in place; the caller
// continues propagation with the parent.
func (tx *Txn) fixUnderflow(t *tree, parent *nodeBuf, myIdx int, cur *nodeBuf) error {
	sibIdx := myIdx - 1
	if myIdx == 0 {
		sibIdx = myIdx + 1
	}
	sibPage, err := tx.page(parent.children[sibIdx])
	if err != nil {
		return err
	}
	sib := &nodeBuf{pgno: parent.children[sibIdx], leaf: cur.leaf}
	if cur.leaf {
		sib.entries = decodeLeaf(sibPage)
	} else {
		sib.keys, sib.children = decodeBranch(sibPage)
	}

	left, right, leftIdx := cur, sib, myIdx
	if sibIdx < myIdx {
		left, right, leftIdx = sib, cur, sibIdx
	}

	if left.size()+right.size()-page.HeaderSize <= tx.env.pageSize {
		// Merge: the combined node replaces the left slot, the right slot
		// disappears.
		merged := &nodeBuf{pgno: left.pgno, leaf: cur.leaf}
		if cur.leaf {
			merged.entries = append(append([]page.LeafEntry{}, left.entries...), right.entries...)
		} else {
			merged.keys = append(append([][]byte{}, left.keys...), right.keys...)
			merged.children = append(append([]uint64{}, left.children...), right.children...)
		}
		tx.freePage(right.pgno)
		refs, err := tx.writeNode(t, merged)
		if err != nil {
			return err
		}
		parent.removeChild(leftIdx + 1)
		parent.splice(leftIdx, refs)
		return nil
	}

	// Borrow: shift items across the boundary until cur is filled enough,
	// without starving the sibling.
	for tx.underflows(cur) && sib.count() > 1 {
		var next int // boundary item of sib
		if sibIdx < myIdx {
			next = sib.count() - 1
		}
		var itemSize int
		if cur.leaf {
			itemSize = page.EntrySize(sib.entries[next])
		} else {
			itemSize = page.BranchElemSize + len(sib.keys[next])
		}
		if sib.size()-itemSize < tx.env.pageSize/4 || sib.count()-1 < 2 && !sib.leaf {
			break
		}
		if cur.leaf {
			if sibIdx < myIdx {
				cur.entries = append([]page.LeafEntry{sib.entries[next]}, cur.entries...)
				sib.entries = sib.entries[:next]
			} else {
				cur.entries = append(cur.entries, sib.entries[0])
				sib.entries = sib.entries[1:]
			}
		} else {
			if sibIdx < myIdx {
				cur.keys = append([][]byte{sib.keys[next]}, cur.keys...)
				cur.children = append([]uint64{sib.children[next]}, cur.children...)
				sib.keys, sib.children = sib.keys[:next], sib.children[:next]
			} else {
				cur.keys = append(cur.keys, sib.keys[0])
				cur.children = append(cur.children, sib.children[0])
				sib.keys, sib.children = sib.keys[1:], sib.children[1:]
			}
		}
	}

	refsCur, err := tx.writeNode(t, cur)
	if err != nil {
		return err
	}
	refsSib, err := tx.writeNode(t, sib)
	if err != nil {
		return err
	}
	if sibIdx < myIdx {
		parent.children[sibIdx], parent.keys[sibIdx] = refsSib[0].pgno, refsSib[0].sep
		parent.children[myIdx], parent.keys[myIdx] = refsCur[0].pgno, refsCur[0].sep
	} else {
		parent.children[myIdx], parent.keys[myIdx] = refsCur[0].pgno, refsCur[0].sep
		parent.children[sibIdx], parent.keys[sibIdx] = refsSib[0].pgno, refsSib[0].sep
	}
	return nil
}

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// buildEntry assembles the leaf entry for (key, val), spilling the value to
// an overflow chain when it does not belong inline.
func (tx *Txn) buildEntry(t *tree, key, val []byte, entFlags uint16) (page.LeafEntry, error) {
	if entFlags == page.EntryInline && !t.dup() && len(val) > tx.env.opts.MaxInlineValue {
		head, err := tx.writeOverflowChain(val)
		if err != nil {
			return page.LeafEntry{}, err
		}
		return page.LeafEntry{
			Key:     key,
			Payload: page.PutOverflowHead(head),
			Flags:   page.EntryOverflow,
			Vsize:   uint32(len(val)),
		}, nil
	}
	return page.LeafEntry{Key: key, Payload: val, Flags: entFlags, Vsize: uint32(len(val))}, nil
}

// bPut inserts or replaces (key, val) in t.
func (tx *Txn) bPut(t *tree, key, val []byte, flags PutFlag, entFlags uint16) error {
	if len(key) == 0 {
		return ErrKeyRequired
	}
	if len(key) > maxKeySize(tx.env.pageSize) {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrKeyTooLarge, len(key), maxKeySize(tx.env.pageSize))
	}
	if len(val) > maxValueSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrValueTooLarge, len(val), maxValueSize)
	}
	dup := t.dup() && entFlags == page.EntryInline
	if dup && len(val) > maxKeySize(tx.env.pageSize) {
		return fmt.Errorf("%w: duplicate-mode values must fit inline, %d bytes over limit %d",
			ErrValueTooLarge, len(val), maxKeySize(tx.env.pageSize))
	}

	var dupVal []byte
	if dup {
		dupVal = val
	}

	if t.rec.root == 0 {
		ent, err := tx.buildEntry(t, key, val, entFlags)
		if err != nil {
			return err
		}
		pgno, buf, err := tx.allocPage()
		if err != nil {
			return err
		}
		buf.WriteLeaf(pgno, []page.LeafEntry{ent})
		t.rec.root, t.rec.depth, t.rec.entries = pgno, 1, 1
		t.bump()
		return nil
	}

	path, exact, err := tx.seekPath(t, key, dupVal)
	if err != nil {
		return err
	}
	lf := path[len(path)-1]
	p, err := tx.page(lf.pgno)
	if err != nil {
		return err
	}
	entries := decodeLeaf(p)

	if exact {
		old := entries[lf.idx]
		if old.Flags == page.EntrySubDB && entFlags != page.EntrySubDB {
			return fmt.Errorf("%w: key %q names a sub-database", ErrIncompatible, key)
		}
		if flags&NoOverwrite != 0 {
			return ErrKeyExists
		}
		if dup {
			// The exact pair already exists; duplicate mode has nothing to
			// replace.
			return nil
		}
		if old.Flags == page.EntryOverflow {
			if err := tx.freeOverflowChain(page.OverflowHead(old.Payload)); err != nil {
				return err
			}
		}
		ent, err := tx.buildEntry(t, key, val, entFlags)
		if err != nil {
			return err
		}
		entries[lf.idx] = ent
		if err := tx.propagate(t, path, entries, false); err != nil {
			return err
		}
		t.bump()
		return nil
	}

	ent, err := tx.buildEntry(t, key, val, entFlags)
	if err != nil {
		return err
	}
	entries = append(entries, page.LeafEntry{})
	copy(entries[lf.idx+1:], entries[lf.idx:])
	entries[lf.idx] = ent
	if err := tx.propagate(t, path, entries, false); err != nil {
		return err
	}
	t.rec.entries++
	t.bump()
	return nil
}

// bGet looks key up in t. Inline values are returned as views into the
// shared map or the writer's staged pages; overflow values are materialized.
func (tx *Txn) bGet(t *tree, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyRequired
	}
	if t.rec.root == 0 {
		return nil, ErrNotFound
	}
	var (
		path  []frame
		exact bool
		err   error
	)
	if t.dup() {
		path, exact, err = tx.seekFirstPair(t, key)
	} else {
		path, exact, err = tx.seekPath(t, key, nil)
	}
	if err != nil {
		return nil, err
	}
	if !exact {
		return nil, ErrNotFound
	}
	lf := path[len(path)-1]
	p, err := tx.page(lf.pgno)
	if err != nil {
		return nil, err
	}
	ent := p.LeafElem(lf.idx)
	if ent.Flags == page.EntrySubDB {
		return nil, fmt.Errorf("%w: key %q names a sub-database", ErrIncompatible, key)
	}
	return tx.entryValue(ent)
}

// bDelete removes a single entry: the pair (key, val) when val is non-nil
// in duplicate mode, the first (or only) entry under key otherwise.
func (tx *Txn) bDelete(t *tree, key, val []byte, allowSubDB bool) error {
	if len(key) == 0 {
		return ErrKeyRequired
	}
	if t.rec.root == 0 {
		return ErrNotFound
	}
	var (
		path  []frame
		exact bool
		err   error
	)
	if t.dup() && val == nil {
		path, exact, err = tx.seekFirstPair(t, key)
	} else {
		path, exact, err = tx.seekPath(t, key, val)
	}
	if err != nil {
		return err
	}
	if !exact {
		return ErrNotFound
	}
	lf := path[len(path)-1]
	p, err := tx.page(lf.pgno)
	if err != nil {
		return err
	}
	entries := decodeLeaf(p)
	ent := entries[lf.idx]
	if ent.Flags == page.EntrySubDB && !allowSubDB {
		return fmt.Errorf("%w: key %q names a sub-database, use DropDB", ErrIncompatible, key)
	}
	if ent.Flags == page.EntryOverflow {
		if err := tx.freeOverflowChain(page.OverflowHead(ent.Payload)); err != nil {
			return err
		}
	}

	entries = append(entries[:lf.idx], entries[lf.idx+1:]...)
	if err := tx.propagate(t, path, entries, true); err != nil {
		return err
	}
	t.rec.entries--
	t.bump()
	return nil
}

// bDeleteAll removes every entry stored under key: one in unique mode,
// every duplicate pair in duplicate mode.
func (tx *Txn) bDeleteAll(t *tree, key []byte) error {
	if !t.dup() {
		return tx.bDelete(t, key, nil, false)
	}
	deleted := 0
	for {
		switch err := tx.bDelete(t, key, nil, false); {
		case err == nil:
			deleted++
		case errors.Is(err, ErrNotFound):
			if deleted == 0 {
				return ErrNotFound
			}
			return nil
		default:
			return err
		}
	}
}

// -----------------------------------------------------------------------------
// Overflow chains
// -----------------------------------------------------------------------------

// writeOverflowChain spills val into a chain of overflow pages and returns
// the head page number.
func (tx *Txn) writeOverflowChain(val []byte) (uint64, error) {
	capacity := page.OverflowCapacity(tx.env.pageSize)
	n := (len(val) + capacity - 1) / capacity
	if n == 0 {
		n = 1
	}

	pgnos := make([]uint64, n)
	bufs := make([]page.Page, n)
	for i := 0; i < n; i++ {
		pgno, buf, err := tx.allocPage()
		if err != nil {
			return 0, err
		}
		pgnos[i], bufs[i] = pgno, buf
	}

	rest := val
	for i := 0; i < n; i++ {
		chunk := rest
		if len(chunk) > capacity {
			chunk = chunk[:capacity]
		}
		rest = rest[len(chunk):]
		next := uint64(0)
		if i+1 < n {
			next = pgnos[i+1]
		}
		bufs[i].WriteOverflow(pgnos[i], chunk, next)
	}
	return pgnos[0], nil
}

// freeOverflowChain releases every page of the chain starting at head.
func (tx *Txn) freeOverflowChain(head uint64) error {
	for pgno := head; pgno != 0; {
		p, err := tx.page(pgno)
		if err != nil {
			return err
		}
		if !p.IsOverflow() {
			return fmt.Errorf("%w: page %d is %s, want overflow", ErrCorrupt, pgno, p.Flags())
		}
		next := p.Next()
		tx.freePage(pgno)
		pgno = next
	}
	return nil
}

// entryValue materializes the value of a leaf entry. Sub-database entries
// yield nil.
func (tx *Txn) entryValue(ent page.LeafEntry) ([]byte, error) {
	switch ent.Flags {
	case page.EntryOverflow:
		return tx.readOverflow(page.OverflowHead(ent.Payload), int(ent.Vsize))
	case page.EntrySubDB:
		return nil, nil
	default:
		return ent.Payload, nil
	}
}

// readOverflow concatenates an overflow chain into a value of the expected
// size. A single-page chain returns a view rather than a copy.
func (tx *Txn) readOverflow(head uint64, vsize int) ([]byte, error) {
	first, err := tx.page(head)
	if err != nil {
		return nil, err
	}
	if !first.IsOverflow() {
		return nil, fmt.Errorf("%w: page %d is %s, want overflow", ErrCorrupt, head, first.Flags())
	}
	if first.Next() == 0 {
		if first.DataLen() != vsize {
			return nil, fmt.Errorf("%w: overflow chain holds %d bytes, entry expects %d",
				ErrCorrupt, first.DataLen(), vsize)
		}
		return first.OverflowData(), nil
	}

	out := make([]byte, 0, vsize)
	for pgno := head; pgno != 0; {
		p, err := tx.page(pgno)
		if err != nil {
			return nil, err
		}
		if !p.IsOverflow() {
			return nil, fmt.Errorf("%w: page %d is %s, want overflow", ErrCorrupt, pgno, p.Flags())
		}
		out = append(out, p.OverflowData()...)
		pgno = p.Next()
	}
	if len(out) != vsize {
		return nil, fmt.Errorf("%w: overflow chain holds %d bytes, entry expects %d", ErrCorrupt, len(out), vsize)
	}
	return out, nil
}
