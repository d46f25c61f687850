package quarry

// stat.go implements tree statistics for monitoring and the inspection CLI.

import (
	"fmt"

	"github.com/quarrydb/quarry/internal/page"
)

// Stat summarizes one database's tree.
type Stat struct {
	PageSize      int    // environment page size in bytes
	Depth         int    // tree height; 0 for an empty database
	BranchPages   uint64 // interior pages
	LeafPages     uint64 // leaf pages
	OverflowPages uint64 // pages holding spilled values
	Entries       uint64 // stored key/value pairs
}

// statTree walks every page reachable from t's root and counts it.
func (tx *Txn) statTree(t *tree) (*Stat, error) {
	s := &Stat{
		PageSize: tx.env.pageSize,
		Depth:    int(t.rec.depth),
		Entries:  t.rec.entries,
	}
	if t.rec.root == 0 {
		return s, nil
	}

	stack := []uint64{t.rec.root}
	for len(stack) > 0 {
		pgno := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p, err := tx.page(pgno)
		if err != nil {
			return nil, err
		}
		switch {
		case p.IsBranch():
			s.BranchPages++
			for i := 0; i < p.Count(); i++ {
				stack = append(stack, p.BranchChild(i))
			}
		case p.IsLeaf():
			s.LeafPages++
			for i := 0; i < p.Count(); i++ {
				ent := p.LeafElem(i)
				if ent.Flags == page.EntryOverflow {
					n, err := tx.countOverflow(page.OverflowHead(ent.Payload))
					if err != nil {
						return nil, err
					}
					s.OverflowPages += n
				}
			}
		default:
			return nil, fmt.Errorf("%w: page %d is %s, want branch or leaf", ErrCorrupt, pgno, p.Flags())
		}
	}
	return s, nil
}

// PageKind classifies a page's role in a committed snapshot.
type PageKind uint8

const (
	PageFree     PageKind = iota // allocated but unreferenced in this snapshot
	PageMeta                     // one of the two meta slots
	PageFreelist                 // free-list chain page
	PageBranch                   // interior tree page
	PageLeaf                     // leaf tree page
	PageOverflow                 // spilled value chain page
)

func (k PageKind) String() string {
	switch k {
	case PageFree:
		return "free"
	case PageMeta:
		return "meta"
	case PageFreelist:
		return "freelist"
	case PageBranch:
		return "branch"
	case PageLeaf:
		return "leaf"
	case PageOverflow:
		return "overflow"
	}
	return "unknown"
}

// PageMap classifies every page of the transaction's snapshot, indexed by
// page number. Pages referenced by nothing in the snapshot report PageFree.
func (tx *Txn) PageMap() ([]PageKind, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	kinds := make([]PageKind, tx.meta.LastPgno)
	for i := uint64(0); i < page.MetaSlots; i++ {
		kinds[i] = PageMeta
	}
	for pgno := tx.meta.Freelist; pgno != 0; {
		p, err := tx.page(pgno)
		if err != nil {
			return nil, err
		}
		if !p.IsFreelist() {
			return nil, fmt.Errorf("%w: page %d is %s, want freelist", ErrCorrupt, pgno, p.Flags())
		}
		kinds[pgno] = PageFreelist
		pgno = p.Next()
	}
	if err := tx.mapTree(kinds, tx.main.rec.root); err != nil {
		return nil, err
	}
	return kinds, nil
}

// mapTree marks every page reachable from root, descending into
// sub-database records found in leaf entries.
func (tx *Txn) mapTree(kinds []PageKind, root uint64) error {
	if root == 0 {
		return nil
	}
	stack := []uint64{root}
	for len(stack) > 0 {
		pgno := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p, err := tx.page(pgno)
		if err != nil {
			return err
		}
		switch {
		case p.IsBranch():
			kinds[pgno] = PageBranch
			for i := 0; i < p.Count(); i++ {
				stack = append(stack, p.BranchChild(i))
			}
		case p.IsLeaf():
			kinds[pgno] = PageLeaf
			for i := 0; i < p.Count(); i++ {
				ent := p.LeafElem(i)
				switch ent.Flags {
				case page.EntryOverflow:
					if err := tx.mapOverflow(kinds, page.OverflowHead(ent.Payload)); err != nil {
						return err
					}
				case page.EntrySubDB:
					rec, err := decodeTreeRecord(ent.Payload)
					if err != nil {
						return err
					}
					if err := tx.mapTree(kinds, rec.root); err != nil {
						return err
					}
				}
			}
		default:
			return fmt.Errorf("%w: page %d is %s, want branch or leaf", ErrCorrupt, pgno, p.Flags())
		}
	}
	return nil
}

func (tx *Txn) mapOverflow(kinds []PageKind, head uint64) error {
	for pgno := head; pgno != 0; {
		p, err := tx.page(pgno)
		if err != nil {
			return err
		}
		if !p.IsOverflow() {
			return fmt.Errorf("%w: page %d is %s, want overflow", ErrCorrupt, pgno, p.Flags())
		}
		kinds[pgno] = PageOverflow
		pgno = p.Next()
	}
	return nil
}

func (tx *Txn) countOverflow(head uint64) (uint64, error) {
	var n uint64
	for pgno := head; pgno != 0; {
		p, err := tx.page(pgno)
		if err != nil {
			return 0, err
		}
		if !p.IsOverflow() {
			return 0, fmt.Errorf("%w: page %d is %s, want overflow", ErrCorrupt, pgno, p.Flags())
		}
		n++
		pgno = p.Next()
	}
	return n, nil
}
