package quarry

// options.go implements environment configuration options.

import (
	"fmt"

	"github.com/quarrydb/quarry/internal/logging"
	"github.com/quarrydb/quarry/internal/page"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// DefaultMaxSize is the default maximum database size.
const DefaultMaxSize = 1 << 30 // 1 GiB

// Options configures an environment. The zero value is not usable; start
// from DefaultOptions.
type Options struct {
	// PageSize is the page size used when creating a new database file.
	// Must be a power of two in [512, 65536]. Ignored when opening an
	// existing file, whose recorded page size always wins.
	PageSize int

	// MaxSize is the maximum size the database file may grow to, in bytes.
	// It also sizes the memory map, so page references stay valid for the
	// life of the environment without remapping. Allocation beyond this
	// limit fails with ErrMapFull.
	MaxSize int64

	// MaxInlineValue is the largest value stored directly on a leaf page.
	// Longer values spill into a chain of overflow pages. Zero selects
	// pageSize/4. Values in duplicate mode must always fit inline.
	MaxInlineValue int

	// DupSort opens the default database in duplicate-key mode: equal keys
	// are permitted and ordered by value. Only honored when the file is
	// created; an existing file's mode wins.
	DupSort bool

	// ReadOnly opens the environment for reading only. Write transactions
	// fail with ErrReadOnly.
	ReadOnly bool

	// NoSync skips fsync during commit. A crash can then lose recent
	// transactions, though the double meta slot still prevents corruption
	// as long as the filesystem preserves write order.
	NoSync bool

	// Comparator orders keys. Defaults to BytewiseComparator. The same
	// ordering must be supplied every time the file is opened.
	Comparator Comparator

	// DupComparator orders values among duplicates of one key in duplicate
	// mode. Defaults to BytewiseComparator.
	DupComparator Comparator

	// Logger receives engine diagnostics. Defaults to a silent logger.
	Logger Logger
}

// DefaultOptions returns the recommended configuration.
func DefaultOptions() *Options {
	return &Options{
		PageSize: page.DefaultSize,
		MaxSize:  DefaultMaxSize,
	}
}

// withDefaults returns a validated copy of o with unset fields filled in.
func (o *Options) withDefaults() (Options, error) {
	v := *o
	if v.PageSize == 0 {
		v.PageSize = page.DefaultSize
	}
	if v.PageSize < page.MinSize || v.PageSize > page.MaxSize || v.PageSize&(v.PageSize-1) != 0 {
		return v, fmt.Errorf("quarry: invalid page size %d: must be a power of two in [%d, %d]",
			v.PageSize, page.MinSize, page.MaxSize)
	}
	if v.MaxSize == 0 {
		v.MaxSize = DefaultMaxSize
	}
	if v.MaxSize < int64(v.PageSize)*int64(page.MetaSlots+2) {
		return v, fmt.Errorf("quarry: max size %d too small for page size %d", v.MaxSize, v.PageSize)
	}
	if v.MaxInlineValue == 0 {
		v.MaxInlineValue = v.PageSize / 4
	}
	if max := maxInlineBound(v.PageSize); v.MaxInlineValue > max {
		return v, fmt.Errorf("quarry: max inline value %d exceeds limit %d for page size %d",
			v.MaxInlineValue, max, v.PageSize)
	}
	if v.Comparator == nil {
		v.Comparator = BytewiseComparator{}
	}
	if v.DupComparator == nil {
		v.DupComparator = BytewiseComparator{}
	}
	if logging.IsNil(v.Logger) {
		v.Logger = logging.Discard
	}
	return v, nil
}

// maxKeySize returns the largest key the given page size supports. The bound
// keeps the branching factor at four or more even with worst-case keys.
func maxKeySize(pageSize int) int {
	return (pageSize - page.HeaderSize) / 8
}

// maxInlineBound returns the largest permissible inline-value threshold for
// the given page size: a page must hold at least two worst-case entries.
func maxInlineBound(pageSize int) int {
	return (pageSize-page.HeaderSize)/2 - page.LeafElemSize - maxKeySize(pageSize)
}
