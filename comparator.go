package quarry

// comparator.go implements key comparison.
//
// Comparator defines the total ordering over keys in a tree. The default is
// bytewise comparison. Custom comparators enable application-specific key
// ordering; the comparator is not persisted, so every open of the same file
// must supply the same ordering.

import "bytes"

// Comparator defines a total ordering over keys.
type Comparator interface {
	// Compare returns a value < 0 if a < b, 0 if a == b, > 0 if a > b.
	Compare(a, b []byte) int

	// Name returns the name of the comparator.
	Name() string
}

// BytewiseComparator is the default comparator that compares keys
// lexicographically.
type BytewiseComparator struct{}

// Compare compares two keys lexicographically.
func (c BytewiseComparator) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Name returns the comparator name.
func (c BytewiseComparator) Name() string {
	return "quarry.BytewiseComparator"
}
