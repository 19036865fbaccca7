package allocator

import (
	"fmt"
	"math/big"
)

// Range is a contiguous, exclusively-owned interval of serial numbers
// [Min, Max], both inclusive.
type Range struct {
	Min *big.Int
	Max *big.Int
}

// NewRange returns a Range over copies of min and max.
func NewRange(min, max *big.Int) Range {
	return Range{Min: new(big.Int).Set(min), Max: new(big.Int).Set(max)}
}

// Len returns the number of serials in the range.
func (r Range) Len() *big.Int {
	n := new(big.Int).Sub(r.Max, r.Min)
	return n.Add(n, big.NewInt(1))
}

// Contains reports whether n lies within the range.
func (r Range) Contains(n *big.Int) bool {
	return r.Min.Cmp(n) <= 0 && n.Cmp(r.Max) <= 0
}

// String renders the range in base-10 for logs.
func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", r.Min, r.Max)
}

func (r Range) clone() Range {
	if r.Min == nil || r.Max == nil {
		return Range{}
	}
	return NewRange(r.Min, r.Max)
}
