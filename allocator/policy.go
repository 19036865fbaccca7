package allocator

import (
	crand "crypto/rand"
	"math/big"
)

// Policy decides how serials are drawn from the active range and when the
// range counts as spent. Implementations are not safe for concurrent use;
// the Repository serializes access under its mutex.
type Policy interface {
	// Activate points the policy at a newly active range and resets its
	// cursor state.
	Activate(r Range)
	// Observe records a serial that was already issued from the active
	// range, e.g. found in the directory during startup reconciliation.
	Observe(serial *big.Int)
	// Draw consumes and returns the next serial, or errRangeSpent.
	Draw() (*big.Int, error)
	// Peek returns the serial the next Draw would yield, without consuming
	// it. Policies whose draws are unpredictable return errRangeSpent.
	Peek() (*big.Int, error)
	// Last returns the highest serial handed out from the active range, or
	// nil if none has been.
	Last() *big.Int
	// Remaining returns how many serials the active range can still yield.
	Remaining() *big.Int
	// SwitchDue reports whether the active range should be abandoned for a
	// reserved one even though Draw would still succeed.
	SwitchDue(lowWaterMark *big.Int) bool
}

var one = big.NewInt(1)

// sequentialPolicy draws serials in strictly ascending order.
type sequentialPolicy struct {
	rng  Range
	last *big.Int // highest issued, nil until the first draw
}

var _ Policy = (*sequentialPolicy)(nil)

func newSequentialPolicy() *sequentialPolicy {
	return &sequentialPolicy{}
}

func (p *sequentialPolicy) Activate(r Range) {
	p.rng = r.clone()
	p.last = nil
}

func (p *sequentialPolicy) Observe(serial *big.Int) {
	if !p.rng.Contains(serial) {
		return
	}
	if p.last == nil || serial.Cmp(p.last) > 0 {
		p.last = new(big.Int).Set(serial)
	}
}

func (p *sequentialPolicy) next() *big.Int {
	if p.last == nil {
		return new(big.Int).Set(p.rng.Min)
	}
	return new(big.Int).Add(p.last, one)
}

func (p *sequentialPolicy) Draw() (*big.Int, error) {
	n := p.next()
	if n.Cmp(p.rng.Max) > 0 {
		return nil, errRangeSpent
	}
	p.last = n
	return new(big.Int).Set(n), nil
}

func (p *sequentialPolicy) Peek() (*big.Int, error) {
	n := p.next()
	if n.Cmp(p.rng.Max) > 0 {
		return nil, errRangeSpent
	}
	return n, nil
}

func (p *sequentialPolicy) Last() *big.Int {
	if p.last == nil {
		return nil
	}
	return new(big.Int).Set(p.last)
}

func (p *sequentialPolicy) Remaining() *big.Int {
	if p.rng.Max == nil {
		return new(big.Int)
	}
	if p.last == nil {
		return p.rng.Len()
	}
	return new(big.Int).Sub(p.rng.Max, p.last)
}

func (p *sequentialPolicy) SwitchDue(*big.Int) bool {
	// Sequential ranges are drained to the last number; the switch happens
	// when Draw reports the range spent.
	return false
}

// randomPolicy draws serials from pseudo-random unused offsets within the
// active range, so issued certificate serials are unpredictable. Gaps cannot
// be reused deterministically, so the range is abandoned early: once the
// issued count reaches rangeLength - lowWaterMark/2 the policy asks for a
// switch, and it hard-stops only when every offset is consumed.
type randomPolicy struct {
	rng    Range
	length *big.Int
	issued *big.Int
	used   map[string]struct{}
	high   *big.Int // highest issued, for backward-range checks
}

var _ Policy = (*randomPolicy)(nil)

func newRandomPolicy() *randomPolicy {
	return &randomPolicy{length: new(big.Int), issued: new(big.Int)}
}

func (p *randomPolicy) Activate(r Range) {
	p.rng = r.clone()
	p.length = r.Len()
	p.issued = new(big.Int)
	p.used = make(map[string]struct{})
	p.high = nil
}

func (p *randomPolicy) Observe(serial *big.Int) {
	if !p.rng.Contains(serial) {
		return
	}
	key := serial.String()
	if _, ok := p.used[key]; ok {
		return
	}
	p.used[key] = struct{}{}
	p.issued.Add(p.issued, one)
	if p.high == nil || serial.Cmp(p.high) > 0 {
		p.high = new(big.Int).Set(serial)
	}
}

const randomDrawAttempts = 25

func (p *randomPolicy) Draw() (*big.Int, error) {
	if p.issued.Cmp(p.length) >= 0 {
		return nil, errRangeSpent
	}
	off, err := p.randomFreeOffset()
	if err != nil {
		return nil, err
	}
	serial := new(big.Int).Add(p.rng.Min, off)
	p.used[serial.String()] = struct{}{}
	p.issued.Add(p.issued, one)
	if p.high == nil || serial.Cmp(p.high) > 0 {
		p.high = new(big.Int).Set(serial)
	}
	return serial, nil
}

// randomFreeOffset picks an unused offset in [0, length). A bounded number of
// random probes handles the common case of a sparse range; when the range is
// nearly full the probe point is walked forward (wrapping) until a free
// offset is found, which must terminate because issued < length.
func (p *randomPolicy) randomFreeOffset() (*big.Int, error) {
	var off *big.Int
	for i := 0; i < randomDrawAttempts; i++ {
		n, err := crand.Int(crand.Reader, p.length)
		if err != nil {
			return nil, err
		}
		off = n
		serial := new(big.Int).Add(p.rng.Min, off)
		if _, taken := p.used[serial.String()]; !taken {
			return off, nil
		}
	}
	for {
		off.Add(off, one)
		if off.Cmp(p.length) >= 0 {
			off.SetInt64(0)
		}
		serial := new(big.Int).Add(p.rng.Min, off)
		if _, taken := p.used[serial.String()]; !taken {
			return off, nil
		}
	}
}

func (p *randomPolicy) Peek() (*big.Int, error) {
	// The next random draw cannot be predicted ahead of time.
	return nil, errRangeSpent
}

func (p *randomPolicy) Last() *big.Int {
	if p.high == nil {
		return nil
	}
	return new(big.Int).Set(p.high)
}

func (p *randomPolicy) Remaining() *big.Int {
	return new(big.Int).Sub(p.length, p.issued)
}

func (p *randomPolicy) SwitchDue(lowWaterMark *big.Int) bool {
	if p.length.Sign() == 0 {
		return false
	}
	threshold := new(big.Int).Sub(p.length, new(big.Int).Rsh(lowWaterMark, 1))
	return p.issued.Cmp(threshold) >= 0
}
