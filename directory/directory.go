// Package directory abstracts the replicated attribute store shared by all
// server instances. Serial ranges are minted from a global cursor entry held
// here, and range claims are recorded here for auditing and conflict
// detection. The store is multi-master replicated: writes can race, reads can
// be stale, and the only atomicity on offer is a best-effort compare-and-swap
// expressed as a paired delete+add modification.
package directory

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested entry does not exist.
	ErrNotFound = errors.New("directory entry not found")
	// ErrUnavailable is returned when the store cannot be reached or a
	// request timed out. Callers treat this as transient.
	ErrUnavailable = errors.New("directory unavailable")
)

// Record is a DN-keyed entry with multi-valued attributes.
type Record struct {
	DN         string
	Attributes map[string][]string

	// ConflictMarked is set by the store when its replication layer
	// detected that two writers produced incompatible versions of this
	// entry. How the mark is derived is store-specific; consumers treat
	// it as an opaque symptom.
	ConflictMarked bool

	CreatedAt time.Time
}

// First returns the first value of the named attribute, or "".
func (r *Record) First(attr string) string {
	if r == nil {
		return ""
	}
	vals := r.Attributes[attr]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Attr is a single attribute name/value pair used in modifications.
type Attr struct {
	Name  string
	Value string
}

// Filter selects entries in a Search. A zero Attr matches every entry under
// the base. MatchConflicts restricts results to entries the store has marked
// as replication conflicts.
type Filter struct {
	Attr           string
	Value          string
	MatchConflicts bool
}

// Matches reports whether rec satisfies the filter.
func (f Filter) Matches(rec *Record) bool {
	if f.MatchConflicts && !rec.ConflictMarked {
		return false
	}
	if f.Attr == "" {
		return true
	}
	for _, v := range rec.Attributes[f.Attr] {
		if v == f.Value {
			return true
		}
	}
	return false
}

// ModifyResult is the outcome of a compare-and-swap Modify.
type ModifyResult int

const (
	// ModifyApplied means the old value matched and the swap landed.
	ModifyApplied ModifyResult = iota
	// ModifyConflict means the old value did not match: another writer
	// advanced the entry first.
	ModifyConflict
	// ModifyUnavailable means the store could not be reached; nothing is
	// known about the entry's state.
	ModifyUnavailable
)

// String implements fmt.Stringer for log output.
func (m ModifyResult) String() string {
	switch m {
	case ModifyApplied:
		return "applied"
	case ModifyConflict:
		return "conflict"
	case ModifyUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Store is the directory facade. Implementations provide at-least-once
// semantics; replication lag means a successful write may not be visible to
// an immediately following read on another instance.
type Store interface {
	// Read returns the entry at dn, or ErrNotFound / ErrUnavailable.
	Read(ctx context.Context, dn string) (*Record, error)

	// Search returns the entry at base, if one exists, and every entry
	// beneath it, restricted to those matching the filter.
	Search(ctx context.Context, base string, filter Filter) ([]*Record, error)

	// Modify atomically deletes del and adds add on the entry at dn, as a
	// single request. The delete names the exact old value, which is what
	// makes this a best-effort compare-and-swap: a racing writer that
	// already replaced the value causes ModifyConflict. The error is
	// non-nil only alongside ModifyUnavailable.
	Modify(ctx context.Context, dn string, del, add Attr) (ModifyResult, error)

	// Add creates the entry at dn. Adding over an existing entry is not an
	// error under multi-master replication; the store records the
	// collision by conflict-marking the survivors.
	Add(ctx context.Context, dn string, rec *Record) error

	// Delete removes the entry at dn. Deleting a missing entry returns
	// ErrNotFound.
	Delete(ctx context.Context, dn string) error
}
