// Package memory provides a thread-safe in-memory implementation of
// directory.Store. Suitable for tests, demos, and single-instance
// deployments. It can simulate the failure modes of a replicated store:
// forced unavailability, lost compare-and-swap races, and replication
// conflict marks left by colliding adds.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/seriatim/directory"
)

// Op records one mutating call, for assertions on request shape.
type Op struct {
	Kind string // "modify", "add", "delete"
	DN   string
	Del  directory.Attr
	Add  directory.Attr
}

// Store is a thread-safe in-memory implementation of directory.Store.
type Store struct {
	mu          sync.RWMutex
	entries     map[string]*directory.Record
	unavailable bool
	ops         []Op
}

var _ directory.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*directory.Record)}
}

func cloneRecord(rec *directory.Record) *directory.Record {
	if rec == nil {
		return nil
	}
	attrs := make(map[string][]string, len(rec.Attributes))
	for k, v := range rec.Attributes {
		attrs[k] = append([]string(nil), v...)
	}
	return &directory.Record{
		DN:             rec.DN,
		Attributes:     attrs,
		ConflictMarked: rec.ConflictMarked,
		CreatedAt:      rec.CreatedAt,
	}
}

// SetUnavailable makes every subsequent call fail with ErrUnavailable until
// called again with false.
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// MarkConflict flags the entry at dn as a replication conflict, simulating
// the store's replication layer detecting colliding writes.
func (s *Store) MarkConflict(dn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.entries[dn]; ok {
		rec.ConflictMarked = true
	}
}

// Ops returns the mutating calls observed so far.
func (s *Store) Ops() []Op {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Op(nil), s.ops...)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Read(_ context.Context, dn string) (*directory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return nil, directory.ErrUnavailable
	}
	rec, ok := s.entries[dn]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *Store) Search(_ context.Context, base string, filter directory.Filter) ([]*directory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return nil, directory.ErrUnavailable
	}
	var out []*directory.Record
	for dn, rec := range s.entries {
		if !underBase(dn, base) {
			continue
		}
		if filter.Matches(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DN < out[j].DN })
	return out, nil
}

// underBase reports whether dn sits at or below base.
func underBase(dn, base string) bool {
	return dn == base || strings.HasSuffix(dn, ","+base)
}

func (s *Store) Modify(_ context.Context, dn string, del, add directory.Attr) (directory.ModifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return directory.ModifyUnavailable, directory.ErrUnavailable
	}
	s.ops = append(s.ops, Op{Kind: "modify", DN: dn, Del: del, Add: add})

	rec, ok := s.entries[dn]
	if !ok {
		return directory.ModifyUnavailable, directory.ErrNotFound
	}
	vals := rec.Attributes[del.Name]
	idx := -1
	for i, v := range vals {
		if v == del.Value {
			idx = i
			break
		}
	}
	if idx < 0 {
		return directory.ModifyConflict, nil
	}
	vals = append(vals[:idx], vals[idx+1:]...)
	rec.Attributes[del.Name] = vals
	rec.Attributes[add.Name] = append(rec.Attributes[add.Name], add.Value)
	return directory.ModifyApplied, nil
}

func (s *Store) Add(_ context.Context, dn string, rec *directory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return directory.ErrUnavailable
	}
	s.ops = append(s.ops, Op{Kind: "add", DN: dn})

	stored := cloneRecord(rec)
	stored.DN = dn
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if existing, ok := s.entries[dn]; ok {
		// Multi-master replication lets both adds land; the store flags
		// the collision instead of rejecting it.
		existing.ConflictMarked = true
		stored.ConflictMarked = true
	}
	s.entries[dn] = stored
	return nil
}

func (s *Store) Delete(_ context.Context, dn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return directory.ErrUnavailable
	}
	s.ops = append(s.ops, Op{Kind: "delete", DN: dn})
	if _, ok := s.entries[dn]; !ok {
		return directory.ErrNotFound
	}
	delete(s.entries, dn)
	return nil
}
