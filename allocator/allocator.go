// Package allocator implements the serial-number repository: the component
// that hands out globally unique, monotonically trending numbers to server
// instances sharing one eventually-consistent replicated directory.
//
// Each instance draws numbers from a range it has exclusively claimed, so
// the hot path never touches the shared store. A maintenance pass
// (CheckRanges) watches remaining capacity and, below the low water mark,
// claims the next range from a global cursor in the directory and heals any
// replication conflicts the claim may have raced into. Cross-instance
// uniqueness comes from range disjointness, not from locks.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/jmcleod/seriatim/directory"
	"github.com/jmcleod/seriatim/rangeconfig"
)

// Directory attribute names used for cursor, claim, and number records.
const (
	attrNextRange  = "nextRange"
	attrBeginRange = "beginRange"
	attrEndRange   = "endRange"
	attrHost       = "host"
	attrPort       = "port"
	attrClaimedAt  = "claimedAt"
	attrClaimID    = "claimID"

	// AttrSerialNumber is the attribute consumers store on issued-number
	// records; startup reconciliation scans for it.
	AttrSerialNumber = "serialNumber"
)

// Repository allocates numbers for one number space (certificates, requests,
// replica IDs). It owns an in-memory cursor over the currently active range,
// an optionally reserved next range, and the renewal and healing logic.
// All methods are safe for concurrent use.
type Repository struct {
	name  string
	radix int

	dir directory.Store
	cfg rangeconfig.Store

	logger *zap.Logger
	host   string
	port   string

	recordsDN string
	rangeDN   string

	detectConflict ConflictDetector
	random         bool

	mu           sync.Mutex
	policy       Policy
	current      Range
	next         *Range
	increment    *big.Int
	lowWaterMark *big.Int
	enabled      bool
	initialized  bool
	claiming     bool
}

// Status is a point-in-time snapshot of a repository, for diagnostics.
type Status struct {
	Name             string `json:"name"`
	Radix            int    `json:"radix"`
	Current          Range  `json:"-"`
	CurrentMin       string `json:"current_min"`
	CurrentMax       string `json:"current_max"`
	NextMin          string `json:"next_min,omitempty"`
	NextMax          string `json:"next_max,omitempty"`
	LastIssued       string `json:"last_issued,omitempty"`
	Remaining        string `json:"remaining"`
	Enabled          bool   `json:"serial_management_enabled"`
	RandomAllocation bool   `json:"random_allocation"`
}

func newRepository(name string, radix int, dir directory.Store, cfg rangeconfig.Store, opts ...Option) *Repository {
	r := &Repository{
		name:    name,
		radix:   radix,
		dir:     dir,
		cfg:     cfg,
		logger:  zap.NewNop(),
		host:    "localhost",
		port:    "8443",
		policy:  newSequentialPolicy(),
		enabled: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.detectConflict == nil {
		r.detectConflict = StoreMarkedConflict
	}
	r.logger = r.logger.With(zap.String("space", name))
	return r
}

// Name returns the number space name.
func (r *Repository) Name() string { return r.name }

// Radix returns the base used to render numbers as text.
func (r *Repository) Radix() int { return r.radix }

// Format renders a serial in the repository's radix.
func (r *Repository) Format(n *big.Int) string { return n.Text(r.radix) }

// Parse reads a serial in the repository's radix.
func (r *Repository) Parse(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, r.radix)
	if !ok {
		return nil, fmt.Errorf("invalid base-%d serial %q", r.radix, s)
	}
	return n, nil
}

// Initialize loads persisted range state, reconciles the cursor against the
// numbers actually present in the directory, and arms the repository. It
// must be called once at startup, before Next. A crash between issuing a
// number and persisting state means the configuration can trail reality;
// scanning the records subtree closes that gap.
func (r *Repository) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	if err := r.loadConfigLocked(); err != nil {
		return err
	}
	if r.current.Min == nil || r.current.Max == nil {
		return fmt.Errorf("%s: no serial range configured", r.name)
	}

	r.policy.Activate(r.current)
	r.reconcileLocked(ctx)

	r.initialized = true
	r.persistLocked()
	r.logger.Info("serial repository initialized",
		zap.String("current", r.current.String()),
		zap.Bool("serialManagement", r.enabled),
		zap.Bool("randomAllocation", r.random))
	return nil
}

// reconcileLocked replays issued-number records found in the directory into
// the policy cursor, so a restart never reissues a number that made it to
// the store before the crash.
func (r *Repository) reconcileLocked(ctx context.Context) {
	if r.recordsDN == "" {
		return
	}
	recs, err := r.dir.Search(ctx, r.recordsDN, directory.Filter{Attr: "", Value: ""})
	if err != nil {
		// Fail open: the persisted range is still a safe floor.
		r.logger.Warn("startup reconciliation skipped, directory unavailable", zap.Error(err))
		return
	}
	seen := 0
	for _, rec := range recs {
		raw := rec.First(AttrSerialNumber)
		if raw == "" {
			continue
		}
		serial, ok := new(big.Int).SetString(raw, r.radix)
		if !ok {
			continue
		}
		r.policy.Observe(serial)
		seen++
	}
	if seen > 0 {
		r.logger.Info("reconciled cursor against issued records",
			zap.Int("records", seen),
			zap.String("lastIssued", r.formatOrEmpty(r.policy.Last())))
	}
}

func (r *Repository) formatOrEmpty(n *big.Int) string {
	if n == nil {
		return ""
	}
	return n.Text(r.radix)
}

// Next returns the next serial number. The hot path: it never performs
// remote I/O, only advancing the in-memory cursor and, at a range switch,
// persisting local configuration.
func (r *Repository) Next() (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil, ErrNotInitialized
	}

	serial, err := r.policy.Draw()
	if errors.Is(err, errRangeSpent) {
		if err := r.switchRangeLocked(); err != nil {
			return nil, err
		}
		serial, err = r.policy.Draw()
	}
	if errors.Is(err, errRangeSpent) {
		return nil, fmt.Errorf("%s: %w", r.name, ErrExhausted)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: drawing serial: %w", r.name, err)
	}

	// Random allocation abandons a nearly-spent range early when a reserve
	// is standing by, since its gaps cannot be reclaimed.
	if r.next != nil && r.policy.SwitchDue(r.lowWaterMark) {
		if err := r.switchRangeLocked(); err != nil {
			return nil, err
		}
	}
	return serial, nil
}

// PeekNext returns the serial the next call to Next would hand out, without
// consuming it, or the start of the reserved range if the current one is
// spent. ErrNotAvailable if neither exists.
func (r *Repository) PeekNext() (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	if n, err := r.policy.Peek(); err == nil {
		return n, nil
	}
	if r.next != nil {
		return new(big.Int).Set(r.next.Min), nil
	}
	return nil, ErrNotAvailable
}

// switchRangeLocked activates the reserved range. The switch is persisted
// before the new range is relied upon; a persistence failure degrades to
// logging because the in-memory state is authoritative until restart.
func (r *Repository) switchRangeLocked() error {
	if !r.enabled {
		return fmt.Errorf("%s: serial management disabled: %w", r.name, ErrExhausted)
	}
	if r.next == nil {
		return fmt.Errorf("%s: no reserved range: %w", r.name, ErrExhausted)
	}
	r.current = r.next.clone()
	r.next = nil
	r.policy.Activate(r.current)
	r.persistLocked()
	r.logger.Info("switched to reserved serial range", zap.String("current", r.current.String()))
	return nil
}

// CheckRanges is the maintenance entry point, invoked periodically by a
// scheduler. Below the low water mark it claims the next range from the
// shared directory and reconciles replication conflicts. Idempotent and safe
// to call redundantly; transient store failures are logged and retried on
// the next cycle, never surfaced to Next callers.
func (r *Repository) CheckRanges(ctx context.Context) error {
	r.mu.Lock()
	if !r.initialized || !r.enabled {
		r.mu.Unlock()
		return nil
	}
	low := r.policy.Remaining().Cmp(r.lowWaterMark) < 0
	claim := low && r.next == nil && !r.claiming
	if claim {
		r.claiming = true
	}
	reserved := r.next
	r.mu.Unlock()

	if claim {
		// Network I/O happens outside the repository mutex so issuance
		// threads never block on the directory.
		rng, err := r.claimNextRange(ctx)
		r.mu.Lock()
		r.claiming = false
		if err != nil {
			r.logger.Warn("range renewal unavailable, will retry next cycle", zap.Error(err))
		} else if rng != nil {
			r.next = rng
			r.persistLocked()
			r.logger.Info("reserved next serial range", zap.String("next", rng.String()))
		}
		reserved = r.next
		r.mu.Unlock()
	}

	if low && reserved != nil {
		healed := r.detectAndHealConflict(ctx, reserved.clone())
		if healed {
			r.mu.Lock()
			r.next = nil
			r.persistLocked()
			r.mu.Unlock()
			r.logger.Warn("discarded reserved range after replication conflict",
				zap.String("discarded", reserved.String()))
		}
	}
	return ctx.Err()
}

// SetRange administratively replaces the current range. Rejected if it would
// move the cursor backward past an already issued number.
func (r *Repository) SetRange(min, max *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if min == nil || max == nil || min.Cmp(max) > 0 {
		return fmt.Errorf("invalid range [%s, %s]", min, max)
	}
	last := r.policy.Last()
	if last != nil && max.Cmp(last) < 0 {
		return fmt.Errorf("%s: max %s below last issued %s: %w",
			r.name, max.Text(r.radix), last.Text(r.radix), ErrBackwardRange)
	}
	r.current = NewRange(min, max)
	r.policy.Activate(r.current)
	if last != nil {
		r.policy.Observe(last)
	}
	r.persistLocked()
	r.logger.Info("serial range set administratively", zap.String("current", r.current.String()))
	return nil
}

// SetSerialManagement enables or disables automatic range renewal.
func (r *Repository) SetSerialManagement(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
	r.persistLocked()
}

// SerialManagementEnabled reports whether automatic renewal is active.
func (r *Repository) SerialManagementEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Status returns a snapshot of the repository state.
func (r *Repository) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Name:             r.name,
		Radix:            r.radix,
		Current:          r.current.clone(),
		CurrentMin:       r.formatOrEmpty(r.current.Min),
		CurrentMax:       r.formatOrEmpty(r.current.Max),
		LastIssued:       r.formatOrEmpty(r.policy.Last()),
		Remaining:        r.policy.Remaining().String(),
		Enabled:          r.enabled,
		RandomAllocation: r.random,
	}
	if r.next != nil {
		st.NextMin = r.formatOrEmpty(r.next.Min)
		st.NextMax = r.formatOrEmpty(r.next.Max)
	}
	return st
}

// Configuration keys, one set per number space.
const (
	keyMinSerial     = "minSerial"
	keyMaxSerial     = "maxSerial"
	keyNextMinSerial = "nextMinSerial"
	keyNextMaxSerial = "nextMaxSerial"
	keyLowWaterMark  = "lowWaterMark"
	keyIncrement     = "increment"
	keyEnabled       = "enableSerialManagement"
)

func (r *Repository) key(suffix string) string {
	return r.name + "." + suffix
}

func (r *Repository) loadConfigLocked() error {
	get := func(suffix string) (*big.Int, bool, error) {
		v, err := r.cfg.GetString(r.key(suffix))
		if errors.Is(err, rangeconfig.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if v == "" {
			return nil, false, nil
		}
		n, ok := new(big.Int).SetString(v, r.radix)
		if !ok {
			return nil, false, fmt.Errorf("config %s: invalid base-%d value %q", r.key(suffix), r.radix, v)
		}
		return n, true, nil
	}

	min, okMin, err := get(keyMinSerial)
	if err != nil {
		return err
	}
	max, okMax, err := get(keyMaxSerial)
	if err != nil {
		return err
	}
	if okMin && okMax {
		r.current = Range{Min: min, Max: max}
	}
	nextMin, okNMin, err := get(keyNextMinSerial)
	if err != nil {
		return err
	}
	nextMax, okNMax, err := get(keyNextMaxSerial)
	if err != nil {
		return err
	}
	if okNMin && okNMax {
		rng := Range{Min: nextMin, Max: nextMax}
		r.next = &rng
	}
	if n, ok, err := get(keyLowWaterMark); err != nil {
		return err
	} else if ok {
		r.lowWaterMark = n
	}
	if n, ok, err := get(keyIncrement); err != nil {
		return err
	} else if ok {
		r.increment = n
	}
	if v, err := r.cfg.GetString(r.key(keyEnabled)); err == nil {
		r.enabled = v == "true"
	} else if !errors.Is(err, rangeconfig.ErrNotFound) {
		return err
	}

	if r.lowWaterMark == nil {
		r.lowWaterMark = new(big.Int)
	}
	if r.increment == nil || r.increment.Sign() <= 0 {
		return fmt.Errorf("%s: no range increment configured", r.name)
	}
	return nil
}

// persistLocked writes range state through the configuration store. Failures
// are logged, not escalated: in-memory state stays authoritative until
// restart, at the documented risk of re-deriving a stale range.
func (r *Repository) persistLocked() {
	put := func(suffix, value string) error {
		return r.cfg.PutString(r.key(suffix), value)
	}
	err := put(keyMinSerial, r.current.Min.Text(r.radix))
	if err == nil {
		err = put(keyMaxSerial, r.current.Max.Text(r.radix))
	}
	if err == nil {
		if r.next != nil {
			err = put(keyNextMinSerial, r.next.Min.Text(r.radix))
			if err == nil {
				err = put(keyNextMaxSerial, r.next.Max.Text(r.radix))
			}
		} else {
			err = put(keyNextMinSerial, "")
			if err == nil {
				err = put(keyNextMaxSerial, "")
			}
		}
	}
	if err == nil {
		err = put(keyLowWaterMark, r.lowWaterMark.Text(r.radix))
	}
	if err == nil {
		err = put(keyIncrement, r.increment.Text(r.radix))
	}
	if err == nil {
		if r.enabled {
			err = put(keyEnabled, "true")
		} else {
			err = put(keyEnabled, "false")
		}
	}
	if err == nil {
		err = r.cfg.Commit()
	}
	if err != nil {
		r.logger.Error("range configuration write failed, in-memory state is ahead of disk", zap.Error(err))
	}
}
