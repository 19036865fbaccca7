package allocator

import (
	"math/big"

	"go.uber.org/zap"
)

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the structured logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// WithOwner sets the host/port identity recorded on range claims. The
// identity is what conflict reconciliation matches against, so it must be
// unique per server instance.
func WithOwner(host, port string) Option {
	return func(r *Repository) {
		r.host = host
		r.port = port
	}
}

// WithInitialRange overrides the default starting range for a fresh install.
// Persisted configuration, when present, wins over this value.
func WithInitialRange(min, max *big.Int) Option {
	return func(r *Repository) {
		r.current = NewRange(min, max)
	}
}

// WithIncrement sets the size of newly claimed ranges.
func WithIncrement(n *big.Int) Option {
	return func(r *Repository) {
		r.increment = new(big.Int).Set(n)
	}
}

// WithLowWaterMark sets the remaining-capacity threshold that triggers
// proactive range renewal.
func WithLowWaterMark(n *big.Int) Option {
	return func(r *Repository) {
		r.lowWaterMark = new(big.Int).Set(n)
	}
}

// WithSerialManagement enables or disables automatic range renewal. When
// disabled, exhausting the current range is a hard stop.
func WithSerialManagement(enabled bool) Option {
	return func(r *Repository) {
		r.enabled = enabled
	}
}

// WithRandomAllocation switches the repository to pseudo-random serial
// drawing. Used by the certificate space to keep serials unpredictable.
func WithRandomAllocation() Option {
	return func(r *Repository) {
		r.policy = newRandomPolicy()
		r.random = true
	}
}

// WithRecordsDN overrides the directory subtree holding issued-number
// records, which startup reconciliation scans.
func WithRecordsDN(dn string) Option {
	return func(r *Repository) {
		r.recordsDN = dn
	}
}

// WithRangeDN overrides the directory entry carrying the global range cursor.
// Range claim records are created beneath it.
func WithRangeDN(dn string) Option {
	return func(r *Repository) {
		r.rangeDN = dn
	}
}

// WithConflictDetector installs a custom predicate for recognizing
// replication-conflict claim records. The default trusts the store's own
// conflict mark.
func WithConflictDetector(detect ConflictDetector) Option {
	return func(r *Repository) {
		r.detectConflict = detect
	}
}
