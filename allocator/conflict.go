package allocator

import (
	"context"

	"go.uber.org/zap"

	"github.com/jmcleod/seriatim/directory"
)

// ConflictDetector recognizes claim records that the replicated store
// produced as casualties of a write race. The predicate is pluggable because
// different stores surface replication conflicts differently; the guarantee
// the allocator needs is only "detect duplicate or overlapping claims".
type ConflictDetector func(rec *directory.Record) bool

// StoreMarkedConflict is the default detector: trust the store's own
// replication-conflict mark.
func StoreMarkedConflict(rec *directory.Record) bool {
	return rec.ConflictMarked
}

// detectAndHealConflict searches for conflict-flagged claim records matching
// this instance's identity and the reserved range, deletes them, and reports
// whether anything was healed. Healed means the reservation can no longer be
// trusted: the caller discards it and lets the next maintenance cycle claim
// a fresh, validated range.
//
// This is best-effort and eventually consistent. It does not prevent the
// race; it discards its symptoms before the reservation is ever activated,
// which is safe because activation only happens at range exhaustion, well
// after the low-water window this check runs in.
func (r *Repository) detectAndHealConflict(ctx context.Context, reserved Range) bool {
	filter := directory.Filter{
		Attr:  attrBeginRange,
		Value: reserved.Min.Text(r.radix),
	}
	recs, err := r.dir.Search(ctx, r.rangeDN, filter)
	if err != nil {
		// Fail open: issuance must not stall on a diagnostic check.
		r.logger.Warn("conflict check skipped, directory unavailable", zap.Error(err))
		return false
	}

	healed := false
	for _, rec := range recs {
		if !r.detectConflict(rec) {
			continue
		}
		if rec.First(attrHost) != r.host || rec.First(attrPort) != r.port {
			continue
		}
		if err := r.dir.Delete(ctx, rec.DN); err != nil {
			r.logger.Warn("failed to delete conflicting claim record",
				zap.String("dn", rec.DN), zap.Error(err))
			continue
		}
		r.logger.Warn("deleted conflicting range claim record", zap.String("dn", rec.DN))
		healed = true
	}
	return healed
}
