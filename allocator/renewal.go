package allocator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmcleod/seriatim/directory"
)

// errClaimLost signals that another instance advanced the global cursor
// first. Not an error condition: the next maintenance cycle reads the new
// cursor and tries again.
var errClaimLost = errors.New("lost range claim race")

// claimNextRange executes the range renewal protocol: read the global
// cursor, advance it by the increment with a single delete-old/add-new
// modification (a best-effort compare-and-swap), and record the claim as a
// lease entry. Called from CheckRanges only, never from the Next hot path,
// and always outside the repository mutex.
func (r *Repository) claimNextRange(ctx context.Context) (*Range, error) {
	rec, err := r.dir.Read(ctx, r.rangeDN)
	if errors.Is(err, directory.ErrNotFound) {
		rec, err = r.seedCursor(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("reading range cursor: %w", err)
	}

	oldValue := rec.First(attrNextRange)
	begin, ok := new(big.Int).SetString(oldValue, r.radix)
	if !ok {
		return nil, fmt.Errorf("malformed range cursor %q at %s", oldValue, r.rangeDN)
	}
	newCursor := new(big.Int).Add(begin, r.increment)
	end := new(big.Int).Sub(newCursor, one)

	// One combined modification: deleting the exact old value makes two
	// racing claimants detectable instead of both succeeding silently.
	result, err := r.dir.Modify(ctx, r.rangeDN,
		directory.Attr{Name: attrNextRange, Value: oldValue},
		directory.Attr{Name: attrNextRange, Value: newCursor.Text(r.radix)})
	switch result {
	case directory.ModifyApplied:
	case directory.ModifyConflict:
		r.logger.Info("another instance claimed the range first",
			zap.String("cursor", oldValue))
		return nil, errClaimLost
	default:
		return nil, fmt.Errorf("advancing range cursor: %w", err)
	}

	r.writeClaimRecord(ctx, begin, end)
	return &Range{Min: begin, Max: end}, nil
}

// writeClaimRecord stores the lease entry documenting this claim. The range
// is already ours once the cursor moved, so a failed write only costs the
// audit trail and is not fatal.
func (r *Repository) writeClaimRecord(ctx context.Context, begin, end *big.Int) {
	dn := r.claimDN(begin)
	rec := &directory.Record{
		Attributes: map[string][]string{
			attrBeginRange: {begin.Text(r.radix)},
			attrEndRange:   {end.Text(r.radix)},
			attrHost:       {r.host},
			attrPort:       {r.port},
			attrClaimedAt:  {time.Now().UTC().Format(time.RFC3339)},
			attrClaimID:    {uuid.NewString()},
		},
	}
	if err := r.dir.Add(ctx, dn, rec); err != nil {
		r.logger.Warn("range claim record not written", zap.String("dn", dn), zap.Error(err))
	}
}

func (r *Repository) claimDN(begin *big.Int) string {
	return fmt.Sprintf("cn=%s,%s", begin.Text(r.radix), r.rangeDN)
}

// seedCursor creates the global cursor entry on a fresh directory, starting
// just past this instance's configured range. If two instances race to seed,
// the store conflict-marks the collision and reconciliation cleans it up.
func (r *Repository) seedCursor(ctx context.Context) (*directory.Record, error) {
	r.mu.Lock()
	start := new(big.Int).Add(r.current.Max, one)
	r.mu.Unlock()

	rec := &directory.Record{
		Attributes: map[string][]string{
			attrNextRange: {start.Text(r.radix)},
		},
	}
	if err := r.dir.Add(ctx, r.rangeDN, rec); err != nil {
		return nil, err
	}
	r.logger.Info("seeded range cursor", zap.String("start", start.Text(r.radix)))
	return r.dir.Read(ctx, r.rangeDN)
}
