package allocator_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/seriatim/allocator"
	"github.com/jmcleod/seriatim/directory"
	dirmemory "github.com/jmcleod/seriatim/directory/memory"
	cfgmemory "github.com/jmcleod/seriatim/rangeconfig/memory"
)

const (
	requestRangeDN   = "ou=request,ou=ranges,dc=seriatim"
	requestRecordsDN = "ou=requestRecords,dc=seriatim"
)

func seedConfig(t *testing.T, cfg *cfgmemory.Store, prefix string, values map[string]string) {
	t.Helper()
	for k, v := range values {
		require.NoError(t, cfg.PutString(prefix+"."+k, v))
	}
	require.NoError(t, cfg.Commit())
}

// seedCursor creates the global cursor entry the renewal protocol reads.
func seedCursor(t *testing.T, dir *dirmemory.Store, dn, next string) {
	t.Helper()
	err := dir.Add(context.Background(), dn, &directory.Record{
		Attributes: map[string][]string{"nextRange": {next}},
	})
	require.NoError(t, err)
}

func newRequestRepo(t *testing.T, dir *dirmemory.Store, cfg *cfgmemory.Store, opts ...allocator.Option) *allocator.Repository {
	t.Helper()
	repo := allocator.NewRequestRepository(dir, cfg, opts...)
	require.NoError(t, repo.Initialize(context.Background()))
	return repo
}

func TestNextIsUniqueAndMonotonic(t *testing.T) {
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial": "100",
		"maxSerial": "200",
	})
	repo := newRequestRepo(t, dir, cfg)

	seen := make(map[string]bool)
	prev := new(big.Int)
	for i := 0; i < 50; i++ {
		n, err := repo.Next()
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, "100", n.String(), "first serial should be range min")
		}
		assert.False(t, seen[n.String()], "serial %s issued twice", n)
		seen[n.String()] = true
		assert.Greater(t, n.Cmp(prev), 0, "serial %s not greater than %s", n, prev)
		prev = n
	}
}

func TestExhaustionWithoutReserve(t *testing.T) {
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial":              "100",
		"maxSerial":              "105",
		"enableSerialManagement": "false",
	})
	repo := newRequestRepo(t, dir, cfg)

	for i := 0; i < 6; i++ {
		_, err := repo.Next()
		require.NoError(t, err)
	}
	_, err := repo.Next()
	require.ErrorIs(t, err, allocator.ErrExhausted)
}

func TestSeamlessRangeSwitch(t *testing.T) {
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial":     "100",
		"maxSerial":     "105",
		"nextMinSerial": "106",
		"nextMaxSerial": "115",
	})
	repo := newRequestRepo(t, dir, cfg)

	var last *big.Int
	for i := 0; i < 6; i++ {
		n, err := repo.Next()
		require.NoError(t, err)
		last = n
	}
	require.Equal(t, "105", last.String())

	n, err := repo.Next()
	require.NoError(t, err)
	assert.Equal(t, "106", n.String(), "switch should continue at the reserved range")

	st := repo.Status()
	assert.Equal(t, "106", st.CurrentMin)
	assert.Equal(t, "115", st.CurrentMax)
	assert.Empty(t, st.NextMin, "reserved range should be consumed by the switch")

	// The switch must be durable, not just in memory.
	min, ok := cfg.Committed("request.minSerial")
	require.True(t, ok)
	assert.Equal(t, "106", min)
}

func TestRangeSwitchSurvivesConfigWriteFailure(t *testing.T) {
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial":     "100",
		"maxSerial":     "101",
		"nextMinSerial": "200",
		"nextMaxSerial": "209",
	})
	repo := newRequestRepo(t, dir, cfg)

	for i := 0; i < 2; i++ {
		_, err := repo.Next()
		require.NoError(t, err)
	}

	// The switch persists through a failing config store: issuance continues
	// from the reserved range and only the durable copy lags behind.
	cfg.FailNextCommit()
	n, err := repo.Next()
	require.NoError(t, err)
	assert.Equal(t, "200", n.String())

	st := repo.Status()
	assert.Equal(t, "200", st.CurrentMin)
	assert.Equal(t, "209", st.CurrentMax)
	min, _ := cfg.Committed("request.minSerial")
	assert.Equal(t, "100", min, "failed commit must leave the durable copy untouched")

	n, err = repo.Next()
	require.NoError(t, err)
	assert.Equal(t, "201", n.String())

	// The next successful persistence catches the durable copy up.
	repo.SetSerialManagement(true)
	min, ok := cfg.Committed("request.minSerial")
	require.True(t, ok)
	assert.Equal(t, "200", min)
}

func TestPeekNext(t *testing.T) {
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial":     "100",
		"maxSerial":     "101",
		"nextMinSerial": "300",
		"nextMaxSerial": "399",
	})
	repo := newRequestRepo(t, dir, cfg)

	n, err := repo.PeekNext()
	require.NoError(t, err)
	assert.Equal(t, "100", n.String())

	// Peek does not consume.
	got, err := repo.Next()
	require.NoError(t, err)
	assert.Equal(t, "100", got.String())

	// Drain the current range; peek should fall through to the reserve.
	_, err = repo.Next()
	require.NoError(t, err)
	n, err = repo.PeekNext()
	require.NoError(t, err)
	assert.Equal(t, "300", n.String())
}

func TestPeekNextUnavailable(t *testing.T) {
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial":              "1",
		"maxSerial":              "1",
		"enableSerialManagement": "false",
	})
	repo := newRequestRepo(t, dir, cfg)

	_, err := repo.Next()
	require.NoError(t, err)
	_, err = repo.PeekNext()
	require.ErrorIs(t, err, allocator.ErrNotAvailable)
}

func TestCheckRangesClaimsBelowLowWaterMark(t *testing.T) {
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial":    "100",
		"maxSerial":    "110",
		"lowWaterMark": "5",
		"increment":    "50",
	})
	seedCursor(t, dir, requestRangeDN, "200")
	repo := newRequestRepo(t, dir, cfg)

	// Capacity is still comfortable: no claim.
	require.NoError(t, repo.CheckRanges(context.Background()))
	assert.Empty(t, repo.Status().NextMin)

	// Drop below the low water mark (remaining = 110-106 = 4 < 5).
	for i := 0; i < 7; i++ {
		_, err := repo.Next()
		require.NoError(t, err)
	}
	require.NoError(t, repo.CheckRanges(context.Background()))

	st := repo.Status()
	assert.Equal(t, "200", st.NextMin)
	assert.Equal(t, "249", st.NextMax)

	// The claim must be a single combined delete+add modification.
	var modifies []dirmemory.Op
	for _, op := range dir.Ops() {
		if op.Kind == "modify" {
			modifies = append(modifies, op)
		}
	}
	require.Len(t, modifies, 1)
	assert.Equal(t, "200", modifies[0].Del.Value)
	assert.Equal(t, "250", modifies[0].Add.Value)

	// A claim record documents the new owner.
	rec, err := dir.Read(context.Background(), "cn=200,"+requestRangeDN)
	require.NoError(t, err)
	assert.Equal(t, "200", rec.First("beginRange"))
	assert.Equal(t, "249", rec.First("endRange"))

	// Redundant maintenance passes are idempotent: no second claim.
	require.NoError(t, repo.CheckRanges(context.Background()))
	count := 0
	for _, op := range dir.Ops() {
		if op.Kind == "modify" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

// staleReadStore returns one stale cursor read, simulating another instance
// advancing the cursor between this instance's read and its modify.
type staleReadStore struct {
	*dirmemory.Store
	staleDN    string
	staleValue string
	served     bool
}

func (s *staleReadStore) Read(ctx context.Context, dn string) (*directory.Record, error) {
	if !s.served && dn == s.staleDN {
		s.served = true
		return &directory.Record{
			DN:         dn,
			Attributes: map[string][]string{"nextRange": {s.staleValue}},
		}, nil
	}
	return s.Store.Read(ctx, dn)
}

func TestCheckRangesLostRace(t *testing.T) {
	mem := dirmemory.NewStore()
	dir := &staleReadStore{Store: mem, staleDN: requestRangeDN, staleValue: "200"}
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial":    "1",
		"maxSerial":    "4",
		"lowWaterMark": "10",
		"increment":    "50",
	})
	// The real cursor already moved to 260; our first read sees 200.
	seedCursor(t, mem, requestRangeDN, "260")

	repo := allocator.NewRequestRepository(dir, cfg)
	require.NoError(t, repo.Initialize(context.Background()))

	require.NoError(t, repo.CheckRanges(context.Background()))
	assert.Empty(t, repo.Status().NextMin, "lost race must not reserve a range")

	// Next cycle reads the fresh cursor and succeeds.
	require.NoError(t, repo.CheckRanges(context.Background()))
	assert.Equal(t, "260", repo.Status().NextMin)
}

func TestCheckRangesStoreDown(t *testing.T) {
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial":    "1",
		"maxSerial":    "4",
		"lowWaterMark": "10",
	})
	repo := newRequestRepo(t, dir, cfg)
	dir.SetUnavailable(true)

	// Unavailability is absorbed: no error, no reservation, and issuance
	// from the owned range keeps working.
	require.NoError(t, repo.CheckRanges(context.Background()))
	assert.Empty(t, repo.Status().NextMin)
	n, err := repo.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", n.String())

	dir.SetUnavailable(false)
	seedCursor(t, dir, requestRangeDN, "500")
	require.NoError(t, repo.CheckRanges(context.Background()))
	assert.Equal(t, "500", repo.Status().NextMin)
}

func TestConflictHealingDiscardsReservation(t *testing.T) {
	ctx := context.Background()
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial":     "100",
		"maxSerial":     "104",
		"nextMinSerial": "206",
		"nextMaxSerial": "215",
		"lowWaterMark":  "50",
	})
	repo := newRequestRepo(t, dir, cfg, allocator.WithOwner("ca1.example.com", "8443"))

	// The claim backing the reservation was flagged by replication.
	claimDN := "cn=206," + requestRangeDN
	require.NoError(t, dir.Add(ctx, claimDN, &directory.Record{
		Attributes: map[string][]string{
			"beginRange": {"206"},
			"endRange":   {"215"},
			"host":       {"ca1.example.com"},
			"port":       {"8443"},
		},
	}))
	dir.MarkConflict(claimDN)

	require.NoError(t, repo.CheckRanges(ctx))

	_, err := dir.Read(ctx, claimDN)
	assert.ErrorIs(t, err, directory.ErrNotFound, "conflicting claim record should be deleted")
	assert.Empty(t, repo.Status().NextMin, "compromised reservation should be discarded")

	// The following cycle re-claims cleanly.
	seedCursor(t, dir, requestRangeDN, "300")
	require.NoError(t, repo.CheckRanges(ctx))
	assert.Equal(t, "300", repo.Status().NextMin)
}

func TestConflictHealingIgnoresOtherOwners(t *testing.T) {
	ctx := context.Background()
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial":     "100",
		"maxSerial":     "104",
		"nextMinSerial": "206",
		"nextMaxSerial": "215",
		"lowWaterMark":  "50",
	})
	repo := newRequestRepo(t, dir, cfg, allocator.WithOwner("ca1.example.com", "8443"))

	claimDN := "cn=206," + requestRangeDN
	require.NoError(t, dir.Add(ctx, claimDN, &directory.Record{
		Attributes: map[string][]string{
			"beginRange": {"206"},
			"host":       {"ca2.example.com"},
			"port":       {"8443"},
		},
	}))
	dir.MarkConflict(claimDN)

	require.NoError(t, repo.CheckRanges(ctx))
	_, err := dir.Read(ctx, claimDN)
	assert.NoError(t, err, "another instance's claim must not be touched")
	assert.Equal(t, "206", repo.Status().NextMin, "reservation stays when the conflict is not ours")
}

func TestSetRangeRejectsBackwardMove(t *testing.T) {
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial": "100",
		"maxSerial": "200",
	})
	repo := newRequestRepo(t, dir, cfg)

	for i := 0; i < 10; i++ {
		_, err := repo.Next()
		require.NoError(t, err)
	}
	before := repo.Status()

	err := repo.SetRange(big.NewInt(1), big.NewInt(50))
	require.ErrorIs(t, err, allocator.ErrBackwardRange)
	assert.Equal(t, before, repo.Status(), "rejected set must not change state")

	// A forward move is accepted and the cursor resumes past last issued.
	require.NoError(t, repo.SetRange(big.NewInt(100), big.NewInt(500)))
	n, err := repo.Next()
	require.NoError(t, err)
	assert.Equal(t, "110", n.String())
}

func TestInitializeReconcilesAgainstIssuedRecords(t *testing.T) {
	ctx := context.Background()
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial": "1",
		"maxSerial": "100",
	})

	// A crash left an issued record the configuration never learned about.
	require.NoError(t, dir.Add(ctx, "cn=57,"+requestRecordsDN, &directory.Record{
		Attributes: map[string][]string{"serialNumber": {"57"}},
	}))

	repo := allocator.NewRequestRepository(dir, cfg)
	require.NoError(t, repo.Initialize(ctx))

	n, err := repo.Next()
	require.NoError(t, err)
	assert.Equal(t, "58", n.String(), "cursor must resume past the highest issued record")
}

func TestNextBeforeInitialize(t *testing.T) {
	repo := allocator.NewRequestRepository(dirmemory.NewStore(), cfgmemory.NewStore())
	_, err := repo.Next()
	require.ErrorIs(t, err, allocator.ErrNotInitialized)
}

func TestRandomAllocationUniqueWithinRange(t *testing.T) {
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "certificate", map[string]string{
		"minSerial":              "64", // hex: 100 decimal
		"maxSerial":              "c7", // hex: 199 decimal
		"enableSerialManagement": "false",
	})
	repo := allocator.NewCertificateRepository(dir, cfg, allocator.WithRandomAllocation())
	require.NoError(t, repo.Initialize(context.Background()))

	min := big.NewInt(100)
	max := big.NewInt(199)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n, err := repo.Next()
		require.NoError(t, err)
		require.False(t, seen[n.String()], "serial %s issued twice", n)
		seen[n.String()] = true
		require.True(t, n.Cmp(min) >= 0 && n.Cmp(max) <= 0, "serial %s outside range", n)
	}

	// Every offset is consumed and no reserve exists: hard stop.
	_, err := repo.Next()
	require.ErrorIs(t, err, allocator.ErrExhausted)
}

func TestRandomAllocationSwitchesEarlyWithReserve(t *testing.T) {
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "certificate", map[string]string{
		"minSerial":     "1",
		"maxSerial":     "a", // 10 serials
		"nextMinSerial": "64",
		"nextMaxSerial": "c8",
		"lowWaterMark":  "4",
	})
	repo := allocator.NewCertificateRepository(dir, cfg, allocator.WithRandomAllocation())
	require.NoError(t, repo.Initialize(context.Background()))

	// Switch trigger is rangeLength - lowWaterMark/2 = 10 - 2 = 8 issued.
	for i := 0; i < 8; i++ {
		_, err := repo.Next()
		require.NoError(t, err)
	}
	st := repo.Status()
	assert.Equal(t, "64", st.CurrentMin, "reserve should be activated before the range is fully spent")
	assert.Empty(t, st.NextMin)
}

func TestSerialManagementToggle(t *testing.T) {
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()
	seedConfig(t, cfg, "request", map[string]string{
		"minSerial": "1",
		"maxSerial": "100",
	})
	repo := newRequestRepo(t, dir, cfg)

	require.True(t, repo.SerialManagementEnabled())
	repo.SetSerialManagement(false)
	require.False(t, repo.SerialManagementEnabled())

	v, ok := cfg.Committed("request.enableSerialManagement")
	require.True(t, ok)
	assert.Equal(t, "false", v)
}
