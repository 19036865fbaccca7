package maintenance_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jmcleod/seriatim/allocator"
	dirmemory "github.com/jmcleod/seriatim/directory/memory"
	"github.com/jmcleod/seriatim/maintenance"
	cfgmemory "github.com/jmcleod/seriatim/rangeconfig/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSchedulerReservesRangeBelowLowWater(t *testing.T) {
	ctx := context.Background()
	dir := dirmemory.NewStore()
	cfg := cfgmemory.NewStore()

	// Ten numbers left against a low water mark of one hundred, so the very
	// first cycle must claim a reserve.
	repo := allocator.NewRequestRepository(dir, cfg,
		allocator.WithInitialRange(big.NewInt(1), big.NewInt(10)),
		allocator.WithIncrement(big.NewInt(50)),
		allocator.WithLowWaterMark(big.NewInt(100)))
	require.NoError(t, repo.Initialize(ctx))

	sched, err := maintenance.NewScheduler([]*allocator.Repository{repo},
		maintenance.WithInterval(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop(ctx)

	require.Eventually(t, func() bool {
		return repo.Status().NextMin != ""
	}, 2*time.Second, 10*time.Millisecond, "scheduler never reserved a range")

	st := repo.Status()
	require.Equal(t, "11", st.NextMin)
	require.Equal(t, "60", st.NextMax)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := allocator.NewReplicaIDRepository(dirmemory.NewStore(), cfgmemory.NewStore())
	require.NoError(t, repo.Initialize(ctx))

	sched, err := maintenance.NewScheduler([]*allocator.Repository{repo},
		maintenance.WithInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.Start(ctx))

	sched.Stop(ctx)
	sched.Stop(ctx)
}
