package balance

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testPool = "pool1qtest"

func fixedClockCache(t *testing.T) (*TrustCache, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := NewTrustCache(WithClock(func() time.Time { return now }))
	return cache, &now
}

func TestFundingThenEqualSpendClears(t *testing.T) {
	cache, _ := fixedClockCache(t)
	cache.RecordFunding(testPool, big.NewInt(500), "pool-1", SourceShieldTx)
	cache.RecordSpend(testPool, big.NewInt(500))
	require.Nil(t, cache.Read(testPool), "override must be cleared, not retained at zero")
}

func TestSpendClampsAtZero(t *testing.T) {
	cache, _ := fixedClockCache(t)
	cache.RecordFunding(testPool, big.NewInt(100), "pool-1", SourceShieldTx)
	cache.RecordSpend(testPool, big.NewInt(250))
	require.Nil(t, cache.Read(testPool))
}

func TestFundingMerges(t *testing.T) {
	cache, _ := fixedClockCache(t)
	cache.RecordFunding(testPool, big.NewInt(100), "pool-1", SourceShieldTx)
	cache.RecordFunding(testPool, big.NewInt(50), "pool-1", SourcePaymentSuccess)

	override := cache.Read(testPool)
	require.NotNil(t, override)
	require.Equal(t, int64(150), override.Amount.Int64())
	require.Equal(t, SourcePaymentSuccess, override.Source)
}

func TestReconcileRemoteZeroIsDiscarded(t *testing.T) {
	cache, _ := fixedClockCache(t)
	cache.RecordFunding(testPool, big.NewInt(300), "pool-1", SourceShieldTx)
	cache.ReconcileWithRemote(testPool, big.NewInt(0), "pool-1")

	override := cache.Read(testPool)
	require.NotNil(t, override, "spurious remote zero must not evict the override")
	require.Equal(t, int64(300), override.Amount.Int64())
	require.Equal(t, SourceShieldTx, override.Source)
}

func TestReconcileRemoteNonZeroReplaces(t *testing.T) {
	cache, _ := fixedClockCache(t)
	cache.RecordFunding(testPool, big.NewInt(300), "pool-1", SourceShieldTx)
	cache.ReconcileWithRemote(testPool, big.NewInt(5), "pool-1")

	override := cache.Read(testPool)
	require.NotNil(t, override)
	require.Equal(t, int64(5), override.Amount.Int64())
	require.Equal(t, SourceRPCConfirmed, override.Source)
}

func TestReadPastTTLStillReturned(t *testing.T) {
	cache, now := fixedClockCache(t)
	cache.RecordFunding(testPool, big.NewInt(10), "pool-1", SourceShieldTx)

	later := now.Add(TrustTTL + time.Minute)
	override := cache.Read(testPool)
	require.NotNil(t, override, "expiry demotes, never deletes")
	require.False(t, override.Trusted(later))
	require.True(t, override.Trusted(*now))
	require.Equal(t, TrustTTL+time.Minute, override.Age(later))
}

func TestReadReturnsCopy(t *testing.T) {
	cache, _ := fixedClockCache(t)
	cache.RecordFunding(testPool, big.NewInt(100), "pool-1", SourceShieldTx)

	cache.Read(testPool).Amount.SetInt64(0)
	require.Equal(t, int64(100), cache.Read(testPool).Amount.Int64())
}

func TestConcurrentFundingNoLostUpdates(t *testing.T) {
	cache := NewTrustCache()
	const workers = 16
	const perWorker = 100

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				cache.RecordFunding(testPool, big.NewInt(1), "pool-1", SourceShieldTx)
			}
		}()
	}
	wg.Wait()

	override := cache.Read(testPool)
	require.NotNil(t, override)
	require.Equal(t, int64(workers*perWorker), override.Amount.Int64())
}
