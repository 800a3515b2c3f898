package balance

import (
	"errors"
	"sync"
	"testing"

	"grid-reconciler/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTracker() *Tracker {
	t := NewTracker("BTC", "USDT", zap.NewNop())
	t.Refresh(map[string]float64{"BTC": 1, "USDT": 1000})
	return t
}

func TestReserveAndRelease(t *testing.T) {
	tr := newTracker()

	require.NoError(t, tr.Reserve("USDT", 600))
	snap := tr.Snapshot("USDT")
	assert.InDelta(t, 400, snap.Free, 1e-9)
	assert.InDelta(t, 600, snap.Reserved, 1e-9)

	err := tr.Reserve("USDT", 500)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInsufficientFunds))

	tr.Release("USDT", 600)
	tr.Release("USDT", 600) // over-release must not go negative
	snap = tr.Snapshot("USDT")
	assert.Zero(t, snap.Reserved)
	assert.InDelta(t, 1000, snap.Free, 1e-9)
}

func TestRefreshClampsReservedToShrunkTotal(t *testing.T) {
	tr := newTracker()
	require.NoError(t, tr.Reserve("BTC", 0.8))

	// an external withdrawal left only 0.5 BTC
	tr.Refresh(map[string]float64{"BTC": 0.5, "USDT": 1000})

	snap := tr.Snapshot("BTC")
	assert.InDelta(t, 0.5, snap.Reserved, 1e-12)
	assert.Zero(t, snap.Free)
	assert.LessOrEqual(t, snap.Free+snap.Reserved, snap.Total+1e-12)
}

func TestPredicates(t *testing.T) {
	tr := newTracker()
	assert.True(t, tr.HasFiat(1000))
	assert.False(t, tr.HasFiat(1000.01))
	assert.True(t, tr.HasCrypto(1))
	assert.True(t, tr.HasFor(models.Sell, 0.5))
	assert.Equal(t, "USDT", tr.AssetFor(models.Buy))
}

func TestInsufficientLatchClearsOnRefresh(t *testing.T) {
	tr := newTracker()
	tr.MarkInsufficient("USDT")
	assert.False(t, tr.HasFiat(1), "latched asset reports no capacity")

	tr.Refresh(map[string]float64{"BTC": 1, "USDT": 1000})
	assert.True(t, tr.HasFiat(1))
}

func TestRefreshZeroesAssetMissingFromSnapshot(t *testing.T) {
	tr := newTracker()
	require.NoError(t, tr.Reserve("USDT", 200))

	// the whole quote balance was withdrawn; the account no longer lists it
	tr.Refresh(map[string]float64{"BTC": 1})

	usdt := tr.Snapshot("USDT")
	assert.Zero(t, usdt.Total)
	assert.Zero(t, usdt.Reserved)
	assert.LessOrEqual(t, usdt.Free+usdt.Reserved, usdt.Total)
	assert.False(t, tr.HasFiat(1))
	assert.True(t, tr.HasCrypto(1))

	tr.Refresh(map[string]float64{"BTC": 0, "USDT": 50})
	assert.True(t, tr.HasFiat(50))
	assert.False(t, tr.HasCrypto(0.0001))
}

func TestSettleMovesFunds(t *testing.T) {
	tr := newTracker()
	require.NoError(t, tr.Reserve("USDT", 100))

	tr.Settle("USDT", 100, 100, "BTC", 0.001)

	usdt := tr.Snapshot("USDT")
	assert.InDelta(t, 900, usdt.Total, 1e-9)
	assert.Zero(t, usdt.Reserved)
	assert.InDelta(t, 1.001, tr.Snapshot("BTC").Total, 1e-12)
}

func TestConcurrentReserveNeverOversubscribes(t *testing.T) {
	tr := newTracker()
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Reserve("USDT", 30) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 33, ok)
	snap := tr.Snapshot("USDT")
	assert.LessOrEqual(t, snap.Reserved, snap.Total)
}
