package balance

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"grid-reconciler/internal/models"

	"go.uber.org/zap"
)

// epsilon absorbs float noise when comparing quantities.
const epsilon = 1e-12

type assetState struct {
	total        float64
	reserved     float64
	insufficient bool
	syncedAt     time.Time
}

func (a *assetState) free() float64 {
	f := a.total - a.reserved
	if f < 0 {
		return 0
	}
	return f
}

// Tracker keeps free/reserved capacity per asset. The exchange total is the
// upper bound; reservations made here are advisory.
type Tracker struct {
	mu     sync.Mutex
	base   string
	quote  string
	assets map[string]*assetState
	clock  func() time.Time
	logger *zap.Logger
}

// NewTracker creates a tracker for a base/quote pair.
func NewTracker(base, quote string, logger *zap.Logger) *Tracker {
	return &Tracker{
		base:   base,
		quote:  quote,
		assets: make(map[string]*assetState),
		clock:  time.Now,
		logger: logger,
	}
}

func (t *Tracker) asset(name string) *assetState {
	a, ok := t.assets[name]
	if !ok {
		a = &assetState{}
		t.assets[name] = a
	}
	return a
}

// Base returns the base asset name.
func (t *Tracker) Base() string { return t.base }

// Quote returns the quote asset name.
func (t *Tracker) Quote() string { return t.quote }

// AssetFor returns the asset an order of the given side locks.
func (t *Tracker) AssetFor(side models.Side) string {
	if side == models.Buy {
		return t.quote
	}
	return t.base
}

// Reserve earmarks qty of asset. It fails with ErrInsufficientFunds when the
// free balance cannot cover it.
func (t *Tracker) Reserve(asset string, qty float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.asset(asset)
	if a.free()+epsilon < qty {
		return fmt.Errorf("reserve %.8f %s (free %.8f): %w", qty, asset, a.free(), models.ErrInsufficientFunds)
	}
	a.reserved += qty
	return nil
}

// Release returns a reservation. Reserved never drops below zero.
func (t *Tracker) Release(asset string, qty float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.asset(asset)
	a.reserved -= qty
	if a.reserved < epsilon {
		a.reserved = 0
	}
}

// Settle books a fill: the spent asset's total and reservation shrink by
// spent, and the received asset's total grows by received. The next Refresh
// replaces these figures with exchange truth.
func (t *Tracker) Settle(spentAsset string, reserved, spent float64, receivedAsset string, received float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.asset(spentAsset)
	s.reserved -= reserved
	if s.reserved < epsilon {
		s.reserved = 0
	}
	s.total -= spent
	if s.total < 0 {
		s.total = 0
	}
	r := t.asset(receivedAsset)
	r.total += received
	if r.free() > epsilon {
		r.insufficient = false
	}
}

// Refresh applies an exchange balance snapshot (asset -> total). If an asset's
// total shrank below its reservations, reserved is clamped down to the total.
// The snapshot is the whole account: a base or quote asset it omits is at zero.
func (t *Tracker) Refresh(snapshot map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	for name, total := range snapshot {
		t.apply(name, total, now)
	}
	for _, name := range []string{t.base, t.quote} {
		if _, ok := snapshot[name]; !ok {
			t.apply(name, 0, now)
		}
	}
}

// apply sets one asset's exchange total. Caller holds mu.
func (t *Tracker) apply(name string, total float64, now time.Time) {
	a := t.asset(name)
	if a.reserved > total {
		if t.logger != nil {
			t.logger.Warn("exchange balance below local reservations, clamping",
				zap.String("asset", name),
				zap.Float64("total", total),
				zap.Float64("reserved", a.reserved))
		}
		a.reserved = total
	}
	a.total = total
	a.syncedAt = now
	if a.insufficient && a.free() > epsilon {
		a.insufficient = false
	}
}

// MarkInsufficient latches an asset as short until a refresh shows capacity.
func (t *Tracker) MarkInsufficient(asset string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.asset(asset).insufficient = true
}

// HasFiat reports whether at least min of the quote asset is free.
func (t *Tracker) HasFiat(min float64) bool { return t.has(t.quote, min) }

// HasCrypto reports whether at least min of the base asset is free.
func (t *Tracker) HasCrypto(min float64) bool { return t.has(t.base, min) }

// HasFor checks the asset an order of side would lock.
func (t *Tracker) HasFor(side models.Side, min float64) bool {
	return t.has(t.AssetFor(side), min)
}

func (t *Tracker) has(asset string, min float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.asset(asset)
	if a.insufficient {
		return false
	}
	return a.free()+epsilon >= min
}

// Snapshot returns the current view of one asset.
func (t *Tracker) Snapshot(asset string) models.BalanceSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.asset(asset)
	return models.BalanceSnapshot{Asset: asset, Free: a.free(), Reserved: a.reserved, Total: a.total, LastSyncedAt: a.syncedAt}
}

// Snapshots returns every tracked asset, sorted by name.
func (t *Tracker) Snapshots() []models.BalanceSnapshot {
	t.mu.Lock()
	names := make([]string, 0, len(t.assets))
	for n := range t.assets {
		names = append(names, n)
	}
	t.mu.Unlock()
	sort.Strings(names)

	out := make([]models.BalanceSnapshot, 0, len(names))
	for _, n := range names {
		out = append(out, t.Snapshot(n))
	}
	return out
}
