package gridmanager

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"grid-reconciler/internal/balance"
	"grid-reconciler/internal/engine"
	"grid-reconciler/internal/exchange"
	"grid-reconciler/internal/grid"
	"grid-reconciler/internal/models"
	"grid-reconciler/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockReporter records snapshots.
type mockReporter struct {
	sync.Mutex
	snapshots []models.ProfitSnapshot
}

func (r *mockReporter) Report(s models.ProfitSnapshot) {
	r.Lock()
	defer r.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *mockReporter) count() int {
	r.Lock()
	defer r.Unlock()
	return len(r.snapshots)
}

type harness struct {
	sim      *exchange.SimExchange
	env      *engine.Env
	mgr      *Manager
	reporter *mockReporter
}

func testConfig() *models.Config {
	return &models.Config{
		TradingMode:   models.ModePaperTrading,
		ExchangeName:  "binance",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USDT",
		Grid: models.GridConfig{
			LowerPrice: 90, UpperPrice: 110, Rungs: 5,
			Spacing: models.SpacingArithmetic, Investment: 1000,
			TickSize: "0.01", StepSize: "0.0001", FeeRate: 0.001,
			PlaceWorkers: 3,
		},
		Watchdog: models.WatchdogConfig{CleanStartAttempts: 3, CleanStartDelayMs: 1, MaxPages: 10},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig()
	ledger, err := persistence.NewInMemoryLedger()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	sim := exchange.NewSimExchange("BTC", "USDT", 1000, cfg.Grid.FeeRate)
	sim.Deposit("BTC", 5)
	sim.SetLastPrice(100)

	tracker := balance.NewTracker("BTC", "USDT", zap.NewNop())
	bal, err := sim.GetBalances(context.Background())
	require.NoError(t, err)
	tracker.Refresh(bal)

	env := &engine.Env{
		Session: &models.Session{ID: "0f3c9a7e-1111-2222-3333-444455556666", Symbol: "BTCUSDT"},
		Config:  cfg,
		Ledger:  ledger,
		Gateway: sim,
		Tracker: tracker,
		Logger:  zap.NewNop(),
	}
	plan, err := grid.Compute(grid.ParamsFromConfig(cfg.Grid, 100))
	require.NoError(t, err)
	rep := &mockReporter{}
	return &harness{sim: sim, env: env, mgr: New(env, plan, rep), reporter: rep}
}

func TestCleanStartCancelsForeignOrders(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 40; i++ {
		h.sim.AddForeignOrder(models.Buy, 80+float64(i%5), 0.01)
	}
	h.sim.SetCancelLag(1) // cancels surface one listing late

	require.NoError(t, h.mgr.CleanStart(context.Background()))
	assert.Equal(t, 0, h.sim.OpenCount())
	open, err := exchange.ListAllOpenOrders(context.Background(), h.sim, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Zero(t, h.sim.Calls("place_order"))
}

func TestCleanStartFailsWithConsistencyFault(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.sim.AddForeignOrder(models.Sell, 120, 0.01)
	}
	h.sim.IgnoreCancels(true)

	err := h.mgr.CleanStart(context.Background())
	require.Error(t, err)
	var fault *models.ConsistencyFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, 3, fault.Remaining)
	assert.Zero(t, h.sim.Calls("place_order"), "nothing may be placed")
}

func TestCleanStartRetiresPriorSessionOrders(t *testing.T) {
	h := newHarness(t)
	old := &models.Order{SlotID: "BUY-001", ClientOrderID: "old", Side: models.Buy, Status: models.StatusPendingPlacement, SessionID: "previous"}
	require.NoError(t, h.env.Ledger.Upsert(old))

	require.NoError(t, h.mgr.CleanStart(context.Background()))

	got, err := h.env.Ledger.Get("BUY-001")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestSeedPlacesEverySlot(t *testing.T) {
	h := newHarness(t)
	h.mgr.Seed(context.Background())

	open, err := h.env.Ledger.List(models.StatusOpen)
	require.NoError(t, err)
	assert.Len(t, open, len(h.mgr.Plan().Slots))
	assert.Equal(t, len(h.mgr.Plan().Slots), h.sim.OpenCount())
	for _, o := range open {
		assert.NotEmpty(t, o.ExchangeOrderID)
		assert.True(t, h.env.OwnsClientOrderID(o.ClientOrderID))
	}

	// seeding again is a no-op
	h.mgr.Seed(context.Background())
	assert.Equal(t, len(h.mgr.Plan().Slots), h.sim.Calls("place_order"))
}

func TestPlaceSlotIsSingleFlight(t *testing.T) {
	h := newHarness(t)
	slot := h.mgr.Plan().Slots[0]

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.mgr.PlaceSlot(context.Background(), slot)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.sim.Calls("place_order"))
	live, err := h.env.Ledger.List(models.StatusPendingPlacement, models.StatusOpen)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestPlacementRejectionCancelsAndReleases(t *testing.T) {
	h := newHarness(t)
	slot := h.mgr.Plan().Slots[0]
	h.sim.FailNext(1, fmt.Errorf("exchange says: %w", models.ErrInsufficientFunds))

	err := h.mgr.PlaceSlot(context.Background(), slot)
	require.Error(t, err)

	got, err := h.env.Ledger.Get(slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Zero(t, h.env.Tracker.Snapshot("USDT").Reserved)
	assert.False(t, h.env.Tracker.HasFiat(1), "insufficient funds latches until the next refresh")
}

func TestAmbiguousPlacementStaysPending(t *testing.T) {
	h := newHarness(t)
	slot := h.mgr.Plan().Slots[0]
	h.sim.FailNext(1, fmt.Errorf("read: connection reset: %w", models.ErrNetwork))

	require.Error(t, h.mgr.PlaceSlot(context.Background(), slot))

	got, err := h.env.Ledger.Get(slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingPlacement, got.Status)
	assert.Greater(t, h.env.Tracker.Snapshot("USDT").Reserved, 0.0)
}

// slowGateway holds PlaceOrder until release is closed.
type slowGateway struct {
	exchange.Gateway
	entered chan struct{}
	release chan struct{}
}

func (g *slowGateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	close(g.entered)
	<-g.release
	return g.Gateway.PlaceOrder(ctx, req)
}

func TestMarkMissingLeavesInFlightPlacementAlone(t *testing.T) {
	h := newHarness(t)
	slot := h.mgr.Plan().Slots[0]
	gw := &slowGateway{Gateway: h.sim, entered: make(chan struct{}), release: make(chan struct{})}
	h.env.Gateway = gw

	done := make(chan error, 1)
	go func() { done <- h.mgr.PlaceSlot(context.Background(), slot) }()
	<-gw.entered

	pending, err := h.env.Ledger.Get(slot.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPendingPlacement, pending.Status)

	_, err = h.mgr.MarkMissing(pending)
	require.Error(t, err)
	assert.True(t, models.IsConflict(err))

	close(gw.release)
	require.NoError(t, <-done)

	got, err := h.env.Ledger.Get(slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Equal(t, 1, h.sim.OpenCount())

	// the open order keeps the slot
	require.NoError(t, h.mgr.PlaceSlot(context.Background(), slot))
	assert.Equal(t, 1, h.sim.Calls("place_order"))
	assert.Greater(t, h.env.Tracker.Snapshot("USDT").Reserved, 0.0)
}

func TestFillCycleProducesOneSellOneRungUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buy := h.mgr.Plan().Slots[1] // BUY-001 @ 95
	require.Equal(t, "BUY-001", buy.ID)
	require.NoError(t, h.mgr.PlaceSlot(ctx, buy))

	order, err := h.env.Ledger.Get(buy.ID)
	require.NoError(t, err)
	require.NoError(t, h.sim.ForceFill(order.ExchangeOrderID))

	fill := models.Fill{SlotID: buy.ID, ExchangeOrderID: order.ExchangeOrderID, Quantity: buy.Quantity, Price: buy.Price}
	filledOrder, next, err := h.mgr.RecordFill(ctx, fill)
	require.NoError(t, err)
	require.NotNil(t, filledOrder)
	assert.Equal(t, models.StatusFilled, filledOrder.Status)
	require.NotNil(t, next)
	assert.Equal(t, "SELL-002", next.ID)
	assert.Equal(t, models.Sell, next.Side)
	assert.Equal(t, 100.0, next.Price)
	assert.InDelta(t, h.mgr.Plan().RoundQuantity(buy.Quantity*(1-0.001)), next.Quantity, 1e-12)

	filled, err := h.env.Ledger.Get(buy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, filled.Status)
	assert.Equal(t, buy.Quantity, filled.FilledQuantity)

	handled, again, err := h.mgr.RecordFill(ctx, fill)
	require.NoError(t, err)
	assert.Nil(t, handled, "a second observer of the same fill records nothing")
	assert.Nil(t, again, "a second observer of the same fill gets no replacement")
	assert.Equal(t, 1, h.reporter.count())
}

func TestSellFillRealizesProfit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buy := h.mgr.Plan().Slots[1]
	require.NoError(t, h.mgr.PlaceSlot(ctx, buy))
	o, _ := h.env.Ledger.Get(buy.ID)
	_, next, err := h.mgr.RecordFill(ctx, models.Fill{SlotID: buy.ID, ExchangeOrderID: o.ExchangeOrderID})
	require.NoError(t, err)
	require.NotNil(t, next)

	require.NoError(t, h.mgr.PlaceSlot(ctx, *next))
	s, _ := h.env.Ledger.Get(next.ID)
	_, back, err := h.mgr.RecordFill(ctx, models.Fill{SlotID: next.ID, ExchangeOrderID: s.ExchangeOrderID})
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, "BUY-001", back.ID)

	realized, fills := h.mgr.Realized()
	assert.Equal(t, 2, fills)
	assert.Greater(t, realized, 0.0)
}

func TestLateEventsLeaveTheNextOrderAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buy := h.mgr.Plan().Slots[1]
	require.NoError(t, h.mgr.PlaceSlot(ctx, buy))
	first, err := h.env.Ledger.Get(buy.ID)
	require.NoError(t, err)

	require.NoError(t, h.sim.ForceFill(first.ExchangeOrderID))
	_, _, err = h.mgr.RecordFill(ctx, models.Fill{SlotID: buy.ID, ExchangeOrderID: first.ExchangeOrderID})
	require.NoError(t, err)
	require.NoError(t, h.mgr.PlaceSlot(ctx, buy))
	second, err := h.env.Ledger.Get(buy.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, second.Status)
	require.NotEqual(t, first.ExchangeOrderID, second.ExchangeOrderID)

	// a fill or cancel for the first order arrives after the slot was re-placed
	handled, next, err := h.mgr.RecordFill(ctx, models.Fill{SlotID: buy.ID, ExchangeOrderID: first.ExchangeOrderID})
	require.NoError(t, err)
	assert.Nil(t, handled)
	assert.Nil(t, next)

	_, err = h.mgr.MarkCancelled(first)
	assert.True(t, models.IsConflict(err))

	got, err := h.env.Ledger.Get(buy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Equal(t, second.ExchangeOrderID, got.ExchangeOrderID)
	_, fills := h.mgr.Realized()
	assert.Equal(t, 1, fills)
}

func TestInitialPurchaseBuysShortfall(t *testing.T) {
	h := newHarness(t)
	h.sim.Withdraw("BTC", 5)
	bal, _ := h.sim.GetBalances(context.Background())
	h.env.Tracker.Refresh(bal)

	require.NoError(t, h.mgr.InitialPurchase(context.Background()))
	assert.GreaterOrEqual(t, h.env.Tracker.Snapshot("BTC").Free+1e-9, h.mgr.Plan().SellQuantity())
}
