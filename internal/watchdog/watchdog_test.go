package watchdog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grid-reconciler/internal/balance"
	"grid-reconciler/internal/engine"
	"grid-reconciler/internal/exchange"
	"grid-reconciler/internal/grid"
	"grid-reconciler/internal/gridmanager"
	"grid-reconciler/internal/models"
	"grid-reconciler/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// syncScheduler places slots inline so tests can observe the outcome.
type syncScheduler struct {
	mgr *gridmanager.Manager

	mu    sync.Mutex
	slots []string
}

func (s *syncScheduler) SchedulePlacement(slot models.GridSlot) {
	s.mu.Lock()
	s.slots = append(s.slots, slot.ID)
	s.mu.Unlock()
	_ = s.mgr.PlaceSlot(context.Background(), slot)
}

type fixture struct {
	sim   *exchange.SimExchange
	env   *engine.Env
	mgr   *gridmanager.Manager
	wd    *Watchdog
	sched *syncScheduler
	logs  *observer.ObservedLogs
	skew  atomic.Int64
}

// advance moves the watchdog clock forward past the grace and stale windows.
func (f *fixture) advance(d time.Duration) { f.skew.Add(int64(d)) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &models.Config{
		TradingMode:   models.ModePaperTrading,
		BaseCurrency:  "BTC",
		QuoteCurrency: "USDT",
		Grid: models.GridConfig{
			LowerPrice: 90, UpperPrice: 110, Rungs: 5,
			Spacing: models.SpacingArithmetic, Investment: 1000,
			TickSize: "0.01", StepSize: "0.0001", FeeRate: 0.001,
			PlaceWorkers: 2,
		},
		Watchdog: models.WatchdogConfig{
			IntervalMs:       5,
			GraceWindowMs:    1000,
			PendingStaleMs:   1000,
			ZombieCooldownMs: 60000,
			EscalateAfter:    3,
			MaxPages:         10,
		},
	}

	ledger, err := persistence.NewInMemoryLedger()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	sim := exchange.NewSimExchange("BTC", "USDT", 1000, cfg.Grid.FeeRate)
	sim.Deposit("BTC", 5)
	sim.SetLastPrice(100)

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	f := &fixture{sim: sim, logs: logs}
	tracker := balance.NewTracker("BTC", "USDT", logger)
	bal, err := sim.GetBalances(context.Background())
	require.NoError(t, err)
	tracker.Refresh(bal)

	f.env = &engine.Env{
		Session: &models.Session{ID: "7b1d2c3e-aaaa-bbbb-cccc-ddddeeeeffff", Symbol: "BTCUSDT"},
		Config:  cfg,
		Ledger:  ledger,
		Gateway: sim,
		Tracker: tracker,
		Logger:  logger,
		Clock:   func() time.Time { return time.Now().Add(time.Duration(f.skew.Load())) },
	}
	plan, err := grid.Compute(grid.ParamsFromConfig(cfg.Grid, 100))
	require.NoError(t, err)
	f.mgr = gridmanager.New(f.env, plan, nil)
	f.sched = &syncScheduler{mgr: f.mgr}
	f.wd = New(f.env, f.mgr, f.sched)
	return f
}

func (f *fixture) pass(t *testing.T) PassResult {
	t.Helper()
	res, err := f.wd.RunPass(context.Background())
	require.NoError(t, err)
	return res
}

func TestSecondPassIsNoop(t *testing.T) {
	f := newFixture(t)
	f.mgr.Seed(context.Background())
	f.sim.AddForeignOrder(models.Sell, 130, 0.1)
	f.advance(2 * time.Second)

	first := f.pass(t)
	assert.Equal(t, 1, first.Actions[ActionCancelZombie])

	second := f.pass(t)
	assert.Zero(t, second.Total())
	assert.Equal(t, len(f.mgr.Plan().Slots), f.sim.OpenCount())
}

func TestZombieCancelHasCooldown(t *testing.T) {
	f := newFixture(t)
	f.sim.AddForeignOrder(models.Buy, 50, 0.1)
	f.sim.IgnoreCancels(true)

	assert.Equal(t, 1, f.pass(t).Total())
	assert.Zero(t, f.pass(t).Total(), "the same zombie is not cancelled again inside the cooldown")
	assert.Equal(t, 1, f.sim.Calls("cancel_order"))
}

func TestVanishedOrderFilledIsRecordedOnce(t *testing.T) {
	f := newFixture(t)
	f.mgr.Seed(context.Background())
	order, err := f.env.Ledger.Get("BUY-001")
	require.NoError(t, err)
	require.NoError(t, f.sim.ForceFill(order.ExchangeOrderID))

	assert.Zero(t, f.pass(t).Total(), "inside the grace window")

	f.advance(2 * time.Second)
	res := f.pass(t)
	assert.Equal(t, 1, res.Actions[ActionQueryStatus])

	filled, err := f.env.Ledger.Get("BUY-001")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, filled.Status)
	assert.Equal(t, []string{"SELL-002"}, f.sched.slots)

	sell, err := f.env.Ledger.Get("SELL-002")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, sell.Status)

	assert.Zero(t, f.pass(t).Total())
	_, fills := f.mgr.Realized()
	assert.Equal(t, 1, fills)
}

func TestFillAlreadyRecordedIsNotCountedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mgr.Seed(ctx)
	order, err := f.env.Ledger.Get("BUY-001")
	require.NoError(t, err)
	require.NoError(t, f.sim.ForceFill(order.ExchangeOrderID))

	// the placement path wins the transition between the diff and the status query
	recorded, next, err := f.mgr.RecordFill(ctx, models.Fill{SlotID: order.SlotID, ExchangeOrderID: order.ExchangeOrderID})
	require.NoError(t, err)
	require.NotNil(t, recorded)
	require.NotNil(t, next)

	assert.False(t, f.wd.resolveVanished(ctx, *order))
	assert.Zero(t, f.logs.FilterMessage("order filled while unobserved").Len())
	assert.Empty(t, f.sched.slots, "no second replacement")
	_, fills := f.mgr.Realized()
	assert.Equal(t, 1, fills)
}

func TestVanishedOrderCancelledOutsideEngine(t *testing.T) {
	f := newFixture(t)
	f.mgr.Seed(context.Background())
	order, err := f.env.Ledger.Get("BUY-000")
	require.NoError(t, err)
	reservedBefore := f.env.Tracker.Snapshot("USDT").Reserved
	require.NoError(t, f.sim.CancelOrder(context.Background(), order.ExchangeOrderID))

	f.advance(2 * time.Second)
	res := f.pass(t)
	assert.Equal(t, 1, res.Actions[ActionQueryStatus])

	got, err := f.env.Ledger.Get("BUY-000")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Less(t, f.env.Tracker.Snapshot("USDT").Reserved, reservedBefore)
	assert.Empty(t, f.sched.slots)
}

func TestPendingOrderAdoptedByClientID(t *testing.T) {
	f := newFixture(t)
	slot := f.mgr.Plan().Slots[0]
	f.sim.FailNext(1, fmt.Errorf("timeout: %w", models.ErrNetwork))
	require.Error(t, f.mgr.PlaceSlot(context.Background(), slot))

	pending, err := f.env.Ledger.Get(slot.ID)
	require.NoError(t, err)
	// the request reached the exchange after all
	xid, err := f.sim.PlaceOrder(context.Background(), models.OrderRequest{
		ClientOrderID: pending.ClientOrderID, Side: slot.Side, Type: models.Limit,
		Price: slot.Price, Quantity: slot.Quantity,
	})
	require.NoError(t, err)

	assert.Zero(t, f.pass(t).Total(), "a young pending order may still be in flight")

	f.advance(2 * time.Second)
	res := f.pass(t)
	assert.Equal(t, 1, res.Actions[ActionAdoptOpen])

	got, err := f.env.Ledger.Get(slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Equal(t, xid, got.ExchangeOrderID)
	assert.Zero(t, f.pass(t).Total())
}

func TestMissingRecoveryWaitsForFunds(t *testing.T) {
	f := newFixture(t)
	slot := f.mgr.Plan().Slots[1] // BUY-001
	f.sim.FailNext(1, fmt.Errorf("timeout: %w", models.ErrNetwork))
	require.Error(t, f.mgr.PlaceSlot(context.Background(), slot))

	f.sim.Withdraw("USDT", 1000)
	f.advance(2 * time.Second)

	res := f.pass(t)
	assert.Equal(t, 1, res.Actions[ActionMarkMissing])
	got, err := f.env.Ledger.Get(slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMissing, got.Status)

	for i := 0; i < 5; i++ {
		assert.Zero(t, f.pass(t).Total())
	}
	assert.Equal(t, 1, f.logs.FilterMessage("insufficient funds, recovery suspended").Len())
	assert.Equal(t, 1, f.sim.Calls("place_order"), "no placement while funds are short")

	f.sim.Deposit("USDT", 1000)
	res = f.pass(t)
	assert.Equal(t, 1, res.Actions[ActionRetryMissing])
	assert.Equal(t, 1, f.logs.FilterMessage("funds available again, recovery resumed").Len())

	got, err = f.env.Ledger.Get(slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)

	history, err := f.env.Ledger.History(slot.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, models.StatusMissing, history[len(history)-1].Status)

	assert.Zero(t, f.pass(t).Total())
	assert.Equal(t, 1, f.logs.FilterMessage("insufficient funds, recovery suspended").Len())
}

func TestMalformedListingSkipsPass(t *testing.T) {
	f := newFixture(t)
	f.sim.AddForeignOrder(models.Buy, 50, 0.1)
	f.sim.MalformedNext(1)

	res, err := f.wd.RunPass(context.Background())
	require.ErrorIs(t, err, models.ErrMalformedResponse)
	assert.True(t, res.Skipped)
	assert.Zero(t, f.sim.Calls("cancel_order"))

	assert.Equal(t, 1, f.pass(t).Total())
}

func TestRepeatedFailuresEscalate(t *testing.T) {
	f := newFixture(t)
	f.sim.FailNext(1000, fmt.Errorf("dial tcp: %w", models.ErrNetwork))

	for i := 0; i < 2; i++ {
		_, err := f.wd.RunPass(context.Background())
		require.Error(t, err)
	}
	select {
	case err := <-f.wd.Escalations():
		t.Fatalf("escalated too early: %v", err)
	default:
	}

	_, err := f.wd.RunPass(context.Background())
	require.Error(t, err)
	select {
	case err := <-f.wd.Escalations():
		assert.ErrorIs(t, err, models.ErrNetwork)
	default:
		t.Fatal("expected an escalation after three failed passes")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.wd.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
	assert.Greater(t, f.sim.Calls("list_open_orders"), 1)
}

// lossyGateway drops the response of every nth placement after the order rests.
type lossyGateway struct {
	exchange.Gateway
	every int64
	n     atomic.Int64
}

func (g *lossyGateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	id, err := g.Gateway.PlaceOrder(ctx, req)
	if err == nil && g.n.Add(1)%g.every == 0 {
		return "", fmt.Errorf("read: connection reset: %w", models.ErrNetwork)
	}
	return id, err
}

func TestPassesConcurrentWithPlacementsKeepOneOrderPerSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.env.Gateway = &lossyGateway{Gateway: f.sim, every: 7}
	netErr := fmt.Errorf("dial tcp: i/o timeout: %w", models.ErrNetwork)
	slots := f.mgr.Plan().Slots

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for round := 0; round < 10; round++ {
			f.mgr.Seed(ctx)
			for _, s := range slots {
				_ = f.mgr.PlaceSlot(ctx, s)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			if i%5 == 0 {
				f.sim.FailNext(2, netErr)
			}
			open, err := f.env.Ledger.List(models.StatusOpen)
			if err != nil || len(open) == 0 {
				continue
			}
			o := open[i%len(open)]
			if f.sim.ForceFill(o.ExchangeOrderID) != nil {
				continue
			}
			_, next, err := f.mgr.RecordFill(ctx, models.Fill{SlotID: o.SlotID, ExchangeOrderID: o.ExchangeOrderID})
			if err == nil && next != nil {
				_ = f.mgr.PlaceSlot(ctx, *next)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			f.advance(400 * time.Millisecond)
			_, _ = f.wd.RunPass(ctx)
		}
	}()
	wg.Wait()

	// settle: no more faults, passes until nothing is left to correct
	f.sim.FailNext(0, nil)
	settled := false
	for i := 0; i < 10 && !settled; i++ {
		f.advance(2 * time.Second)
		settled = f.pass(t).Total() == 0
	}
	require.True(t, settled, "reconciliation keeps finding work")

	current, err := f.env.Ledger.List()
	require.NoError(t, err)
	bySlot := make(map[string]*models.Order)
	owner := make(map[string]string) // client order id -> slot
	for _, o := range current {
		assert.NotEqual(t, models.StatusPendingPlacement, o.Status, o.SlotID)
		bySlot[o.SlotID] = o
		owner[o.ClientOrderID] = o.SlotID
		history, err := f.env.Ledger.History(o.SlotID)
		require.NoError(t, err)
		for _, h := range history {
			owner[h.ClientOrderID] = o.SlotID
		}
	}

	resting, err := exchange.ListAllOpenOrders(ctx, f.sim, 10)
	require.NoError(t, err)
	perSlot := make(map[string]int)
	listed := make(map[string]bool)
	for _, eo := range resting {
		slot, ok := owner[eo.ClientOrderID]
		require.True(t, ok, "resting order %s belongs to no slot", eo.ExchangeOrderID)
		perSlot[slot]++
		listed[eo.ExchangeOrderID] = true
		cur := bySlot[slot]
		assert.Equal(t, models.StatusOpen, cur.Status, slot)
		assert.Equal(t, cur.ExchangeOrderID, eo.ExchangeOrderID, slot)
	}
	for slot, n := range perSlot {
		assert.Equal(t, 1, n, "slot %s holds %d resting orders", slot, n)
	}
	for _, o := range current {
		if o.Status == models.StatusOpen {
			assert.True(t, listed[o.ExchangeOrderID], "open slot %s is on the book", o.SlotID)
		}
	}
	assert.Greater(t, f.sim.Calls("place_order"), len(slots))
}
