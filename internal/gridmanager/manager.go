package gridmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid-reconciler/internal/engine"
	"grid-reconciler/internal/exchange"
	"grid-reconciler/internal/grid"
	"grid-reconciler/internal/metrics"
	"grid-reconciler/internal/models"

	"go.uber.org/zap"
)

// ProfitReporter receives a snapshot after every fill. Implementations must
// not block.
type ProfitReporter interface {
	Report(snapshot models.ProfitSnapshot)
}

// Manager drives the ledger and the gateway toward the planned grid.
type Manager struct {
	env      *engine.Env
	plan     *grid.Plan
	reporter ProfitReporter
	logger   *zap.Logger

	inflight sync.Map // slot id -> struct{}

	mu            sync.Mutex
	realized      float64
	fills         int
	lastBuyPrices map[int]float64
}

// New creates a manager for an already computed plan. reporter may be nil.
func New(env *engine.Env, plan *grid.Plan, reporter ProfitReporter) *Manager {
	return &Manager{
		env:           env,
		plan:          plan,
		reporter:      reporter,
		logger:        env.Logger.With(zap.String("component", "grid_manager")),
		lastBuyPrices: make(map[int]float64),
	}
}

// Plan returns the grid the manager works from.
func (m *Manager) Plan() *grid.Plan { return m.plan }

// Env returns the runtime context.
func (m *Manager) Env() *engine.Env { return m.env }

// CleanStart retires orders left by earlier sessions and cancels every open
// order on the exchange, then re-lists until none remain. If the exchange
// still shows open orders once the attempt budget is spent it returns a
// ConsistencyFault and nothing may be placed.
func (m *Manager) CleanStart(ctx context.Context) error {
	if err := m.retirePriorSessions(); err != nil {
		return fmt.Errorf("retire prior sessions: %w", err)
	}

	wd := m.env.Config.Watchdog
	attempts := wd.CleanStartAttempts
	if attempts <= 0 {
		attempts = 5
	}

	remaining := -1
	for attempt := 1; attempt <= attempts; attempt++ {
		open, err := exchange.ListAllOpenOrders(ctx, m.env.Gateway, wd.MaxPages)
		if err != nil {
			m.logger.Warn("clean start listing failed", zap.Int("attempt", attempt), zap.Error(err))
		} else {
			foreign := m.foreignOrders(open)
			remaining = len(foreign)
			if remaining == 0 {
				m.logger.Info("clean start complete, no foreign open orders", zap.Int("attempt", attempt))
				return nil
			}
			m.logger.Info("cancelling pre-existing open orders",
				zap.Int("count", remaining), zap.Int("attempt", attempt))
			for _, o := range foreign {
				err := m.env.Gateway.CancelOrder(ctx, o.ExchangeOrderID)
				if err != nil && !errors.Is(err, models.ErrNotFound) {
					m.logger.Warn("clean start cancel failed",
						zap.String("exchange_order_id", o.ExchangeOrderID), zap.Error(err))
				}
			}
		}

		if err := sleep(ctx, wd.CleanStartDelay()); err != nil {
			return err
		}
	}

	open, err := exchange.ListAllOpenOrders(ctx, m.env.Gateway, wd.MaxPages)
	if err == nil {
		remaining = len(m.foreignOrders(open))
		if remaining == 0 {
			return nil
		}
	}
	if remaining < 0 {
		return fmt.Errorf("clean start could not list open orders: %w", err)
	}
	return &models.ConsistencyFault{Remaining: remaining, Attempts: attempts}
}

// foreignOrders filters out exchange orders the current session already tracks.
func (m *Manager) foreignOrders(open []models.ExchangeOrder) []models.ExchangeOrder {
	out := open[:0:0]
	for _, o := range open {
		if m.env.OwnsClientOrderID(o.ClientOrderID) {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (m *Manager) retirePriorSessions() error {
	orders, err := m.env.Ledger.List(models.StatusPendingPlacement, models.StatusOpen)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.SessionID == m.env.Session.ID {
			continue
		}
		after, err := m.env.Ledger.Transition(o.SlotID, o.Status, models.StatusCancelled, nil)
		if err != nil {
			if models.IsConflict(err) {
				continue
			}
			return err
		}
		m.logger.Info("retired order from prior session",
			zap.String("slot", o.SlotID),
			zap.String("session", o.SessionID),
			zap.String("before", string(o.Status)),
			zap.String("after", string(after.Status)))
	}
	return nil
}

// InitialPurchase buys, at market, the base asset the sell slots need but the
// account does not hold.
func (m *Manager) InitialPurchase(ctx context.Context) error {
	need := m.plan.SellQuantity() - m.env.Tracker.Snapshot(m.env.Tracker.Base()).Free
	if need <= 0 {
		return nil
	}
	qty := m.plan.CeilQuantity(need / (1 - m.env.Config.Grid.FeeRate))
	if qty <= 0 {
		return nil
	}
	m.logger.Info("initial purchase for sell slots", zap.Float64("quantity", qty))
	_, err := m.env.Gateway.PlaceOrder(ctx, models.OrderRequest{
		ClientOrderID: m.env.NewClientOrderID(),
		Side:          models.Buy,
		Type:          models.Market,
		Quantity:      qty,
	})
	if err != nil {
		return fmt.Errorf("initial purchase: %w", err)
	}
	balances, err := m.env.Gateway.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("refresh after initial purchase: %w", err)
	}
	m.env.Tracker.Refresh(balances)
	return nil
}

// Seed places every slot of the plan, a bounded number at a time.
func (m *Manager) Seed(ctx context.Context) {
	workers := m.env.Config.Grid.PlaceWorkers
	if workers <= 0 {
		workers = 4
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, slot := range m.plan.Slots {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(slot models.GridSlot) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.PlaceSlot(ctx, slot); err != nil {
				m.logger.Warn("seed placement failed", zap.String("slot", slot.ID), zap.Error(err))
			}
		}(slot)
	}
	wg.Wait()
}

func reserveAmount(side models.Side, price, qty float64) float64 {
	if side == models.Buy {
		return price * qty
	}
	return qty
}

// PlaceSlot places one slot unless it already holds a non-terminal order.
// Concurrent calls for the same slot collapse into one.
func (m *Manager) PlaceSlot(ctx context.Context, slot models.GridSlot) error {
	if _, busy := m.inflight.LoadOrStore(slot.ID, struct{}{}); busy {
		m.logger.Debug("placement already in flight", zap.String("slot", slot.ID))
		return nil
	}
	defer m.inflight.Delete(slot.ID)

	cur, err := m.env.Ledger.Get(slot.ID)
	if err != nil {
		return fmt.Errorf("read slot %s: %w", slot.ID, err)
	}
	if cur != nil && !cur.Status.Terminal() {
		return nil
	}

	asset := m.env.Tracker.AssetFor(slot.Side)
	amount := reserveAmount(slot.Side, slot.Price, slot.Quantity)
	if err := m.env.Tracker.Reserve(asset, amount); err != nil {
		metrics.OrdersPlaced.WithLabelValues(string(slot.Side), "no_funds").Inc()
		return err
	}

	now := m.env.Now()
	order := &models.Order{
		SlotID:        slot.ID,
		ClientOrderID: m.env.NewClientOrderID(),
		Side:          slot.Side,
		Index:         slot.Index,
		Price:         slot.Price,
		Quantity:      slot.Quantity,
		Status:        models.StatusPendingPlacement,
		CreatedAt:     now,
		LastCheckedAt: now,
		SessionID:     m.env.Session.ID,
	}
	if err := m.env.Ledger.Upsert(order); err != nil {
		m.env.Tracker.Release(asset, amount)
		return fmt.Errorf("record pending %s: %w", slot.ID, err)
	}

	exchangeID, err := m.env.Gateway.PlaceOrder(ctx, models.OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Side:          slot.Side,
		Type:          models.Limit,
		Price:         slot.Price,
		Quantity:      slot.Quantity,
	})
	if err != nil {
		return m.placementFailed(order, asset, amount, err)
	}

	_, err = m.env.Ledger.Transition(slot.ID, models.StatusPendingPlacement, models.StatusOpen, func(o *models.Order) error {
		if err := sameOrder(o, order.ClientOrderID); err != nil {
			return err
		}
		o.ExchangeOrderID = exchangeID
		o.LastCheckedAt = m.env.Now()
		return nil
	})
	if err != nil {
		// the watchdog may have adopted the order in between
		if cur, gerr := m.env.Ledger.Get(slot.ID); gerr == nil && cur != nil && cur.ExchangeOrderID == exchangeID {
			return nil
		}
		return fmt.Errorf("mark %s open: %w", slot.ID, err)
	}
	metrics.OrdersPlaced.WithLabelValues(string(slot.Side), "open").Inc()
	m.logger.Info("order placed",
		zap.String("slot", slot.ID),
		zap.String("exchange_order_id", exchangeID),
		zap.Float64("price", slot.Price),
		zap.Float64("quantity", slot.Quantity))
	return nil
}

// placementFailed settles a failed gateway call. A definite rejection retires
// the order; an ambiguous network failure leaves it pending so the watchdog
// can adopt it by client id or declare it missing.
func (m *Manager) placementFailed(order *models.Order, asset string, amount float64, cause error) error {
	if errors.Is(cause, models.ErrNetwork) || errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled) {
		metrics.OrdersPlaced.WithLabelValues(string(order.Side), "unknown").Inc()
		m.logger.Warn("placement outcome unknown, left pending for the watchdog",
			zap.String("slot", order.SlotID), zap.Error(cause))
		return cause
	}

	if _, err := m.env.Ledger.Transition(order.SlotID, models.StatusPendingPlacement, models.StatusCancelled, nil); err != nil && !models.IsConflict(err) {
		return errors.Join(cause, err)
	}
	m.env.Tracker.Release(asset, amount)
	if errors.Is(cause, models.ErrInsufficientFunds) {
		m.env.Tracker.MarkInsufficient(asset)
		metrics.OrdersPlaced.WithLabelValues(string(order.Side), "no_funds").Inc()
	} else {
		metrics.OrdersPlaced.WithLabelValues(string(order.Side), "rejected").Inc()
	}
	m.logger.Warn("placement failed, order cancelled",
		zap.String("slot", order.SlotID),
		zap.String("before", string(models.StatusPendingPlacement)),
		zap.String("after", string(models.StatusCancelled)),
		zap.Error(cause))
	return cause
}

// RecordFill marks an open order filled and returns the filled order and the
// opposite-side slot that replaces it. Only the caller that wins the
// OPEN -> FILLED transition gets them; everyone else gets (nil, nil, nil).
func (m *Manager) RecordFill(ctx context.Context, fill models.Fill) (*models.Order, *models.GridSlot, error) {
	order, err := m.env.Ledger.Transition(fill.SlotID, models.StatusOpen, models.StatusFilled, func(o *models.Order) error {
		if fill.ExchangeOrderID != "" && o.ExchangeOrderID != fill.ExchangeOrderID {
			return &models.ConflictError{SlotID: o.SlotID, Reason: fmt.Sprintf("fill for %s, slot holds %s", fill.ExchangeOrderID, o.ExchangeOrderID)}
		}
		if fill.Quantity <= 0 {
			fill.Quantity = o.Quantity
		}
		if fill.Price <= 0 {
			fill.Price = o.Price
		}
		o.FilledQuantity = fill.Quantity
		o.FilledPrice = fill.Price
		o.LastCheckedAt = m.env.Now()
		return nil
	})
	if err != nil {
		if models.IsConflict(err) {
			m.logger.Debug("fill already handled", zap.String("slot", fill.SlotID), zap.Error(err))
			return nil, nil, nil
		}
		return nil, nil, err
	}

	fee := m.env.Config.Grid.FeeRate
	tr := m.env.Tracker
	if order.Side == models.Buy {
		tr.Settle(tr.Quote(), order.Price*order.Quantity, order.FilledPrice*order.FilledQuantity,
			tr.Base(), order.FilledQuantity*(1-fee))
	} else {
		tr.Settle(tr.Base(), order.Quantity, order.FilledQuantity,
			tr.Quote(), order.FilledPrice*order.FilledQuantity*(1-fee))
	}
	metrics.Fills.WithLabelValues(string(order.Side)).Inc()
	m.logger.Info("order filled",
		zap.String("slot", order.SlotID),
		zap.String("exchange_order_id", order.ExchangeOrderID),
		zap.String("before", string(models.StatusOpen)),
		zap.String("after", string(order.Status)),
		zap.Float64("price", order.FilledPrice),
		zap.Float64("quantity", order.FilledQuantity))

	m.report(order, fee)

	next, ok := m.plan.Replacement(order.Side, order.Index, order.FilledQuantity, fee)
	if !ok {
		return order, nil, nil
	}
	return order, &next, nil
}

func (m *Manager) report(order *models.Order, fee float64) {
	m.mu.Lock()
	m.fills++
	var realized float64
	if order.Side == models.Buy {
		m.lastBuyPrices[order.Index+1] = order.FilledPrice
	} else if buy, ok := m.lastBuyPrices[order.Index]; ok {
		gross := order.FilledPrice * order.FilledQuantity
		realized = gross*(1-fee) - buy*order.FilledQuantity
		delete(m.lastBuyPrices, order.Index)
	}
	m.realized += realized
	total, fills := m.realized, m.fills
	m.mu.Unlock()

	metrics.RealizedProfit.Set(total)
	if m.reporter == nil {
		return
	}
	tr := m.env.Tracker
	m.reporter.Report(models.ProfitSnapshot{
		SessionID:     m.env.Session.ID,
		Symbol:        m.env.Session.Symbol,
		SlotID:        order.SlotID,
		Side:          order.Side,
		Price:         order.FilledPrice,
		Quantity:      order.FilledQuantity,
		RealizedQuote: realized,
		TotalRealized: total,
		BaseBalance:   tr.Snapshot(tr.Base()).Total,
		QuoteBalance:  tr.Snapshot(tr.Quote()).Total,
		Fills:         fills,
		At:            m.env.Now(),
	})
}

// Realized returns the session's realized profit and fill count.
func (m *Manager) Realized() (float64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realized, m.fills
}

// MarkCancelled retires an open order the exchange no longer holds.
func (m *Manager) MarkCancelled(order *models.Order) (*models.Order, error) {
	after, err := m.env.Ledger.Transition(order.SlotID, models.StatusOpen, models.StatusCancelled, func(o *models.Order) error {
		if err := sameOrder(o, order.ClientOrderID); err != nil {
			return err
		}
		o.LastCheckedAt = m.env.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.env.Tracker.Release(m.env.Tracker.AssetFor(order.Side), reserveAmount(order.Side, order.Price, order.Quantity))
	return after, nil
}

// MarkMissing retires a pending order that never reached the exchange. A slot
// whose placement is still in flight is left alone.
func (m *Manager) MarkMissing(order *models.Order) (*models.Order, error) {
	if _, busy := m.inflight.LoadOrStore(order.SlotID, struct{}{}); busy {
		return nil, &models.ConflictError{SlotID: order.SlotID, Reason: "placement in flight"}
	}
	defer m.inflight.Delete(order.SlotID)

	after, err := m.env.Ledger.Transition(order.SlotID, models.StatusPendingPlacement, models.StatusMissing, func(o *models.Order) error {
		if err := sameOrder(o, order.ClientOrderID); err != nil {
			return err
		}
		o.LastCheckedAt = m.env.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.env.Tracker.Release(m.env.Tracker.AssetFor(order.Side), reserveAmount(order.Side, order.Price, order.Quantity))
	return after, nil
}

// Adopt binds a pending order to the exchange order that carries its client id.
func (m *Manager) Adopt(order *models.Order, exchangeOrderID string) (*models.Order, error) {
	return m.env.Ledger.Transition(order.SlotID, models.StatusPendingPlacement, models.StatusOpen, func(o *models.Order) error {
		if err := sameOrder(o, order.ClientOrderID); err != nil {
			return err
		}
		o.ExchangeOrderID = exchangeOrderID
		o.LastCheckedAt = m.env.Now()
		return nil
	})
}

// sameOrder rejects a transition once the slot has moved on to another order.
func sameOrder(cur *models.Order, clientOrderID string) error {
	if clientOrderID != "" && cur.ClientOrderID != clientOrderID {
		return &models.ConflictError{SlotID: cur.SlotID, Reason: fmt.Sprintf("order %s replaced by %s", clientOrderID, cur.ClientOrderID)}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
