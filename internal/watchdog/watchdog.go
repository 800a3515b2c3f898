package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid-reconciler/internal/engine"
	"grid-reconciler/internal/exchange"
	"grid-reconciler/internal/gridmanager"
	"grid-reconciler/internal/metrics"
	"grid-reconciler/internal/models"

	"go.uber.org/zap"
)

// Scheduler hands a slot to the placement path without waiting for it.
type Scheduler interface {
	SchedulePlacement(slot models.GridSlot)
}

// PassResult summarises one reconciliation pass.
type PassResult struct {
	Actions map[ActionKind]int
	Skipped bool
}

// Total returns the number of corrective actions taken.
func (r PassResult) Total() int {
	n := 0
	for _, c := range r.Actions {
		n += c
	}
	return n
}

// Watchdog periodically reconciles the ledger with the exchange.
type Watchdog struct {
	env       *engine.Env
	mgr       *gridmanager.Manager
	scheduler Scheduler
	logger    *zap.Logger

	mu          sync.Mutex
	failures    int
	parked      map[string]bool      // slots waiting for funds
	retried     map[string]time.Time // slots handed to the scheduler
	zombies     map[string]time.Time // exchange ids we already cancelled
	escalations chan error
}

// New creates a watchdog bound to a manager and a placement scheduler.
func New(env *engine.Env, mgr *gridmanager.Manager, scheduler Scheduler) *Watchdog {
	return &Watchdog{
		env:         env,
		mgr:         mgr,
		scheduler:   scheduler,
		logger:      env.Logger.With(zap.String("component", "watchdog")),
		parked:      make(map[string]bool),
		retried:     make(map[string]time.Time),
		zombies:     make(map[string]time.Time),
		escalations: make(chan error, 1),
	}
}

// Escalations delivers an error whenever the exchange has failed for
// EscalateAfter consecutive passes.
func (w *Watchdog) Escalations() <-chan error { return w.escalations }

// Run executes a pass every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	cfg := w.env.Config.Watchdog
	interval := cfg.Interval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("watchdog started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			passCtx, cancel := ctx, context.CancelFunc(func() {})
			if t := cfg.PassTimeout(); t > 0 {
				passCtx, cancel = context.WithTimeout(ctx, t)
			}
			if _, err := w.RunPass(passCtx); err != nil && ctx.Err() == nil {
				w.logger.Warn("reconciliation pass failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// RunPass performs one reconciliation pass.
func (w *Watchdog) RunPass(ctx context.Context) (PassResult, error) {
	result := PassResult{Actions: make(map[ActionKind]int)}
	cfg := w.env.Config.Watchdog

	if balances, err := w.env.Gateway.GetBalances(ctx); err != nil {
		w.logger.Warn("balance refresh failed", zap.Error(err))
	} else {
		w.env.Tracker.Refresh(balances)
	}

	open, err := exchange.ListAllOpenOrders(ctx, w.env.Gateway, cfg.MaxPages)
	if err != nil {
		result.Skipped = true
		if errors.Is(err, models.ErrMalformedResponse) {
			metrics.WatchdogPasses.WithLabelValues("malformed").Inc()
			w.logger.Warn("malformed exchange response, skipping pass", zap.Error(err))
			return result, err
		}
		w.recordFailure(err)
		return result, err
	}
	w.recordSuccess()

	orders, err := w.env.Ledger.List(models.StatusPendingPlacement, models.StatusOpen, models.StatusMissing)
	if err != nil {
		result.Skipped = true
		metrics.WatchdogPasses.WithLabelValues("ledger_error").Inc()
		return result, fmt.Errorf("read ledger: %w", err)
	}
	snapshot := make([]models.Order, 0, len(orders))
	live := 0
	for _, o := range orders {
		if o.SessionID != w.env.Session.ID {
			continue
		}
		if !o.Status.Terminal() {
			live++
		}
		snapshot = append(snapshot, *o)
	}
	metrics.OpenOrders.Set(float64(live))

	actions := Diff(snapshot, open, w.env.Now(), DiffConfig{
		GraceWindow:  cfg.GraceWindow(),
		PendingStale: cfg.PendingStale(),
	})
	for _, a := range actions {
		if ctx.Err() != nil {
			break
		}
		if w.apply(ctx, a) {
			result.Actions[a.Kind]++
			metrics.ReconcileActions.WithLabelValues(string(a.Kind)).Inc()
		}
	}
	metrics.WatchdogPasses.WithLabelValues("ok").Inc()
	if n := result.Total(); n > 0 {
		w.logger.Info("reconciliation pass complete", zap.Int("actions", n))
	}
	return result, nil
}

func (w *Watchdog) recordFailure(err error) {
	metrics.WatchdogPasses.WithLabelValues("failed").Inc()
	threshold := w.env.Config.Watchdog.EscalateAfter
	if threshold <= 0 {
		threshold = 5
	}

	w.mu.Lock()
	w.failures++
	n := w.failures
	w.mu.Unlock()

	if n < threshold || n%threshold != 0 {
		return
	}
	escalation := fmt.Errorf("exchange unreachable for %d consecutive passes: %w", n, err)
	metrics.Escalations.Inc()
	w.logger.Error("escalating watchdog failure", zap.Int("consecutive_failures", n), zap.Error(err))
	select {
	case w.escalations <- escalation:
	default:
	}
}

func (w *Watchdog) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = 0
}

// apply executes one action and reports whether anything was changed.
func (w *Watchdog) apply(ctx context.Context, a Action) bool {
	switch a.Kind {
	case ActionCancelZombie:
		return w.cancelZombie(ctx, a.Exchange)
	case ActionQueryStatus:
		return w.resolveVanished(ctx, a.Order)
	case ActionMarkMissing:
		return w.markMissing(a.Order)
	case ActionRetryMissing:
		return w.retryMissing(a.Order)
	case ActionAdoptOpen:
		after, err := w.mgr.Adopt(&a.Order, a.Exchange.ExchangeOrderID)
		if err != nil {
			w.logger.Debug("adopt skipped", zap.String("slot", a.Order.SlotID), zap.Error(err))
			return false
		}
		w.logCorrection("adopted pending order found on exchange", &a.Order, after)
		return true
	}
	return false
}

func (w *Watchdog) cancelZombie(ctx context.Context, eo models.ExchangeOrder) bool {
	now := w.env.Now()
	w.mu.Lock()
	if at, ok := w.zombies[eo.ExchangeOrderID]; ok && now.Sub(at) < w.env.Config.Watchdog.ZombieCooldown() {
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()

	err := w.env.Gateway.CancelOrder(ctx, eo.ExchangeOrderID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		w.logger.Warn("zombie cancel failed", zap.String("exchange_order_id", eo.ExchangeOrderID), zap.Error(err))
		return false
	}

	w.mu.Lock()
	w.zombies[eo.ExchangeOrderID] = now
	for id, at := range w.zombies {
		if now.Sub(at) > 10*w.env.Config.Watchdog.ZombieCooldown() {
			delete(w.zombies, id)
		}
	}
	w.mu.Unlock()

	w.logger.Warn("cancelled zombie order",
		zap.String("exchange_order_id", eo.ExchangeOrderID),
		zap.String("client_order_id", eo.ClientOrderID),
		zap.String("side", string(eo.Side)),
		zap.Float64("price", eo.Price),
		zap.String("before", eo.Status),
		zap.String("after", string(models.StatusZombie)+"/"+models.ExchangeCanceled))
	return true
}

// resolveVanished asks the exchange once what happened to an order that left
// the book, then records the fill or the cancellation.
func (w *Watchdog) resolveVanished(ctx context.Context, order models.Order) bool {
	eo, err := w.env.Gateway.GetOrder(ctx, order.ExchangeOrderID)
	if errors.Is(err, models.ErrNotFound) {
		return w.cancelled(&order, "exchange does not know the order")
	}
	if err != nil {
		w.logger.Warn("status query failed", zap.String("slot", order.SlotID), zap.Error(err))
		return false
	}

	switch eo.Status {
	case models.ExchangeFilled:
		return w.filled(ctx, order, eo)
	case models.ExchangeCanceled, models.ExchangeExpired, models.ExchangeRejected:
		if eo.ExecutedQuantity > 0 {
			return w.filled(ctx, order, eo)
		}
		return w.cancelled(&order, "cancelled outside the engine")
	default:
		// still resting; the listing lagged behind
		return false
	}
}

func (w *Watchdog) filled(ctx context.Context, order models.Order, eo *models.ExchangeOrder) bool {
	after, next, err := w.mgr.RecordFill(ctx, models.Fill{
		SlotID:          order.SlotID,
		ExchangeOrderID: order.ExchangeOrderID,
		Side:            order.Side,
		Quantity:        eo.ExecutedQuantity,
		Price:           eo.Price,
		At:              eo.UpdatedAt,
	})
	if err != nil {
		w.logger.Warn("recording fill failed", zap.String("slot", order.SlotID), zap.Error(err))
		return false
	}
	if after == nil {
		// the placement path recorded this fill first
		return false
	}
	w.logCorrection("order filled while unobserved", &order, after)
	if next != nil {
		w.scheduler.SchedulePlacement(*next)
	}
	return true
}

func (w *Watchdog) cancelled(order *models.Order, reason string) bool {
	after, err := w.mgr.MarkCancelled(order)
	if err != nil {
		w.logger.Debug("cancel transition skipped", zap.String("slot", order.SlotID), zap.Error(err))
		return false
	}
	w.logCorrection(reason, order, after)
	return true
}

func (w *Watchdog) markMissing(order models.Order) bool {
	after, err := w.mgr.MarkMissing(&order)
	if err != nil {
		w.logger.Debug("missing transition skipped", zap.String("slot", order.SlotID), zap.Error(err))
		return false
	}
	w.logCorrection("pending order never reached the exchange", &order, after)
	w.retryMissing(*after)
	return true
}

// retryMissing re-places a missing slot when funds allow. While funds are
// short the slot is parked and logged once; it resumes on its own once a
// balance refresh shows capacity.
func (w *Watchdog) retryMissing(order models.Order) bool {
	slot := order.Slot()
	need := slot.Quantity
	if slot.Side == models.Buy {
		need = slot.Price * slot.Quantity
	}
	now := w.env.Now()

	w.mu.Lock()
	if !w.env.Tracker.HasFor(slot.Side, need) {
		if !w.parked[slot.ID] {
			w.parked[slot.ID] = true
			w.logger.Warn("insufficient funds, recovery suspended",
				zap.String("slot", slot.ID),
				zap.String("asset", w.env.Tracker.AssetFor(slot.Side)),
				zap.Float64("need", need))
		}
		w.mu.Unlock()
		return false
	}
	if at, ok := w.retried[slot.ID]; ok && now.Sub(at) < w.env.Config.Watchdog.PendingStale() {
		w.mu.Unlock()
		return false
	}
	if w.parked[slot.ID] {
		delete(w.parked, slot.ID)
		w.logger.Info("funds available again, recovery resumed", zap.String("slot", slot.ID))
	}
	w.retried[slot.ID] = now
	w.mu.Unlock()

	w.scheduler.SchedulePlacement(slot)
	return true
}

func (w *Watchdog) logCorrection(msg string, before, after *models.Order) {
	fields := []zap.Field{
		zap.String("slot", before.SlotID),
		zap.String("exchange_order_id", before.ExchangeOrderID),
		zap.String("before", string(before.Status)),
	}
	if after != nil {
		fields = append(fields, zap.String("after", string(after.Status)))
	}
	w.logger.Info(msg, fields...)
}
