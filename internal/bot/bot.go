package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid-reconciler/internal/balance"
	"grid-reconciler/internal/dispatch"
	"grid-reconciler/internal/engine"
	"grid-reconciler/internal/exchange"
	"grid-reconciler/internal/feed"
	"grid-reconciler/internal/grid"
	"grid-reconciler/internal/gridmanager"
	"grid-reconciler/internal/models"
	"grid-reconciler/internal/persistence"
	"grid-reconciler/internal/reporter"
	"grid-reconciler/internal/watchdog"

	"go.uber.org/zap"
)

// backtestPassEvery is how many candles pass between watchdog passes in a
// backtest.
const backtestPassEvery = 60

// GridTradingBot wires the ledger, the gateway, the grid manager, the
// dispatcher and the watchdog for one session.
type GridTradingBot struct {
	env        *engine.Env
	mgr        *gridmanager.Manager
	dispatcher *dispatch.Dispatcher
	watchdog   *watchdog.Watchdog
	reporter   *reporter.AsyncReporter
	sim        *exchange.SimExchange // paper_trading 和 backtest 模式下的撮合器
	feed       *feed.WebSocketFeed
	logger     *zap.Logger

	mutex     sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	errs      chan error
	equity    []float64
}

// NewGridTradingBot creates a bot with a fresh session. gw is the gateway the
// engine talks to; in simulated modes it usually wraps sim.
func NewGridTradingBot(cfg *models.Config, ledger persistence.Ledger, gw exchange.Gateway, logger *zap.Logger) *GridTradingBot {
	session := engine.NewSession(cfg, time.Now())
	env := &engine.Env{
		Session: session,
		Config:  cfg,
		Ledger:  ledger,
		Gateway: gw,
		Tracker: balance.NewTracker(cfg.BaseCurrency, cfg.QuoteCurrency, logger),
		Logger:  logger.With(zap.String("session", session.ID)),
	}
	return &GridTradingBot{
		env:      env,
		reporter: reporter.NewAsyncReporter(cfg.ReportURL, cfg.ReportToken, env.Logger),
		logger:   env.Logger,
		errs:     make(chan error, 1),
	}
}

// AttachSimulator makes the bot drive sim with market prices.
func (b *GridTradingBot) AttachSimulator(sim *exchange.SimExchange) { b.sim = sim }

// AttachFeed sets the live price source.
func (b *GridTradingBot) AttachFeed(f *feed.WebSocketFeed) { b.feed = f }

// Env returns the runtime context.
func (b *GridTradingBot) Env() *engine.Env { return b.env }

// Manager returns the grid manager, nil before Setup.
func (b *GridTradingBot) Manager() *gridmanager.Manager { return b.mgr }

// Errors delivers fatal runtime errors such as watchdog escalations in live mode.
func (b *GridTradingBot) Errors() <-chan error { return b.errs }

// Setup runs the start-up sequence: persist the session, sync balances, plan
// the grid around the current price, clear the book, buy the base asset the
// sell side needs and seed every slot.
func (b *GridTradingBot) Setup(ctx context.Context) error {
	env := b.env
	if err := env.Ledger.SaveSession(env.Session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	b.logger.Info("session started",
		zap.String("mode", string(env.Session.Mode)),
		zap.String("symbol", env.Session.Symbol))

	if err := b.refreshBalances(ctx); err != nil {
		return err
	}
	price, err := env.Gateway.GetPrice(ctx)
	if err != nil {
		return fmt.Errorf("get reference price: %w", err)
	}
	plan, err := grid.Compute(grid.ParamsFromConfig(env.Config.Grid, price))
	if err != nil {
		return fmt.Errorf("compute grid: %w", err)
	}
	b.logger.Info("grid computed",
		zap.Float64("reference", plan.Reference),
		zap.Int("rungs", len(plan.Prices)),
		zap.Int("slots", len(plan.Slots)))

	b.mgr = gridmanager.New(env, plan, b.reporter)
	b.dispatcher = dispatch.NewDispatcher(b.mgr, env.Config.Watchdog, env.Logger)
	b.watchdog = watchdog.New(env, b.mgr, b.dispatcher)

	if err := b.mgr.CleanStart(ctx); err != nil {
		return fmt.Errorf("clean start: %w", err)
	}
	if env.Config.Grid.InitialPurchase {
		if err := b.mgr.InitialPurchase(ctx); err != nil {
			return err
		}
	}
	b.mgr.Seed(ctx)
	b.recordEquity()
	return nil
}

func (b *GridTradingBot) refreshBalances(ctx context.Context) error {
	balances, err := b.env.Gateway.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("get balances: %w", err)
	}
	b.env.Tracker.Refresh(balances)
	return nil
}

// Start runs Setup and then the background loops until Stop or ctx ends.
func (b *GridTradingBot) Start(ctx context.Context) error {
	b.mutex.Lock()
	if b.isRunning {
		b.mutex.Unlock()
		return errors.New("机器人已在运行")
	}
	b.isRunning = true
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mutex.Unlock()

	if err := b.Setup(runCtx); err != nil {
		b.Stop()
		return err
	}

	b.reporter.Start(runCtx)
	b.dispatcher.Start(runCtx)
	b.goLoop(func() { b.watchdog.Run(runCtx) })
	b.goLoop(func() { b.escalationLoop(runCtx) })
	b.goLoop(func() { b.monitorStatus(runCtx) })
	if b.feed != nil {
		ticks := make(chan feed.Tick, 64)
		b.goLoop(func() { b.feed.Run(runCtx, ticks) })
		b.goLoop(func() { b.priceLoop(runCtx, ticks) })
	}

	b.logger.Info("网格交易机器人已启动")
	return nil
}

func (b *GridTradingBot) goLoop(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// priceLoop feeds live prices into the simulator in paper mode.
func (b *GridTradingBot) priceLoop(ctx context.Context, ticks <-chan feed.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticks:
			if b.sim != nil {
				b.OnPrice(tick.Price)
			}
		}
	}
}

// OnPrice moves the simulated market and hands resulting fills to the
// dispatcher.
func (b *GridTradingBot) OnPrice(price float64) {
	if b.sim == nil {
		return
	}
	trades := b.sim.SetLastPrice(price)
	for _, fill := range b.fills(trades) {
		b.dispatcher.RecordFill(fill)
	}
}

// fills maps simulator trades onto the ledger's open orders. Trades of
// orders the ledger does not know are ignored.
func (b *GridTradingBot) fills(trades []exchange.Trade) []models.Fill {
	if len(trades) == 0 {
		return nil
	}
	open, err := b.env.Ledger.List(models.StatusOpen)
	if err != nil {
		b.logger.Warn("read ledger for fills", zap.Error(err))
		return nil
	}
	byXID := make(map[string]*models.Order, len(open))
	for _, o := range open {
		byXID[o.ExchangeOrderID] = o
	}
	var out []models.Fill
	for _, t := range trades {
		o, ok := byXID[t.OrderID]
		if !ok {
			continue
		}
		out = append(out, models.Fill{
			SlotID:          o.SlotID,
			ExchangeOrderID: t.OrderID,
			Side:            t.Side,
			Quantity:        t.Quantity,
			Price:           t.Price,
			At:              t.Time,
		})
	}
	return out
}

// ProcessBacktestTick replays one candle synchronously: fills are recorded
// and their replacements placed before the next candle.
func (b *GridTradingBot) ProcessBacktestTick(ctx context.Context, c feed.Candle) {
	trades := b.sim.SetPrice(c.Open, c.High, c.Low, c.Close, c.OpenTime)
	for _, fill := range b.fills(trades) {
		_, next, err := b.mgr.RecordFill(ctx, fill)
		if err != nil {
			b.logger.Warn("recording fill failed", zap.String("slot", fill.SlotID), zap.Error(err))
			continue
		}
		if next != nil {
			if err := b.mgr.PlaceSlot(ctx, *next); err != nil {
				b.logger.Debug("replacement placement failed", zap.String("slot", next.ID), zap.Error(err))
			}
		}
	}
	b.recordEquity()
}

// RunBacktest replays candles through the simulator and returns the report.
func (b *GridTradingBot) RunBacktest(ctx context.Context, candles []feed.Candle) (*reporter.Metrics, error) {
	if b.sim == nil {
		return nil, errors.New("backtest needs a simulator")
	}
	if len(candles) == 0 {
		return nil, feed.ErrNoCandles
	}
	b.reporter.Start(ctx)
	defer b.reporter.Close()

	first := candles[0]
	b.sim.SetPrice(first.Open, first.High, first.Low, first.Close, first.OpenTime)
	initial := b.sim.Equity()
	if err := b.Setup(ctx); err != nil {
		return nil, err
	}

	for i, c := range candles[1:] {
		if ctx.Err() != nil {
			break
		}
		b.ProcessBacktestTick(ctx, c)
		if (i+1)%backtestPassEvery == 0 {
			if _, err := b.watchdog.RunPass(ctx); err != nil {
				b.logger.Warn("backtest reconciliation pass failed", zap.Error(err))
			}
		}
	}
	if _, err := b.watchdog.RunPass(ctx); err != nil {
		b.logger.Warn("final reconciliation pass failed", zap.Error(err))
	}

	realized, _ := b.mgr.Realized()
	b.mutex.Lock()
	curve := append([]float64(nil), b.equity...)
	b.mutex.Unlock()
	m := reporter.Summarize(b.sim, b.env.Config.BaseCurrency, b.env.Config.QuoteCurrency, initial, realized, curve)
	m.StartTime = first.OpenTime
	m.EndTime = candles[len(candles)-1].OpenTime
	return m, nil
}

func (b *GridTradingBot) recordEquity() {
	if b.sim == nil {
		return
	}
	eq := b.sim.Equity()
	b.mutex.Lock()
	b.equity = append(b.equity, eq)
	b.mutex.Unlock()
}

// escalationLoop surfaces watchdog escalations. In live mode they end the run.
func (b *GridTradingBot) escalationLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-b.watchdog.Escalations():
			if b.env.Config.TradingMode != models.ModeLive {
				continue
			}
			select {
			case b.errs <- err:
			default:
			}
		}
	}
}

// monitorStatus 定期打印状态
func (b *GridTradingBot) monitorStatus(ctx context.Context) {
	every := time.Duration(b.env.Config.StatusEverySec) * time.Second
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.printStatus()
		}
	}
}

// printStatus 打印机器人当前状态
func (b *GridTradingBot) printStatus() {
	orders, err := b.env.Ledger.List(models.StatusPendingPlacement, models.StatusOpen, models.StatusMissing)
	if err != nil {
		b.logger.Warn("read ledger for status", zap.Error(err))
		return
	}
	var buf bytes.Buffer
	reporter.RenderLedger(&buf, orders, b.env.Tracker.Snapshots())
	realized, fills := b.mgr.Realized()
	b.logger.Sugar().Infof("========== 机器人状态 ==========\n已实现利润: %.6f, 成交次数: %d, 待处理事件: %d, %s\n%s",
		realized, fills, b.dispatcher.Queued(), b.reporter, buf.String())
}

// Stop 停止机器人. Open orders stay on the book; the next session's clean
// start cancels them.
func (b *GridTradingBot) Stop() {
	b.mutex.Lock()
	if !b.isRunning {
		b.mutex.Unlock()
		return
	}
	b.isRunning = false
	cancel := b.cancel
	b.mutex.Unlock()

	cancel()
	b.wg.Wait()
	if b.dispatcher != nil {
		b.dispatcher.Stop()
	}
	b.reporter.Close()
	b.logger.Info("网格交易机器人已停止")
}
