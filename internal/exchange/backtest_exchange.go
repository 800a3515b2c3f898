package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"grid-reconciler/internal/models"
)

// DefaultPageSize mirrors the common exchange cap on open-order listings.
const DefaultPageSize = 100

type simBalance struct {
	free   float64
	locked float64
}

type simOrder struct {
	models.ExchangeOrder
	id       int64
	typ      models.OrderType
	foreign  bool
	lockAmt  float64
	hideLeft int // listings the order stays visible after a lagged cancel
}

// Trade 模拟盘的一笔成交记录
type Trade struct {
	OrderID  string
	Side     models.Side
	Price    float64
	Quantity float64
	Fee      float64
	FeeAsset string
	Time     time.Time
}

// SimExchange 现货撮合模拟器, 用于模拟盘、回测和测试。
// 挂单在价格穿过限价时成交, 余额按 free/locked 记账。
type SimExchange struct {
	mu sync.Mutex

	base, quote string
	balances    map[string]*simBalance
	orders      map[int64]*simOrder
	nextID      int64
	pageSize    int

	price    float64
	now      time.Time
	makerFee float64
	takerFee float64
	trades   []Trade

	// fault injection
	failNext      int
	failErr       error
	malformedNext int
	cancelLag     int
	ignoreCancels bool
	calls         map[string]int
}

// NewSimExchange creates a simulator funded with initialQuote of the quote asset.
func NewSimExchange(base, quote string, initialQuote, feeRate float64) *SimExchange {
	return &SimExchange{
		base:     base,
		quote:    quote,
		balances: map[string]*simBalance{base: {}, quote: {free: initialQuote}},
		orders:   make(map[int64]*simOrder),
		nextID:   1,
		pageSize: DefaultPageSize,
		makerFee: feeRate,
		takerFee: feeRate,
		now:      time.Now(),
		calls:    make(map[string]int),
	}
}

// SetPageSize changes the listing page cap.
func (e *SimExchange) SetPageSize(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pageSize = n
}

// Deposit credits free balance of an asset.
func (e *SimExchange) Deposit(asset string, amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bal(asset).free += amount
}

// Withdraw debits free balance, never below zero.
func (e *SimExchange) Withdraw(asset string, amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.bal(asset)
	b.free -= amount
	if b.free < 0 {
		b.free = 0
	}
}

// FailNext makes the next n gateway calls return err.
func (e *SimExchange) FailNext(n int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext, e.failErr = n, err
}

// MalformedNext makes the next n listings contain an order without an id.
func (e *SimExchange) MalformedNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.malformedNext = n
}

// SetCancelLag keeps cancelled orders visible in the next n listings.
func (e *SimExchange) SetCancelLag(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelLag = n
}

// IgnoreCancels makes cancels succeed without taking effect.
func (e *SimExchange) IgnoreCancels(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignoreCancels = v
}

// Calls returns how often a gateway method was invoked.
func (e *SimExchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// AddForeignOrder rests an order on the book that was not placed through the
// gateway, e.g. left over from an earlier run. It locks no balance.
func (e *SimExchange) AddForeignOrder(side models.Side, price, qty float64) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.newOrder(models.OrderRequest{Side: side, Type: models.Limit, Price: price, Quantity: qty})
	o.foreign = true
	return o.ExchangeOrderID
}

func (e *SimExchange) bal(asset string) *simBalance {
	b, ok := e.balances[asset]
	if !ok {
		b = &simBalance{}
		e.balances[asset] = b
	}
	return b
}

// enter records the call and applies injected failures. Caller holds mu.
func (e *SimExchange) enter(op string) error {
	e.calls[op]++
	if e.failNext > 0 {
		e.failNext--
		return e.failErr
	}
	return nil
}

func (e *SimExchange) newOrder(req models.OrderRequest) *simOrder {
	id := e.nextID
	e.nextID++
	o := &simOrder{
		ExchangeOrder: models.ExchangeOrder{
			ExchangeOrderID: strconv.FormatInt(id, 10),
			ClientOrderID:   req.ClientOrderID,
			Side:            req.Side,
			Price:           req.Price,
			Quantity:        req.Quantity,
			Status:          models.ExchangeNew,
			UpdatedAt:       e.now,
		},
		id:  id,
		typ: req.Type,
	}
	e.orders[id] = o
	return o
}

func (e *SimExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("place_order"); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("place order: %v: %w", err, models.ErrNetwork)
	}
	if req.Quantity <= 0 || (req.Type != models.Market && req.Price <= 0) {
		return "", fmt.Errorf("price %v qty %v: %w", req.Price, req.Quantity, models.ErrRejected)
	}
	if req.ClientOrderID != "" {
		for _, o := range e.orders {
			if o.ClientOrderID == req.ClientOrderID && o.Status == models.ExchangeNew {
				return "", fmt.Errorf("duplicate client order id %s: %w", req.ClientOrderID, models.ErrRejected)
			}
		}
	}

	price := req.Price
	if req.Type == models.Market {
		price = e.price
		if price <= 0 {
			return "", fmt.Errorf("no market price: %w", models.ErrRejected)
		}
	}
	asset, amount := e.quote, price*req.Quantity
	if req.Side == models.Sell {
		asset, amount = e.base, req.Quantity
	}
	b := e.bal(asset)
	if b.free+1e-12 < amount {
		return "", fmt.Errorf("need %.8f %s, free %.8f: %w", amount, asset, b.free, models.ErrInsufficientFunds)
	}
	b.free -= amount
	b.locked += amount

	o := e.newOrder(req)
	o.lockAmt = amount
	if req.Type == models.Market {
		o.Price = price
		e.fill(o, price, e.takerFee)
	}
	return o.ExchangeOrderID, nil
}

func (e *SimExchange) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("cancel_order"); err != nil {
		return err
	}
	o, err := e.lookup(exchangeOrderID)
	if err != nil {
		return err
	}
	if o.Status != models.ExchangeNew {
		return fmt.Errorf("order %s is %s: %w", exchangeOrderID, o.Status, models.ErrNotFound)
	}
	if e.ignoreCancels {
		return nil
	}
	o.Status = models.ExchangeCanceled
	o.UpdatedAt = e.now
	o.hideLeft = e.cancelLag
	if !o.foreign {
		asset := e.quote
		if o.Side == models.Sell {
			asset = e.base
		}
		b := e.bal(asset)
		b.locked -= o.lockAmt
		b.free += o.lockAmt
	}
	return nil
}

func (e *SimExchange) ListOpenOrders(ctx context.Context, pageToken string) (models.OpenOrdersPage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("list_open_orders"); err != nil {
		return models.OpenOrdersPage{}, err
	}

	var after int64
	if pageToken != "" {
		v, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return models.OpenOrdersPage{}, fmt.Errorf("bad page token %q: %w", pageToken, models.ErrRejected)
		}
		after = v
	}

	var open []*simOrder
	for _, o := range e.orders {
		if o.id <= after {
			continue
		}
		if o.Status == models.ExchangeNew || o.hideLeft > 0 {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].id < open[j].id })

	size := e.pageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	page := models.OpenOrdersPage{}
	for i, o := range open {
		if i == size {
			page.NextPageToken = strconv.FormatInt(open[i-1].id, 10)
			break
		}
		view := o.ExchangeOrder
		view.Status = models.ExchangeNew
		page.Orders = append(page.Orders, view)
	}
	if pageToken == "" {
		for _, o := range e.orders {
			if o.hideLeft > 0 {
				o.hideLeft--
			}
		}
	}
	if e.malformedNext > 0 {
		e.malformedNext--
		page.Orders = append(page.Orders, models.ExchangeOrder{Side: models.Buy, Status: models.ExchangeNew})
	}
	return page, nil
}

func (e *SimExchange) GetBalances(ctx context.Context) (map[string]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("get_balances"); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(e.balances))
	for asset, b := range e.balances {
		out[asset] = b.free + b.locked
	}
	return out, nil
}

func (e *SimExchange) GetOrder(ctx context.Context, exchangeOrderID string) (*models.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("get_order"); err != nil {
		return nil, err
	}
	o, err := e.lookup(exchangeOrderID)
	if err != nil {
		return nil, err
	}
	view := o.ExchangeOrder
	return &view, nil
}

func (e *SimExchange) GetPrice(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("get_price"); err != nil {
		return 0, err
	}
	return e.price, nil
}

func (e *SimExchange) lookup(exchangeOrderID string) (*simOrder, error) {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("order %q: %w", exchangeOrderID, models.ErrNotFound)
	}
	o, ok := e.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", exchangeOrderID, models.ErrNotFound)
	}
	return o, nil
}

// SetPrice 模拟一根K线: 按 O->L->H->C 的路径检查挂单成交
func (e *SimExchange) SetPrice(open, high, low, close float64, ts time.Time) []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = ts
	before := len(e.trades)
	for _, p := range []float64{open, low, high, close} {
		e.price = p
		e.matchAt(p)
	}
	e.price = close
	return append([]Trade(nil), e.trades[before:]...)
}

// SetLastPrice moves the price without a candle, matching resting orders.
func (e *SimExchange) SetLastPrice(price float64) []Trade {
	return e.SetPrice(price, price, price, price, time.Now())
}

// matchAt fills every resting limit order crossed by price. Caller holds mu.
func (e *SimExchange) matchAt(price float64) {
	ids := make([]int64, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		o := e.orders[id]
		if o.Status != models.ExchangeNew || o.typ != models.Limit {
			continue
		}
		if (o.Side == models.Buy && price <= o.Price) || (o.Side == models.Sell && price >= o.Price) {
			e.fill(o, o.Price, e.makerFee)
		}
	}
}

// fill settles an order at price. Buy fees are charged in the base asset,
// sell fees in the quote asset. Caller holds mu.
func (e *SimExchange) fill(o *simOrder, price, feeRate float64) {
	o.Status = models.ExchangeFilled
	o.ExecutedQuantity = o.Quantity
	o.Price = price
	o.UpdatedAt = e.now

	t := Trade{OrderID: o.ExchangeOrderID, Side: o.Side, Price: price, Quantity: o.Quantity, Time: e.now}
	if o.Side == models.Buy {
		if !o.foreign {
			e.bal(e.quote).locked -= o.lockAmt
			// market orders lock at the quoted price; refund any difference
			if diff := o.lockAmt - price*o.Quantity; diff > 0 {
				e.bal(e.quote).free += diff
			}
		}
		t.Fee, t.FeeAsset = o.Quantity*feeRate, e.base
		e.bal(e.base).free += o.Quantity - t.Fee
	} else {
		if !o.foreign {
			e.bal(e.base).locked -= o.lockAmt
		}
		gross := price * o.Quantity
		t.Fee, t.FeeAsset = gross*feeRate, e.quote
		e.bal(e.quote).free += gross - t.Fee
	}
	e.trades = append(e.trades, t)
}

// ForceFill fills an open order at its limit price.
func (e *SimExchange) ForceFill(exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.lookup(exchangeOrderID)
	if err != nil {
		return err
	}
	if o.Status != models.ExchangeNew {
		return fmt.Errorf("order %s is %s", exchangeOrderID, o.Status)
	}
	e.fill(o, o.Price, e.makerFee)
	return nil
}

// Trades returns every fill so far.
func (e *SimExchange) Trades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Trade(nil), e.trades...)
}

// OpenCount returns the number of orders resting on the book.
func (e *SimExchange) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, o := range e.orders {
		if o.Status == models.ExchangeNew {
			n++
		}
	}
	return n
}

// Equity values all balances at the last price, in the quote asset.
func (e *SimExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, q := e.bal(e.base), e.bal(e.quote)
	return q.free + q.locked + (b.free+b.locked)*e.price
}

// Now returns the simulator clock.
func (e *SimExchange) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Balance returns the free and locked amounts of an asset.
func (e *SimExchange) Balance(asset string) (free, locked float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.bal(asset)
	return b.free, b.locked
}

// LastPrice returns the most recent simulated price.
func (e *SimExchange) LastPrice() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.price
}
