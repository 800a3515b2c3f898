package models

import (
	"fmt"
	"time"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is the exchange order type used by a placement request.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// OrderStatus is the ledger-side lifecycle state of an order.
type OrderStatus string

const (
	StatusPendingPlacement OrderStatus = "PENDING_PLACEMENT"
	StatusOpen             OrderStatus = "OPEN"
	StatusFilled           OrderStatus = "FILLED"
	StatusCancelled        OrderStatus = "CANCELLED"
	StatusMissing          OrderStatus = "MISSING"
	StatusZombie           OrderStatus = "ZOMBIE"
)

// Terminal reports whether no further transition is expected for the status.
func (s OrderStatus) Terminal() bool {
	return s != StatusPendingPlacement && s != StatusOpen
}

// Exchange-side order statuses as reported by the gateway.
const (
	ExchangeNew             = "NEW"
	ExchangePartiallyFilled = "PARTIALLY_FILLED"
	ExchangeFilled          = "FILLED"
	ExchangeCanceled        = "CANCELED"
	ExchangeRejected        = "REJECTED"
	ExchangeExpired         = "EXPIRED"
)

// GridSlot 一条网格线上的一个挂单位置, 在网格配置不变的情况下是【不可变】的
type GridSlot struct {
	ID       string  `json:"id"`
	Side     Side    `json:"side"`
	Index    int     `json:"index"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// SlotID builds the stable identifier of the slot at a rung.
func SlotID(side Side, index int) string {
	return fmt.Sprintf("%s-%03d", side, index)
}

// Order 账本中与某个 GridSlot 绑定的订单记录
type Order struct {
	SlotID          string      `json:"slot_id"`
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	Side            Side        `json:"side"`
	Index           int         `json:"index"`
	Price           float64     `json:"price"`
	Quantity        float64     `json:"quantity"`
	Status          OrderStatus `json:"status"`
	FilledQuantity  float64     `json:"filled_quantity,omitempty"`
	FilledPrice     float64     `json:"filled_price,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	LastCheckedAt   time.Time   `json:"last_checked_at"`
	SessionID       string      `json:"session_id"`
}

// Slot returns the grid slot the order was placed for.
func (o *Order) Slot() GridSlot {
	return GridSlot{ID: o.SlotID, Side: o.Side, Index: o.Index, Price: o.Price, Quantity: o.Quantity}
}

// Session 一次运行
type Session struct {
	ID        string      `json:"id"`
	StartedAt time.Time   `json:"started_at"`
	Mode      TradingMode `json:"mode"`
	Symbol    string      `json:"symbol"`
}

// BalanceSnapshot is the tracker's view of one asset.
type BalanceSnapshot struct {
	Asset        string    `json:"asset"`
	Free         float64   `json:"free"`
	Reserved     float64   `json:"reserved"`
	Total        float64   `json:"total"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// OrderRequest is what the manager asks the gateway to place.
type OrderRequest struct {
	ClientOrderID string
	Side          Side
	Type          OrderType
	Price         float64
	Quantity      float64
}

// ExchangeOrder is the gateway's view of a single order.
type ExchangeOrder struct {
	ExchangeOrderID  string    `json:"exchange_order_id"`
	ClientOrderID    string    `json:"client_order_id"`
	Side             Side      `json:"side"`
	Price            float64   `json:"price"`
	Quantity         float64   `json:"quantity"`
	ExecutedQuantity float64   `json:"executed_quantity"`
	Status           string    `json:"status"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// OpenOrdersPage is one page of a paginated open-order listing.
// An empty NextPageToken marks the last page.
type OpenOrdersPage struct {
	Orders        []ExchangeOrder
	NextPageToken string
}

// Fill 一次成交
type Fill struct {
	SlotID          string    `json:"slot_id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	Side            Side      `json:"side"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price"`
	At              time.Time `json:"at"`
}

// ProfitSnapshot is pushed to the reporting backend after each fill.
type ProfitSnapshot struct {
	SessionID     string    `json:"session_id"`
	Symbol        string    `json:"symbol"`
	SlotID        string    `json:"slot_id"`
	Side          Side      `json:"side"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	RealizedQuote float64   `json:"realized_quote"` // 卖出成交额减去对应买入成本
	TotalRealized float64   `json:"total_realized"`
	BaseBalance   float64   `json:"base_balance"`
	QuoteBalance  float64   `json:"quote_balance"`
	Fills         int       `json:"fills"`
	At            time.Time `json:"at"`
}
