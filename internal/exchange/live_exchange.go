package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"grid-reconciler/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Binance error codes that map onto the gateway taxonomy.
const (
	codeTooManyRequests  = -1003
	codeNewOrderRejected = -2010
	codeCancelRejected   = -2011
	codeNoSuchOrder      = -2013
)

// BinanceGateway 基于 go-binance 的现货网关
type BinanceGateway struct {
	client   *binance.Client
	symbol   string
	pageSize int
	logger   *zap.Logger
}

// NewBinanceGateway creates a spot gateway for one symbol.
func NewBinanceGateway(apiKey, secretKey, symbol string, testnet bool, pageSize int, logger *zap.Logger) *BinanceGateway {
	binance.UseTestnet = testnet
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &BinanceGateway{
		client:   binance.NewClient(apiKey, secretKey),
		symbol:   symbol,
		pageSize: pageSize,
		logger:   logger,
	}
}

// SyncTime aligns request timestamps with the server clock.
func (g *BinanceGateway) SyncTime(ctx context.Context) error {
	offset, err := g.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return classify("sync time", err)
	}
	g.logger.Sugar().Infof("与币安服务器时间偏移: %dms", offset)
	return nil
}

func (g *BinanceGateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	svc := g.client.NewCreateOrderService().
		Symbol(g.symbol).
		Side(binance.SideType(req.Side)).
		Quantity(formatFloat(req.Quantity))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.Type == models.Market {
		svc = svc.Type(binance.OrderTypeMarket)
	} else {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatFloat(req.Price))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return "", classify("place order", err)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (g *BinanceGateway) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("order id %q: %w", exchangeOrderID, models.ErrNotFound)
	}
	_, err = g.client.NewCancelOrderService().Symbol(g.symbol).OrderID(id).Do(ctx)
	if err != nil {
		return classify("cancel order", err)
	}
	return nil
}

// ListOpenOrders serves pages of the spot open-order list, which Binance
// returns in one piece. The token is the last order id handed out; each page
// re-reads the list and continues after it.
func (g *BinanceGateway) ListOpenOrders(ctx context.Context, pageToken string) (models.OpenOrdersPage, error) {
	var after int64
	if pageToken != "" {
		v, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return models.OpenOrdersPage{}, fmt.Errorf("page token %q: %w", pageToken, models.ErrMalformedResponse)
		}
		after = v
	}

	orders, err := g.client.NewListOpenOrdersService().Symbol(g.symbol).Do(ctx)
	if err != nil {
		return models.OpenOrdersPage{}, classify("list open orders", err)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderID < orders[j].OrderID })

	page := models.OpenOrdersPage{}
	for _, o := range orders {
		if o.OrderID <= after {
			continue
		}
		if len(page.Orders) == g.pageSize {
			page.NextPageToken = page.Orders[len(page.Orders)-1].ExchangeOrderID
			break
		}
		eo, err := toExchangeOrder(o)
		if err != nil {
			return models.OpenOrdersPage{}, err
		}
		page.Orders = append(page.Orders, *eo)
	}
	return page, nil
}

func (g *BinanceGateway) GetBalances(ctx context.Context) (map[string]float64, error) {
	account, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify("get account", err)
	}
	out := make(map[string]float64, len(account.Balances))
	for _, b := range account.Balances {
		free, err1 := strconv.ParseFloat(b.Free, 64)
		locked, err2 := strconv.ParseFloat(b.Locked, 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("balance %s: %w", b.Asset, models.ErrMalformedResponse)
		}
		// zero balances are kept so a drained asset is refreshed to 0
		out[b.Asset] = free + locked
	}
	return out, nil
}

func (g *BinanceGateway) GetOrder(ctx context.Context, exchangeOrderID string) (*models.ExchangeOrder, error) {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("order id %q: %w", exchangeOrderID, models.ErrNotFound)
	}
	o, err := g.client.NewGetOrderService().Symbol(g.symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, classify("get order", err)
	}
	return toExchangeOrder(o)
}

func (g *BinanceGateway) GetPrice(ctx context.Context) (float64, error) {
	prices, err := g.client.NewListPricesService().Symbol(g.symbol).Do(ctx)
	if err != nil {
		return 0, classify("get price", err)
	}
	for _, p := range prices {
		if p.Symbol == g.symbol {
			v, err := strconv.ParseFloat(p.Price, 64)
			if err != nil {
				return 0, fmt.Errorf("price %q: %w", p.Price, models.ErrMalformedResponse)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("no price for %s: %w", g.symbol, models.ErrMalformedResponse)
}

// SymbolFilters returns the tick and step size published for the symbol.
func (g *BinanceGateway) SymbolFilters(ctx context.Context) (tick, step string, err error) {
	info, err := g.client.NewExchangeInfoService().Symbol(g.symbol).Do(ctx)
	if err != nil {
		return "", "", classify("exchange info", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != g.symbol {
			continue
		}
		if pf := s.PriceFilter(); pf != nil {
			tick = pf.TickSize
		}
		if lf := s.LotSizeFilter(); lf != nil {
			step = lf.StepSize
		}
		return tick, step, nil
	}
	return "", "", fmt.Errorf("symbol %s not listed: %w", g.symbol, models.ErrMalformedResponse)
}

func toExchangeOrder(o *binance.Order) (*models.ExchangeOrder, error) {
	if o == nil || o.OrderID == 0 {
		return nil, fmt.Errorf("order without id: %w", models.ErrMalformedResponse)
	}
	price, err1 := strconv.ParseFloat(o.Price, 64)
	qty, err2 := strconv.ParseFloat(o.OrigQuantity, 64)
	executed, err3 := strconv.ParseFloat(o.ExecutedQuantity, 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("order %d: %v: %w", o.OrderID, err, models.ErrMalformedResponse)
	}
	// market orders report price 0; derive the average from the quote filled
	if price == 0 && executed > 0 {
		if quote, err := strconv.ParseFloat(o.CummulativeQuoteQuantity, 64); err == nil {
			price = quote / executed
		}
	}
	return &models.ExchangeOrder{
		ExchangeOrderID:  strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:    o.ClientOrderID,
		Side:             models.Side(o.Side),
		Price:            price,
		Quantity:         qty,
		ExecutedQuantity: executed,
		Status:           string(o.Status),
		UpdatedAt:        time.UnixMilli(o.UpdateTime),
	}, nil
}

// classify maps a go-binance error onto the gateway taxonomy.
func classify(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %v: %w", op, err, models.ErrNetwork)
	}
	switch {
	case apiErr.Code == codeTooManyRequests:
		return fmt.Errorf("%s: %v: %w", op, apiErr, models.ErrRateLimited)
	case apiErr.Code == codeNewOrderRejected && strings.Contains(strings.ToLower(apiErr.Message), "insufficient"):
		return fmt.Errorf("%s: %v: %w", op, apiErr, models.ErrInsufficientFunds)
	case apiErr.Code == codeCancelRejected, apiErr.Code == codeNoSuchOrder:
		return fmt.Errorf("%s: %v: %w", op, apiErr, models.ErrNotFound)
	default:
		return fmt.Errorf("%s: %v: %w", op, apiErr, models.ErrRejected)
	}
}

// formatFloat renders a quantity or price without exponent notation.
func formatFloat(v float64) string {
	return decimal.NewFromFloat(v).String()
}
