// Package feed supplies prices to the bot: a live aggTrade stream and a
// replay of downloaded klines.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Tick is one observed trade price.
type Tick struct {
	Price float64
	Time  time.Time
}

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait
	reconnectDelay = 5 * time.Second
)

// WebSocketFeed streams aggTrade prices and reconnects when the stream drops.
type WebSocketFeed struct {
	url            string
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *zap.Logger

	last atomic.Uint64 // math.Float64bits of the last price
}

// NewWebSocketFeed creates a feed for symbol on the given stream base url,
// e.g. wss://stream.binance.com:9443.
func NewWebSocketFeed(baseURL, symbol string, logger *zap.Logger) *WebSocketFeed {
	return &WebSocketFeed{
		url:            fmt.Sprintf("%s/ws/%s@aggTrade", strings.TrimRight(baseURL, "/"), strings.ToLower(symbol)),
		dialer:         websocket.DefaultDialer,
		reconnectDelay: reconnectDelay,
		logger:         logger.With(zap.String("component", "feed")),
	}
}

// URL returns the stream address.
func (f *WebSocketFeed) URL() string { return f.url }

// Last returns the most recent price, or 0 before the first tick.
func (f *WebSocketFeed) Last() float64 {
	return math.Float64frombits(f.last.Load())
}

// Run keeps the connection alive and delivers every tick to out until ctx is
// done. Ticks are dropped rather than queued when out is full.
func (f *WebSocketFeed) Run(ctx context.Context, out chan<- Tick) {
	for {
		if ctx.Err() != nil {
			f.logger.Info("price feed stopped")
			return
		}
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.logger.Warn("websocket connect failed", zap.String("url", f.url), zap.Error(err))
		} else {
			f.logger.Info("websocket connected", zap.String("url", f.url))
			if err := f.handle(ctx, conn, out); err != nil && ctx.Err() == nil {
				f.logger.Warn("websocket stream broken, reconnecting", zap.Error(err))
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			f.logger.Info("price feed stopped")
			return
		case <-time.After(f.reconnectDelay):
		}
	}
}

// handle reads one connection until it breaks or ctx is done, sending pings
// to keep it alive.
func (f *WebSocketFeed) handle(ctx context.Context, conn *websocket.Conn, out chan<- Tick) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					f.logger.Debug("ping failed", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 同时让阻塞中的 ReadMessage 返回
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.SetReadDeadline(time.Now())
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		tick, err := parseAggTrade(message)
		if err != nil {
			f.logger.Debug("skipping unparsable message", zap.Error(err))
			continue
		}
		f.last.Store(math.Float64bits(tick.Price))
		select {
		case out <- tick:
		default:
		}
	}
}

func parseAggTrade(message []byte) (Tick, error) {
	var trade struct {
		Price json.Number `json:"p"` // "p"代表价格
		Time  int64       `json:"T"`
	}
	if err := json.Unmarshal(message, &trade); err != nil {
		return Tick{}, err
	}
	price, err := trade.Price.Float64()
	if err != nil {
		return Tick{}, fmt.Errorf("price %q: %w", trade.Price, err)
	}
	if price <= 0 {
		return Tick{}, fmt.Errorf("non-positive price %v", price)
	}
	at := time.Now()
	if trade.Time > 0 {
		at = time.UnixMilli(trade.Time)
	}
	return Tick{Price: price, Time: at}, nil
}
