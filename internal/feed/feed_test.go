package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseAggTrade(t *testing.T) {
	tick, err := parseAggTrade([]byte(`{"e":"aggTrade","s":"BTCUSDT","p":"101.25","q":"0.1","T":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, 101.25, tick.Price)
	assert.Equal(t, int64(1700000000000), tick.Time.UnixMilli())

	_, err = parseAggTrade([]byte(`{"p":"abc"}`))
	assert.Error(t, err)
	_, err = parseAggTrade([]byte(`not json`))
	assert.Error(t, err)
	_, err = parseAggTrade([]byte(`{"p":"0"}`))
	assert.Error(t, err)
}

func TestWebSocketFeedStreamsAndReconnects(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/btcusdt@aggTrade", r.URL.Path)
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"p":"oops"}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"p":"`+map[int32]string{1: "100.5", 2: "99.5"}[n]+`","T":1700000000000}`))
		if n == 1 {
			return // drop the first connection
		}
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	f := NewWebSocketFeed("ws"+strings.TrimPrefix(srv.URL, "http"), "BTCUSDT", zap.NewNop())
	f.reconnectDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Tick, 8)
	done := make(chan struct{})
	go func() {
		f.Run(ctx, out)
		close(done)
	}()

	var prices []float64
	timeout := time.After(3 * time.Second)
	for len(prices) < 2 {
		select {
		case tick := <-out:
			prices = append(prices, tick.Price)
		case <-timeout:
			t.Fatalf("got %v before timeout", prices)
		}
	}
	assert.Equal(t, []float64{100.5, 99.5}, prices)
	assert.Equal(t, 99.5, f.Last())
	assert.GreaterOrEqual(t, conns.Load(), int32(2))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestReadCandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "BTCUSDT.csv")
	data := "open_time,open,high,low,close,volume\n" +
		"1700000000000,100,101,99,100.5,1\n" +
		"garbage,1,2,3,4,5\n" +
		"1700000060000,100.5,102,100,101.7,2\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	candles, skipped, err := ReadCandles(path)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, candles, 2)
	assert.Equal(t, Candle{OpenTime: time.UnixMilli(1700000060000), Open: 100.5, High: 102, Low: 100, Close: 101.7}, candles[1])
}

func TestReadCandlesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte("open_time,open,high,low,close\n"), 0o644))
	_, _, err := ReadCandles(path)
	assert.ErrorIs(t, err, ErrNoCandles)

	_, _, err = ReadCandles(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}
