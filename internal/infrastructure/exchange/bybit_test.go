package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
)

func TestParseKlines(t *testing.T) {
	// Bybit returns newest first
	rows := [][]string{
		{"1709294520000", "50100", "50200", "50000", "50150", "12.5", "626000"},
		{"1709294460000", "50000", "50120", "49950", "50100", "8", "400000"},
		{"bad"},
	}
	candles := parseKlines(rows)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1709294460), candles[0].Time)
	assert.Equal(t, 50000.0, candles[0].Open)
	assert.Equal(t, 50150.0, candles[1].Close)
	assert.Equal(t, 12.5, candles[1].Volume)
}

func TestParseLevels(t *testing.T) {
	levels := parseLevels([][]string{{"50000.5", "1.2"}, {"49999"}, {"49998", "3"}})
	require.Len(t, levels, 2)
	assert.Equal(t, domain.OrderBookEntry{Price: 50000.5, Size: 1.2}, levels[0])
	assert.Equal(t, 49998.0, levels[1].Price)
}

func TestHandleMessage(t *testing.T) {
	b := NewBybitAdapter("", "", "", "", nil)

	type quote struct {
		symbol   string
		bid, ask float64
	}
	type trade struct {
		symbol, side string
		size, price  float64
	}
	var quotes []quote
	var trades []trade
	b.OnQuoteUpdate(func(symbol string, bid, ask float64) {
		quotes = append(quotes, quote{symbol, bid, ask})
	})
	b.OnTradeUpdate(func(symbol, side string, size, price float64) {
		trades = append(trades, trade{symbol, side, size, price})
	})

	b.handleMessage([]byte(`{"topic":"orderbook.1.BTCUSDT","type":"snapshot","data":{"s":"BTCUSDT","b":[["49999.5","2"]],"a":[["50000.5","1"]]}}`))
	b.handleMessage([]byte(`{"topic":"orderbook.1.BTCUSDT","type":"delta","data":{"s":"BTCUSDT","b":[],"a":[]}}`))
	b.handleMessage([]byte(`{"topic":"publicTrade.ETHUSDT","data":[{"S":"Buy","v":"0.5","p":"3000.1"},{"S":"Sell","v":"1","p":"3000"}]}`))
	b.handleMessage([]byte(`{"success":true,"op":"subscribe"}`))
	b.handleMessage([]byte(`not json`))

	require.Len(t, quotes, 1, "empty deltas are dropped")
	assert.Equal(t, quote{"BTCUSDT", 49999.5, 50000.5}, quotes[0])

	require.Len(t, trades, 2)
	assert.Equal(t, trade{"ETHUSDT", "Buy", 0.5, 3000.1}, trades[0])
	assert.Equal(t, "Sell", trades[1].side)
}

// orderServer answers order creation with orderID and order queries with
// the given fill.
func orderServer(t *testing.T, orderID, status, cumQty, avgPrice string, created *map[string]interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/order/create":
			raw, _ := io.ReadAll(r.Body)
			if created != nil {
				assert.NoError(t, json.Unmarshal(raw, created))
			}

			// signature covers timestamp, key, window and the raw body
			mac := hmac.New(sha256.New, []byte("secret"))
			mac.Write([]byte(r.Header.Get("X-BAPI-TIMESTAMP") + "key" + r.Header.Get("X-BAPI-RECV-WINDOW") + string(raw)))
			assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("X-BAPI-SIGN"))
			assert.Equal(t, "key", r.Header.Get("X-BAPI-API-KEY"))

			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"` + orderID + `"}}`))
		case "/v5/order/realtime":
			assert.Equal(t, orderID, r.URL.Query().Get("orderId"))
			// GET requests sign the query string
			mac := hmac.New(sha256.New, []byte("secret"))
			mac.Write([]byte(r.Header.Get("X-BAPI-TIMESTAMP") + "key" + r.Header.Get("X-BAPI-RECV-WINDOW") + r.URL.RawQuery))
			assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("X-BAPI-SIGN"))

			w.Write([]byte(`{"retCode":0,"result":{"list":[{"orderId":"` + orderID + `","orderStatus":"` + status +
				`","cumExecQty":"` + cumQty + `","avgPrice":"` + avgPrice + `"}]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestBybitAdapter_PlaceLimitOrder(t *testing.T) {
	var body map[string]interface{}
	srv := orderServer(t, "abc-123", "PartiallyFilledCanceled", "0.2", "51000.5", &body)
	defer srv.Close()

	b := NewBybitAdapter("key", "secret", srv.URL, "", nil)
	res, err := b.PlaceLimitOrder(context.Background(), "BTCUSDT", domain.OrderSideSell, 0.3, 51000)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "abc-123", res.OrderID)
	assert.Equal(t, 0.2, res.FilledQty, "only the executed part is reported")
	assert.Equal(t, 51000.5, res.FilledPrice)

	assert.Equal(t, "Limit", body["orderType"])
	assert.Equal(t, "IOC", body["timeInForce"])
	assert.Equal(t, true, body["reduceOnly"])
	assert.Equal(t, "0.3", body["qty"])
	assert.Equal(t, "51000", body["price"])
	assert.Equal(t, "linear", body["category"])
}

func TestBybitAdapter_LimitOrderNotFilled(t *testing.T) {
	srv := orderServer(t, "abc-124", "Cancelled", "0", "", nil)
	defer srv.Close()

	b := NewBybitAdapter("key", "secret", srv.URL, "", nil)
	res, err := b.PlaceLimitOrder(context.Background(), "BTCUSDT", domain.OrderSideSell, 0.3, 51000)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Zero(t, res.FilledQty)
	assert.Contains(t, res.Message, "Cancelled")
}

func TestBybitAdapter_LimitOrderFillUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/order/create" {
			w.Write([]byte(`{"retCode":0,"result":{"orderId":"abc-125"}}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"result":{"list":[]}}`))
	}))
	defer srv.Close()

	b := NewBybitAdapter("key", "secret", srv.URL, "", nil)
	res, err := b.PlaceLimitOrder(context.Background(), "BTCUSDT", domain.OrderSideBuy, 1, 3000)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NotNil(t, res)
	assert.False(t, res.Success)
}

func TestBybitAdapter_MarketOrderFill(t *testing.T) {
	var body map[string]interface{}
	srv := orderServer(t, "m-1", "Filled", "1.5", "3001.25", &body)
	defer srv.Close()

	b := NewBybitAdapter("key", "secret", srv.URL, "", nil)
	res, err := b.PlaceMarketOrder(context.Background(), "ETHUSDT", domain.OrderSideBuy, 1.5)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1.5, res.FilledQty)
	assert.Equal(t, 3001.25, res.FilledPrice)
	assert.Equal(t, "Market", body["orderType"])
}

func TestBybitAdapter_OrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":110007,"retMsg":"ab not enough for new order"}`))
	}))
	defer srv.Close()

	b := NewBybitAdapter("key", "secret", srv.URL, "", nil)
	res, err := b.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.OrderSideBuy, 1)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, "ab not enough for new order", res.Message)
}

func TestBybitAdapter_StopOrderDirection(t *testing.T) {
	var bodies []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		w.Write([]byte(`{"retCode":0,"result":{"orderId":"s-1"}}`))
	}))
	defer srv.Close()

	b := NewBybitAdapter("key", "secret", srv.URL, "", nil)
	_, err := b.PlaceStopOrder(context.Background(), "BTCUSDT", domain.OrderSideSell, 0.35, 49500)
	require.NoError(t, err)
	_, err = b.PlaceStopOrder(context.Background(), "BTCUSDT", domain.OrderSideBuy, 1, 3100)
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	// json numbers decode as float64
	assert.Equal(t, 2.0, bodies[0]["triggerDirection"], "a long's stop triggers on a fall")
	assert.Equal(t, 1.0, bodies[1]["triggerDirection"])
	assert.Equal(t, true, bodies[0]["reduceOnly"])
	assert.Equal(t, "49500", bodies[0]["triggerPrice"])
}

func TestBybitAdapter_MarketData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/kline":
			assert.Equal(t, "5", r.URL.Query().Get("interval"))
			w.Write([]byte(`{"retCode":0,"result":{"list":[["1709294700000","2","3","1","2.5","10","25"],["1709294400000","1","2","0.5","2","5","10"]]}}`))
		case "/v5/market/tickers":
			w.Write([]byte(`{"retCode":0,"result":{"list":[{"symbol":"BTCUSDT","lastPrice":"50000","bid1Price":"49999","ask1Price":"50001","highPrice24h":"51000","lowPrice24h":"49000","volume24h":"1234.5"}]}}`))
		case "/v5/market/orderbook":
			assert.Equal(t, "200", r.URL.Query().Get("limit"))
			w.Write([]byte(`{"retCode":0,"result":{"s":"BTCUSDT","b":[["49999","1"]],"a":[["50001","2"]]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewBybitAdapter("key", "secret", srv.URL, "", nil)
	ctx := context.Background()

	candles, err := b.GetCandles(ctx, "BTCUSDT", "5", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Less(t, candles[0].Time, candles[1].Time)

	ticker, err := b.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, ticker.LastPrice)
	assert.Equal(t, 1234.5, ticker.Volume24h)

	book, err := b.GetOrderBook(ctx, "BTCUSDT", "")
	require.NoError(t, err)
	assert.Equal(t, 49999.0, book.Bids[0].Price)
	assert.Equal(t, 2.0, book.Asks[0].Size)
}

func TestBybitAdapter_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	b := NewBybitAdapter("key", "secret", srv.URL, "", nil)
	_, err := b.CancelOrder(context.Background(), "BTCUSDT", "o-1")
	assert.ErrorContains(t, err, "forbidden")
}
