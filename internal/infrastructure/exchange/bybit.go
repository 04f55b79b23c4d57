package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	bybitCategory   = "linear"
	wsPingInterval  = 20 * time.Second
	wsReconnectWait = 3 * time.Second
)

type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger

	mu             sync.Mutex
	wsConn         *websocket.Conn
	wsDone         chan struct{}
	closed         bool
	symbols        map[string]bool
	quoteCallbacks []func(symbol string, bid, ask float64)
	tradeCallbacks []func(symbol string, side string, size float64, price float64)
}

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL string, logger *zap.Logger) *BybitAdapter {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		wsDone:    make(chan struct{}),
		symbols:   make(map[string]bool),
	}
}

// --- REST API ---

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == http.MethodGet {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp, recvWindow))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}

	return respBody, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// --- ExecutionAdapter ---

func (b *BybitAdapter) placeOrder(ctx context.Context, payload map[string]interface{}) (*domain.OrderResult, error) {
	resp, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return &domain.OrderResult{Success: false, Message: result.RetMsg},
			fmt.Errorf("bybit order error: %d %s", result.RetCode, result.RetMsg)
	}

	b.logger.Debug("Order placed",
		zap.Any("symbol", payload["symbol"]),
		zap.Any("side", payload["side"]),
		zap.Any("type", payload["orderType"]),
		zap.Any("qty", payload["qty"]),
		zap.String("order_id", result.Result.OrderID),
	)
	return &domain.OrderResult{OrderID: result.Result.OrderID, Success: true, Message: result.RetMsg}, nil
}

func (b *BybitAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty float64) (*domain.OrderResult, error) {
	res, err := b.placeOrder(ctx, map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      symbol,
		"side":        string(side),
		"orderType":   "Market",
		"qty":         formatFloat(qty),
		"timeInForce": "IOC",
	})
	if err != nil || !res.Success {
		return res, err
	}
	// market orders fill; a failed lookup only loses the exact fill
	if fill, ferr := b.queryFill(ctx, symbol, res.OrderID); ferr != nil {
		b.logger.Warn("Fill lookup failed", zap.String("order_id", res.OrderID), zap.Error(ferr))
	} else {
		res.FilledQty, res.FilledPrice = fill.qty, fill.avgPrice
	}
	return res, nil
}

// PlaceLimitOrder places a reduce-only immediate-or-cancel limit order and
// reports what actually filled. An order that fills nothing is a failure.
func (b *BybitAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price float64) (*domain.OrderResult, error) {
	res, err := b.placeOrder(ctx, map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      symbol,
		"side":        string(side),
		"orderType":   "Limit",
		"qty":         formatFloat(qty),
		"price":       formatFloat(price),
		"timeInForce": "IOC",
		"reduceOnly":  true,
	})
	if err != nil || !res.Success {
		return res, err
	}

	fill, err := b.queryFill(ctx, symbol, res.OrderID)
	if err != nil {
		res.Success = false
		res.Message = "fill unknown"
		return res, fmt.Errorf("limit order %s fill: %w", res.OrderID, err)
	}
	if fill.qty <= 0 {
		res.Success = false
		res.Message = fmt.Sprintf("limit order not filled (%s)", fill.status)
		return res, nil
	}
	res.FilledQty = fill.qty
	res.FilledPrice = fill.avgPrice
	if res.FilledPrice <= 0 {
		res.FilledPrice = price
	}
	return res, nil
}

type orderFill struct {
	status   string
	qty      float64
	avgPrice float64
}

func (b *BybitAdapter) queryFill(ctx context.Context, symbol, orderID string) (*orderFill, error) {
	path := fmt.Sprintf("/v5/order/realtime?category=%s&symbol=%s&orderId=%s", bybitCategory, symbol, orderID)
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				OrderID     string `json:"orderId"`
				OrderStatus string `json:"orderStatus"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit order query error: %d %s", result.RetCode, result.RetMsg)
	}
	for _, o := range result.Result.List {
		if o.OrderID != orderID {
			continue
		}
		f := &orderFill{status: o.OrderStatus}
		f.qty, _ = strconv.ParseFloat(o.CumExecQty, 64)
		f.avgPrice, _ = strconv.ParseFloat(o.AvgPrice, 64)
		return f, nil
	}
	return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
}

// PlaceStopOrder places a reduce-only conditional market order that
// triggers when price crosses stopPrice against the position.
func (b *BybitAdapter) PlaceStopOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice float64) (*domain.OrderResult, error) {
	// 1: triggered when price rises to triggerPrice, 2: when it falls.
	direction := 2
	if side == domain.OrderSideBuy {
		direction = 1
	}
	return b.placeOrder(ctx, map[string]interface{}{
		"category":         bybitCategory,
		"symbol":           symbol,
		"side":             string(side),
		"orderType":        "Market",
		"qty":              formatFloat(qty),
		"triggerPrice":     formatFloat(stopPrice),
		"triggerDirection": direction,
		"triggerBy":        "LastPrice",
		"reduceOnly":       true,
	})
}

func (b *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*domain.OrderResult, error) {
	payload := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	resp, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/cancel", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return &domain.OrderResult{OrderID: orderID, Message: result.RetMsg},
			fmt.Errorf("bybit cancel error: %d %s", result.RetCode, result.RetMsg)
	}
	return &domain.OrderResult{OrderID: orderID, Success: true}, nil
}

// --- MarketFeed REST ---

func (b *BybitAdapter) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	path := fmt.Sprintf("/v5/market/tickers?category=%s&symbol=%s", bybitCategory, symbol)
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				Symbol    string `json:"symbol"`
				LastPrice string `json:"lastPrice"`
				Bid1Price string `json:"bid1Price"`
				Ask1Price string `json:"ask1Price"`
				High24h   string `json:"highPrice24h"`
				Low24h    string `json:"lowPrice24h"`
				Volume24h string `json:"volume24h"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit ticker error: %d", result.RetCode)
	}
	if len(result.Result.List) == 0 {
		return nil, fmt.Errorf("ticker %s: %w", symbol, domain.ErrNotFound)
	}

	raw := result.Result.List[0]
	t := &domain.Ticker{Symbol: raw.Symbol}
	t.LastPrice, _ = strconv.ParseFloat(raw.LastPrice, 64)
	t.BestBid, _ = strconv.ParseFloat(raw.Bid1Price, 64)
	t.BestAsk, _ = strconv.ParseFloat(raw.Ask1Price, 64)
	t.High24h, _ = strconv.ParseFloat(raw.High24h, 64)
	t.Low24h, _ = strconv.ParseFloat(raw.Low24h, 64)
	t.Volume24h, _ = strconv.ParseFloat(raw.Volume24h, 64)
	return t, nil
}

func (b *BybitAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	path := fmt.Sprintf("/v5/market/kline?category=%s&symbol=%s&interval=%s&limit=%d", bybitCategory, symbol, interval, limit)
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}

	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit kline error: %d", result.RetCode)
	}

	return parseKlines(result.Result.List), nil
}

// parseKlines converts Bybit kline rows, newest first, into chronological candles.
func parseKlines(list [][]string) []domain.Candle {
	candles := make([]domain.Candle, 0, len(list))
	for _, raw := range list {
		// Format: [startTime, open, high, low, close, volume, turnover]
		if len(raw) < 6 {
			continue
		}

		ts, _ := strconv.ParseInt(raw[0], 10, 64)
		open, _ := strconv.ParseFloat(raw[1], 64)
		high, _ := strconv.ParseFloat(raw[2], 64)
		low, _ := strconv.ParseFloat(raw[3], 64)
		closePrice, _ := strconv.ParseFloat(raw[4], 64)
		volume, _ := strconv.ParseFloat(raw[5], 64)

		candles = append(candles, domain.Candle{
			Time:   ts / 1000,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}

	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles
}

func (b *BybitAdapter) GetOrderBook(ctx context.Context, symbol string, category string) (*domain.OrderBook, error) {
	// category: "linear" (futures) or "spot"
	if category == "" {
		category = bybitCategory
	}

	limit := 50
	if category == "linear" {
		limit = 200
	}

	path := fmt.Sprintf("/v5/market/orderbook?category=%s&symbol=%s&limit=%d", category, symbol, limit)
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			S string     `json:"s"`
			B [][]string `json:"b"`
			A [][]string `json:"a"`
		} `json:"result"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}

	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit orderbook error: %d", result.RetCode)
	}

	return &domain.OrderBook{
		Symbol: result.Result.S,
		Bids:   parseLevels(result.Result.B),
		Asks:   parseLevels(result.Result.A),
	}, nil
}

func parseLevels(raw [][]string) []domain.OrderBookEntry {
	out := make([]domain.OrderBookEntry, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		price, _ := strconv.ParseFloat(lvl[0], 64)
		size, _ := strconv.ParseFloat(lvl[1], 64)
		out = append(out, domain.OrderBookEntry{Price: price, Size: size})
	}
	return out
}

// --- WebSocket ---

func (b *BybitAdapter) OnQuoteUpdate(callback func(symbol string, bid, ask float64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quoteCallbacks = append(b.quoteCallbacks, callback)
}

func (b *BybitAdapter) OnTradeUpdate(callback func(symbol string, side string, size float64, price float64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tradeCallbacks = append(b.tradeCallbacks, callback)
}

// Subscribe connects on first use and subscribes to top-of-book and trades.
func (b *BybitAdapter) Subscribe(symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range symbols {
		b.symbols[s] = true
	}
	if b.wsConn == nil {
		if err := b.connectLocked(); err != nil {
			return err
		}
		return b.subscribeLocked(b.trackedLocked())
	}
	return b.subscribeLocked(symbols)
}

// connectLocked dials the public stream; b.mu must be held.
func (b *BybitAdapter) connectLocked() error {
	c, _, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
	if err != nil {
		return err
	}
	b.wsConn = c
	b.wsDone = make(chan struct{})
	go b.readLoop(c, b.wsDone)
	go b.pingLoop(c, b.wsDone)
	b.logger.Info("Bybit websocket connected", zap.String("url", b.wsURL))
	return nil
}

func (b *BybitAdapter) trackedLocked() []string {
	out := make([]string, 0, len(b.symbols))
	for s := range b.symbols {
		out = append(out, s)
	}
	return out
}

func (b *BybitAdapter) subscribeLocked(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]interface{}, 0, 2*len(symbols))
	for _, s := range symbols {
		args = append(args, "orderbook.1."+s, "publicTrade."+s)
	}

	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	return b.wsConn.WriteJSON(subMsg)
}

func (b *BybitAdapter) pingLoop(c *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			err := c.WriteJSON(map[string]string{"op": "ping"})
			b.mu.Unlock()
			if err != nil {
				b.logger.Warn("WS ping failed", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}

type wsEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

type wsBook struct {
	S string     `json:"s"`
	B [][]string `json:"b"`
	A [][]string `json:"a"`
}

type wsTrade struct {
	Side  string `json:"S"`
	Size  string `json:"v"`
	Price string `json:"p"`
}

func (b *BybitAdapter) readLoop(c *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			b.logger.Warn("WS read error", zap.Error(err))
			c.Close()
			b.reconnect(c)
			return
		}
		b.handleMessage(message)
	}
}

func (b *BybitAdapter) handleMessage(message []byte) {
	var event wsEnvelope
	if err := json.Unmarshal(message, &event); err != nil {
		b.logger.Debug("WS unmarshal error", zap.Error(err))
		return
	}

	switch {
	case strings.HasPrefix(event.Topic, "orderbook.1."):
		var book wsBook
		if err := json.Unmarshal(event.Data, &book); err != nil {
			return
		}
		symbol := strings.TrimPrefix(event.Topic, "orderbook.1.")
		var bid, ask float64
		if lv := parseLevels(book.B); len(lv) > 0 {
			bid = lv[0].Price
		}
		if lv := parseLevels(book.A); len(lv) > 0 {
			ask = lv[0].Price
		}
		if bid == 0 && ask == 0 {
			return
		}

		b.mu.Lock()
		callbacks := make([]func(string, float64, float64), len(b.quoteCallbacks))
		copy(callbacks, b.quoteCallbacks)
		b.mu.Unlock()

		for _, cb := range callbacks {
			cb(symbol, bid, ask)
		}
	case strings.HasPrefix(event.Topic, "publicTrade."):
		var trades []wsTrade
		if err := json.Unmarshal(event.Data, &trades); err != nil {
			return
		}
		symbol := strings.TrimPrefix(event.Topic, "publicTrade.")

		b.mu.Lock()
		callbacks := make([]func(string, string, float64, float64), len(b.tradeCallbacks))
		copy(callbacks, b.tradeCallbacks)
		b.mu.Unlock()

		for _, t := range trades {
			size, _ := strconv.ParseFloat(t.Size, 64)
			price, _ := strconv.ParseFloat(t.Price, 64)
			for _, cb := range callbacks {
				cb(symbol, t.Side, size, price)
			}
		}
	}
}

// reconnect redials until it succeeds, the adapter is closed or another
// caller has already reconnected.
func (b *BybitAdapter) reconnect(dead *websocket.Conn) {
	for {
		b.mu.Lock()
		if b.closed || (b.wsConn != nil && b.wsConn != dead) {
			b.mu.Unlock()
			return
		}
		b.wsConn = nil
		err := b.connectLocked()
		if err == nil {
			err = b.subscribeLocked(b.trackedLocked())
		}
		b.mu.Unlock()
		if err == nil {
			return
		}
		b.logger.Warn("WS reconnect failed", zap.Error(err))
		time.Sleep(wsReconnectWait)
	}
}

func (b *BybitAdapter) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.wsConn == nil {
		return nil
	}
	err := b.wsConn.Close()
	b.wsConn = nil
	return err
}
