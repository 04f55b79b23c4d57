package usecase

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type MarketConfig struct {
	// Interval is the base candle interval in exchange notation ("1", "5", "60", "D").
	Interval   string   `yaml:"interval"`
	Timeframes []string `yaml:"timeframes"`
	// CandleLimit bounds every per-symbol candle window.
	CandleLimit  int    `yaml:"candle_limit"`
	SMAPeriods   []int  `yaml:"sma_periods"`
	ATRPeriod    int    `yaml:"atr_period"`
	BookCategory string `yaml:"book_category"`
	// TickerRefresh is how long 24h ticker fields are reused.
	TickerRefresh time.Duration `yaml:"ticker_refresh"`
	// RequestTimeout caps every REST call the service makes.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		Interval:       "1",
		Timeframes:     []string{"5", "15"},
		CandleLimit:    200,
		SMAPeriods:     []int{20, 50},
		ATRPeriod:      14,
		BookCategory:   "linear",
		TickerRefresh:  30 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

func (c MarketConfig) Validate() error {
	if _, ok := intervalDuration(c.Interval); !ok {
		return fmt.Errorf("%w: unknown interval %q", domain.ErrInvalidConfig, c.Interval)
	}
	for _, tf := range c.Timeframes {
		if _, ok := intervalDuration(tf); !ok {
			return fmt.Errorf("%w: unknown timeframe %q", domain.ErrInvalidConfig, tf)
		}
	}
	if c.CandleLimit < 2 {
		return fmt.Errorf("%w: candle_limit must be >= 2", domain.ErrInvalidConfig)
	}
	for _, p := range c.SMAPeriods {
		if p < 1 {
			return fmt.Errorf("%w: sma period must be >= 1", domain.ErrInvalidConfig)
		}
	}
	return nil
}

// intervalDuration parses exchange interval notation: minutes, "D" or "W".
func intervalDuration(interval string) (time.Duration, bool) {
	switch interval {
	case "D":
		return 24 * time.Hour, true
	case "W":
		return 7 * 24 * time.Hour, true
	}
	n, err := strconv.Atoi(interval)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Minute, true
}

// ClosedCandles copies the candles of window whose interval has ended by now
// and returns the trailing candle that is still forming, if any.
func ClosedCandles(window []domain.Candle, interval string, now time.Time) ([]domain.Candle, *domain.Candle) {
	d, ok := intervalDuration(interval)
	if !ok || len(window) == 0 {
		return append([]domain.Candle(nil), window...), nil
	}
	cut := len(window)
	for cut > 0 && window[cut-1].Time+int64(d/time.Second) > now.Unix() {
		cut--
	}
	closed := append([]domain.Candle(nil), window[:cut]...)
	if cut == len(window) {
		return closed, nil
	}
	forming := window[len(window)-1]
	return closed, &forming
}

type symbolMarket struct {
	bid, ask  float64
	lastPrice float64
	lastTrade time.Time
	candles   map[string][]domain.Candle
	ticker    *domain.Ticker
	tickerAt  time.Time
}

// MarketService keeps bounded candle windows and the latest quote per
// symbol and turns them into snapshots for the trading service.
type MarketService struct {
	feed   domain.MarketFeed
	cfg    MarketConfig
	logger *zap.Logger

	mu         sync.Mutex
	symbols    map[string]*symbolMarket
	subscribed map[string]bool
	timeNow    func() time.Time // For testing
}

func NewMarketService(feed domain.MarketFeed, cfg MarketConfig, logger *zap.Logger) (*MarketService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MarketService{
		feed:       feed,
		cfg:        cfg,
		logger:     logger,
		symbols:    make(map[string]*symbolMarket),
		subscribed: make(map[string]bool),
		timeNow:    time.Now,
	}

	feed.OnQuoteUpdate(s.handleQuote)
	feed.OnTradeUpdate(s.handleTrade)

	return s, nil
}

func (s *MarketService) Config() MarketConfig {
	return s.cfg
}

// state must be called with s.mu held.
func (s *MarketService) state(symbol string) *symbolMarket {
	st, ok := s.symbols[symbol]
	if !ok {
		st = &symbolMarket{candles: make(map[string][]domain.Candle)}
		s.symbols[symbol] = st
	}
	return st
}

func (s *MarketService) handleQuote(symbol string, bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	if bid > 0 {
		st.bid = bid
	}
	if ask > 0 {
		st.ask = ask
	}
}

func (s *MarketService) handleTrade(symbol, side string, size, price float64) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeNow()
	st := s.state(symbol)
	st.lastPrice = price
	st.lastTrade = now

	s.mergeTrade(st, s.cfg.Interval, price, size, now)
	for _, tf := range s.cfg.Timeframes {
		s.mergeTrade(st, tf, price, size, now)
	}
}

// mergeTrade folds a trade into the forming candle of interval, opening a
// new candle when the trade falls into a later bucket. Trades for a bucket
// older than the newest candle are dropped.
func (s *MarketService) mergeTrade(st *symbolMarket, interval string, price, size float64, now time.Time) {
	d, ok := intervalDuration(interval)
	if !ok {
		return
	}
	bucket := now.Truncate(d).Unix()
	window := st.candles[interval]
	n := len(window)
	if n > 0 && window[n-1].Time > bucket {
		return
	}
	if n > 0 && window[n-1].Time == bucket {
		c := &window[n-1]
		if price > c.High {
			c.High = price
		}
		if price < c.Low {
			c.Low = price
		}
		c.Close = price
		c.Volume += size
		return
	}
	window = append(window, domain.Candle{
		Time:   bucket,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: size,
	})
	st.candles[interval] = s.trim(window)
}

func (s *MarketService) trim(window []domain.Candle) []domain.Candle {
	if len(window) <= s.cfg.CandleLimit {
		return window
	}
	out := make([]domain.Candle, s.cfg.CandleLimit)
	copy(out, window[len(window)-s.cfg.CandleLimit:])
	return out
}

func (s *MarketService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

// Track subscribes to live updates for symbols and backfills their candles.
func (s *MarketService) Track(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	var fresh []string
	for _, sym := range symbols {
		if !s.subscribed[sym] {
			fresh = append(fresh, sym)
		}
	}
	s.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if err := s.feed.Subscribe(fresh); err != nil {
		return fmt.Errorf("subscribe %v: %w", fresh, err)
	}
	s.mu.Lock()
	for _, sym := range fresh {
		s.subscribed[sym] = true
	}
	s.mu.Unlock()
	s.logger.Info("Subscribed to market data", zap.Strings("symbols", fresh))

	for _, sym := range fresh {
		if err := s.Backfill(ctx, sym); err != nil {
			s.logger.Warn("Backfill failed", zap.String("symbol", sym), zap.Error(err))
		}
	}
	return nil
}

// Backfill loads the candle windows of every configured interval and seeds
// the quote from the order book.
func (s *MarketService) Backfill(ctx context.Context, symbol string) error {
	intervals := append([]string{s.cfg.Interval}, s.cfg.Timeframes...)
	windows := make([][]domain.Candle, len(intervals))

	g, gctx := errgroup.WithContext(ctx)
	for i, iv := range intervals {
		g.Go(func() error {
			cctx, cancel := s.withTimeout(gctx)
			defer cancel()
			candles, err := s.feed.GetCandles(cctx, symbol, iv, s.cfg.CandleLimit)
			if err != nil {
				return fmt.Errorf("candles %s %s: %w", symbol, iv, err)
			}
			windows[i] = candles
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var bid, ask float64
	octx, cancel := s.withTimeout(ctx)
	book, err := s.feed.GetOrderBook(octx, symbol, s.cfg.BookCategory)
	cancel()
	if err != nil {
		s.logger.Debug("Order book seed failed", zap.String("symbol", symbol), zap.Error(err))
	} else if book != nil && len(book.Bids) > 0 && len(book.Asks) > 0 {
		bid, ask = book.Bids[0].Price, book.Asks[0].Price
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(symbol)
	for i, iv := range intervals {
		st.candles[iv] = s.trim(append([]domain.Candle(nil), windows[i]...))
	}
	if st.bid == 0 && bid > 0 {
		st.bid, st.ask = bid, ask
	}
	if base := st.candles[s.cfg.Interval]; st.lastPrice == 0 && len(base) > 0 {
		st.lastPrice = base[len(base)-1].Close
	}
	return nil
}

func (s *MarketService) refreshTicker(ctx context.Context, symbol string) {
	s.mu.Lock()
	st := s.state(symbol)
	fresh := st.ticker != nil && s.timeNow().Sub(st.tickerAt) < s.cfg.TickerRefresh
	s.mu.Unlock()
	if fresh {
		return
	}

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	t, err := s.feed.GetTicker(tctx, symbol)
	if err != nil || t == nil {
		s.logger.Debug("Ticker refresh failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st = s.state(symbol)
	st.ticker = t
	st.tickerAt = s.timeNow()
	if st.lastPrice == 0 && t.LastPrice > 0 {
		st.lastPrice = t.LastPrice
	}
	if st.bid == 0 && t.BestBid > 0 {
		st.bid, st.ask = t.BestBid, t.BestAsk
	}
}

// Snapshot assembles the current market view of a symbol.
func (s *MarketService) Snapshot(ctx context.Context, symbol string) (*domain.MarketSnapshot, error) {
	s.refreshTicker(ctx, symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeNow()
	st := s.state(symbol)
	closed, forming := ClosedCandles(st.candles[s.cfg.Interval], s.cfg.Interval, now)
	snap := &domain.MarketSnapshot{
		Symbol:     symbol,
		Price:      st.lastPrice,
		BestBid:    st.bid,
		BestAsk:    st.ask,
		Timestamp:  now,
		Candles:    closed,
		Forming:    forming,
		Timeframes: make(map[string][]domain.Candle, len(s.cfg.Timeframes)),
		Indicators: make(map[string]float64),
	}
	if snap.Price <= 0 {
		snap.Price = snap.MidPrice()
	}
	if snap.Price <= 0 {
		return nil, fmt.Errorf("%w: no price for %s", domain.ErrInsufficientData, symbol)
	}
	if st.ticker != nil {
		snap.High24h = st.ticker.High24h
		snap.Low24h = st.ticker.Low24h
		snap.Volume24h = st.ticker.Volume24h
	}
	for _, tf := range s.cfg.Timeframes {
		if w, _ := ClosedCandles(st.candles[tf], tf, now); len(w) > 0 {
			snap.Timeframes[tf] = w
		}
	}
	for _, p := range s.cfg.SMAPeriods {
		if v, ok := SMA(snap.Candles, p); ok {
			snap.Indicators[fmt.Sprintf("sma_%d", p)] = v
		}
	}
	if s.cfg.ATRPeriod > 0 {
		if v := ATR(snap.Candles, s.cfg.ATRPeriod); v > 0 {
			snap.Indicators[fmt.Sprintf("atr_%d", s.cfg.ATRPeriod)] = v
		}
	}
	return snap, nil
}

// Snapshots returns snapshots for every symbol that has data.
func (s *MarketService) Snapshots(ctx context.Context, symbols []string) []*domain.MarketSnapshot {
	out := make([]*domain.MarketSnapshot, 0, len(symbols))
	for _, sym := range symbols {
		snap, err := s.Snapshot(ctx, sym)
		if err != nil {
			s.logger.Debug("Snapshot skipped", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	return out
}

func (s *MarketService) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	return s.feed.GetCandles(ctx, symbol, interval, limit)
}
