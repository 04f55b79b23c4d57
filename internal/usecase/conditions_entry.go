package usecase

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"go.uber.org/zap"
)

func newSignal(t *conditionTracker, snap *domain.MarketSnapshot, side domain.Side, action domain.SignalAction, confidence float64, reason string) *domain.Signal {
	return &domain.Signal{
		ID:         uuid.NewString(),
		Condition:  t.name,
		Kind:       t.kind,
		Action:     action,
		Symbol:     snap.Symbol,
		Side:       side,
		Price:      snap.Price,
		Confidence: clamp01(confidence),
		EntryRatio: 1,
		Reason:     reason,
		CreatedAt:  snap.Timestamp,
	}
}

// --- Moving-average cross ---

type MACrossMode string

const (
	ModeOpenAboveMA1    MACrossMode = "open_above_ma1"
	ModeOpenBelowMA1    MACrossMode = "open_below_ma1"
	ModePriceAboveMA1   MACrossMode = "price_above_ma1"
	ModePriceBelowMA1   MACrossMode = "price_below_ma1"
	ModeMA1AboveMA2     MACrossMode = "ma1_above_ma2"
	ModeMA1BelowMA2     MACrossMode = "ma1_below_ma2"
	ModePriceCrossUpMA1 MACrossMode = "price_cross_up_ma1"
	ModePriceCrossDnMA1 MACrossMode = "price_cross_down_ma1"
)

type MACrossConfig struct {
	Mode      MACrossMode `yaml:"mode"`
	MA1Period int         `yaml:"ma1_period"`
	MA2Period int         `yaml:"ma2_period"`
	// MA1Indicator/MA2Indicator name precomputed snapshot indicators; when
	// empty or missing the SMA is computed from the candles.
	MA1Indicator string `yaml:"ma1_indicator"`
	MA2Indicator string `yaml:"ma2_indicator"`
}

type MACrossCondition struct {
	*conditionTracker
	cfg MACrossConfig
}

func NewMACrossCondition(cfg MACrossConfig, logger *zap.Logger) (*MACrossCondition, error) {
	switch cfg.Mode {
	case ModeOpenAboveMA1, ModeOpenBelowMA1, ModePriceAboveMA1, ModePriceBelowMA1,
		ModePriceCrossUpMA1, ModePriceCrossDnMA1:
	case ModeMA1AboveMA2, ModeMA1BelowMA2:
		if cfg.MA2Period <= 0 && cfg.MA2Indicator == "" {
			return nil, fmt.Errorf("%w: mode %s needs ma2", domain.ErrInvalidConfig, cfg.Mode)
		}
	default:
		return nil, fmt.Errorf("%w: unknown ma cross mode %q", domain.ErrInvalidConfig, cfg.Mode)
	}
	if cfg.MA1Period <= 0 && cfg.MA1Indicator == "" {
		return nil, fmt.Errorf("%w: ma1 period or indicator required", domain.ErrInvalidConfig)
	}
	return &MACrossCondition{
		conditionTracker: newConditionTracker("ma_cross_"+string(cfg.Mode), domain.SignalKindEntry, logger),
		cfg:              cfg,
	}, nil
}

func movingAverage(snap *domain.MarketSnapshot, indicator string, period int) (float64, error) {
	if indicator == "" && period > 0 {
		indicator = fmt.Sprintf("sma_%d", period)
	}
	if v, ok := snap.Indicator(indicator); ok && v > 0 {
		return v, nil
	}
	if v, ok := SMA(snap.Candles, period); ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: moving average %s", domain.ErrInsufficientData, indicator)
}

func (c *MACrossCondition) Evaluate(symbol string, snap *domain.MarketSnapshot) (*domain.Signal, error) {
	return track(c.conditionTracker, symbol, func() (*domain.Signal, error) {
		ma1, err := movingAverage(snap, c.cfg.MA1Indicator, c.cfg.MA1Period)
		if err != nil {
			return nil, err
		}
		price := snap.Price

		var fired bool
		var side domain.Side
		switch c.cfg.Mode {
		case ModeOpenAboveMA1, ModeOpenBelowMA1:
			last, ok := snap.LastCandle()
			if snap.Forming != nil {
				last, ok = *snap.Forming, true
			}
			if !ok {
				return nil, fmt.Errorf("%w: no candle open", domain.ErrInsufficientData)
			}
			if c.cfg.Mode == ModeOpenAboveMA1 {
				fired, side = last.Open > ma1, domain.SideLong
			} else {
				fired, side = last.Open < ma1, domain.SideShort
			}
		case ModePriceAboveMA1:
			fired, side = price > ma1, domain.SideLong
		case ModePriceBelowMA1:
			fired, side = price < ma1, domain.SideShort
		case ModeMA1AboveMA2, ModeMA1BelowMA2:
			ma2, err := movingAverage(snap, c.cfg.MA2Indicator, c.cfg.MA2Period)
			if err != nil {
				return nil, err
			}
			if c.cfg.Mode == ModeMA1AboveMA2 {
				fired, side = ma1 > ma2, domain.SideLong
			} else {
				fired, side = ma1 < ma2, domain.SideShort
			}
		case ModePriceCrossUpMA1, ModePriceCrossDnMA1:
			last, ok := snap.LastCandle()
			if !ok {
				return nil, fmt.Errorf("%w: no previous close", domain.ErrInsufficientData)
			}
			if c.cfg.Mode == ModePriceCrossUpMA1 {
				fired, side = last.Close <= ma1 && price > ma1, domain.SideLong
			} else {
				fired, side = last.Close >= ma1 && price < ma1, domain.SideShort
			}
		}
		if !fired {
			return nil, nil
		}

		distance := math.Abs(price-ma1) / ma1
		sig := newSignal(c.conditionTracker, snap, side, domain.SignalActionOpen, 0.5+0.5*clamp01(distance*100),
			fmt.Sprintf("%s: price %.8g ma1 %.8g", c.cfg.Mode, price, ma1))
		sig.Metadata = map[string]float64{"ma1": ma1}
		return sig, nil
	})
}

// --- Channel breakout ---

type ChannelBreakoutConfig struct {
	MinConfidence  float64 `yaml:"min_confidence"`
	MultiTimeframe bool    `yaml:"multi_timeframe"`
}

type ChannelBreakoutCondition struct {
	*conditionTracker
	cfg      ChannelBreakoutConfig
	analyzer *ChannelAnalyzer
}

func NewChannelBreakoutCondition(cfg ChannelBreakoutConfig, analyzer *ChannelAnalyzer, logger *zap.Logger) *ChannelBreakoutCondition {
	return &ChannelBreakoutCondition{
		conditionTracker: newConditionTracker("channel_breakout", domain.SignalKindEntry, logger),
		cfg:              cfg,
		analyzer:         analyzer,
	}
}

func (c *ChannelBreakoutCondition) Evaluate(symbol string, snap *domain.MarketSnapshot) (*domain.Signal, error) {
	return track(c.conditionTracker, symbol, func() (*domain.Signal, error) {
		if c.cfg.MultiTimeframe && len(snap.Timeframes) > 0 {
			return c.multiTimeframe(snap)
		}
		event, err := c.analyzer.DetectBreakout(snap.Candles, snap.Price)
		if err != nil || event == nil {
			return nil, err
		}
		if event.Confidence < c.cfg.MinConfidence {
			return nil, nil
		}
		return c.signal(snap, event.Direction, event.Confidence, event.Channel.Middle,
			fmt.Sprintf("%s breakout %.2f%% (%s)", event.Direction, event.Percentage*100, event.Severity)), nil
	})
}

func (c *ChannelBreakoutCondition) multiTimeframe(snap *domain.MarketSnapshot) (*domain.Signal, error) {
	windows := make(map[string][]domain.Candle, len(snap.Timeframes)+1)
	for tf, candles := range snap.Timeframes {
		windows[tf] = candles
	}
	if len(snap.Candles) > 0 {
		if _, ok := windows["base"]; !ok {
			windows["base"] = snap.Candles
		}
	}

	res := c.analyzer.AnalyzeMultiTimeframe(windows, snap.Price)
	if !res.Actionable() || res.Confidence < c.cfg.MinConfidence {
		if res.Signal == domain.TimeframeConflicting {
			c.logger.Debug("Conflicting timeframes", zap.String("symbol", snap.Symbol), zap.Strings("timeframes", res.Timeframes))
		}
		return nil, nil
	}
	stop := res.Events[res.Timeframes[0]].Channel.Middle
	return c.signal(snap, res.Direction, res.Confidence, stop,
		fmt.Sprintf("%s %s breakout on %s", res.Signal, res.Direction, strings.Join(res.Timeframes, ","))), nil
}

func (c *ChannelBreakoutCondition) signal(snap *domain.MarketSnapshot, dir domain.BreakoutDirection, confidence, stop float64, reason string) *domain.Signal {
	sig := newSignal(c.conditionTracker, snap, dir.Side(), domain.SignalActionOpen, confidence, reason)
	sig.StopPrice = stop
	return sig
}

// --- Orderbook tick run ---

type OrderbookTickConfig struct {
	Ticks int `yaml:"ticks"`
}

type tickHistory struct {
	mids *RingBuffer
}

type OrderbookTickCondition struct {
	*conditionTracker
	cfg     OrderbookTickConfig
	history *SymbolStore[tickHistory]
}

func NewOrderbookTickCondition(cfg OrderbookTickConfig, logger *zap.Logger) (*OrderbookTickCondition, error) {
	if cfg.Ticks < 2 {
		return nil, fmt.Errorf("%w: orderbook tick run needs at least 2 ticks", domain.ErrInvalidConfig)
	}
	capacity := cfg.Ticks + 1
	return &OrderbookTickCondition{
		conditionTracker: newConditionTracker("orderbook_tick", domain.SignalKindEntry, logger),
		cfg:              cfg,
		history: NewSymbolStore(func() *tickHistory {
			return &tickHistory{mids: NewRingBuffer(capacity)}
		}),
	}, nil
}

// pushTick records mid when it differs from the previous quote.
func pushTick(h *tickHistory, mid float64) {
	if last, ok := h.mids.Last(); ok && last == mid {
		return
	}
	h.mids.Push(mid)
}

// direction of a buffer: +1 strictly rising, -1 strictly falling, 0 otherwise.
func runDirection(values []float64) int {
	if len(values) < 2 {
		return 0
	}
	up, down := true, true
	for i := 1; i < len(values); i++ {
		if values[i] <= values[i-1] {
			up = false
		}
		if values[i] >= values[i-1] {
			down = false
		}
	}
	switch {
	case up:
		return 1
	case down:
		return -1
	}
	return 0
}

func (c *OrderbookTickCondition) Evaluate(symbol string, snap *domain.MarketSnapshot) (*domain.Signal, error) {
	return track(c.conditionTracker, symbol, func() (*domain.Signal, error) {
		mid := snap.MidPrice()
		if mid <= 0 {
			return nil, fmt.Errorf("%w: no quote", domain.ErrInsufficientData)
		}
		var dir int
		c.history.Update(symbol, func(h *tickHistory) {
			pushTick(h, mid)
			if !h.mids.Full() {
				return
			}
			dir = runDirection(h.mids.Values())
			if dir != 0 {
				h.mids.Clear()
			}
		})
		switch dir {
		case 1:
			return newSignal(c.conditionTracker, snap, domain.SideLong, domain.SignalActionOpen, 0.6,
				fmt.Sprintf("%d consecutive rising quote ticks", c.cfg.Ticks)), nil
		case -1:
			return newSignal(c.conditionTracker, snap, domain.SideShort, domain.SignalActionOpen, 0.6,
				fmt.Sprintf("%d consecutive falling quote ticks", c.cfg.Ticks)), nil
		}
		return nil, nil
	})
}

// --- Tick pattern ---

type TickPatternConfig struct {
	UpTicks    int     `yaml:"up_ticks"`
	DownTicks  int     `yaml:"down_ticks"`
	EntryRatio float64 `yaml:"entry_ratio"`
}

// TickPatternCondition fires a partial add after UpTicks rising ticks
// followed by DownTicks falling ones (mirrored for shorts).
type TickPatternCondition struct {
	*conditionTracker
	cfg     TickPatternConfig
	history *SymbolStore[tickHistory]
}

func NewTickPatternCondition(cfg TickPatternConfig, logger *zap.Logger) (*TickPatternCondition, error) {
	if cfg.UpTicks < 1 || cfg.DownTicks < 1 {
		return nil, fmt.Errorf("%w: tick pattern needs up_ticks and down_ticks >= 1", domain.ErrInvalidConfig)
	}
	if cfg.EntryRatio <= 0 || cfg.EntryRatio > 1 {
		return nil, fmt.Errorf("%w: tick pattern entry_ratio must be in (0, 1]", domain.ErrInvalidConfig)
	}
	capacity := cfg.UpTicks + cfg.DownTicks + 1
	return &TickPatternCondition{
		conditionTracker: newConditionTracker("tick_pattern", domain.SignalKindEntry, logger),
		cfg:              cfg,
		history: NewSymbolStore(func() *tickHistory {
			return &tickHistory{mids: NewRingBuffer(capacity)}
		}),
	}, nil
}

func (c *TickPatternCondition) Evaluate(symbol string, snap *domain.MarketSnapshot) (*domain.Signal, error) {
	return track(c.conditionTracker, symbol, func() (*domain.Signal, error) {
		mid := snap.MidPrice()
		if mid <= 0 {
			return nil, fmt.Errorf("%w: no quote", domain.ErrInsufficientData)
		}
		var side domain.Side
		c.history.Update(symbol, func(h *tickHistory) {
			pushTick(h, mid)
			if !h.mids.Full() {
				return
			}
			values := h.mids.Values()
			first := runDirection(values[:c.cfg.UpTicks+1])
			second := runDirection(values[c.cfg.UpTicks:])
			switch {
			case first == 1 && second == -1:
				side = domain.SideLong
			case first == -1 && second == 1:
				side = domain.SideShort
			}
			if side != "" {
				h.mids.Clear()
			}
		})
		if side == "" {
			return nil, nil
		}
		sig := newSignal(c.conditionTracker, snap, side, domain.SignalActionAdd, 0.6,
			fmt.Sprintf("%d ticks with trend then %d against", c.cfg.UpTicks, c.cfg.DownTicks))
		sig.EntryRatio = c.cfg.EntryRatio
		return sig, nil
	})
}

// --- Candle state gate ---

type CandleState string

const (
	CandleAny     CandleState = "any"
	CandleBullish CandleState = "bullish"
	CandleBearish CandleState = "bearish"
)

type CandleStateConfig struct {
	Want         CandleState `yaml:"want"`
	MinBodyRatio float64     `yaml:"min_body_ratio"`
}

type CandleStateCondition struct {
	*conditionTracker
	cfg CandleStateConfig
}

func NewCandleStateCondition(cfg CandleStateConfig, logger *zap.Logger) *CandleStateCondition {
	if cfg.Want == "" {
		cfg.Want = CandleAny
	}
	return &CandleStateCondition{
		conditionTracker: newConditionTracker("candle_state_"+string(cfg.Want), domain.SignalKindEntry, logger),
		cfg:              cfg,
	}
}

func (c *CandleStateCondition) Evaluate(symbol string, snap *domain.MarketSnapshot) (*domain.Signal, error) {
	return track(c.conditionTracker, symbol, func() (*domain.Signal, error) {
		last, ok := snap.LastCandle()
		if !ok {
			return nil, fmt.Errorf("%w: no candle", domain.ErrInsufficientData)
		}
		rng := last.Range()
		if rng <= 0 {
			return nil, nil
		}
		bodyRatio := last.Body() / rng
		if bodyRatio < c.cfg.MinBodyRatio {
			return nil, nil
		}

		var state CandleState
		var side domain.Side
		switch {
		case last.Bullish():
			state, side = CandleBullish, domain.SideLong
		case last.Bearish():
			state, side = CandleBearish, domain.SideShort
		default:
			return nil, nil
		}
		if c.cfg.Want != CandleAny && c.cfg.Want != state {
			return nil, nil
		}
		return newSignal(c.conditionTracker, snap, side, domain.SignalActionOpen, bodyRatio,
			fmt.Sprintf("%s candle, body %.0f%% of range", state, bodyRatio*100)), nil
	})
}
