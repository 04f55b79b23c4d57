package usecase

import (
	"fmt"
	"sort"

	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"go.uber.org/zap"
)

type ChannelConfig struct {
	Period      int     `yaml:"period"`
	MinWidthPct float64 `yaml:"min_width_pct"`
	// BreakoutThreshold is the fraction beyond a line the price must exceed.
	BreakoutThreshold float64 `yaml:"breakout_threshold"`
	MinorMaxPct       float64 `yaml:"minor_max_pct"`
	ModerateMaxPct    float64 `yaml:"moderate_max_pct"`

	ConfirmationCandles   int     `yaml:"confirmation_candles"`
	RequireConfirmation   bool    `yaml:"require_confirmation"`
	VolumeLookback        int     `yaml:"volume_lookback"`
	VolumeSurgeMultiplier float64 `yaml:"volume_surge_multiplier"`
	RequireVolumeSurge    bool    `yaml:"require_volume_surge"`

	ATRPeriod             int     `yaml:"atr_period"`
	SingleTimeframeFactor float64 `yaml:"single_timeframe_factor"`
}

func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Period:                20,
		MinWidthPct:           0.005,
		BreakoutThreshold:     0.002,
		MinorMaxPct:           0.01,
		ModerateMaxPct:        0.02,
		ConfirmationCandles:   2,
		RequireConfirmation:   true,
		VolumeLookback:        3,
		VolumeSurgeMultiplier: 1.2,
		ATRPeriod:             14,
		SingleTimeframeFactor: 0.8,
	}
}

func (c ChannelConfig) Validate() error {
	switch {
	case c.Period < 2:
		return fmt.Errorf("%w: channel period must be >= 2, got %d", domain.ErrInvalidConfig, c.Period)
	case c.MinWidthPct <= 0:
		return fmt.Errorf("%w: channel min_width_pct must be > 0", domain.ErrInvalidConfig)
	case c.BreakoutThreshold < 0:
		return fmt.Errorf("%w: channel breakout_threshold must be >= 0", domain.ErrInvalidConfig)
	case c.MinorMaxPct <= 0 || c.ModerateMaxPct < c.MinorMaxPct:
		return fmt.Errorf("%w: severity tiers must satisfy 0 < minor <= moderate", domain.ErrInvalidConfig)
	case c.ConfirmationCandles < 0 || c.ConfirmationCandles > c.Period:
		return fmt.Errorf("%w: confirmation_candles must be in [0, period]", domain.ErrInvalidConfig)
	case c.VolumeLookback < 1 || c.VolumeSurgeMultiplier <= 0:
		return fmt.Errorf("%w: volume surge settings must be positive", domain.ErrInvalidConfig)
	case c.ATRPeriod < 0:
		return fmt.Errorf("%w: atr_period must be >= 0", domain.ErrInvalidConfig)
	case c.SingleTimeframeFactor <= 0 || c.SingleTimeframeFactor > 1:
		return fmt.Errorf("%w: single_timeframe_factor must be in (0, 1]", domain.ErrInvalidConfig)
	}
	return nil
}

// ChannelAnalyzer computes Donchian channels over closed candles and
// classifies breakouts. It keeps no state between calls.
type ChannelAnalyzer struct {
	cfg    ChannelConfig
	logger *zap.Logger
}

func NewChannelAnalyzer(cfg ChannelConfig, logger *zap.Logger) (*ChannelAnalyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelAnalyzer{cfg: cfg, logger: logger}, nil
}

func (a *ChannelAnalyzer) Config() ChannelConfig {
	return a.cfg
}

// Calculate builds the channel from the last Period candles, which must be
// closed bars: a forming bar already contains price. A zero price falls back
// to the last close.
func (a *ChannelAnalyzer) Calculate(candles []domain.Candle, price float64) (domain.Channel, error) {
	ch := domain.Channel{Period: a.cfg.Period}
	if len(candles) < a.cfg.Period {
		return ch, fmt.Errorf("%w: %d candles, channel needs %d", domain.ErrInsufficientData, len(candles), a.cfg.Period)
	}
	if price <= 0 {
		price = candles[len(candles)-1].Close
	}
	if price <= 0 {
		return ch, fmt.Errorf("%w: no reference price", domain.ErrInsufficientData)
	}

	window := candles[len(candles)-a.cfg.Period:]
	upper, lower := window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > upper {
			upper = c.High
		}
		if c.Low < lower {
			lower = c.Low
		}
	}

	ch.Upper = upper
	ch.Lower = lower
	ch.Middle = (upper + lower) / 2
	ch.Price = price
	ch.Width = (upper - lower) / price
	ch.WidthValid = ch.Width >= a.cfg.MinWidthPct
	ch.PriceInside = price >= lower && price <= upper
	if a.cfg.ATRPeriod > 0 {
		ch.ATR = ATR(candles, a.cfg.ATRPeriod)
	}
	return ch, nil
}

// Severity classifies a breakout percentage against the configured tiers.
func (a *ChannelAnalyzer) Severity(pct float64) domain.BreakoutSeverity {
	switch {
	case pct < a.cfg.MinorMaxPct:
		return domain.SeverityMinor
	case pct <= a.cfg.ModerateMaxPct:
		return domain.SeverityModerate
	default:
		return domain.SeverityMajor
	}
}

// DetectBreakout returns nil without error when the channel is too narrow or
// the price is not strictly beyond the threshold.
func (a *ChannelAnalyzer) DetectBreakout(candles []domain.Candle, price float64) (*domain.BreakoutEvent, error) {
	ch, err := a.Calculate(candles, price)
	if err != nil {
		return nil, err
	}
	if !ch.WidthValid {
		a.logger.Debug("Channel too narrow for breakout",
			zap.Float64("width", ch.Width),
			zap.Float64("min_width", a.cfg.MinWidthPct))
		return nil, nil
	}

	var (
		dir      domain.BreakoutDirection
		pct      float64
		distance float64
	)
	switch {
	case ch.Price > ch.Upper*(1+a.cfg.BreakoutThreshold):
		dir = domain.BreakoutUpper
		distance = ch.Price - ch.Upper
		pct = distance / ch.Upper
	case ch.Price < ch.Lower*(1-a.cfg.BreakoutThreshold):
		dir = domain.BreakoutLower
		distance = ch.Lower - ch.Price
		pct = distance / ch.Lower
	default:
		return nil, nil
	}

	event := &domain.BreakoutEvent{
		Direction:  dir,
		Percentage: pct,
		Severity:   a.Severity(pct),
		Channel:    ch,
	}
	event.Confirmed = a.confirmed(candles, dir)
	volumeRatio := a.volumeRatio(candles)
	event.VolumeSurge = volumeRatio > a.cfg.VolumeSurgeMultiplier
	event.Confidence = a.confidence(ch, pct, distance, volumeRatio, event.VolumeSurge)

	if a.cfg.RequireConfirmation && !event.Confirmed {
		a.logger.Debug("Breakout not confirmed", zap.String("direction", string(dir)), zap.Float64("pct", pct))
		return nil, nil
	}
	if a.cfg.RequireVolumeSurge && !event.VolumeSurge {
		a.logger.Debug("Breakout without volume surge", zap.String("direction", string(dir)), zap.Float64("volume_ratio", volumeRatio))
		return nil, nil
	}
	return event, nil
}

func (a *ChannelAnalyzer) confirmed(candles []domain.Candle, dir domain.BreakoutDirection) bool {
	n := a.cfg.ConfirmationCandles
	if n == 0 {
		return true
	}
	if len(candles) < n {
		return false
	}
	for _, c := range candles[len(candles)-n:] {
		if dir == domain.BreakoutUpper && !c.Bullish() {
			return false
		}
		if dir == domain.BreakoutLower && !c.Bearish() {
			return false
		}
	}
	return true
}

// volumeRatio compares the recent average volume with the channel window average.
func (a *ChannelAnalyzer) volumeRatio(candles []domain.Candle) float64 {
	window := candles[len(candles)-a.cfg.Period:]
	overall := averageVolume(window)
	if overall <= 0 {
		return 0
	}
	lookback := a.cfg.VolumeLookback
	if lookback > len(window) {
		lookback = len(window)
	}
	return averageVolume(window[len(window)-lookback:]) / overall
}

func (a *ChannelAnalyzer) confidence(ch domain.Channel, pct, distance, volumeRatio float64, surge bool) float64 {
	widthScore := clamp01(ch.Width / (2 * a.cfg.MinWidthPct))

	var magnitudeScore float64
	if ch.ATR > 0 {
		magnitudeScore = clamp01(distance / ch.ATR)
	} else {
		magnitudeScore = clamp01(pct / a.cfg.ModerateMaxPct)
	}

	volumeScore := 1.0
	if !surge {
		volumeScore = 0.5 * clamp01(volumeRatio/a.cfg.VolumeSurgeMultiplier)
	}
	return clamp01(0.3*widthScore + 0.5*magnitudeScore + 0.2*volumeScore)
}

// AnalyzeMultiTimeframe aggregates breakouts detected on each interval window.
// Windows with too little history are skipped.
func (a *ChannelAnalyzer) AnalyzeMultiTimeframe(windows map[string][]domain.Candle, price float64) domain.MultiTimeframeBreakout {
	result := domain.MultiTimeframeBreakout{
		Signal: domain.TimeframeNone,
		Events: make(map[string]*domain.BreakoutEvent),
	}

	intervals := make([]string, 0, len(windows))
	for tf := range windows {
		intervals = append(intervals, tf)
	}
	sort.Strings(intervals)

	var ups, downs []string
	for _, tf := range intervals {
		event, err := a.DetectBreakout(windows[tf], price)
		if err != nil {
			a.logger.Debug("Skipping timeframe", zap.String("timeframe", tf), zap.Error(err))
			continue
		}
		if event == nil {
			continue
		}
		result.Events[tf] = event
		if event.Direction == domain.BreakoutUpper {
			ups = append(ups, tf)
		} else {
			downs = append(downs, tf)
		}
	}

	if len(ups) > 0 && len(downs) > 0 {
		result.Signal = domain.TimeframeConflicting
		result.Timeframes = append(ups, downs...)
		return result
	}

	agreeing := ups
	result.Direction = domain.BreakoutUpper
	if len(downs) > 0 {
		agreeing = downs
		result.Direction = domain.BreakoutLower
	}

	switch len(agreeing) {
	case 0:
		result.Direction = ""
		return result
	case 1:
		result.Signal = domain.TimeframeSingle
		result.Confidence = result.Events[agreeing[0]].Confidence * a.cfg.SingleTimeframeFactor
	default:
		result.Signal = domain.TimeframeStrong
		sum := 0.0
		for _, tf := range agreeing {
			sum += result.Events[tf].Confidence
		}
		result.Confidence = sum / float64(len(agreeing))
	}
	result.Timeframes = agreeing
	return result
}
