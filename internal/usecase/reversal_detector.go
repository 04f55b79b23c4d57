package usecase

import (
	"fmt"
	"math"

	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"go.uber.org/zap"
)

// Fixed pattern confidence weights.
const (
	confidenceConsecutive = 0.75
	confidenceLongShadow  = 0.70
	confidenceDoji        = 0.65
	confidenceVolume      = 0.80
	confidenceExhaustion  = 0.85
)

type ReversalConfig struct {
	Lookback int `yaml:"lookback"`
	// ConsecutiveBodyPct is the average body/open at which consecutive strength saturates.
	ConsecutiveBodyPct float64 `yaml:"consecutive_body_pct"`
	ShadowBodyRatio    float64 `yaml:"shadow_body_ratio"`
	DojiBodyRatio      float64 `yaml:"doji_body_ratio"`
	VolumeSurgeRatio   float64 `yaml:"volume_surge_ratio"`
}

func DefaultReversalConfig() ReversalConfig {
	return ReversalConfig{
		Lookback:           3,
		ConsecutiveBodyPct: 0.005,
		ShadowBodyRatio:    2.0,
		DojiBodyRatio:      0.1,
		VolumeSurgeRatio:   2.0,
	}
}

func (c ReversalConfig) Validate() error {
	if c.Lookback < 2 {
		return fmt.Errorf("%w: reversal lookback must be >= 2", domain.ErrInvalidConfig)
	}
	if c.ConsecutiveBodyPct <= 0 || c.ShadowBodyRatio <= 0 || c.DojiBodyRatio <= 0 || c.VolumeSurgeRatio <= 0 {
		return fmt.Errorf("%w: reversal ratios must be positive", domain.ErrInvalidConfig)
	}
	return nil
}

// ReversalDetector scores candle and volume shapes that run against a
// position's direction.
type ReversalDetector struct {
	cfg    ReversalConfig
	logger *zap.Logger
}

func NewReversalDetector(cfg ReversalConfig, logger *zap.Logger) (*ReversalDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReversalDetector{cfg: cfg, logger: logger}, nil
}

// Detect runs every pattern over the last Lookback candles. Best is the
// match with the highest strength*confidence; Matches lists all of them.
func (d *ReversalDetector) Detect(candles []domain.Candle, side domain.Side) (domain.ReversalResult, error) {
	var result domain.ReversalResult
	if len(candles) < 2 {
		return result, fmt.Errorf("%w: reversal needs 2 candles, got %d", domain.ErrInsufficientData, len(candles))
	}

	window := candles
	if len(window) > d.cfg.Lookback {
		window = window[len(window)-d.cfg.Lookback:]
	}

	detectors := []func([]domain.Candle, domain.Side) (domain.ReversalSignal, bool){
		d.consecutive,
		d.longShadow,
		d.doji,
		d.volume,
		d.exhaustion,
	}
	for _, detect := range detectors {
		if sig, ok := detect(window, side); ok {
			result.Matches = append(result.Matches, sig)
		}
	}

	for i := range result.Matches {
		if result.Best == nil || result.Matches[i].Score() > result.Best.Score() {
			best := result.Matches[i]
			result.Best = &best
		}
	}

	if result.Best != nil {
		d.logger.Debug("Reversal detected",
			zap.String("side", string(side)),
			zap.String("pattern", string(result.Best.Pattern)),
			zap.Float64("strength", result.Best.Strength),
			zap.Int("matches", len(result.Matches)))
	}
	return result, nil
}

// against reports whether c closes against a position on side.
func against(c domain.Candle, side domain.Side) bool {
	if side == domain.SideShort {
		return c.Bullish()
	}
	return c.Bearish()
}

func favours(c domain.Candle, side domain.Side) bool {
	if side == domain.SideShort {
		return c.Bearish()
	}
	return c.Bullish()
}

func (d *ReversalDetector) consecutive(window []domain.Candle, side domain.Side) (domain.ReversalSignal, bool) {
	sum := 0.0
	for _, c := range window {
		if !against(c, side) || c.Open <= 0 {
			return domain.ReversalSignal{}, false
		}
		sum += c.Body() / c.Open
	}
	avgBody := sum / float64(len(window))
	return domain.ReversalSignal{
		Pattern:    domain.PatternConsecutive,
		Strength:   math.Min(1, avgBody/d.cfg.ConsecutiveBodyPct),
		Confidence: confidenceConsecutive,
		BodyRatio:  avgBody,
	}, true
}

func (d *ReversalDetector) longShadow(window []domain.Candle, side domain.Side) (domain.ReversalSignal, bool) {
	last := window[len(window)-1]
	rng := last.Range()
	if rng <= 0 {
		return domain.ReversalSignal{}, false
	}

	// Longs are hurt by rejection from above, shorts by rejection from below.
	shadow := last.UpperShadow()
	if side == domain.SideShort {
		shadow = last.LowerShadow()
	}
	body := last.Body()
	if body <= 0 {
		body = rng * 0.01
	}
	ratio := shadow / body
	if ratio <= d.cfg.ShadowBodyRatio {
		return domain.ReversalSignal{}, false
	}
	return domain.ReversalSignal{
		Pattern:     domain.PatternLongShadow,
		Strength:    math.Min(1, ratio/(2*d.cfg.ShadowBodyRatio)),
		Confidence:  confidenceLongShadow,
		ShadowRatio: ratio,
		BodyRatio:   last.Body() / rng,
	}, true
}

func (d *ReversalDetector) doji(window []domain.Candle, side domain.Side) (domain.ReversalSignal, bool) {
	last := window[len(window)-1]
	rng := last.Range()
	if rng <= 0 {
		return domain.ReversalSignal{}, false
	}
	bodyRatio := last.Body() / rng
	if bodyRatio > d.cfg.DojiBodyRatio {
		return domain.ReversalSignal{}, false
	}

	high, low := window[0].High, window[0].Low
	for _, c := range window[1:] {
		high = math.Max(high, c.High)
		low = math.Min(low, c.Low)
	}
	strength := 0.5 + 0.2*(1-bodyRatio/d.cfg.DojiBodyRatio)
	if span := high - low; span > 0 {
		mid := (last.Open + last.Close) / 2
		pos := (mid - low) / span
		if (side == domain.SideLong && pos >= 2.0/3) || (side == domain.SideShort && pos <= 1.0/3) {
			strength += 0.3
		}
	}
	return domain.ReversalSignal{
		Pattern:    domain.PatternDoji,
		Strength:   math.Min(1, strength),
		Confidence: confidenceDoji,
		BodyRatio:  bodyRatio,
	}, true
}

// volume compares the last candle with the average of the candles before it.
func (d *ReversalDetector) volume(window []domain.Candle, side domain.Side) (domain.ReversalSignal, bool) {
	last := window[len(window)-1]
	if !against(last, side) {
		return domain.ReversalSignal{}, false
	}
	avg := averageVolume(window[:len(window)-1])
	if avg <= 0 {
		return domain.ReversalSignal{}, false
	}
	ratio := last.Volume / avg
	if ratio <= d.cfg.VolumeSurgeRatio {
		return domain.ReversalSignal{}, false
	}
	return domain.ReversalSignal{
		Pattern:     domain.PatternVolume,
		Strength:    math.Min(1, ratio/(2*d.cfg.VolumeSurgeRatio)),
		Confidence:  confidenceVolume,
		VolumeRatio: ratio,
		VolumeSurge: true,
	}, true
}

// exhaustion: shrinking bodies in the position's favour, then a close against it.
func (d *ReversalDetector) exhaustion(window []domain.Candle, side domain.Side) (domain.ReversalSignal, bool) {
	if len(window) < 3 {
		return domain.ReversalSignal{}, false
	}
	run := window[:len(window)-1]
	last := window[len(window)-1]
	if !against(last, side) {
		return domain.ReversalSignal{}, false
	}
	for i, c := range run {
		if !favours(c, side) {
			return domain.ReversalSignal{}, false
		}
		if i > 0 && c.Body() >= run[i-1].Body() {
			return domain.ReversalSignal{}, false
		}
	}
	first := run[0].Body()
	if first <= 0 {
		return domain.ReversalSignal{}, false
	}
	shrink := run[len(run)-1].Body() / first
	return domain.ReversalSignal{
		Pattern:    domain.PatternExhaustion,
		Strength:   clamp01(0.5 + 0.5*(1-shrink)),
		Confidence: confidenceExhaustion,
		BodyRatio:  shrink,
	}, true
}
