package usecase

import (
	"math"

	"github.com/vitos/crypto_pcs_engine/internal/domain"
)

// SMA of the last period closes. Returns false when the window is short.
func SMA(candles []domain.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period {
		return 0, false
	}
	sum := 0.0
	for _, c := range candles[len(candles)-period:] {
		sum += c.Close
	}
	return sum / float64(period), true
}

// EMA seeds with the SMA of the first period values, then smooths.
func EMA(values []float64, period int) []float64 {
	ema := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return ema
	}

	k := 2.0 / (float64(period) + 1.0)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema[period-1] = sum / float64(period)
	for i := period; i < len(values); i++ {
		ema[i] = values[i]*k + ema[i-1]*(1-k)
	}
	return ema
}

// ATR is the Wilder-smoothed average true range of the last candle.
// Zero when there are not period+1 candles.
func ATR(candles []domain.Candle, period int) float64 {
	n := len(candles)
	if period <= 0 || n < period+1 {
		return 0
	}

	trs := make([]float64, n)
	trs[0] = candles[0].High - candles[0].Low
	for i := 1; i < n; i++ {
		hl := candles[i].High - candles[i].Low
		hc := math.Abs(candles[i].High - candles[i-1].Close)
		lc := math.Abs(candles[i].Low - candles[i-1].Close)
		trs[i] = math.Max(hl, math.Max(hc, lc))
	}

	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)
	for i := period; i < n; i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func averageVolume(candles []domain.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles {
		sum += c.Volume
	}
	return sum / float64(len(candles))
}
