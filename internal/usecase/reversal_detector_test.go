package usecase_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/usecase"
	"go.uber.org/zap"
)

func newDetector(t *testing.T) *usecase.ReversalDetector {
	t.Helper()
	d, err := usecase.NewReversalDetector(usecase.DefaultReversalConfig(), zap.NewNop())
	require.NoError(t, err)
	return d
}

func TestReversalDetector_InsufficientData(t *testing.T) {
	d := newDetector(t)
	_, err := d.Detect([]domain.Candle{candle(1, 2, 0.5, 1.5, 1)}, domain.SideLong)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}

func TestReversalDetector_ConsecutiveAgainstLong(t *testing.T) {
	d := newDetector(t)

	res, err := d.Detect(bearishReversal(), domain.SideLong)
	require.NoError(t, err)
	require.NotNil(t, res.Best)

	assert.Equal(t, domain.PatternConsecutive, res.Best.Pattern)
	assert.Equal(t, 1.0, res.Best.Strength)
	assert.Equal(t, 0.75, res.Best.Confidence)
	assert.Equal(t, 1.0, res.Strength())

	// the long upper shadow matches too but scores lower
	var patterns []domain.ReversalPattern
	for _, m := range res.Matches {
		patterns = append(patterns, m.Pattern)
	}
	assert.ElementsMatch(t, []domain.ReversalPattern{domain.PatternConsecutive, domain.PatternLongShadow}, patterns)
}

func TestReversalDetector_SideMatters(t *testing.T) {
	d := newDetector(t)

	// falling candles favour a short
	res, err := d.Detect(bearishReversal(), domain.SideShort)
	require.NoError(t, err)
	assert.Nil(t, res.Best)
	assert.Equal(t, 0.0, res.Strength())
}

func TestReversalDetector_LongShadow(t *testing.T) {
	d := newDetector(t)

	candles := []domain.Candle{
		candle(98, 99.1, 97.9, 99, 10),
		candle(99, 100.1, 98.9, 100, 10),
		candle(100, 103, 99.9, 100.5, 10),
	}
	res, err := d.Detect(candles, domain.SideLong)
	require.NoError(t, err)
	require.NotNil(t, res.Best)
	assert.Equal(t, domain.PatternLongShadow, res.Best.Pattern)
	assert.InDelta(t, 5.0, res.Best.ShadowRatio, 1e-9)
	assert.Equal(t, 1.0, res.Best.Strength)
	assert.Len(t, res.Matches, 1)
}

func TestReversalDetector_Doji(t *testing.T) {
	d := newDetector(t)

	candles := []domain.Candle{
		candle(100, 101.2, 99.8, 101, 10),
		candle(101, 102.2, 100.8, 102, 10),
		candle(102.5, 102.55, 101.5, 102.52, 10),
	}
	res, err := d.Detect(candles, domain.SideLong)
	require.NoError(t, err)
	require.NotNil(t, res.Best)
	assert.Equal(t, domain.PatternDoji, res.Best.Pattern)
	// near the top of the recent range, so the extreme bonus applies
	assert.Greater(t, res.Best.Strength, 0.9)
	assert.Less(t, res.Best.BodyRatio, 0.1)
}

func TestReversalDetector_VolumeSurge(t *testing.T) {
	d := newDetector(t)

	candles := []domain.Candle{
		candle(100, 101.1, 99.9, 101, 10),
		candle(101, 102.1, 100.9, 102, 10),
		candle(102, 102.1, 101.4, 101.5, 50),
	}
	res, err := d.Detect(candles, domain.SideLong)
	require.NoError(t, err)
	require.NotNil(t, res.Best)
	assert.Equal(t, domain.PatternVolume, res.Best.Pattern)
	assert.InDelta(t, 5.0, res.Best.VolumeRatio, 1e-9)
	assert.True(t, res.Best.VolumeSurge)
	assert.Equal(t, 1.0, res.Best.Strength)
}

func TestReversalDetector_Exhaustion(t *testing.T) {
	d := newDetector(t)

	candles := []domain.Candle{
		candle(100, 102.1, 99.9, 102, 10),
		candle(102, 103.1, 101.9, 103, 10),
		candle(103, 103.05, 102.75, 102.8, 10),
	}
	res, err := d.Detect(candles, domain.SideLong)
	require.NoError(t, err)
	require.NotNil(t, res.Best)
	assert.Equal(t, domain.PatternExhaustion, res.Best.Pattern)
	assert.InDelta(t, 0.75, res.Best.Strength, 1e-9)
	assert.Equal(t, 0.85, res.Best.Confidence)
}

func TestReversalDetector_UsesLookbackWindow(t *testing.T) {
	d := newDetector(t)

	// an old bullish candle outside the lookback does not break the run
	candles := append([]domain.Candle{candle(40000, 52000, 39900, 51000, 10)}, bearishReversal()...)
	res, err := d.Detect(candles, domain.SideLong)
	require.NoError(t, err)
	require.NotNil(t, res.Best)
	assert.Equal(t, domain.PatternConsecutive, res.Best.Pattern)
}

func TestReversalConfig_Validate(t *testing.T) {
	cfg := usecase.DefaultReversalConfig()
	cfg.Lookback = 1
	_, err := usecase.NewReversalDetector(cfg, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	cfg = usecase.DefaultReversalConfig()
	cfg.ShadowBodyRatio = 0
	assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidConfig)
}
