package usecase_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/usecase"
)

func snapshotAt(price float64, held time.Duration, candles []domain.Candle) *domain.MarketSnapshot {
	return &domain.MarketSnapshot{
		Symbol:    "BTCUSDT",
		Price:     price,
		Timestamp: t0.Add(held),
		Candles:   candles,
	}
}

// throughStageTwo runs the profit and channel exits and returns a Stage 3 position.
func throughStageTwo(t *testing.T, deps engineDeps) domain.Position {
	t.Helper()
	pos := *newLongPosition("pos-1", 1.0, 50000)

	d, err := deps.engine.Evaluate(&pos, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)
	require.NotNil(t, d)
	pos, err = usecase.ApplyExecution(pos, d, filled(d), t0.Add(6*time.Minute))
	require.NoError(t, err)

	d, err = deps.engine.Evaluate(&pos, snapshotAt(48750, 10*time.Minute, channelWindow(20, 51000, 49000)))
	require.NoError(t, err)
	require.NotNil(t, d)
	pos, err = usecase.ApplyExecution(pos, d, filled(d), t0.Add(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.StageThree, pos.CurrentStage)
	return pos
}

func TestPCSEngine_StageOneProfitExit(t *testing.T) {
	deps := newEngine(t, nil)
	pos := newLongPosition("pos-1", 1.0, 50000)

	d, err := deps.engine.Evaluate(pos, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, domain.StageOne, d.Stage)
	assert.Equal(t, domain.StageTwo, d.TargetStage)
	assert.InDelta(t, 0.3, d.Quantity, 1e-9)
	assert.Equal(t, domain.OrderSideSell, d.OrderSide)
	assert.Equal(t, domain.OrderTypeLimit, d.OrderType)
	assert.Equal(t, domain.UrgencyMedium, d.Urgency)
	assert.True(t, d.HasPostAction(domain.PostActionBreakeven))

	next, err := usecase.ApplyExecution(*pos, d, filled(d), t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 0.7, next.RemainingSize, 1e-9)
	assert.Equal(t, domain.StageTwo, next.CurrentStage)
	assert.InDelta(t, 300, next.RealizedPnL, 1e-6)
	assert.Equal(t, 50000.0, next.StopLossPrice)
	assert.True(t, next.Stages[domain.StageOne].Completed)

	// the input position is never modified
	assert.Equal(t, 1.0, pos.RemainingSize)
	assert.Equal(t, domain.StageOne, pos.CurrentStage)
}

func TestPCSEngine_StageOneBelowThreshold(t *testing.T) {
	deps := newEngine(t, nil)
	pos := newLongPosition("pos-1", 1.0, 50000)

	d, err := deps.engine.Evaluate(pos, snapshotAt(50900, 6*time.Minute, nil))
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestPCSEngine_MinimumHoldingTime(t *testing.T) {
	deps := newEngine(t, nil)
	pos := newLongPosition("pos-1", 1.0, 50000)

	d, err := deps.engine.Evaluate(pos, snapshotAt(51000, 2*time.Minute, nil))
	require.NoError(t, err)
	assert.Nil(t, d, "stage 1 must wait for the minimum holding time")
}

func TestPCSEngine_ShortPositionProfit(t *testing.T) {
	deps := newEngine(t, nil)
	pos := domain.NewPosition("pos-s", "bybit", "ETHUSDT", domain.SideShort, 2.0, 3000, t0)

	d, err := deps.engine.Evaluate(pos, &domain.MarketSnapshot{Symbol: "ETHUSDT", Price: 2930, Timestamp: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, domain.OrderSideBuy, d.OrderSide)
	assert.InDelta(t, 0.6, d.Quantity, 1e-9)

	next, err := usecase.ApplyExecution(*pos, d, filled(d), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 42, next.RealizedPnL, 1e-6)
}

func TestPCSEngine_StageTwoChannelExit(t *testing.T) {
	for _, mode := range []usecase.Stage2Mode{usecase.Stage2Retrace, usecase.Stage2Breakdown} {
		t.Run(string(mode), func(t *testing.T) {
			deps := newEngine(t, func(c *usecase.PCSConfig) { c.Stage2Mode = mode })
			pos := *newLongPosition("pos-1", 1.0, 50000)
			d, err := deps.engine.Evaluate(&pos, snapshotAt(51000, 6*time.Minute, nil))
			require.NoError(t, err)
			pos, err = usecase.ApplyExecution(pos, d, filled(d), t0.Add(6*time.Minute))
			require.NoError(t, err)

			d, err = deps.engine.Evaluate(&pos, snapshotAt(48750, 10*time.Minute, channelWindow(20, 51000, 49000)))
			require.NoError(t, err)
			require.NotNil(t, d)
			assert.Equal(t, domain.StageTwo, d.Stage)
			assert.InDelta(t, 0.35, d.Quantity, 1e-9)
			assert.Equal(t, domain.UrgencyHigh, d.Urgency)
			assert.True(t, d.HasPostAction(domain.PostActionTrailingStop))

			next, err := usecase.ApplyExecution(pos, d, filled(d), t0.Add(10*time.Minute))
			require.NoError(t, err)
			assert.InDelta(t, 0.35, next.RemainingSize, 1e-9)
			assert.Equal(t, domain.StageThree, next.CurrentStage)
			assert.True(t, next.TrailingStopActive)
			assert.NoError(t, next.CheckInvariant())
		})
	}
}

func TestPCSEngine_StageTwoNoBreach(t *testing.T) {
	deps := newEngine(t, func(c *usecase.PCSConfig) { c.Stage2Mode = usecase.Stage2Breakdown })
	pos := throughStageOne(t, deps)

	d, err := deps.engine.Evaluate(&pos, snapshotAt(50000, 10*time.Minute, channelWindow(20, 51000, 49000)))
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestPCSEngine_StageTwoMissingData(t *testing.T) {
	deps := newEngine(t, nil)
	pos := throughStageOne(t, deps)

	// too few candles for the channel
	d, err := deps.engine.Evaluate(&pos, snapshotAt(48000, 10*time.Minute, channelWindow(5, 51000, 49000)))
	require.NoError(t, err)
	assert.Nil(t, d)

	// channel narrower than the minimum width
	d, err = deps.engine.Evaluate(&pos, snapshotAt(49000, 10*time.Minute, channelWindow(20, 50010, 49990)))
	require.NoError(t, err)
	assert.Nil(t, d)
}

func throughStageOne(t *testing.T, deps engineDeps) domain.Position {
	t.Helper()
	pos := *newLongPosition("pos-1", 1.0, 50000)
	d, err := deps.engine.Evaluate(&pos, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)
	require.NotNil(t, d)
	pos, err = usecase.ApplyExecution(pos, d, filled(d), t0.Add(6*time.Minute))
	require.NoError(t, err)
	return pos
}

func TestPCSEngine_StageThreeReversal(t *testing.T) {
	deps := newEngine(t, nil)
	pos := throughStageTwo(t, deps)

	d, err := deps.engine.Evaluate(&pos, snapshotAt(48700, 20*time.Minute, bearishReversal()))
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, domain.StageThree, d.Stage)
	assert.Equal(t, domain.StageCompleted, d.TargetStage)
	assert.Equal(t, domain.OrderTypeMarket, d.OrderType)
	assert.Equal(t, domain.UrgencyCritical, d.Urgency)
	assert.InDelta(t, 0.35, d.Quantity, 1e-9)

	next, err := usecase.ApplyExecution(pos, d, filled(d), t0.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0.0, next.RemainingSize)
	assert.Equal(t, domain.StageCompleted, next.CurrentStage)
	assert.False(t, next.IsOpen())
	assert.NoError(t, next.CheckInvariant())

	// completed positions produce nothing
	d, err = deps.engine.Evaluate(&next, snapshotAt(48000, 30*time.Minute, bearishReversal()))
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestPCSEngine_StageThreeWeakReversal(t *testing.T) {
	deps := newEngine(t, nil)
	pos := throughStageTwo(t, deps)

	rising := []domain.Candle{
		candle(48000, 48300, 47900, 48200, 10),
		candle(48200, 48500, 48100, 48400, 10),
		candle(48400, 48700, 48300, 48600, 10),
	}
	d, err := deps.engine.Evaluate(&pos, snapshotAt(48600, 20*time.Minute, rising))
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestPCSEngine_EvaluateIsRepeatable(t *testing.T) {
	deps := newEngine(t, nil)
	pos := newLongPosition("pos-1", 1.0, 50000)
	snap := snapshotAt(51000, 6*time.Minute, nil)

	first, err := deps.engine.Evaluate(pos, snap)
	require.NoError(t, err)
	second, err := deps.engine.Evaluate(pos, snap)
	require.NoError(t, err)

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.Stage, second.Stage)
	assert.Equal(t, first.Quantity, second.Quantity)
	assert.Equal(t, first.TargetStage, second.TargetStage)
}

func TestApplyExecution_FailureLeavesPositionUnchanged(t *testing.T) {
	deps := newEngine(t, nil)
	pos := *newLongPosition("pos-1", 1.0, 50000)
	d, err := deps.engine.Evaluate(&pos, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)

	next, err := usecase.ApplyExecution(pos, d, &domain.OrderResult{Success: false, Message: "rejected"}, t0)
	require.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.Equal(t, pos.RemainingSize, next.RemainingSize)
	assert.Equal(t, pos.CurrentStage, next.CurrentStage)
	assert.Empty(t, next.Stages)

	next, err = usecase.ApplyExecution(pos, d, nil, t0)
	require.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.Equal(t, domain.StageOne, next.CurrentStage)

	// the same tick re-evaluates to the same decision
	again, err := deps.engine.Evaluate(&next, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, d.Quantity, again.Quantity)
}

func TestApplyExecution_Overfill(t *testing.T) {
	deps := newEngine(t, nil)
	pos := *newLongPosition("pos-1", 1.0, 50000)
	d, err := deps.engine.Evaluate(&pos, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)

	res := filled(d)
	res.FilledQty = 1.5
	next, err := usecase.ApplyExecution(pos, d, res, t0)
	require.Error(t, err)
	assert.True(t, usecase.IsInvariantViolation(err))
	assert.Equal(t, 1.0, next.RemainingSize)
}

func TestApplyExecution_StageMismatch(t *testing.T) {
	deps := newEngine(t, nil)
	pos := *newLongPosition("pos-1", 1.0, 50000)
	d, err := deps.engine.Evaluate(&pos, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)

	moved, err := usecase.ApplyExecution(pos, d, filled(d), t0)
	require.NoError(t, err)

	// replaying the stage 1 decision must not move the stage backwards
	_, err = usecase.ApplyExecution(moved, d, filled(d), t0)
	require.ErrorIs(t, err, domain.ErrInvariantViolation)

	other := *d
	other.PositionID = "someone-else"
	_, err = usecase.ApplyExecution(pos, &other, filled(&other), t0)
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestApplyExecution_HaltedPosition(t *testing.T) {
	deps := newEngine(t, nil)
	pos := *newLongPosition("pos-1", 1.0, 50000)
	d, err := deps.engine.Evaluate(&pos, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)

	pos.Halted = true
	_, err = usecase.ApplyExecution(pos, d, filled(d), t0)
	require.ErrorIs(t, err, domain.ErrPositionHalted)

	d, err = deps.engine.Evaluate(&pos, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestApplyExecution_PartialFill(t *testing.T) {
	deps := newEngine(t, nil)
	pos := *newLongPosition("pos-1", 1.0, 50000)
	d, err := deps.engine.Evaluate(&pos, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)

	res := filled(d)
	res.FilledQty = 0.1
	next, err := usecase.ApplyExecution(pos, d, res, t0)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, next.RemainingSize, 1e-9)
	assert.Equal(t, domain.StageTwo, next.CurrentStage)
	assert.NoError(t, next.CheckInvariant())
}

func TestPCSEngine_TwoStepLiquidation(t *testing.T) {
	deps := newEngine(t, func(c *usecase.PCSConfig) { c.TwoStepLiquidation = true })
	pos := *newLongPosition("pos-1", 1.0, 50000)

	first, err := deps.engine.Evaluate(&pos, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Step)
	assert.InDelta(t, 0.15, first.Quantity, 1e-9)
	assert.InDelta(t, 0.3, first.TargetQuantity, 1e-9)

	pos, err = usecase.ApplyExecution(pos, first, filled(first), t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.StageOne, pos.CurrentStage)
	assert.InDelta(t, 0.85, pos.RemainingSize, 1e-9)
	assert.True(t, pos.Stages[domain.StageOne].FirstStepExecuted)

	// the second half goes out even though profit fell back below the threshold
	second, err := deps.engine.Evaluate(&pos, snapshotAt(50100, 7*time.Minute, nil))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Step)
	assert.InDelta(t, 0.15, second.Quantity, 1e-9)

	pos, err = usecase.ApplyExecution(pos, second, filled(second), t0.Add(7*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.StageTwo, pos.CurrentStage)
	assert.InDelta(t, 0.7, pos.RemainingSize, 1e-9)
	rec := pos.Stages[domain.StageOne]
	assert.True(t, rec.Completed)
	assert.InDelta(t, 0.3, rec.Quantity, 1e-9)
	assert.Len(t, rec.OrderIDs, 2)
}

func TestPCSEngine_EmergencyLiquidation(t *testing.T) {
	deps := newEngine(t, nil)
	pos := *newLongPosition("pos-1", 1.0, 50000)

	deps.risk.UpdateBalance(79000)
	require.True(t, deps.risk.EmergencyActive())

	// the holding time does not protect a position from the emergency stop
	d, err := deps.engine.Evaluate(&pos, snapshotAt(49000, time.Minute, nil))
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.True(t, d.FullExit)
	assert.Equal(t, domain.OrderTypeMarket, d.OrderType)
	assert.Equal(t, domain.UrgencyCritical, d.Urgency)
	assert.Equal(t, 1.0, d.Quantity)

	next, err := usecase.ApplyExecution(pos, d, filled(d), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, next.CurrentStage)
	assert.InDelta(t, -1000, next.RealizedPnL, 1e-6)
	assert.True(t, next.Stages[domain.StageCompleted].Completed)
}

func TestUpdateTrailingStop(t *testing.T) {
	long := newLongPosition("pos-1", 1.0, 100)
	assert.False(t, usecase.UpdateTrailingStop(long, 120), "inactive trailing stop never moves")

	long.TrailingStopActive = true
	long.TrailingPct = 0.01
	long.StopLossPrice = 99

	assert.True(t, usecase.UpdateTrailingStop(long, 110))
	assert.InDelta(t, 108.9, long.StopLossPrice, 1e-9)
	assert.False(t, usecase.UpdateTrailingStop(long, 105))
	assert.InDelta(t, 108.9, long.StopLossPrice, 1e-9)

	short := domain.NewPosition("pos-2", "bybit", "BTCUSDT", domain.SideShort, 1.0, 100, t0)
	short.TrailingStopActive = true
	short.TrailingPct = 0.01
	short.StopLossPrice = 101

	assert.True(t, usecase.UpdateTrailingStop(short, 90))
	assert.InDelta(t, 90.9, short.StopLossPrice, 1e-9)
	assert.False(t, usecase.UpdateTrailingStop(short, 95))
	assert.InDelta(t, 90.9, short.StopLossPrice, 1e-9)
}

func TestStopBreached(t *testing.T) {
	long := newLongPosition("pos-1", 1.0, 100)
	long.StopLossPrice = 98
	assert.True(t, usecase.StopBreached(long, 97.5))
	assert.False(t, usecase.StopBreached(long, 99))

	short := domain.NewPosition("pos-2", "bybit", "BTCUSDT", domain.SideShort, 1.0, 100, t0)
	short.StopLossPrice = 102
	assert.True(t, usecase.StopBreached(short, 102))
	assert.False(t, usecase.StopBreached(short, 101))

	long.StopLossPrice = 0
	assert.False(t, usecase.StopBreached(long, 1))
}

func TestPCSConfig_Validate(t *testing.T) {
	require.NoError(t, usecase.DefaultPCSConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*usecase.PCSConfig)
	}{
		{"zero threshold", func(c *usecase.PCSConfig) { c.Stage1ProfitThreshold = 0 }},
		{"ratio of one", func(c *usecase.PCSConfig) { c.Stage1ExitRatio = 1 }},
		{"stage2 ratio", func(c *usecase.PCSConfig) { c.Stage2ExitRatio = 0 }},
		{"unknown mode", func(c *usecase.PCSConfig) { c.Stage2Mode = "sideways" }},
		{"trailing pct", func(c *usecase.PCSConfig) { c.TrailingPct = 0 }},
		{"reversal threshold", func(c *usecase.PCSConfig) { c.Stage3ReversalThreshold = 1.5 }},
		{"negative hold", func(c *usecase.PCSConfig) { c.MinHoldingTime = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := usecase.DefaultPCSConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidConfig)
		})
	}
}

func TestPCSEngine_StageQuantitiesFollowLotSize(t *testing.T) {
	deps := newEngine(t, nil)
	pos := *newLongPosition("pos-1", 0.123, 50000)

	d, err := deps.engine.Evaluate(&pos, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.InDelta(t, 0.036, d.Quantity, 1e-12, "0.0369 floors to the 0.001 lot")
	pos, err = usecase.ApplyExecution(pos, d, filled(d), t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 0.087, pos.RemainingSize, 1e-12)

	d, err = deps.engine.Evaluate(&pos, snapshotAt(48750, 10*time.Minute, channelWindow(20, 51000, 49000)))
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.InDelta(t, 0.043, d.Quantity, 1e-12)
	pos, err = usecase.ApplyExecution(pos, d, filled(d), t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 0.044, pos.RemainingSize, 1e-12)
	assert.Equal(t, deps.risk.RoundQuantity(pos.RemainingSize), pos.RemainingSize)
	assert.NoError(t, pos.CheckInvariant())
}

func TestPCSEngine_SubLotRemainderFolded(t *testing.T) {
	deps := newEngine(t, func(c *usecase.PCSConfig) { c.TwoStepLiquidation = true })
	pos := *newLongPosition("pos-1", 0.0025, 50000)

	// 0.00075 is below one lot: the minimum lot goes out in a single step
	d, err := deps.engine.Evaluate(&pos, snapshotAt(51000, 6*time.Minute, nil))
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.InDelta(t, 0.001, d.Quantity, 1e-12)
	assert.Equal(t, 0, d.Step)
	pos, err = usecase.ApplyExecution(pos, d, filled(d), t0.Add(6*time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.StageTwo, pos.CurrentStage)

	// one lot of 0.0015 would strand 0.0005, so all of it goes
	d, err = deps.engine.Evaluate(&pos, snapshotAt(48750, 10*time.Minute, channelWindow(20, 51000, 49000)))
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.InDelta(t, 0.0015, d.Quantity, 1e-12)
	pos, err = usecase.ApplyExecution(pos, d, filled(d), t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0.0, pos.RemainingSize)
	assert.Equal(t, domain.StageCompleted, pos.CurrentStage)
}
