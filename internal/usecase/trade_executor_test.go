package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/usecase"
	"go.uber.org/zap"
)

func exitDecision(orderType domain.OrderType) *domain.ExitDecision {
	return &domain.ExitDecision{
		ID:         "d-1",
		PositionID: "pos-1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		OrderSide:  domain.OrderSideSell,
		Stage:      domain.StageOne,
		Quantity:   0.3,
		Price:      51000,
		OrderType:  orderType,
	}
}

func TestTradeExecutor_ExecuteExit(t *testing.T) {
	adapter := &MockAdapter{MarketPrice: 50990}
	exec := usecase.NewTradeExecutor(adapter, time.Second, zap.NewNop())

	res, err := exec.ExecuteExit(context.Background(), exitDecision(domain.OrderTypeLimit))
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = exec.ExecuteExit(context.Background(), exitDecision(domain.OrderTypeMarket))
	require.NoError(t, err)
	assert.Equal(t, 50990.0, res.FilledPrice)

	calls := adapter.calls("")
	require.Len(t, calls, 2)
	assert.Equal(t, orderCall{Kind: "limit", Symbol: "BTCUSDT", Side: domain.OrderSideSell, Qty: 0.3, Price: 51000}, calls[0])
	assert.Equal(t, "market", calls[1].Kind)
	assert.Equal(t, domain.OrderSideSell, calls[1].Side)
}

func TestTradeExecutor_ExecuteEntry(t *testing.T) {
	adapter := &MockAdapter{MarketPrice: 100}
	exec := usecase.NewTradeExecutor(adapter, time.Second, nil)

	_, err := exec.ExecuteEntry(context.Background(), "BTCUSDT", domain.SideLong, 1.5)
	require.NoError(t, err)
	_, err = exec.ExecuteEntry(context.Background(), "BTCUSDT", domain.SideShort, 2)
	require.NoError(t, err)

	calls := adapter.calls("market")
	require.Len(t, calls, 2)
	if calls[0].Side != domain.OrderSideBuy {
		t.Errorf("expected long entry to buy, got %s", calls[0].Side)
	}
	if calls[1].Side != domain.OrderSideSell {
		t.Errorf("expected short entry to sell, got %s", calls[1].Side)
	}

	_, err = exec.ExecuteEntry(context.Background(), "BTCUSDT", "FLAT", 1)
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.Len(t, adapter.calls(""), 2)
}

func TestTradeExecutor_Failures(t *testing.T) {
	t.Run("adapter error", func(t *testing.T) {
		adapter := &MockAdapter{Err: errors.New("connection reset")}
		exec := usecase.NewTradeExecutor(adapter, time.Second, nil)
		res, err := exec.ExecuteExit(context.Background(), exitDecision(domain.OrderTypeLimit))
		assert.Nil(t, res)
		assert.ErrorIs(t, err, domain.ErrExecutionFailed)
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("rejected", func(t *testing.T) {
		adapter := &MockAdapter{Reject: true}
		exec := usecase.NewTradeExecutor(adapter, time.Second, nil)
		res, err := exec.ExecuteExit(context.Background(), exitDecision(domain.OrderTypeLimit))
		require.NotNil(t, res)
		assert.False(t, res.Success)
		assert.ErrorIs(t, err, domain.ErrExecutionFailed)
		assert.Contains(t, err.Error(), "insufficient margin")
	})

	t.Run("timeout", func(t *testing.T) {
		adapter := &MockAdapter{Block: true}
		exec := usecase.NewTradeExecutor(adapter, 20*time.Millisecond, nil)
		start := time.Now()
		_, err := exec.ExecuteExit(context.Background(), exitDecision(domain.OrderTypeMarket))
		assert.ErrorIs(t, err, domain.ErrExecutionFailed)
		assert.Contains(t, err.Error(), "timed out")
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestTradeExecutor_StopsAndCancel(t *testing.T) {
	adapter := &MockAdapter{}
	exec := usecase.NewTradeExecutor(adapter, time.Second, nil)

	pos := newLongPosition("pos-1", 1.0, 50000)
	pos.RemainingSize = 0.35
	pos.StopLossPrice = 49500
	res, err := exec.PlaceProtectiveStop(context.Background(), pos)
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)

	_, err = exec.Cancel(context.Background(), "BTCUSDT", res.OrderID)
	require.NoError(t, err)

	stops := adapter.calls("stop")
	require.Len(t, stops, 1)
	assert.Equal(t, domain.OrderSideSell, stops[0].Side)
	assert.Equal(t, 0.35, stops[0].Qty)
	assert.Equal(t, 49500.0, stops[0].Price)
	assert.Len(t, adapter.calls("cancel"), 1)
}
