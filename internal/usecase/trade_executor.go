package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"go.uber.org/zap"
)

// TradeExecutor turns decisions into adapter calls under a per-call timeout.
// Any adapter error, rejection or timeout is reported as ErrExecutionFailed.
type TradeExecutor struct {
	adapter domain.ExecutionAdapter
	timeout time.Duration
	logger  *zap.Logger
}

func NewTradeExecutor(adapter domain.ExecutionAdapter, timeout time.Duration, logger *zap.Logger) *TradeExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TradeExecutor{adapter: adapter, timeout: timeout, logger: logger}
}

func (e *TradeExecutor) call(ctx context.Context, what string, fn func(ctx context.Context) (*domain.OrderResult, error)) (*domain.OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := fn(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s timed out after %s", domain.ErrExecutionFailed, what, e.timeout)
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrExecutionFailed, what, err)
	}
	if res == nil || !res.Success {
		msg := "rejected"
		if res != nil && res.Message != "" {
			msg = res.Message
		}
		return res, fmt.Errorf("%w: %s: %s", domain.ErrExecutionFailed, what, msg)
	}
	return res, nil
}

// ExecuteExit places the order an exit decision asks for.
func (e *TradeExecutor) ExecuteExit(ctx context.Context, d *domain.ExitDecision) (*domain.OrderResult, error) {
	what := fmt.Sprintf("%s exit %s %s", d.OrderType, d.Symbol, d.Stage)
	return e.call(ctx, what, func(ctx context.Context) (*domain.OrderResult, error) {
		if d.OrderType == domain.OrderTypeLimit {
			return e.adapter.PlaceLimitOrder(ctx, d.Symbol, d.OrderSide, d.Quantity, d.Price)
		}
		return e.adapter.PlaceMarketOrder(ctx, d.Symbol, d.OrderSide, d.Quantity)
	})
}

// ExecuteEntry opens or adds to a position at market.
func (e *TradeExecutor) ExecuteEntry(ctx context.Context, symbol string, side domain.Side, qty float64) (*domain.OrderResult, error) {
	what := fmt.Sprintf("entry %s %s", symbol, side)
	return e.call(ctx, what, func(ctx context.Context) (*domain.OrderResult, error) {
		switch side {
		case domain.SideLong, domain.SideShort:
			return e.adapter.PlaceMarketOrder(ctx, symbol, side.EntryOrderSide(), qty)
		}
		return nil, fmt.Errorf("invalid side: %s", side)
	})
}

// PlaceProtectiveStop places a reduce-side stop for the remaining size.
func (e *TradeExecutor) PlaceProtectiveStop(ctx context.Context, pos *domain.Position) (*domain.OrderResult, error) {
	what := fmt.Sprintf("stop %s @ %.8g", pos.Symbol, pos.StopLossPrice)
	return e.call(ctx, what, func(ctx context.Context) (*domain.OrderResult, error) {
		return e.adapter.PlaceStopOrder(ctx, pos.Symbol, pos.Side.ExitOrderSide(), pos.RemainingSize, pos.StopLossPrice)
	})
}

func (e *TradeExecutor) Cancel(ctx context.Context, symbol, orderID string) (*domain.OrderResult, error) {
	return e.call(ctx, "cancel "+orderID, func(ctx context.Context) (*domain.OrderResult, error) {
		return e.adapter.CancelOrder(ctx, symbol, orderID)
	})
}
