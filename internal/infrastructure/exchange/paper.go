package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"go.uber.org/zap"
)

// PaperAdapter fills orders locally. Market orders fill at the price
// returned by priceFn, limit orders at their limit, and stop orders rest
// until cancelled.
type PaperAdapter struct {
	priceFn func(symbol string) float64
	logger  *zap.Logger

	mu    sync.Mutex
	stops map[string]domain.OrderResult
}

func NewPaperAdapter(priceFn func(symbol string) float64, logger *zap.Logger) *PaperAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperAdapter{
		priceFn: priceFn,
		logger:  logger,
		stops:   make(map[string]domain.OrderResult),
	}
}

func (p *PaperAdapter) fill(symbol string, side domain.OrderSide, qty, price float64) (*domain.OrderResult, error) {
	if qty <= 0 {
		return &domain.OrderResult{Message: "qty must be positive"}, fmt.Errorf("paper: invalid qty %v", qty)
	}
	if price <= 0 {
		return &domain.OrderResult{Message: "no price"}, fmt.Errorf("paper: no price for %s", symbol)
	}
	res := &domain.OrderResult{
		OrderID:     uuid.NewString(),
		Success:     true,
		FilledPrice: price,
		FilledQty:   qty,
	}
	p.logger.Info("Paper fill",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
		zap.String("order_id", res.OrderID),
	)
	return res, nil
}

func (p *PaperAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty float64) (*domain.OrderResult, error) {
	return p.fill(symbol, side, qty, p.priceFn(symbol))
}

func (p *PaperAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price float64) (*domain.OrderResult, error) {
	return p.fill(symbol, side, qty, price)
}

func (p *PaperAdapter) PlaceStopOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice float64) (*domain.OrderResult, error) {
	res := domain.OrderResult{OrderID: uuid.NewString(), Success: true}
	p.mu.Lock()
	p.stops[res.OrderID] = res
	p.mu.Unlock()
	return &res, nil
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*domain.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.stops[orderID]; !ok {
		return &domain.OrderResult{OrderID: orderID}, fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	delete(p.stops, orderID)
	return &domain.OrderResult{OrderID: orderID, Success: true}, nil
}

// RestingStops returns the number of stop orders not yet cancelled.
func (p *PaperAdapter) RestingStops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stops)
}

var _ domain.ExecutionAdapter = (*PaperAdapter)(nil)
