package domain

import (
	"context"
	"time"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// OrderResult is the adapter's answer to a placement or cancellation.
type OrderResult struct {
	OrderID     string  `json:"order_id"`
	Success     bool    `json:"success"`
	FilledPrice float64 `json:"filled_price"`
	FilledQty   float64 `json:"filled_qty"`
	Message     string  `json:"message,omitempty"`
}

// ExecutionAdapter places and cancels orders on an exchange.
type ExecutionAdapter interface {
	PlaceMarketOrder(ctx context.Context, symbol string, side OrderSide, qty float64) (*OrderResult, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side OrderSide, qty, price float64) (*OrderResult, error)
	PlaceStopOrder(ctx context.Context, symbol string, side OrderSide, qty, stopPrice float64) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)
}

// MarketFeed is the streaming and REST market-data side of an exchange.
type MarketFeed interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetOrderBook(ctx context.Context, symbol string, category string) (*OrderBook, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	OnQuoteUpdate(callback func(symbol string, bid, ask float64))
	OnTradeUpdate(callback func(symbol string, side string, size float64, price float64))
	Subscribe(symbols []string) error
}

// PositionRepository keeps open positions so a restart resumes their lifecycle.
type PositionRepository interface {
	SavePosition(ctx context.Context, pos *Position) error
	GetPosition(ctx context.Context, id string) (*Position, error)
	ListOpenPositions(ctx context.Context) ([]*Position, error)
	ArchivePosition(ctx context.Context, pos *Position) error
}

// ExecutionRecord is one fill applied to a position.
type ExecutionRecord struct {
	ID          string    `json:"id"`
	PositionID  string    `json:"position_id"`
	Symbol      string    `json:"symbol"`
	Stage       Stage     `json:"stage"`
	Step        int       `json:"step"`
	OrderID     string    `json:"order_id"`
	Side        OrderSide `json:"side"`
	OrderType   OrderType `json:"order_type"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	RealizedPnL float64   `json:"realized_pnl"`
	Reason      string    `json:"reason"`
	ExecutedAt  time.Time `json:"executed_at"`
}

type ExecutionJournal interface {
	SaveExecution(ctx context.Context, rec *ExecutionRecord) error
	ListExecutions(ctx context.Context, positionID string) ([]*ExecutionRecord, error)
}

// DecisionSink receives every exit decision and entry signal for downstream
// execution and reporting.
type DecisionSink interface {
	PublishExit(ctx context.Context, d *ExitDecision) error
	PublishSignal(ctx context.Context, s *Signal) error
}
