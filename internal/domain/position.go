package domain

import (
	"fmt"
	"math"
	"time"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// EntryOrderSide is the order side that opens a position on this side.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide is the order side that reduces a position on this side.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Stage is a step of the liquidation lifecycle. Stages only move forward.
type Stage int

const (
	StageOne Stage = iota + 1
	StageTwo
	StageThree
	StageCompleted
)

func (s Stage) String() string {
	switch s {
	case StageOne:
		return "STAGE_1"
	case StageTwo:
		return "STAGE_2"
	case StageThree:
		return "STAGE_3"
	case StageCompleted:
		return "COMPLETED"
	}
	return fmt.Sprintf("STAGE(%d)", int(s))
}

// Next returns the stage that follows s. Completed is terminal.
func (s Stage) Next() Stage {
	if s >= StageCompleted {
		return StageCompleted
	}
	return s + 1
}

// QuantityEpsilon absorbs float noise when comparing sizes.
const QuantityEpsilon = 1e-9

// RoundQuantity rounds to 8 decimals, the finest lot step we trade.
func RoundQuantity(q float64) float64 {
	return math.Round(q*1e8) / 1e8
}

// StageRecord is the liquidation record of one stage. Once Completed it is
// never modified again. The record keyed by StageCompleted holds a
// non-staged full exit (protective or emergency), if any.
type StageRecord struct {
	Stage             Stage     `json:"stage"`
	TargetQuantity    float64   `json:"target_quantity"`
	Quantity          float64   `json:"quantity"`
	Price             float64   `json:"price"`
	RealizedPnL       float64   `json:"realized_pnl"`
	ExecutedAt        time.Time `json:"executed_at"`
	OrderIDs          []string  `json:"order_ids"`
	FirstStepExecuted bool      `json:"first_step_executed"`
	Completed         bool      `json:"completed"`
}

// Position is an open position under management of the exit engine.
type Position struct {
	ID            string    `json:"id"`
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	OriginalSize  float64   `json:"original_size"`
	RemainingSize float64   `json:"remaining_size"`
	EntryPrice    float64   `json:"entry_price"`
	EntryTime     time.Time `json:"entry_time"`
	EntryOrderID  string    `json:"entry_order_id"`
	Source        string    `json:"source"`

	CurrentStage Stage                  `json:"current_stage"`
	Stages       map[Stage]*StageRecord `json:"stages"`

	StopLossPrice      float64 `json:"stop_loss_price"`
	TrailingStopActive bool    `json:"trailing_stop_active"`
	TrailingPct        float64 `json:"trailing_pct"`
	HighWaterMark      float64 `json:"high_water_mark"`
	LowWaterMark       float64 `json:"low_water_mark"`
	StopOrderID        string  `json:"stop_order_id,omitempty"`

	RealizedPnL float64   `json:"realized_pnl"`
	Halted      bool      `json:"halted"`
	HaltReason  string    `json:"halt_reason,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewPosition builds a freshly filled position at Stage 1 with the stop at entry.
func NewPosition(id, exchange, symbol string, side Side, size, entryPrice float64, entryTime time.Time) *Position {
	return &Position{
		ID:            id,
		Exchange:      exchange,
		Symbol:        symbol,
		Side:          side,
		OriginalSize:  size,
		RemainingSize: size,
		EntryPrice:    entryPrice,
		EntryTime:     entryTime,
		CurrentStage:  StageOne,
		Stages:        make(map[Stage]*StageRecord),
		StopLossPrice: entryPrice,
		HighWaterMark: entryPrice,
		LowWaterMark:  entryPrice,
		UpdatedAt:     entryTime,
	}
}

func (p *Position) IsOpen() bool {
	return p.CurrentStage != StageCompleted && p.RemainingSize > QuantityEpsilon
}

// PnLRatio is the unrealized return at price, positive when in profit.
func (p *Position) PnLRatio(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	r := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == SideShort {
		return -r
	}
	return r
}

// PnL for closing qty at exitPrice.
func (p *Position) PnL(exitPrice, qty float64) float64 {
	if p.Side == SideShort {
		return (p.EntryPrice - exitPrice) * qty
	}
	return (exitPrice - p.EntryPrice) * qty
}

func (p *Position) UnrealizedPnL(price float64) float64 {
	return p.PnL(price, p.RemainingSize)
}

// Liquidated sums every recorded liquidation.
func (p *Position) Liquidated() float64 {
	total := 0.0
	for _, r := range p.Stages {
		total += r.Quantity
	}
	return total
}

// Record returns the record for stage s, creating it if needed.
func (p *Position) Record(s Stage) *StageRecord {
	if p.Stages == nil {
		p.Stages = make(map[Stage]*StageRecord)
	}
	r, ok := p.Stages[s]
	if !ok {
		r = &StageRecord{Stage: s}
		p.Stages[s] = r
	}
	return r
}

// CheckInvariant verifies the size bookkeeping and the terminal-stage rule.
func (p *Position) CheckInvariant() error {
	if p.RemainingSize < -QuantityEpsilon || p.RemainingSize > p.OriginalSize+QuantityEpsilon {
		return fmt.Errorf("%w: remaining %.8f outside [0, %.8f]", ErrInvariantViolation, p.RemainingSize, p.OriginalSize)
	}
	expected := p.OriginalSize - p.Liquidated()
	if math.Abs(expected-p.RemainingSize) > 1e-6 {
		return fmt.Errorf("%w: remaining %.8f != original %.8f - liquidated %.8f", ErrInvariantViolation, p.RemainingSize, p.OriginalSize, p.Liquidated())
	}
	completed := p.CurrentStage == StageCompleted
	empty := p.RemainingSize <= QuantityEpsilon
	if completed != empty {
		return fmt.Errorf("%w: stage %s with remaining %.8f", ErrInvariantViolation, p.CurrentStage, p.RemainingSize)
	}
	return nil
}

// Clone returns a deep copy so transitions can be computed without touching the original.
func (p *Position) Clone() Position {
	cp := *p
	cp.Stages = make(map[Stage]*StageRecord, len(p.Stages))
	for k, r := range p.Stages {
		rc := *r
		rc.OrderIDs = append([]string(nil), r.OrderIDs...)
		cp.Stages[k] = &rc
	}
	return cp
}
