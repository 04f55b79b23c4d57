package domain

import "time"

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

type PostAction string

const (
	PostActionBreakeven     PostAction = "move_stop_to_breakeven"
	PostActionTrailingStop  PostAction = "activate_trailing_stop"
	PostActionClosePosition PostAction = "close_position"
)

// ExitDecision is an instruction to liquidate part or all of a position.
// It is produced fresh each evaluation and carries no state of its own.
type ExitDecision struct {
	ID          string    `json:"id"`
	PositionID  string    `json:"position_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	OrderSide   OrderSide `json:"order_side"`
	Stage       Stage     `json:"stage"`
	TargetStage Stage     `json:"target_stage"`
	// Step is 0 for a single execution, 1 or 2 for the halves of a two-step stage.
	Step     int     `json:"step"`
	Quantity float64 `json:"quantity"`
	// TargetQuantity is the whole stage exit; Quantity is what this call liquidates.
	TargetQuantity float64      `json:"target_quantity"`
	Price          float64      `json:"price"`
	Urgency        Urgency      `json:"urgency"`
	OrderType      OrderType    `json:"order_type"`
	Reason         string       `json:"reason"`
	PostActions    []PostAction `json:"post_actions,omitempty"`
	TrailingPct    float64      `json:"trailing_pct,omitempty"`
	// FullExit marks a non-staged liquidation of everything that is left.
	FullExit  bool      `json:"full_exit"`
	CreatedAt time.Time `json:"created_at"`
}

// HasPostAction reports whether a is scheduled after a successful fill.
func (d *ExitDecision) HasPostAction(a PostAction) bool {
	for _, pa := range d.PostActions {
		if pa == a {
			return true
		}
	}
	return false
}

type SignalKind string

const (
	SignalKindEntry SignalKind = "entry"
	SignalKindExit  SignalKind = "exit"
)

type SignalAction string

const (
	SignalActionOpen  SignalAction = "open"
	SignalActionAdd   SignalAction = "add"
	SignalActionClose SignalAction = "close"
)

// Signal is what a condition emits when it fires.
type Signal struct {
	ID         string       `json:"id"`
	Condition  string       `json:"condition"`
	Kind       SignalKind   `json:"kind"`
	Action     SignalAction `json:"action"`
	Symbol     string       `json:"symbol"`
	Side       Side         `json:"side"`
	Price      float64      `json:"price"`
	StopPrice  float64      `json:"stop_price,omitempty"`
	Confidence float64      `json:"confidence"`

	// EntryRatio scales the sized quantity for partial entries (1 = full size).
	EntryRatio float64            `json:"entry_ratio"`
	PositionID string             `json:"position_id,omitempty"`
	Reason     string             `json:"reason"`
	Metadata   map[string]float64 `json:"metadata,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}
