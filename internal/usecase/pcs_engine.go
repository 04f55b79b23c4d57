package usecase

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

// Stage2Mode selects which channel line the Stage 2 trigger watches.
type Stage2Mode string

const (
	// Stage2Retrace exits a long that falls back below the upper line
	// (short: rises back above the lower line).
	Stage2Retrace Stage2Mode = "retrace"
	// Stage2Breakdown exits a long that breaks below the lower line
	// (short: breaks above the upper line).
	Stage2Breakdown Stage2Mode = "breakdown"
)

type PCSConfig struct {
	MinHoldingTime time.Duration `yaml:"min_holding_time"`

	Stage1ProfitThreshold float64 `yaml:"stage1_profit_threshold"`
	Stage1ExitRatio       float64 `yaml:"stage1_exit_ratio"`
	MoveStopToBreakeven   bool    `yaml:"move_stop_to_breakeven"`

	Stage2Mode           Stage2Mode `yaml:"stage2_mode"`
	Stage2Tolerance      float64    `yaml:"stage2_tolerance"`
	Stage2ExitRatio      float64    `yaml:"stage2_exit_ratio"`
	ActivateTrailingStop bool       `yaml:"activate_trailing_stop"`
	TrailingPct          float64    `yaml:"trailing_pct"`

	Stage3ReversalThreshold float64 `yaml:"stage3_reversal_threshold"`

	// TwoStepLiquidation splits Stage 1 and Stage 2 exits into two halves.
	TwoStepLiquidation bool `yaml:"two_step_liquidation"`
	// EmergencyLiquidation closes everything at market while the risk latch is set.
	EmergencyLiquidation bool `yaml:"emergency_liquidation"`
}

func DefaultPCSConfig() PCSConfig {
	return PCSConfig{
		MinHoldingTime:          5 * time.Minute,
		Stage1ProfitThreshold:   0.02,
		Stage1ExitRatio:         0.3,
		MoveStopToBreakeven:     true,
		Stage2Mode:              Stage2Retrace,
		Stage2Tolerance:         0.005,
		Stage2ExitRatio:         0.5,
		ActivateTrailingStop:    true,
		TrailingPct:             0.01,
		Stage3ReversalThreshold: 0.6,
		EmergencyLiquidation:    true,
	}
}

func (c PCSConfig) Validate() error {
	switch {
	case c.MinHoldingTime < 0:
		return fmt.Errorf("%w: min_holding_time must be >= 0", domain.ErrInvalidConfig)
	case c.Stage1ProfitThreshold <= 0:
		return fmt.Errorf("%w: stage1_profit_threshold must be > 0", domain.ErrInvalidConfig)
	case c.Stage1ExitRatio <= 0 || c.Stage1ExitRatio >= 1:
		return fmt.Errorf("%w: stage1_exit_ratio must be in (0, 1)", domain.ErrInvalidConfig)
	case c.Stage2ExitRatio <= 0 || c.Stage2ExitRatio >= 1:
		return fmt.Errorf("%w: stage2_exit_ratio must be in (0, 1)", domain.ErrInvalidConfig)
	case c.Stage2Tolerance < 0:
		return fmt.Errorf("%w: stage2_tolerance must be >= 0", domain.ErrInvalidConfig)
	case c.Stage2Mode != Stage2Retrace && c.Stage2Mode != Stage2Breakdown:
		return fmt.Errorf("%w: unknown stage2_mode %q", domain.ErrInvalidConfig, c.Stage2Mode)
	case c.ActivateTrailingStop && (c.TrailingPct <= 0 || c.TrailingPct >= 1):
		return fmt.Errorf("%w: trailing_pct must be in (0, 1)", domain.ErrInvalidConfig)
	case c.Stage3ReversalThreshold <= 0 || c.Stage3ReversalThreshold > 1:
		return fmt.Errorf("%w: stage3_reversal_threshold must be in (0, 1]", domain.ErrInvalidConfig)
	}
	return nil
}

// PCSEngine decides the next liquidation step of a position. It holds no
// position state: everything it needs comes in with the position and the
// snapshot, and every change goes through ApplyExecution.
type PCSEngine struct {
	cfg      PCSConfig
	channel  *ChannelAnalyzer
	reversal *ReversalDetector
	risk     *RiskManager
	logger   *zap.Logger
	timeNow  func() time.Time
	newID    func() string
}

func NewPCSEngine(cfg PCSConfig, channel *ChannelAnalyzer, reversal *ReversalDetector, risk *RiskManager, logger *zap.Logger) (*PCSEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if channel == nil || reversal == nil {
		return nil, fmt.Errorf("%w: pcs engine needs a channel analyzer and a reversal detector", domain.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PCSEngine{
		cfg:      cfg,
		channel:  channel,
		reversal: reversal,
		risk:     risk,
		logger:   logger,
		timeNow:  time.Now,
		newID:    uuid.NewString,
	}, nil
}

func (e *PCSEngine) Config() PCSConfig {
	return e.cfg
}

// Evaluate returns the exit decision for this tick, or nil. Missing market
// data is logged and yields nil; it never panics past this boundary.
func (e *PCSEngine) Evaluate(pos *domain.Position, snap *domain.MarketSnapshot) (decision *domain.ExitDecision, err error) {
	if pos == nil || snap == nil {
		return nil, nil
	}
	start := time.Now()
	stage := pos.CurrentStage
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("PCS evaluation panicked",
				zap.String("position_id", pos.ID),
				zap.Any("panic", r))
			decision, err = nil, fmt.Errorf("pcs evaluation of %s panicked: %v", pos.ID, r)
		}
		metrics.StageLatency.WithLabelValues(stage.String()).Observe(time.Since(start).Seconds())
		if decision != nil {
			metrics.StageDecisions.WithLabelValues(decision.Stage.String()).Inc()
		}
	}()

	if pos.Halted || !pos.IsOpen() {
		return nil, nil
	}
	if snap.Price <= 0 {
		e.logger.Debug("No price in snapshot", zap.String("symbol", snap.Symbol))
		return nil, nil
	}

	if e.cfg.EmergencyLiquidation && e.risk != nil && e.risk.EmergencyActive() {
		return e.FullExit(pos, snap.Price, domain.UrgencyCritical, "emergency stop: liquidating remaining position"), nil
	}

	now := snap.Timestamp
	if now.IsZero() {
		now = e.timeNow()
	}
	if held := now.Sub(pos.EntryTime); held < e.cfg.MinHoldingTime {
		e.logger.Debug("Minimum holding time not reached",
			zap.String("position_id", pos.ID),
			zap.Duration("held", held),
			zap.Duration("min", e.cfg.MinHoldingTime))
		return nil, nil
	}

	// A first half already executed means the second half goes out unconditionally.
	if rec, ok := pos.Stages[pos.CurrentStage]; ok && rec.FirstStepExecuted && !rec.Completed {
		return e.secondStep(pos, rec, snap.Price), nil
	}

	switch pos.CurrentStage {
	case domain.StageOne:
		return e.evaluateStageOne(pos, snap), nil
	case domain.StageTwo:
		return e.evaluateStageTwo(pos, snap), nil
	case domain.StageThree:
		return e.evaluateStageThree(pos, snap), nil
	}
	return nil, nil
}

func (e *PCSEngine) evaluateStageOne(pos *domain.Position, snap *domain.MarketSnapshot) *domain.ExitDecision {
	ratio := pos.PnLRatio(snap.Price)
	if ratio < e.cfg.Stage1ProfitThreshold {
		return nil
	}
	target := pos.OriginalSize * e.cfg.Stage1ExitRatio
	d := e.stageDecision(pos, domain.StageOne, target, snap.Price, domain.UrgencyMedium, domain.OrderTypeLimit,
		fmt.Sprintf("profit %.2f%% reached threshold %.2f%%", ratio*100, e.cfg.Stage1ProfitThreshold*100))
	if d != nil && e.cfg.MoveStopToBreakeven {
		d.PostActions = append(d.PostActions, domain.PostActionBreakeven)
	}
	return d
}

func (e *PCSEngine) evaluateStageTwo(pos *domain.Position, snap *domain.MarketSnapshot) *domain.ExitDecision {
	ch, err := e.channel.Calculate(snap.Candles, snap.Price)
	if err != nil {
		e.logger.Debug("Stage 2 channel unavailable", zap.String("position_id", pos.ID), zap.Error(err))
		return nil
	}
	if !ch.WidthValid {
		e.logger.Debug("Stage 2 channel too narrow", zap.String("position_id", pos.ID), zap.Float64("width", ch.Width))
		return nil
	}

	tol := e.cfg.Stage2Tolerance
	var boundary float64
	var breached bool
	switch {
	case pos.Side == domain.SideLong && e.cfg.Stage2Mode == Stage2Retrace:
		boundary = ch.Upper * (1 - tol)
		breached = snap.Price < boundary
	case pos.Side == domain.SideLong:
		boundary = ch.Lower * (1 - tol)
		breached = snap.Price < boundary
	case e.cfg.Stage2Mode == Stage2Retrace:
		boundary = ch.Lower * (1 + tol)
		breached = snap.Price > boundary
	default:
		boundary = ch.Upper * (1 + tol)
		breached = snap.Price > boundary
	}
	if !breached {
		return nil
	}

	target := pos.RemainingSize * e.cfg.Stage2ExitRatio
	d := e.stageDecision(pos, domain.StageTwo, target, snap.Price, domain.UrgencyHigh, domain.OrderTypeLimit,
		fmt.Sprintf("price %.8g breached channel boundary %.8g (upper %.8g lower %.8g)", snap.Price, boundary, ch.Upper, ch.Lower))
	if d != nil && e.cfg.ActivateTrailingStop {
		d.PostActions = append(d.PostActions, domain.PostActionTrailingStop)
		d.TrailingPct = e.cfg.TrailingPct
	}
	return d
}

func (e *PCSEngine) evaluateStageThree(pos *domain.Position, snap *domain.MarketSnapshot) *domain.ExitDecision {
	res, err := e.reversal.Detect(snap.Candles, pos.Side)
	if err != nil {
		e.logger.Debug("Stage 3 reversal unavailable", zap.String("position_id", pos.ID), zap.Error(err))
		return nil
	}
	// the threshold is on raw strength, not on the confidence weighted rank
	strongest := res.Strongest()
	if strongest == nil || strongest.Strength <= e.cfg.Stage3ReversalThreshold {
		return nil
	}
	d := e.newDecision(pos, domain.StageThree, pos.RemainingSize, snap.Price)
	d.TargetStage = domain.StageCompleted
	d.Urgency = domain.UrgencyCritical
	d.OrderType = domain.OrderTypeMarket
	d.PostActions = []domain.PostAction{domain.PostActionClosePosition}
	d.Reason = fmt.Sprintf("%s reversal strength %.2f above %.2f", strongest.Pattern, strongest.Strength, e.cfg.Stage3ReversalThreshold)
	return d
}

// stageDecision builds a Stage 1/2 decision, splitting it when two-step mode is on.
func (e *PCSEngine) stageDecision(pos *domain.Position, stage domain.Stage, target, price float64, urgency domain.Urgency, orderType domain.OrderType, reason string) *domain.ExitDecision {
	target = e.lotSize(target, pos.RemainingSize)
	if target <= 0 {
		return nil
	}
	qty := target
	step := 0
	if e.cfg.TwoStepLiquidation {
		// a target of a single lot cannot be split
		if half := e.lotSize(target/2, target); half < target {
			qty = half
			step = 1
			reason += " (step 1/2)"
		}
	}
	d := e.newDecision(pos, stage, qty, price)
	d.TargetQuantity = target
	d.Step = step
	d.Urgency = urgency
	d.OrderType = orderType
	d.Reason = reason
	return d
}

// lotSize floors q to the exchange lot, never below one lot, and returns
// all of remaining when less than a lot would be left behind.
func (e *PCSEngine) lotSize(q, remaining float64) float64 {
	if remaining <= 0 {
		return 0
	}
	if e.risk == nil {
		return math.Min(domain.RoundQuantity(q), remaining)
	}
	step := e.risk.LotStep()
	q = math.Max(e.risk.RoundQuantity(q), step)
	if remaining-q < step-domain.QuantityEpsilon {
		return remaining
	}
	return q
}

func (e *PCSEngine) secondStep(pos *domain.Position, rec *domain.StageRecord, price float64) *domain.ExitDecision {
	qty := math.Min(domain.RoundQuantity(rec.TargetQuantity-rec.Quantity), pos.RemainingSize)
	d := e.newDecision(pos, pos.CurrentStage, qty, price)
	d.TargetQuantity = rec.TargetQuantity
	d.Step = 2
	d.Urgency = domain.UrgencyHigh
	d.OrderType = domain.OrderTypeLimit
	d.Reason = fmt.Sprintf("%s second step of two-step liquidation", pos.CurrentStage)
	switch pos.CurrentStage {
	case domain.StageOne:
		if e.cfg.MoveStopToBreakeven {
			d.PostActions = append(d.PostActions, domain.PostActionBreakeven)
		}
	case domain.StageTwo:
		if e.cfg.ActivateTrailingStop {
			d.PostActions = append(d.PostActions, domain.PostActionTrailingStop)
			d.TrailingPct = e.cfg.TrailingPct
		}
	}
	return d
}

func (e *PCSEngine) newDecision(pos *domain.Position, stage domain.Stage, qty, price float64) *domain.ExitDecision {
	return &domain.ExitDecision{
		ID:             e.newID(),
		PositionID:     pos.ID,
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		OrderSide:      pos.Side.ExitOrderSide(),
		Stage:          stage,
		TargetStage:    stage.Next(),
		Quantity:       qty,
		TargetQuantity: qty,
		Price:          price,
		CreatedAt:      e.timeNow(),
	}
}

// FullExit builds a market liquidation of everything that is left, outside
// the staged path. Protective exit conditions and the emergency stop use it.
func (e *PCSEngine) FullExit(pos *domain.Position, price float64, urgency domain.Urgency, reason string) *domain.ExitDecision {
	d := e.newDecision(pos, pos.CurrentStage, pos.RemainingSize, price)
	d.TargetStage = domain.StageCompleted
	d.Urgency = urgency
	d.OrderType = domain.OrderTypeMarket
	d.FullExit = true
	d.Reason = reason
	d.PostActions = []domain.PostAction{domain.PostActionClosePosition}
	return d
}

// ApplyExecution is the post-execution transition: a pure function of the
// position before the call, the decision and the adapter result. On any
// error the returned position equals pos.
func ApplyExecution(pos domain.Position, d *domain.ExitDecision, res *domain.OrderResult, now time.Time) (domain.Position, error) {
	unchanged := pos.Clone()
	if d == nil {
		return unchanged, fmt.Errorf("%w: nil decision", domain.ErrInvariantViolation)
	}
	if res == nil || !res.Success {
		msg := "no result"
		if res != nil {
			msg = res.Message
		}
		return unchanged, fmt.Errorf("%w: %s %s: %s", domain.ErrExecutionFailed, d.PositionID, d.Stage, msg)
	}
	if pos.Halted {
		return unchanged, fmt.Errorf("%w: %s", domain.ErrPositionHalted, pos.ID)
	}
	if d.PositionID != pos.ID {
		return unchanged, fmt.Errorf("%w: decision for %s applied to %s", domain.ErrInvariantViolation, d.PositionID, pos.ID)
	}
	if !d.FullExit && d.Stage != pos.CurrentStage {
		return unchanged, fmt.Errorf("%w: decision for %s but position is at %s", domain.ErrInvariantViolation, d.Stage, pos.CurrentStage)
	}

	qty := res.FilledQty
	if qty <= 0 {
		qty = d.Quantity
	}
	qty = domain.RoundQuantity(qty)
	if qty <= 0 {
		return unchanged, fmt.Errorf("%w: empty fill for %s", domain.ErrInvariantViolation, pos.ID)
	}
	if qty > pos.RemainingSize+domain.QuantityEpsilon {
		return unchanged, fmt.Errorf("%w: liquidating %.8f with only %.8f remaining", domain.ErrInvariantViolation, qty, pos.RemainingSize)
	}
	price := res.FilledPrice
	if price <= 0 {
		price = d.Price
	}

	next := pos.Clone()
	key := d.Stage
	if d.FullExit {
		key = domain.StageCompleted
	}
	rec := next.Record(key)
	if rec.Completed {
		return unchanged, fmt.Errorf("%w: %s record already sealed", domain.ErrInvariantViolation, key)
	}

	pnl := next.PnL(price, qty)
	rec.Price = (rec.Price*rec.Quantity + price*qty) / (rec.Quantity + qty)
	rec.Quantity = domain.RoundQuantity(rec.Quantity + qty)
	rec.RealizedPnL += pnl
	rec.ExecutedAt = now
	if res.OrderID != "" {
		rec.OrderIDs = append(rec.OrderIDs, res.OrderID)
	}
	if rec.TargetQuantity == 0 {
		rec.TargetQuantity = d.TargetQuantity
	}

	next.RealizedPnL += pnl
	next.RemainingSize = domain.RoundQuantity(next.RemainingSize - qty)
	if next.RemainingSize <= domain.QuantityEpsilon {
		next.RemainingSize = 0
	}
	next.UpdatedAt = now

	stageDone := false
	switch {
	case next.RemainingSize == 0:
		stageDone = true
		next.CurrentStage = domain.StageCompleted
	case d.Step == 1:
		rec.FirstStepExecuted = true
	case d.TargetStage == domain.StageCompleted:
		// partial fill of a final exit: stay and retry the rest next tick
	default:
		stageDone = true
		next.CurrentStage = d.TargetStage
	}

	if stageDone {
		rec.Completed = true
		applyPostActions(&next, d, price)
	}

	if err := next.CheckInvariant(); err != nil {
		return unchanged, err
	}
	return next, nil
}

func applyPostActions(pos *domain.Position, d *domain.ExitDecision, price float64) {
	if !pos.IsOpen() {
		return
	}
	if d.HasPostAction(domain.PostActionBreakeven) {
		pos.StopLossPrice = pos.EntryPrice
	}
	if d.HasPostAction(domain.PostActionTrailingStop) && !pos.TrailingStopActive {
		pos.TrailingStopActive = true
		pos.TrailingPct = d.TrailingPct
		pos.HighWaterMark = math.Max(pos.HighWaterMark, price)
		if pos.LowWaterMark == 0 || price < pos.LowWaterMark {
			pos.LowWaterMark = price
		}
		UpdateTrailingStop(pos, price)
	}
}

// UpdateTrailingStop moves the stop with favourable price movement and
// never lets it retrace. Returns true when the stop moved.
func UpdateTrailingStop(pos *domain.Position, price float64) bool {
	if !pos.TrailingStopActive || price <= 0 {
		return false
	}
	if pos.Side == domain.SideShort {
		if pos.LowWaterMark == 0 || price < pos.LowWaterMark {
			pos.LowWaterMark = price
		}
		candidate := pos.LowWaterMark * (1 + pos.TrailingPct)
		if pos.StopLossPrice == 0 || candidate < pos.StopLossPrice {
			pos.StopLossPrice = candidate
			return true
		}
		return false
	}
	if price > pos.HighWaterMark {
		pos.HighWaterMark = price
	}
	candidate := pos.HighWaterMark * (1 - pos.TrailingPct)
	if candidate > pos.StopLossPrice {
		pos.StopLossPrice = candidate
		return true
	}
	return false
}

// StopBreached reports whether price has crossed the position's stop.
func StopBreached(pos *domain.Position, price float64) bool {
	if pos.StopLossPrice <= 0 || price <= 0 {
		return false
	}
	if pos.Side == domain.SideShort {
		return price >= pos.StopLossPrice
	}
	return price <= pos.StopLossPrice
}

// IsInvariantViolation distinguishes fatal per-position errors from retryable ones.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, domain.ErrInvariantViolation)
}
