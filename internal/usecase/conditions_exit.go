package usecase

import (
	"fmt"
	"strings"

	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"go.uber.org/zap"
)

// exitSignal converts a decision into the uniform signal shape.
func exitSignal(t *conditionTracker, snap *domain.MarketSnapshot, d *domain.ExitDecision) *domain.Signal {
	sig := newSignal(t, snap, d.Side, domain.SignalActionClose, 1, d.Reason)
	sig.PositionID = d.PositionID
	sig.Price = d.Price
	sig.Metadata = map[string]float64{
		"quantity": d.Quantity,
		"stage":    float64(d.Stage),
	}
	return sig
}

// evaluatePositions walks the open positions of symbol and returns the first exit.
func evaluatePositions(positions PositionSource, symbol string, snap *domain.MarketSnapshot, eval func(*domain.Position) (*domain.ExitDecision, error)) (*domain.ExitDecision, error) {
	if positions == nil {
		return nil, nil
	}
	for _, p := range positions.OpenPositions(symbol) {
		pos := p
		d, err := eval(&pos)
		if err != nil || d != nil {
			return d, err
		}
	}
	return nil, nil
}

// --- PCS liquidation ---

type PCSLiquidationCondition struct {
	*conditionTracker
	engine    *PCSEngine
	positions PositionSource
}

func NewPCSLiquidationCondition(engine *PCSEngine, positions PositionSource, logger *zap.Logger) *PCSLiquidationCondition {
	return &PCSLiquidationCondition{
		conditionTracker: newConditionTracker("pcs_liquidation", domain.SignalKindExit, logger),
		engine:           engine,
		positions:        positions,
	}
}

func (c *PCSLiquidationCondition) EvaluatePosition(pos *domain.Position, snap *domain.MarketSnapshot) (*domain.ExitDecision, error) {
	return track(c.conditionTracker, pos.Symbol, func() (*domain.ExitDecision, error) {
		return c.engine.Evaluate(pos, snap)
	})
}

func (c *PCSLiquidationCondition) Evaluate(symbol string, snap *domain.MarketSnapshot) (*domain.Signal, error) {
	d, err := evaluatePositions(c.positions, symbol, snap, func(p *domain.Position) (*domain.ExitDecision, error) {
		return c.EvaluatePosition(p, snap)
	})
	if err != nil || d == nil {
		return nil, err
	}
	return exitSignal(c.conditionTracker, snap, d), nil
}

// --- Trailing channel ---

type TrailingChannelConfig struct {
	// BufferPct widens the channel line before it is used as a stop.
	BufferPct float64 `yaml:"buffer_pct"`
}

// TrailingChannelCondition closes a position whose trailing stop is active
// once price crosses the tighter of the trailing stop and the channel line
// on the losing side.
type TrailingChannelCondition struct {
	*conditionTracker
	cfg       TrailingChannelConfig
	engine    *PCSEngine
	analyzer  *ChannelAnalyzer
	positions PositionSource
}

func NewTrailingChannelCondition(cfg TrailingChannelConfig, engine *PCSEngine, analyzer *ChannelAnalyzer, positions PositionSource, logger *zap.Logger) *TrailingChannelCondition {
	return &TrailingChannelCondition{
		conditionTracker: newConditionTracker("trailing_channel", domain.SignalKindExit, logger),
		cfg:              cfg,
		engine:           engine,
		analyzer:         analyzer,
		positions:        positions,
	}
}

// StopLevel returns the effective stop for pos given the current channel.
func (c *TrailingChannelCondition) StopLevel(pos *domain.Position, snap *domain.MarketSnapshot) float64 {
	stop := pos.StopLossPrice
	ch, err := c.analyzer.Calculate(snap.Candles, snap.Price)
	if err != nil || !ch.WidthValid {
		return stop
	}
	if pos.Side == domain.SideShort {
		line := ch.Upper * (1 + c.cfg.BufferPct)
		if stop == 0 || line < stop {
			stop = line
		}
		return stop
	}
	line := ch.Lower * (1 - c.cfg.BufferPct)
	if line > stop {
		stop = line
	}
	return stop
}

func (c *TrailingChannelCondition) EvaluatePosition(pos *domain.Position, snap *domain.MarketSnapshot) (*domain.ExitDecision, error) {
	return track(c.conditionTracker, pos.Symbol, func() (*domain.ExitDecision, error) {
		if !pos.TrailingStopActive || !pos.IsOpen() || pos.Halted {
			return nil, nil
		}
		stop := c.StopLevel(pos, snap)
		breached := snap.Price <= stop
		if pos.Side == domain.SideShort {
			breached = snap.Price >= stop
		}
		if !breached {
			return nil, nil
		}
		return c.engine.FullExit(pos, snap.Price, domain.UrgencyHigh,
			fmt.Sprintf("trailing channel stop %.8g crossed at %.8g", stop, snap.Price)), nil
	})
}

func (c *TrailingChannelCondition) Evaluate(symbol string, snap *domain.MarketSnapshot) (*domain.Signal, error) {
	d, err := evaluatePositions(c.positions, symbol, snap, func(p *domain.Position) (*domain.ExitDecision, error) {
		return c.EvaluatePosition(p, snap)
	})
	if err != nil || d == nil {
		return nil, err
	}
	return exitSignal(c.conditionTracker, snap, d), nil
}

// --- Tick-based exit ---

type TickExitConfig struct {
	Ticks int `yaml:"ticks"`
	// MinMovePct is the minimum adverse move across the run, as a fraction.
	MinMovePct float64 `yaml:"min_move_pct"`
}

// TickExitCondition closes a position after a run of adverse quote ticks.
type TickExitCondition struct {
	*conditionTracker
	cfg       TickExitConfig
	engine    *PCSEngine
	positions PositionSource
	history   *SymbolStore[tickHistory]
}

func NewTickExitCondition(cfg TickExitConfig, engine *PCSEngine, positions PositionSource, logger *zap.Logger) (*TickExitCondition, error) {
	if cfg.Ticks < 2 {
		return nil, fmt.Errorf("%w: tick exit needs at least 2 ticks", domain.ErrInvalidConfig)
	}
	capacity := cfg.Ticks + 1
	return &TickExitCondition{
		conditionTracker: newConditionTracker("tick_exit", domain.SignalKindExit, logger),
		cfg:              cfg,
		engine:           engine,
		positions:        positions,
		history: NewSymbolStore(func() *tickHistory {
			return &tickHistory{mids: NewRingBuffer(capacity)}
		}),
	}, nil
}

// Observe feeds one quote tick; call it once per snapshot per symbol.
func (c *TickExitCondition) Observe(snap *domain.MarketSnapshot) {
	mid := snap.MidPrice()
	if mid <= 0 {
		return
	}
	c.history.Update(snap.Symbol, func(h *tickHistory) {
		pushTick(h, mid)
	})
}

func (c *TickExitCondition) adverseRun(symbol string, side domain.Side) (bool, float64) {
	var fired bool
	var move float64
	c.history.Update(symbol, func(h *tickHistory) {
		if !h.mids.Full() {
			return
		}
		values := h.mids.Values()
		dir := runDirection(values)
		first, last := values[0], values[len(values)-1]
		if first <= 0 {
			return
		}
		move = (last - first) / first
		if side == domain.SideLong {
			fired = dir == -1 && -move >= c.cfg.MinMovePct
		} else {
			fired = dir == 1 && move >= c.cfg.MinMovePct
		}
	})
	return fired, move
}

func (c *TickExitCondition) EvaluatePosition(pos *domain.Position, snap *domain.MarketSnapshot) (*domain.ExitDecision, error) {
	return track(c.conditionTracker, pos.Symbol, func() (*domain.ExitDecision, error) {
		if !pos.IsOpen() || pos.Halted {
			return nil, nil
		}
		fired, move := c.adverseRun(pos.Symbol, pos.Side)
		if !fired {
			return nil, nil
		}
		return c.engine.FullExit(pos, snap.Price, domain.UrgencyHigh,
			fmt.Sprintf("%d adverse ticks, move %.3f%%", c.cfg.Ticks, move*100)), nil
	})
}

func (c *TickExitCondition) Evaluate(symbol string, snap *domain.MarketSnapshot) (*domain.Signal, error) {
	c.Observe(snap)
	d, err := evaluatePositions(c.positions, symbol, snap, func(p *domain.Position) (*domain.ExitDecision, error) {
		return c.EvaluatePosition(p, snap)
	})
	if err != nil || d == nil {
		return nil, err
	}
	return exitSignal(c.conditionTracker, snap, d), nil
}

// --- Breakeven ---

type BreakevenConfig struct {
	// ArmProfitPct is the profit that arms the exit once Stage 1 is done.
	ArmProfitPct float64 `yaml:"arm_profit_pct"`
	// BufferPct keeps the exit slightly on the profitable side of entry.
	BufferPct float64 `yaml:"buffer_pct"`
}

type breakevenState struct {
	armed map[string]bool
}

// BreakevenCondition arms after partial profit-taking and closes the rest
// when price comes back to entry.
type BreakevenCondition struct {
	*conditionTracker
	cfg       BreakevenConfig
	engine    *PCSEngine
	positions PositionSource
	state     *SymbolStore[breakevenState]
}

func NewBreakevenCondition(cfg BreakevenConfig, engine *PCSEngine, positions PositionSource, logger *zap.Logger) *BreakevenCondition {
	return &BreakevenCondition{
		conditionTracker: newConditionTracker("breakeven", domain.SignalKindExit, logger),
		cfg:              cfg,
		engine:           engine,
		positions:        positions,
		state: NewSymbolStore(func() *breakevenState {
			return &breakevenState{armed: make(map[string]bool)}
		}),
	}
}

func (c *BreakevenCondition) EvaluatePosition(pos *domain.Position, snap *domain.MarketSnapshot) (*domain.ExitDecision, error) {
	return track(c.conditionTracker, pos.Symbol, func() (*domain.ExitDecision, error) {
		if !pos.IsOpen() || pos.Halted {
			return nil, nil
		}
		rec, ok := pos.Stages[domain.StageOne]
		if !ok || !rec.Completed {
			return nil, nil
		}

		var armed bool
		c.state.Update(pos.Symbol, func(s *breakevenState) {
			if !s.armed[pos.ID] && pos.PnLRatio(snap.Price) >= c.cfg.ArmProfitPct {
				s.armed[pos.ID] = true
				c.logger.Debug("Breakeven exit armed", zap.String("position_id", pos.ID))
			}
			armed = s.armed[pos.ID]
		})
		if !armed {
			return nil, nil
		}

		level := pos.EntryPrice * (1 + c.cfg.BufferPct)
		hit := snap.Price <= level
		if pos.Side == domain.SideShort {
			level = pos.EntryPrice * (1 - c.cfg.BufferPct)
			hit = snap.Price >= level
		}
		if !hit {
			return nil, nil
		}
		return c.engine.FullExit(pos, snap.Price, domain.UrgencyHigh,
			fmt.Sprintf("price %.8g returned to breakeven %.8g", snap.Price, level)), nil
	})
}

// Forget drops the armed flag of a closed position.
func (c *BreakevenCondition) Forget(symbol, positionID string) {
	c.state.Update(symbol, func(s *breakevenState) {
		delete(s.armed, positionID)
	})
}

func (c *BreakevenCondition) Evaluate(symbol string, snap *domain.MarketSnapshot) (*domain.Signal, error) {
	d, err := evaluatePositions(c.positions, symbol, snap, func(p *domain.Position) (*domain.ExitDecision, error) {
		return c.EvaluatePosition(p, snap)
	})
	if err != nil || d == nil {
		return nil, err
	}
	return exitSignal(c.conditionTracker, snap, d), nil
}

// --- Hard stop ---

type HardStopConfig struct {
	// GracePct is how far past the stop price must move, as a fraction.
	GracePct float64 `yaml:"grace_pct"`
}

// HardStopCondition closes what is left of a position once price crosses its
// stop loss, whatever stage it is in.
type HardStopCondition struct {
	*conditionTracker
	cfg       HardStopConfig
	engine    *PCSEngine
	positions PositionSource
}

func NewHardStopCondition(cfg HardStopConfig, engine *PCSEngine, positions PositionSource, logger *zap.Logger) *HardStopCondition {
	return &HardStopCondition{
		conditionTracker: newConditionTracker("hard_stop", domain.SignalKindExit, logger),
		cfg:              cfg,
		engine:           engine,
		positions:        positions,
	}
}

func (c *HardStopCondition) EvaluatePosition(pos *domain.Position, snap *domain.MarketSnapshot) (*domain.ExitDecision, error) {
	return track(c.conditionTracker, pos.Symbol, func() (*domain.ExitDecision, error) {
		if !pos.IsOpen() || pos.Halted {
			return nil, nil
		}
		shifted := *pos
		if pos.Side == domain.SideShort {
			shifted.StopLossPrice = pos.StopLossPrice * (1 + c.cfg.GracePct)
		} else {
			shifted.StopLossPrice = pos.StopLossPrice * (1 - c.cfg.GracePct)
		}
		if !StopBreached(&shifted, snap.Price) {
			return nil, nil
		}
		return c.engine.FullExit(pos, snap.Price, domain.UrgencyCritical,
			fmt.Sprintf("stop loss %.8g crossed at %.8g", pos.StopLossPrice, snap.Price)), nil
	})
}

func (c *HardStopCondition) Evaluate(symbol string, snap *domain.MarketSnapshot) (*domain.Signal, error) {
	d, err := evaluatePositions(c.positions, symbol, snap, func(p *domain.Position) (*domain.ExitDecision, error) {
		return c.EvaluatePosition(p, snap)
	})
	if err != nil || d == nil {
		return nil, err
	}
	return exitSignal(c.conditionTracker, snap, d), nil
}

// --- Composition ---

type SetMode string

const (
	SetModeAll SetMode = "all"
	SetModeAny SetMode = "any"
)

// ConditionSet combines entry conditions. In "all" mode every condition
// must fire on the same side; in "any" mode the first to fire wins.
// Nothing fires while the risk manager's emergency latch is set.
type ConditionSet struct {
	mode       SetMode
	conditions []Condition
	risk       *RiskManager
	logger     *zap.Logger
}

func NewConditionSet(mode SetMode, risk *RiskManager, logger *zap.Logger, conditions ...Condition) (*ConditionSet, error) {
	if mode != SetModeAll && mode != SetModeAny {
		return nil, fmt.Errorf("%w: unknown condition set mode %q", domain.ErrInvalidConfig, mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConditionSet{mode: mode, conditions: conditions, risk: risk, logger: logger}, nil
}

func (s *ConditionSet) Conditions() []Condition {
	return s.conditions
}

func (s *ConditionSet) Evaluate(symbol string, snap *domain.MarketSnapshot) *domain.Signal {
	if s.risk != nil {
		if ok, reason := s.risk.CanEnter(); !ok {
			s.logger.Debug("Entries blocked", zap.String("symbol", symbol), zap.String("reason", reason))
			return nil
		}
	}

	var fired []*domain.Signal
	for _, c := range s.conditions {
		// Errors are already logged and counted by the condition itself.
		sig, _ := c.Evaluate(symbol, snap)
		if sig != nil {
			if s.mode == SetModeAny {
				return sig
			}
			fired = append(fired, sig)
		}
	}
	if s.mode == SetModeAny || len(fired) == 0 || len(fired) != len(s.conditions) {
		return nil
	}

	combined := *fired[0]
	reasons := make([]string, 0, len(fired))
	names := make([]string, 0, len(fired))
	sum := 0.0
	for _, sig := range fired {
		if sig.Side != combined.Side {
			s.logger.Debug("Conditions disagree on side", zap.String("symbol", symbol))
			return nil
		}
		if sig.Action == domain.SignalActionAdd {
			combined.Action = domain.SignalActionAdd
		}
		if sig.EntryRatio < combined.EntryRatio {
			combined.EntryRatio = sig.EntryRatio
		}
		if combined.StopPrice == 0 {
			combined.StopPrice = sig.StopPrice
		}
		sum += sig.Confidence
		reasons = append(reasons, sig.Reason)
		names = append(names, sig.Condition)
	}
	combined.Confidence = sum / float64(len(fired))
	combined.Condition = strings.Join(names, "+")
	combined.Reason = strings.Join(reasons, "; ")
	return &combined
}
