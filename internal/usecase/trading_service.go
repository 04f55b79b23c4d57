package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type TradingConfig struct {
	Exchange string `yaml:"exchange"`
	// DefaultStopPct is the stop distance used when an entry signal carries none.
	DefaultStopPct        float64 `yaml:"default_stop_pct"`
	MaxPositionsPerSymbol int     `yaml:"max_positions_per_symbol"`
	// PlaceExchangeStops mirrors breakeven and trailing stops as stop orders.
	PlaceExchangeStops bool `yaml:"place_exchange_stops"`
	// TrackRealizedPnL feeds realized PnL of every fill into the risk balance.
	TrackRealizedPnL bool `yaml:"track_realized_pnl"`
	// Parallelism bounds concurrent symbols in ProcessSnapshots; 0 means unbounded.
	Parallelism int `yaml:"parallelism"`
}

func DefaultTradingConfig() TradingConfig {
	return TradingConfig{
		Exchange:              "bybit",
		DefaultStopPct:        0.01,
		MaxPositionsPerSymbol: 3,
		PlaceExchangeStops:    false,
		TrackRealizedPnL:      true,
	}
}

func (c TradingConfig) Validate() error {
	if c.DefaultStopPct <= 0 || c.DefaultStopPct >= 1 {
		return fmt.Errorf("%w: default_stop_pct must be in (0,1), got %v", domain.ErrInvalidConfig, c.DefaultStopPct)
	}
	if c.MaxPositionsPerSymbol < 1 {
		return fmt.Errorf("%w: max_positions_per_symbol must be >= 1", domain.ErrInvalidConfig)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("%w: parallelism must be >= 0", domain.ErrInvalidConfig)
	}
	return nil
}

// tickObserver is implemented by exit conditions that need every quote.
type tickObserver interface {
	Observe(snap *domain.MarketSnapshot)
}

// positionForgetter is implemented by exit conditions holding per-position state.
type positionForgetter interface {
	Forget(symbol, positionID string)
}

// TradingService orchestrates position management: it runs the staged
// liquidation engine and protective exits over open positions, executes the
// resulting decisions and opens new positions from entry signals.
type TradingService struct {
	cfg       TradingConfig
	book      *PositionBook
	engine    *PCSEngine
	pcs       *PCSLiquidationCondition
	exits     []ExitCondition
	entries   *ConditionSet
	risk      *RiskManager
	executor  *TradeExecutor
	positions domain.PositionRepository
	journal   domain.ExecutionJournal
	sink      domain.DecisionSink
	logger    *zap.Logger

	mu         sync.RWMutex
	lastPrices map[string]float64

	timeNow func() time.Time
	newID   func() string
}

func NewTradingService(
	cfg TradingConfig,
	book *PositionBook,
	engine *PCSEngine,
	risk *RiskManager,
	executor *TradeExecutor,
	positions domain.PositionRepository,
	journal domain.ExecutionJournal,
	sink domain.DecisionSink,
	logger *zap.Logger,
) (*TradingService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if book == nil || engine == nil || risk == nil || executor == nil {
		return nil, fmt.Errorf("%w: trading service needs a book, engine, risk manager and executor", domain.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TradingService{
		cfg:        cfg,
		book:       book,
		engine:     engine,
		pcs:        NewPCSLiquidationCondition(engine, book, logger),
		risk:       risk,
		executor:   executor,
		positions:  positions,
		journal:    journal,
		sink:       sink,
		logger:     logger,
		lastPrices: make(map[string]float64),
		timeNow:    time.Now,
		newID:      uuid.NewString,
	}, nil
}

// AddExitCondition registers a protective exit evaluated after the staged engine.
func (s *TradingService) AddExitCondition(c ExitCondition) {
	s.exits = append(s.exits, c)
}

// SetEntryConditions installs the entry condition set; nil disables entries.
func (s *TradingService) SetEntryConditions(set *ConditionSet) {
	s.entries = set
}

func (s *TradingService) Book() *PositionBook {
	return s.book
}

func (s *TradingService) Risk() *RiskManager {
	return s.risk
}

// GetLatestPrice returns the last processed price for a symbol.
func (s *TradingService) GetLatestPrice(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPrices[symbol]
}

// ActivePositions returns every tracked position, halted ones included.
func (s *TradingService) ActivePositions() []domain.Position {
	return s.book.All()
}

// ConditionStats reports latency and hit counters of every condition.
func (s *TradingService) ConditionStats() []ConditionStats {
	out := []ConditionStats{s.pcs.Stats()}
	for _, c := range s.exits {
		out = append(out, c.Stats())
	}
	if s.entries != nil {
		for _, c := range s.entries.Conditions() {
			out = append(out, c.Stats())
		}
	}
	return out
}

// UpdateBalance pushes an account balance into the risk manager.
func (s *TradingService) UpdateBalance(balance float64) RiskLevel {
	return s.risk.UpdateBalance(balance)
}

// OpenPosition starts tracking an externally opened position.
func (s *TradingService) OpenPosition(ctx context.Context, pos domain.Position) error {
	if err := pos.CheckInvariant(); err != nil {
		return err
	}
	if pos.ID == "" {
		pos.ID = s.newID()
	}
	if pos.Exchange == "" {
		pos.Exchange = s.cfg.Exchange
	}
	if _, exists := s.book.Get(pos.ID); exists {
		return fmt.Errorf("position %s already tracked", pos.ID)
	}
	s.book.Add(pos)
	s.persist(ctx, &pos)
	s.refreshOpenGauge(pos.Symbol)
	s.logger.Info("Position tracked",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("size", pos.RemainingSize),
		zap.String("stage", pos.CurrentStage.String()),
	)
	return nil
}

// LoadPositions resumes open positions from the repository.
func (s *TradingService) LoadPositions(ctx context.Context) (int, error) {
	if s.positions == nil {
		return 0, nil
	}
	list, err := s.positions.ListOpenPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load positions: %w", err)
	}
	n := 0
	for _, p := range list {
		if err := p.CheckInvariant(); err != nil {
			s.logger.Error("Skipping stored position", zap.String("position_id", p.ID), zap.Error(err))
			continue
		}
		s.book.Add(*p)
		s.refreshOpenGauge(p.Symbol)
		n++
	}
	s.logger.Info("Positions resumed", zap.Int("count", n))
	return n, nil
}

// ProcessSnapshots handles one snapshot per symbol concurrently.
func (s *TradingService) ProcessSnapshots(ctx context.Context, snaps []*domain.MarketSnapshot) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Parallelism > 0 {
		g.SetLimit(s.cfg.Parallelism)
	}
	for _, snap := range snaps {
		if snap == nil {
			continue
		}
		g.Go(func() error {
			return s.ProcessSnapshot(gctx, snap)
		})
	}
	return g.Wait()
}

// ProcessSnapshot runs exits for every open position of the snapshot's
// symbol, then evaluates entries.
func (s *TradingService) ProcessSnapshot(ctx context.Context, snap *domain.MarketSnapshot) error {
	if snap == nil || snap.Symbol == "" {
		return fmt.Errorf("%w: empty snapshot", domain.ErrInsufficientData)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.Price > 0 {
		s.mu.Lock()
		s.lastPrices[snap.Symbol] = snap.Price
		s.mu.Unlock()
	}

	for _, c := range s.exits {
		if o, ok := c.(tickObserver); ok {
			o.Observe(snap)
		}
	}

	for _, pos := range s.book.OpenPositions(snap.Symbol) {
		if pos.TrailingStopActive && snap.Price > 0 {
			s.book.Update(pos.ID, func(p *domain.Position) {
				if UpdateTrailingStop(p, snap.Price) {
					s.logger.Debug("Trailing stop moved",
						zap.String("position_id", p.ID),
						zap.Float64("stop", p.StopLossPrice),
					)
				}
			})
		}
	}

	for _, pos := range s.book.OpenPositions(snap.Symbol) {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.processPosition(ctx, pos.ID, snap)
	}

	if s.entries != nil {
		if sig := s.entries.Evaluate(snap.Symbol, snap); sig != nil {
			s.handleEntry(ctx, sig, snap)
		}
	}
	return nil
}

// decide asks the staged engine first, then the protective exits in order.
func (s *TradingService) decide(pos *domain.Position, snap *domain.MarketSnapshot) *domain.ExitDecision {
	d, err := s.pcs.EvaluatePosition(pos, snap)
	if d != nil {
		return d
	}
	if err != nil && !errors.Is(err, domain.ErrInsufficientData) {
		s.logger.Warn("Staged evaluation failed", zap.String("position_id", pos.ID), zap.Error(err))
	}
	for _, c := range s.exits {
		if d, _ := c.EvaluatePosition(pos, snap); d != nil {
			return d
		}
	}
	return nil
}

func (s *TradingService) processPosition(ctx context.Context, id string, snap *domain.MarketSnapshot) {
	pos, ok := s.book.Acquire(id)
	if !ok {
		return
	}
	released := false
	defer func() {
		if !released {
			s.book.Release(id, nil)
		}
	}()

	d := s.decide(&pos, snap)
	if d == nil {
		return
	}
	s.publishExit(ctx, d)

	stageLabel := d.Stage.String()
	res, err := s.executor.ExecuteExit(ctx, d)
	if err != nil {
		metrics.StageExecutions.WithLabelValues(stageLabel, "failed").Inc()
		s.logger.Error("Exit execution failed, position unchanged",
			zap.String("position_id", pos.ID),
			zap.String("symbol", pos.Symbol),
			zap.String("stage", stageLabel),
			zap.Float64("qty", d.Quantity),
			zap.Error(err),
		)
		return
	}

	next, err := ApplyExecution(pos, d, res, s.timeNow())
	if err != nil {
		if IsInvariantViolation(err) {
			released = true
			s.halt(ctx, pos.ID, err)
			return
		}
		metrics.StageExecutions.WithLabelValues(stageLabel, "rejected").Inc()
		s.logger.Error("Execution not applied", zap.String("position_id", pos.ID), zap.Error(err))
		return
	}
	metrics.StageExecutions.WithLabelValues(stageLabel, "filled").Inc()

	filledPnL := next.RealizedPnL - pos.RealizedPnL
	s.logger.Info("Exit executed",
		zap.String("position_id", next.ID),
		zap.String("symbol", next.Symbol),
		zap.String("stage", stageLabel),
		zap.Int("step", d.Step),
		zap.Float64("qty", pos.RemainingSize-next.RemainingSize),
		zap.Float64("remaining", next.RemainingSize),
		zap.Float64("pnl", filledPnL),
		zap.String("reason", d.Reason),
	)
	s.journalExecution(ctx, &pos, &next, d, res)
	if s.cfg.TrackRealizedPnL && filledPnL != 0 {
		s.risk.UpdateBalance(s.risk.Balance() + filledPnL)
	}

	if next.CurrentStage == domain.StageCompleted {
		s.cancelStop(ctx, &next)
		released = true
		s.book.Release(id, &next)
		s.archive(ctx, next)
		return
	}

	stopChanged := next.StopLossPrice != pos.StopLossPrice || next.TrailingStopActive != pos.TrailingStopActive
	if s.cfg.PlaceExchangeStops && stopChanged {
		s.refreshStop(ctx, &next)
	}
	released = true
	s.book.Release(id, &next)
	s.persist(ctx, &next)
}

func (s *TradingService) halt(ctx context.Context, id string, cause error) {
	halted, ok := s.book.Halt(id, cause.Error())
	if !ok {
		return
	}
	metrics.PositionsHalted.Inc()
	s.persist(ctx, &halted)
	s.refreshOpenGauge(halted.Symbol)
	s.logger.DPanic("Position halted on invariant violation",
		zap.String("position_id", id),
		zap.String("symbol", halted.Symbol),
		zap.Error(cause),
	)
}

func (s *TradingService) archive(ctx context.Context, pos domain.Position) {
	if s.positions != nil {
		if err := s.positions.ArchivePosition(ctx, &pos); err != nil {
			s.logger.Error("Failed to archive position", zap.String("position_id", pos.ID), zap.Error(err))
		}
	}
	s.book.Remove(pos.ID)
	for _, c := range s.exits {
		if f, ok := c.(positionForgetter); ok {
			f.Forget(pos.Symbol, pos.ID)
		}
	}
	s.refreshOpenGauge(pos.Symbol)
	s.logger.Info("Position closed",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Float64("realized_pnl", pos.RealizedPnL),
	)
}

func (s *TradingService) refreshStop(ctx context.Context, pos *domain.Position) {
	s.cancelStop(ctx, pos)
	res, err := s.executor.PlaceProtectiveStop(ctx, pos)
	if err != nil {
		s.logger.Warn("Failed to place protective stop",
			zap.String("position_id", pos.ID),
			zap.Float64("stop", pos.StopLossPrice),
			zap.Error(err),
		)
		return
	}
	pos.StopOrderID = res.OrderID
}

func (s *TradingService) cancelStop(ctx context.Context, pos *domain.Position) {
	if pos.StopOrderID == "" {
		return
	}
	if _, err := s.executor.Cancel(ctx, pos.Symbol, pos.StopOrderID); err != nil {
		s.logger.Warn("Failed to cancel stop order",
			zap.String("position_id", pos.ID),
			zap.String("order_id", pos.StopOrderID),
			zap.Error(err),
		)
	}
	pos.StopOrderID = ""
}

func (s *TradingService) handleEntry(ctx context.Context, sig *domain.Signal, snap *domain.MarketSnapshot) {
	if ok, reason := s.risk.CanEnter(); !ok {
		s.logger.Debug("Entry skipped", zap.String("symbol", sig.Symbol), zap.String("reason", reason))
		return
	}
	sameSide := s.book.CountOpen(sig.Symbol, sig.Side)
	opposite := s.book.CountOpen(sig.Symbol, oppositeSide(sig.Side))
	switch sig.Action {
	case domain.SignalActionAdd:
		if sameSide == 0 || sameSide >= s.cfg.MaxPositionsPerSymbol {
			return
		}
	case domain.SignalActionOpen:
		if sameSide > 0 || opposite > 0 {
			return
		}
	default:
		return
	}

	price := sig.Price
	if price <= 0 {
		price = snap.Price
	}
	if price <= 0 {
		return
	}
	stop := sig.StopPrice
	if sig.Side == domain.SideLong && (stop <= 0 || stop >= price) {
		stop = price * (1 - s.cfg.DefaultStopPct)
	}
	if sig.Side == domain.SideShort && (stop <= 0 || stop <= price) {
		stop = price * (1 + s.cfg.DefaultStopPct)
	}

	size, err := s.risk.SizeWithConfidence(s.risk.Balance(), price, stop, sig.Confidence)
	if err != nil {
		s.logger.Warn("Entry sizing failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	if sig.EntryRatio > 0 && sig.EntryRatio < 1 {
		size = s.risk.RoundQuantity(size * sig.EntryRatio)
	}
	if size <= 0 {
		s.logger.Debug("Entry size rounds to zero", zap.String("symbol", sig.Symbol))
		return
	}

	s.publishSignal(ctx, sig)
	res, err := s.executor.ExecuteEntry(ctx, sig.Symbol, sig.Side, size)
	if err != nil {
		s.logger.Error("Entry execution failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	fillPrice := res.FilledPrice
	if fillPrice <= 0 {
		fillPrice = price
	}
	fillQty := res.FilledQty
	if fillQty <= 0 {
		fillQty = size
	}
	entryTime := snap.Timestamp
	if entryTime.IsZero() {
		entryTime = s.timeNow()
	}

	pos := domain.NewPosition(s.newID(), s.cfg.Exchange, sig.Symbol, sig.Side, fillQty, fillPrice, entryTime)
	pos.EntryOrderID = res.OrderID
	pos.Source = sig.Condition
	pos.StopLossPrice = stop
	s.book.Add(*pos)
	s.persist(ctx, pos)
	s.refreshOpenGauge(pos.Symbol)
	s.logger.Info("Position opened",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("size", pos.OriginalSize),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("stop", pos.StopLossPrice),
		zap.String("condition", sig.Condition),
		zap.String("action", string(sig.Action)),
	)
}

func (s *TradingService) persist(ctx context.Context, pos *domain.Position) {
	if s.positions == nil {
		return
	}
	if err := s.positions.SavePosition(ctx, pos); err != nil {
		s.logger.Error("Failed to save position", zap.String("position_id", pos.ID), zap.Error(err))
	}
}

func (s *TradingService) journalExecution(ctx context.Context, before, after *domain.Position, d *domain.ExitDecision, res *domain.OrderResult) {
	if s.journal == nil {
		return
	}
	price := res.FilledPrice
	if price <= 0 {
		price = d.Price
	}
	rec := &domain.ExecutionRecord{
		ID:          s.newID(),
		PositionID:  after.ID,
		Symbol:      after.Symbol,
		Stage:       d.Stage,
		Step:        d.Step,
		OrderID:     res.OrderID,
		Side:        d.OrderSide,
		OrderType:   d.OrderType,
		Quantity:    before.RemainingSize - after.RemainingSize,
		Price:       price,
		RealizedPnL: after.RealizedPnL - before.RealizedPnL,
		Reason:      d.Reason,
		ExecutedAt:  after.UpdatedAt,
	}
	if err := s.journal.SaveExecution(ctx, rec); err != nil {
		s.logger.Error("Failed to journal execution", zap.String("position_id", after.ID), zap.Error(err))
	}
}

func (s *TradingService) publishExit(ctx context.Context, d *domain.ExitDecision) {
	if s.sink == nil {
		return
	}
	if err := s.sink.PublishExit(ctx, d); err != nil {
		s.logger.Warn("Failed to publish exit decision", zap.String("decision_id", d.ID), zap.Error(err))
	}
}

func (s *TradingService) publishSignal(ctx context.Context, sig *domain.Signal) {
	if s.sink == nil {
		return
	}
	if err := s.sink.PublishSignal(ctx, sig); err != nil {
		s.logger.Warn("Failed to publish signal", zap.String("signal_id", sig.ID), zap.Error(err))
	}
}

func (s *TradingService) refreshOpenGauge(symbol string) {
	n := s.book.CountOpen(symbol, domain.SideLong) + s.book.CountOpen(symbol, domain.SideShort)
	metrics.PositionsOpen.WithLabelValues(symbol).Set(float64(n))
}

func oppositeSide(side domain.Side) domain.Side {
	if side == domain.SideLong {
		return domain.SideShort
	}
	return domain.SideLong
}
