package usecase

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

const (
	EntryLatencyBudget = 10 * time.Millisecond
	ExitLatencyBudget  = 5 * time.Millisecond
)

// Condition is one pluggable entry or exit rule.
type Condition interface {
	Name() string
	Kind() domain.SignalKind
	// Evaluate returns a signal when the condition fires, nil otherwise.
	Evaluate(symbol string, snap *domain.MarketSnapshot) (*domain.Signal, error)
	Stats() ConditionStats
}

// PositionSource gives exit conditions read access to open positions.
type PositionSource interface {
	OpenPositions(symbol string) []domain.Position
}

// ExitCondition decides about a single position.
type ExitCondition interface {
	Condition
	EvaluatePosition(pos *domain.Position, snap *domain.MarketSnapshot) (*domain.ExitDecision, error)
}

type ConditionStats struct {
	Name        string            `json:"name"`
	Kind        domain.SignalKind `json:"kind"`
	Evaluations int64             `json:"evaluations"`
	Signals     int64             `json:"signals"`
	Errors      int64             `json:"errors"`
	OverBudget  int64             `json:"over_budget"`
	AvgLatency  time.Duration     `json:"avg_latency"`
	MaxLatency  time.Duration     `json:"max_latency"`
	Budget      time.Duration     `json:"budget"`
	TargetMet   bool              `json:"target_met"`
}

// conditionTracker carries the identity and performance counters every
// condition shares.
type conditionTracker struct {
	name   string
	kind   domain.SignalKind
	budget time.Duration
	logger *zap.Logger

	mu          sync.Mutex
	evaluations int64
	signals     int64
	errors      int64
	overBudget  int64
	total       time.Duration
	max         time.Duration
}

func newConditionTracker(name string, kind domain.SignalKind, logger *zap.Logger) *conditionTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	budget := EntryLatencyBudget
	if kind == domain.SignalKindExit {
		budget = ExitLatencyBudget
	}
	return &conditionTracker{
		name:   name,
		kind:   kind,
		budget: budget,
		logger: logger.With(zap.String("condition", name)),
	}
}

func (t *conditionTracker) Name() string {
	return t.name
}

func (t *conditionTracker) Kind() domain.SignalKind {
	return t.kind
}

func (t *conditionTracker) Stats() ConditionStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := ConditionStats{
		Name:        t.name,
		Kind:        t.kind,
		Evaluations: t.evaluations,
		Signals:     t.signals,
		Errors:      t.errors,
		OverBudget:  t.overBudget,
		MaxLatency:  t.max,
		Budget:      t.budget,
	}
	if t.evaluations > 0 {
		st.AvgLatency = t.total / time.Duration(t.evaluations)
	}
	st.TargetMet = st.AvgLatency <= t.budget
	return st
}

func (t *conditionTracker) observe(elapsed time.Duration, fired, failed bool) {
	t.mu.Lock()
	t.evaluations++
	t.total += elapsed
	if elapsed > t.max {
		t.max = elapsed
	}
	if fired {
		t.signals++
	}
	if failed {
		t.errors++
	}
	over := elapsed > t.budget
	if over {
		t.overBudget++
	}
	t.mu.Unlock()

	kind := string(t.kind)
	metrics.ConditionEvaluations.WithLabelValues(t.name, kind).Inc()
	metrics.ConditionLatency.WithLabelValues(t.name, kind).Observe(elapsed.Seconds())
	if fired {
		metrics.ConditionSignals.WithLabelValues(t.name, kind).Inc()
	}
	if failed {
		metrics.ConditionErrors.WithLabelValues(t.name, kind).Inc()
	}
	if over {
		t.logger.Warn("Condition over latency budget", zap.Duration("elapsed", elapsed), zap.Duration("budget", t.budget))
	}
}

// track runs one evaluation under the tracker. Data insufficiency becomes a
// silent nil result, other errors and panics are logged and reported.
func track[R any](t *conditionTracker, symbol string, fn func() (*R, error)) (res *R, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("condition %s panicked: %v", t.name, r)
		}
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrInsufficientData):
			t.logger.Debug("Not enough data", zap.String("symbol", symbol), zap.Error(err))
			err = nil
			res = nil
		default:
			t.logger.Error("Condition evaluation failed", zap.String("symbol", symbol), zap.Error(err))
			res = nil
		}
		t.observe(time.Since(start), res != nil, err != nil)
	}()
	return fn()
}
