package usecase_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/usecase"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func candle(o, h, l, c, v float64) domain.Candle {
	return domain.Candle{Open: o, High: h, Low: l, Close: c, Volume: v}
}

// channelWindow returns n candles spanning [low, high], the last ones replaced by tail.
func channelWindow(n int, high, low float64, tail ...domain.Candle) []domain.Candle {
	mid := (high + low) / 2
	out := make([]domain.Candle, 0, n)
	for i := 0; i < n-len(tail); i++ {
		out = append(out, candle(mid, high, low, mid, 10))
	}
	out = append(out, tail...)
	for i := range out {
		out[i].Time = t0.Add(time.Duration(i) * time.Minute).Unix()
	}
	return out
}

// bearishReversal is three falling candles, the last with a long upper shadow.
func bearishReversal() []domain.Candle {
	return []domain.Candle{
		candle(50000, 50100, 49400, 49500, 10),
		candle(49500, 49600, 48900, 49000, 10),
		candle(49000, 49800, 48650, 48700, 10),
	}
}

func newLongPosition(id string, size, entry float64) *domain.Position {
	return domain.NewPosition(id, "bybit", "BTCUSDT", domain.SideLong, size, entry, t0)
}

type engineDeps struct {
	channel  *usecase.ChannelAnalyzer
	reversal *usecase.ReversalDetector
	risk     *usecase.RiskManager
	engine   *usecase.PCSEngine
}

func newEngine(t *testing.T, mutate func(*usecase.PCSConfig)) engineDeps {
	t.Helper()
	logger := zap.NewNop()
	channel, err := usecase.NewChannelAnalyzer(usecase.DefaultChannelConfig(), logger)
	require.NoError(t, err)
	reversal, err := usecase.NewReversalDetector(usecase.DefaultReversalConfig(), logger)
	require.NoError(t, err)
	risk, err := usecase.NewRiskManager(usecase.DefaultRiskConfig(), logger)
	require.NoError(t, err)

	cfg := usecase.DefaultPCSConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := usecase.NewPCSEngine(cfg, channel, reversal, risk, logger)
	require.NoError(t, err)
	return engineDeps{channel: channel, reversal: reversal, risk: risk, engine: engine}
}

func filled(d *domain.ExitDecision) *domain.OrderResult {
	return &domain.OrderResult{OrderID: "ord-" + d.ID, Success: true, FilledQty: d.Quantity, FilledPrice: d.Price}
}

// --- Mock execution adapter ---

type orderCall struct {
	Kind   string
	Symbol string
	Side   domain.OrderSide
	Qty    float64
	Price  float64
}

type MockAdapter struct {
	mu sync.Mutex

	Calls       []orderCall
	Err         error
	Reject      bool
	Block       bool
	MarketPrice float64
	// FillQty overrides the filled quantity of exit orders when > 0.
	FillQty float64
	seq     int
}

func (m *MockAdapter) record(ctx context.Context, kind, symbol string, side domain.OrderSide, qty, price float64) (*domain.OrderResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, orderCall{Kind: kind, Symbol: symbol, Side: side, Qty: qty, Price: price})
	m.seq++
	id := fmt.Sprintf("%s-%d", kind, m.seq)
	block, err, reject, fillQty := m.Block, m.Err, m.Reject, m.FillQty
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if reject {
		return &domain.OrderResult{OrderID: id, Success: false, Message: "insufficient margin"}, nil
	}
	if fillQty > 0 && kind != "stop" {
		qty = fillQty
	}
	return &domain.OrderResult{OrderID: id, Success: true, FilledQty: qty, FilledPrice: price}, nil
}

func (m *MockAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty float64) (*domain.OrderResult, error) {
	return m.record(ctx, "market", symbol, side, qty, m.MarketPrice)
}

func (m *MockAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price float64) (*domain.OrderResult, error) {
	return m.record(ctx, "limit", symbol, side, qty, price)
}

func (m *MockAdapter) PlaceStopOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice float64) (*domain.OrderResult, error) {
	return m.record(ctx, "stop", symbol, side, qty, stopPrice)
}

func (m *MockAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*domain.OrderResult, error) {
	return m.record(ctx, "cancel", symbol, "", 0, 0)
}

func (m *MockAdapter) set(fn func(m *MockAdapter)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

func (m *MockAdapter) calls(kind string) []orderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []orderCall
	for _, c := range m.Calls {
		if kind == "" || c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// --- In-memory repository and journal ---

type MemoryStore struct {
	mu         sync.Mutex
	positions  map[string]domain.Position
	archived   map[string]domain.Position
	executions []*domain.ExecutionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]domain.Position),
		archived:  make(map[string]domain.Position),
	}
}

func (s *MemoryStore) SavePosition(ctx context.Context, pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.ID] = pos.Clone()
	return nil
}

func (s *MemoryStore) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := p.Clone()
	return &cp, nil
}

func (s *MemoryStore) ListOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Position
	for id, p := range s.positions {
		if _, closed := s.archived[id]; closed {
			continue
		}
		cp := p.Clone()
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ArchivePosition(ctx context.Context, pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.ID] = pos.Clone()
	s.archived[pos.ID] = pos.Clone()
	return nil
}

func (s *MemoryStore) SaveExecution(ctx context.Context, rec *domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.executions = append(s.executions, &cp)
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, positionID string) ([]*domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ExecutionRecord
	for _, r := range s.executions {
		if r.PositionID == positionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) isArchived(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.archived[id]
	return ok
}

func (s *MemoryStore) stored(id string) (domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	return p, ok
}
