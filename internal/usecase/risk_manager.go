package usecase

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

type RiskLevel string

const (
	RiskVeryLow   RiskLevel = "very_low"
	RiskLow       RiskLevel = "low"
	RiskMedium    RiskLevel = "medium"
	RiskHigh      RiskLevel = "high"
	RiskVeryHigh  RiskLevel = "very_high"
	RiskEmergency RiskLevel = "emergency"
)

// RiskBand maps drawdowns strictly below MaxDrawdown to Level.
type RiskBand struct {
	MaxDrawdown float64   `yaml:"max_drawdown"`
	Level       RiskLevel `yaml:"level"`
}

type RiskConfig struct {
	// RiskPercent is the share of balance risked per trade, 1 means 1%.
	RiskPercent       float64    `yaml:"risk_percent"`
	QuantityPrecision int        `yaml:"quantity_precision"`
	MaxPositionSize   float64    `yaml:"max_position_size"`
	InitialCapital    float64    `yaml:"initial_capital"`
	Bands             []RiskBand `yaml:"bands"`
}

func DefaultRiskBands() []RiskBand {
	return []RiskBand{
		{MaxDrawdown: 0.02, Level: RiskVeryLow},
		{MaxDrawdown: 0.05, Level: RiskLow},
		{MaxDrawdown: 0.10, Level: RiskMedium},
		{MaxDrawdown: 0.15, Level: RiskHigh},
		{MaxDrawdown: 0.20, Level: RiskVeryHigh},
	}
}

func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		RiskPercent:       1,
		QuantityPrecision: 3,
		InitialCapital:    100000,
		Bands:             DefaultRiskBands(),
	}
}

func (c RiskConfig) Validate() error {
	if c.RiskPercent <= 0 || c.RiskPercent > 100 {
		return fmt.Errorf("%w: risk_percent must be in (0, 100], got %v", domain.ErrInvalidConfig, c.RiskPercent)
	}
	if c.QuantityPrecision < 0 || c.QuantityPrecision > 8 {
		return fmt.Errorf("%w: quantity_precision must be in [0, 8]", domain.ErrInvalidConfig)
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("%w: initial_capital must be > 0", domain.ErrInvalidConfig)
	}
	if c.MaxPositionSize < 0 {
		return fmt.Errorf("%w: max_position_size must be >= 0", domain.ErrInvalidConfig)
	}
	prev := 0.0
	for _, b := range c.Bands {
		if b.MaxDrawdown <= prev {
			return fmt.Errorf("%w: risk bands must have increasing max_drawdown", domain.ErrInvalidConfig)
		}
		if b.Level == RiskEmergency {
			return fmt.Errorf("%w: emergency is implied above the last band", domain.ErrInvalidConfig)
		}
		prev = b.MaxDrawdown
	}
	return nil
}

type RiskStatus struct {
	Balance     float64   `json:"balance"`
	Drawdown    float64   `json:"drawdown"`
	Level       RiskLevel `json:"level"`
	Emergency   bool      `json:"emergency"`
	EmergencyAt time.Time `json:"emergency_at,omitempty"`
}

// RiskManager sizes positions and holds the emergency-stop latch. Once the
// drawdown reaches the emergency band the latch stays set until
// ResetEmergency is called, even if the balance recovers.
type RiskManager struct {
	cfg    RiskConfig
	logger *zap.Logger

	mu          sync.RWMutex
	balance     float64
	drawdown    float64
	level       RiskLevel
	emergency   bool
	emergencyAt time.Time
	timeNow     func() time.Time
}

func NewRiskManager(cfg RiskConfig, logger *zap.Logger) (*RiskManager, error) {
	if len(cfg.Bands) == 0 {
		cfg.Bands = DefaultRiskBands()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RiskManager{
		cfg:     cfg,
		logger:  logger,
		balance: cfg.InitialCapital,
		level:   cfg.Bands[0].Level,
		timeNow: time.Now,
	}, nil
}

// RoundQuantity floors q to the configured precision.
func (m *RiskManager) RoundQuantity(q float64) float64 {
	p := math.Pow(10, float64(m.cfg.QuantityPrecision))
	return math.Floor(q*p+1e-9) / p
}

// LotStep is the smallest tradable quantity at the configured precision.
func (m *RiskManager) LotStep() float64 {
	return math.Pow(10, -float64(m.cfg.QuantityPrecision))
}

// CalculatePositionSize risks RiskPercent of balance over the entry-stop distance.
func (m *RiskManager) CalculatePositionSize(balance, entryPrice, stopPrice float64) (float64, error) {
	if balance <= 0 || entryPrice <= 0 || stopPrice < 0 {
		return 0, fmt.Errorf("%w: balance %.2f entry %.8f stop %.8f", domain.ErrInvalidConfig, balance, entryPrice, stopPrice)
	}
	distance := math.Abs(entryPrice - stopPrice)
	if distance == 0 {
		return 0, domain.ErrZeroStopDistance
	}
	riskAmount := balance * m.cfg.RiskPercent / 100
	return m.RoundQuantity(riskAmount / distance), nil
}

// SizeWithConfidence scales the risk size by confidence in [0,1] and applies
// the configured cap.
func (m *RiskManager) SizeWithConfidence(balance, entryPrice, stopPrice, confidence float64) (float64, error) {
	size, err := m.CalculatePositionSize(balance, entryPrice, stopPrice)
	if err != nil {
		return 0, err
	}
	size *= clamp01(confidence)
	if m.cfg.MaxPositionSize > 0 && size > m.cfg.MaxPositionSize {
		size = m.cfg.MaxPositionSize
	}
	return m.RoundQuantity(size), nil
}

func (m *RiskManager) levelFor(drawdown float64) RiskLevel {
	for _, b := range m.cfg.Bands {
		if drawdown < b.MaxDrawdown {
			return b.Level
		}
	}
	return RiskEmergency
}

// UpdateBalance recomputes drawdown and risk level, latching the emergency stop.
func (m *RiskManager) UpdateBalance(balance float64) RiskLevel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balance = balance
	dd := (m.cfg.InitialCapital - balance) / m.cfg.InitialCapital
	if dd < 0 {
		dd = 0
	}
	m.drawdown = dd
	m.level = m.levelFor(dd)
	metrics.RiskDrawdown.Set(dd)

	if m.level == RiskEmergency && !m.emergency {
		m.emergency = true
		m.emergencyAt = m.timeNow()
		metrics.EmergencyStop.Set(1)
		m.logger.Error("Emergency stop engaged",
			zap.Float64("balance", balance),
			zap.Float64("drawdown", dd))
	}
	return m.level
}

func (m *RiskManager) Balance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance
}

func (m *RiskManager) EmergencyActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergency
}

// CanEnter reports whether new entries are allowed and why not.
func (m *RiskManager) CanEnter() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.emergency {
		return false, fmt.Sprintf("emergency stop since %s (drawdown %.2f%%)", m.emergencyAt.Format(time.RFC3339), m.drawdown*100)
	}
	return true, ""
}

// ResetEmergency clears the latch. Operator action only.
func (m *RiskManager) ResetEmergency() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.emergency {
		return
	}
	m.emergency = false
	m.emergencyAt = time.Time{}
	metrics.EmergencyStop.Set(0)
	m.logger.Warn("Emergency stop reset", zap.Float64("balance", m.balance), zap.String("level", string(m.level)))
}

func (m *RiskManager) Status() RiskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return RiskStatus{
		Balance:     m.balance,
		Drawdown:    m.drawdown,
		Level:       m.level,
		Emergency:   m.emergency,
		EmergencyAt: m.emergencyAt,
	}
}
