package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/usecase"
	"go.uber.org/zap"
)

// TradingView is the read side of the trading service.
type TradingView interface {
	ActivePositions() []domain.Position
	ConditionStats() []usecase.ConditionStats
	GetLatestPrice(symbol string) float64
}

// RiskControl exposes the drawdown state and the emergency latch reset.
type RiskControl interface {
	Status() usecase.RiskStatus
	ResetEmergency()
}

// DecisionFeed lists the most recent decisions published by the engine.
type DecisionFeed interface {
	Recent() ([]domain.ExitDecision, []domain.Signal)
}

type Server struct {
	router    *http.ServeMux
	server    *http.Server
	trading   TradingView
	risk      RiskControl
	journal   domain.ExecutionJournal
	decisions DecisionFeed
	logger    *zap.Logger
}

func NewServer(
	port int,
	trading TradingView,
	risk RiskControl,
	journal domain.ExecutionJournal,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:  http.NewServeMux(),
		trading: trading,
		risk:    risk,
		journal: journal,
		logger:  logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	s.router.Handle("GET /metrics", promhttp.Handler())
	s.router.HandleFunc("GET /healthz", s.handleHealth)

	// Positions
	s.router.HandleFunc("GET /api/positions", s.handlePositions)
	s.router.HandleFunc("GET /api/positions/{id}/executions", s.handleExecutions)

	// Conditions
	s.router.HandleFunc("GET /api/conditions", s.handleConditions)
	s.router.HandleFunc("GET /api/decisions", s.handleDecisions)

	// Risk
	s.router.HandleFunc("GET /api/risk", s.handleRisk)
	s.router.HandleFunc("POST /api/risk/reset", s.handleRiskReset)
}

// SetDecisionFeed enables /api/decisions.
func (s *Server) SetDecisionFeed(feed DecisionFeed) {
	s.decisions = feed
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
