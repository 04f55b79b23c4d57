package web

import (
	"encoding/json"
	"net/http"

	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"go.uber.org/zap"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type positionView struct {
	domain.Position
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Stage         string  `json:"stage"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.trading.ActivePositions()
	symbol := r.URL.Query().Get("symbol")

	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		v := positionView{Position: p, Stage: p.CurrentStage.String()}
		if price := s.trading.GetLatestPrice(p.Symbol); price > 0 {
			v.CurrentPrice = price
			v.UnrealizedPnL = p.UnrealizedPnL(price)
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "Execution journal disabled", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	records, err := s.journal.ListExecutions(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to list executions", zap.String("position_id", id), zap.Error(err))
		http.Error(w, "Failed to list executions", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*domain.ExecutionRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleConditions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.trading.ConditionStats())
}

type decisionsView struct {
	Exits   []domain.ExitDecision `json:"exits"`
	Signals []domain.Signal       `json:"signals"`
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		http.Error(w, "Decision feed disabled", http.StatusNotFound)
		return
	}
	exits, signals := s.decisions.Recent()
	s.writeJSON(w, http.StatusOK, decisionsView{Exits: exits, Signals: signals})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.risk.Status())
}

func (s *Server) handleRiskReset(w http.ResponseWriter, r *http.Request) {
	s.risk.ResetEmergency()
	s.logger.Warn("Emergency stop reset via API", zap.String("remote", r.RemoteAddr))
	s.writeJSON(w, http.StatusOK, s.risk.Status())
}
