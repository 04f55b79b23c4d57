package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ConditionEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcs_condition_evaluations_total",
			Help: "Total number of condition evaluations (by condition and kind).",
		},
		[]string{"condition", "kind"},
	)

	ConditionSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcs_condition_signals_total",
			Help: "Total number of signals fired (by condition and kind).",
		},
		[]string{"condition", "kind"},
	)

	ConditionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcs_condition_errors_total",
			Help: "Total number of failed condition evaluations.",
		},
		[]string{"condition", "kind"},
	)

	ConditionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pcs_condition_latency_seconds",
			Help:    "Condition evaluation latency.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		},
		[]string{"condition", "kind"},
	)

	StageDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcs_stage_decisions_total",
			Help: "Exit decisions produced (by stage).",
		},
		[]string{"stage"},
	)

	StageExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcs_stage_executions_total",
			Help: "Exit executions applied (by stage and result).",
		},
		[]string{"stage", "result"},
	)

	StageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pcs_stage_evaluation_latency_seconds",
			Help:    "PCS evaluation latency (by current stage).",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
		},
		[]string{"stage"},
	)

	PositionsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pcs_positions_open",
			Help: "Current number of open positions per symbol.",
		},
		[]string{"symbol"},
	)

	PositionsHalted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pcs_positions_halted_total",
			Help: "Positions halted after an invariant violation.",
		},
	)

	RiskDrawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pcs_risk_drawdown_ratio",
			Help: "Current drawdown against initial capital.",
		},
	)

	EmergencyStop = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pcs_emergency_stop",
			Help: "1 while the emergency stop latch is set.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConditionEvaluations,
		ConditionSignals,
		ConditionErrors,
		ConditionLatency,
		StageDecisions,
		StageExecutions,
		StageLatency,
		PositionsOpen,
		PositionsHalted,
		RiskDrawdown,
		EmergencyStop,
	)
}
