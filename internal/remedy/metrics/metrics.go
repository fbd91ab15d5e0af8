// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus collectors for remediation runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/kusari-oss/remedy/internal/core/models"
)

const namespace = "remedy"

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	// PlansTotal counts finished executions by terminal status.
	PlansTotal *prometheus.CounterVec
	// ActivePlans is the number of executions in flight.
	ActivePlans prometheus.Gauge
	// StepsTotal counts finished steps by status.
	StepsTotal *prometheus.CounterVec
	// StepAttempts counts action invocations, retries included.
	StepAttempts prometheus.Counter
	// StepDuration observes step wall time by action type.
	StepDuration *prometheus.HistogramVec
	// RollbacksTotal counts rollback runs by result (success, failure).
	RollbacksTotal *prometheus.CounterVec
	// RiskAssessments counts assessments by resulting level.
	RiskAssessments *prometheus.CounterVec
	// BreakerState is 0 closed, 1 half-open, 2 open, per service.
	BreakerState *prometheus.GaugeVec
}

// New registers the collectors with reg. A nil reg creates unregistered
// collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PlansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "plans_total",
			Help:      "Total number of finished plan executions by terminal status",
		}, []string{"status"}),
		ActivePlans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "active_plans",
			Help:      "Number of plan executions in flight",
		}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "steps_total",
			Help:      "Total number of finished steps by status",
		}, []string{"status"}),
		StepAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_attempts_total",
			Help:      "Total number of action invocations including retries",
		}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Duration of step execution in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action_type"}),
		RollbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollback",
			Name:      "runs_total",
			Help:      "Total number of rollback runs by result",
		}, []string{"result"}),
		RiskAssessments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "assessments_total",
			Help:      "Total number of risk assessments by level",
		}, []string{"level"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "breaker_state",
			Help:      "Health oracle circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"service"}),
	}
}

func (m *Metrics) PlanStarted() {
	if m == nil {
		return
	}
	m.ActivePlans.Inc()
}

func (m *Metrics) PlanFinished(status models.PlanStatus) {
	if m == nil {
		return
	}
	m.ActivePlans.Dec()
	m.PlansTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) Attempt() {
	if m == nil {
		return
	}
	m.StepAttempts.Inc()
}

func (m *Metrics) StepFinished(status models.StepStatus, actionType models.ActionType, d time.Duration) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(string(status)).Inc()
	m.StepDuration.WithLabelValues(string(actionType)).Observe(d.Seconds())
}

func (m *Metrics) RollbackFinished(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.RollbacksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RiskAssessed(level models.RiskLevel) {
	if m == nil {
		return
	}
	m.RiskAssessments.WithLabelValues(level.String()).Inc()
}

// BreakerStateChanged matches gobreaker.Settings.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, from, to gobreaker.State) {
	if m == nil {
		return
	}
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}
