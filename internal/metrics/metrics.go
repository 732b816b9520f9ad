// Package metrics exposes Prometheus metrics for orchestrations, tasks,
// approvals and sandbox runs. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
)

// Metrics holds all Prometheus metrics for legacyguard
type Metrics struct {
	// Orchestration metrics
	Orchestrations        *prometheus.CounterVec
	OrchestrationsActive  prometheus.Gauge
	OrchestrationDuration *prometheus.HistogramVec

	// Plan generation metrics
	PlanGenerations *prometheus.CounterVec
	PlanDuration    *prometheus.HistogramVec
	PlanTaskCount   prometheus.Histogram
	ForcedWaves     prometheus.Counter

	// Task execution metrics
	TaskExecutions *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec

	// Approval metrics
	Approvals       *prometheus.CounterVec
	ApprovalLatency prometheus.Histogram

	// Sandbox metrics
	SandboxRuns     *prometheus.CounterVec
	SandboxDuration *prometheus.HistogramVec

	// Policy check metrics
	PolicyViolations *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests    *prometheus.CounterVec
	HTTPRateLimited prometheus.Counter

	// Error metrics (by error code from structured errors)
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Orchestrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legacyguard_orchestrations_total",
				Help: "Total number of orchestrations by final status",
			},
			[]string{"status"},
		),
		OrchestrationsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "legacyguard_orchestrations_active",
				Help: "Orchestrations not yet in a terminal state",
			},
		),
		OrchestrationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "legacyguard_orchestration_duration_seconds",
				Help:    "Orchestration duration from creation to terminal state",
				Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 86400},
			},
			[]string{"status"},
		),

		PlanGenerations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legacyguard_plan_generations_total",
				Help: "Total number of plan generations",
			},
			[]string{"generator", "success"},
		),
		PlanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "legacyguard_plan_duration_seconds",
				Help:    "Plan generation duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"generator"},
		),
		PlanTaskCount: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "legacyguard_plan_subtasks",
				Help:    "Number of subtasks per generated plan",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),
		ForcedWaves: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "legacyguard_forced_waves_total",
				Help: "Waves forced to break a dependency cycle",
			},
		),

		TaskExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legacyguard_task_executions_total",
				Help: "Total number of subtask outcomes",
			},
			[]string{"role", "status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "legacyguard_task_duration_seconds",
				Help:    "Subtask execution duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0, 600.0},
			},
			[]string{"role"},
		),

		Approvals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legacyguard_approvals_total",
				Help: "Approval gate transitions",
			},
			[]string{"outcome"},
		),
		ApprovalLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "legacyguard_approval_latency_seconds",
				Help:    "Time between an approval request and its grant",
				Buckets: []float64{1.0, 10.0, 60.0, 300.0, 1800.0, 3600.0, 21600.0, 86400.0},
			},
		),

		SandboxRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legacyguard_sandbox_runs_total",
				Help: "Total number of sandbox runs",
			},
			[]string{"method", "outcome"},
		),
		SandboxDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "legacyguard_sandbox_duration_seconds",
				Help:    "Sandbox run duration in seconds",
				Buckets: []float64{0.1, 1.0, 5.0, 30.0, 60.0, 300.0, 900.0, 1800.0},
			},
			[]string{"method"},
		),

		PolicyViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legacyguard_policy_violations_total",
				Help: "Tasks refused by the execution policy",
			},
			[]string{"error_code"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legacyguard_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "legacyguard_http_rate_limited_total",
				Help: "Submissions rejected by the rate limiter",
			},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legacyguard_errors_total",
				Help: "Total number of errors by error code",
			},
			[]string{"error_code", "component"},
		),
	}
}

// Sandbox run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeWarned  = "warned"
	OutcomeTimeout = "timeout"
)

// RecordOrchestrationStarted counts a new active orchestration.
func (m *Metrics) RecordOrchestrationStarted() {
	if m == nil {
		return
	}
	m.OrchestrationsActive.Inc()
}

// RecordOrchestrationFinished records a terminal status.
func (m *Metrics) RecordOrchestrationFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.OrchestrationsActive.Dec()
	m.Orchestrations.WithLabelValues(status).Inc()
	m.OrchestrationDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordPlan records one plan generation.
func (m *Metrics) RecordPlan(generator string, subtasks int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.PlanGenerations.WithLabelValues(generator, boolLabel(err == nil)).Inc()
	m.PlanDuration.WithLabelValues(generator).Observe(d.Seconds())
	if err == nil {
		m.PlanTaskCount.Observe(float64(subtasks))
	} else {
		m.RecordError(err, "planner")
	}
}

// RecordForcedWave counts a cycle-breaking wave.
func (m *Metrics) RecordForcedWave() {
	if m == nil {
		return
	}
	m.ForcedWaves.Inc()
}

// RecordTask records a subtask outcome.
func (m *Metrics) RecordTask(role, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskExecutions.WithLabelValues(role, status).Inc()
	if d > 0 {
		m.TaskDuration.WithLabelValues(role).Observe(d.Seconds())
	}
}

// RecordApproval counts an approval transition: requested, granted or expired.
func (m *Metrics) RecordApproval(outcome string) {
	if m == nil {
		return
	}
	m.Approvals.WithLabelValues(outcome).Inc()
}

// RecordApprovalLatency observes how long a grant took.
func (m *Metrics) RecordApprovalLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ApprovalLatency.Observe(d.Seconds())
}

// RecordSandboxResult records a finished sandbox run. It matches the
// sandbox runner's OnResult hook.
func (m *Metrics) RecordSandboxResult(r sandbox.Result) {
	if m == nil {
		return
	}
	method := string(r.Method)
	m.SandboxRuns.WithLabelValues(method, SandboxOutcome(r)).Inc()
	m.SandboxDuration.WithLabelValues(method).Observe(time.Duration(r.DurationMs * int64(time.Millisecond)).Seconds())
}

// SandboxOutcome classifies a result for the outcome label.
func SandboxOutcome(r sandbox.Result) string {
	switch {
	case r.Error == sandbox.TimeoutError:
		return OutcomeTimeout
	case r.Warned:
		return OutcomeWarned
	case r.Success:
		return OutcomeSuccess
	default:
		return OutcomeFailure
	}
}

// RecordPolicyViolation counts a refused task.
func (m *Metrics) RecordPolicyViolation(err error) {
	if m == nil {
		return
	}
	m.PolicyViolations.WithLabelValues(codeLabel(err)).Inc()
}

// RecordHTTPRequest counts one served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusLabel(status)).Inc()
}

// RecordRateLimited counts a rejected submission.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.HTTPRateLimited.Inc()
}

// RecordError counts err under its structured code.
func (m *Metrics) RecordError(err error, component string) {
	if m == nil || err == nil {
		return
	}
	m.Errors.WithLabelValues(codeLabel(err), component).Inc()
}

func codeLabel(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return string(code)
	}
	return "unknown"
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
