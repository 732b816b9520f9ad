// Package health aggregates dependency checks into liveness and readiness reports.
//
//	monitor := health.NewMonitor(version.Version)
//	monitor.Add(health.NewRuntimeChecker(runner))
//	monitor.Add(health.NewPingChecker("audit-db", pg))
//	result := monitor.Readiness(ctx)
package health

import (
	"context"
	"time"
)

// Checker verifies one dependency.
type Checker interface {
	// Name is lowercase with hyphens, e.g. "container-runtime".
	Name() string
	// Check must respect the context deadline.
	Check(ctx context.Context) *Result
}

// Status of a check or report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is the outcome of a single check.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latencyNs"`
}

// NewResult creates a Result.
func NewResult(status Status, message string) *Result {
	return &Result{Status: status, Message: message, Details: map[string]any{}}
}

// WithDetail adds a detail and returns r.
func (r *Result) WithDetail(key string, value any) *Result {
	r.Details[key] = value
	return r
}

func Healthy(message string) *Result   { return NewResult(StatusHealthy, message) }
func Degraded(message string) *Result  { return NewResult(StatusDegraded, message) }
func Unhealthy(message string) *Result { return NewResult(StatusUnhealthy, message) }

// Worst returns the most severe status in results. An empty set is healthy.
func Worst(results map[string]*Result) Status {
	status := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}
