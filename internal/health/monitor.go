package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 5 * time.Second

// Monitor runs registered checkers for readiness and tracks shutdown
// for liveness and readiness.
type Monitor struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration

	version    string
	started    time.Time
	inShutdown atomic.Bool
	now        func() time.Time
}

// Report is the body served by the health endpoints.
type Report struct {
	Status    Status             `json:"status"`
	Version   string             `json:"version,omitempty"`
	Uptime    string             `json:"uptime"`
	Checks    map[string]*Result `json:"checks,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// NewMonitor creates Monitor reporting version.
func NewMonitor(version string) *Monitor {
	return &Monitor{
		timeout: DefaultCheckTimeout,
		version: version,
		started: time.Now(),
		now:     time.Now,
	}
}

// WithTimeout sets the per-check timeout.
func (p *Monitor) WithTimeout(d time.Duration) *Monitor {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
	return p
}

// Add registers a readiness checker.
func (p *Monitor) Add(c Checker) {
	p.mu.Lock()
	p.checkers = append(p.checkers, c)
	p.mu.Unlock()
}

// Names lists the registered checkers in registration order.
func (p *Monitor) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.checkers))
	for i, c := range p.checkers {
		names[i] = c.Name()
	}
	return names
}

// MarkShutdown makes readiness fail and liveness report degraded.
func (p *Monitor) MarkShutdown() {
	p.inShutdown.Store(true)
}

// ShuttingDown reports whether MarkShutdown was called.
func (p *Monitor) ShuttingDown() bool {
	return p.inShutdown.Load()
}

// Liveness reports whether the process is responsive. It runs no checks.
func (p *Monitor) Liveness(context.Context) *Report {
	status := StatusHealthy
	if p.ShuttingDown() {
		status = StatusDegraded
	}
	return p.result(status, nil)
}

// Readiness runs every checker in parallel and reports the worst status.
func (p *Monitor) Readiness(ctx context.Context) *Report {
	if p.ShuttingDown() {
		return p.result(StatusUnhealthy, nil)
	}
	checks := p.Check(ctx)
	return p.result(Worst(checks), checks)
}

// Check runs all checkers, each bounded by the configured timeout.
func (p *Monitor) Check(ctx context.Context) map[string]*Result {
	p.mu.RLock()
	checkers := append([]Checker(nil), p.checkers...)
	timeout := p.timeout
	p.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]*Result, len(checkers))
	)
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			r := c.Check(checkCtx)
			if r == nil {
				r = Unhealthy("check returned no result")
			}
			if r.Latency == 0 {
				r.Latency = time.Since(start)
			}

			mu.Lock()
			results[c.Name()] = r
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}

func (p *Monitor) result(status Status, checks map[string]*Result) *Report {
	now := p.now()
	return &Report{
		Status:    status,
		Version:   p.version,
		Uptime:    now.Sub(p.started).Round(time.Second).String(),
		Checks:    checks,
		Timestamp: now,
	}
}
