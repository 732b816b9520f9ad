package health

import (
	"context"

	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
)

// RuntimeSource reports the container runtime, e.g. *sandbox.Runner.
type RuntimeSource interface {
	Runtime(ctx context.Context) sandbox.RuntimeInfo
}

// RuntimeChecker reports the container runtime used for sandbox validation.
// Missing runtimes are degraded, not unhealthy: sandbox runs fall back to
// the native tier.
type RuntimeChecker struct {
	source RuntimeSource
}

func NewRuntimeChecker(source RuntimeSource) *RuntimeChecker {
	return &RuntimeChecker{source: source}
}

func (c *RuntimeChecker) Name() string { return "container-runtime" }

func (c *RuntimeChecker) Check(ctx context.Context) *Result {
	info := c.source.Runtime(ctx)
	if !info.Available {
		return Degraded("no container runtime; sandbox runs use the native tier")
	}
	return Healthy(info.Name+" is running").
		WithDetail("path", info.Path).
		WithDetail("version", info.Version)
}

// Pinger is anything that can verify its connection, e.g. *audit.Postgres or a
// provider client's Health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// PingChecker turns a Pinger into a Checker. A failed ping reports the
// configured status.
type PingChecker struct {
	name   string
	pinger Pinger
	onFail Status
}

// NewPingChecker creates a checker that reports unhealthy on failure.
func NewPingChecker(name string, p Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: p, onFail: StatusUnhealthy}
}

// Optional downgrades failures to degraded.
func (c *PingChecker) Optional() *PingChecker {
	c.onFail = StatusDegraded
	return c
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) *Result {
	if err := c.pinger.Ping(ctx); err != nil {
		return NewResult(c.onFail, c.name+" unreachable").WithDetail("error", err.Error())
	}
	return Healthy(c.name + " reachable")
}
