// Package server exposes orchestrations over HTTP.
//
// Submissions, approvals and state snapshots are JSON endpoints under
// /api/v1. Progress and sandbox output are streamed as server-sent events.
// Health endpoints and Prometheus metrics sit at the root.
package server

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/felixgeelhaar/legacyguard/internal/audit"
	"github.com/felixgeelhaar/legacyguard/internal/health"
	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/metrics"
	"github.com/felixgeelhaar/legacyguard/internal/orchestrator"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 15 * time.Second

// Config holds listener and limit settings.
type Config struct {
	Address         string
	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
	Heartbeat       time.Duration
	// TrustedProxies lists CIDRs whose X-Forwarded-For is believed. Empty means
	// the client address is always the socket peer.
	TrustedProxies []string
	// IncidentRepoPath is the repository incident remediations run against when
	// the webhook body does not name one.
	IncidentRepoPath string
}

// CapabilityReporter reports sandbox isolation tiers, e.g. *sandbox.Runner.
type CapabilityReporter interface {
	Capabilities(ctx context.Context, runnerPath string) sandbox.Capabilities
}

// Deps are the collaborators behind the routes. Service is required.
type Deps struct {
	Service    *orchestrator.Service
	Sandbox    CapabilityReporter
	RunnerPath string
	Monitor    *health.Monitor
	Gatherer   prometheus.Gatherer
	Metrics    *metrics.Metrics
	Audit      audit.Querier
	Logger     *log.Logger
}

// Server is the HTTP front end.
type Server struct {
	cfg     Config
	deps    Deps
	echo    *echo.Echo
	logger  *log.Logger
	limiter *ipLimiter

	done     chan struct{}
	stopOnce sync.Once
}

// New builds the server and registers every route.
func New(cfg Config, deps Deps) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = log.Discard()
	}
	if deps.Monitor == nil {
		deps.Monitor = health.NewMonitor("")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = ipExtractor(cfg.TrustedProxies, deps.Logger)

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		echo:    e,
		logger:  deps.Logger.WithComponent("http"),
		limiter: newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		done:    make(chan struct{}),
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.accessLog)

	s.routes()
	return s
}

func ipExtractor(trusted []string, logger *log.Logger) echo.IPExtractor {
	if len(trusted) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, cidr := range trusted {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("ignoring invalid trusted proxy", "cidr", cidr, "error", err)
			continue
		}
		opts = append(opts, echo.TrustIPRange(ipNet))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

func (s *Server) routes() {
	s.echo.GET("/health/live", s.handleLive)
	s.echo.GET("/health/ready", s.handleReady)
	if s.deps.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.HandlerFor(s.deps.Gatherer)))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/orchestrations", s.handleSubmit, s.rateLimit)
	v1.POST("/orchestrations/approve", s.handleApprove)
	v1.GET("/orchestrations", s.handleList)
	v1.GET("/orchestrations/:id", s.handleGet)
	v1.GET("/orchestrations/:id/stream", s.handleStream)
	v1.GET("/logs", s.handleLogs)
	v1.GET("/sandbox/capabilities", s.handleCapabilities)
	v1.GET("/audit", s.handleAudit)
	v1.POST("/playbooks", s.handlePlaybook)
	v1.POST("/incidents", s.handleIncident, s.rateLimit)
	v1.POST("/incidents/:source", s.handleIncident, s.rateLimit)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "address", s.cfg.Address)
	if err := s.echo.Start(s.cfg.Address); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown fails readiness, ends open event streams and drains requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Monitor.MarkShutdown()
	s.stopOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		req := c.Request()
		status := c.Response().Status
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		s.deps.Metrics.RecordHTTPRequest(req.Method, route, status)

		attrs := []any{
			"method", req.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed", attrs...)
		} else {
			s.logger.Debug("request served", attrs...)
		}
		return nil
	}
}
