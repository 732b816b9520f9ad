package cmd

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/felixgeelhaar/legacyguard/internal/agent"
	"github.com/felixgeelhaar/legacyguard/internal/audit"
	"github.com/felixgeelhaar/legacyguard/internal/checkpoint"
	"github.com/felixgeelhaar/legacyguard/internal/config"
	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/events"
	"github.com/felixgeelhaar/legacyguard/internal/health"
	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/metrics"
	"github.com/felixgeelhaar/legacyguard/internal/orchestrator"
	"github.com/felixgeelhaar/legacyguard/internal/plan"
	"github.com/felixgeelhaar/legacyguard/internal/policy"
	"github.com/felixgeelhaar/legacyguard/internal/provider"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
	"github.com/felixgeelhaar/legacyguard/internal/schedule"
	"github.com/felixgeelhaar/legacyguard/internal/version"
)

// stack is every collaborator of an orchestration service, built from config.
type stack struct {
	cfg        *config.Config
	logger     *log.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	runner     *sandbox.Runner
	broker     *events.Broker
	audit      *audit.BestEffort
	memory     *audit.Memory
	monitor    *health.Monitor
	archive    *checkpoint.Manager
	deps       orchestrator.Deps
	basePolicy policy.ExecutionPolicy

	closers []func() error
}

type stackOptions struct {
	// fixture forces the deterministic plan generator.
	fixture bool
	// planFile replays a saved plan instead of generating one.
	planFile string
	// playbookFile compiles a playbook instead of generating a plan.
	playbookFile string
	// external enables the NATS bridge and Postgres audit sink.
	external bool
	// auditDB enables only the Postgres audit sink.
	auditDB bool
}

func buildStack(ctx context.Context, cfg *config.Config, logger *log.Logger, opts stackOptions) (st *stack, err error) {
	st = &stack{cfg: cfg, logger: logger, monitor: health.NewMonitor(version.Version)}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	if opts.external {
		st.registry, st.metrics = metrics.NewProcessRegistry()
	} else {
		st.registry, st.metrics = metrics.NewRegistry()
	}

	generator, err := buildGenerator(cfg, opts, st.monitor)
	if err != nil {
		return nil, err
	}

	cyclePolicy, err := schedule.ParseCyclePolicy(cfg.Orchestrator.CyclePolicy)
	if err != nil {
		return nil, err
	}

	allowlist := cfg.Sandbox.ImageAllowlist
	if cfg.Orchestrator.PolicyFile != "" {
		p, err := policy.LoadPolicy(cfg.Orchestrator.PolicyFile)
		if err != nil {
			return nil, err
		}
		st.basePolicy = p.Execution
		allowlist = append(append([]string(nil), allowlist...), p.ImageAllowlist...)
	}

	var images *sandbox.ImagePolicy
	if len(allowlist) > 0 {
		images = sandbox.NewImagePolicy(allowlist)
	}
	st.runner = sandbox.NewRunner(sandbox.Options{
		Detector:    cfg.Detector(),
		Limits:      cfg.ContainerLimits(),
		Images:      images,
		MaxParallel: cfg.Sandbox.MaxParallel,
		OnResult:    st.metrics.RecordSandboxResult,
		Logger:      logger,
	})
	st.monitor.Add(health.NewRuntimeChecker(st.runner))

	var bridge events.Publisher
	if opts.external && cfg.Events.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.Events.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, nc.Drain)
		bridge = events.NewNATSBridge(nc, cfg.Events.NATSSubjectPrefix)
		st.monitor.Add(health.NewPingChecker("nats", natsPing(nc)).Optional())
	}
	st.broker = events.NewBroker(events.Options{
		HistorySize:      cfg.Events.HistorySize,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		Bridge:           bridge,
		Logger:           logger,
	})

	sinks, err := st.auditSinks(ctx, opts.external || opts.auditDB)
	if err != nil {
		return nil, err
	}
	st.audit = audit.NewBestEffort(logger, sinks...)

	st.deps = orchestrator.Deps{
		Planner:         plan.NewPlanner(generator, logger),
		Scheduler:       schedule.New(cyclePolicy, logger),
		Agents:          agent.NewDefaultRegistry(agent.Options{CreateBranches: cfg.Orchestrator.CreateBranches, Logger: logger}),
		Sandbox:         st.runner,
		Events:          st.broker,
		Audit:           st.audit,
		Metrics:         st.metrics,
		Logger:          logger,
		MaxConcurrency:  cfg.Orchestrator.MaxConcurrency,
		ApprovalTTL:     cfg.Orchestrator.ApprovalTTL,
		SandboxDefaults: cfg.SandboxDefaults(""),
	}
	if cfg.Orchestrator.ArchiveDir != "" {
		st.archive = checkpoint.NewManager(cfg.Orchestrator.ArchiveDir)
		st.deps.Archive = st.archive
	}
	return st, nil
}

func (st *stack) auditSinks(ctx context.Context, external bool) ([]audit.Sink, error) {
	st.memory = audit.NewMemory(st.cfg.Audit.MemoryCapacity)
	sinks := []audit.Sink{st.memory}

	if st.cfg.Audit.Dir != "" {
		f, err := audit.NewFile(st.cfg.Audit.Dir)
		if err != nil {
			return nil, fmt.Errorf("open audit dir: %w", err)
		}
		st.closers = append(st.closers, f.Close)
		sinks = append(sinks, f)
	}

	if external && st.cfg.Audit.DatabaseURL != "" {
		pg, err := audit.OpenPostgres(ctx, audit.DefaultPostgresConfig(st.cfg.Audit.DatabaseURL.Value()))
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		st.closers = append(st.closers, pg.Close)
		sinks = append(sinks, pg)
		st.monitor.Add(health.NewPingChecker("audit-db", pg))
	}
	return sinks, nil
}

func buildGenerator(cfg *config.Config, opts stackOptions, monitor *health.Monitor) (plan.Generator, error) {
	if opts.planFile != "" {
		return plan.NewFileGenerator(opts.planFile), nil
	}
	if opts.playbookFile != "" {
		pb, err := plan.LoadPlaybook(opts.playbookFile)
		if err != nil {
			return nil, errors.NewPlanParseError(err)
		}
		return plan.NewPlaybookGenerator(pb), nil
	}
	if opts.fixture || cfg.Planner.Mode == config.PlannerFixture {
		return plan.NewFixtureGenerator(), nil
	}
	client, err := provider.New(provider.Config{
		Name:    cfg.Planner.Provider,
		BaseURL: cfg.Planner.BaseURL,
		Model:   cfg.Planner.Model,
		APIKey:  cfg.Planner.APIKey.Value(),
		Timeout: cfg.Planner.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("planner provider: %w", err)
	}
	monitor.Add(health.NewPingChecker("planner", health.PingFunc(client.Health)).Optional())
	return plan.NewProviderGenerator(client, cfg.Planner.Model), nil
}

func natsPing(nc *nats.Conn) health.PingFunc {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	}
}

// Close releases external connections in reverse order of acquisition.
func (st *stack) Close() error {
	var errs []error
	for i := len(st.closers) - 1; i >= 0; i-- {
		errs = append(errs, st.closers[i]())
	}
	st.closers = nil
	return stderrors.Join(errs...)
}
