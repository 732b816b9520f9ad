package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/events"
	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/plan"
	"github.com/felixgeelhaar/legacyguard/internal/policy"
	"github.com/felixgeelhaar/legacyguard/internal/repoinfo"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
)

// DefaultRetention is how long finished orchestrations stay queryable.
const DefaultRetention = time.Hour

// Submission is an orchestration request as received from a client.
type Submission struct {
	Request         string                  `json:"request"`
	Context         string                  `json:"context,omitempty"`
	RepoPath        string                  `json:"repoPath,omitempty"`
	Sandbox         *sandbox.Config         `json:"sandbox,omitempty"`
	ExecutionPolicy *policy.ExecutionPolicy `json:"executionPolicy,omitempty"`
	// Playbook, when set, replaces plan generation for this orchestration.
	Playbook string `json:"playbook,omitempty"`
}

// ServiceOptions configure a Service.
type ServiceOptions struct {
	// BasePolicy is merged under every submitted execution policy.
	BasePolicy policy.ExecutionPolicy
	// Retention bounds how long terminal orchestrations are kept in memory.
	Retention time.Duration
	// SkipRepoScan disables repository inspection for submissions with a repoPath.
	SkipRepoScan bool
}

// Service is the registry of live orchestrations.
type Service struct {
	deps   Deps
	opts   ServiceOptions
	logger *log.Logger
	newID  func() string

	mu             sync.RWMutex
	orchestrations map[string]*Orchestrator

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a Service. Background work runs on a context that is
// canceled by Shutdown, not on the context of the submitting request.
func NewService(deps Deps, opts ServiceOptions) *Service {
	deps = deps.withDefaults()
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:           deps,
		opts:           opts,
		logger:         deps.Logger.WithComponent("service"),
		newID:          uuid.NewString,
		orchestrations: make(map[string]*Orchestrator),
		baseCtx:        ctx,
		cancel:         cancel,
	}
}

// Events returns the broker every orchestration publishes to.
func (s *Service) Events() *events.Broker {
	return s.deps.Events
}

// Create validates sub and registers a new orchestration without starting it.
func (s *Service) Create(ctx context.Context, sub Submission) (*Orchestrator, error) {
	input, err := s.prepare(ctx, sub)
	if err != nil {
		return nil, err
	}
	deps := s.deps
	if input.Playbook != nil {
		deps.Planner = plan.NewPlanner(plan.NewPlaybookGenerator(input.Playbook), deps.Logger)
	}
	o := New(s.newID(), input, deps)

	s.mu.Lock()
	s.orchestrations[o.ID()] = o
	s.mu.Unlock()
	return o, nil
}

// Submit creates an orchestration and runs it in the background.
func (s *Service) Submit(ctx context.Context, sub Submission) (string, error) {
	o, err := s.Create(ctx, sub)
	if err != nil {
		return "", err
	}
	s.spawn(o, o.Start)
	return o.ID(), nil
}

// Approve grants the pending approval of id and resumes it in the background.
func (s *Service) Approve(ctx context.Context, id string) (State, error) {
	o, err := s.Lookup(id)
	if err != nil {
		return State{}, err
	}
	if err := o.Grant(ctx); err != nil {
		return o.State(), err
	}
	s.spawn(o, o.Resume)
	return o.State(), nil
}

// Lookup returns the orchestration with id.
func (s *Service) Lookup(id string) (*Orchestrator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orchestrations[id]
	if !ok {
		return nil, errors.NewOrchestrationNotFoundError(id)
	}
	return o, nil
}

// Get returns a snapshot of id's state.
func (s *Service) Get(id string) (State, error) {
	o, err := s.Lookup(id)
	if err != nil {
		return State{}, err
	}
	return o.State(), nil
}

// List returns snapshots of every known orchestration, oldest first.
func (s *Service) List() []State {
	s.mu.RLock()
	out := make([]State, 0, len(s.orchestrations))
	for _, o := range s.orchestrations {
		out = append(out, o.State())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Sweep expires approvals past their deadline and drops terminal
// orchestrations older than the retention window.
func (s *Service) Sweep(ctx context.Context) (expired, removed int) {
	now := s.deps.Now()

	s.mu.RLock()
	all := make([]*Orchestrator, 0, len(s.orchestrations))
	for _, o := range s.orchestrations {
		all = append(all, o)
	}
	s.mu.RUnlock()

	for _, o := range all {
		if deadline, ok := o.approvalDeadline(); ok && now.After(deadline) {
			if err := o.Expire(ctx); err == nil {
				expired++
			}
		}
	}

	for _, o := range all {
		st := o.State()
		if !st.Status.Terminal() || st.FinishedAt == nil || now.Sub(*st.FinishedAt) < s.opts.Retention {
			continue
		}
		s.mu.Lock()
		delete(s.orchestrations, o.ID())
		s.mu.Unlock()
		s.deps.Events.Forget(o.ID())
		removed++
	}

	if expired > 0 || removed > 0 {
		s.logger.Info("sweep finished", "expired", expired, "removed", removed)
	}
	return expired, removed
}

// RunJanitor calls Sweep every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Shutdown cancels running orchestrations and waits for them to stop.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for orchestrations: %w", ctx.Err())
	}
}

// Wait blocks until no background run is in flight.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) spawn(o *Orchestrator, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(s.baseCtx); err != nil {
			s.logger.Warn("orchestration stopped with error",
				"orchestration_id", o.ID(),
				"error", errors.Brief(err),
			)
		}
	}()
}

func (s *Service) prepare(ctx context.Context, sub Submission) (Input, error) {
	request := strings.TrimSpace(sub.Request)
	if request == "" {
		return Input{}, errors.NewInvalidRequestError("request is required")
	}

	pol := s.opts.BasePolicy
	if sub.ExecutionPolicy != nil {
		pol = pol.Merge(*sub.ExecutionPolicy)
	}
	if err := pol.Validate(); err != nil {
		return Input{}, errors.Wrap(errors.ErrCodeInvalidRequest, "invalid executionPolicy", err)
	}

	input := Input{
		Request:  request,
		Context:  sub.Context,
		RepoPath: sub.RepoPath,
		Policy:   pol,
	}
	if strings.TrimSpace(sub.Playbook) != "" {
		pb, err := plan.ParsePlaybook(sub.Playbook)
		if err != nil {
			return Input{}, errors.Wrap(errors.ErrCodeInvalidRequest, "invalid playbook", err)
		}
		input.Playbook = pb
	}

	if sub.Sandbox != nil {
		cfg := *sub.Sandbox
		if cfg.RepoPath == "" {
			cfg.RepoPath = sub.RepoPath
		}
		if err := cfg.Validate(); err != nil {
			return Input{}, err
		}
		input.Sandbox = &cfg
		if input.RepoPath == "" {
			input.RepoPath = cfg.RepoPath
		}
	}

	if input.RepoPath != "" && !s.opts.SkipRepoScan {
		info, err := repoinfo.Inspect(ctx, input.RepoPath, repoinfo.Options{})
		if err != nil {
			return Input{}, errors.NewInvalidRequestError(err.Error())
		}
		input.Repo = info
		input.RepoPath = info.Path
	}
	return input, nil
}
