package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/legacyguard/internal/agent"
	"github.com/felixgeelhaar/legacyguard/internal/audit"
	"github.com/felixgeelhaar/legacyguard/internal/domain"
	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/events"
	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/metrics"
	"github.com/felixgeelhaar/legacyguard/internal/plan"
	"github.com/felixgeelhaar/legacyguard/internal/policy"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
	"github.com/felixgeelhaar/legacyguard/internal/schedule"
)

const (
	// DefaultMaxConcurrency bounds how many tasks of one wave run at once.
	DefaultMaxConcurrency = 4
	// DefaultApprovalTTL is how long a pending approval stays valid.
	DefaultApprovalTTL = 24 * time.Hour
)

// SandboxRunner runs validation commands. *sandbox.Runner implements it.
type SandboxRunner interface {
	Run(ctx context.Context, cfg sandbox.Config, sink sandbox.LogSink) sandbox.Result
}

// Archiver stores state snapshots. *checkpoint.Manager implements it.
type Archiver interface {
	Save(id, status, reason string, state any) error
}

// Deps are the collaborators shared by every orchestration.
type Deps struct {
	Planner   *plan.Planner
	Scheduler *schedule.Scheduler
	Agents    *agent.Registry
	Sandbox   SandboxRunner
	Events    *events.Broker
	Audit     *audit.BestEffort
	Metrics   *metrics.Metrics
	Archive   Archiver
	Logger    *log.Logger

	MaxConcurrency int
	ApprovalTTL    time.Duration
	// SandboxDefaults is used for executor validation when a request carries
	// no sandbox configuration of its own.
	SandboxDefaults sandbox.Config
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = log.Discard()
	}
	if d.Planner == nil {
		d.Planner = plan.NewPlanner(plan.NewFixtureGenerator(), d.Logger)
	}
	if d.Scheduler == nil {
		d.Scheduler = schedule.New(schedule.CycleForce, d.Logger)
	}
	if d.Agents == nil {
		d.Agents = agent.NewDefaultRegistry(agent.Options{Logger: d.Logger})
	}
	if d.Sandbox == nil {
		d.Sandbox = sandbox.NewRunner(sandbox.Options{Logger: d.Logger})
	}
	if d.Events == nil {
		d.Events = events.NewBroker(events.Options{Logger: d.Logger})
	}
	if d.Audit == nil {
		d.Audit = audit.NewBestEffort(d.Logger)
	}
	if d.MaxConcurrency <= 0 {
		d.MaxConcurrency = DefaultMaxConcurrency
	}
	if d.ApprovalTTL <= 0 {
		d.ApprovalTTL = DefaultApprovalTTL
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Input is one orchestration request after validation.
type Input struct {
	Request  string
	Context  string
	RepoPath string
	Repo     *domain.RepoInfo
	// Sandbox set explicitly turns on validation for every risk-bearing task.
	Sandbox *sandbox.Config
	Policy  policy.ExecutionPolicy
	// Playbook replaces the planner's generator when set.
	Playbook *plan.Playbook
}

// Orchestrator runs a single orchestration. Its state is written only by its
// own execution loop; readers get copies through State.
type Orchestrator struct {
	id     string
	input  Input
	deps   Deps
	logger *log.Logger

	mu    sync.Mutex
	state State
	waves []schedule.Wave
}

// New creates an orchestration in the created state.
func New(id string, input Input, deps Deps) *Orchestrator {
	deps = deps.withDefaults()
	deps.Events.Open(id)
	now := deps.Now()
	return &Orchestrator{
		id:     id,
		input:  input,
		deps:   deps,
		logger: deps.Logger.WithComponent("orchestrator").WithOrchestration(id),
		state: State{
			ID:        id,
			Status:    StatusCreated,
			Request:   input.Request,
			Context:   input.Context,
			RepoPath:  input.RepoPath,
			Results:   map[string]TaskOutcome{},
			Policy:    input.Policy,
			Sandbox:   input.Sandbox,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// ID returns the orchestration id.
func (o *Orchestrator) ID() string { return o.id }

// State returns a snapshot of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Status returns the current status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Status
}

// Start plans the request and runs waves until the orchestration completes,
// fails or pauses for approval. The returned error is the structural failure
// that moved the orchestration to failed; task failures are recorded, not returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.transition(StatusPlanning); err != nil {
		return err
	}
	o.deps.Metrics.RecordOrchestrationStarted()
	o.deps.Audit.Record(ctx, audit.ActionOrchestrationStarted, audit.SeverityInfo, "orchestration started", map[string]any{
		"orchestrationId": o.id,
		"request":         o.input.Request,
		"repoPath":        o.input.RepoPath,
	})
	o.logger.Info("orchestration started", "request", o.input.Request)

	began := o.deps.Now()
	p, err := o.deps.Planner.Plan(ctx, plan.Request{Text: o.input.Request, Context: o.input.Context, Repo: o.input.Repo})
	subtasks := 0
	if p != nil {
		subtasks = len(p.Subtasks)
	}
	o.deps.Metrics.RecordPlan(o.deps.Planner.Generator().Name(), subtasks, o.deps.Now().Sub(began), err)
	if err != nil {
		return o.fail(ctx, err)
	}

	waves, err := o.deps.Scheduler.Schedule(p.Subtasks)
	if err != nil {
		return o.fail(ctx, err)
	}

	ids := make([][]string, len(waves))
	var forced []int
	for i, w := range waves {
		ids[i] = w.IDs()
		if w.Forced {
			forced = append(forced, w.Index)
			o.deps.Metrics.RecordForcedWave()
		}
	}

	o.mu.Lock()
	o.waves = waves
	o.state.Plan = p
	o.state.Waves = ids
	o.state.ForcedWaves = forced
	o.mu.Unlock()

	o.publish(events.New(events.TypePlan, o.id, p.Summary).
		WithData("planId", p.ID).
		WithData("summary", p.Summary).
		WithData("riskLevel", p.RiskLevel).
		WithData("requiresApproval", p.RequiresApproval).
		WithData("fingerprint", p.Fingerprint).
		WithData("subtasks", p.Subtasks).
		WithData("waves", ids))
	o.deps.Audit.Record(ctx, audit.ActionPlanGenerated, audit.SeverityInfo, "plan generated", map[string]any{
		"orchestrationId": o.id,
		"planId":          p.ID,
		"fingerprint":     p.Fingerprint,
		"riskLevel":       string(p.RiskLevel),
		"subtasks":        len(p.Subtasks),
		"waves":           len(waves),
	})

	if err := o.transition(StatusExecuting); err != nil {
		return o.fail(ctx, err)
	}
	return o.execute(ctx)
}

// Approve grants the pending approval and resumes execution in the paused wave.
func (o *Orchestrator) Approve(ctx context.Context) error {
	if err := o.Grant(ctx); err != nil {
		return err
	}
	return o.Resume(ctx)
}

// Grant records approval of the pending task without resuming execution.
// Approving after the deadline expires the orchestration and returns ORCH-003.
func (o *Orchestrator) Grant(ctx context.Context) error {
	now := o.deps.Now()

	o.mu.Lock()
	status := o.state.Status
	switch {
	case status == StatusExpired:
		o.mu.Unlock()
		return errors.NewOrchestrationExpiredError(o.id)
	case status != StatusWaitingApproval:
		o.mu.Unlock()
		return errors.NewNotWaitingApprovalError(o.id, string(status))
	case now.After(o.state.PendingApproval.ExpiresAt):
		o.mu.Unlock()
		_ = o.Expire(ctx)
		return errors.NewOrchestrationExpiredError(o.id)
	}
	pending := *o.state.PendingApproval
	o.state.Approved = append(o.state.Approved, pending.TaskID)
	o.state.PendingApproval = nil
	if err := o.state.transition(StatusExecuting, now); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.publish(events.New(events.TypeApprovalGranted, o.id, fmt.Sprintf("Approval granted for task %s", pending.TaskID)).
		WithTask(pending.TaskID).
		WithWave(pending.WaveIndex).
		WithData("role", pending.Role))
	o.deps.Audit.Record(ctx, audit.ActionApprovalGranted, audit.SeverityInfo, "approval granted", map[string]any{
		"orchestrationId": o.id,
		"taskId":          pending.TaskID,
		"role":            string(pending.Role),
		"planFingerprint": pending.Fingerprint,
	})
	o.deps.Metrics.RecordApproval("granted")
	o.deps.Metrics.RecordApprovalLatency(now.Sub(pending.RequestedAt))
	o.logger.Info("approval granted", "task_id", pending.TaskID)
	return nil
}

// Resume continues execution after Grant.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if s := o.Status(); s != StatusExecuting {
		return errors.New(errors.ErrCodeInvalidTransition, fmt.Sprintf("orchestration %s cannot resume from %s", o.id, s))
	}
	return o.execute(ctx)
}

// Expire moves a paused orchestration to expired and closes its event channel.
// Expiring an already expired orchestration is a no-op.
func (o *Orchestrator) Expire(ctx context.Context) error {
	now := o.deps.Now()

	o.mu.Lock()
	if o.state.Status == StatusExpired {
		o.mu.Unlock()
		return nil
	}
	if o.state.Status != StatusWaitingApproval {
		status := o.state.Status
		o.mu.Unlock()
		return errors.NewNotWaitingApprovalError(o.id, string(status))
	}
	if err := o.state.transition(StatusExpired, now); err != nil {
		o.mu.Unlock()
		return err
	}
	pending := *o.state.PendingApproval
	o.state.Error = fmt.Sprintf("approval for task %s expired", pending.TaskID)
	snapshot := o.state.clone()
	o.mu.Unlock()

	o.publish(events.New(events.TypeOrchestrationExpired, o.id, snapshot.Error).
		WithTask(pending.TaskID).
		WithWave(pending.WaveIndex).
		WithData("expiresAt", pending.ExpiresAt))
	o.deps.Audit.Record(ctx, audit.ActionOrchestrationExpired, audit.SeverityWarning, snapshot.Error, map[string]any{
		"orchestrationId": o.id,
		"taskId":          pending.TaskID,
		"requestedAt":     pending.RequestedAt.Format(time.RFC3339),
	})
	o.deps.Metrics.RecordApproval("expired")
	o.deps.Metrics.RecordOrchestrationFinished(string(StatusExpired), now.Sub(snapshot.CreatedAt))
	o.logger.Warn("orchestration expired", "task_id", pending.TaskID)
	o.archive(snapshot, snapshot.Error)
	o.deps.Events.Close(o.id)
	return nil
}

// approvalDeadline returns the pending approval's expiry when paused.
func (o *Orchestrator) approvalDeadline() (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Status != StatusWaitingApproval || o.state.PendingApproval == nil {
		return time.Time{}, false
	}
	return o.state.PendingApproval.ExpiresAt, true
}

func (o *Orchestrator) execute(ctx context.Context) error {
	for {
		o.mu.Lock()
		idx := o.state.CurrentWaveIndex
		o.mu.Unlock()

		if idx >= len(o.waves) {
			return o.complete(ctx)
		}
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, fmt.Errorf("orchestration canceled: %w", err))
		}

		paused, err := o.runWave(ctx, o.waves[idx])
		if err != nil {
			return o.fail(ctx, err)
		}
		if paused {
			return nil
		}

		o.mu.Lock()
		o.state.CurrentWaveIndex = idx + 1
		o.mu.Unlock()
	}
}

// runWave dispatches every unresolved task of wave. It stops dispatching at
// the first task that needs approval, waits for the tasks already running and
// reports paused.
func (o *Orchestrator) runWave(ctx context.Context, wave schedule.Wave) (bool, error) {
	resumed := o.waveStarted(wave)
	o.publish(events.New(events.TypeWaveStart, o.id, fmt.Sprintf("Wave %d: %s", wave.Index+1, strings.Join(wave.IDs(), ", "))).
		WithWave(wave.Index).
		WithData("tasks", wave.IDs()).
		WithData("forced", wave.Forced).
		WithData("resumed", resumed))

	var g errgroup.Group
	g.SetLimit(o.deps.MaxConcurrency)

	for _, st := range wave.Tasks {
		if o.resolved(st.ID) {
			continue
		}
		if dep, blocked := o.failedDependency(st); blocked {
			o.block(ctx, wave.Index, st, dep)
			continue
		}
		if kw, forbidden := o.input.Policy.ForbiddenKeyword(st.Description); forbidden {
			o.deny(ctx, wave.Index, st, kw)
			continue
		}
		if reason := o.approvalReason(st); reason != "" && !o.isApproved(st.ID) {
			_ = g.Wait()
			return true, o.pause(ctx, wave.Index, st, reason)
		}
		g.Go(func() error {
			o.runTask(ctx, wave.Index, st)
			return nil
		})
	}
	_ = g.Wait()
	return false, nil
}

func (o *Orchestrator) waveStarted(wave schedule.Wave) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, st := range wave.Tasks {
		if _, ok := o.state.Results[st.ID]; ok || o.state.approved(st.ID) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) resolved(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.state.Results[taskID]
	return ok
}

func (o *Orchestrator) isApproved(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.approved(taskID)
}

// failedDependency returns the first dependency that finished without completing.
// Dependencies with no outcome yet (a broken cycle) do not block.
func (o *Orchestrator) failedDependency(st plan.SubTask) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, dep := range st.Dependencies {
		if r, ok := o.state.Results[dep]; ok && r.Status != OutcomeCompleted {
			return dep, true
		}
	}
	return "", false
}

func (o *Orchestrator) approvalReason(st plan.SubTask) string {
	if reason := o.input.Policy.ApprovalReason(st.Agent); reason != "" {
		return reason
	}
	o.mu.Lock()
	p := o.state.Plan
	o.mu.Unlock()
	if p != nil && p.RequiresApproval && st.Type.Modifies() {
		return fmt.Sprintf("plan with %s risk requires approval before %s tasks", p.RiskLevel, st.Type)
	}
	return ""
}

// needsValidation reports whether st runs behind a sandbox check: always for
// the executor, and for tasks that change or test code when the request
// carried its own sandbox configuration.
func (o *Orchestrator) needsValidation(st plan.SubTask) bool {
	if st.Agent.RequiresValidation() {
		return true
	}
	if o.input.Sandbox == nil || !o.input.Sandbox.Enabled {
		return false
	}
	return st.Type.Modifies() || st.Type == domain.TaskTest
}

func (o *Orchestrator) sandboxConfig() sandbox.Config {
	if o.input.Sandbox != nil {
		cfg := *o.input.Sandbox
		if cfg.RepoPath == "" {
			cfg.RepoPath = o.input.RepoPath
		}
		return cfg
	}
	cfg := o.deps.SandboxDefaults
	if cfg.RepoPath == "" {
		cfg.RepoPath = o.input.RepoPath
	}
	if cfg.RepoPath == "" {
		cfg.Enabled = false
	}
	return cfg
}

func (o *Orchestrator) pause(ctx context.Context, waveIndex int, st plan.SubTask, reason string) error {
	now := o.deps.Now()

	o.mu.Lock()
	if err := o.state.transition(StatusWaitingApproval, now); err != nil {
		o.mu.Unlock()
		return err
	}
	pending := &PendingApproval{
		WaveIndex:   waveIndex,
		TaskID:      st.ID,
		Role:        st.Agent,
		Reason:      reason,
		RequestedAt: now,
		ExpiresAt:   now.Add(o.deps.ApprovalTTL),
	}
	if o.state.Plan != nil {
		pending.Fingerprint = o.state.Plan.Fingerprint
	}
	o.state.PendingApproval = pending
	o.state.CurrentWaveIndex = waveIndex
	// Archived under the lock; snapshots from later transitions land after it.
	o.archive(o.state.clone(), reason)
	o.mu.Unlock()

	o.publish(events.New(events.TypeApprovalRequired, o.id, fmt.Sprintf("Approval required for task %s (%s): %s", st.ID, st.Agent, reason)).
		WithTask(st.ID).
		WithWave(waveIndex).
		WithData("orchestrationId", o.id).
		WithData("role", st.Agent).
		WithData("reason", reason).
		WithData("expiresAt", pending.ExpiresAt).
		WithData("planFingerprint", pending.Fingerprint))
	o.deps.Audit.Record(ctx, audit.ActionApprovalRequested, audit.SeverityWarning, reason, map[string]any{
		"orchestrationId": o.id,
		"taskId":          st.ID,
		"role":            string(st.Agent),
		"planFingerprint": pending.Fingerprint,
	})
	o.deps.Metrics.RecordApproval("requested")
	o.logger.Info("waiting for approval", "task_id", st.ID, "role", string(st.Agent), "reason", reason)
	return nil
}

func (o *Orchestrator) block(ctx context.Context, waveIndex int, st plan.SubTask, dep string) {
	now := o.deps.Now()
	o.finish(ctx, TaskOutcome{
		TaskID:     st.ID,
		Role:       st.Agent,
		Status:     OutcomeBlocked,
		Error:      fmt.Sprintf("dependency %s did not complete", dep),
		BlockedBy:  dep,
		WaveIndex:  waveIndex,
		StartedAt:  now,
		FinishedAt: now,
	})
}

func (o *Orchestrator) deny(ctx context.Context, waveIndex int, st plan.SubTask, keyword string) {
	err := errors.NewForbiddenKeywordError(st.ID, keyword)
	o.deps.Metrics.RecordPolicyViolation(err)
	o.deps.Audit.Record(ctx, audit.ActionPolicyViolation, audit.SeverityWarning, err.Message, map[string]any{
		"orchestrationId": o.id,
		"taskId":          st.ID,
		"keyword":         keyword,
	})
	now := o.deps.Now()
	o.finish(ctx, TaskOutcome{
		TaskID:     st.ID,
		Role:       st.Agent,
		Status:     OutcomeFailed,
		Error:      errors.Brief(err),
		ErrorCode:  string(err.Code),
		WaveIndex:  waveIndex,
		StartedAt:  now,
		FinishedAt: now,
	})
}

func (o *Orchestrator) runTask(ctx context.Context, waveIndex int, st plan.SubTask) {
	outcome := TaskOutcome{
		TaskID:    st.ID,
		Role:      st.Agent,
		WaveIndex: waveIndex,
		StartedAt: o.deps.Now(),
	}
	o.publish(events.New(events.TypeTaskStart, o.id, fmt.Sprintf("Task %s started: %s", st.ID, st.Description)).
		WithTask(st.ID).
		WithWave(waveIndex).
		WithData("role", st.Agent).
		WithData("type", st.Type))

	out, validation, err := o.dispatch(ctx, waveIndex, st)
	outcome.Validation = validation
	outcome.FinishedAt = o.deps.Now()
	if err != nil {
		outcome.Status = OutcomeFailed
		outcome.Error = errors.Brief(err)
		outcome.ErrorCode = string(errors.CodeOf(err))
	} else {
		outcome.Status = OutcomeCompleted
		outcome.Output = out
	}
	o.finish(ctx, outcome)
}

func (o *Orchestrator) dispatch(ctx context.Context, waveIndex int, st plan.SubTask) (out *agent.Output, validation *sandbox.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", st.Agent, r)
		}
	}()

	worker, err := o.deps.Agents.Get(st.Agent)
	if err != nil {
		return nil, nil, err
	}

	if o.needsValidation(st) {
		res := o.validate(ctx, waveIndex, st)
		validation = &res
		if !res.Success {
			return nil, validation, validationError(res)
		}
	}

	out, err = worker.Execute(ctx, agent.Task{
		OrchestrationID: o.id,
		SubTask:         st,
		Request:         o.input.Request,
		Context:         o.input.Context,
		RepoPath:        o.input.RepoPath,
		Repo:            o.input.Repo,
		Dependencies:    o.dependencyOutputs(st),
		Validation:      validation,
	})
	if err == nil && out == nil {
		out = &agent.Output{Role: st.Agent}
	}
	return out, validation, err
}

func (o *Orchestrator) dependencyOutputs(st plan.SubTask) map[string]*agent.Output {
	o.mu.Lock()
	defer o.mu.Unlock()
	deps := make(map[string]*agent.Output, len(st.Dependencies))
	for _, id := range st.Dependencies {
		if r, ok := o.state.Results[id]; ok && r.Output != nil {
			deps[id] = r.Output
		}
	}
	return deps
}

func (o *Orchestrator) validate(ctx context.Context, waveIndex int, st plan.SubTask) sandbox.Result {
	cfg := o.sandboxConfig()
	sink := func(line sandbox.LogLine) {
		o.publish(events.New(events.TypeSandboxLog, o.id, line.Text).
			WithTask(st.ID).
			WithWave(waveIndex).
			WithData("stream", line.Stream).
			WithData("method", line.Method))
	}
	res := o.deps.Sandbox.Run(ctx, cfg, sink)

	ev := events.New(events.TypeSandboxResult, o.id, sandboxMessage(res)).
		WithTask(st.ID).
		WithWave(waveIndex).
		WithData("success", res.Success).
		WithData("exitCode", res.ExitCode).
		WithData("method", res.Method).
		WithData("durationMs", res.DurationMs)
	if res.Warned {
		ev = ev.WithData("warned", true)
	}
	if res.Error != "" {
		ev = ev.WithData("error", res.Error)
	}
	if !res.Success {
		ev.Level = "error"
	}
	o.publish(ev)

	severity := audit.SeverityInfo
	switch {
	case !res.Success:
		severity = audit.SeverityError
	case res.Warned || res.Method == sandbox.MethodNative:
		severity = audit.SeverityWarning
	}
	o.deps.Audit.Record(ctx, audit.ActionSandboxRun, severity, sandboxMessage(res), map[string]any{
		"orchestrationId": o.id,
		"taskId":          st.ID,
		"method":          string(res.Method),
		"exitCode":        res.ExitCode,
		"success":         res.Success,
		"warned":          res.Warned,
		"durationMs":      res.DurationMs,
		"stderr":          res.Stderr,
	})
	return res
}

func sandboxMessage(res sandbox.Result) string {
	switch {
	case res.Warned:
		return fmt.Sprintf("Sandbox validation failed with exit code %d (downgraded to warning)", res.ExitCode)
	case res.Success:
		return fmt.Sprintf("Sandbox validation passed (%s)", res.Method)
	case res.Error != "":
		return "Sandbox validation failed: " + res.Error
	default:
		return fmt.Sprintf("Sandbox validation failed with exit code %d", res.ExitCode)
	}
}

func validationError(res sandbox.Result) error {
	if res.Error != "" {
		return fmt.Errorf("sandbox validation failed: %s", res.Error)
	}
	return fmt.Errorf("sandbox validation failed: exit code %d", res.ExitCode)
}

// finish records outcome and reports it. A second outcome for the same task is dropped.
func (o *Orchestrator) finish(ctx context.Context, outcome TaskOutcome) {
	o.mu.Lock()
	recorded := o.state.record(outcome, o.deps.Now())
	o.mu.Unlock()
	if !recorded {
		o.logger.Warn("duplicate task outcome ignored", "task_id", outcome.TaskID)
		return
	}

	d := outcome.Duration()
	o.deps.Metrics.RecordTask(string(outcome.Role), string(outcome.Status), d)
	meta := map[string]any{
		"orchestrationId": o.id,
		"taskId":          outcome.TaskID,
		"role":            string(outcome.Role),
		"durationMs":      d.Milliseconds(),
	}

	switch outcome.Status {
	case OutcomeCompleted:
		summary := ""
		if outcome.Output != nil {
			summary = outcome.Output.Summary
		}
		o.publish(events.New(events.TypeTaskComplete, o.id, fmt.Sprintf("Task %s completed", outcome.TaskID)).
			WithTask(outcome.TaskID).
			WithWave(outcome.WaveIndex).
			WithData("role", outcome.Role).
			WithData("summary", summary).
			WithData("durationMs", d.Milliseconds()).
			WithData("output", outcome.Output))
		o.deps.Audit.Record(ctx, audit.ActionTaskCompleted, audit.SeverityInfo, "task completed", meta)
		o.logger.Info("task completed", "task_id", outcome.TaskID, "role", string(outcome.Role), "duration_ms", d.Milliseconds())

	case OutcomeFailed:
		meta["error"] = outcome.Error
		o.publish(events.New(events.TypeTaskFailed, o.id, fmt.Sprintf("Task %s failed: %s", outcome.TaskID, outcome.Error)).
			WithTask(outcome.TaskID).
			WithWave(outcome.WaveIndex).
			WithData("role", outcome.Role).
			WithData("error", outcome.Error).
			WithData("errorCode", outcome.ErrorCode))
		o.deps.Audit.Record(ctx, audit.ActionTaskFailed, audit.SeverityError, "task failed", meta)
		o.logger.Warn("task failed", "task_id", outcome.TaskID, "role", string(outcome.Role), "error", outcome.Error)

	case OutcomeBlocked:
		o.publish(events.New(events.TypeTaskBlocked, o.id, fmt.Sprintf("Task %s blocked: %s", outcome.TaskID, outcome.Error)).
			WithTask(outcome.TaskID).
			WithWave(outcome.WaveIndex).
			WithData("role", outcome.Role).
			WithData("blockedBy", outcome.BlockedBy))
		o.logger.Info("task blocked", "task_id", outcome.TaskID, "blocked_by", outcome.BlockedBy)
	}
}

func (o *Orchestrator) complete(ctx context.Context) error {
	now := o.deps.Now()
	o.mu.Lock()
	if err := o.state.transition(StatusCompleted, now); err != nil {
		o.mu.Unlock()
		return err
	}
	snapshot := o.state.clone()
	o.mu.Unlock()

	sum := snapshot.Summarize()
	statuses := make(map[string]OutcomeStatus, len(snapshot.Results))
	for id, r := range snapshot.Results {
		statuses[id] = r.Status
	}
	msg := fmt.Sprintf("Orchestration completed: %d completed, %d failed, %d blocked", sum.Completed, sum.Failed, sum.Blocked)
	o.publish(events.New(events.TypeOrchestrationComplete, o.id, msg).
		WithData("summary", sum).
		WithData("results", statuses))

	severity := audit.SeverityInfo
	if sum.Failed > 0 || sum.Blocked > 0 {
		severity = audit.SeverityWarning
	}
	o.deps.Audit.Record(ctx, audit.ActionOrchestrationCompleted, severity, msg, map[string]any{
		"orchestrationId": o.id,
		"completed":       sum.Completed,
		"failed":          sum.Failed,
		"blocked":         sum.Blocked,
	})
	o.deps.Metrics.RecordOrchestrationFinished(string(StatusCompleted), now.Sub(snapshot.CreatedAt))
	o.logger.Info("orchestration completed", "completed", sum.Completed, "failed", sum.Failed, "blocked", sum.Blocked)
	o.archive(snapshot, msg)
	o.deps.Events.Close(o.id)
	return nil
}

// fail moves the orchestration to failed and returns err.
func (o *Orchestrator) fail(ctx context.Context, err error) error {
	ctx = context.WithoutCancel(ctx)
	now := o.deps.Now()

	o.mu.Lock()
	if o.state.Status.Terminal() {
		o.mu.Unlock()
		return err
	}
	if terr := o.state.transition(StatusFailed, now); terr != nil {
		o.mu.Unlock()
		return terr
	}
	o.state.Error = errors.Brief(err)
	snapshot := o.state.clone()
	o.mu.Unlock()

	ev := events.New(events.TypeOrchestrationFailed, o.id, "Orchestration failed: "+snapshot.Error).WithError(err)
	if code := errors.CodeOf(err); code != "" {
		ev = ev.WithData("errorCode", string(code))
	}
	o.publish(ev)
	o.deps.Audit.Record(ctx, audit.ActionOrchestrationFailed, audit.SeverityError, snapshot.Error, map[string]any{
		"orchestrationId": o.id,
		"errorCode":       string(errors.CodeOf(err)),
	})
	o.deps.Metrics.RecordOrchestrationFinished(string(StatusFailed), now.Sub(snapshot.CreatedAt))
	o.deps.Metrics.RecordError(err, "orchestrator")
	o.logger.LogError("orchestration failed", err)
	o.archive(snapshot, snapshot.Error)
	o.deps.Events.Close(o.id)
	return err
}

func (o *Orchestrator) transition(to Status) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.transition(to, o.deps.Now())
}

func (o *Orchestrator) publish(ev events.Event) {
	o.deps.Events.Publish(ev)
}

func (o *Orchestrator) archive(snapshot State, reason string) {
	if o.deps.Archive == nil {
		return
	}
	if err := o.deps.Archive.Save(o.id, string(snapshot.Status), reason, snapshot); err != nil {
		o.logger.Warn("archive snapshot failed", "status", string(snapshot.Status), "error", err.Error())
	}
}
