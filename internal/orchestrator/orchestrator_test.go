package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestFixtureEndToEnd(t *testing.T) {
	broker := events.NewBroker(events.Options{})
	archive := &fakeArchive{}
	o := New("e2e", Input{Request: "fix bug X"}, Deps{
		Planner: plan.NewPlanner(plan.NewFixtureGenerator(), log.Discard()),
		Events:  broker,
		Archive: archive,
	})

	require.NoError(t, o.Start(context.Background()))

	st := o.State()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, [][]string{{"1"}, {"2"}}, st.Waves)
	assert.Len(t, st.Results, 2)
	for _, id := range []string{"1", "2"} {
		assert.Equal(t, OutcomeCompleted, st.Results[id].Status, id)
	}
	assert.NotNil(t, st.FinishedAt)

	history := broker.History("e2e")
	types := eventTypes(history)
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypePlan, types[0])
	assert.Equal(t, events.TypeOrchestrationComplete, types[len(types)-1])
	assert.Len(t, eventsOf(history, events.TypeTaskComplete), 2)
	assert.True(t, broker.Closed("e2e"))
	assert.Equal(t, []string{"completed"}, archive.saved())
}

func TestApprovalPausesBeforeFlaggedRole(t *testing.T) {
	rec := newRecorder()
	p := newPlan(
		subtask("1", domain.TaskAnalyze, domain.RoleAdvisor),
		subtask("2", domain.TaskReview, domain.RoleOperator, "1"),
		subtask("3", domain.TaskReview, domain.RoleReviewer, "2"),
	)
	deps := testDeps(t, p, rec)
	archive := deps.Archive.(*fakeArchive)
	o := New("o1", Input{
		Request: "refactor billing",
		Policy:  policy.ExecutionPolicy{RequireApprovalFor: []domain.AgentRole{domain.RoleOperator}},
	}, deps)

	require.NoError(t, o.Start(context.Background()))

	st := o.State()
	assert.Equal(t, StatusWaitingApproval, st.Status)
	require.NotNil(t, st.PendingApproval)
	assert.Equal(t, "2", st.PendingApproval.TaskID)
	assert.Equal(t, 1, st.PendingApproval.WaveIndex)
	assert.Equal(t, "role operator requires approval", st.PendingApproval.Reason)
	assert.Equal(t, st.PendingApproval.RequestedAt.Add(DefaultApprovalTTL), st.PendingApproval.ExpiresAt)
	assert.NotEmpty(t, st.PendingApproval.Fingerprint)
	assert.Len(t, st.Results, 1)
	assert.False(t, rec.ran("2"))
	assert.False(t, rec.ran("3"))

	required := eventsOf(deps.Events.History("o1"), events.TypeApprovalRequired)
	require.Len(t, required, 1)
	assert.Equal(t, "o1", required[0].Data["orchestrationId"])
	assert.Equal(t, "2", required[0].TaskID)

	require.NoError(t, o.Approve(context.Background()))

	st = o.State()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Nil(t, st.PendingApproval)
	assert.Len(t, st.Results, 3)
	assert.Equal(t, []string{"2"}, st.Approved)
	assert.Equal(t, []string{"1", "2", "3"}, rec.calls)
	assert.Len(t, eventsOf(deps.Events.History("o1"), events.TypeApprovalGranted), 1)
	assert.Equal(t, []string{"waiting_approval", "completed"}, archive.saved())

	err := o.Approve(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotWaitingApproval), "got %v", err)
}

func TestApprovalResumesRemainingTasksOfWave(t *testing.T) {
	rec := newRecorder()
	p := newPlan(
		subtask("a", domain.TaskAnalyze, domain.RoleAdvisor),
		subtask("b", domain.TaskReview, domain.RoleOperator),
		subtask("c", domain.TaskAnalyze, domain.RoleAdvisor),
		subtask("d", domain.TaskReview, domain.RoleReviewer, "a", "b", "c"),
	)
	deps := testDeps(t, p, rec)
	o := New("o2", Input{
		Request: "audit",
		Policy:  policy.ExecutionPolicy{RequireApprovalFor: []domain.AgentRole{domain.RoleOperator}},
	}, deps)

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, StatusWaitingApproval, o.Status())
	assert.True(t, rec.ran("a"))
	assert.False(t, rec.ran("b"))
	assert.False(t, rec.ran("c"), "dispatch halts at the gated task")
	assert.False(t, rec.ran("d"))
	assert.Equal(t, 0, o.State().PendingApproval.WaveIndex)

	require.NoError(t, o.Approve(context.Background()))
	st := o.State()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Len(t, st.Results, 4)
	assert.Equal(t, "d", rec.calls[len(rec.calls)-1])
	assert.Equal(t, 4, rec.count(), "each task runs once")
}

func TestAllowListGatesUnlistedRoles(t *testing.T) {
	rec := newRecorder()
	p := newPlan(
		subtask("1", domain.TaskAnalyze, domain.RoleAdvisor),
		subtask("2", domain.TaskReview, domain.RoleReviewer, "1"),
	)
	o := New("o3", Input{
		Request: "review",
		Policy:  policy.ExecutionPolicy{AllowedAgents: []domain.AgentRole{domain.RoleAdvisor}},
	}, testDeps(t, p, rec))

	require.NoError(t, o.Start(context.Background()))
	st := o.State()
	assert.Equal(t, StatusWaitingApproval, st.Status)
	assert.Equal(t, "role reviewer is not in allowedAgents", st.PendingApproval.Reason)
}

func TestPlanRequiringApprovalGatesModifyingTasks(t *testing.T) {
	rec := newRecorder()
	p := newPlan(
		subtask("1", domain.TaskAnalyze, domain.RoleAdvisor),
		subtask("2", domain.TaskSecurity, domain.RoleAdvisor, "1"),
		subtask("3", domain.TaskRefactor, domain.RoleOperator, "1", "2"),
		subtask("4", domain.TaskReview, domain.RoleReviewer, "3"),
	)
	p.RiskLevel = domain.RiskCritical
	o := New("o4", Input{Request: "rewrite auth"}, testDeps(t, p, rec))

	require.NoError(t, o.Start(context.Background()))
	st := o.State()
	require.True(t, st.Plan.RequiresApproval)
	assert.Equal(t, StatusWaitingApproval, st.Status)
	assert.Equal(t, "3", st.PendingApproval.TaskID)
	assert.Contains(t, st.PendingApproval.Reason, "critical")
}

func TestForbiddenKeywordFailsTaskAndBlocksDependents(t *testing.T) {
	rec := newRecorder()
	first := subtask("1", domain.TaskAnalyze, domain.RoleAdvisor)
	first.Description = "Drop table users after analysis"
	p := newPlan(first, subtask("2", domain.TaskReview, domain.RoleReviewer, "1"))
	deps := testDeps(t, p, rec)
	_, m := metrics.NewRegistry()
	deps.Metrics = m
	o := New("o5", Input{
		Request: "clean up",
		Policy:  policy.ExecutionPolicy{ForbiddenKeywords: []string{"DROP TABLE"}},
	}, deps)

	require.NoError(t, o.Start(context.Background()))

	st := o.State()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, OutcomeFailed, st.Results["1"].Status)
	assert.Equal(t, string(errors.ErrCodeForbiddenKeyword), st.Results["1"].ErrorCode)
	assert.Equal(t, OutcomeBlocked, st.Results["2"].Status)
	assert.Equal(t, "1", st.Results["2"].BlockedBy)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyViolations.WithLabelValues("POLICY-002")))

	history := deps.Events.History("o5")
	assert.Len(t, eventsOf(history, events.TypeTaskFailed), 1)
	assert.Len(t, eventsOf(history, events.TypeTaskBlocked), 1)
}

func TestWorkerFailureBlocksOnlyDependents(t *testing.T) {
	rec := newRecorder()
	rec.fail["1"] = fmt.Errorf("analysis crashed")
	p := newPlan(
		subtask("1", domain.TaskAnalyze, domain.RoleAdvisor),
		subtask("4", domain.TaskSecurity, domain.RoleAdvisor),
		subtask("2", domain.TaskTest, domain.RoleOperator, "1"),
		subtask("3", domain.TaskReview, domain.RoleReviewer, "2"),
		subtask("5", domain.TaskReview, domain.RoleReviewer, "4"),
	)
	deps := testDeps(t, p, rec)
	o := New("o6", Input{Request: "test"}, deps)

	require.NoError(t, o.Start(context.Background()))

	st := o.State()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, OutcomeFailed, st.Results["1"].Status)
	assert.Equal(t, "analysis crashed", st.Results["1"].Error)
	assert.Equal(t, OutcomeCompleted, st.Results["4"].Status, "sibling is unaffected")
	assert.Equal(t, OutcomeBlocked, st.Results["2"].Status)
	assert.Equal(t, OutcomeBlocked, st.Results["3"].Status)
	assert.Equal(t, "2", st.Results["3"].BlockedBy)
	assert.Equal(t, OutcomeCompleted, st.Results["5"].Status)
	assert.Equal(t, Summary{Total: 5, Completed: 2, Failed: 1, Blocked: 2}, st.Summarize())

	complete := eventsOf(deps.Events.History("o6"), events.TypeOrchestrationComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, Summary{Total: 5, Completed: 2, Failed: 1, Blocked: 2}, complete[0].Data["summary"])
}

func TestDependencyOutputsReachWorkers(t *testing.T) {
	rec := newRecorder()
	p := newPlan(
		subtask("1", domain.TaskAnalyze, domain.RoleAdvisor),
		subtask("2", domain.TaskReview, domain.RoleReviewer, "1"),
	)
	o := New("o7", Input{Request: "review", Context: "ctx"}, testDeps(t, p, rec))
	require.NoError(t, o.Start(context.Background()))

	task := rec.tasks["2"]
	require.Contains(t, task.Dependencies, "1")
	assert.Equal(t, "done 1", task.Dependencies["1"].Summary)
	assert.Equal(t, "o7", task.OrchestrationID)
	assert.Equal(t, "ctx", task.Context)
}

func TestSandboxGating(t *testing.T) {
	explicit := &sandbox.Config{Enabled: true, RepoPath: "/srv/app", FailMode: sandbox.FailModeFail}

	tests := []struct {
		name        string
		task        plan.SubTask
		sandboxCfg  *sandbox.Config
		result      sandbox.Result
		wantRuns    int
		wantStatus  OutcomeStatus
		wantWorker  bool
		wantErrPart string
	}{
		{
			name:       "executor passes validation",
			task:       subtask("1", domain.TaskTest, domain.RoleExecutor),
			result:     sandbox.Result{Success: true, Method: sandbox.MethodNative},
			wantRuns:   1,
			wantStatus: OutcomeCompleted,
			wantWorker: true,
		},
		{
			name:        "executor fails validation",
			task:        subtask("1", domain.TaskTest, domain.RoleExecutor),
			result:      sandbox.Result{ExitCode: 1, Stderr: "1 failing", Method: sandbox.MethodNative},
			wantRuns:    1,
			wantStatus:  OutcomeFailed,
			wantErrPart: "exit code 1",
		},
		{
			name:        "executor times out",
			task:        subtask("1", domain.TaskTest, domain.RoleExecutor),
			result:      sandbox.Result{ExitCode: sandbox.TimeoutExitCode, Error: sandbox.TimeoutError, Method: sandbox.MethodNative},
			wantRuns:    1,
			wantStatus:  OutcomeFailed,
			wantErrPart: sandbox.TimeoutError,
		},
		{
			name:       "warned result proceeds",
			task:       subtask("1", domain.TaskTest, domain.RoleExecutor),
			result:     sandbox.Result{Success: true, Warned: true, ExitCode: 1, Method: sandbox.MethodNative},
			wantRuns:   1,
			wantStatus: OutcomeCompleted,
			wantWorker: true,
		},
		{
			name:       "advisor without explicit sandbox",
			task:       subtask("1", domain.TaskTest, domain.RoleAdvisor),
			wantRuns:   0,
			wantStatus: OutcomeCompleted,
			wantWorker: true,
		},
		{
			name:       "test task with explicit sandbox",
			task:       subtask("1", domain.TaskTest, domain.RoleOperator),
			sandboxCfg: explicit,
			result:     sandbox.Result{Success: true, Method: sandbox.MethodContainer},
			wantRuns:   1,
			wantStatus: OutcomeCompleted,
			wantWorker: true,
		},
		{
			name:       "analysis with explicit sandbox",
			task:       subtask("1", domain.TaskAnalyze, domain.RoleAdvisor),
			sandboxCfg: explicit,
			wantRuns:   0,
			wantStatus: OutcomeCompleted,
			wantWorker: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			deps := testDeps(t, newPlan(tt.task), rec)
			box := &fakeSandbox{result: tt.result}
			deps.Sandbox = box
			o := New("sb", Input{Request: "ship", RepoPath: "/srv/app", Sandbox: tt.sandboxCfg}, deps)

			require.NoError(t, o.Start(context.Background()))

			outcome := o.State().Results["1"]
			assert.Equal(t, tt.wantStatus, outcome.Status)
			assert.Len(t, box.runs(), tt.wantRuns)
			assert.Equal(t, tt.wantWorker, rec.ran("1"))
			if tt.wantErrPart != "" {
				assert.Contains(t, outcome.Error, tt.wantErrPart)
			}

			history := deps.Events.History("sb")
			if tt.wantRuns > 0 {
				require.NotNil(t, outcome.Validation)
				assert.Len(t, eventsOf(history, events.TypeSandboxLog), 1)
				results := eventsOf(history, events.TypeSandboxResult)
				require.Len(t, results, 1)
				assert.Equal(t, tt.result.Success, results[0].Data["success"])
				assert.Equal(t, "/srv/app", box.runs()[0].RepoPath)
			} else {
				assert.Nil(t, outcome.Validation)
				assert.Empty(t, eventsOf(history, events.TypeSandboxResult))
			}
			if tt.wantWorker && tt.wantRuns > 0 {
				assert.NotNil(t, rec.tasks["1"].Validation)
			}
		})
	}
}

func TestExecutorUsesSandboxDefaults(t *testing.T) {
	rec := newRecorder()
	deps := testDeps(t, newPlan(subtask("1", domain.TaskTest, domain.RoleExecutor)), rec)
	box := &fakeSandbox{result: sandbox.Result{Success: true}}
	deps.Sandbox = box
	deps.SandboxDefaults = sandbox.Config{Enabled: true, TimeoutMs: 1000}

	o := New("defaults", Input{Request: "ship", RepoPath: "/repo"}, deps)
	require.NoError(t, o.Start(context.Background()))
	require.Len(t, box.runs(), 1)
	assert.Equal(t, "/repo", box.runs()[0].RepoPath)
	assert.True(t, box.runs()[0].Enabled)

	rec = newRecorder()
	deps = testDeps(t, newPlan(subtask("1", domain.TaskTest, domain.RoleExecutor)), rec)
	box = &fakeSandbox{result: sandbox.Result{Success: true}}
	deps.Sandbox = box
	deps.SandboxDefaults = sandbox.Config{Enabled: true}
	o = New("norepo", Input{Request: "ship"}, deps)
	require.NoError(t, o.Start(context.Background()))
	require.Len(t, box.runs(), 1)
	assert.False(t, box.runs()[0].Enabled, "no repository disables the run")
}

func TestWaveConcurrencyIsBounded(t *testing.T) {
	rec := newRecorder()
	rec.delay = 20 * time.Millisecond
	var tasks []plan.SubTask
	for i := 1; i <= 6; i++ {
		tasks = append(tasks, subtask(fmt.Sprint(i), domain.TaskAnalyze, domain.RoleAdvisor))
	}
	deps := testDeps(t, newPlan(tasks...), rec)
	deps.MaxConcurrency = 2

	o := New("bounded", Input{Request: "scan"}, deps)
	require.NoError(t, o.Start(context.Background()))

	assert.Len(t, o.State().Results, 6)
	assert.LessOrEqual(t, rec.maxInFlight, 2)
	assert.Equal(t, 6, rec.count())
}

func TestCyclePolicies(t *testing.T) {
	cyclic := newPlan(
		subtask("1", domain.TaskAnalyze, domain.RoleAdvisor, "2"),
		subtask("2", domain.TaskReview, domain.RoleReviewer, "1"),
	)

	t.Run("reject", func(t *testing.T) {
		rec := newRecorder()
		deps := testDeps(t, cyclic, rec)
		deps.Scheduler = schedule.New(schedule.CycleReject, log.Discard())
		o := New("reject", Input{Request: "loop"}, deps)

		err := o.Start(context.Background())
		assert.True(t, errors.IsCode(err, errors.ErrCodePlanCyclicDep), "got %v", err)
		st := o.State()
		assert.Equal(t, StatusFailed, st.Status)
		assert.Empty(t, st.Results)
		assert.Equal(t, 0, rec.count())
		assert.Len(t, eventsOf(deps.Events.History("reject"), events.TypeOrchestrationFailed), 1)
		assert.True(t, deps.Events.Closed("reject"))
	})

	t.Run("force", func(t *testing.T) {
		rec := newRecorder()
		deps := testDeps(t, cyclic, rec)
		o := New("force", Input{Request: "loop"}, deps)

		require.NoError(t, o.Start(context.Background()))
		st := o.State()
		assert.Equal(t, StatusCompleted, st.Status)
		assert.Len(t, st.Results, 2)
		assert.NotEmpty(t, st.ForcedWaves)
		assert.Equal(t, 2, rec.count())
	})
}

func TestPlanFailureFailsOrchestration(t *testing.T) {
	sink := audit.NewMemory(10)
	deps := Deps{
		Planner: plan.NewPlanner(staticGenerator{err: fmt.Errorf("model offline")}, log.Discard()),
		Events:  events.NewBroker(events.Options{}),
		Audit:   audit.NewBestEffort(log.Discard(), sink),
	}
	o := New("planfail", Input{Request: "anything"}, deps)

	err := o.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodePlanGenerate))
	st := o.State()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.Error, "model offline")

	var actions []string
	for _, e := range sink.Entries() {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, audit.ActionOrchestrationStarted)
	assert.Contains(t, actions, audit.ActionOrchestrationFailed)
}

func TestMissingWorkerFailsTask(t *testing.T) {
	deps := testDeps(t, newPlan(subtask("1", domain.TaskAnalyze, domain.RoleAdvisor)), newRecorder())
	deps.Agents = agent.NewRegistry()
	o := New("noworker", Input{Request: "x"}, deps)

	require.NoError(t, o.Start(context.Background()))
	outcome := o.State().Results["1"]
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, string(errors.ErrCodeAgentNotRegistered), outcome.ErrorCode)
}

func TestStartTwiceIsRejected(t *testing.T) {
	o := New("twice", Input{Request: "fix bug X"}, Deps{})
	require.NoError(t, o.Start(context.Background()))
	err := o.Start(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidTransition))
}

func TestCanceledContextFailsOrchestration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := New("canceled", Input{Request: "fix bug X"}, Deps{})

	err := o.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, o.Status())
}

func TestApprovalExpiry(t *testing.T) {
	rec := newRecorder()
	clock := newFakeClock()
	deps := testDeps(t, newPlan(subtask("1", domain.TaskTest, domain.RoleOperator)), rec)
	deps.Now = clock.Now
	deps.ApprovalTTL = time.Hour
	_, m := metrics.NewRegistry()
	deps.Metrics = m
	o := New("ttl", Input{
		Request: "x",
		Policy:  policy.ExecutionPolicy{RequireApprovalFor: []domain.AgentRole{domain.RoleOperator}},
	}, deps)

	require.NoError(t, o.Start(context.Background()))
	require.Equal(t, StatusWaitingApproval, o.Status())

	clock.Advance(2 * time.Hour)
	err := o.Approve(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeOrchestrationExpired), "got %v", err)

	st := o.State()
	assert.Equal(t, StatusExpired, st.Status)
	assert.False(t, rec.ran("1"))
	assert.True(t, deps.Events.Closed("ttl"))
	assert.Len(t, eventsOf(deps.Events.History("ttl"), events.TypeOrchestrationExpired), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Approvals.WithLabelValues("expired")))

	assert.NoError(t, o.Expire(context.Background()), "expiring twice is a no-op")
	assert.Len(t, eventsOf(deps.Events.History("ttl"), events.TypeOrchestrationExpired), 1)

	err = o.Approve(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeOrchestrationExpired))
}

func TestPauseArchivesBeforeAnnouncing(t *testing.T) {
	tests := []struct {
		name  string
		react func(o *Orchestrator) error
		want  []string
	}{
		{"expired on announcement", func(o *Orchestrator) error { return o.Expire(context.Background()) }, []string{"waiting_approval", "expired"}},
		{"approved on announcement", func(o *Orchestrator) error { return o.Approve(context.Background()) }, []string{"waiting_approval", "completed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			deps := testDeps(t, newPlan(subtask("1", domain.TaskTest, domain.RoleOperator)), rec)
			archive := deps.Archive.(*fakeArchive)
			o := New("race", Input{
				Request: "x",
				Policy:  policy.ExecutionPolicy{RequireApprovalFor: []domain.AgentRole{domain.RoleOperator}},
			}, deps)

			sub := deps.Events.Subscribe("race", func(ev events.Event) bool { return ev.Type == events.TypeApprovalRequired })
			defer sub.Close()
			reacted := make(chan error, 1)
			go func() {
				<-sub.C()
				reacted <- tt.react(o)
			}()

			require.NoError(t, o.Start(context.Background()))
			select {
			case err := <-reacted:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("approval-required event never arrived")
			}
			assert.Equal(t, tt.want, archive.saved())
		})
	}
}

func TestExpireRequiresPause(t *testing.T) {
	o := New("running", Input{Request: "fix bug X"}, Deps{})
	err := o.Expire(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotWaitingApproval))
}
