package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/legacyguard/internal/agent"
	"github.com/felixgeelhaar/legacyguard/internal/domain"
	"github.com/felixgeelhaar/legacyguard/internal/events"
	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/plan"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
)

type staticGenerator struct {
	plan *plan.Plan
	err  error
}

func (g staticGenerator) Name() string { return "static" }

func (g staticGenerator) Generate(context.Context, plan.Request) (*plan.Plan, error) {
	if g.err != nil {
		return nil, g.err
	}
	p := *g.plan
	p.Subtasks = append([]plan.SubTask(nil), g.plan.Subtasks...)
	return &p, nil
}

func newPlan(subtasks ...plan.SubTask) *plan.Plan {
	return &plan.Plan{
		Summary:   "test plan",
		RiskLevel: domain.RiskLow,
		Subtasks:  subtasks,
	}
}

func subtask(id string, typ domain.TaskType, role domain.AgentRole, deps ...string) plan.SubTask {
	if deps == nil {
		deps = []string{}
	}
	return plan.SubTask{
		ID:                  id,
		Type:                typ,
		Description:         "task " + id,
		Agent:               role,
		Dependencies:        deps,
		Priority:            domain.PriorityMedium,
		EstimatedComplexity: 3,
	}
}

// recorder backs every role with a worker that logs which tasks ran.
type recorder struct {
	mu    sync.Mutex
	calls []string
	tasks map[string]agent.Task
	fail  map[string]error
	delay time.Duration

	inFlight    int
	maxInFlight int
}

func newRecorder() *recorder {
	return &recorder{tasks: map[string]agent.Task{}, fail: map[string]error{}}
}

func (r *recorder) registry(t *testing.T) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry()
	for _, role := range domain.AllRoles {
		require.NoError(t, reg.Register(agent.NewFunc(role, r.execute)))
	}
	return reg
}

func (r *recorder) execute(_ context.Context, task agent.Task) (*agent.Output, error) {
	id := task.SubTask.ID
	r.mu.Lock()
	r.calls = append(r.calls, id)
	r.tasks[id] = task
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	err := r.fail[id]
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &agent.Output{Role: task.SubTask.Agent, Summary: "done " + id}, nil
}

func (r *recorder) ran(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[id]
	return ok
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeSandbox struct {
	mu     sync.Mutex
	result sandbox.Result
	calls  []sandbox.Config
}

func (f *fakeSandbox) Run(_ context.Context, cfg sandbox.Config, sink sandbox.LogSink) sandbox.Result {
	f.mu.Lock()
	f.calls = append(f.calls, cfg)
	res := f.result
	f.mu.Unlock()
	if sink != nil {
		sink(sandbox.LogLine{Method: sandbox.MethodNative, Stream: sandbox.StreamStdout, Text: "running tests"})
	}
	return res
}

func (f *fakeSandbox) runs() []sandbox.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.Config(nil), f.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeArchive struct {
	mu       sync.Mutex
	statuses []string
}

func (a *fakeArchive) Save(_, status, _ string, _ any) error {
	a.mu.Lock()
	a.statuses = append(a.statuses, status)
	a.mu.Unlock()
	return nil
}

func (a *fakeArchive) saved() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.statuses...)
}

func testDeps(t *testing.T, p *plan.Plan, rec *recorder) Deps {
	t.Helper()
	return Deps{
		Planner: plan.NewPlanner(staticGenerator{plan: p}, log.Discard()),
		Agents:  rec.registry(t),
		Sandbox: &fakeSandbox{result: sandbox.Result{Success: true, Method: sandbox.MethodNative}},
		Events:  events.NewBroker(events.Options{}),
		Logger:  log.Discard(),
		Archive: &fakeArchive{},
		Now:     newFakeClock().Now,
	}
}

func eventTypes(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func eventsOf(evs []events.Event, typ events.Type) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
