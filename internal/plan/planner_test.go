package plan

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/legacyguard/internal/domain"
	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/log"
)

// stubGenerator returns a fixed plan or error.
type stubGenerator struct {
	plan *Plan
	err  error
}

func (s *stubGenerator) Name() string { return "stub" }

func (s *stubGenerator) Generate(context.Context, Request) (*Plan, error) {
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.plan
	cp.Subtasks = append([]SubTask(nil), s.plan.Subtasks...)
	return &cp, nil
}

func task(id string, t domain.TaskType, deps ...string) SubTask {
	return SubTask{ID: id, Type: t, Description: string(t) + " " + id, Dependencies: deps}
}

func ancestorsOf(p *Plan, id string) map[string]bool {
	g := &graph{plan: p}
	return g.ancestors(id)
}

func hasAncestorType(p *Plan, id string, t domain.TaskType) bool {
	for anc := range ancestorsOf(p, id) {
		st, _ := p.Task(anc)
		if st.Type == t {
			return true
		}
	}
	return false
}

func TestPlanner_FixtureIsUnchanged(t *testing.T) {
	planner := NewPlanner(NewFixtureGenerator(), log.Discard())

	p, err := planner.Plan(context.Background(), Request{Text: "fix bug X"})
	require.NoError(t, err)

	require.Len(t, p.Subtasks, 2)
	assert.Equal(t, "1", p.Subtasks[0].ID)
	assert.Equal(t, domain.TaskAnalyze, p.Subtasks[0].Type)
	assert.Empty(t, p.Subtasks[0].Dependencies)
	assert.Equal(t, "2", p.Subtasks[1].ID)
	assert.Equal(t, domain.TaskReview, p.Subtasks[1].Type)
	assert.Equal(t, []string{"1"}, p.Subtasks[1].Dependencies)
	assert.Equal(t, "fix bug X", p.OriginalRequest)
	assert.Contains(t, p.ID, "plan-")
	assert.Len(t, p.Fingerprint, 64)
	assert.False(t, p.RequiresApproval)
}

func TestPlanner_CriticalForcesApproval(t *testing.T) {
	gen := &stubGenerator{plan: &Plan{
		RiskLevel:        domain.RiskCritical,
		RequiresApproval: false,
		Subtasks:         []SubTask{task("1", domain.TaskAnalyze)},
	}}

	p, err := NewPlanner(gen, log.Discard()).Plan(context.Background(), Request{Text: "audit"})
	require.NoError(t, err)
	assert.True(t, p.RequiresApproval)
}

func TestPlanner_NormalizesDefaults(t *testing.T) {
	gen := &stubGenerator{plan: &Plan{
		Subtasks: []SubTask{{Description: "look around"}, {Type: domain.TaskReview, Dependencies: []string{"1"}}},
	}}

	p, err := NewPlanner(gen, log.Discard()).Plan(context.Background(), Request{Text: "check"})
	require.NoError(t, err)

	assert.Equal(t, DefaultSummary, p.Summary)
	assert.Equal(t, DefaultEstimatedTime, p.EstimatedTime)
	assert.Equal(t, domain.RiskMedium, p.RiskLevel)

	first := p.Subtasks[0]
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, domain.TaskAnalyze, first.Type)
	assert.Equal(t, domain.RoleAdvisor, first.Agent)
	assert.Equal(t, domain.PriorityMedium, first.Priority)
	assert.Equal(t, domain.DefaultComplexity, first.EstimatedComplexity)
	assert.NotNil(t, first.Dependencies)

	second := p.Subtasks[1]
	assert.Equal(t, "2", second.ID)
	assert.Equal(t, domain.RoleReviewer, second.Agent)
}

func TestPlanner_GeneratorErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode errors.ErrorCode
	}{
		{"parse error passes through", errors.NewPlanParseError(fmt.Errorf("bad json")), errors.ErrCodePlanParse},
		{"plain error is wrapped", fmt.Errorf("connection refused"), errors.ErrCodePlanGenerate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlanner(&stubGenerator{err: tt.err}, log.Discard()).Plan(context.Background(), Request{Text: "x"})
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestPlanner_InvalidPlanRejected(t *testing.T) {
	gen := &stubGenerator{plan: &Plan{
		Subtasks: []SubTask{task("1", domain.TaskAnalyze), task("1", domain.TaskReview)},
	}}

	_, err := NewPlanner(gen, log.Discard()).Plan(context.Background(), Request{Text: "x"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodePlanInvalid))
}

func TestPlanner_StructuralRules(t *testing.T) {
	tests := []struct {
		name  string
		plan  *Plan
		check func(t *testing.T, p *Plan)
	}{
		{
			name: "refactor without analysis gets analysis and security scan",
			plan: &Plan{RiskLevel: domain.RiskLow, Subtasks: []SubTask{task("1", domain.TaskRefactor)}},
			check: func(t *testing.T, p *Plan) {
				assert.Equal(t, domain.TaskAnalyze, p.Subtasks[0].Type)
				assert.True(t, hasAncestorType(p, "1", domain.TaskAnalyze))

				secID := (&graph{plan: p}).firstOfType(domain.TaskSecurity)
				require.NotEmpty(t, secID)
				assert.True(t, hasAncestorType(p, secID, domain.TaskAnalyze))
			},
		},
		{
			name: "risky refactor is preceded by tests",
			plan: &Plan{RiskLevel: domain.RiskMedium, Subtasks: []SubTask{
				task("1", domain.TaskAnalyze),
				{ID: "2", Type: domain.TaskRefactor, Dependencies: []string{"1"}, EstimatedComplexity: 8},
			}},
			check: func(t *testing.T, p *Plan) {
				assert.True(t, hasAncestorType(p, "2", domain.TaskTest))
			},
		},
		{
			name: "simple refactor in medium plan needs no tests",
			plan: &Plan{RiskLevel: domain.RiskMedium, Subtasks: []SubTask{
				task("1", domain.TaskAnalyze),
				{ID: "2", Type: domain.TaskRefactor, Dependencies: []string{"1"}, EstimatedComplexity: 3},
			}},
			check: func(t *testing.T, p *Plan) {
				assert.False(t, hasAncestorType(p, "2", domain.TaskTest))
			},
		},
		{
			name: "high risk change gets a review after every refactor",
			plan: &Plan{RiskLevel: domain.RiskHigh, Subtasks: []SubTask{
				task("1", domain.TaskAnalyze),
				task("2", domain.TaskRefactor, "1"),
				task("3", domain.TaskRefactor, "1"),
			}},
			check: func(t *testing.T, p *Plan) {
				reviewID := (&graph{plan: p}).firstOfType(domain.TaskReview)
				require.NotEmpty(t, reviewID)
				anc := ancestorsOf(p, reviewID)
				assert.True(t, anc["2"])
				assert.True(t, anc["3"])
			},
		},
		{
			name: "deploy is only reachable after review",
			plan: &Plan{RiskLevel: domain.RiskLow, Subtasks: []SubTask{
				task("1", domain.TaskAnalyze),
				task("2", domain.TaskRefactor, "1"),
				task("3", domain.TaskReview, "1"),
				task("4", domain.TaskDeploy, "2"),
			}},
			check: func(t *testing.T, p *Plan) {
				assert.True(t, hasAncestorType(p, "4", domain.TaskReview))
				assert.True(t, ancestorsOf(p, "4")["3"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPlanner(&stubGenerator{plan: tt.plan}, log.Discard()).Plan(context.Background(), Request{Text: "change it"})
			require.NoError(t, err)
			require.NoError(t, p.Validate())
			assert.Nil(t, FindCycle(p.Subtasks))
			tt.check(t, p)
		})
	}
}

func TestPlan_Dependents(t *testing.T) {
	p := &Plan{Subtasks: []SubTask{
		task("1", domain.TaskAnalyze),
		task("2", domain.TaskRefactor, "1"),
		task("3", domain.TaskReview, "2"),
		task("4", domain.TaskSecurity, "1"),
		task("5", domain.TaskTest),
	}}

	assert.ElementsMatch(t, []string{"2", "3", "4"}, p.Dependents("1"))
	assert.Equal(t, []string{"3"}, p.Dependents("2"))
	assert.Empty(t, p.Dependents("5"))
}
