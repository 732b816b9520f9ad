package plan

import (
	"strconv"

	"github.com/felixgeelhaar/legacyguard/internal/domain"
)

// riskyComplexity is the estimated complexity at which a refactor counts as risky
// regardless of the plan's risk level.
const riskyComplexity = 7

// Rule names reported by enforceStructure.
const (
	RuleAnalysisFirst     = "analysis-before-modification"
	RuleSecurityScan      = "security-scan-on-change"
	RuleTestsFirst        = "tests-before-risky-refactor"
	RuleReviewHighRisk    = "review-before-high-risk-change"
	RuleDeployAfterReview = "deploy-after-review"
)

// enforceStructure rewrites p so that the structural rules hold no matter what
// the generator produced. It returns the names of the rules that changed the plan.
func enforceStructure(p *Plan) []string {
	if !p.HasModification() {
		return nil
	}

	g := &graph{plan: p}
	var applied []string

	// Analysis precedes modification.
	analyzeID, added := g.ensureFirst(domain.TaskAnalyze, func(id string) SubTask {
		return SubTask{
			ID:                  id,
			Type:                domain.TaskAnalyze,
			Description:         "Analyze the affected code and assess risk before any change",
			Agent:               domain.RoleAdvisor,
			Dependencies:        []string{},
			Priority:            domain.PriorityHigh,
			EstimatedComplexity: 3,
		}
	})
	changed := added
	for _, id := range g.idsOfModifying() {
		if g.linkIfMissing(id, analyzeID, domain.TaskAnalyze) {
			changed = true
		}
	}
	if changed {
		applied = append(applied, RuleAnalysisFirst)
	}

	// A security scan is part of every change.
	if g.firstOfType(domain.TaskSecurity) == "" {
		g.add(SubTask{
			ID:                  g.nextID(),
			Type:                domain.TaskSecurity,
			Description:         "Scan the affected code for vulnerabilities and leaked secrets",
			Agent:               domain.RoleAdvisor,
			Dependencies:        []string{analyzeID},
			Priority:            domain.PriorityHigh,
			EstimatedComplexity: 3,
		})
		applied = append(applied, RuleSecurityScan)
	}

	// Tests precede risky refactors.
	changed = false
	for _, id := range g.idsOf(domain.TaskRefactor) {
		st, _ := p.Task(id)
		if !p.RiskLevel.AtLeast(domain.RiskHigh) && st.EstimatedComplexity < riskyComplexity {
			continue
		}
		if g.hasAncestorOfType(id, domain.TaskTest) {
			continue
		}
		testID := g.usableOfType(domain.TaskTest, id)
		if testID == "" {
			testID = g.add(SubTask{
				ID:                  g.nextID(),
				Type:                domain.TaskTest,
				Description:         "Generate tests that pin current behavior before refactoring",
				Agent:               domain.RoleOperator,
				Dependencies:        []string{analyzeID},
				Priority:            domain.PriorityHigh,
				EstimatedComplexity: 4,
			})
		}
		g.addDependency(id, testID)
		changed = true
	}
	if changed {
		applied = append(applied, RuleTestsFirst)
	}

	// Review follows every change in high and critical plans.
	if p.RiskLevel.AtLeast(domain.RiskHigh) {
		refactors := g.idsOf(domain.TaskRefactor)
		reviewID := g.reviewAfter(refactors)
		changed = false
		if reviewID == "" {
			reviewID = g.add(g.newReview(refactors, analyzeID))
			changed = true
		}
		for _, id := range refactors {
			if !g.ancestors(reviewID)[id] {
				g.addDependency(reviewID, id)
				changed = true
			}
		}
		if changed {
			applied = append(applied, RuleReviewHighRisk)
		}
	}

	// Deploy is only reachable through review.
	changed = false
	for _, id := range g.idsOf(domain.TaskDeploy) {
		if g.hasAncestorOfType(id, domain.TaskReview) {
			continue
		}
		reviewID := g.usableOfType(domain.TaskReview, id)
		if reviewID == "" {
			reviewID = g.add(g.newReview(g.idsOf(domain.TaskRefactor), analyzeID))
		}
		g.addDependency(id, reviewID)
		changed = true
	}
	if changed {
		applied = append(applied, RuleDeployAfterReview)
	}

	return applied
}

// graph wraps a plan with the lookups the structural rules need.
type graph struct {
	plan *Plan
}

func (g *graph) index(id string) int {
	for i, st := range g.plan.Subtasks {
		if st.ID == id {
			return i
		}
	}
	return -1
}

func (g *graph) firstOfType(t domain.TaskType) string {
	for _, st := range g.plan.Subtasks {
		if st.Type == t {
			return st.ID
		}
	}
	return ""
}

func (g *graph) idsOf(t domain.TaskType) []string {
	var ids []string
	for _, st := range g.plan.Subtasks {
		if st.Type == t {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

func (g *graph) idsOfModifying() []string {
	var ids []string
	for _, st := range g.plan.Subtasks {
		if st.Type.Modifies() {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

// ensureFirst returns the first task of type t, creating it at the front of the
// plan when absent.
func (g *graph) ensureFirst(t domain.TaskType, build func(id string) SubTask) (string, bool) {
	if id := g.firstOfType(t); id != "" {
		return id, false
	}
	st := build(g.nextID())
	g.plan.Subtasks = append([]SubTask{st}, g.plan.Subtasks...)
	return st.ID, true
}

func (g *graph) add(st SubTask) string {
	g.plan.Subtasks = append(g.plan.Subtasks, st)
	return st.ID
}

func (g *graph) addDependency(id, dep string) {
	i := g.index(id)
	if i < 0 {
		return
	}
	for _, d := range g.plan.Subtasks[i].Dependencies {
		if d == dep {
			return
		}
	}
	g.plan.Subtasks[i].Dependencies = append(g.plan.Subtasks[i].Dependencies, dep)
}

// linkIfMissing makes id depend on dep unless id already has an ancestor of type t
// or the edge would close a cycle.
func (g *graph) linkIfMissing(id, dep string, t domain.TaskType) bool {
	if id == dep || g.hasAncestorOfType(id, t) || g.ancestors(dep)[id] {
		return false
	}
	g.addDependency(id, dep)
	return true
}

// ancestors returns every id reachable through dependency edges from id.
func (g *graph) ancestors(id string) map[string]bool {
	seen := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		i := g.index(cur)
		if i < 0 {
			continue
		}
		for _, dep := range g.plan.Subtasks[i].Dependencies {
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return seen
}

func (g *graph) hasAncestorOfType(id string, t domain.TaskType) bool {
	for anc := range g.ancestors(id) {
		if st, ok := g.plan.Task(anc); ok && st.Type == t {
			return true
		}
	}
	return false
}

// usableOfType returns a task of type t that can become a dependency of id
// without creating a cycle.
func (g *graph) usableOfType(t domain.TaskType, id string) string {
	for _, cand := range g.idsOf(t) {
		if cand != id && !g.ancestors(cand)[id] {
			return cand
		}
	}
	return ""
}

// reviewAfter returns a review task that no refactor depends on.
func (g *graph) reviewAfter(refactors []string) string {
	for _, cand := range g.idsOf(domain.TaskReview) {
		ok := true
		for _, r := range refactors {
			if g.ancestors(r)[cand] {
				ok = false
				break
			}
		}
		if ok {
			return cand
		}
	}
	return ""
}

func (g *graph) newReview(refactors []string, analyzeID string) SubTask {
	deps := append([]string{}, refactors...)
	if len(deps) == 0 {
		deps = []string{analyzeID}
	}
	return SubTask{
		ID:                  g.nextID(),
		Type:                domain.TaskReview,
		Description:         "Review all changes for quality and compliance before they ship",
		Agent:               domain.RoleReviewer,
		Dependencies:        deps,
		Priority:            domain.PriorityHigh,
		EstimatedComplexity: 3,
	}
}

// nextID returns the smallest unused numeric id above the current maximum.
func (g *graph) nextID() string {
	used := make(map[string]bool, len(g.plan.Subtasks))
	n := 0
	for _, st := range g.plan.Subtasks {
		used[st.ID] = true
		if v, err := strconv.Atoi(st.ID); err == nil && v > n {
			n = v
		}
	}
	for {
		n++
		id := strconv.Itoa(n)
		if !used[id] {
			return id
		}
	}
}
