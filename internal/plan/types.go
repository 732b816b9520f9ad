package plan

import (
	"github.com/felixgeelhaar/legacyguard/internal/domain"
)

// Plan is a dependency-ordered set of subtasks produced for one request.
// A Plan is not modified after the Planner returns it.
type Plan struct {
	ID               string           `json:"id"`
	OriginalRequest  string           `json:"originalRequest"`
	Summary          string           `json:"summary"`
	Subtasks         []SubTask        `json:"subtasks"`
	EstimatedTime    string           `json:"estimatedTime"`
	RiskLevel        domain.RiskLevel `json:"riskLevel"`
	RequiresApproval bool             `json:"requiresApproval"`
	Fingerprint      string           `json:"fingerprint,omitempty"`
}

// SubTask is a single unit of work dispatched to a worker role.
type SubTask struct {
	ID                  string           `json:"id"`
	Type                domain.TaskType  `json:"type"`
	Description         string           `json:"description"`
	Agent               domain.AgentRole `json:"agent"`
	Dependencies        []string         `json:"dependencies"`
	Priority            domain.Priority  `json:"priority"`
	EstimatedComplexity int              `json:"estimatedComplexity"`
}

// Task returns the subtask with the given id.
func (p *Plan) Task(id string) (SubTask, bool) {
	for _, st := range p.Subtasks {
		if st.ID == id {
			return st, true
		}
	}
	return SubTask{}, false
}

// Dependents returns the ids of every subtask that depends on id, directly or transitively.
func (p *Plan) Dependents(id string) []string {
	children := make(map[string][]string)
	for _, st := range p.Subtasks {
		for _, dep := range st.Dependencies {
			children[dep] = append(children[dep], st.ID)
		}
	}

	var out []string
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// HasModification reports whether any subtask changes the repository.
func (p *Plan) HasModification() bool {
	for _, st := range p.Subtasks {
		if st.Type.Modifies() {
			return true
		}
	}
	return false
}
