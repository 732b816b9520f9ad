package plan

import (
	"fmt"

	"github.com/felixgeelhaar/legacyguard/internal/domain"
	"github.com/felixgeelhaar/legacyguard/internal/errors"
)

// Validate checks that a normalized Plan is structurally sound.
// Dependency cycles are not rejected here; the scheduler's cycle policy decides.
func (p *Plan) Validate() error {
	if err := p.RiskLevel.Validate(); err != nil {
		return errors.NewPlanInvalidError(err.Error())
	}

	if len(p.Subtasks) == 0 {
		return errors.NewPlanInvalidError("plan must have at least one subtask")
	}

	ids := make(map[string]bool, len(p.Subtasks))
	for i, st := range p.Subtasks {
		if err := st.Validate(); err != nil {
			return errors.NewPlanInvalidError(fmt.Sprintf("subtask at index %d (%s): %v", i, st.ID, err))
		}
		if ids[st.ID] {
			return errors.NewPlanInvalidError(fmt.Sprintf("duplicate subtask id %q at index %d", st.ID, i))
		}
		ids[st.ID] = true
	}

	for i, st := range p.Subtasks {
		for _, dep := range st.Dependencies {
			if !ids[dep] {
				return errors.NewPlanInvalidError(fmt.Sprintf("subtask at index %d (%s) depends on %q which is not in the plan", i, st.ID, dep))
			}
		}
	}

	return nil
}

// Validate checks a single subtask's enumerated fields.
func (st *SubTask) Validate() error {
	if _, err := domain.NewTaskID(st.ID); err != nil {
		return err
	}
	if err := st.Type.Validate(); err != nil {
		return err
	}
	if err := st.Agent.Validate(); err != nil {
		return err
	}
	if err := st.Priority.Validate(); err != nil {
		return err
	}
	if st.EstimatedComplexity < domain.MinComplexity || st.EstimatedComplexity > domain.MaxComplexity {
		return fmt.Errorf("estimated complexity %d out of range [%d, %d]", st.EstimatedComplexity, domain.MinComplexity, domain.MaxComplexity)
	}
	return nil
}

// FindCycle returns one dependency cycle as a path ("a", "b", "a") or nil when
// the graph is acyclic. References to unknown ids are ignored.
func FindCycle(subtasks []SubTask) []string {
	graph := make(map[string][]string, len(subtasks))
	for _, st := range subtasks {
		graph[st.ID] = st.Dependencies
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dep := range graph[id] {
			if _, known := graph[dep]; !known {
				continue
			}
			if !visited[dep] {
				if cycle := visit(dep, path); cycle != nil {
					return cycle
				}
			} else if recStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append([]string{}, path[start:]...)
				return append(cycle, dep)
			}
		}

		recStack[id] = false
		return nil
	}

	for _, st := range subtasks {
		if !visited[st.ID] {
			if cycle := visit(st.ID, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
