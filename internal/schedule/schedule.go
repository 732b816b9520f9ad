// Package schedule groups a plan's subtasks into waves of mutually independent
// tasks. Every dependency of a task in wave k is satisfied by a task in an
// earlier wave; waves run strictly in sequence.
package schedule

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/plan"
)

// CyclePolicy decides what happens when no remaining subtask is selectable.
type CyclePolicy string

const (
	// CycleForce moves the first remaining subtask into its own wave and logs a warning.
	// Scheduling always terminates, in at most len(subtasks) waves.
	CycleForce CyclePolicy = "force"
	// CycleReject fails scheduling with PLAN-003 (cycle) or PLAN-002 (unknown reference).
	CycleReject CyclePolicy = "reject"
)

// ParseCyclePolicy parses a policy name. Empty means CycleForce.
func ParseCyclePolicy(s string) (CyclePolicy, error) {
	switch CyclePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", CycleForce:
		return CycleForce, nil
	case CycleReject:
		return CycleReject, nil
	default:
		return "", fmt.Errorf("unknown cycle policy %q: must be force or reject", s)
	}
}

// Wave is a batch of subtasks eligible for concurrent dispatch.
type Wave struct {
	Index int            `json:"index"`
	Tasks []plan.SubTask `json:"tasks"`
	// Forced marks a singleton wave created by breaking a cycle.
	Forced bool `json:"forced,omitempty"`
}

// IDs returns the subtask ids in the wave, in declaration order.
func (w Wave) IDs() []string {
	ids := make([]string, len(w.Tasks))
	for i, t := range w.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Scheduler computes wave schedules.
type Scheduler struct {
	policy CyclePolicy
	logger *log.Logger
}

// New creates a Scheduler. A nil logger discards warnings.
func New(policy CyclePolicy, logger *log.Logger) *Scheduler {
	if policy == "" {
		policy = CycleForce
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Scheduler{policy: policy, logger: logger.WithComponent("scheduler")}
}

// Policy returns the configured cycle policy.
func (s *Scheduler) Policy() CyclePolicy {
	return s.policy
}

// Schedule returns the ordered waves for subtasks. Within a wave, tasks keep
// their declaration order.
func (s *Scheduler) Schedule(subtasks []plan.SubTask) ([]Wave, error) {
	scheduled := make(map[string]bool, len(subtasks))
	remaining := append([]plan.SubTask(nil), subtasks...)
	var waves []Wave

	for len(remaining) > 0 {
		var ready, blocked []plan.SubTask
		for _, st := range remaining {
			if dependenciesMet(st, scheduled) {
				ready = append(ready, st)
			} else {
				blocked = append(blocked, st)
			}
		}

		forced := false
		if len(ready) == 0 {
			if s.policy == CycleReject {
				return nil, rejectError(remaining)
			}
			ready = remaining[:1]
			blocked = remaining[1:]
			forced = true
			s.logger.Warn("dependency cycle or unknown dependency, forcing progress",
				"forced_task", ready[0].ID,
				"unmet_dependencies", unmet(ready[0], scheduled),
				"remaining", ids(blocked),
				"wave", len(waves),
			)
		}

		for _, st := range ready {
			scheduled[st.ID] = true
		}
		waves = append(waves, Wave{Index: len(waves), Tasks: ready, Forced: forced})
		remaining = blocked
	}

	return waves, nil
}

func dependenciesMet(st plan.SubTask, scheduled map[string]bool) bool {
	for _, dep := range st.Dependencies {
		if !scheduled[dep] {
			return false
		}
	}
	return true
}

func unmet(st plan.SubTask, scheduled map[string]bool) []string {
	var out []string
	for _, dep := range st.Dependencies {
		if !scheduled[dep] {
			out = append(out, dep)
		}
	}
	return out
}

func ids(subtasks []plan.SubTask) []string {
	out := make([]string, len(subtasks))
	for i, st := range subtasks {
		out[i] = st.ID
	}
	return out
}

func rejectError(remaining []plan.SubTask) error {
	if cycle := plan.FindCycle(remaining); cycle != nil {
		return errors.NewPlanCycleError(cycle)
	}
	known := make(map[string]bool, len(remaining))
	for _, st := range remaining {
		known[st.ID] = true
	}
	for _, st := range remaining {
		for _, dep := range st.Dependencies {
			if !known[dep] {
				return errors.NewPlanInvalidError(fmt.Sprintf("subtask %s depends on unknown subtask %q", st.ID, dep))
			}
		}
	}
	return errors.NewPlanInvalidError(fmt.Sprintf("subtasks %s cannot be scheduled", strings.Join(ids(remaining), ", ")))
}
