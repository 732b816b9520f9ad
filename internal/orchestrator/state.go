// Package orchestrator drives a plan through its waves: it owns the
// orchestration state machine, gates privileged roles behind approval, runs
// sandbox validation before risk-bearing tasks and expires abandoned approvals.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/legacyguard/internal/agent"
	"github.com/felixgeelhaar/legacyguard/internal/domain"
	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/plan"
	"github.com/felixgeelhaar/legacyguard/internal/policy"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
)

// Status is the lifecycle state of one orchestration.
type Status string

const (
	StatusCreated         Status = "created"
	StatusPlanning        Status = "planning"
	StatusExecuting       Status = "executing"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusExpired         Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

var transitions = map[Status][]Status{
	StatusCreated:         {StatusPlanning, StatusFailed},
	StatusPlanning:        {StatusExecuting, StatusFailed},
	StatusExecuting:       {StatusWaitingApproval, StatusCompleted, StatusFailed},
	StatusWaitingApproval: {StatusExecuting, StatusExpired, StatusFailed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OutcomeStatus is the terminal state of a single task.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeBlocked   OutcomeStatus = "blocked"
)

// TaskOutcome is the recorded result of one subtask.
type TaskOutcome struct {
	TaskID     string           `json:"taskId"`
	Role       domain.AgentRole `json:"role"`
	Status     OutcomeStatus    `json:"status"`
	Output     *agent.Output    `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorCode  string           `json:"errorCode,omitempty"`
	BlockedBy  string           `json:"blockedBy,omitempty"`
	Validation *sandbox.Result  `json:"validation,omitempty"`
	WaveIndex  int              `json:"waveIndex"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
}

// Duration is the wall time spent on the task.
func (o TaskOutcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.FinishedAt.Before(o.StartedAt) {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// PendingApproval describes the task an orchestration is paused on.
type PendingApproval struct {
	WaveIndex   int              `json:"waveIndex"`
	TaskID      string           `json:"taskId"`
	Role        domain.AgentRole `json:"role"`
	Reason      string           `json:"reason"`
	Fingerprint string           `json:"planFingerprint,omitempty"`
	RequestedAt time.Time        `json:"requestedAt"`
	ExpiresAt   time.Time        `json:"expiresAt"`
}

// State is the full record of one orchestration.
type State struct {
	ID               string                 `json:"id"`
	Status           Status                 `json:"status"`
	Request          string                 `json:"request"`
	Context          string                 `json:"context,omitempty"`
	RepoPath         string                 `json:"repoPath,omitempty"`
	Plan             *plan.Plan             `json:"plan,omitempty"`
	Waves            [][]string             `json:"waves,omitempty"`
	ForcedWaves      []int                  `json:"forcedWaves,omitempty"`
	Results          map[string]TaskOutcome `json:"results"`
	CurrentWaveIndex int                    `json:"currentWaveIndex"`
	PendingApproval  *PendingApproval       `json:"pendingApproval,omitempty"`
	Approved         []string               `json:"approved,omitempty"`
	Policy           policy.ExecutionPolicy `json:"executionPolicy"`
	Sandbox          *sandbox.Config        `json:"sandbox,omitempty"`
	Error            string                 `json:"error,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
	FinishedAt       *time.Time             `json:"finishedAt,omitempty"`
}

// Summary counts outcomes by status.
type Summary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
}

// Summarize returns outcome counts over the plan's subtasks.
func (s *State) Summarize() Summary {
	sum := Summary{}
	if s.Plan != nil {
		sum.Total = len(s.Plan.Subtasks)
	}
	for _, r := range s.Results {
		switch r.Status {
		case OutcomeCompleted:
			sum.Completed++
		case OutcomeFailed:
			sum.Failed++
		case OutcomeBlocked:
			sum.Blocked++
		}
	}
	return sum
}

func (s *State) transition(to Status, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("orchestration %s cannot move from %s to %s", s.ID, s.Status, to))
	}
	s.Status = to
	s.UpdatedAt = now
	if to.Terminal() {
		t := now
		s.FinishedAt = &t
	}
	return nil
}

// record stores an outcome unless one already exists for the task.
func (s *State) record(o TaskOutcome, now time.Time) bool {
	if _, ok := s.Results[o.TaskID]; ok {
		return false
	}
	s.Results[o.TaskID] = o
	s.UpdatedAt = now
	return true
}

func (s *State) approved(taskID string) bool {
	for _, id := range s.Approved {
		if id == taskID {
			return true
		}
	}
	return false
}

// clone returns a copy safe to hand to readers. Outputs and the plan are
// shared; neither is modified after creation.
func (s *State) clone() State {
	c := *s
	c.Results = make(map[string]TaskOutcome, len(s.Results))
	for k, v := range s.Results {
		c.Results[k] = v
	}
	if s.PendingApproval != nil {
		p := *s.PendingApproval
		c.PendingApproval = &p
	}
	c.Approved = append([]string(nil), s.Approved...)
	c.ForcedWaves = append([]int(nil), s.ForcedWaves...)
	c.Waves = make([][]string, len(s.Waves))
	for i, w := range s.Waves {
		c.Waves[i] = append([]string(nil), w...)
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
