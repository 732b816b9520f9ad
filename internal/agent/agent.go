// Package agent defines the workers that execute plan subtasks, one per role.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/felixgeelhaar/legacyguard/internal/domain"
	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/plan"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
)

// Task is everything a worker receives for one subtask.
type Task struct {
	OrchestrationID string
	SubTask         plan.SubTask
	Request         string
	Context         string
	RepoPath        string
	Repo            *domain.RepoInfo
	// Dependencies holds the outputs of the subtask's completed dependencies.
	Dependencies map[string]*Output
	// Validation is the sandbox result when the task was validated first.
	Validation *sandbox.Result
}

// Output is a worker's result for one subtask.
type Output struct {
	Role        domain.AgentRole `json:"role"`
	Summary     string           `json:"summary"`
	Suggestions []string         `json:"suggestions,omitempty"`
	Data        map[string]any   `json:"data,omitempty"`
}

// Worker executes subtasks for one role.
type Worker interface {
	Role() domain.AgentRole
	Execute(ctx context.Context, task Task) (*Output, error)
}

// Func adapts a function to Worker.
type Func struct {
	role domain.AgentRole
	fn   func(ctx context.Context, task Task) (*Output, error)
}

// NewFunc creates a Worker for role backed by fn.
func NewFunc(role domain.AgentRole, fn func(ctx context.Context, task Task) (*Output, error)) *Func {
	return &Func{role: role, fn: fn}
}

// Role implements Worker.Role
func (f *Func) Role() domain.AgentRole { return f.role }

// Execute implements Worker.Execute
func (f *Func) Execute(ctx context.Context, task Task) (*Output, error) {
	return f.fn(ctx, task)
}

// Registry maps roles to workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[domain.AgentRole]Worker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{workers: make(map[domain.AgentRole]Worker)}
}

// Register adds a worker. Registering a role twice is an error.
func (r *Registry) Register(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[w.Role()]; exists {
		return fmt.Errorf("worker for role %s already registered", w.Role())
	}
	r.workers[w.Role()] = w
	return nil
}

// Replace registers w, overwriting any worker for the same role.
func (r *Registry) Replace(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Role()] = w
}

// Get returns the worker for role, or ORCH-004 when none is registered.
func (r *Registry) Get(role domain.AgentRole) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[role]
	if !ok {
		return nil, errors.NewAgentNotRegisteredError(string(role))
	}
	return w, nil
}

// Roles returns the registered roles, sorted.
func (r *Registry) Roles() []domain.AgentRole {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := make([]domain.AgentRole, 0, len(r.workers))
	for role := range r.workers {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}
