package domain

import "fmt"

// AgentRole identifies the worker that executes a subtask.
type AgentRole string

const (
	// RoleAdvisor analyzes code and suggests improvements
	RoleAdvisor AgentRole = "advisor"
	// RoleAdvisorImpact analyzes refactor impact over the code index
	RoleAdvisorImpact AgentRole = "advisor-impact"
	// RoleOperator creates branches, applies patches, opens pull requests
	RoleOperator AgentRole = "operator"
	// RoleReviewer reviews changes for quality and compliance
	RoleReviewer AgentRole = "reviewer"
	// RoleExecutor merges and deploys; privileged
	RoleExecutor AgentRole = "executor"
)

// AllRoles lists every built-in worker role.
var AllRoles = []AgentRole{RoleAdvisor, RoleAdvisorImpact, RoleOperator, RoleReviewer, RoleExecutor}

// NewAgentRole creates a new AgentRole value object with validation
func NewAgentRole(value string) (AgentRole, error) {
	r := AgentRole(value)
	if err := r.Validate(); err != nil {
		return "", err
	}
	return r, nil
}

// Validate checks if the role is one of the built-in roles
func (r AgentRole) Validate() error {
	for _, known := range AllRoles {
		if r == known {
			return nil
		}
	}
	return fmt.Errorf("invalid agent role %q", string(r))
}

// RequiresValidation reports whether tasks for this role run behind a sandbox check.
func (r AgentRole) RequiresValidation() bool {
	return r == RoleExecutor
}

// String returns the string representation
func (r AgentRole) String() string {
	return string(r)
}
