// Package policy holds the execution policy that gates which worker roles may
// run, which need human approval, and which task descriptions are refused.
package policy

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/legacyguard/internal/domain"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
)

// ExecutionPolicy gates task dispatch.
type ExecutionPolicy struct {
	// AllowedAgents, when set, lists the roles that may run without approval.
	AllowedAgents []domain.AgentRole `json:"allowedAgents,omitempty" yaml:"allowed_agents,omitempty"`
	// RequireApprovalFor lists roles that always pause for approval.
	RequireApprovalFor []domain.AgentRole `json:"requireApprovalFor,omitempty" yaml:"require_approval_for,omitempty"`
	// ForbiddenKeywords refuse any task whose description contains one (case-insensitive).
	ForbiddenKeywords []string `json:"forbiddenKeywords,omitempty" yaml:"forbidden_keywords,omitempty"`
	// SafeMode forces approval for the executor role.
	SafeMode bool `json:"safeMode,omitempty" yaml:"safe_mode,omitempty"`
}

// Policy is the on-disk policy file.
type Policy struct {
	Execution ExecutionPolicy `json:"execution" yaml:"execution"`
	Sandbox   *sandbox.Config `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	// ImageAllowlist restricts container images for sandbox runs.
	ImageAllowlist []string `json:"imageAllowlist,omitempty" yaml:"image_allowlist,omitempty"`
}

// Allows reports whether role is in the allow-list. An unset list allows every role.
func (p ExecutionPolicy) Allows(role domain.AgentRole) bool {
	if len(p.AllowedAgents) == 0 {
		return true
	}
	return containsRole(p.AllowedAgents, role)
}

// ApprovalReason returns why role must wait for approval, or "" when it may run.
func (p ExecutionPolicy) ApprovalReason(role domain.AgentRole) string {
	switch {
	case containsRole(p.RequireApprovalFor, role):
		return fmt.Sprintf("role %s requires approval", role)
	case !p.Allows(role):
		return fmt.Sprintf("role %s is not in allowedAgents", role)
	case p.SafeMode && role == domain.RoleExecutor:
		return "safe mode requires approval for executor"
	}
	return ""
}

// RequiresApproval reports whether role must wait for approval.
func (p ExecutionPolicy) RequiresApproval(role domain.AgentRole) bool {
	return p.ApprovalReason(role) != ""
}

// ForbiddenKeyword returns the first forbidden keyword found in text.
func (p ExecutionPolicy) ForbiddenKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range p.ForbiddenKeywords {
		kw = strings.TrimSpace(kw)
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

// Validate rejects unknown roles and blank keywords.
func (p ExecutionPolicy) Validate() error {
	for _, role := range p.AllowedAgents {
		if err := role.Validate(); err != nil {
			return fmt.Errorf("allowedAgents: %w", err)
		}
	}
	for _, role := range p.RequireApprovalFor {
		if err := role.Validate(); err != nil {
			return fmt.Errorf("requireApprovalFor: %w", err)
		}
	}
	for i, kw := range p.ForbiddenKeywords {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("forbiddenKeywords[%d] is empty", i)
		}
	}
	return nil
}

// Merge overlays o onto p: lists from o replace p's when set, and SafeMode is
// enabled if either enables it.
func (p ExecutionPolicy) Merge(o ExecutionPolicy) ExecutionPolicy {
	out := p
	if len(o.AllowedAgents) > 0 {
		out.AllowedAgents = o.AllowedAgents
	}
	if len(o.RequireApprovalFor) > 0 {
		out.RequireApprovalFor = o.RequireApprovalFor
	}
	if len(o.ForbiddenKeywords) > 0 {
		out.ForbiddenKeywords = o.ForbiddenKeywords
	}
	out.SafeMode = p.SafeMode || o.SafeMode
	return out
}

func containsRole(roles []domain.AgentRole, role domain.AgentRole) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
