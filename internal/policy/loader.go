package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/legacyguard/internal/domain"
	"github.com/felixgeelhaar/legacyguard/internal/errors"
)

// LoadPolicy reads a Policy from a YAML file
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodePolicyLoad, "read policy file", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, errors.Wrap(errors.ErrCodePolicyLoad, "unmarshal policy", err)
	}
	if err := policy.Execution.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodePolicyLoad, "invalid execution policy", err)
	}
	if policy.Sandbox != nil {
		if err := policy.Sandbox.Validate(); err != nil {
			return nil, errors.Wrap(errors.ErrCodePolicyLoad, "invalid sandbox policy", err)
		}
	}
	return &policy, nil
}

// LoadExecutionPolicy reads only the execution section of a policy file.
func LoadExecutionPolicy(path string) (*ExecutionPolicy, error) {
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	return &p.Execution, nil
}

// DefaultPolicy returns a policy with sensible defaults
func DefaultPolicy() *Policy {
	return &Policy{
		Execution: ExecutionPolicy{
			RequireApprovalFor: []domain.AgentRole{domain.RoleExecutor},
			SafeMode:           true,
		},
	}
}

// SavePolicy writes a Policy to a YAML file
func SavePolicy(policy *Policy, path string) error {
	data, err := yaml.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write policy file: %w", err)
	}

	return nil
}
