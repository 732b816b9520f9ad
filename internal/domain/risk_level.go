package domain

import "fmt"

// RiskLevel is the qualitative severity of a plan.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// NewRiskLevel creates a new RiskLevel value object with validation
func NewRiskLevel(value string) (RiskLevel, error) {
	r := RiskLevel(value)
	if err := r.Validate(); err != nil {
		return "", err
	}
	return r, nil
}

// Validate checks if the risk level is valid
func (r RiskLevel) Validate() error {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return nil
	default:
		return fmt.Errorf("invalid risk level %q: must be low, medium, high, or critical", string(r))
	}
}

// AtLeast reports whether r is as severe as other or more.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank(r) >= riskRank(other)
}

// ForcesApproval reports whether this level makes approval mandatory.
func (r RiskLevel) ForcesApproval() bool {
	return r == RiskCritical
}

// String returns the string representation
func (r RiskLevel) String() string {
	return string(r)
}

func riskRank(r RiskLevel) int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}
