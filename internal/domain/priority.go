package domain

import "fmt"

// Priority represents a subtask priority level.
// This is a value object that enforces valid priority values.
type Priority string

// Valid priority levels
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// NewPriority creates a new Priority value object with validation
func NewPriority(value string) (Priority, error) {
	p := Priority(value)
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

// Validate checks if the priority is valid
func (p Priority) Validate() error {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return nil
	default:
		return fmt.Errorf("invalid priority %q: must be high, medium, or low", string(p))
	}
}

// String returns the string representation
func (p Priority) String() string {
	return string(p)
}

// IsHigherThan checks if this priority is higher than another
func (p Priority) IsHigherThan(other Priority) bool {
	return priorityRank(p) > priorityRank(other)
}

// IsLowerThan checks if this priority is lower than another
func (p Priority) IsLowerThan(other Priority) bool {
	return priorityRank(p) < priorityRank(other)
}

// priorityRank returns the numeric rank of a priority (higher = more important)
func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}
