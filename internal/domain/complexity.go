package domain

const (
	// MinComplexity is the lowest estimated complexity of a subtask
	MinComplexity = 1
	// MaxComplexity is the highest estimated complexity of a subtask
	MaxComplexity = 10
	// DefaultComplexity is used when the generator omits an estimate
	DefaultComplexity = 5
)

// ClampComplexity returns c bounded to [MinComplexity, MaxComplexity].
// Zero or negative values become DefaultComplexity.
func ClampComplexity(c int) int {
	if c <= 0 {
		return DefaultComplexity
	}
	if c > MaxComplexity {
		return MaxComplexity
	}
	return c
}
