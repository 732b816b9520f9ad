package domain

import (
	"testing"

	"pgregory.net/rapid"
)

func genValidPriority() *rapid.Generator[Priority] {
	return rapid.SampledFrom([]Priority{PriorityHigh, PriorityMedium, PriorityLow})
}

func genValidRisk() *rapid.Generator[RiskLevel] {
	return rapid.SampledFrom([]RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical})
}

// TestPriority_ComparisonIsAntisymmetric tests that if p1 > p2 then p2 < p1
func TestPriority_ComparisonIsAntisymmetric(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p1 := genValidPriority().Draw(t, "p1")
		p2 := genValidPriority().Draw(t, "p2")

		if p1.IsHigherThan(p2) && !p2.IsLowerThan(p1) {
			t.Fatalf("%s > %s but %s is not < %s", p1, p2, p2, p1)
		}
		if p1.IsHigherThan(p2) && p2.IsHigherThan(p1) {
			t.Fatalf("%s and %s are both higher than each other", p1, p2)
		}
	})
}

// TestPriority_ComparisonIsComplete tests that distinct priorities are always ordered
func TestPriority_ComparisonIsComplete(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p1 := genValidPriority().Draw(t, "p1")
		p2 := genValidPriority().Draw(t, "p2")

		if p1 != p2 && !p1.IsHigherThan(p2) && !p1.IsLowerThan(p2) {
			t.Fatalf("%s and %s are not ordered", p1, p2)
		}
	})
}

// TestPriority_InvalidStringsFail tests that anything outside the set is rejected
func TestPriority_InvalidStringsFail(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[A-Za-z]{0,10}`).Filter(func(s string) bool {
			return s != "high" && s != "medium" && s != "low"
		}).Draw(t, "value")

		if _, err := NewPriority(s); err == nil {
			t.Fatalf("NewPriority(%q) should fail", s)
		}
	})
}

// TestRiskLevel_OnlyCriticalForcesApproval tests the approval rule over every level
func TestRiskLevel_OnlyCriticalForcesApproval(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := genValidRisk().Draw(t, "risk")

		if r.ForcesApproval() != (r == RiskCritical) {
			t.Fatalf("ForcesApproval(%s) = %v", r, r.ForcesApproval())
		}
		if !r.AtLeast(RiskLow) {
			t.Fatalf("%s should be at least low", r)
		}
	})
}
