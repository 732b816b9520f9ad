package domain

import "testing"

func TestTaskType_Validate(t *testing.T) {
	for _, tt := range AllTaskTypes {
		if err := tt.Validate(); err != nil {
			t.Errorf("%s should be valid: %v", tt, err)
		}
	}
	if err := TaskType("migrate").Validate(); err == nil {
		t.Error("unknown task type should be invalid")
	}
}

func TestTaskType_Modifies(t *testing.T) {
	tests := []struct {
		taskType TaskType
		want     bool
	}{
		{TaskAnalyze, false},
		{TaskSecurity, false},
		{TaskTest, false},
		{TaskReview, false},
		{TaskRefactor, true},
		{TaskDeploy, true},
	}

	for _, tt := range tests {
		t.Run(tt.taskType.String(), func(t *testing.T) {
			if got := tt.taskType.Modifies(); got != tt.want {
				t.Errorf("Modifies() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskType_DefaultRole(t *testing.T) {
	tests := []struct {
		taskType TaskType
		want     AgentRole
	}{
		{TaskAnalyze, RoleAdvisor},
		{TaskSecurity, RoleAdvisor},
		{TaskRefactor, RoleOperator},
		{TaskTest, RoleOperator},
		{TaskReview, RoleReviewer},
		{TaskDeploy, RoleExecutor},
	}

	for _, tt := range tests {
		t.Run(tt.taskType.String(), func(t *testing.T) {
			if got := tt.taskType.DefaultRole(); got != tt.want {
				t.Errorf("DefaultRole() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewAgentRole(t *testing.T) {
	for _, r := range AllRoles {
		got, err := NewAgentRole(string(r))
		if err != nil || got != r {
			t.Errorf("NewAgentRole(%q) = %v, %v", r, got, err)
		}
	}
	if _, err := NewAgentRole("admin"); err == nil {
		t.Error("unknown role should be rejected")
	}
	if !RoleExecutor.RequiresValidation() || RoleAdvisor.RequiresValidation() {
		t.Error("only executor requires sandbox validation")
	}
}

func TestRiskLevel_AtLeast(t *testing.T) {
	tests := []struct {
		name  string
		r     RiskLevel
		other RiskLevel
		want  bool
	}{
		{"critical >= high", RiskCritical, RiskHigh, true},
		{"high >= high", RiskHigh, RiskHigh, true},
		{"medium < high", RiskMedium, RiskHigh, false},
		{"low < medium", RiskLow, RiskMedium, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.AtLeast(tt.other); got != tt.want {
				t.Errorf("AtLeast() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := NewRiskLevel("severe"); err == nil {
		t.Error("unknown risk level should be rejected")
	}
}

func TestClampComplexity(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultComplexity},
		{-3, DefaultComplexity},
		{1, 1},
		{7, 7},
		{10, 10},
		{42, MaxComplexity},
	}

	for _, tt := range tests {
		if got := ClampComplexity(tt.in); got != tt.want {
			t.Errorf("ClampComplexity(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
