package domain

import "fmt"

// TaskType classifies what a subtask does.
type TaskType string

const (
	TaskAnalyze  TaskType = "analyze"
	TaskRefactor TaskType = "refactor"
	TaskTest     TaskType = "test"
	TaskSecurity TaskType = "security"
	TaskReview   TaskType = "review"
	TaskDeploy   TaskType = "deploy"
)

// AllTaskTypes lists every task type in plan order.
var AllTaskTypes = []TaskType{TaskAnalyze, TaskSecurity, TaskTest, TaskRefactor, TaskReview, TaskDeploy}

// Validate checks if the task type is known
func (t TaskType) Validate() error {
	for _, known := range AllTaskTypes {
		if t == known {
			return nil
		}
	}
	return fmt.Errorf("invalid task type %q", string(t))
}

// Modifies reports whether the task changes the repository or its deployment.
func (t TaskType) Modifies() bool {
	return t == TaskRefactor || t == TaskDeploy
}

// String returns the string representation
func (t TaskType) String() string {
	return string(t)
}

// DefaultRole is the worker role that normally handles this task type.
func (t TaskType) DefaultRole() AgentRole {
	switch t {
	case TaskRefactor:
		return RoleOperator
	case TaskTest:
		return RoleOperator
	case TaskReview:
		return RoleReviewer
	case TaskDeploy:
		return RoleExecutor
	default:
		return RoleAdvisor
	}
}
