package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Plan errors (PLAN-001 to PLAN-099)
	ErrCodePlanParse     ErrorCode = "PLAN-001"
	ErrCodePlanInvalid   ErrorCode = "PLAN-002"
	ErrCodePlanCyclicDep ErrorCode = "PLAN-003"
	ErrCodePlanGenerate  ErrorCode = "PLAN-004"

	// Orchestration errors (ORCH-001 to ORCH-099)
	ErrCodeOrchestrationNotFound ErrorCode = "ORCH-001"
	ErrCodeNotWaitingApproval    ErrorCode = "ORCH-002"
	ErrCodeOrchestrationExpired  ErrorCode = "ORCH-003"
	ErrCodeAgentNotRegistered    ErrorCode = "ORCH-004"
	ErrCodeInvalidTransition     ErrorCode = "ORCH-005"
	ErrCodeInvalidRequest        ErrorCode = "ORCH-006"

	// Sandbox errors (SANDBOX-001 to SANDBOX-099)
	ErrCodeSandboxConfigInvalid ErrorCode = "SANDBOX-001"
	ErrCodeSandboxImageDenied   ErrorCode = "SANDBOX-002"

	// Policy errors (POLICY-001 to POLICY-099)
	ErrCodePolicyLoad       ErrorCode = "POLICY-001"
	ErrCodeForbiddenKeyword ErrorCode = "POLICY-002"
	ErrCodeAgentNotAllowed  ErrorCode = "POLICY-003"

	// Configuration errors (CONFIG-001 to CONFIG-099)
	ErrCodeConfigInvalid ErrorCode = "CONFIG-001"
)

// Error represents an enhanced error with code, suggestions, and documentation
type Error struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	if e.DocsURL != "" {
		b.WriteString(fmt.Sprintf("\n\nDocumentation: %s", e.DocsURL))
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error carrying the same code.
// This lets callers match on a bare code value: errors.Is(err, errors.New(code, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new Error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new Error wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithDocs adds a documentation URL to the error
func (e *Error) WithDocs(url string) *Error {
	e.DocsURL = url
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Brief returns a single-line description of err without suggestions or docs.
func Brief(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if !stderrors.As(err, &coded) {
		return err.Error()
	}
	msg := fmt.Sprintf("[%s] %s", coded.Code, coded.Message)
	if coded.Cause != nil {
		msg += ": " + Brief(coded.Cause)
	}
	return msg
}

// Common error constructors for frequently used errors

// NewPlanParseError creates an error for generator output that cannot be parsed into a plan
func NewPlanParseError(cause error) *Error {
	return Wrap(ErrCodePlanParse, "plan generator returned output that is not a valid plan", cause).
		WithSuggestion("Check that the generator responds with a single JSON object").
		WithSuggestion("Use the fixture generator to run without an external model")
}

// NewPlanInvalidError creates a plan structural validation error
func NewPlanInvalidError(details string) *Error {
	return New(ErrCodePlanInvalid, fmt.Sprintf("invalid plan: %s", details)).
		WithSuggestion("Subtask ids must be unique and dependencies must reference ids in the same plan")
}

// NewPlanCycleError creates a dependency cycle error
func NewPlanCycleError(path []string) *Error {
	return New(ErrCodePlanCyclicDep, fmt.Sprintf("dependency cycle detected: %s", strings.Join(path, " -> "))).
		WithSuggestion("Regenerate the plan or set orchestrator.cycle_policy=force to break cycles")
}

// NewOrchestrationNotFoundError creates an unknown orchestration error
func NewOrchestrationNotFoundError(id string) *Error {
	return New(ErrCodeOrchestrationNotFound, fmt.Sprintf("orchestration not found: %s", id))
}

// NewNotWaitingApprovalError creates an approval-on-wrong-state error
func NewNotWaitingApprovalError(id, status string) *Error {
	return New(ErrCodeNotWaitingApproval, fmt.Sprintf("orchestration %s is not waiting for approval (status: %s)", id, status))
}

// NewOrchestrationExpiredError creates an expired approval error
func NewOrchestrationExpiredError(id string) *Error {
	return New(ErrCodeOrchestrationExpired, fmt.Sprintf("approval window for orchestration %s has expired", id)).
		WithSuggestion("Submit the request again to start a new orchestration")
}

// NewInvalidRequestError creates a rejected submission error
func NewInvalidRequestError(details string) *Error {
	return New(ErrCodeInvalidRequest, fmt.Sprintf("invalid orchestration request: %s", details))
}

// NewAgentNotRegisteredError creates a missing worker role error
func NewAgentNotRegisteredError(role string) *Error {
	return New(ErrCodeAgentNotRegistered, fmt.Sprintf("no worker registered for role: %s", role))
}

// NewForbiddenKeywordError creates a forbidden keyword policy error
func NewForbiddenKeywordError(taskID, keyword string) *Error {
	return New(ErrCodeForbiddenKeyword, fmt.Sprintf("task %s matches forbidden keyword %q", taskID, keyword)).
		WithSuggestion("Review executionPolicy.forbiddenKeywords")
}

// NewSandboxConfigError creates a sandbox configuration error
func NewSandboxConfigError(details string) *Error {
	return New(ErrCodeSandboxConfigInvalid, fmt.Sprintf("invalid sandbox configuration: %s", details))
}

// NewImageDeniedError creates an image allowlist violation
func NewImageDeniedError(image string) *Error {
	return New(ErrCodeSandboxImageDenied, fmt.Sprintf("image not in allowlist: %s", image)).
		WithSuggestion("Add the image to sandbox.image_allowlist")
}

// NewConfigInvalidError creates a configuration validation error
func NewConfigInvalidError(details string) *Error {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", details))
}
