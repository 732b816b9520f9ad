// Package exitcode maps command errors to process exit codes.
package exitcode

import (
	"context"
	stderrors "errors"
	"os"
	"strings"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
)

// Exit codes for consistent error handling across the CLI
const (
	Success      = 0
	GeneralError = 1
	// UsageError covers bad flags, missing arguments and invalid requests.
	UsageError = 2
	// PolicyViolation covers forbidden keywords, disallowed roles and denied images.
	PolicyViolation = 3
	// PlanError covers unparseable, invalid or cyclic plans.
	PlanError = 4
	// ApprovalPending means a run stopped at an approval gate that was declined or expired.
	ApprovalPending = 5
	// ConfigError covers invalid configuration and policy files.
	ConfigError = 6
	// ValidationFailed means the orchestration finished with failed tasks or a failed sandbox run.
	ValidationFailed = 7
	// Interrupted follows the shell convention for SIGINT.
	Interrupted = 130
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with the code for err.
func ExitWithError(err error) {
	Exit(DetermineExitCode(err))
}

// Error carries an explicit exit code through cobra's error return.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// WithCode attaches code to err.
func WithCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// DetermineExitCode picks the exit code for err: explicit codes first, then
// structured error codes, then cobra's usage messages.
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	if stderrors.Is(err, context.Canceled) {
		return Interrupted
	}

	switch code := errors.CodeOf(err); {
	case code == errors.ErrCodeOrchestrationExpired || code == errors.ErrCodeNotWaitingApproval:
		return ApprovalPending
	case code == errors.ErrCodeInvalidRequest || code == errors.ErrCodeSandboxConfigInvalid:
		return UsageError
	case code == errors.ErrCodeConfigInvalid || code == errors.ErrCodePolicyLoad:
		return ConfigError
	case strings.HasPrefix(string(code), "POLICY-") || code == errors.ErrCodeSandboxImageDenied:
		return PolicyViolation
	case strings.HasPrefix(string(code), "PLAN-"):
		return PlanError
	case code != "":
		return GeneralError
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unknown flag") || strings.Contains(msg, "unknown command") ||
		strings.Contains(msg, "required flag") || strings.Contains(msg, "accepts ") {
		return UsageError
	}
	return GeneralError
}

// Description returns a human-readable description of an exit code
func Description(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags, arguments or request)"
	case PolicyViolation:
		return "Policy violation"
	case PlanError:
		return "Plan could not be generated or scheduled"
	case ApprovalPending:
		return "Approval declined or expired"
	case ConfigError:
		return "Invalid configuration"
	case ValidationFailed:
		return "Tasks or sandbox validation failed"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
