package sandbox

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
)

// Method is the isolation tier a run used.
type Method string

const (
	MethodContainer Method = "container"
	MethodScripted  Method = "scripted-shell"
	MethodNative    Method = "native"
)

// FailMode governs whether a failed run blocks the caller.
type FailMode string

const (
	// FailModeFail propagates a failed run unchanged
	FailModeFail FailMode = "fail"
	// FailModeWarn reports a failed run as successful while keeping its exit code and stderr
	FailModeWarn FailMode = "warn"
)

// Limits on the wall-clock timeout of a single run.
const (
	DefaultTimeout = 5 * time.Minute
	MaxTimeout     = 30 * time.Minute
)

// TimeoutExitCode is reported when a run is killed on timeout (128 + SIGKILL).
const TimeoutExitCode = 137

// TimeoutError is the Result.Error of a run killed on timeout.
const TimeoutError = "Timeout exceeded"

// Config describes one validation run.
type Config struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	RepoPath     string   `json:"repoPath,omitempty" yaml:"repo_path,omitempty"`
	Command      string   `json:"command,omitempty" yaml:"command,omitempty"`
	RunnerPath   string   `json:"runnerPath,omitempty" yaml:"runner_path,omitempty"`
	TimeoutMs    int64    `json:"timeoutMs,omitempty" yaml:"timeout_ms,omitempty"`
	FailMode     FailMode `json:"failMode,omitempty" yaml:"fail_mode,omitempty"`
	LanguageHint string   `json:"languageHint,omitempty" yaml:"language_hint,omitempty"`
	// UseContainer set to false skips the container tier even when a runtime is available.
	UseContainer *bool `json:"useContainer,omitempty" yaml:"use_container,omitempty"`
}

// Timeout returns the effective timeout: the configured value, DefaultTimeout when
// unset, capped at MaxTimeout.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	if c.TimeoutMs > MaxTimeout.Milliseconds() {
		return MaxTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// EffectiveFailMode returns FailModeFail unless warn was requested.
func (c Config) EffectiveFailMode() FailMode {
	if c.FailMode == FailModeWarn {
		return FailModeWarn
	}
	return FailModeFail
}

// Validate rejects configurations that cannot be run as given.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RepoPath == "" {
		return errors.NewSandboxConfigError("repoPath is required when the sandbox is enabled")
	}
	switch c.FailMode {
	case "", FailModeFail, FailModeWarn:
	default:
		return errors.NewSandboxConfigError(fmt.Sprintf("failMode must be fail or warn, got %q", c.FailMode))
	}
	if c.TimeoutMs < 0 {
		return errors.NewSandboxConfigError("timeoutMs cannot be negative")
	}
	if c.TimeoutMs > MaxTimeout.Milliseconds() {
		return errors.NewSandboxConfigError(fmt.Sprintf("timeoutMs cannot exceed %d", MaxTimeout.Milliseconds()))
	}
	return nil
}

// Result is the outcome of a run. Failures are reported here, never as Go errors.
type Result struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
	Method     Method `json:"method"`
	Error      string `json:"error,omitempty"`

	Command  string `json:"command,omitempty"`
	Image    string `json:"image,omitempty"`
	Language string `json:"language,omitempty"`
	// Warned is set when FailModeWarn turned a failure into success.
	Warned bool `json:"warned,omitempty"`
}

// Stream identifies which output a log line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	// StreamSystem lines are emitted by the runner itself.
	StreamSystem Stream = "system"
)

// LogLine is one line of output forwarded while a run is in progress.
type LogLine struct {
	Method Method    `json:"method"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// LogSink receives log lines as they are produced. The runner serializes calls.
type LogSink func(LogLine)
