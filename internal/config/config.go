// Package config loads the legacyguard service configuration.
//
// Values are resolved from, highest precedence first: LEGACYGUARD_* environment
// variables, an optional YAML file, and the defaults returned by Default.
package config

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
	"github.com/felixgeelhaar/legacyguard/internal/schedule"
)

// Planner modes
const (
	PlannerFixture  = "fixture"
	PlannerProvider = "provider"
)

// Config holds the complete service configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Sandbox      SandboxConfig      `koanf:"sandbox"`
	Audit        AuditConfig        `koanf:"audit"`
	Planner      PlannerConfig      `koanf:"planner"`
	Events       EventsConfig       `koanf:"events"`
	Log          LogConfig          `koanf:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address         string        `koanf:"address"`
	RateLimitRPS    float64       `koanf:"rate_limit_rps"`
	RateLimitBurst  int           `koanf:"rate_limit_burst"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// TrustedProxies are CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `koanf:"trusted_proxies"`
	// IncidentRepoPath is the default repository for incident webhooks.
	IncidentRepoPath string `koanf:"incident_repo_path"`
}

// OrchestratorConfig holds orchestration limits.
type OrchestratorConfig struct {
	MaxConcurrency int           `koanf:"max_concurrency"`
	ApprovalTTL    time.Duration `koanf:"approval_ttl"`
	// ArchiveDir receives state snapshots. Empty disables archiving.
	ArchiveDir string `koanf:"archive_dir"`
	// ArchiveRetention bounds how long snapshots stay in ArchiveDir.
	ArchiveRetention time.Duration `koanf:"archive_retention"`
	CyclePolicy      string        `koanf:"cycle_policy"`
	// PolicyFile is an optional default ExecutionPolicy file.
	PolicyFile     string `koanf:"policy_file"`
	CreateBranches bool   `koanf:"create_branches"`
}

// SandboxConfig holds defaults for validation runs.
type SandboxConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Timeout        time.Duration `koanf:"timeout"`
	FailMode       string        `koanf:"fail_mode"`
	RunnerPath     string        `koanf:"runner_path"`
	Runtime        string        `koanf:"runtime"`
	Memory         string        `koanf:"memory"`
	CPUs           string        `koanf:"cpus"`
	MaxParallel    int           `koanf:"max_parallel"`
	ImageAllowlist []string      `koanf:"image_allowlist"`
}

// AuditConfig selects audit sinks. The memory ring is always on.
type AuditConfig struct {
	DatabaseURL    Secret `koanf:"database_url"`
	Dir            string `koanf:"dir"`
	MemoryCapacity int    `koanf:"memory_capacity"`
}

// PlannerConfig selects the plan generator.
type PlannerConfig struct {
	Mode string `koanf:"mode"`
	// Provider is "openai" (also any compatible gateway) or "anthropic".
	Provider string        `koanf:"provider"`
	BaseURL  string        `koanf:"base_url"`
	Model    string        `koanf:"model"`
	APIKey   Secret        `koanf:"api_key"`
	Timeout  time.Duration `koanf:"timeout"`
}

// EventsConfig tunes the event broker and its optional NATS bridge.
type EventsConfig struct {
	HistorySize       int    `koanf:"history_size"`
	SubscriberBuffer  int    `koanf:"subscriber_buffer"`
	NATSURL           string `koanf:"nats_url"`
	NATSSubjectPrefix string `koanf:"nats_subject_prefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			RateLimitRPS:    1,
			RateLimitBurst:  5,
			ShutdownTimeout: 10 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrency:   4,
			ApprovalTTL:      24 * time.Hour,
			ArchiveRetention: 7 * 24 * time.Hour,
			CyclePolicy:      string(schedule.CycleForce),
		},
		Sandbox: SandboxConfig{
			Enabled:     false,
			Timeout:     sandbox.DefaultTimeout,
			FailMode:    string(sandbox.FailModeFail),
			Runtime:     "auto",
			Memory:      "512m",
			CPUs:        "1",
			MaxParallel: sandbox.DefaultMaxParallel,
		},
		Audit: AuditConfig{
			MemoryCapacity: 200,
		},
		Planner: PlannerConfig{
			Mode:     PlannerFixture,
			Provider: "openai",
			BaseURL:  "https://api.openai.com/v1",
			Model:    "gpt-4o-mini",
			Timeout:  60 * time.Second,
		},
		Events: EventsConfig{
			HistorySize:       512,
			SubscriberBuffer:  64,
			NATSSubjectPrefix: "legacyguard.events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.NewConfigInvalidError("server.address is required")
	}
	if c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst <= 0 {
		return errors.NewConfigInvalidError("server.rate_limit_rps and server.rate_limit_burst must be positive")
	}
	if c.Orchestrator.MaxConcurrency <= 0 {
		return errors.NewConfigInvalidError(fmt.Sprintf("orchestrator.max_concurrency must be positive, got %d", c.Orchestrator.MaxConcurrency))
	}
	if c.Orchestrator.ApprovalTTL <= 0 {
		return errors.NewConfigInvalidError("orchestrator.approval_ttl must be positive")
	}
	if c.Orchestrator.ArchiveRetention < 0 {
		return errors.NewConfigInvalidError("orchestrator.archive_retention must not be negative")
	}
	if _, err := schedule.ParseCyclePolicy(c.Orchestrator.CyclePolicy); err != nil {
		return errors.NewConfigInvalidError(err.Error())
	}
	switch sandbox.FailMode(c.Sandbox.FailMode) {
	case sandbox.FailModeFail, sandbox.FailModeWarn:
	default:
		return errors.NewConfigInvalidError(fmt.Sprintf("sandbox.fail_mode must be fail or warn, got %q", c.Sandbox.FailMode))
	}
	if c.Sandbox.Timeout <= 0 || c.Sandbox.Timeout > sandbox.MaxTimeout {
		return errors.NewConfigInvalidError(fmt.Sprintf("sandbox.timeout must be between 0 and %s, got %s", sandbox.MaxTimeout, c.Sandbox.Timeout))
	}
	switch c.Sandbox.Runtime {
	case "auto", "docker", "podman", "none":
	default:
		return errors.NewConfigInvalidError(fmt.Sprintf("sandbox.runtime must be auto, docker, podman or none, got %q", c.Sandbox.Runtime))
	}
	if c.Sandbox.MaxParallel <= 0 {
		return errors.NewConfigInvalidError("sandbox.max_parallel must be positive")
	}
	if c.Audit.MemoryCapacity <= 0 {
		return errors.NewConfigInvalidError("audit.memory_capacity must be positive")
	}
	switch c.Planner.Mode {
	case PlannerFixture:
	case PlannerProvider:
		if c.Planner.BaseURL == "" || c.Planner.Model == "" {
			return errors.NewConfigInvalidError("planner.base_url and planner.model are required in provider mode")
		}
	default:
		return errors.NewConfigInvalidError(fmt.Sprintf("planner.mode must be fixture or provider, got %q", c.Planner.Mode))
	}
	if c.Events.HistorySize <= 0 || c.Events.SubscriberBuffer <= 0 {
		return errors.NewConfigInvalidError("events.history_size and events.subscriber_buffer must be positive")
	}
	return nil
}

// LoggerConfig converts the log section for log.New.
func (c *Config) LoggerConfig() log.Config {
	return log.ConfigFrom(c.Log.Level, c.Log.Format, nil)
}

// ContainerLimits converts the sandbox section into container limits.
func (c *Config) ContainerLimits() sandbox.ContainerLimits {
	l := sandbox.DefaultContainerLimits()
	if c.Sandbox.Memory != "" {
		l.Memory = c.Sandbox.Memory
	}
	if c.Sandbox.CPUs != "" {
		l.CPUs = c.Sandbox.CPUs
	}
	return l
}

// SandboxDefaults is the run configuration used when a request does not
// supply its own.
func (c *Config) SandboxDefaults(repoPath string) sandbox.Config {
	return sandbox.Config{
		Enabled:    c.Sandbox.Enabled,
		RepoPath:   repoPath,
		RunnerPath: c.Sandbox.RunnerPath,
		TimeoutMs:  c.Sandbox.Timeout.Milliseconds(),
		FailMode:   sandbox.FailMode(c.Sandbox.FailMode),
	}
}

// Detector returns the runtime detector selected by sandbox.runtime.
func (c *Config) Detector() sandbox.RuntimeDetector {
	switch c.Sandbox.Runtime {
	case "none":
		return sandbox.StaticDetector{}
	case "docker", "podman":
		return sandbox.NewExecDetector(c.Sandbox.Runtime)
	default:
		return sandbox.NewExecDetector()
	}
}
