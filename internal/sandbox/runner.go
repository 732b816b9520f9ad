package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/security"
)

// DefaultMaxParallel bounds concurrent runs per Runner.
const DefaultMaxParallel = 2

// runtimeCacheTTL is how long a runtime detection result is reused.
const runtimeCacheTTL = 30 * time.Second

// Options configure a Runner.
type Options struct {
	// Detector finds the container runtime. Defaults to NewExecDetector().
	Detector RuntimeDetector
	// Limits are applied to container runs.
	Limits ContainerLimits
	// Images restricts container images. Nil allows all.
	Images *ImagePolicy
	// MaxParallel bounds concurrent runs. Defaults to DefaultMaxParallel.
	MaxParallel int
	// OnResult observes every finished run.
	OnResult func(Result)
	Logger   *log.Logger
}

// Runner executes validation commands under the strongest available isolation tier.
type Runner struct {
	detector RuntimeDetector
	limits   ContainerLimits
	images   *ImagePolicy
	onResult func(Result)
	sem      chan struct{}
	logger   *log.Logger

	mu         sync.Mutex
	runtime    RuntimeInfo
	detectedAt time.Time
	now        func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(opts Options) *Runner {
	if opts.Detector == nil {
		opts.Detector = NewExecDetector()
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	return &Runner{
		detector: opts.Detector,
		limits:   opts.Limits.withDefaults(),
		images:   opts.Images,
		onResult: opts.OnResult,
		sem:      make(chan struct{}, opts.MaxParallel),
		logger:   opts.Logger.WithComponent("sandbox"),
		now:      time.Now,
	}
}

// Run executes cfg and returns its result. It never returns a Go error: timeouts,
// policy denials and start failures are all reported through Result. Output lines
// are masked and forwarded to sink as they are produced; sink may be nil.
func (r *Runner) Run(ctx context.Context, cfg Config, sink LogSink) Result {
	if !cfg.Enabled {
		return Result{Success: true, ExitCode: 0, Stdout: "Sandbox disabled", Method: MethodNative}
	}
	if err := cfg.Validate(); err != nil {
		return Result{ExitCode: 1, Error: err.Error(), Method: MethodNative}
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return Result{ExitCode: TimeoutExitCode, Error: "Canceled: " + ctx.Err().Error(), Method: MethodNative}
	}

	repo, err := filepath.Abs(cfg.RepoPath)
	if err != nil {
		repo = cfg.RepoPath
	}

	language := cfg.LanguageHint
	if language == "" {
		language = DetectLanguage(repo)
	}
	command := cfg.Command
	if command == "" {
		command = ResolveCommand(repo, cfg.LanguageHint)
	}
	if command == "" {
		command = fallbackCommand
	}

	var method Method
	var sinkMu sync.Mutex
	emit := func(stream Stream, text string) {
		if sink == nil {
			return
		}
		line := LogLine{Method: method, Stream: stream, Text: security.MaskSecrets(text), Time: time.Now()}
		sinkMu.Lock()
		defer sinkMu.Unlock()
		sink(line)
	}

	timeout := cfg.Timeout()
	logger := r.logger.With("repo", repo, "timeout_ms", timeout.Milliseconds())

	var res Result
	info := r.Runtime(ctx)
	switch {
	case info.Available && (cfg.UseContainer == nil || *cfg.UseContainer):
		method = MethodContainer
		image := ImageFor(language)
		if err := r.images.Check(image); err != nil {
			logger.WithError(err).Warn("container image rejected", "image", image)
			emit(StreamSystem, "Container image rejected: "+image)
			res = Result{ExitCode: 1, Stderr: err.Error(), Error: err.Error(), Method: MethodContainer}
		} else {
			emit(StreamSystem, "Running in "+info.Name+" container "+image)
			res = r.runContainer(ctx, info, image, repo, command, timeout, emit)
		}
		res.Image = image

	case cfg.RunnerPath != "" && scriptedShellSupported() && fileExists(cfg.RunnerPath):
		method = MethodScripted
		emit(StreamSystem, "Running through scripted shell "+cfg.RunnerPath)
		res = runProcess(ctx, processSpec{
			method:  MethodScripted,
			name:    scriptInterpreter(),
			args:    []string{cfg.RunnerPath},
			dir:     repo,
			env:     scriptedEnv(repo, command, timeout),
			timeout: timeout,
		}, emit)

	default:
		method = MethodNative
		logger.Warn("running without isolation", "command", security.MaskSecrets(command))
		emit(StreamSystem, "WARNING: running without isolation")
		name, args := shellCommand(command)
		res = runProcess(ctx, processSpec{
			method:  MethodNative,
			name:    name,
			args:    args,
			dir:     repo,
			timeout: timeout,
		}, emit)
	}

	res.Command = command
	res.Language = language
	res.Stdout = security.MaskSecrets(res.Stdout)
	res.Stderr = security.MaskSecrets(res.Stderr)

	if !res.Success && cfg.EffectiveFailMode() == FailModeWarn {
		res.Success = true
		res.Warned = true
		emit(StreamSystem, "Validation failed with exit code "+strconv.Itoa(res.ExitCode)+"; continuing (failMode=warn)")
	}

	logger.Info("sandbox run finished",
		"method", string(res.Method),
		"success", res.Success,
		"exit_code", res.ExitCode,
		"duration_ms", res.DurationMs,
		"warned", res.Warned,
	)
	if r.onResult != nil {
		r.onResult(res)
	}
	return res
}

func (r *Runner) runContainer(ctx context.Context, info RuntimeInfo, image, repo, command string, timeout time.Duration, emit func(Stream, string)) Result {
	name := "legacyguard-" + uuid.NewString()[:12]
	args := buildContainerArgs(containerSpec{
		Name:     name,
		Image:    image,
		RepoPath: repo,
		Command:  command,
		Env:      sandboxVars(containerWorkdir, command, timeout),
		Limits:   r.limits,
	})

	runtimePath := info.Path
	if runtimePath == "" {
		runtimePath = info.Name
	}

	return runProcess(ctx, processSpec{
		method:  MethodContainer,
		name:    runtimePath,
		args:    args,
		timeout: timeout,
		onKill: func() {
			// The client process dying does not stop the container.
			killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := exec.CommandContext(killCtx, runtimePath, "kill", name).Run(); err != nil {
				r.logger.Debug("container kill failed", "container", name, "error", err.Error())
			}
		},
	}, emit)
}

// sandboxVars describes the run to the validation command, whichever tier executes it.
func sandboxVars(repo, command string, timeout time.Duration) map[string]string {
	return map[string]string{
		"SANDBOX_REPO_PATH":  repo,
		"SANDBOX_COMMAND":    command,
		"SANDBOX_TIMEOUT_MS": strconv.FormatInt(timeout.Milliseconds(), 10),
	}
}

func scriptedEnv(repo, command string, timeout time.Duration) []string {
	env := os.Environ()
	for k, v := range sandboxVars(repo, command, timeout) {
		env = append(env, k+"="+v)
	}
	return env
}

func scriptInterpreter() string {
	if path, err := exec.LookPath("bash"); err == nil {
		return path
	}
	return "/bin/sh"
}

// Runtime returns the detected container runtime, cached briefly.
func (r *Runner) Runtime(ctx context.Context) RuntimeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.detectedAt.IsZero() && r.now().Sub(r.detectedAt) < runtimeCacheTTL {
		return r.runtime
	}
	r.runtime = r.detector.Detect(ctx)
	r.detectedAt = r.now()
	return r.runtime
}

// Capabilities describes which isolation tiers this host offers.
type Capabilities struct {
	Container     bool        `json:"container"`
	Runtime       RuntimeInfo `json:"runtime"`
	ScriptedShell bool        `json:"scriptedShell"`
	Recommended   Method      `json:"recommended"`
}

// Capabilities inspects the host. runnerPath is the scripted-shell script that
// would be used, if any.
func (r *Runner) Capabilities(ctx context.Context, runnerPath string) Capabilities {
	info := r.Runtime(ctx)
	caps := Capabilities{
		Container:     info.Available,
		Runtime:       info,
		ScriptedShell: runnerPath != "" && scriptedShellSupported() && fileExists(runnerPath),
	}
	switch {
	case caps.Container:
		caps.Recommended = MethodContainer
	case caps.ScriptedShell:
		caps.Recommended = MethodScripted
	default:
		caps.Recommended = MethodNative
	}
	return caps
}
