package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/legacyguard/internal/exitcode"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
	"github.com/felixgeelhaar/legacyguard/internal/security"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Run validation commands under sandbox isolation",
}

var sandboxRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the repository's tests in the strongest available tier",
	Long: `Run a validation command against a repository. The container tier is used
when a runtime is reachable, then the scripted shell when a runner script is
configured, and finally the host itself without isolation.

Without --command the command is derived from the repository's language.`,
	Args: cobra.NoArgs,
	RunE: runSandboxRun,
}

var sandboxCapabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Show which isolation tiers this host offers",
	Args:  cobra.NoArgs,
	RunE:  runSandboxCapabilities,
}

var (
	sandboxRepo        string
	sandboxCommand     string
	sandboxTimeout     time.Duration
	sandboxFailMode    string
	sandboxNoContainer bool
)

func init() {
	sandboxRunCmd.Flags().StringVar(&sandboxRepo, "repo", "", "repository to validate (required)")
	sandboxRunCmd.Flags().StringVar(&sandboxCommand, "command", "", "command to run instead of the language preset")
	sandboxRunCmd.Flags().DurationVar(&sandboxTimeout, "timeout", 0, "override sandbox.timeout")
	sandboxRunCmd.Flags().StringVar(&sandboxFailMode, "fail-mode", "", "fail or warn; overrides sandbox.fail_mode")
	sandboxRunCmd.Flags().BoolVar(&sandboxNoContainer, "no-container", false, "skip the container tier")
	_ = sandboxRunCmd.MarkFlagRequired("repo")

	sandboxCmd.AddCommand(sandboxRunCmd, sandboxCapabilitiesCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func runSandboxRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevel == "" {
		cfg.Log.Level = "warn"
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	st, err := buildStack(ctx, cfg, logger, stackOptions{fixture: true})
	if err != nil {
		return err
	}
	defer st.Close()

	run := cfg.SandboxDefaults(sandboxRepo)
	run.Enabled = true
	run.Command = sandboxCommand
	if sandboxTimeout > 0 {
		run.TimeoutMs = sandboxTimeout.Milliseconds()
	}
	if sandboxFailMode != "" {
		run.FailMode = sandbox.FailMode(sandboxFailMode)
	}
	if sandboxNoContainer {
		off := false
		run.UseContainer = &off
	}
	if err := run.Validate(); err != nil {
		return err
	}

	out := newRenderer(cmd.OutOrStdout())
	res := st.runner.Run(ctx, run, func(line sandbox.LogLine) {
		line.Text = security.MaskSecrets(line.Text)
		out.LogLine(line)
	})
	out.SandboxResult(res)

	if !res.Success {
		return exitcode.WithCode(exitcode.ValidationFailed, fmt.Errorf("sandbox validation failed (exit %d)", res.ExitCode))
	}
	return nil
}

func runSandboxCapabilities(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runner := sandbox.NewRunner(sandbox.Options{
		Detector: cfg.Detector(),
		Logger:   newLogger(cfg, cmd.ErrOrStderr()),
	})
	caps := runner.Capabilities(cmd.Context(), cfg.Sandbox.RunnerPath)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(caps)
}
