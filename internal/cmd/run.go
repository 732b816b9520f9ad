package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/legacyguard/internal/events"
	"github.com/felixgeelhaar/legacyguard/internal/exitcode"
	"github.com/felixgeelhaar/legacyguard/internal/orchestrator"
	"github.com/felixgeelhaar/legacyguard/internal/policy"
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Plan and execute one request in-process",
	Long: `Plan the request, execute it wave by wave and print progress as it happens.

When policy requires approval the run pauses and asks for confirmation.
Declining leaves the orchestration unapproved and exits with code 5.

Example:
  legacyguard run "refactor the billing module" --repo ./billing --sandbox
  legacyguard run "fix flaky login test" --fixture --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runFixture    bool
	runPolicyFile string
	runSandbox    bool
	runRepo       string
	runContext    string
	runYes        bool
	runPlanFile   string
	runPlaybook   string
)

// confirmApproval asks the operator whether to resume. Replaced in tests.
var confirmApproval = func(title, description string) (bool, error) {
	approved := false
	confirm := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Approve").
		Negative("Decline").
		Value(&approved)
	if err := huh.NewForm(huh.NewGroup(confirm)).Run(); err != nil {
		return false, fmt.Errorf("approval prompt: %w", err)
	}
	return approved, nil
}

func init() {
	runCmd.Flags().BoolVar(&runFixture, "fixture", false, "use the deterministic fixture planner")
	runCmd.Flags().StringVar(&runPolicyFile, "policy", "", "execution policy YAML merged over the configured policy")
	runCmd.Flags().BoolVar(&runSandbox, "sandbox", false, "validate risky tasks in the sandbox (requires --repo)")
	runCmd.Flags().StringVar(&runRepo, "repo", "", "repository the request applies to")
	runCmd.Flags().StringVar(&runContext, "context", "", "extra context passed to the planner")
	runCmd.Flags().StringVar(&runPlanFile, "plan-file", "", "execute a plan saved with 'legacyguard plan --out'")
	runCmd.Flags().StringVar(&runPlaybook, "playbook", "", "execute the plan compiled from this playbook")
	runCmd.MarkFlagsMutuallyExclusive("plan-file", "playbook")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "approve every gate without prompting")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevel == "" {
		cfg.Log.Level = "warn"
	}
	if logFormat == "" {
		cfg.Log.Format = "text"
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	st, err := buildStack(ctx, cfg, logger, stackOptions{fixture: runFixture, planFile: runPlanFile, playbookFile: runPlaybook})
	if err != nil {
		return err
	}
	defer st.Close()

	sub := orchestrator.Submission{
		Request:  args[0],
		Context:  runContext,
		RepoPath: runRepo,
	}
	if runSandbox {
		if runRepo == "" {
			return exitcode.WithCode(exitcode.UsageError, fmt.Errorf("--sandbox requires --repo"))
		}
		sc := cfg.SandboxDefaults(runRepo)
		sc.Enabled = true
		sub.Sandbox = &sc
	}
	if runPolicyFile != "" {
		p, err := policy.LoadExecutionPolicy(runPolicyFile)
		if err != nil {
			return err
		}
		sub.ExecutionPolicy = p
	}

	svc := orchestrator.NewService(st.deps, orchestrator.ServiceOptions{BasePolicy: st.basePolicy})
	id, err := svc.Submit(ctx, sub)
	if err != nil {
		return err
	}

	out := newRenderer(cmd.OutOrStdout())
	declined, err := follow(ctx, svc, id, out)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = svc.Shutdown(shutdownCtx)
		return err
	}
	svc.Wait()

	final, err := svc.Get(id)
	if err != nil {
		return err
	}
	out.Summary(final)
	return runOutcome(final, declined)
}

// follow renders events until the orchestration ends or an approval is declined.
func follow(ctx context.Context, svc *orchestrator.Service, id string, out *renderer) (declined string, err error) {
	sub := svc.Events().Subscribe(id, nil)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return "", nil
			}
			out.Event(ev)
			if ev.Type != events.TypeApprovalRequired {
				continue
			}

			approved := runYes
			if !approved {
				reason, _ := ev.Data["reason"].(string)
				approved, err = confirmApproval(fmt.Sprintf("Approve task %s?", ev.TaskID), reason)
				if err != nil {
					return "", err
				}
			}
			if !approved {
				return ev.TaskID, nil
			}
			if _, err := svc.Approve(ctx, id); err != nil {
				return "", err
			}
		}
	}
}

func runOutcome(st orchestrator.State, declined string) error {
	if declined != "" {
		return exitcode.WithCode(exitcode.ApprovalPending,
			fmt.Errorf("approval for task %s declined; orchestration %s was not resumed", declined, st.ID))
	}
	switch st.Status {
	case orchestrator.StatusFailed:
		return fmt.Errorf("orchestration failed: %s", st.Error)
	case orchestrator.StatusExpired:
		return exitcode.WithCode(exitcode.ApprovalPending, fmt.Errorf("orchestration expired: %s", st.Error))
	}
	if s := st.Summarize(); s.Failed > 0 || s.Blocked > 0 {
		return exitcode.WithCode(exitcode.ValidationFailed,
			fmt.Errorf("%d task(s) failed and %d blocked", s.Failed, s.Blocked))
	}
	return nil
}
