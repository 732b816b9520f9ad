package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/legacyguard/internal/plan"
	"github.com/felixgeelhaar/legacyguard/internal/repoinfo"
	"github.com/felixgeelhaar/legacyguard/internal/schedule"
)

var planCmd = &cobra.Command{
	Use:   "plan <request>",
	Short: "Generate a plan and its wave schedule without executing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

var (
	planFixture bool
	planJSON    bool
	planRepo    string
	planContext string
	planFrom    string
	planOut     string
	planBook    string
)

// planOutput is the --json document.
type planOutput struct {
	Plan  *plan.Plan      `json:"plan"`
	Waves []schedule.Wave `json:"waves"`
}

func init() {
	planCmd.Flags().BoolVar(&planFixture, "fixture", false, "use the deterministic fixture planner")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "print the plan and waves as JSON")
	planCmd.Flags().StringVar(&planRepo, "repo", "", "repository to describe to the planner")
	planCmd.Flags().StringVar(&planContext, "context", "", "extra context passed to the planner")
	planCmd.Flags().StringVar(&planFrom, "plan-file", "", "replay a plan saved with --out")
	planCmd.Flags().StringVarP(&planOut, "out", "o", "", "save the generated plan to this file")
	planCmd.Flags().StringVar(&planBook, "playbook", "", "compile this playbook instead of generating a plan")
	planCmd.MarkFlagsMutuallyExclusive("plan-file", "playbook")

	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevel == "" {
		cfg.Log.Level = "warn"
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	st, err := buildStack(ctx, cfg, logger, stackOptions{fixture: planFixture, planFile: planFrom, playbookFile: planBook})
	if err != nil {
		return err
	}
	defer st.Close()

	req := plan.Request{Text: args[0], Context: planContext}
	if planRepo != "" {
		info, err := repoinfo.Inspect(ctx, planRepo, repoinfo.Options{})
		if err != nil {
			return err
		}
		req.Repo = info
	}

	p, err := st.deps.Planner.Plan(ctx, req)
	if err != nil {
		return err
	}
	waves, err := st.deps.Scheduler.Schedule(p.Subtasks)
	if err != nil {
		return err
	}
	if planOut != "" {
		if err := plan.SavePlan(p, planOut); err != nil {
			return err
		}
	}

	if planJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(planOutput{Plan: p, Waves: waves}); err != nil {
			return fmt.Errorf("encode plan: %w", err)
		}
		return nil
	}
	newRenderer(cmd.OutOrStdout()).Plan(p, waves)
	return nil
}
