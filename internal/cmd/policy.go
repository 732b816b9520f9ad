package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/legacyguard/internal/exitcode"
	"github.com/felixgeelhaar/legacyguard/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Create and check execution policy files",
}

var policyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default execution policy",
	Long: `Write the default execution policy: the executor role needs approval and
safe mode is on. Point orchestrator.policy_file or 'run --policy' at the result.`,
	Args: cobra.NoArgs,
	RunE: runPolicyInit,
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a policy file and print what it enforces",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyCheck,
}

var (
	policyOut   string
	policyForce bool
)

func init() {
	policyInitCmd.Flags().StringVarP(&policyOut, "out", "o", "legacyguard-policy.yaml", "file to write")
	policyInitCmd.Flags().BoolVar(&policyForce, "force", false, "overwrite an existing file")

	policyCmd.AddCommand(policyInitCmd, policyCheckCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicyInit(cmd *cobra.Command, _ []string) error {
	if _, err := os.Stat(policyOut); err == nil && !policyForce {
		return exitcode.WithCode(exitcode.UsageError, fmt.Errorf("%s already exists (use --force to overwrite)", policyOut))
	}
	if err := policy.SavePolicy(policy.DefaultPolicy(), policyOut); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", successStyle.Render("wrote"), policyOut)
	return nil
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	p, err := policy.LoadPolicy(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ex := p.Execution
	fmt.Fprintf(out, "%s %s\n", successStyle.Render("valid"), args[0])
	fmt.Fprintf(out, "  approval required for: %s\n", listOrNone(rolesOf(ex.RequireApprovalFor)))
	fmt.Fprintf(out, "  allowed agents:        %s\n", listOrNone(rolesOf(ex.AllowedAgents)))
	fmt.Fprintf(out, "  forbidden keywords:    %s\n", listOrNone(ex.ForbiddenKeywords))
	fmt.Fprintf(out, "  safe mode:             %t\n", ex.SafeMode)
	if len(p.ImageAllowlist) > 0 {
		fmt.Fprintf(out, "  image allowlist:       %s\n", strings.Join(p.ImageAllowlist, ", "))
	}
	return nil
}

func rolesOf[T ~string](roles []T) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return mutedStyle.Render("none")
	}
	return strings.Join(items, ", ")
}
