package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/legacyguard/internal/audit"
	"github.com/felixgeelhaar/legacyguard/internal/checkpoint"
	"github.com/felixgeelhaar/legacyguard/internal/exitcode"
	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/orchestrator"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
)

// resetFlags restores flag variables between executions of the shared root command.
func resetFlags() {
	configPath, logLevel, logFormat = "", "", ""
	runFixture, runPolicyFile, runSandbox, runRepo, runContext, runYes, runPlanFile, runPlaybook = false, "", false, "", "", false, "", ""
	planFixture, planJSON, planRepo, planContext, planFrom, planOut, planBook = false, false, "", "", "", "", ""
	sandboxRepo, sandboxCommand, sandboxTimeout, sandboxFailMode, sandboxNoContainer = "", "", 0, "", false
	serveAddress, serveJanitorPeriod, serveSkipRepoScan = "", time.Minute, false
	versionVerbose, versionJSON = false, false
	policyOut, policyForce = "legacyguard-policy.yaml", false
	auditOrchestration, auditAction, auditFormat, auditScope, auditLimit, auditOut = "", "", "soc2", "", audit.DefaultExportLimit, ""
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Setenv("LEGACYGUARD_SANDBOX_RUNTIME", "none")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "legacyguard ")

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info["goVersion"])
}

func TestPlanCommandJSON(t *testing.T) {
	out, err := execute(t, "plan", "fix bug X", "--fixture", "--json")
	require.NoError(t, err)

	var doc planOutput
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.NotNil(t, doc.Plan)
	assert.Equal(t, "fix bug X", doc.Plan.OriginalRequest)
	require.Len(t, doc.Waves, 2)
	assert.Equal(t, []string{"1"}, doc.Waves[0].IDs())
	assert.Equal(t, []string{"2"}, doc.Waves[1].IDs())
}

func TestPlanCommandRendersWaves(t *testing.T) {
	out, err := execute(t, "plan", "fix bug X", "--fixture")
	require.NoError(t, err)
	assert.Contains(t, out, "wave 1")
	assert.Contains(t, out, "wave 2")
	assert.Contains(t, out, "after 1")
}

func TestPlanSavedAndReplayed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	_, err := execute(t, "plan", "fix bug X", "--fixture", "--out", path)
	require.NoError(t, err)
	require.FileExists(t, path)

	out, err := execute(t, "plan", "fix bug Y", "--plan-file", path, "--json")
	require.NoError(t, err)
	var doc planOutput
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "fix bug Y", doc.Plan.OriginalRequest)
	assert.Len(t, doc.Waves, 2)

	out, err = execute(t, "run", "fix bug Y", "--plan-file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 tasks")

	_, err = execute(t, "plan", "x", "--plan-file", filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, exitcode.PlanError, exitcode.DetermineExitCode(err))
}

func TestPlaybookFlag(t *testing.T) {
	book := filepath.Join(t.TempDir(), "triage.playbook")
	require.NoError(t, os.WriteFile(book, []byte("# triage\n- analyze | name:triage\n- lint | name:style\n"), 0o600))

	out, err := execute(t, "plan", "nightly checks", "--playbook", book, "--json")
	require.NoError(t, err)
	var doc planOutput
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "Playbook playbook 0.1.0", doc.Plan.Summary)
	assert.Len(t, doc.Plan.Subtasks, 2)

	out, err = execute(t, "run", "nightly checks", "--playbook", book)
	require.NoError(t, err)
	assert.Contains(t, out, "2 tasks")

	bad := filepath.Join(t.TempDir(), "bad.playbook")
	require.NoError(t, os.WriteFile(bad, []byte("no steps here"), 0o600))
	_, err = execute(t, "plan", "x", "--playbook", bad)
	assert.Equal(t, exitcode.PlanError, exitcode.DetermineExitCode(err))

	_, err = execute(t, "plan", "x", "--playbook", book, "--plan-file", bad)
	assert.Error(t, err)
}

func TestRunCommandFixture(t *testing.T) {
	out, err := execute(t, "run", "fix bug X", "--fixture")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "2 tasks")
}

func TestRunCommandApprovalGate(t *testing.T) {
	dir := t.TempDir()
	policyFile := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policyFile, []byte("execution:\n  require_approval_for:\n    - reviewer\n"), 0o600))

	var prompts []string
	orig := confirmApproval
	t.Cleanup(func() { confirmApproval = orig })

	t.Run("declined", func(t *testing.T) {
		confirmApproval = func(title, _ string) (bool, error) {
			prompts = append(prompts, title)
			return false, nil
		}
		out, err := execute(t, "run", "fix bug X", "--fixture", "--policy", policyFile)
		require.Error(t, err)
		assert.Equal(t, exitcode.ApprovalPending, exitcode.DetermineExitCode(err))
		assert.Equal(t, []string{"Approve task 2?"}, prompts)
		assert.Contains(t, out, "approval required")
		assert.Contains(t, out, "waiting_approval")
	})

	t.Run("auto approved", func(t *testing.T) {
		confirmApproval = func(string, string) (bool, error) {
			t.Fatal("--yes must not prompt")
			return false, nil
		}
		out, err := execute(t, "run", "fix bug X", "--fixture", "--policy", policyFile, "--yes")
		require.NoError(t, err)
		assert.Contains(t, out, "approved")
	})
}

func TestRunCommandSandboxNeedsRepo(t *testing.T) {
	_, err := execute(t, "run", "fix bug X", "--fixture", "--sandbox")
	require.Error(t, err)
	assert.Equal(t, exitcode.UsageError, exitcode.DetermineExitCode(err))
}

func TestSandboxRunCommand(t *testing.T) {
	repo := t.TempDir()

	out, err := execute(t, "sandbox", "run", "--repo", repo, "--command", "echo hello-sandbox")
	require.NoError(t, err)
	assert.Contains(t, out, "hello-sandbox")
	assert.Contains(t, out, "validation passed")

	_, err = execute(t, "sandbox", "run", "--repo", repo, "--command", "exit 3")
	require.Error(t, err)
	assert.Equal(t, exitcode.ValidationFailed, exitcode.DetermineExitCode(err))

	out, err = execute(t, "sandbox", "run", "--repo", repo, "--command", "exit 3", "--fail-mode", "warn")
	require.NoError(t, err)
	assert.Contains(t, out, "warn mode")
}

func TestSandboxCapabilitiesCommand(t *testing.T) {
	out, err := execute(t, "sandbox", "capabilities")
	require.NoError(t, err)

	var caps sandbox.Capabilities
	require.NoError(t, json.Unmarshal([]byte(out), &caps))
	assert.False(t, caps.Container)
	assert.Equal(t, sandbox.MethodNative, caps.Recommended)
}

func TestRunOutcome(t *testing.T) {
	tests := []struct {
		name     string
		state    orchestrator.State
		declined string
		want     int
	}{
		{"clean", orchestrator.State{Status: orchestrator.StatusCompleted}, "", exitcode.Success},
		{"declined", orchestrator.State{Status: orchestrator.StatusWaitingApproval}, "2", exitcode.ApprovalPending},
		{"expired", orchestrator.State{Status: orchestrator.StatusExpired}, "", exitcode.ApprovalPending},
		{"failed", orchestrator.State{Status: orchestrator.StatusFailed, Error: "[PLAN-003] cycle"}, "", exitcode.GeneralError},
		{"task failures", orchestrator.State{
			Status: orchestrator.StatusCompleted,
			Results: map[string]orchestrator.TaskOutcome{
				"1": {TaskID: "1", Status: orchestrator.OutcomeFailed},
				"2": {TaskID: "2", Status: orchestrator.OutcomeBlocked},
			},
		}, "", exitcode.ValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitcode.DetermineExitCode(runOutcome(tt.state, tt.declined)))
		})
	}
}

func TestPruneArchive(t *testing.T) {
	archive := checkpoint.NewManager(t.TempDir())
	require.NoError(t, archive.Save("o1", "completed", "done", map[string]string{"id": "o1"}))
	require.NoError(t, archive.Save("o2", "expired", "ttl", map[string]string{"id": "o2"}))

	now := time.Now()
	assert.Zero(t, pruneArchive(archive, time.Hour, now, log.Discard()))
	assert.Equal(t, 2, pruneArchive(archive, time.Hour, now.Add(2*time.Hour), log.Discard()))

	ids, err := archive.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPolicyInitAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")

	_, err := execute(t, "policy", "init", "--out", path)
	require.NoError(t, err)

	_, err = execute(t, "policy", "init", "--out", path)
	assert.Equal(t, exitcode.UsageError, exitcode.DetermineExitCode(err))

	out, err := execute(t, "policy", "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "approval required for: executor")
	assert.Contains(t, out, "safe mode:             true")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("execution:\n  require_approval_for:\n    - janitor\n"), 0o600))
	_, err = execute(t, "policy", "check", bad)
	assert.Equal(t, exitcode.ConfigError, exitcode.DetermineExitCode(err))
}

func TestAuditExportCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LEGACYGUARD_AUDIT_DIR", dir)

	_, err := execute(t, "run", "fix bug X", "--fixture")
	require.NoError(t, err)

	out, err := execute(t, "audit", "export", "--action", audit.ActionOrchestrationStarted, "--format", "iso")
	require.NoError(t, err)
	var bundle audit.Bundle
	require.NoError(t, json.Unmarshal([]byte(out), &bundle), out)
	assert.Equal(t, audit.FormatISO, bundle.Format)
	require.Len(t, bundle.Entries, 1)
	assert.Equal(t, audit.ActionOrchestrationStarted, bundle.Entries[0].Action)
	assert.Empty(t, bundle.Tampered)
	assert.True(t, audit.VerifyBundle(&bundle))

	file := filepath.Join(t.TempDir(), "bundle.json")
	out, err = execute(t, "audit", "export", "--out", file)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")
	assert.FileExists(t, file)

	_, err = execute(t, "audit", "export", "--format", "pci")
	require.Error(t, err)
	assert.Equal(t, exitcode.UsageError, exitcode.DetermineExitCode(err))
}
