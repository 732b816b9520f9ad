package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/legacyguard/internal/domain"
	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/plan"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func sampleRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	write(t, dir, "src/billing.ts", "export function computeInvoice(total) { return total }\nclass InvoiceRenderer {}\n")
	write(t, dir, "src/checkout.ts", "import { computeInvoice } from './billing'\nexport function checkout() { return computeInvoice(1) }\n")
	write(t, dir, "src/unrelated.ts", "export function greet() {}\n")
	write(t, dir, "node_modules/lib/invoice.js", "function computeInvoice() {}")
	return dir
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	w := NewFunc(domain.RoleReviewer, func(context.Context, Task) (*Output, error) {
		return &Output{Summary: "ok"}, nil
	})

	require.NoError(t, r.Register(w))
	assert.Error(t, r.Register(w), "duplicate role")

	got, err := r.Get(domain.RoleReviewer)
	require.NoError(t, err)
	out, err := got.Execute(context.Background(), Task{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Summary)

	_, err = r.Get(domain.RoleExecutor)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAgentNotRegistered))
}

func TestDefaultRegistryCoversAllRoles(t *testing.T) {
	r := NewDefaultRegistry(Options{})
	assert.ElementsMatch(t, domain.AllRoles, r.Roles())
}

func TestIndexSearchAndDependents(t *testing.T) {
	dir := sampleRepo(t)
	idx, err := BuildIndex(context.Background(), dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Len())

	hits := idx.Search("fix invoice computation", 5)
	require.NotEmpty(t, hits)
	assert.Equal(t, "src/billing.ts", hits[0].Path)
	assert.Contains(t, hits[0].Symbols, "computeInvoice")

	assert.Equal(t, []string{"src/checkout.ts"}, idx.Dependents("src/billing.ts"))
	assert.Empty(t, idx.Dependents("src/unrelated.ts"))
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"computeInvoice", []string{"compute", "invoice"}},
		{"snake_case_name", []string{"snake", "case", "name"}},
		{"Fix the a-b bug", []string{"fix", "the", "bug"}},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tokenize(tt.in), tt.in)
	}
}

func TestAdvisorWithoutRepository(t *testing.T) {
	r := NewDefaultRegistry(Options{})
	w, err := r.Get(domain.RoleAdvisor)
	require.NoError(t, err)

	out, err := w.Execute(context.Background(), Task{
		Request: "modernize",
		SubTask: plan.SubTask{ID: "1", Type: domain.TaskAnalyze, Description: "Analyze"},
	})
	require.NoError(t, err)
	assert.Equal(t, defaultSuggestions, out.Suggestions)
	assert.Equal(t, "modernize", out.Data["evidence"])
}

func TestAdvisorSuggestsMatchingFiles(t *testing.T) {
	dir := sampleRepo(t)
	w, _ := NewDefaultRegistry(Options{}).Get(domain.RoleAdvisor)

	out, err := w.Execute(context.Background(), Task{
		RepoPath: dir,
		Context:  "invoices are wrong",
		SubTask:  plan.SubTask{ID: "1", Type: domain.TaskAnalyze, Description: "Analyze invoice code"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Suggestions)
	assert.Contains(t, out.Suggestions[0], "src/billing.ts")
	assert.Equal(t, 3, out.Data["indexedFiles"])
	assert.Equal(t, "invoices are wrong", out.Data["evidence"])
}

func TestAdvisorSecurityScan(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "config.env", "DATABASE=postgres://admin:hunter22@db:5432/app\n")

	w, _ := NewDefaultRegistry(Options{}).Get(domain.RoleAdvisor)
	out, err := w.Execute(context.Background(), Task{
		RepoPath: dir,
		SubTask:  plan.SubTask{ID: "2", Type: domain.TaskSecurity, Description: "Scan for secrets"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Data["findings"])
	assert.Equal(t, "critical", out.Data["highestSeverity"])
	require.Len(t, out.Suggestions, 1)
	assert.Contains(t, out.Suggestions[0], "config.env:1")

	clean := t.TempDir()
	write(t, clean, "main.go", "package main")
	out, err = w.Execute(context.Background(), Task{
		RepoPath: clean,
		SubTask:  plan.SubTask{ID: "2", Type: domain.TaskSecurity},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Data["findings"])
	assert.NotContains(t, out.Data, "highestSeverity")
	assert.Contains(t, out.Summary, "No secrets detected")
}

func TestImpactAdvisor(t *testing.T) {
	dir := sampleRepo(t)
	w, _ := NewDefaultRegistry(Options{}).Get(domain.RoleAdvisorImpact)

	out, err := w.Execute(context.Background(), Task{
		RepoPath: dir,
		Request:  "rename computeInvoice",
		SubTask:  plan.SubTask{ID: "1", Type: domain.TaskAnalyze},
	})
	require.NoError(t, err)

	hotspots := out.Data["hotspots"].([]Hotspot)
	require.NotEmpty(t, hotspots)
	assert.Equal(t, "src/billing.ts", hotspots[0].Path)
	assert.Contains(t, out.Data["dependents"], "src/checkout.ts")
	assert.Contains(t, out.Summary, "src/billing.ts")

	out, err = w.Execute(context.Background(), Task{SubTask: plan.SubTask{ID: "1"}})
	require.NoError(t, err)
	assert.Equal(t, "No repository to analyze", out.Summary)
}

func initRepo(t *testing.T) (string, plumbing.Hash) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	write(t, dir, "main.go", "package main")
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("main.go")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, hash
}

func TestOperatorProposesBranchByDefault(t *testing.T) {
	dir, _ := initRepo(t)
	w, _ := NewDefaultRegistry(Options{}).Get(domain.RoleOperator)

	out, err := w.Execute(context.Background(), Task{
		OrchestrationID: "0123456789abcdef",
		RepoPath:        dir,
		SubTask:         plan.SubTask{ID: "3", Type: domain.TaskRefactor},
		Dependencies:    map[string]*Output{"1": {Suggestions: []string{"Review a.go"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "lg/01234567-refactor-3", out.Data["branch"])
	assert.Equal(t, false, out.Data["created"])
	assert.Equal(t, []string{"Review a.go"}, out.Suggestions)

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	_, err = repo.Reference(plumbing.NewBranchReferenceName("lg/01234567-refactor-3"), false)
	assert.Error(t, err, "no branch without CreateBranches")
}

func TestOperatorCreatesBranch(t *testing.T) {
	dir, head := initRepo(t)
	w, _ := NewDefaultRegistry(Options{CreateBranches: true, BranchPrefix: "fix/"}).Get(domain.RoleOperator)
	task := Task{
		OrchestrationID: "abc",
		RepoPath:        dir,
		SubTask:         plan.SubTask{ID: "3", Type: domain.TaskRefactor},
	}

	out, err := w.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["created"])
	assert.Equal(t, head.String(), out.Data["base"])

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("fix/abc-refactor-3"), false)
	require.NoError(t, err)
	assert.Equal(t, head, ref.Hash())

	_, err = w.Execute(context.Background(), task)
	assert.ErrorContains(t, err, "already exists")
}

func TestOperatorCreateBranchOutsideRepository(t *testing.T) {
	w, _ := NewDefaultRegistry(Options{CreateBranches: true}).Get(domain.RoleOperator)
	_, err := w.Execute(context.Background(), Task{
		RepoPath: t.TempDir(),
		SubTask:  plan.SubTask{ID: "3", Type: domain.TaskRefactor},
	})
	assert.ErrorContains(t, err, "open repository")
}

func TestReviewer(t *testing.T) {
	w, _ := NewDefaultRegistry(Options{}).Get(domain.RoleReviewer)

	out, err := w.Execute(context.Background(), Task{
		Dependencies: map[string]*Output{"2": {}, "1": {Data: map[string]any{"highestSeverity": "low"}}},
		Validation:   &sandbox.Result{Success: true, Warned: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, out.Data["reviewed"])
	assert.Len(t, out.Suggestions, 1)

	_, err = w.Execute(context.Background(), Task{
		Dependencies: map[string]*Output{"2": {Data: map[string]any{"highestSeverity": "critical"}}},
	})
	assert.ErrorContains(t, err, "critical secret findings")
}

func TestExecutor(t *testing.T) {
	w, _ := NewDefaultRegistry(Options{}).Get(domain.RoleExecutor)

	tests := []struct {
		name        string
		task        Task
		wantErr     string
		wantSummary string
	}{
		{
			name:        "no validation",
			task:        Task{},
			wantSummary: "Deployment recorded",
		},
		{
			name: "validated with branch",
			task: Task{
				Validation:   &sandbox.Result{Success: true},
				Dependencies: map[string]*Output{"3": {Data: map[string]any{"branch": "lg/x-refactor-3"}}},
			},
			wantSummary: "Merge of lg/x-refactor-3 recorded",
		},
		{
			name:    "failed validation",
			task:    Task{Validation: &sandbox.Result{Success: false, ExitCode: 137, Error: sandbox.TimeoutError}},
			wantErr: "Timeout exceeded",
		},
		{
			name:    "failed validation without message",
			task:    Task{Validation: &sandbox.Result{Success: false, ExitCode: 2}},
			wantErr: "exit code 2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := w.Execute(context.Background(), tt.task)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSummary, out.Summary)
			assert.Equal(t, "merge", out.Data["action"])
		})
	}
}

func TestWorkersHonorCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, role := range []domain.AgentRole{domain.RoleOperator, domain.RoleReviewer, domain.RoleExecutor} {
		w, _ := NewDefaultRegistry(Options{}).Get(role)
		_, err := w.Execute(ctx, Task{})
		assert.ErrorIs(t, err, context.Canceled, role)
	}
}
