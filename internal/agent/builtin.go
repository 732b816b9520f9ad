package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/felixgeelhaar/legacyguard/internal/domain"
	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/security"
)

// DefaultBranchPrefix prefixes branches the operator creates.
const DefaultBranchPrefix = "lg/"

const (
	maxSuggestions   = 5
	maxDependents    = 20
	maxFindingsShown = 10
	impactIndexFiles = 500
)

var defaultSuggestions = []string{
	"Add unit tests for critical modules",
	"Refactor long functions into smaller helpers",
}

// Options configures the built-in workers.
type Options struct {
	// CreateBranches lets the operator create local git branches.
	CreateBranches bool
	BranchPrefix   string
	Logger         *log.Logger
}

// NewDefaultRegistry registers one built-in worker per role.
func NewDefaultRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = DefaultBranchPrefix
	}
	logger := opts.Logger.WithComponent("agent")

	r := NewRegistry()
	r.Replace(&Advisor{scanner: security.NewScanner(), logger: logger})
	r.Replace(&ImpactAdvisor{logger: logger})
	r.Replace(&Operator{createBranches: opts.CreateBranches, prefix: opts.BranchPrefix, logger: logger})
	r.Replace(&Reviewer{})
	r.Replace(&Executor{})
	return r
}

// Advisor inspects the repository and suggests where to look. Security tasks
// run the secret scanner instead.
type Advisor struct {
	scanner *security.Scanner
	logger  *log.Logger
}

// Role implements Worker.Role
func (a *Advisor) Role() domain.AgentRole { return domain.RoleAdvisor }

// Execute implements Worker.Execute
func (a *Advisor) Execute(ctx context.Context, task Task) (*Output, error) {
	if task.SubTask.Type == domain.TaskSecurity {
		return a.scan(ctx, task)
	}

	out := &Output{Role: domain.RoleAdvisor, Data: map[string]any{"evidence": evidence(task)}}
	if task.RepoPath != "" {
		idx, err := BuildIndex(ctx, task.RepoPath, defaultIndexFiles)
		if err != nil {
			return nil, fmt.Errorf("index repository: %w", err)
		}
		out.Data["indexedFiles"] = idx.Len()
		for _, hit := range idx.Search(query(task), maxSuggestions) {
			out.Suggestions = append(out.Suggestions, fmt.Sprintf("Review %s (symbols: %s)", hit.Path, strings.Join(firstN(hit.Symbols, 5), ", ")))
		}
	}
	if len(out.Suggestions) == 0 {
		out.Suggestions = append(out.Suggestions, defaultSuggestions...)
	}
	out.Summary = fmt.Sprintf("%d suggestion(s) for %q", len(out.Suggestions), task.SubTask.Description)
	return out, nil
}

func (a *Advisor) scan(ctx context.Context, task Task) (*Output, error) {
	out := &Output{Role: domain.RoleAdvisor, Data: map[string]any{}}
	if task.RepoPath == "" {
		out.Summary = "No repository to scan"
		return out, nil
	}

	report, err := a.scanner.ScanRepo(ctx, task.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("scan repository: %w", err)
	}
	a.logger.Debug("secret scan finished", "files", report.FilesScanned, "findings", len(report.Findings))

	out.Summary = security.Summary(report)
	out.Data["filesScanned"] = report.FilesScanned
	out.Data["findings"] = len(report.Findings)
	if sev := report.Highest(); sev != "" {
		out.Data["highestSeverity"] = string(sev)
	}
	for i, f := range report.Findings {
		if i == maxFindingsShown {
			break
		}
		out.Suggestions = append(out.Suggestions, fmt.Sprintf("Remove %s at %s:%d", f.Description, f.File, f.Line))
	}
	return out, nil
}

// Hotspot is a file likely affected by a change.
type Hotspot struct {
	Path    string   `json:"path"`
	Symbols []string `json:"symbols"`
	Reason  string   `json:"reason"`
}

// ImpactAdvisor finds the files a change most likely touches and the files
// importing them.
type ImpactAdvisor struct {
	logger *log.Logger
}

// Role implements Worker.Role
func (a *ImpactAdvisor) Role() domain.AgentRole { return domain.RoleAdvisorImpact }

// Execute implements Worker.Execute
func (a *ImpactAdvisor) Execute(ctx context.Context, task Task) (*Output, error) {
	out := &Output{Role: domain.RoleAdvisorImpact}
	if task.RepoPath == "" {
		out.Summary = "No repository to analyze"
		return out, nil
	}

	idx, err := BuildIndex(ctx, task.RepoPath, impactIndexFiles)
	if err != nil {
		return nil, fmt.Errorf("index repository: %w", err)
	}

	hits := idx.Search(query(task), maxSuggestions)
	hotspots := make([]Hotspot, 0, len(hits))
	seen := make(map[string]bool)
	var dependents []string
	paths := make([]string, 0, len(hits))
	for _, hit := range hits {
		hotspots = append(hotspots, Hotspot{Path: hit.Path, Symbols: firstN(hit.Symbols, 5), Reason: "lexical match with the request"})
		paths = append(paths, hit.Path)
		for _, dep := range idx.Dependents(hit.Path) {
			if !seen[dep] {
				seen[dep] = true
				dependents = append(dependents, dep)
			}
		}
	}
	dependents = firstN(dependents, maxDependents)

	if len(paths) == 0 {
		out.Summary = "No files matched the request"
	} else {
		out.Summary = "Most affected files: " + strings.Join(paths, ", ")
	}
	out.Data = map[string]any{"hotspots": hotspots, "dependents": dependents}
	a.logger.Debug("impact analysis finished", "hotspots", len(hotspots), "dependents", len(dependents))
	return out, nil
}

// Operator prepares a working branch for modifying tasks. Branches are only
// created when enabled; otherwise the branch name is proposed.
type Operator struct {
	createBranches bool
	prefix         string
	logger         *log.Logger
}

// Role implements Worker.Role
func (o *Operator) Role() domain.AgentRole { return domain.RoleOperator }

// Execute implements Worker.Execute
func (o *Operator) Execute(ctx context.Context, task Task) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	branch := o.BranchName(task)
	out := &Output{
		Role:        domain.RoleOperator,
		Suggestions: upstreamSuggestions(task),
		Data:        map[string]any{"branch": branch, "created": false},
	}

	if !o.createBranches || task.RepoPath == "" {
		out.Summary = fmt.Sprintf("Proposed branch %s for %s", branch, task.SubTask.Type)
		return out, nil
	}

	head, err := createBranch(task.RepoPath, branch)
	if err != nil {
		return nil, err
	}
	out.Data["created"] = true
	out.Data["base"] = head
	out.Summary = fmt.Sprintf("Created branch %s at %s", branch, shortHash(head))
	o.logger.Info("branch created", "branch", branch, "head", head)
	return out, nil
}

// BranchName is the branch used for task.
func (o *Operator) BranchName(task Task) string {
	id := task.OrchestrationID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s%s-%s-%s", o.prefix, id, task.SubTask.Type, task.SubTask.ID)
}

// createBranch points a new local branch at HEAD without touching the worktree.
func createBranch(path, branch string) (string, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}

	name := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(name, false); err == nil {
		return "", fmt.Errorf("branch %s already exists", branch)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(name, head.Hash())); err != nil {
		return "", fmt.Errorf("create branch %s: %w", branch, err)
	}
	return head.Hash().String(), nil
}

// Reviewer checks upstream results before anything is merged. Critical
// secret findings reject the review.
type Reviewer struct{}

// Role implements Worker.Role
func (Reviewer) Role() domain.AgentRole { return domain.RoleReviewer }

// Execute implements Worker.Execute
func (Reviewer) Execute(ctx context.Context, task Task) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(task.Dependencies))
	for id := range task.Dependencies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		dep := task.Dependencies[id]
		if dep == nil {
			continue
		}
		if sev, _ := dep.Data["highestSeverity"].(string); sev == string(security.SeverityCritical) {
			return nil, fmt.Errorf("review rejected: task %s reported critical secret findings", id)
		}
	}

	out := &Output{
		Role:    domain.RoleReviewer,
		Summary: fmt.Sprintf("Reviewed %d upstream result(s)", len(ids)),
		Data:    map[string]any{"approved": true, "reviewed": ids},
	}
	if v := task.Validation; v != nil && v.Warned {
		out.Suggestions = append(out.Suggestions, "Sandbox validation failed in warn mode; inspect the logs before merging")
	}
	return out, nil
}

// Executor records the privileged merge step. It refuses to proceed after a
// failed validation run and performs no remote calls.
type Executor struct{}

// Role implements Worker.Role
func (Executor) Role() domain.AgentRole { return domain.RoleExecutor }

// Execute implements Worker.Execute
func (Executor) Execute(ctx context.Context, task Task) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v := task.Validation; v != nil && !v.Success {
		return nil, fmt.Errorf("sandbox validation failed: %s", firstNonEmpty(v.Error, fmt.Sprintf("exit code %d", v.ExitCode)))
	}

	branch := ""
	for _, id := range sortedKeys(task.Dependencies) {
		if dep := task.Dependencies[id]; dep != nil {
			if b, ok := dep.Data["branch"].(string); ok && b != "" {
				branch = b
				break
			}
		}
	}

	out := &Output{
		Role: domain.RoleExecutor,
		Data: map[string]any{"action": "merge", "validated": task.Validation != nil},
	}
	if branch != "" {
		out.Data["branch"] = branch
		out.Summary = fmt.Sprintf("Merge of %s recorded", branch)
	} else {
		out.Summary = "Deployment recorded"
	}
	return out, nil
}

func query(task Task) string {
	return strings.TrimSpace(task.SubTask.Description + " " + task.Request)
}

func evidence(task Task) string {
	return firstNonEmpty(task.Context, task.Request, "no evidence")
}

func upstreamSuggestions(task Task) []string {
	var out []string
	for _, id := range sortedKeys(task.Dependencies) {
		if dep := task.Dependencies[id]; dep != nil {
			out = append(out, dep.Suggestions...)
		}
	}
	return out
}

func sortedKeys(m map[string]*Output) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
