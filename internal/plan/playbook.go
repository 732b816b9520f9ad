package plan

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/legacyguard/internal/domain"
	"github.com/felixgeelhaar/legacyguard/internal/errors"
)

// Playbook is an operator-written sequence of steps that is compiled into a
// plan instead of asking a generator for one.
//
// Two source forms are accepted. The line form has one step per line:
//
//	# comments and blank lines are ignored
//	- run_tests | name:tests guardrails:mask-secrets command:npm-test
//	- deploy | name:deploy-prod guards:approval-required after:tests
//
// The structured form is a YAML or JSON document with name, version and a
// steps list whose items carry name, action, guardrails and params.
type Playbook struct {
	Name    string         `json:"name" yaml:"name"`
	Version string         `json:"version" yaml:"version"`
	Steps   []PlaybookStep `json:"steps" yaml:"steps"`
}

// PlaybookStep is one step of a playbook.
type PlaybookStep struct {
	Name       string            `json:"name" yaml:"name"`
	Action     string            `json:"action" yaml:"action"`
	Guardrails []string          `json:"guardrails,omitempty" yaml:"guardrails,omitempty"`
	Params     map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Playbook defaults.
const (
	DefaultPlaybookName    = "playbook"
	DefaultPlaybookVersion = "0.1.0"
)

// Step params with a meaning of their own; everything else is copied into the
// subtask description.
const (
	paramAgent      = "agent"
	paramPriority   = "priority"
	paramAfter      = "after"
	paramComplexity = "complexity"
)

// GuardrailApproval on any step makes the compiled plan require approval.
const GuardrailApproval = "approval-required"

// ParsePlaybook parses either source form. Errors are plain; callers decide
// which error code a bad playbook maps to.
func ParsePlaybook(src string) (*Playbook, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, fmt.Errorf("playbook is empty")
	}

	var pb *Playbook
	var err error
	if structuredPlaybook(trimmed) {
		pb, err = parseStructuredPlaybook(trimmed)
	} else {
		pb, err = parseLinePlaybook(trimmed)
	}
	if err != nil {
		return nil, err
	}
	if err := pb.validate(); err != nil {
		return nil, err
	}
	return pb, nil
}

// LoadPlaybook reads and parses a playbook file.
func LoadPlaybook(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	pb, err := ParsePlaybook(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pb, nil
}

func structuredPlaybook(src string) bool {
	if strings.HasPrefix(src, "{") {
		return true
	}
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, key := range []string{"name:", "version:", "steps:"} {
			if strings.HasPrefix(line, key) {
				return true
			}
		}
		return false
	}
	return false
}

func parseStructuredPlaybook(src string) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal([]byte(src), &pb); err != nil {
		return nil, fmt.Errorf("parse playbook document: %w", err)
	}
	if pb.Steps == nil {
		return nil, fmt.Errorf("playbook document has no steps list")
	}
	for i := range pb.Steps {
		pb.Steps[i].Name = stepName(pb.Steps[i].Name, i)
		pb.Steps[i].Action = strings.TrimSpace(pb.Steps[i].Action)
	}
	return &pb, nil
}

func parseLinePlaybook(src string) (*Playbook, error) {
	pb := &Playbook{}
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-") {
			continue
		}
		action, rest, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "-")), "|")
		action = strings.TrimSpace(action)
		if action == "" {
			continue
		}

		params := parseStepParams(rest)
		step := PlaybookStep{Action: action}
		guards := params["guardrails"]
		if guards == "" {
			guards = params["guards"]
		}
		delete(params, "guardrails")
		delete(params, "guards")
		step.Guardrails = splitList(guards)
		step.Name = stepName(params["name"], len(pb.Steps))
		delete(params, "name")
		if len(params) > 0 {
			step.Params = params
		}
		pb.Steps = append(pb.Steps, step)
	}
	if len(pb.Steps) == 0 {
		return nil, fmt.Errorf("no steps found; each step is a line starting with '-'")
	}
	return pb, nil
}

// parseStepParams reads space separated key:value pairs. Values may contain colons.
func parseStepParams(s string) map[string]string {
	params := map[string]string{}
	for _, chunk := range strings.Fields(strings.ReplaceAll(s, "|", " ")) {
		k, v, ok := strings.Cut(chunk, ":")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			params[k] = v
		}
	}
	return params
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func stepName(name string, idx int) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return fmt.Sprintf("step-%d", idx+1)
}

func (pb *Playbook) validate() error {
	if pb.Name == "" {
		pb.Name = DefaultPlaybookName
	}
	if pb.Version == "" {
		pb.Version = DefaultPlaybookVersion
	}
	if len(pb.Steps) == 0 {
		return fmt.Errorf("playbook %q has no steps", pb.Name)
	}

	seen := make(map[string]int, len(pb.Steps))
	for i, step := range pb.Steps {
		if step.Action == "" {
			return fmt.Errorf("step %q has no action", step.Name)
		}
		if prev, dup := seen[step.Name]; dup {
			return fmt.Errorf("steps %d and %d are both named %q", prev+1, i+1, step.Name)
		}
		seen[step.Name] = i

		if v, ok := step.Params[paramAgent]; ok {
			if err := domain.AgentRole(v).Validate(); err != nil {
				return fmt.Errorf("step %q: %w", step.Name, err)
			}
		}
		if v, ok := step.Params[paramPriority]; ok {
			if err := domain.Priority(v).Validate(); err != nil {
				return fmt.Errorf("step %q: %w", step.Name, err)
			}
		}
		if v, ok := step.Params[paramComplexity]; ok {
			if _, err := strconv.Atoi(v); err != nil {
				return fmt.Errorf("step %q: complexity %q is not a number", step.Name, v)
			}
		}
		for _, dep := range splitList(step.Params[paramAfter]) {
			if j, ok := seen[dep]; !ok || j == i {
				return fmt.Errorf("step %q runs after %q, which is not an earlier step", step.Name, dep)
			}
		}
	}
	return nil
}

// Plan compiles the playbook. Steps run in order unless a step names its
// predecessors with the after param.
func (pb *Playbook) Plan() *Plan {
	p := &Plan{
		Summary:  fmt.Sprintf("Playbook %s %s", pb.Name, pb.Version),
		Subtasks: make([]SubTask, 0, len(pb.Steps)),
	}

	ids := make(map[string]string, len(pb.Steps))
	risk := domain.RiskLow
	for i, step := range pb.Steps {
		id := strconv.Itoa(i + 1)
		ids[step.Name] = id

		st := SubTask{
			ID:                  id,
			Type:                TaskTypeForAction(step.Action),
			Description:         stepDescription(step),
			Dependencies:        []string{},
			Priority:            domain.PriorityMedium,
			EstimatedComplexity: 3,
		}
		st.Agent = st.Type.DefaultRole()
		if v := step.Params[paramAgent]; v != "" {
			st.Agent = domain.AgentRole(v)
		}
		if v := step.Params[paramPriority]; v != "" {
			st.Priority = domain.Priority(v)
		}
		if v, err := strconv.Atoi(step.Params[paramComplexity]); err == nil {
			st.EstimatedComplexity = v
		}
		if after := splitList(step.Params[paramAfter]); len(after) > 0 {
			for _, dep := range after {
				st.Dependencies = append(st.Dependencies, ids[dep])
			}
		} else if i > 0 {
			st.Dependencies = append(st.Dependencies, strconv.Itoa(i))
		}

		if slices.Contains(step.Guardrails, GuardrailApproval) {
			p.RequiresApproval = true
		}
		switch {
		case st.Type == domain.TaskDeploy:
			risk = domain.RiskHigh
		case st.Type.Modifies() && !risk.AtLeast(domain.RiskMedium):
			risk = domain.RiskMedium
		}
		p.Subtasks = append(p.Subtasks, st)
	}
	p.RiskLevel = risk
	return p
}

var actionKeywords = []struct {
	keywords []string
	taskType domain.TaskType
}{
	{[]string{"deploy", "merge", "release", "rollout"}, domain.TaskDeploy},
	{[]string{"secur", "scan", "secret", "vuln", "audit"}, domain.TaskSecurity},
	{[]string{"test", "repro", "verify"}, domain.TaskTest},
	{[]string{"fix", "patch", "refactor", "upgrade", "migrate", "apply"}, domain.TaskRefactor},
	{[]string{"review", "lint", "check"}, domain.TaskReview},
}

// TaskTypeForAction maps a playbook action to a task type. Task type names map
// to themselves; other actions are matched by keyword and default to analyze.
func TaskTypeForAction(action string) domain.TaskType {
	a := strings.ToLower(strings.TrimSpace(action))
	if t := domain.TaskType(a); t.Validate() == nil {
		return t
	}
	for _, group := range actionKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(a, kw) {
				return group.taskType
			}
		}
	}
	return domain.TaskAnalyze
}

func stepDescription(step PlaybookStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", step.Name, step.Action)
	var extra []string
	for _, k := range slices.Sorted(maps.Keys(step.Params)) {
		switch k {
		case paramAgent, paramPriority, paramAfter, paramComplexity:
			continue
		}
		extra = append(extra, k+"="+step.Params[k])
	}
	if len(extra) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(extra, ", "))
	}
	if len(step.Guardrails) > 0 {
		fmt.Fprintf(&b, " [guardrails: %s]", strings.Join(step.Guardrails, ", "))
	}
	return b.String()
}

// PlaybookGenerator compiles a fixed playbook for every request.
type PlaybookGenerator struct {
	playbook *Playbook
}

// NewPlaybookGenerator creates a generator for pb.
func NewPlaybookGenerator(pb *Playbook) *PlaybookGenerator {
	return &PlaybookGenerator{playbook: pb}
}

// Name implements Generator.Name
func (g *PlaybookGenerator) Name() string {
	if g.playbook == nil {
		return "playbook"
	}
	return "playbook:" + g.playbook.Name
}

// Generate implements Generator.Generate
func (g *PlaybookGenerator) Generate(ctx context.Context, req Request) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.playbook == nil {
		return nil, errors.NewPlanParseError(fmt.Errorf("no playbook loaded"))
	}
	p := g.playbook.Plan()
	p.OriginalRequest = req.Text
	return p, nil
}
