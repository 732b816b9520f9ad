package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/legacyguard/internal/domain"
	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/provider"
)

// Request is the input to plan generation.
type Request struct {
	// Text is the natural-language request
	Text string
	// Context is optional free-form context supplied by the caller
	Context string
	// Repo describes the target repository when known
	Repo *domain.RepoInfo
}

// Generator produces a raw plan for a request. Implementations are selected
// explicitly by the caller; the Planner normalizes and validates whatever they return.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Plan, error)
	Name() string
}

// FixtureGenerator returns a fixed two-step plan (analyze, then review) without
// calling any external service.
type FixtureGenerator struct{}

// NewFixtureGenerator creates the deterministic offline generator.
func NewFixtureGenerator() *FixtureGenerator {
	return &FixtureGenerator{}
}

// Name implements Generator.Name
func (FixtureGenerator) Name() string {
	return "fixture"
}

// Generate implements Generator.Generate
func (FixtureGenerator) Generate(_ context.Context, req Request) (*Plan, error) {
	return &Plan{
		OriginalRequest: req.Text,
		Summary:         "Fixture plan: analyze then review",
		Subtasks: []SubTask{
			{
				ID:                  "1",
				Type:                domain.TaskAnalyze,
				Description:         "Analyze context and risks",
				Agent:               domain.RoleAdvisor,
				Dependencies:        []string{},
				Priority:            domain.PriorityHigh,
				EstimatedComplexity: 3,
			},
			{
				ID:                  "2",
				Type:                domain.TaskReview,
				Description:         "Review changes before executing",
				Agent:               domain.RoleReviewer,
				Dependencies:        []string{"1"},
				Priority:            domain.PriorityMedium,
				EstimatedComplexity: 3,
			},
		},
		EstimatedTime:    "15 minutes",
		RiskLevel:        domain.RiskMedium,
		RequiresApproval: false,
	}, nil
}

// FileGenerator replays a plan previously written with SavePlan. The stored
// request text is replaced with the current one.
type FileGenerator struct {
	path string
}

// NewFileGenerator creates a generator backed by the plan file at path.
func NewFileGenerator(path string) *FileGenerator {
	return &FileGenerator{path: path}
}

// Name implements Generator.Name
func (g *FileGenerator) Name() string {
	return "file"
}

// Generate implements Generator.Generate
func (g *FileGenerator) Generate(ctx context.Context, req Request) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := LoadPlan(g.path)
	if err != nil {
		if errors.CodeOf(err) == "" {
			err = errors.NewPlanParseError(err)
		}
		return nil, err
	}
	p.OriginalRequest = req.Text
	return p, nil
}

// ProviderGenerator asks a language model for a plan and parses its JSON answer.
type ProviderGenerator struct {
	client      provider.Client
	model       string
	temperature float64
}

// NewProviderGenerator creates a generator backed by client. An empty model uses
// the client's default.
func NewProviderGenerator(client provider.Client, model string) *ProviderGenerator {
	return &ProviderGenerator{
		client:      client,
		model:       model,
		temperature: 0.3,
	}
}

// Name implements Generator.Name
func (g *ProviderGenerator) Name() string {
	return "provider:" + g.client.Name()
}

// Generate implements Generator.Generate. Transport failures return PLAN-004;
// output that is not a plan returns PLAN-001.
func (g *ProviderGenerator) Generate(ctx context.Context, req Request) (*Plan, error) {
	resp, err := g.client.Generate(ctx, &provider.GenerateRequest{
		SystemPrompt: SystemPrompt,
		Prompt:       BuildUserPrompt(req),
		Model:        g.model,
		Temperature:  g.temperature,
		JSONMode:     true,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodePlanGenerate, "plan generation request failed", err)
	}

	p, err := ParseGeneratorOutput(resp.Content)
	if err != nil {
		return nil, err
	}
	p.OriginalRequest = req.Text
	return p, nil
}

// generatorOutput mirrors the JSON document generators are asked to produce.
// Subtasks is a pointer so a missing field can be told apart from an empty list.
type generatorOutput struct {
	Summary          string     `json:"summary"`
	Subtasks         *[]SubTask `json:"subtasks"`
	EstimatedTime    string     `json:"estimatedTime"`
	RiskLevel        string     `json:"riskLevel"`
	RequiresApproval bool       `json:"requiresApproval"`
}

// ParseGeneratorOutput decodes a generator's answer into a raw Plan.
// Markdown code fences around the JSON are tolerated.
func ParseGeneratorOutput(content string) (*Plan, error) {
	body := stripCodeFence(content)
	if body == "" {
		return nil, errors.NewPlanParseError(fmt.Errorf("empty response"))
	}

	var out generatorOutput
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&out); err != nil {
		return nil, errors.NewPlanParseError(err)
	}
	if out.Subtasks == nil {
		return nil, errors.NewPlanParseError(fmt.Errorf("response has no subtasks field"))
	}

	return &Plan{
		Summary:          out.Summary,
		Subtasks:         *out.Subtasks,
		EstimatedTime:    out.EstimatedTime,
		RiskLevel:        domain.RiskLevel(out.RiskLevel),
		RequiresApproval: out.RequiresApproval,
	}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
