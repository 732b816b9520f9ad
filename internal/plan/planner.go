package plan

import (
	"context"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/log"
)

// Planner turns a request into a validated Plan. It owns the structural rules;
// the Generator only proposes subtasks.
type Planner struct {
	generator Generator
	logger    *log.Logger
	newID     func() string
}

// NewPlanner creates a Planner around an explicitly chosen generator.
func NewPlanner(generator Generator, logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.Discard()
	}
	return &Planner{
		generator: generator,
		logger:    logger.WithComponent("planner"),
		newID:     func() string { return "plan-" + uuid.NewString() },
	}
}

// Generator returns the generator in use.
func (p *Planner) Generator() Generator {
	return p.generator
}

// Plan generates, normalizes, restructures and validates a plan for req.
// Any error means no part of the plan may be executed.
func (p *Planner) Plan(ctx context.Context, req Request) (*Plan, error) {
	draft, err := p.generator.Generate(ctx, req)
	if err != nil {
		if errors.CodeOf(err) == "" {
			err = errors.Wrap(errors.ErrCodePlanGenerate, "plan generation failed", err)
		}
		p.logger.LogError("plan generation failed", err)
		return nil, err
	}
	if draft == nil {
		return nil, errors.NewPlanParseError(nil)
	}

	out := *draft
	out.Subtasks = append([]SubTask(nil), draft.Subtasks...)
	out.ID = p.newID()
	out.OriginalRequest = req.Text

	Normalize(&out)
	if err := out.Validate(); err != nil {
		p.logger.LogError("generated plan is invalid", err)
		return nil, err
	}

	if applied := enforceStructure(&out); len(applied) > 0 {
		p.logger.Info("plan restructured", "plan_id", out.ID, "rules", applied)
		if err := out.Validate(); err != nil {
			return nil, err
		}
	}

	// Critical risk always needs a human, whatever the generator said.
	if out.RiskLevel.ForcesApproval() {
		out.RequiresApproval = true
	}
	out.Fingerprint = ComputeFingerprint(&out)

	p.logger.Info("plan ready",
		"plan_id", out.ID,
		"generator", p.generator.Name(),
		"subtasks", len(out.Subtasks),
		"risk", out.RiskLevel,
		"requires_approval", out.RequiresApproval,
	)
	return &out, nil
}
