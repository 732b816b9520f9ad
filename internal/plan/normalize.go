package plan

import (
	"strconv"
	"strings"

	"github.com/felixgeelhaar/legacyguard/internal/domain"
)

// Defaults applied to fields a generator leaves empty.
const (
	DefaultSummary       = "Generated plan"
	DefaultEstimatedTime = "unknown"
)

// Normalize fills every missing optional field with its default and forces
// approval for critical plans. It never drops subtasks.
func Normalize(p *Plan) {
	if strings.TrimSpace(p.Summary) == "" {
		p.Summary = DefaultSummary
	}
	if strings.TrimSpace(p.EstimatedTime) == "" {
		p.EstimatedTime = DefaultEstimatedTime
	}
	if p.RiskLevel == "" {
		p.RiskLevel = domain.RiskMedium
	}
	p.RiskLevel = domain.RiskLevel(strings.ToLower(string(p.RiskLevel)))

	for i := range p.Subtasks {
		normalizeSubTask(&p.Subtasks[i], i)
	}

	if p.RiskLevel.ForcesApproval() {
		p.RequiresApproval = true
	}
}

func normalizeSubTask(st *SubTask, idx int) {
	st.ID = strings.TrimSpace(st.ID)
	if st.ID == "" {
		st.ID = strconv.Itoa(idx + 1)
	}
	if st.Type == "" {
		st.Type = domain.TaskAnalyze
	}
	if st.Agent == "" {
		st.Agent = st.Type.DefaultRole()
	}
	if st.Priority == "" {
		st.Priority = domain.PriorityMedium
	}
	st.EstimatedComplexity = domain.ClampComplexity(st.EstimatedComplexity)
	if st.Dependencies == nil {
		st.Dependencies = []string{}
	}
}
