package plan

import (
	"fmt"
	"strings"
)

// SystemPrompt instructs a language model to answer with a plan document.
const SystemPrompt = `You are the planning agent of LegacyGuard. You break maintenance work on legacy code into executable subtasks.

RULES:
1. Always start with analysis (advisor) before any modification.
2. Security comes first: include a vulnerability scan whenever code changes.
3. Generate tests BEFORE risky refactors.
4. Review is mandatory for high-risk changes.
5. Deploy or merge only after review; critical operations need human approval.

AGENTS:
- advisor: analyzes code, suggests improvements, finds problems
- advisor-impact: analyzes refactor impact over the code graph/index
- operator: creates branches, applies patches, opens pull requests
- reviewer: reviews code, validates quality and compliance
- executor: merges pull requests and deploys (requires approval)

SUBTASK TYPES: analyze, refactor, test, security, review, deploy

Answer ONLY with valid JSON in this shape:
{
  "summary": "Plan summary",
  "subtasks": [
    {
      "id": "1",
      "type": "analyze",
      "description": "Clear description of the task",
      "agent": "advisor",
      "dependencies": [],
      "priority": "high",
      "estimatedComplexity": 3
    }
  ],
  "estimatedTime": "30 minutes",
  "riskLevel": "medium",
  "requiresApproval": false
}`

// BuildUserPrompt renders the request, optional context and repository summary.
func BuildUserPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("USER REQUEST:\n")
	b.WriteString(req.Text)
	b.WriteString("\n")

	if strings.TrimSpace(req.Context) != "" {
		b.WriteString("\nADDITIONAL CONTEXT:\n")
		b.WriteString(req.Context)
		b.WriteString("\n")
	}

	if req.Repo != nil {
		b.WriteString("\nREPOSITORY:\n")
		fmt.Fprintf(&b, "- Files: %d\n", req.Repo.Files)
		if len(req.Repo.Languages) > 0 {
			fmt.Fprintf(&b, "- Languages: %s\n", strings.Join(req.Repo.Languages, ", "))
		}
		if req.Repo.Branch != "" {
			fmt.Fprintf(&b, "- Branch: %s\n", req.Repo.Branch)
		}
	}

	b.WriteString("\nCreate a detailed execution plan for this task.\n")
	return b.String()
}
