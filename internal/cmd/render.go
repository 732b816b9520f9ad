package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/legacyguard/internal/events"
	"github.com/felixgeelhaar/legacyguard/internal/orchestrator"
	"github.com/felixgeelhaar/legacyguard/internal/plan"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
	"github.com/felixgeelhaar/legacyguard/internal/schedule"
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("3")).Padding(0, 1)
)

// renderer prints orchestration progress for a terminal.
type renderer struct {
	w io.Writer
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

func (r *renderer) printf(format string, args ...any) {
	fmt.Fprintf(r.w, format, args...)
}

// Event prints one line per event. Sandbox output is indented under its task.
func (r *renderer) Event(ev events.Event) {
	ts := mutedStyle.Render(ev.Timestamp.Local().Format("15:04:05"))
	switch ev.Type {
	case events.TypePlan:
		r.printf("%s %s %s\n", ts, titleStyle.Render("plan"), ev.Message)
	case events.TypeWaveStart:
		r.printf("%s %s %s\n", ts, titleStyle.Render("▸"), ev.Message)
	case events.TypeTaskStart:
		r.printf("%s   %s %s\n", ts, mutedStyle.Render("…"), ev.Message)
	case events.TypeTaskComplete:
		r.printf("%s   %s %s\n", ts, successStyle.Render("✓"), ev.Message)
	case events.TypeTaskFailed:
		r.printf("%s   %s %s\n", ts, errorStyle.Render("✗"), ev.Message)
		if msg, ok := ev.Data["error"].(string); ok && msg != "" {
			r.printf("         %s\n", errorStyle.Render(msg))
		}
	case events.TypeTaskBlocked:
		r.printf("%s   %s %s\n", ts, warnStyle.Render("⊘"), ev.Message)
	case events.TypeSandboxLog:
		r.printf("%s     %s %s\n", ts, mutedStyle.Render("│"), ev.Message)
	case events.TypeSandboxResult:
		style := successStyle
		if ev.Level == "error" {
			style = errorStyle
		} else if warned, _ := ev.Data["warned"].(bool); warned {
			style = warnStyle
		}
		r.printf("%s     %s\n", ts, style.Render(ev.Message))
	case events.TypeApprovalRequired:
		r.printf("%s\n", boxStyle.Render(warnStyle.Render("approval required")+"\n"+ev.Message))
	case events.TypeApprovalGranted:
		r.printf("%s %s %s\n", ts, successStyle.Render("approved"), ev.Message)
	case events.TypeOrchestrationComplete:
		r.printf("%s %s\n", ts, successStyle.Render(ev.Message))
	case events.TypeOrchestrationFailed, events.TypeOrchestrationExpired:
		r.printf("%s %s\n", ts, errorStyle.Render(ev.Message))
	default:
		r.printf("%s %s\n", ts, ev.Message)
	}
}

// Plan prints the plan and its wave schedule.
func (r *renderer) Plan(p *plan.Plan, waves []schedule.Wave) {
	r.printf("%s\n", titleStyle.Render(p.Summary))
	r.printf("%s risk %s, %d subtasks, approval %s, estimated %s\n",
		mutedStyle.Render("·"), riskStyle(string(p.RiskLevel)), len(p.Subtasks), yesNo(p.RequiresApproval), p.EstimatedTime)
	if p.Fingerprint != "" {
		r.printf("%s fingerprint %s\n", mutedStyle.Render("·"), mutedStyle.Render(p.Fingerprint))
	}
	for _, w := range waves {
		label := fmt.Sprintf("wave %d", w.Index+1)
		if w.Forced {
			label += warnStyle.Render(" (forced: dependency cycle)")
		}
		r.printf("\n%s\n", titleStyle.Render(label))
		for _, t := range w.Tasks {
			deps := ""
			if len(t.Dependencies) > 0 {
				deps = mutedStyle.Render(" after " + strings.Join(t.Dependencies, ", "))
			}
			r.printf("  %s [%s/%s] %s%s\n", t.ID, t.Type, t.Agent, t.Description, deps)
		}
	}
}

// Summary prints the final state of a run.
func (r *renderer) Summary(st orchestrator.State) {
	s := st.Summarize()
	r.printf("\n%s %s\n", titleStyle.Render("orchestration "+st.ID), statusStyle(string(st.Status)))
	r.printf("  %d tasks: %s, %s, %s\n", s.Total,
		successStyle.Render(fmt.Sprintf("%d completed", s.Completed)),
		errorStyle.Render(fmt.Sprintf("%d failed", s.Failed)),
		warnStyle.Render(fmt.Sprintf("%d blocked", s.Blocked)))

	ids := make([]string, 0, len(st.Results))
	for id := range st.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := st.Results[id]
		if o.Status == orchestrator.OutcomeCompleted {
			continue
		}
		detail := o.Error
		if o.Status == orchestrator.OutcomeBlocked {
			detail = "blocked by " + o.BlockedBy
		}
		r.printf("  %s %s\n", statusStyle(string(o.Status)), id+": "+detail)
	}
	if st.Error != "" {
		r.printf("  %s\n", errorStyle.Render(st.Error))
	}
}

// SandboxResult prints the outcome of a standalone sandbox run.
func (r *renderer) SandboxResult(res sandbox.Result) {
	style := successStyle
	switch {
	case !res.Success:
		style = errorStyle
	case res.Warned:
		style = warnStyle
	}
	r.printf("\n%s method=%s exit=%d duration=%dms\n", style.Render(sandboxVerdict(res)), res.Method, res.ExitCode, res.DurationMs)
	if res.Command != "" {
		r.printf("  %s %s\n", mutedStyle.Render("command"), res.Command)
	}
	if res.Image != "" {
		r.printf("  %s %s\n", mutedStyle.Render("image"), res.Image)
	}
	if res.Error != "" {
		r.printf("  %s\n", errorStyle.Render(res.Error))
	}
}

func (r *renderer) LogLine(line sandbox.LogLine) {
	style := mutedStyle
	if line.Stream == sandbox.StreamStderr {
		style = warnStyle
	}
	r.printf("%s %s\n", style.Render("│"), line.Text)
}

func sandboxVerdict(res sandbox.Result) string {
	switch {
	case res.Warned:
		return "validation failed (warn mode)"
	case res.Success:
		return "validation passed"
	default:
		return "validation failed"
	}
}

func riskStyle(risk string) string {
	switch risk {
	case "high", "critical":
		return errorStyle.Render(risk)
	case "medium":
		return warnStyle.Render(risk)
	default:
		return successStyle.Render(risk)
	}
}

func statusStyle(status string) string {
	switch status {
	case "completed":
		return successStyle.Render(status)
	case "failed", "expired":
		return errorStyle.Render(status)
	default:
		return warnStyle.Render(status)
	}
}

func yesNo(b bool) string {
	if b {
		return "required"
	}
	return "not required"
}
