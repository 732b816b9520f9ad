// Package incident turns alert webhooks into orchestration submissions.
//
// Sentry, Datadog and OpenTelemetry payloads are reduced to a common Incident.
// Each incident becomes a submission with sandbox validation switched on, so the
// remediation is checked against the repository before anything is merged.
package incident

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/felixgeelhaar/legacyguard/internal/orchestrator"
	"github.com/felixgeelhaar/legacyguard/internal/sandbox"
)

// Source names the system that raised an incident.
type Source string

const (
	SourceSentry  Source = "sentry"
	SourceDatadog Source = "datadog"
	SourceOTel    Source = "otel"
	// SourceGeneric is a caller-built incident under an "incident" key.
	SourceGeneric Source = "generic"
)

// Sources lists the sources with a dedicated payload format.
var Sources = []Source{SourceSentry, SourceDatadog, SourceOTel}

// maxStackLength bounds the stack text copied into the submission context.
const maxStackLength = 8 << 10

// Incident is the source-independent view of an alert.
type Incident struct {
	ID      string          `json:"id"`
	Source  Source          `json:"source"`
	Title   string          `json:"title"`
	Stack   string          `json:"stack,omitempty"`
	Repo    RepoRef         `json:"repo"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RepoRef is whatever the alert says about the affected code.
type RepoRef struct {
	URL   string `json:"url,omitempty"`
	Owner string `json:"owner,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Envelope holds the submission options a webhook body may carry next to the
// alert itself.
type Envelope struct {
	RepoPath string          `json:"repoPath,omitempty"`
	Sandbox  *sandbox.Config `json:"sandbox,omitempty"`
	Playbook string          `json:"playbook,omitempty"`
}

// ParseSource accepts the webhook path segment.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Sources {
		if src == known {
			return src, nil
		}
	}
	if src == SourceGeneric {
		return src, nil
	}
	return "", fmt.Errorf("unknown incident source %q (want sentry, datadog or otel)", s)
}

// Normalize extracts an incident and its envelope from a webhook body. Missing
// ids fall back to the source and now, missing titles to a per-source default.
func Normalize(source Source, body []byte, now time.Time) (Incident, Envelope, error) {
	if !gjson.ValidBytes(body) {
		return Incident{}, Envelope{}, fmt.Errorf("incident body is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Incident{}, Envelope{}, fmt.Errorf("incident body must be a JSON object")
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Incident{}, Envelope{}, fmt.Errorf("decode incident options: %w", err)
	}

	var inc Incident
	switch source {
	case SourceSentry:
		inc = fromSentry(root)
	case SourceDatadog:
		inc = fromDatadog(root)
	case SourceOTel:
		inc = fromOTel(root)
	case SourceGeneric:
		obj := root.Get("incident")
		if !obj.IsObject() {
			return Incident{}, Envelope{}, fmt.Errorf("incident object is required")
		}
		inc = fromGeneric(obj)
	default:
		return Incident{}, Envelope{}, fmt.Errorf("unknown incident source %q", source)
	}

	if inc.Source == "" {
		inc.Source = source
	}
	if inc.ID == "" {
		inc.ID = fmt.Sprintf("%s-%d", inc.Source, now.UnixMilli())
	}
	if inc.Title == "" {
		inc.Title = defaultTitle(inc.Source)
	}
	inc.Payload = json.RawMessage(root.Raw)
	return inc, env, nil
}

func fromSentry(p gjson.Result) Incident {
	inc := Incident{
		ID:     first(p, "event_id", "id"),
		Source: SourceSentry,
		Title:  first(p, "message", "title"),
		Repo:   RepoRef{URL: p.Get("release").String()},
	}
	if st := p.Get("exception.values.0.stacktrace"); st.Exists() {
		inc.Stack = st.Raw
	}
	if project := p.Get("project").String(); project != "" {
		owner, name, _ := strings.Cut(project, "/")
		inc.Repo.Owner, inc.Repo.Name = owner, name
	}
	return inc
}

func fromDatadog(p gjson.Result) Incident {
	alert := p
	if ev := p.Get("event"); ev.IsObject() {
		alert = ev
	}
	return Incident{
		ID:     alert.Get("id").String(),
		Source: SourceDatadog,
		Title:  first(alert, "title", "text"),
		Stack:  alert.Get("alert_type").String(),
		Repo:   RepoRef{URL: alert.Get("url").String()},
	}
}

func fromOTel(p gjson.Result) Incident {
	attrs := p.Get("resource.attributes")
	if !attrs.Exists() {
		attrs = p.Get("resourceAttributes")
	}
	return Incident{
		ID:     first(p, "traceId", "spanId"),
		Source: SourceOTel,
		Title:  first(p, "name", "eventName"),
		Stack:  first(p, "stack", "exception.stacktrace"),
		Repo: RepoRef{
			URL:   attrs.Get(`service\.name`).String(),
			Owner: attrs.Get(`service\.namespace`).String(),
		},
	}
}

func fromGeneric(obj gjson.Result) Incident {
	return Incident{
		ID:     obj.Get("id").String(),
		Source: Source(obj.Get("source").String()),
		Title:  first(obj, "title", "message"),
		Stack:  obj.Get("stack").String(),
		Repo: RepoRef{
			URL:   obj.Get("repo.url").String(),
			Owner: obj.Get("repo.owner").String(),
			Name:  obj.Get("repo.name").String(),
		},
	}
}

// first returns the first non-empty string among paths.
func first(r gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := strings.TrimSpace(r.Get(path).String()); v != "" {
			return v
		}
	}
	return ""
}

func defaultTitle(src Source) string {
	switch src {
	case SourceSentry:
		return "Sentry alert"
	case SourceDatadog:
		return "Datadog alert"
	case SourceOTel:
		return "OpenTelemetry event"
	default:
		return "Incident"
	}
}

// Submission builds the remediation request for inc. The envelope's repoPath
// wins over defaultRepo. Sandbox validation defaults to on with fail mode fail.
func Submission(inc Incident, env Envelope, defaultRepo string) orchestrator.Submission {
	repo := env.RepoPath
	if repo == "" {
		repo = defaultRepo
	}
	sb := env.Sandbox
	if sb == nil {
		sb = &sandbox.Config{Enabled: true, FailMode: sandbox.FailModeFail}
	}
	return orchestrator.Submission{
		Request:  fmt.Sprintf("Reproduce and fix %s incident %s: %s", inc.Source, inc.ID, inc.Title),
		Context:  Context(inc),
		RepoPath: repo,
		Sandbox:  sb,
		Playbook: env.Playbook,
	}
}

// Context renders the incident details handed to the planner.
func Context(inc Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s from %s: %s\n", inc.ID, inc.Source, inc.Title)
	if inc.Repo != (RepoRef{}) {
		fmt.Fprintf(&b, "Affected code: %s\n", strings.Join(nonEmpty(inc.Repo.URL, joinOwner(inc.Repo)), " "))
	}
	if inc.Stack != "" {
		stack := inc.Stack
		if len(stack) > maxStackLength {
			stack = stack[:maxStackLength] + "\n[stack truncated]"
		}
		fmt.Fprintf(&b, "Stack:\n%s\n", stack)
	}
	return b.String()
}

func joinOwner(r RepoRef) string {
	switch {
	case r.Owner != "" && r.Name != "":
		return r.Owner + "/" + r.Name
	case r.Owner != "":
		return r.Owner
	default:
		return r.Name
	}
}

func nonEmpty(items ...string) []string {
	out := items[:0]
	for _, s := range items {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
