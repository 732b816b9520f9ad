// Package audit records security-relevant orchestration actions.
//
// Sinks are best-effort collaborators: the orchestrator always writes through
// BestEffort, which masks metadata and downgrades sink failures to warnings.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Severity represents the severity level of an audit entry
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Actions recorded by the orchestrator.
const (
	ActionOrchestrationStarted   = "orchestration.started"
	ActionPlanGenerated          = "plan.generated"
	ActionApprovalRequested      = "approval.requested"
	ActionApprovalGranted        = "approval.granted"
	ActionTaskCompleted          = "task.completed"
	ActionTaskFailed             = "task.failed"
	ActionSandboxRun             = "sandbox.run"
	ActionPolicyViolation        = "policy.violation"
	ActionOrchestrationCompleted = "orchestration.completed"
	ActionOrchestrationFailed    = "orchestration.failed"
	ActionOrchestrationExpired   = "orchestration.expired"
)

// Entry is one persisted audit record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Integrity string         `json:"integrity"`
}

// Sink receives audit events.
type Sink interface {
	LogEvent(ctx context.Context, action string, severity Severity, message string, metadata map[string]any) error
}

// Querier is implemented by sinks that can read entries back.
type Querier interface {
	Query(ctx context.Context, filter Filter) ([]Entry, error)
}

// Filter defines filters for querying audit entries
type Filter struct {
	Since           time.Time
	Until           time.Time
	Action          string
	Severity        Severity
	OrchestrationID string
	Limit           int
}

// Matches checks if an entry matches the filter
func (f Filter) Matches(e Entry) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.OrchestrationID != "" {
		id, _ := e.Metadata["orchestrationId"].(string)
		if id != f.OrchestrationID {
			return false
		}
	}
	return true
}

// newEntry builds an entry with a fresh id and integrity digest.
func newEntry(action string, severity Severity, message string, metadata map[string]any, now time.Time) (Entry, error) {
	e := Entry{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		Action:    action,
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
	}
	sum, err := Integrity(e)
	if err != nil {
		return Entry{}, err
	}
	e.Integrity = sum
	return e, nil
}

// Integrity returns the blake3 digest of an entry's content fields.
// Stored alongside each entry so tampering with a record is detectable.
func Integrity(e Entry) (string, error) {
	payload, err := json.Marshal(struct {
		Timestamp time.Time      `json:"timestamp"`
		Action    string         `json:"action"`
		Severity  Severity       `json:"severity"`
		Message   string         `json:"message"`
		Metadata  map[string]any `json:"metadata"`
	}{e.Timestamp.UTC(), e.Action, e.Severity, e.Message, e.Metadata})
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether the entry's integrity digest matches its content.
func Verify(e Entry) bool {
	sum, err := Integrity(e)
	return err == nil && sum == e.Integrity
}
