// Package events carries orchestration progress to observers.
//
// Each orchestration has its own topic on a Broker: events are kept in a bounded
// history for late subscribers and fanned out to bounded per-subscriber queues.
// A topic is closed once its orchestration reaches a terminal state.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type represents the kind of progress event
type Type string

const (
	// TypePlan carries the generated plan and its wave schedule
	TypePlan Type = "plan"

	// TypeWaveStart indicates a wave began dispatching
	TypeWaveStart Type = "wave-start"

	// TypeTaskStart indicates a task was dispatched to its worker
	TypeTaskStart Type = "task-start"

	// TypeTaskComplete indicates a task succeeded
	TypeTaskComplete Type = "task-complete"

	// TypeTaskFailed indicates a task failed
	TypeTaskFailed Type = "task-failed"

	// TypeTaskBlocked indicates a task was skipped because a dependency failed
	TypeTaskBlocked Type = "task-blocked"

	// TypeSandboxLog carries one line of sandbox output
	TypeSandboxLog Type = "sandbox-log"

	// TypeSandboxResult carries the outcome of a sandbox run
	TypeSandboxResult Type = "sandbox-result"

	// TypeApprovalRequired indicates the orchestration paused for approval
	TypeApprovalRequired Type = "approval-required"

	// TypeApprovalGranted indicates a paused orchestration was resumed
	TypeApprovalGranted Type = "approval-granted"

	// TypeOrchestrationComplete carries aggregated results
	TypeOrchestrationComplete Type = "orchestration-complete"

	// TypeOrchestrationFailed indicates a structural failure
	TypeOrchestrationFailed Type = "orchestration-failed"

	// TypeOrchestrationExpired indicates the approval window elapsed
	TypeOrchestrationExpired Type = "orchestration-expired"
)

// Terminal reports whether t ends an orchestration's event stream.
func (t Type) Terminal() bool {
	switch t {
	case TypeOrchestrationComplete, TypeOrchestrationFailed, TypeOrchestrationExpired:
		return true
	default:
		return false
	}
}

// Event is a single progress event
type Event struct {
	ID              string         `json:"id"`
	OrchestrationID string         `json:"orchestrationId"`
	Type            Type           `json:"type"`
	TaskID          string         `json:"taskId,omitempty"`
	WaveIndex       *int           `json:"waveIndex,omitempty"`
	Message         string         `json:"message"`
	Level           string         `json:"level"`
	Data            map[string]any `json:"data,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// New creates an event with id, timestamp and level populated
func New(eventType Type, orchestrationID, message string) Event {
	return Event{
		ID:              uuid.NewString(),
		OrchestrationID: orchestrationID,
		Type:            eventType,
		Message:         message,
		Level:           inferLevel(eventType),
		Timestamp:       time.Now().UTC(),
	}
}

// WithTask sets the task id
func (e Event) WithTask(taskID string) Event {
	e.TaskID = taskID
	return e
}

// WithWave sets the wave index
func (e Event) WithWave(index int) Event {
	e.WaveIndex = &index
	return e
}

// WithData adds a data field
func (e Event) WithData(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// WithError records err and raises the level to error
func (e Event) WithError(err error) Event {
	if err == nil {
		return e
	}
	e.Level = "error"
	return e.WithData("error", err.Error())
}

// ToJSON encodes the event on a single line
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an event from JSON
func FromJSON(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

func inferLevel(t Type) string {
	switch t {
	case TypeTaskFailed, TypeOrchestrationFailed:
		return "error"
	case TypeTaskBlocked, TypeApprovalRequired, TypeOrchestrationExpired:
		return "warning"
	default:
		return "info"
	}
}
