// Package hooks implements EventSink, the collaborator interface the
// Orchestration Loop, Credit-Pause Controller, and Stuck-Task Detector emit
// lifecycle events through. Grounded on internal/notify/interface.go's
// Channel shape, generalized from fixed notification categories to the
// task/section/project/health/dispute/credit event taxonomy.
package hooks

import "context"

// EventType is the fixed set of lifecycle events a sink may receive.
type EventType string

const (
	EventTaskCreated      EventType = "task.created"
	EventTaskUpdated      EventType = "task.updated"
	EventTaskCompleted    EventType = "task.completed"
	EventTaskFailed       EventType = "task.failed"
	EventSectionCompleted EventType = "section.completed"
	EventProjectCompleted EventType = "project.completed"
	EventHealthChanged    EventType = "health.changed"
	EventHealthCritical   EventType = "health.critical"
	EventDisputeCreated   EventType = "dispute.created"
	EventDisputeResolved  EventType = "dispute.resolved"
	EventCreditExhausted  EventType = "credit.exhausted"
	EventCreditResolved   EventType = "credit.resolved"
)

// Event is the tagged-sum payload every hook fires: a fixed envelope plus an
// event-specific Fields map, versioned so sinks can evolve independently of
// the dispatcher.
type Event struct {
	Version   int            `json:"version"`
	Type      EventType      `json:"event"`
	Timestamp string         `json:"timestamp"`
	Project   string         `json:"project"`
	TaskID    int64          `json:"task_id,omitempty"`
	SectionID string         `json:"section_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// EventSink is implemented by each hook destination (script, webhook, ...).
// Dispatch is always best-effort from the caller's perspective: a sink
// returning an error only gets logged, never propagated into the runner
// loop that produced the event.
type EventSink interface {
	Name() string
	IsConfigured() bool
	Dispatch(ctx context.Context, evt Event) error
}

const eventVersion = 1

// NewEvent builds a versioned, timestamped Event for the given type.
func NewEvent(typ EventType, project, nowRFC3339 string, fields map[string]any) Event {
	return Event{
		Version:   eventVersion,
		Type:      typ,
		Timestamp: nowRFC3339,
		Project:   project,
		Fields:    fields,
	}
}
