package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

// Task lifecycle event type constants, mirroring the webhook/watcher event
// vocabulary: task.created/started/claimed/completed/failed/retrying/
// cancelled/timeout/priority_changed/assigned.
const (
	EventTaskCreated        EventType = "task.created"
	EventTaskStarted        EventType = "task.started"
	EventTaskClaimed        EventType = "task.claimed"
	EventTaskCompleted      EventType = "task.completed"
	EventTaskFailed         EventType = "task.failed"
	EventTaskRetrying       EventType = "task.retrying"
	EventTaskCancelled      EventType = "task.cancelled"
	EventTaskTimeout        EventType = "task.timeout"
	EventTaskPriorityChange EventType = "task.priority_changed"
	EventTaskAssigned       EventType = "task.assigned"
	EventTaskDeleted        EventType = "task.deleted"
	EventTaskReparented     EventType = "task.reparented"

	// EventResponderHit fires when the prompt auto-responder acts on a pane.
	EventResponderHit EventType = "responder.hit"
	// EventPatternChange fires when the learning loop detects a pattern
	// disappearance, low success rate, or a brand-new pattern.
	EventPatternChange EventType = "pattern.change"
)

// Priority constants for events
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event represents a system event that can be published and subscribed to
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType EventType, source, target string, priority int, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Target:    target,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// AllEventTypes returns all defined event types
func AllEventTypes() []EventType {
	return []EventType{
		EventTaskCreated,
		EventTaskStarted,
		EventTaskClaimed,
		EventTaskCompleted,
		EventTaskFailed,
		EventTaskRetrying,
		EventTaskCancelled,
		EventTaskTimeout,
		EventTaskPriorityChange,
		EventTaskAssigned,
		EventTaskDeleted,
		EventTaskReparented,
		EventResponderHit,
		EventPatternChange,
	}
}
