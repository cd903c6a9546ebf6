// Package queue implements the task queue: submission, hierarchy,
// templates, batches, claiming, worklog/timers, sprints, and archival.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
	StatusConverted Status = "converted"
)

// validTransitions enumerates the allowed status transitions for the
// queue's lifecycle. Every status mutation in Queue goes through
// Task.TransitionTo against this map: running→pending is the retry
// release, pending/scheduled→completed is the parent auto-completion
// guard path, cancelled/failed→pending is retry_failed.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusScheduled, StatusRunning, StatusCancelled, StatusCompleted},
	StatusScheduled: {StatusPending, StatusRunning, StatusCancelled, StatusCompleted},
	StatusRunning:   {StatusPending, StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout},
	StatusFailed:    {StatusPending, StatusCancelled},
	StatusTimeout:   {StatusPending, StatusCancelled},
	StatusCancelled: {StatusPending},
	StatusCompleted: {StatusConverted},
}

// Task is a unit of work in the queue.
type Task struct {
	ID             int64                  `json:"id"`
	TaskType       string                 `json:"task_type"`
	Payload        map[string]interface{} `json:"payload"`
	Priority       int                    `json:"priority"` // 0-10, higher runs sooner
	Status         Status                 `json:"status"`
	Retries        int                    `json:"retries"`
	MaxRetries     int                    `json:"max_retries"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	AssignedWorker string                 `json:"assigned_worker,omitempty"`
	AssignedNode   string                 `json:"assigned_node,omitempty"`
	ScheduledFor   *time.Time             `json:"scheduled_for,omitempty"`
	ParentID       *int64                 `json:"parent_id,omitempty"`
	HierarchyLevel int                    `json:"hierarchy_level"`
	HierarchyPath  string                 `json:"hierarchy_path"`
	ChildCount     int                    `json:"child_count"`
	BatchID        *int64                 `json:"batch_id,omitempty"`
	SprintID       *int64                 `json:"sprint_id,omitempty"`
	EstimatedHours float64                `json:"estimated_hours,omitempty"`
	ActualHours    float64                `json:"actual_hours,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Validate checks that the task has valid field values.
func (t *Task) Validate() error {
	if t.Priority < 0 || t.Priority > 10 {
		return fmt.Errorf("priority must be between 0 and 10")
	}
	if t.TaskType == "" {
		return fmt.Errorf("task_type is required")
	}
	return nil
}

// TransitionTo attempts to move the task to a new status, failing with a
// wrapped ErrStateConflict when validTransitions does not permit the edge.
func (t *Task) TransitionTo(newStatus Status) error {
	for _, s := range validTransitions[t.Status] {
		if s == newStatus {
			t.Status = newStatus
			t.UpdatedAt = time.Now()
			return nil
		}
	}

	return fmt.Errorf("%w: invalid transition from %s to %s", ErrStateConflict, t.Status, newStatus)
}

// IsTerminal returns true if the task is in a final state.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout, StatusConverted:
		return true
	default:
		return false
	}
}

// IsAncestorOf reports whether id appears in child's hierarchy path,
// i.e. whether t is an ancestor of child. Used to reject a submission
// that would make a task its own ancestor.
func (t *Task) IsAncestorOf(child *Task) bool {
	marker := fmt.Sprintf("/%d/", t.ID)
	return strings.Contains(child.HierarchyPath, marker)
}

func marshalPayload(payload map[string]interface{}) (string, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(data), nil
}

// Template is a reusable task blueprint with ${var}/$var substitution.
type Template struct {
	ID                    int64     `json:"id"`
	Name                  string    `json:"name"`
	TaskType              string    `json:"task_type"`
	PayloadTemplate       string    `json:"payload_template"`
	DefaultPriority       int       `json:"default_priority"`
	DefaultMaxRetries     int       `json:"default_max_retries"`
	DefaultTimeoutSeconds int       `json:"default_timeout_seconds"`
	UsageCount            int       `json:"usage_count"`
	IsActive              bool      `json:"is_active"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Batch tracks a group of tasks instantiated from a template.
// CreatedCount + FailedCount always equals TotalRequested once an
// expansion finishes.
type Batch struct {
	ID             int64     `json:"id"`
	TemplateID     *int64    `json:"template_id,omitempty"`
	Label          string    `json:"label,omitempty"`
	Status         string    `json:"status"`
	StaggerSeconds int       `json:"stagger_seconds"`
	TotalRequested int       `json:"total_requested"`
	CreatedCount   int       `json:"created_count"`
	FailedCount    int       `json:"failed_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// WorklogEntry records time spent on a task. WorkDate is the calendar day
// the work happened on (ISO date, defaulting to today), distinct from
// CreatedAt, which is when the entry was recorded.
type WorklogEntry struct {
	ID           int64     `json:"id"`
	TaskID       int64     `json:"task_id"`
	UserID       string    `json:"user_id"`
	WorkType     string    `json:"work_type"`
	Description  string    `json:"description,omitempty"`
	MinutesSpent int       `json:"minutes_spent"`
	WorkDate     string    `json:"work_date"`
	Billable     bool      `json:"billable"`
	CreatedAt    time.Time `json:"created_at"`
}

// ActiveTimer is the at-most-one-per-user running work timer.
type ActiveTimer struct {
	ID          int64     `json:"id"`
	TaskID      int64     `json:"task_id"`
	UserID      string    `json:"user_id"`
	WorkType    string    `json:"work_type"`
	Description string    `json:"description,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Sprint groups tasks into a time-boxed iteration.
type Sprint struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Sentinel errors used across the queue package.
var (
	ErrQueueEmpty       = fmt.Errorf("no claimable tasks available")
	ErrTaskNotFound     = fmt.Errorf("task not found")
	ErrParentNotFound   = fmt.Errorf("parent task not found")
	ErrInvalidBulkSize  = fmt.Errorf("bulk submission exceeds maximum of 100 tasks")
	ErrTimerAlreadyOpen = fmt.Errorf("user already has an active timer")
	ErrNoActiveTimer    = fmt.Errorf("no active timer found")
	ErrTaskNotTerminal  = fmt.Errorf("task is not in a terminal state")
	ErrStateConflict    = fmt.Errorf("operation incompatible with current task state")
	ErrTemplateNotFound = fmt.Errorf("template not found or inactive")
	ErrBatchTooLarge    = fmt.Errorf("batch item list exceeds configured cap")
	ErrOwnAncestor      = fmt.Errorf("task cannot be its own ancestor")
)

// MaxBulkSubmit is the hard cap on SubmitBulk's item list.
const MaxBulkSubmit = 100

// MaxBatchItems bounds ExpandBatch's item list.
const MaxBatchItems = 500
