package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists tasks to SQLite using null-safe scanning and
// ON-CONFLICT-DO-UPDATE upserts.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-migrated *sql.DB (see internal/storage.Engine).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert creates a new task row and returns its assigned ID.
func (s *Store) Insert(tx *sql.Tx, t *Task) (int64, error) {
	payload, err := marshalPayload(t.Payload)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now

	q := `
		INSERT INTO tasks (task_type, payload, priority, status, retries, max_retries,
			timeout_seconds, assigned_worker, assigned_node, scheduled_for, parent_id,
			hierarchy_level, hierarchy_path, child_count, batch_id, sprint_id,
			estimated_hours, actual_hours, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := tx.Exec(q, t.TaskType, payload, t.Priority, t.Status, t.Retries, t.MaxRetries,
		t.TimeoutSeconds, nullString(t.AssignedWorker), nullString(t.AssignedNode),
		t.ScheduledFor, t.ParentID, t.HierarchyLevel, t.HierarchyPath, t.ChildCount,
		t.BatchID, t.SprintID, t.EstimatedHours, t.ActualHours, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted task id: %w", err)
	}
	t.ID = id
	return id, nil
}

// Update writes back all mutable fields of a task.
func (s *Store) Update(tx *sql.Tx, t *Task) error {
	payload, err := marshalPayload(t.Payload)
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now()

	q := `
		UPDATE tasks SET payload = ?, priority = ?, status = ?, retries = ?, max_retries = ?,
			assigned_worker = ?, assigned_node = ?, scheduled_for = ?, hierarchy_level = ?,
			hierarchy_path = ?, child_count = ?, estimated_hours = ?, actual_hours = ?,
			error_message = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`

	_, err = tx.Exec(q, payload, t.Priority, t.Status, t.Retries, t.MaxRetries,
		nullString(t.AssignedWorker), nullString(t.AssignedNode), t.ScheduledFor,
		t.HierarchyLevel, t.HierarchyPath, t.ChildCount, t.EstimatedHours, t.ActualHours,
		nullString(t.ErrorMessage), t.UpdatedAt, t.StartedAt, t.CompletedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", t.ID, err)
	}
	return nil
}

// GetByID retrieves a task by ID.
func (s *Store) GetByID(id int64) (*Task, error) {
	row := s.db.QueryRow(selectColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	return t, err
}

// GetByStatus retrieves tasks with the given status, highest priority and
// oldest first.
func (s *Store) GetByStatus(status Status) ([]*Task, error) {
	rows, err := s.db.Query(selectColumns+" FROM tasks WHERE status = ? ORDER BY priority DESC, created_at ASC", status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetChildren returns all direct children of a task.
func (s *Store) GetChildren(parentID int64) ([]*Task, error) {
	rows, err := s.db.Query(selectColumns+" FROM tasks WHERE parent_id = ? ORDER BY created_at ASC", parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Delete removes a task.
func (s *Store) Delete(tx *sql.Tx, id int64) error {
	_, err := tx.Exec("DELETE FROM tasks WHERE id = ?", id)
	return err
}

const selectColumns = `
	SELECT id, task_type, payload, priority, status, retries, max_retries, timeout_seconds,
		COALESCE(assigned_worker, ''), COALESCE(assigned_node, ''), scheduled_for, parent_id,
		hierarchy_level, hierarchy_path, child_count, batch_id, sprint_id,
		estimated_hours, actual_hours,
		COALESCE(error_message, ''), created_at, updated_at, started_at, completed_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var payload string
	var scheduledFor, startedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.TaskType, &payload, &t.Priority, &t.Status, &t.Retries,
		&t.MaxRetries, &t.TimeoutSeconds, &t.AssignedWorker, &t.AssignedNode, &scheduledFor,
		&t.ParentID, &t.HierarchyLevel, &t.HierarchyPath, &t.ChildCount, &t.BatchID,
		&t.SprintID, &t.EstimatedHours, &t.ActualHours, &t.ErrorMessage, &t.CreatedAt,
		&t.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if scheduledFor.Valid {
		t.ScheduledFor = &scheduledFor.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	t.Payload = make(map[string]interface{})
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
			// Log but continue - don't fail the read on bad JSON.
			t.Payload = map[string]interface{}{}
		}
	}

	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
