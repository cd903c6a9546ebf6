package queue

import (
	"database/sql"
	"fmt"
	"time"
)

// WorklogStore persists worklog entries, at-most-one-active-per-user
// timers, and sprint records, grounded in original_source/task_worklog.py
// (start_timer/stop_timer) and sprint_board.py.
type WorklogStore struct {
	db *sql.DB
}

// NewWorklogStore wraps a migrated *sql.DB.
func NewWorklogStore(db *sql.DB) *WorklogStore {
	return &WorklogStore{db: db}
}

// AddEntry records a worklog entry directly (not timer-derived). WorkDate
// defaults to today when unset.
func (s *WorklogStore) AddEntry(e *WorklogEntry) (int64, error) {
	e.CreatedAt = time.Now()
	if e.WorkDate == "" {
		e.WorkDate = e.CreatedAt.UTC().Format("2006-01-02")
	}
	res, err := s.db.Exec(
		`INSERT INTO task_worklog (task_id, user_id, work_type, description, minutes_spent, work_date, billable, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.UserID, e.WorkType, nullString(e.Description), e.MinutesSpent, e.WorkDate, e.Billable, e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert worklog entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// ForTask returns all worklog entries for a task, oldest first.
func (s *WorklogStore) ForTask(taskID int64) ([]*WorklogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, user_id, work_type, COALESCE(description, ''), minutes_spent, work_date, billable, created_at
		 FROM task_worklog WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*WorklogEntry
	for rows.Next() {
		var e WorklogEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.UserID, &e.WorkType, &e.Description,
			&e.MinutesSpent, &e.WorkDate, &e.Billable, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// StartTimer opens an active timer for user on task. Fails with
// ErrTimerAlreadyOpen if one is already running, enforcing the
// at-most-one-active-timer-per-user invariant via the UNIQUE(user_id)
// constraint on task_timers as well as this pre-check.
func (s *WorklogStore) StartTimer(taskID int64, userID, workType, description string) (*ActiveTimer, error) {
	var existing int64
	err := s.db.QueryRow(`SELECT id FROM task_timers WHERE user_id = ?`, userID).Scan(&existing)
	if err == nil {
		return nil, ErrTimerAlreadyOpen
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to check active timer: %w", err)
	}

	if workType == "" {
		workType = "general"
	}

	started := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO task_timers (task_id, user_id, work_type, description, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		taskID, userID, workType, nullString(description), started,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start timer: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &ActiveTimer{ID: id, TaskID: taskID, UserID: userID, WorkType: workType,
		Description: description, StartedAt: started}, nil
}

// ActiveTimerFor returns the user's open timer, if any.
func (s *WorklogStore) ActiveTimerFor(userID string) (*ActiveTimer, error) {
	row := s.db.QueryRow(
		`SELECT id, task_id, user_id, work_type, COALESCE(description, ''), started_at
		 FROM task_timers WHERE user_id = ?`, userID)
	var t ActiveTimer
	err := row.Scan(&t.ID, &t.TaskID, &t.UserID, &t.WorkType, &t.Description, &t.StartedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveTimer
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// StopTimer closes the user's active timer and writes a worklog entry for
// the elapsed duration, returning the created entry.
func (s *WorklogStore) StopTimer(userID string, billable bool, description string) (*WorklogEntry, error) {
	timer, err := s.ActiveTimerFor(userID)
	if err != nil {
		return nil, err
	}

	minutes := int(time.Since(timer.StartedAt).Minutes())
	if minutes < 0 {
		minutes = 0
	}

	desc := description
	if desc == "" {
		desc = timer.Description
	}

	entry := &WorklogEntry{
		TaskID:       timer.TaskID,
		UserID:       userID,
		WorkType:     timer.WorkType,
		Description:  desc,
		MinutesSpent: minutes,
		Billable:     billable,
	}

	if _, err := s.AddEntry(entry); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`DELETE FROM task_timers WHERE id = ?`, timer.ID); err != nil {
		return nil, fmt.Errorf("failed to close timer: %w", err)
	}

	return entry, nil
}

// DiscardTimer deletes the user's active timer without recording time.
func (s *WorklogStore) DiscardTimer(userID string) error {
	timer, err := s.ActiveTimerFor(userID)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM task_timers WHERE id = ?`, timer.ID)
	return err
}

// SprintRollup aggregates descendant estimated/actual/worklog hours and a
// weight-averaged progress figure for a sprint's tasks.
type SprintRollup struct {
	SprintID       int64   `json:"sprint_id"`
	TaskCount      int     `json:"task_count"`
	CompletedCount int     `json:"completed_count"`
	WorklogMinutes int     `json:"worklog_minutes"`
	EstimatedHours float64 `json:"estimated_hours"`
	ActualHours    float64 `json:"actual_hours"`
	Progress       float64 `json:"progress"`
	HoursProgress  float64 `json:"hours_progress"`
}

// Rollup computes the rollup for a sprint by joining tasks and worklog.
// Progress is the plain completed/total task ratio; HoursProgress weighs
// each task by its estimated_hours share of the sprint total (falling back
// to Progress when no task in the sprint carries an estimate), mirroring
// calculate_effort_rollup's own_estimated_hours/rollup_estimated_hours
// weighting.
func (s *WorklogStore) Rollup(sprintID int64) (*SprintRollup, error) {
	r := &SprintRollup{SprintID: sprintID}

	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(estimated_hours), 0), COALESCE(SUM(actual_hours), 0)
		 FROM tasks WHERE sprint_id = ?`, sprintID,
	).Scan(&r.TaskCount, &r.CompletedCount, &r.EstimatedHours, &r.ActualHours)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate sprint tasks: %w", err)
	}

	err = s.db.QueryRow(
		`SELECT COALESCE(SUM(w.minutes_spent), 0)
		 FROM task_worklog w JOIN tasks t ON t.id = w.task_id WHERE t.sprint_id = ?`, sprintID,
	).Scan(&r.WorklogMinutes)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate sprint worklog: %w", err)
	}

	if r.TaskCount > 0 {
		r.Progress = float64(r.CompletedCount) / float64(r.TaskCount)
	}

	if r.EstimatedHours > 0 {
		var completedEstimated float64
		if err := s.db.QueryRow(
			`SELECT COALESCE(SUM(estimated_hours), 0) FROM tasks WHERE sprint_id = ? AND status = 'completed'`,
			sprintID,
		).Scan(&completedEstimated); err != nil {
			return nil, fmt.Errorf("failed to aggregate completed sprint estimates: %w", err)
		}
		r.HoursProgress = completedEstimated / r.EstimatedHours
	} else {
		r.HoursProgress = r.Progress
	}

	return r, nil
}

// EffortRollup is the estimated/actual-hours weighted rollup for one task's
// subtree, grounded in calculate_effort_rollup/get_all_descendants:
// own hours plus every descendant's hours, and a progress figure weighted
// by each descendant's estimated share rather than a flat task count.
type EffortRollup struct {
	TaskID               int64   `json:"task_id"`
	HasSubtasks          bool    `json:"has_subtasks"`
	OwnEstimatedHours    float64 `json:"own_estimated_hours"`
	OwnActualHours       float64 `json:"own_actual_hours"`
	RollupEstimatedHours float64 `json:"rollup_estimated_hours"`
	RollupActualHours    float64 `json:"rollup_actual_hours"`
	RollupProgress       float64 `json:"rollup_progress"`
	SubtaskCount         int     `json:"subtask_count"`
	CompletedSubtasks    int     `json:"completed_subtasks"`
}

// EffortRollup walks every descendant of taskID (via its materialized
// hierarchy_path, the equivalent of get_all_descendants' parent_id BFS) and
// sums estimated/actual hours, weighting rollup_progress by each task's
// share of the subtree's total estimate rather than a flat task count —
// a task with no estimate contributes nothing to either side of the ratio.
func (s *WorklogStore) EffortRollup(taskID int64) (*EffortRollup, error) {
	row := s.db.QueryRow(
		`SELECT estimated_hours, actual_hours FROM tasks WHERE id = ?`, taskID)
	r := &EffortRollup{TaskID: taskID}
	if err := row.Scan(&r.OwnEstimatedHours, &r.OwnActualHours); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}

	prefix := fmt.Sprintf("%%/%d/%%", taskID)
	rows, err := s.db.Query(
		`SELECT estimated_hours, actual_hours, status FROM tasks WHERE hierarchy_path LIKE ?`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load descendants of task %d: %w", taskID, err)
	}
	defer rows.Close()

	totalEstimated, totalActual := r.OwnEstimatedHours, r.OwnActualHours
	var completedEstimated float64

	for rows.Next() {
		var estimated, actual float64
		var status string
		if err := rows.Scan(&estimated, &actual, &status); err != nil {
			return nil, err
		}
		totalEstimated += estimated
		totalActual += actual
		r.SubtaskCount++
		if status == string(StatusCompleted) {
			r.CompletedSubtasks++
			completedEstimated += estimated
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.HasSubtasks = r.SubtaskCount > 0
	r.RollupEstimatedHours = totalEstimated
	r.RollupActualHours = totalActual

	if totalEstimated > 0 {
		r.RollupProgress = completedEstimated / totalEstimated
	} else if r.HasSubtasks {
		r.RollupProgress = float64(r.CompletedSubtasks) / float64(r.SubtaskCount)
	}

	return r, nil
}

// CreateSprint inserts a new sprint.
func (s *WorklogStore) CreateSprint(sp *Sprint) (int64, error) {
	sp.CreatedAt = time.Now()
	res, err := s.db.Exec(
		`INSERT INTO sprints (name, starts_at, ends_at, created_at) VALUES (?, ?, ?, ?)`,
		sp.Name, sp.StartsAt, sp.EndsAt, sp.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sprint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	sp.ID = id
	return id, nil
}
