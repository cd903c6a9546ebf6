package queue

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agentctl/controlplane/internal/events"
	"github.com/agentctl/controlplane/internal/locking"
	"github.com/agentctl/controlplane/internal/storage"
)

// Queue is the task queue: submission, hierarchy, templates, batches,
// leasing, retry, cancellation, archival, and the events it emits on every
// status transition. It wraps storage.Engine transactions around a single
// *sql.DB connection pool.
type Queue struct {
	engine    *storage.Engine
	store     *Store
	templates *TemplateStore
	batches   *BatchStore
	worklog   *WorklogStore
	bus       *events.Bus
	archive   *locking.FileLockManager
}

// New builds a Queue over an already-migrated storage engine. archiveLock
// may be nil, in which case ArchiveTerminal relies on the DB transaction
// alone (acceptable for single-process deployments).
func New(engine *storage.Engine, bus *events.Bus, archiveLock *locking.FileLockManager) *Queue {
	db := engine.DB()
	return &Queue{
		engine:    engine,
		store:     NewStore(db),
		templates: NewTemplateStore(db),
		batches:   NewBatchStore(db),
		worklog:   NewWorklogStore(db),
		bus:       bus,
		archive:   archiveLock,
	}
}

func (q *Queue) emit(eventType events.EventType, t *Task, previousStatus string, extra map[string]interface{}) {
	if q.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"task_id":         t.ID,
		"task_type":       t.TaskType,
		"status":          string(t.Status),
		"previous_status": previousStatus,
		"worker_id":       t.AssignedWorker,
	}
	for k, v := range extra {
		payload[k] = v
	}
	q.bus.Publish(events.NewEvent(eventType, "queue", "all", events.PriorityNormal, payload))
}

// Submit creates a single task, computing hierarchy fields from parentID
// when present.
func (q *Queue) Submit(taskType string, payload map[string]interface{}, priority, maxRetries, timeoutSeconds int, parentID *int64) (*Task, error) {
	t := &Task{
		TaskType:       taskType,
		Payload:        payload,
		Priority:       priority,
		Status:         StatusPending,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeoutSeconds,
		ParentID:       parentID,
	}
	if t.Payload == nil {
		t.Payload = map[string]interface{}{}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	err := q.engine.WithTx(func(tx *sql.Tx) error {
		if parentID != nil {
			parent, err := q.store.GetByID(*parentID)
			if err != nil {
				return ErrParentNotFound
			}
			t.HierarchyLevel = parent.HierarchyLevel + 1
			t.HierarchyPath = parent.HierarchyPath + fmt.Sprintf("%d/", *parentID)

			if _, err := q.store.Insert(tx, t); err != nil {
				return err
			}

			if _, err := tx.Exec(`UPDATE tasks SET child_count = child_count + 1 WHERE id = ?`, *parentID); err != nil {
				return fmt.Errorf("failed to bump parent child_count: %w", err)
			}
			return nil
		}

		t.HierarchyPath = "/"
		_, err := q.store.Insert(tx, t)
		return err
	})
	if err != nil {
		return nil, err
	}

	q.emit(events.EventTaskCreated, t, "", nil)
	return t, nil
}

// BulkItem is one element of a submit_bulk request.
type BulkItem struct {
	TaskType       string
	Payload        map[string]interface{}
	Priority       int
	MaxRetries     int
	TimeoutSeconds int
	ParentID       *int64
}

// BulkResult reports the per-index outcome of submit_bulk.
type BulkResult struct {
	Index int    `json:"index"`
	ID    int64  `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// SubmitBulk submits up to MaxBulkSubmit tasks, reporting per-index
// success or failure; a list over the cap is rejected before any insert.
func (q *Queue) SubmitBulk(items []BulkItem) ([]BulkResult, error) {
	if len(items) > MaxBulkSubmit {
		return nil, ErrInvalidBulkSize
	}

	results := make([]BulkResult, 0, len(items))
	for i, item := range items {
		t, err := q.Submit(item.TaskType, item.Payload, item.Priority, item.MaxRetries, item.TimeoutSeconds, item.ParentID)
		if err != nil {
			results = append(results, BulkResult{Index: i, Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{Index: i, ID: t.ID})
	}
	return results, nil
}

// TaskOverrides lets SubmitFromTemplate override a template's defaults.
type TaskOverrides struct {
	Priority       *int
	MaxRetries     *int
	TimeoutSeconds *int
	ScheduledFor   *time.Time
	ParentID       *int64
}

// SubmitFromTemplate expands a template's payload skeleton with bindings
// and submits the resulting task, incrementing usage_count in the same
// transaction as the insert.
func (q *Queue) SubmitFromTemplate(templateID int64, bindings map[string]string, overrides TaskOverrides) (*Task, error) {
	tpl, err := q.templates.GetActiveByID(templateID)
	if err != nil {
		return nil, err
	}

	skeleton, err := tpl.PayloadSkeleton()
	if err != nil {
		return nil, err
	}
	payload := SubstituteVariables(skeleton, bindings)

	t := &Task{
		TaskType:       tpl.TaskType,
		Payload:        payload,
		Priority:       tpl.DefaultPriority,
		Status:         StatusPending,
		MaxRetries:     tpl.DefaultMaxRetries,
		TimeoutSeconds: tpl.DefaultTimeoutSeconds,
		HierarchyPath:  "/",
	}
	if overrides.Priority != nil {
		t.Priority = *overrides.Priority
	}
	if overrides.MaxRetries != nil {
		t.MaxRetries = *overrides.MaxRetries
	}
	if overrides.TimeoutSeconds != nil {
		t.TimeoutSeconds = *overrides.TimeoutSeconds
	}
	if overrides.ParentID != nil {
		t.ParentID = overrides.ParentID
	}
	if overrides.ScheduledFor != nil {
		t.ScheduledFor = overrides.ScheduledFor
		if err := t.TransitionTo(StatusScheduled); err != nil {
			return nil, err
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	err = q.engine.WithTx(func(tx *sql.Tx) error {
		if t.ParentID != nil {
			parent, err := q.store.GetByID(*t.ParentID)
			if err != nil {
				return ErrParentNotFound
			}
			t.HierarchyLevel = parent.HierarchyLevel + 1
			t.HierarchyPath = parent.HierarchyPath + fmt.Sprintf("%d/", *t.ParentID)
		}

		if _, err := q.store.Insert(tx, t); err != nil {
			return err
		}

		// usage_count bookkeeping is best-effort: it may fail without
		// rolling back the task insert, but doing it in the same
		// transaction is the common case.
		if err := q.templates.IncrementUsage(tx, templateID); err != nil {
			return nil //nolint:nilerr // usage counter is best-effort
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.emit(events.EventTaskCreated, t, "", map[string]interface{}{"template_id": templateID})
	return t, nil
}

// ExpandBatch instantiates a template over items, staggering each child's
// scheduled_for by i*staggerSeconds. Batch status is derived from the
// result: failed if nothing was created, partial if some items errored,
// created otherwise.
func (q *Queue) ExpandBatch(templateID int64, items []map[string]string, staggerSeconds int) (*Batch, []BulkResult, error) {
	if len(items) > MaxBatchItems {
		return nil, nil, ErrBatchTooLarge
	}

	tpl, err := q.templates.GetActiveByID(templateID)
	if err != nil {
		return nil, nil, err
	}

	batch := &Batch{TemplateID: &templateID, Status: "pending", StaggerSeconds: staggerSeconds, TotalRequested: len(items)}
	err = q.engine.WithTx(func(tx *sql.Tx) error {
		_, err := q.batches.Create(tx, batch)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	results := make([]BulkResult, 0, len(items))
	created, failed := 0, 0

	for i, bindings := range items {
		skeleton, err := tpl.PayloadSkeleton()
		if err != nil {
			results = append(results, BulkResult{Index: i, Error: err.Error()})
			failed++
			continue
		}
		payload := SubstituteVariables(skeleton, bindings)
		payload["_batch_id"] = fmt.Sprintf("%d", batch.ID)

		t := &Task{
			TaskType:       tpl.TaskType,
			Payload:        payload,
			Priority:       tpl.DefaultPriority,
			Status:         StatusPending,
			MaxRetries:     tpl.DefaultMaxRetries,
			TimeoutSeconds: tpl.DefaultTimeoutSeconds,
			HierarchyPath:  "/",
			BatchID:        &batch.ID,
		}
		if staggerSeconds > 0 {
			when := time.Now().Add(time.Duration(i*staggerSeconds) * time.Second)
			t.ScheduledFor = &when
			if err := t.TransitionTo(StatusScheduled); err != nil {
				results = append(results, BulkResult{Index: i, Error: err.Error()})
				failed++
				continue
			}
		}

		err = q.engine.WithTx(func(tx *sql.Tx) error {
			if _, err := q.store.Insert(tx, t); err != nil {
				return err
			}
			return q.templates.IncrementUsage(tx, templateID)
		})
		if err != nil {
			results = append(results, BulkResult{Index: i, Error: err.Error()})
			failed++
			continue
		}

		results = append(results, BulkResult{Index: i, ID: t.ID})
		created++
		q.emit(events.EventTaskCreated, t, "", map[string]interface{}{"batch_id": batch.ID})
	}

	status := "created"
	switch {
	case created == 0:
		status = "failed"
	case failed > 0:
		status = "partial"
	}
	batch.Status = status
	batch.CreatedCount = created
	batch.FailedCount = failed

	err = q.engine.WithTx(func(tx *sql.Tx) error {
		if err := q.batches.SetStatus(tx, batch.ID, status); err != nil {
			return err
		}
		return q.batches.SetCounts(tx, batch.ID, len(items), created, failed)
	})
	if err != nil {
		return nil, nil, err
	}

	return batch, results, nil
}

// capabilityMatches reports whether a task is claimable by a worker
// advertising capabilities. An empty capability list matches everything;
// otherwise the task's type must appear in the set.
func capabilityMatches(taskType string, capabilities []string) bool {
	if len(capabilities) == 0 {
		return true
	}
	for _, c := range capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// ClaimNext leases the highest-priority eligible pending task for
// worker_id, tie-breaking by ascending created_at then id, and atomically
// transitions it to running. Returns ErrQueueEmpty (never a hard error)
// when nothing is claimable — callers must back off rather than retry
// tightly.
func (q *Queue) ClaimNext(workerID string, capabilities []string) (*Task, error) {
	var claimed *Task

	err := q.engine.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			selectColumns + ` FROM tasks
			 WHERE status IN ('pending', 'scheduled')
			   AND (scheduled_for IS NULL OR scheduled_for <= CURRENT_TIMESTAMP)
			 ORDER BY priority DESC, created_at ASC, id ASC`)
		if err != nil {
			return fmt.Errorf("failed to scan claimable tasks: %w", err)
		}

		candidates, err := scanTasks(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, t := range candidates {
			if !capabilityMatches(t.TaskType, capabilities) {
				continue
			}
			if err := t.TransitionTo(StatusRunning); err != nil {
				continue
			}

			now := time.Now()
			t.StartedAt = &now
			t.AssignedWorker = workerID

			if err := q.store.Update(tx, t); err != nil {
				return err
			}
			claimed = t
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, ErrQueueEmpty
	}

	q.emit(events.EventTaskClaimed, claimed, "pending", nil)
	q.emit(events.EventTaskStarted, claimed, "pending", nil)
	return claimed, nil
}

// Complete marks a running task completed. Calling Complete twice on the
// same terminal task is a no-op, matching the idempotence testable
// property.
func (q *Queue) Complete(taskID int64, result string) error {
	var t *Task
	alreadyCompleted := false
	err := q.engine.WithTx(func(tx *sql.Tx) error {
		var err error
		t, err = q.store.GetByID(taskID)
		if err != nil {
			return err
		}
		if t.Status == StatusCompleted {
			alreadyCompleted = true
			return nil
		}
		if t.Status != StatusRunning {
			return ErrStateConflict
		}
		if err := t.TransitionTo(StatusCompleted); err != nil {
			return err
		}

		now := time.Now()
		t.CompletedAt = &now
		return q.store.Update(tx, t)
	})
	if err != nil {
		return err
	}
	if alreadyCompleted {
		return nil
	}

	q.emit(events.EventTaskCompleted, t, "running", map[string]interface{}{"result": truncate(result, 2048)})

	if t.ParentID != nil {
		_ = q.MaybeComplete(*t.ParentID)
	}
	return nil
}

// Fail marks a running task failed, applying the retry policy: if
// retries < max_retries the task returns to pending with its worker
// cleared; otherwise it becomes terminally failed.
func (q *Queue) Fail(taskID int64, errMsg string) error {
	var t *Task
	var retrying bool

	err := q.engine.WithTx(func(tx *sql.Tx) error {
		var err error
		t, err = q.store.GetByID(taskID)
		if err != nil {
			return err
		}
		if t.Status != StatusRunning {
			return ErrStateConflict
		}

		t.ErrorMessage = errMsg
		if t.Retries < t.MaxRetries {
			if err := t.TransitionTo(StatusPending); err != nil {
				return err
			}
			t.Retries++
			t.AssignedWorker = ""
			retrying = true
		} else {
			if err := t.TransitionTo(StatusFailed); err != nil {
				return err
			}
			now := time.Now()
			t.CompletedAt = &now
		}
		return q.store.Update(tx, t)
	})
	if err != nil {
		return err
	}

	if retrying {
		q.emit(events.EventTaskRetrying, t, "running", map[string]interface{}{"error": truncate(errMsg, 2048)})
	} else {
		q.emit(events.EventTaskFailed, t, "running", map[string]interface{}{"error": truncate(errMsg, 2048)})
	}
	return nil
}

// Cancel moves a non-terminal task to cancelled. When includeRunning is
// false, a running task is refused with ErrStateConflict and left
// unchanged. Cascades to descendants when the cancelled task has
// children. Cancelling an already-cancelled task is a no-op that emits no
// event.
func (q *Queue) Cancel(taskID int64, includeRunning bool) error {
	t, err := q.store.GetByID(taskID)
	if err != nil {
		return err
	}
	if t.Status == StatusCancelled {
		return nil
	}
	if t.Status == StatusRunning && !includeRunning {
		return ErrStateConflict
	}
	if t.IsTerminal() {
		return ErrStateConflict
	}

	err = q.engine.WithTx(func(tx *sql.Tx) error {
		if err := t.TransitionTo(StatusCancelled); err != nil {
			return err
		}
		if err := q.store.Update(tx, t); err != nil {
			return err
		}
		return q.cascadeCancel(tx, taskID)
	})
	if err != nil {
		return err
	}

	q.emit(events.EventTaskCancelled, t, "pending", nil)
	return nil
}

func (q *Queue) cascadeCancel(tx *sql.Tx, parentID int64) error {
	rows, err := tx.Query(selectColumns+" FROM tasks WHERE parent_id = ? AND status NOT IN ('completed','failed','cancelled','timeout','converted')", parentID)
	if err != nil {
		return err
	}
	children, err := scanTasks(rows)
	rows.Close()
	if err != nil {
		return err
	}

	for _, c := range children {
		if err := c.TransitionTo(StatusCancelled); err != nil {
			return err
		}
		if err := q.store.Update(tx, c); err != nil {
			return err
		}
		if err := q.cascadeCancel(tx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTask permanently removes a task row and orphans its direct
// children (parent_id set to NULL, rejoining them to the root level)
// rather than cascading the deletion down the subtree. A running task is
// only deleted when force is set.
func (q *Queue) DeleteTask(taskID int64, force bool) error {
	t, err := q.store.GetByID(taskID)
	if err != nil {
		return err
	}
	if t.Status == StatusRunning && !force {
		return ErrStateConflict
	}

	err = q.engine.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE tasks SET parent_id = NULL, hierarchy_level = 0, hierarchy_path = '/' WHERE parent_id = ?`,
			taskID); err != nil {
			return fmt.Errorf("failed to orphan children of task %d: %w", taskID, err)
		}

		if err := q.store.Delete(tx, taskID); err != nil {
			return fmt.Errorf("failed to delete task %d: %w", taskID, err)
		}

		if t.ParentID != nil {
			if _, err := tx.Exec(
				`UPDATE tasks SET child_count = CASE WHEN child_count > 0 THEN child_count - 1 ELSE 0 END WHERE id = ?`,
				*t.ParentID); err != nil {
				return fmt.Errorf("failed to decrement parent %d child_count: %w", *t.ParentID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.emit(events.EventTaskDeleted, t, string(t.Status), nil)
	return nil
}

// Reparent moves a task (and its whole subtree) under newParentID,
// rewriting hierarchy_level/hierarchy_path for it and every descendant.
// newParentID of nil moves the task to the root level. Rejects a move
// that would make the task its own ancestor (e.g. reparenting under one
// of its own descendants).
func (q *Queue) Reparent(taskID int64, newParentID *int64) error {
	t, err := q.store.GetByID(taskID)
	if err != nil {
		return err
	}

	var newLevel int
	var newPath string
	var newParent *Task
	if newParentID != nil {
		if *newParentID == taskID {
			return ErrOwnAncestor
		}
		newParent, err = q.store.GetByID(*newParentID)
		if err != nil {
			return ErrParentNotFound
		}
		if t.IsAncestorOf(newParent) {
			return ErrOwnAncestor
		}
		newLevel = newParent.HierarchyLevel + 1
		newPath = newParent.HierarchyPath + fmt.Sprintf("%d/", *newParentID)
	} else {
		newLevel = 0
		newPath = "/"
	}

	oldParentID := t.ParentID
	oldPrefix := t.HierarchyPath + fmt.Sprintf("%d/", taskID)
	newPrefix := newPath + fmt.Sprintf("%d/", taskID)
	levelDelta := newLevel - t.HierarchyLevel

	err = q.engine.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(selectColumns+" FROM tasks WHERE hierarchy_path LIKE ?", oldPrefix+"%")
		if err != nil {
			return err
		}
		descendants, err := scanTasks(rows)
		rows.Close()
		if err != nil {
			return err
		}
		for _, d := range descendants {
			newDescPath := newPrefix + strings.TrimPrefix(d.HierarchyPath, oldPrefix)
			if _, err := tx.Exec(
				`UPDATE tasks SET hierarchy_path = ?, hierarchy_level = hierarchy_level + ? WHERE id = ?`,
				newDescPath, levelDelta, d.ID); err != nil {
				return fmt.Errorf("failed to reparent descendant %d: %w", d.ID, err)
			}
		}

		if _, err := tx.Exec(
			`UPDATE tasks SET parent_id = ?, hierarchy_level = ?, hierarchy_path = ? WHERE id = ?`,
			newParentID, newLevel, newPath, taskID); err != nil {
			return fmt.Errorf("failed to reparent task %d: %w", taskID, err)
		}

		if oldParentID != nil {
			if _, err := tx.Exec(
				`UPDATE tasks SET child_count = CASE WHEN child_count > 0 THEN child_count - 1 ELSE 0 END WHERE id = ?`,
				*oldParentID); err != nil {
				return err
			}
		}
		if newParentID != nil {
			if _, err := tx.Exec(`UPDATE tasks SET child_count = child_count + 1 WHERE id = ?`, *newParentID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.ParentID = newParentID
	t.HierarchyLevel = newLevel
	t.HierarchyPath = newPath
	q.emit(events.EventTaskReparented, t, string(t.Status), map[string]interface{}{"old_parent_id": oldParentID})
	return nil
}

// SetEffort updates a task's estimated and/or actual effort hours; a nil
// pointer leaves that field unchanged.
func (q *Queue) SetEffort(taskID int64, estimatedHours, actualHours *float64) error {
	t, err := q.store.GetByID(taskID)
	if err != nil {
		return err
	}
	if estimatedHours != nil {
		t.EstimatedHours = *estimatedHours
	}
	if actualHours != nil {
		t.ActualHours = *actualHours
	}
	return q.engine.WithTx(func(tx *sql.Tx) error { return q.store.Update(tx, t) })
}

// RetryFailed moves the named (or, if nil, all) failed/cancelled tasks
// back to pending, optionally resetting their retry counter.
func (q *Queue) RetryFailed(taskIDs []int64, resetRetries bool) error {
	var targets []*Task
	var err error

	if len(taskIDs) == 0 {
		failed, err1 := q.store.GetByStatus(StatusFailed)
		if err1 != nil {
			return err1
		}
		cancelled, err2 := q.store.GetByStatus(StatusCancelled)
		if err2 != nil {
			return err2
		}
		targets = append(failed, cancelled...)
	} else {
		for _, id := range taskIDs {
			t, e := q.store.GetByID(id)
			if e != nil {
				err = e
				continue
			}
			if t.Status == StatusFailed || t.Status == StatusCancelled {
				targets = append(targets, t)
			}
		}
	}

	for _, t := range targets {
		prev := string(t.Status)
		if terr := t.TransitionTo(StatusPending); terr != nil {
			err = terr
			continue
		}
		if resetRetries {
			t.Retries = 0
		}
		t.AssignedWorker = ""
		t.ErrorMessage = ""
		terr := q.engine.WithTx(func(tx *sql.Tx) error { return q.store.Update(tx, t) })
		if terr != nil {
			err = terr
			continue
		}
		q.emit(events.EventTaskRetrying, t, prev, nil)
	}
	return err
}

// SetPriority applies value or delta (clamped to [0,10]) to every named
// pending task.
func (q *Queue) SetPriority(taskIDs []int64, value *int, delta int, increment bool) error {
	for _, id := range taskIDs {
		t, err := q.store.GetByID(id)
		if err != nil {
			return err
		}
		if t.Status != StatusPending {
			continue
		}

		newPriority := t.Priority
		if increment {
			newPriority = t.Priority + delta
		} else if value != nil {
			newPriority = *value
		}
		if newPriority < 0 {
			newPriority = 0
		}
		if newPriority > 10 {
			newPriority = 10
		}
		t.Priority = newPriority

		if err := q.engine.WithTx(func(tx *sql.Tx) error { return q.store.Update(tx, t) }); err != nil {
			return err
		}
		q.emit(events.EventTaskPriorityChange, t, string(t.Status), map[string]interface{}{"priority": newPriority})
	}
	return nil
}

// ArchiveTerminal copies terminal tasks older than olderThan into
// task_archive and removes them from the live table, holding the archive
// file lock for the duration since the move spans two tables
// transactionally.
func (q *Queue) ArchiveTerminal(olderThan time.Duration) (int, error) {
	if q.archive != nil {
		if err := q.archive.AcquireTimeout(30 * time.Second); err != nil {
			return 0, err
		}
		defer q.archive.Release()
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0

	err := q.engine.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			selectColumns+` FROM tasks
			 WHERE status IN ('completed','failed','cancelled','timeout','converted')
			   AND updated_at < ?`, cutoff)
		if err != nil {
			return err
		}
		terminal, err := scanTasks(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, t := range terminal {
			_, err := tx.Exec(
				`INSERT INTO task_archive (id, task_type, payload, priority, status, retries, max_retries,
					assigned_worker, assigned_node, parent_id, hierarchy_level, hierarchy_path, batch_id,
					sprint_id, error_message, created_at, updated_at, started_at, completed_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, t.TaskType, mustMarshal(t.Payload), t.Priority, t.Status, t.Retries, t.MaxRetries,
				nullString(t.AssignedWorker), nullString(t.AssignedNode), t.ParentID, t.HierarchyLevel,
				t.HierarchyPath, t.BatchID, t.SprintID, nullString(t.ErrorMessage), t.CreatedAt, t.UpdatedAt,
				t.StartedAt, t.CompletedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to archive task %d: %w", t.ID, err)
			}
			if err := q.store.Delete(tx, t.ID); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// MaybeComplete evaluates the auto-completion guard for parentID: it may
// transition to completed only if every descendant is in a terminal state.
func (q *Queue) MaybeComplete(parentID int64) error {
	t, err := q.store.GetByID(parentID)
	if err != nil {
		return err
	}
	if t.IsTerminal() {
		return nil
	}

	rows, err := q.store.db.Query(selectColumns+" FROM tasks WHERE hierarchy_path LIKE ?", fmt.Sprintf("%%/%d/%%", parentID))
	if err != nil {
		return err
	}
	descendants, err := scanTasks(rows)
	rows.Close()
	if err != nil {
		return err
	}
	for _, c := range descendants {
		if !c.IsTerminal() {
			return nil
		}
	}

	if err := t.TransitionTo(StatusCompleted); err != nil {
		return err
	}
	now := time.Now()
	t.CompletedAt = &now
	if err := q.engine.WithTx(func(tx *sql.Tx) error { return q.store.Update(tx, t) }); err != nil {
		return err
	}
	q.emit(events.EventTaskCompleted, t, "running", map[string]interface{}{"auto_completed": true})

	if t.ParentID != nil {
		return q.MaybeComplete(*t.ParentID)
	}
	return nil
}

// ConvertTask marks a task converted and records a conversion ledger row
// linking it to a created Feature/Bug id. The target entity's own CRUD is
// out of scope; callers supply the already-created id.
func (q *Queue) ConvertTask(taskID int64, targetType, targetID string) error {
	t, err := q.store.GetByID(taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusCompleted {
		return ErrStateConflict
	}

	return q.engine.WithTx(func(tx *sql.Tx) error {
		if err := t.TransitionTo(StatusConverted); err != nil {
			return err
		}
		if err := q.store.Update(tx, t); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO task_conversions (task_id, target_type, target_id) VALUES (?, ?, ?)`,
			taskID, targetType, targetID,
		)
		return err
	})
}

// RecordWorkerFailure writes a worker_failures row, the escalation ledger
// consulted after a worker/session exhausts its retries or vanishes
// mid-lease.
func (q *Queue) RecordWorkerFailure(workerID string, taskID int64, reason string) error {
	return q.engine.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO worker_failures (worker_id, task_id, reason) VALUES (?, ?, ?)`,
			workerID, taskID, reason)
		return err
	})
}

// ReaperSweep reclaims running tasks whose lease has expired
// (started_at + timeout_seconds < now): it returns them to pending if
// retry budget remains, otherwise moves them to the terminal timeout
// state. Intended to be called on a timer by the dispatcher's background
// sweeper goroutine.
func (q *Queue) ReaperSweep() (int, error) {
	running, err := q.store.GetByStatus(StatusRunning)
	if err != nil {
		return 0, err
	}

	swept := 0
	now := time.Now()
	for _, t := range running {
		if t.StartedAt == nil {
			continue
		}
		deadline := t.StartedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second)
		if now.Before(deadline) {
			continue
		}

		prev := string(t.Status)
		if t.Retries < t.MaxRetries {
			if err := t.TransitionTo(StatusPending); err != nil {
				return swept, err
			}
			t.Retries++
			t.AssignedWorker = ""
		} else {
			if err := t.TransitionTo(StatusTimeout); err != nil {
				return swept, err
			}
			completed := now
			t.CompletedAt = &completed
		}

		if err := q.engine.WithTx(func(tx *sql.Tx) error { return q.store.Update(tx, t) }); err != nil {
			return swept, err
		}
		if t.Status == StatusTimeout {
			q.emit(events.EventTaskTimeout, t, prev, nil)
		} else {
			q.emit(events.EventTaskRetrying, t, prev, map[string]interface{}{"reason": "timeout"})
		}
		swept++
	}
	return swept, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func mustMarshal(payload map[string]interface{}) string {
	s, err := marshalPayload(payload)
	if err != nil {
		return "{}"
	}
	return s
}

// Store exposes the underlying Store for read-only callers (e.g. httpapi
// list/get handlers) that don't need the orchestration logic above.
func (q *Queue) Store() *Store { return q.store }

// Templates exposes the template store for CRUD handlers.
func (q *Queue) Templates() *TemplateStore { return q.templates }

// Batches exposes the batch store for CRUD handlers.
func (q *Queue) Batches() *BatchStore { return q.batches }

// Worklog exposes the worklog/timer/sprint store for CRUD handlers.
func (q *Queue) Worklog() *WorklogStore { return q.worklog }
