package notifications

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/agentctl/controlplane/internal/events"
)

// WatchType restricts which event kinds a watcher receives, grounded in
// task_watchers.py's WATCH_TYPES table.
type WatchType string

const (
	WatchAll        WatchType = "all"
	WatchStatus     WatchType = "status"
	WatchComments   WatchType = "comments"
	WatchAssignment WatchType = "assignment"
)

// watchTypeEvents maps each WatchType to the event.EventType values it
// admits. "comments" has no current task-queue event source and is kept as
// a reserved, always-empty bucket for a future worklog-note event.
var watchTypeEvents = map[WatchType]map[events.EventType]bool{
	WatchAll: {
		events.EventTaskCreated:        true,
		events.EventTaskStarted:        true,
		events.EventTaskClaimed:        true,
		events.EventTaskCompleted:      true,
		events.EventTaskFailed:         true,
		events.EventTaskRetrying:       true,
		events.EventTaskCancelled:      true,
		events.EventTaskTimeout:        true,
		events.EventTaskPriorityChange: true,
		events.EventTaskAssigned:       true,
	},
	WatchStatus: {
		events.EventTaskStarted:        true,
		events.EventTaskCompleted:      true,
		events.EventTaskFailed:         true,
		events.EventTaskRetrying:       true,
		events.EventTaskCancelled:      true,
		events.EventTaskTimeout:        true,
		events.EventTaskPriorityChange: true,
	},
	WatchComments: {},
	WatchAssignment: {
		events.EventTaskAssigned: true,
		events.EventTaskClaimed:  true,
	},
}

func validWatchType(wt WatchType) bool {
	_, ok := watchTypeEvents[wt]
	return ok
}

// Watcher is one (task_type, task_id, user_id) subscription row.
type Watcher struct {
	ID              int64     `json:"id"`
	TaskID          int64     `json:"task_id"`
	TaskType        string    `json:"task_type"`
	UserID          string    `json:"user_id"`
	WatchType       WatchType `json:"watch_type"`
	NotifyEmail     bool      `json:"notify_email"`
	NotifyDashboard bool      `json:"notify_dashboard"`
	CreatedAt       time.Time `json:"created_at"`
}

// WatchEvent is one delivered notification recorded against a watcher.
type WatchEvent struct {
	ID        int64            `json:"id"`
	TaskID    int64            `json:"task_id"`
	TaskType  string           `json:"task_type"`
	UserID    string           `json:"user_id"`
	EventType events.EventType `json:"event_type"`
	Payload   string           `json:"payload"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

// WatchPreferences holds a user's auto-watch and quiet-hours settings.
// Zero value matches task_watchers.py's documented defaults: auto-watch on
// create/assign, no auto-watch on comment, no quiet hours.
type WatchPreferences struct {
	UserID             string `json:"user_id"`
	AutoWatchCreated   bool   `json:"auto_watch_created"`
	AutoWatchAssigned  bool   `json:"auto_watch_assigned"`
	AutoWatchCommented bool   `json:"auto_watch_commented"`
	QuietHoursStart    *int   `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd      *int   `json:"quiet_hours_end,omitempty"`
}

func defaultPreferences(userID string) WatchPreferences {
	return WatchPreferences{
		UserID:            userID,
		AutoWatchCreated:  true,
		AutoWatchAssigned: true,
	}
}

// WatcherStore persists subscriptions, delivered events, and preferences
// backing the watcher service.
type WatcherStore struct {
	db *sql.DB
}

// NewWatcherStore wraps a migrated *sql.DB.
func NewWatcherStore(db *sql.DB) *WatcherStore {
	return &WatcherStore{db: db}
}

// Watch inserts a new subscription, or updates the existing one's settings
// if the (task_id, task_type, user_id) triple already watches the task —
// mirroring task_watchers.py's IntegrityError-then-UPDATE fallback with a
// single upsert.
func (s *WatcherStore) Watch(taskID int64, taskType, userID string, watchType WatchType, notifyEmail, notifyDashboard bool) (*Watcher, error) {
	if !validWatchType(watchType) {
		return nil, fmt.Errorf("invalid watch type %q", watchType)
	}

	_, err := s.db.Exec(
		`INSERT INTO task_watchers (task_id, task_type, user_id, watch_type, notify_email, notify_dashboard)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, task_type, user_id) DO UPDATE SET
		   watch_type = excluded.watch_type,
		   notify_email = excluded.notify_email,
		   notify_dashboard = excluded.notify_dashboard`,
		taskID, taskType, userID, string(watchType), notifyEmail, notifyDashboard,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert watcher: %w", err)
	}

	return s.get(taskID, taskType, userID)
}

// Unwatch removes a subscription. Returns false if none existed.
func (s *WatcherStore) Unwatch(taskID int64, taskType, userID string) (bool, error) {
	res, err := s.db.Exec(
		`DELETE FROM task_watchers WHERE task_id = ? AND task_type = ? AND user_id = ?`,
		taskID, taskType, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove watcher: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Watchers returns every subscriber of a task, oldest first.
func (s *WatcherStore) Watchers(taskID int64, taskType string) ([]*Watcher, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, task_type, user_id, watch_type, notify_email, notify_dashboard, created_at
		 FROM task_watchers WHERE task_id = ? AND task_type = ? ORDER BY created_at`,
		taskID, taskType)
	if err != nil {
		return nil, fmt.Errorf("failed to list watchers: %w", err)
	}
	defer rows.Close()
	return scanWatchers(rows)
}

// IsWatching reports whether a user watches a task.
func (s *WatcherStore) IsWatching(taskID int64, taskType, userID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(
		`SELECT 1 FROM task_watchers WHERE task_id = ? AND task_type = ? AND user_id = ?`,
		taskID, taskType, userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *WatcherStore) get(taskID int64, taskType, userID string) (*Watcher, error) {
	row := s.db.QueryRow(
		`SELECT id, task_id, task_type, user_id, watch_type, notify_email, notify_dashboard, created_at
		 FROM task_watchers WHERE task_id = ? AND task_type = ? AND user_id = ?`,
		taskID, taskType, userID)
	w, err := scanWatcher(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load watcher after upsert: %w", err)
	}
	return w, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWatcher(row rowScanner) (*Watcher, error) {
	var w Watcher
	var watchType string
	if err := row.Scan(&w.ID, &w.TaskID, &w.TaskType, &w.UserID, &watchType, &w.NotifyEmail, &w.NotifyDashboard, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.WatchType = WatchType(watchType)
	return &w, nil
}

func scanWatchers(rows *sql.Rows) ([]*Watcher, error) {
	var out []*Watcher
	for rows.Next() {
		w, err := scanWatcher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// recordEvent inserts one delivered watch_event row.
func (s *WatcherStore) recordEvent(taskID int64, taskType, userID string, eventType events.EventType, payload string) error {
	_, err := s.db.Exec(
		`INSERT INTO watch_events (task_id, task_type, user_id, event_type, payload) VALUES (?, ?, ?, ?, ?)`,
		taskID, taskType, userID, string(eventType), payload)
	return err
}

// UnreadEvents returns a user's unread watch events, most recent first.
func (s *WatcherStore) UnreadEvents(userID string, limit int) ([]*WatchEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, task_id, task_type, user_id, event_type, payload, read, created_at
		 FROM watch_events WHERE user_id = ? AND read = 0 ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unread events: %w", err)
	}
	defer rows.Close()

	var out []*WatchEvent
	for rows.Next() {
		var e WatchEvent
		var eventType string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.TaskType, &e.UserID, &eventType, &e.Payload, &e.Read, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = events.EventType(eventType)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkEventsRead marks the given event ids read for a user, or every unread
// event if ids is empty. Returns the number of rows updated.
func (s *WatcherStore) MarkEventsRead(userID string, ids []int64) (int64, error) {
	var res sql.Result
	var err error
	if len(ids) == 0 {
		res, err = s.db.Exec(`UPDATE watch_events SET read = 1 WHERE user_id = ? AND read = 0`, userID)
	} else {
		query := `UPDATE watch_events SET read = 1 WHERE user_id = ? AND read = 0 AND id IN (`
		args := []interface{}{userID}
		for i, id := range ids {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, id)
		}
		query += ")"
		res, err = s.db.Exec(query, args...)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark events read: %w", err)
	}
	return res.RowsAffected()
}

// Preferences returns a user's watch preferences, defaulted if unset.
func (s *WatcherStore) Preferences(userID string) (WatchPreferences, error) {
	row := s.db.QueryRow(
		`SELECT user_id, auto_watch_created, auto_watch_assigned, auto_watch_commented, quiet_hours_start, quiet_hours_end
		 FROM watch_preferences WHERE user_id = ?`, userID)

	var p WatchPreferences
	var start, end sql.NullInt64
	err := row.Scan(&p.UserID, &p.AutoWatchCreated, &p.AutoWatchAssigned, &p.AutoWatchCommented, &start, &end)
	if err == sql.ErrNoRows {
		return defaultPreferences(userID), nil
	}
	if err != nil {
		return WatchPreferences{}, fmt.Errorf("failed to load preferences: %w", err)
	}
	if start.Valid {
		v := int(start.Int64)
		p.QuietHoursStart = &v
	}
	if end.Valid {
		v := int(end.Int64)
		p.QuietHoursEnd = &v
	}
	return p, nil
}

// SetPreferences upserts a user's watch preferences.
func (s *WatcherStore) SetPreferences(p WatchPreferences) error {
	_, err := s.db.Exec(
		`INSERT INTO watch_preferences (user_id, auto_watch_created, auto_watch_assigned, auto_watch_commented, quiet_hours_start, quiet_hours_end)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   auto_watch_created = excluded.auto_watch_created,
		   auto_watch_assigned = excluded.auto_watch_assigned,
		   auto_watch_commented = excluded.auto_watch_commented,
		   quiet_hours_start = excluded.quiet_hours_start,
		   quiet_hours_end = excluded.quiet_hours_end`,
		p.UserID, p.AutoWatchCreated, p.AutoWatchAssigned, p.AutoWatchCommented, p.QuietHoursStart, p.QuietHoursEnd)
	if err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}

// inQuietHours reports whether hour h (0-23, local) falls within the user's
// configured quiet window. A window that wraps past midnight (start > end)
// is handled the same as one that doesn't.
func inQuietHours(p WatchPreferences, h int) bool {
	if p.QuietHoursStart == nil || p.QuietHoursEnd == nil {
		return false
	}
	start, end := *p.QuietHoursStart, *p.QuietHoursEnd
	if start <= end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// WatcherService subscribes users to tasks and fans out events.Bus activity
// to them, grounded in task_watchers.py's TaskWatcherService: per-task
// subscriptions filtered by watch_type, auto-watch on create/assign,
// quiet-hours suppression, actor exclusion by default.
type WatcherService struct {
	store  *WatcherStore
	router *Router
	logger *log.Logger
}

// NewWatcherService wires a WatcherStore to a Router so every notified
// watcher with NotifyDashboard set also fans out through the router's
// channels (email/Slack/etc.). NotifyEmail is stored on the watcher but
// does not trigger routing.
func NewWatcherService(store *WatcherStore, router *Router, logger *log.Logger) *WatcherService {
	if logger == nil {
		logger = log.Default()
	}
	return &WatcherService{store: store, router: router, logger: logger}
}

// Watch subscribes userID to a task.
func (s *WatcherService) Watch(taskID int64, taskType, userID string, watchType WatchType, notifyEmail, notifyDashboard bool) (*Watcher, error) {
	return s.store.Watch(taskID, taskType, userID, watchType, notifyEmail, notifyDashboard)
}

// Unwatch removes userID's subscription.
func (s *WatcherService) Unwatch(taskID int64, taskType, userID string) (bool, error) {
	return s.store.Unwatch(taskID, taskType, userID)
}

// AutoWatch subscribes userID per their preferences when they create or are
// assigned a task, a no-op if the relevant preference is off.
func (s *WatcherService) AutoWatch(taskID int64, taskType, userID string, reason events.EventType) error {
	prefs, err := s.store.Preferences(userID)
	if err != nil {
		return err
	}

	switch reason {
	case events.EventTaskCreated:
		if !prefs.AutoWatchCreated {
			return nil
		}
	case events.EventTaskAssigned, events.EventTaskClaimed:
		if !prefs.AutoWatchAssigned {
			return nil
		}
	default:
		return nil
	}

	_, err = s.store.Watch(taskID, taskType, userID, WatchAll, false, true)
	return err
}

// Run subscribes to bus and drives the service from task lifecycle events
// until ctx is cancelled: the event's actor is auto-watched per their
// preferences on create/claim/assign, then every matching watcher is
// notified with the actor excluded.
func (s *WatcherService) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe("all", nil)
	defer bus.Unsubscribe("all", ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.handleEvent(&ev)
		}
	}
}

func (s *WatcherService) handleEvent(ev *events.Event) {
	if !strings.HasPrefix(string(ev.Type), "task.") {
		return
	}
	taskID, ok := payloadTaskID(ev.Payload)
	if !ok {
		return
	}
	taskType, _ := ev.Payload["task_type"].(string)
	actor, _ := ev.Payload["worker_id"].(string)

	switch ev.Type {
	case events.EventTaskCreated, events.EventTaskClaimed, events.EventTaskAssigned:
		if actor != "" {
			if err := s.AutoWatch(taskID, taskType, actor, ev.Type); err != nil {
				s.logger.Printf("[WATCHERS] auto-watch failed for %s on %s %d: %v", actor, taskType, taskID, err)
			}
		}
	}

	if _, err := s.Notify(taskID, taskType, ev.Type, ev.Payload, actor, true); err != nil {
		s.logger.Printf("[WATCHERS] notify failed for %s %d: %v", taskType, taskID, err)
	}
}

// payloadTaskID reads the task id out of an event payload, tolerating the
// float64 shape a JSON round trip through the event store produces.
func payloadTaskID(payload map[string]interface{}) (int64, bool) {
	switch v := payload["task_id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Notify delivers ev to every matching watcher of (taskID, taskType). The
// actor who triggered the event is skipped unless excludeActor is false.
// Returns the number of watchers notified.
func (s *WatcherService) Notify(taskID int64, taskType string, ev events.EventType, payload map[string]interface{}, actor string, excludeActor bool) (int, error) {
	watchers, err := s.store.Watchers(taskID, taskType)
	if err != nil {
		return 0, err
	}

	payloadJSON := "{}"
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal watch event payload: %w", err)
		}
		payloadJSON = string(b)
	}

	notified := 0
	for _, w := range watchers {
		if excludeActor && actor != "" && w.UserID == actor {
			continue
		}

		admitted, ok := watchTypeEvents[w.WatchType]
		if !ok || !admitted[ev] {
			continue
		}

		prefs, err := s.store.Preferences(w.UserID)
		if err != nil {
			s.logger.Printf("[WATCHERS] failed to load preferences for %s: %v", w.UserID, err)
			prefs = defaultPreferences(w.UserID)
		}
		if inQuietHours(prefs, time.Now().Hour()) {
			continue
		}

		if err := s.store.recordEvent(taskID, taskType, w.UserID, ev, payloadJSON); err != nil {
			s.logger.Printf("[WATCHERS] failed to record watch event for %s: %v", w.UserID, err)
			continue
		}

		if s.router != nil && w.NotifyDashboard {
			s.router.Route(*events.NewEvent(ev, "watchers", w.UserID, events.PriorityNormal, payload))
		}

		notified++
	}

	s.logger.Printf("[WATCHERS] notified %d watchers of %s on %s %d", notified, ev, taskType, taskID)
	return notified, nil
}
