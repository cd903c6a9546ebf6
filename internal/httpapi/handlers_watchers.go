package httpapi

import (
	"net/http"

	"github.com/agentctl/controlplane/internal/notifications"
	"github.com/gorilla/mux"
)

type watchRequest struct {
	TaskID          int64  `json:"task_id"`
	TaskType        string `json:"task_type"`
	UserID          string `json:"user_id"`
	WatchType       string `json:"watch_type"`
	NotifyEmail     bool   `json:"notify_email"`
	NotifyDashboard bool   `json:"notify_dashboard"`
}

// handleWatchTask subscribes a user to a task.
func (a *API) handleWatchTask(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.WatchType == "" {
		req.WatchType = string(notifications.WatchAll)
	}

	watcher, err := a.watchers.Watch(req.TaskID, req.TaskType, req.UserID, notifications.WatchType(req.WatchType), req.NotifyEmail, req.NotifyDashboard)
	if err != nil {
		respondError(w, http.StatusBadRequest, "WATCH_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"watcher": watcher})
}

// handleUnwatchTask removes a user's subscription.
func (a *API) handleUnwatchTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID   int64  `json:"task_id"`
		TaskType string `json:"task_type"`
		UserID   string `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	removed, err := a.watchers.Unwatch(req.TaskID, req.TaskType, req.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "UNWATCH_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"removed": removed})
}

// handleListWatchers returns every watcher of one (task_type, task_id).
func (a *API) handleListWatchers(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid task id")
		return
	}
	taskType := mux.Vars(r)["task_type"]

	watchers, err := a.watcherStore.Watchers(id, taskType)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"watchers": watchers})
}

// handleUnreadWatchEvents returns a user's unread notifications.
func (a *API) handleUnreadWatchEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "user_id is required")
		return
	}

	events, err := a.watcherStore.UnreadEvents(userID, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"events": events})
}

// handleMarkWatchEventsRead marks a user's watch events read, either all or
// a specific id subset.
func (a *API) handleMarkWatchEventsRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string  `json:"user_id"`
		IDs    []int64 `json:"ids,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	n, err := a.watcherStore.MarkEventsRead(req.UserID, req.IDs)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "MARK_READ_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"marked": n})
}

// handleGetWatchPreferences returns a user's auto-watch/quiet-hours prefs.
func (a *API) handleGetWatchPreferences(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	prefs, err := a.watcherStore.Preferences(userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"preferences": prefs})
}

// handleSetWatchPreferences updates a user's auto-watch/quiet-hours prefs.
func (a *API) handleSetWatchPreferences(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	var req notifications.WatchPreferences
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	req.UserID = userID

	if err := a.watcherStore.SetPreferences(req); err != nil {
		respondError(w, http.StatusInternalServerError, "SAVE_FAILED", err.Error())
		return
	}
	respondSuccess(w, nil)
}
