package httpapi

import (
	"net/http"
	"time"

	"github.com/agentctl/controlplane/internal/queue"
	"github.com/gorilla/mux"
)

// handleTaskWorklog returns every worklog entry recorded against a task.
func (a *API) handleTaskWorklog(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid task id")
		return
	}

	entries, err := a.queue.Worklog().ForTask(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"entries": entries})
}

type addWorklogRequest struct {
	UserID       string `json:"user_id"`
	WorkType     string `json:"work_type,omitempty"`
	Description  string `json:"description,omitempty"`
	MinutesSpent int    `json:"minutes_spent"`
	WorkDate     string `json:"work_date,omitempty"`
	Billable     bool   `json:"billable"`
}

// handleAddWorklog records time spent on a task directly, without a timer.
func (a *API) handleAddWorklog(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid task id")
		return
	}

	var req addWorklogRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.UserID == "" || req.MinutesSpent <= 0 {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "user_id and a positive minutes_spent are required")
		return
	}
	if req.WorkType == "" {
		req.WorkType = "general"
	}

	entry := &queue.WorklogEntry{
		TaskID:       id,
		UserID:       req.UserID,
		WorkType:     req.WorkType,
		Description:  req.Description,
		MinutesSpent: req.MinutesSpent,
		WorkDate:     req.WorkDate,
		Billable:     req.Billable,
	}
	if _, err := a.queue.Worklog().AddEntry(entry); err != nil {
		respondError(w, http.StatusInternalServerError, "CREATE_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"entry": entry})
}

type startTimerRequest struct {
	TaskID      int64  `json:"task_id"`
	UserID      string `json:"user_id"`
	WorkType    string `json:"work_type,omitempty"`
	Description string `json:"description,omitempty"`
}

// handleStartTimer opens the user's active timer. A second start while one
// is running returns a conflict, enforcing at-most-one-per-user.
func (a *API) handleStartTimer(w http.ResponseWriter, r *http.Request) {
	var req startTimerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "user_id is required")
		return
	}

	timer, err := a.queue.Worklog().StartTimer(req.TaskID, req.UserID, req.WorkType, req.Description)
	if err != nil {
		if err == queue.ErrTimerAlreadyOpen {
			respondError(w, http.StatusConflict, "TIMER_ALREADY_OPEN", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "TIMER_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"timer": timer})
}

type stopTimerRequest struct {
	UserID      string `json:"user_id"`
	Billable    bool   `json:"billable"`
	Description string `json:"description,omitempty"`
}

// handleStopTimer closes the user's active timer and records the elapsed
// minutes as a worklog entry.
func (a *API) handleStopTimer(w http.ResponseWriter, r *http.Request) {
	var req stopTimerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	entry, err := a.queue.Worklog().StopTimer(req.UserID, req.Billable, req.Description)
	if err != nil {
		if err == queue.ErrNoActiveTimer {
			respondError(w, http.StatusNotFound, "NO_ACTIVE_TIMER", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "TIMER_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"entry": entry})
}

// handleDiscardTimer deletes the user's active timer without recording
// any time.
func (a *API) handleDiscardTimer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	if err := a.queue.Worklog().DiscardTimer(req.UserID); err != nil {
		if err == queue.ErrNoActiveTimer {
			respondError(w, http.StatusNotFound, "NO_ACTIVE_TIMER", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "TIMER_FAILED", err.Error())
		return
	}
	respondSuccess(w, nil)
}

// handleActiveTimer returns a user's open timer, if any.
func (a *API) handleActiveTimer(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	timer, err := a.queue.Worklog().ActiveTimerFor(userID)
	if err != nil {
		if err == queue.ErrNoActiveTimer {
			respondError(w, http.StatusNotFound, "NO_ACTIVE_TIMER", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"timer": timer})
}

type createSprintRequest struct {
	Name     string    `json:"name"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// handleCreateSprint registers a new sprint iteration.
func (a *API) handleCreateSprint(w http.ResponseWriter, r *http.Request) {
	var req createSprintRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "name is required")
		return
	}

	sprint := &queue.Sprint{Name: req.Name, StartsAt: req.StartsAt, EndsAt: req.EndsAt}
	if _, err := a.queue.Worklog().CreateSprint(sprint); err != nil {
		respondError(w, http.StatusInternalServerError, "CREATE_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"sprint": sprint})
}

// handleSprintRollup is the board view: task counts, worklog minutes, and
// the estimate-weighted progress figure for one sprint.
func (a *API) handleSprintRollup(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid sprint id")
		return
	}

	rollup, err := a.queue.Worklog().Rollup(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"rollup": rollup})
}

// handleEffortRollup aggregates a task subtree's estimated/actual hours and
// estimate-weighted progress.
func (a *API) handleEffortRollup(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid task id")
		return
	}

	rollup, err := a.queue.Worklog().EffortRollup(id)
	if err != nil {
		if err == queue.ErrTaskNotFound {
			respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"rollup": rollup})
}

type convertTaskRequest struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
}

// handleConvertTask marks a completed task converted, recording the ledger
// row that links it to the feature/bug it became. The target entity itself
// is created by its own CRUD surface beforehand.
func (a *API) handleConvertTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid task id")
		return
	}

	var req convertTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.TargetType == "" || req.TargetID == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "target_type and target_id are required")
		return
	}

	if err := a.queue.ConvertTask(id, req.TargetType, req.TargetID); err != nil {
		if err == queue.ErrStateConflict {
			respondError(w, http.StatusConflict, "STATE_CONFLICT", "only completed tasks can be converted")
			return
		}
		respondError(w, http.StatusBadRequest, "CONVERT_FAILED", err.Error())
		return
	}
	respondSuccess(w, nil)
}

type reparentTaskRequest struct {
	NewParentID *int64 `json:"new_parent_id"`
}

// handleReparentTask moves a task (and its subtree) under a new parent, or
// to the root when new_parent_id is null.
func (a *API) handleReparentTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid task id")
		return
	}

	var req reparentTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	if err := a.queue.Reparent(id, req.NewParentID); err != nil {
		switch err {
		case queue.ErrOwnAncestor:
			respondError(w, http.StatusConflict, "CYCLE", err.Error())
		case queue.ErrParentNotFound, queue.ErrTaskNotFound:
			respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "REPARENT_FAILED", err.Error())
		}
		return
	}

	t, err := a.queue.Store().GetByID(id)
	if err == nil {
		a.hub.BroadcastTaskEvent(t)
	}
	respondSuccess(w, nil)
}
