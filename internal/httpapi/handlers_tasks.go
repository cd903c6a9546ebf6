package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/agentctl/controlplane/internal/queue"
	"github.com/gorilla/mux"
)

// submitTaskRequest mirrors the fields accepted by POST /api/tasks.
type submitTaskRequest struct {
	TaskType       string                 `json:"task_type"`
	Payload        map[string]interface{} `json:"payload"`
	Priority       int                    `json:"priority"`
	MaxRetries     int                    `json:"max_retries"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	ParentID       *int64                 `json:"parent_id,omitempty"`
	EstimatedHours float64                `json:"estimated_hours,omitempty"`
}

// handleCreateTask submits a single task.
func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	t, err := a.queue.Submit(req.TaskType, req.Payload, req.Priority, req.MaxRetries, req.TimeoutSeconds, req.ParentID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "SUBMIT_FAILED", err.Error())
		return
	}

	if req.EstimatedHours != 0 {
		if err := a.queue.SetEffort(t.ID, &req.EstimatedHours, nil); err != nil {
			respondError(w, http.StatusBadRequest, "SUBMIT_FAILED", err.Error())
			return
		}
		t.EstimatedHours = req.EstimatedHours
	}

	a.hub.BroadcastTaskEvent(t)
	respondSuccess(w, map[string]interface{}{"task": t})
}

type setEffortRequest struct {
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	ActualHours    *float64 `json:"actual_hours,omitempty"`
}

// handleSetEffort updates a task's estimated/actual effort hours, feeding
// the weighted sprint and subtree rollups.
func (a *API) handleSetEffort(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid task id")
		return
	}

	var req setEffortRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	if err := a.queue.SetEffort(id, req.EstimatedHours, req.ActualHours); err != nil {
		respondError(w, http.StatusBadRequest, "EFFORT_UPDATE_FAILED", err.Error())
		return
	}

	t, err := a.queue.Store().GetByID(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	a.hub.BroadcastTaskEvent(t)
	respondSuccess(w, map[string]interface{}{"task": t})
}

// handleGetTask returns a single task by id.
func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid task id")
		return
	}

	t, err := a.queue.Store().GetByID(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "task not found")
		return
	}
	respondSuccess(w, map[string]interface{}{"task": t})
}

// handleListTasks returns tasks filtered by status, defaulting to pending.
func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = string(queue.StatusPending)
	}

	list, err := a.queue.Store().GetByStatus(queue.Status(status))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"tasks": list, "total": len(list)})
}

// handleCancelTask cancels a pending/scheduled task, or a running one when
// force=true is given.
func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid task id")
		return
	}
	force := r.URL.Query().Get("force") == "true"

	if err := a.queue.Cancel(id, force); err != nil {
		respondError(w, http.StatusConflict, "CANCEL_FAILED", err.Error())
		return
	}
	respondSuccess(w, nil)
}

type bulkCreateRequest struct {
	Tasks []struct {
		TaskType       string                 `json:"task_type"`
		Payload        map[string]interface{} `json:"payload"`
		Priority       int                    `json:"priority"`
		MaxRetries     int                    `json:"max_retries"`
		TimeoutSeconds int                    `json:"timeout_seconds"`
		ParentID       *int64                 `json:"parent_id,omitempty"`
	} `json:"tasks"`
}

// handleBulkCreate submits up to queue.MaxBulkSubmit tasks, reporting
// per-index created/failed outcomes.
func (a *API) handleBulkCreate(w http.ResponseWriter, r *http.Request) {
	var req bulkCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if len(req.Tasks) > queue.MaxBulkSubmit {
		respondError(w, http.StatusBadRequest, "BULK_TOO_LARGE", queue.ErrInvalidBulkSize.Error())
		return
	}

	items := make([]queue.BulkItem, len(req.Tasks))
	for i, t := range req.Tasks {
		items[i] = queue.BulkItem{
			TaskType:       t.TaskType,
			Payload:        t.Payload,
			Priority:       t.Priority,
			MaxRetries:     t.MaxRetries,
			TimeoutSeconds: t.TimeoutSeconds,
			ParentID:       t.ParentID,
		}
	}

	results, err := a.queue.SubmitBulk(items)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BULK_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"results": results})
}

type bulkStatusRequest struct {
	TaskIDs      []int64 `json:"task_ids"`
	Status       string  `json:"status"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Force        bool    `json:"force,omitempty"`
}

// handleBulkUpdateStatus applies a status transition to a set of tasks,
// enforcing the same status-specific rules the single-task endpoints do:
// cancel applies to pending/scheduled tasks and to running ones only with
// force, failed allows an error message.
func (a *API) handleBulkUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	results := make([]queue.BulkResult, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		var err error
		switch queue.Status(req.Status) {
		case queue.StatusCancelled:
			err = a.queue.Cancel(id, req.Force)
		case queue.StatusCompleted:
			err = a.queue.Complete(id, "")
		case queue.StatusFailed:
			err = a.queue.Fail(id, req.ErrorMessage)
		case queue.StatusPending:
			err = a.queue.RetryFailed([]int64{id}, false)
		default:
			err = errors.New("unsupported bulk status " + req.Status)
		}
		if err != nil {
			results = append(results, queue.BulkResult{Index: int(id), Error: err.Error()})
			continue
		}
		results = append(results, queue.BulkResult{Index: int(id), ID: id})
	}
	respondSuccess(w, map[string]interface{}{"results": results})
}

type bulkRetryRequest struct {
	TaskIDs      []int64 `json:"task_ids,omitempty"`
	ResetRetries bool    `json:"reset_retries,omitempty"`
}

// handleBulkRetry retries the given failed/cancelled tasks, or every
// currently failed or cancelled task when task_ids is omitted.
func (a *API) handleBulkRetry(w http.ResponseWriter, r *http.Request) {
	var req bulkRetryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	ids := req.TaskIDs
	if len(ids) == 0 {
		failed, err := a.queue.Store().GetByStatus(queue.StatusFailed)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
			return
		}
		for _, t := range failed {
			ids = append(ids, t.ID)
		}
	}

	if err := a.queue.RetryFailed(ids, req.ResetRetries); err != nil {
		respondError(w, http.StatusBadRequest, "RETRY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"retried": len(ids)})
}

type bulkPrioritizeRequest struct {
	TaskIDs   []int64 `json:"task_ids"`
	Value     *int    `json:"value,omitempty"`
	Delta     int     `json:"delta,omitempty"`
	Increment bool    `json:"increment,omitempty"`
}

// handleBulkPrioritize sets or increments priority across a set of tasks,
// clamped to [0,10] by queue.Queue.SetPriority.
func (a *API) handleBulkPrioritize(w http.ResponseWriter, r *http.Request) {
	var req bulkPrioritizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	if err := a.queue.SetPriority(req.TaskIDs, req.Value, req.Delta, req.Increment); err != nil {
		respondError(w, http.StatusBadRequest, "PRIORITIZE_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"updated": len(req.TaskIDs)})
}

type bulkDeleteRequest struct {
	TaskIDs []int64 `json:"task_ids"`
	Force   bool    `json:"force,omitempty"`
}

// handleBulkDelete permanently deletes a set of tasks, orphaning each
// one's direct children to the root level rather than cascading the
// deletion down the subtree. A running task is only deleted when force
// is set.
func (a *API) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	results := make([]queue.BulkResult, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		if err := a.queue.DeleteTask(id, req.Force); err != nil {
			results = append(results, queue.BulkResult{Index: int(id), Error: err.Error()})
			continue
		}
		results = append(results, queue.BulkResult{Index: int(id), ID: id})
	}
	respondSuccess(w, map[string]interface{}{"results": results})
}

func pathInt64(r *http.Request, key string) (int64, error) {
	v := mux.Vars(r)[key]
	return strconv.ParseInt(v, 10, 64)
}
