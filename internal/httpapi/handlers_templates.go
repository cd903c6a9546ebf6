package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentctl/controlplane/internal/queue"
)

type createTemplateRequest struct {
	Name                  string                 `json:"name"`
	TaskType              string                 `json:"task_type"`
	Payload               map[string]interface{} `json:"payload"`
	DefaultPriority       int                    `json:"default_priority"`
	DefaultMaxRetries     int                    `json:"default_max_retries,omitempty"`
	DefaultTimeoutSeconds int                    `json:"default_timeout_seconds,omitempty"`
}

// handleCreateTemplate registers a new task template. The payload skeleton
// is stored as JSON; ${var}/$var placeholders in any string leaf are
// substituted at instantiation time.
func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.Name == "" || req.TaskType == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "name and task_type are required")
		return
	}

	skeleton, err := json.Marshal(req.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "payload is not valid JSON")
		return
	}

	tpl := &queue.Template{
		Name:                  req.Name,
		TaskType:              req.TaskType,
		PayloadTemplate:       string(skeleton),
		DefaultPriority:       req.DefaultPriority,
		DefaultMaxRetries:     req.DefaultMaxRetries,
		DefaultTimeoutSeconds: req.DefaultTimeoutSeconds,
	}
	if _, err := a.queue.Templates().Create(tpl); err != nil {
		respondError(w, http.StatusBadRequest, "CREATE_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"template": tpl})
}

// handleListTemplates returns templates, active only unless
// include_inactive=true.
func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	templates, err := a.queue.Templates().List(includeInactive)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"templates": templates})
}

// handleGetTemplate returns one active template with its extracted
// variable names, so operators can see what an instantiation must bind.
func (a *API) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid template id")
		return
	}

	tpl, err := a.queue.Templates().GetActiveByID(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	skeleton, err := tpl.PayloadSkeleton()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{
		"template":  tpl,
		"variables": queue.ExtractVariables(skeleton),
	})
}

// handleDeleteTemplate soft-deletes a template (is_active=false); tasks it
// previously instantiated are untouched.
func (a *API) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid template id")
		return
	}
	if err := a.queue.Templates().Deactivate(id); err != nil {
		respondError(w, http.StatusInternalServerError, "DELETE_FAILED", err.Error())
		return
	}
	respondSuccess(w, nil)
}

type instantiateTemplateRequest struct {
	Bindings       map[string]string `json:"bindings"`
	Priority       *int              `json:"priority,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	TimeoutSeconds *int              `json:"timeout_seconds,omitempty"`
	ScheduledFor   *time.Time        `json:"scheduled_for,omitempty"`
	ParentID       *int64            `json:"parent_id,omitempty"`
}

// handleInstantiateTemplate expands one template into a single task,
// incrementing the template's usage counter in the same transaction as the
// insert.
func (a *API) handleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid template id")
		return
	}

	var req instantiateTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	t, err := a.queue.SubmitFromTemplate(id, req.Bindings, queue.TaskOverrides{
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		ScheduledFor:   req.ScheduledFor,
		ParentID:       req.ParentID,
	})
	if err != nil {
		if err == queue.ErrTemplateNotFound {
			respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "INSTANTIATE_FAILED", err.Error())
		return
	}

	a.hub.BroadcastTaskEvent(t)
	respondSuccess(w, map[string]interface{}{"task": t})
}

type expandBatchRequest struct {
	Items          []map[string]string `json:"items"`
	StaggerSeconds int                 `json:"stagger_seconds,omitempty"`
}

// handleExpandBatch instantiates a template over a list of variable
// bindings, returning the batch record and per-item outcomes.
func (a *API) handleExpandBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid template id")
		return
	}

	var req expandBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	batch, results, err := a.queue.ExpandBatch(id, req.Items, req.StaggerSeconds)
	if err != nil {
		switch err {
		case queue.ErrTemplateNotFound:
			respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		case queue.ErrBatchTooLarge:
			respondError(w, http.StatusBadRequest, "BATCH_TOO_LARGE", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "EXPAND_FAILED", err.Error())
		}
		return
	}
	respondSuccess(w, map[string]interface{}{"batch": batch, "results": results})
}

// handleGetBatch returns one batch grouping record.
func (a *API) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid batch id")
		return
	}

	batch, err := a.queue.Batches().GetByID(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"batch": batch})
}

// handleBatchTasks returns every task created by a batch expansion.
func (a *API) handleBatchTasks(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid batch id")
		return
	}

	tasks, err := a.queue.Batches().TasksForBatch(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"tasks": tasks, "total": len(tasks)})
}
