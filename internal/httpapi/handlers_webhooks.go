package httpapi

import (
	"net/http"

	"github.com/agentctl/controlplane/internal/webhooks"
)

type createWebhookRequest struct {
	URL            string   `json:"url"`
	Secret         string   `json:"secret,omitempty"`
	EventTypes     []string `json:"events"`
	TaskTypes      []string `json:"task_types,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"`
	RetryCount     int      `json:"retry_count,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// handleCreateWebhook registers a new webhook subscriber.
func (a *API) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sub := &webhooks.Subscription{
		URL:            req.URL,
		Secret:         req.Secret,
		EventTypes:     req.EventTypes,
		TaskTypes:      req.TaskTypes,
		Enabled:        enabled,
		RetryCount:     req.RetryCount,
		TimeoutSeconds: req.TimeoutSeconds,
	}

	id, err := a.webhookStore.Create(sub)
	if err != nil {
		respondError(w, http.StatusBadRequest, "CREATE_FAILED", err.Error())
		return
	}
	sub.ID = id
	respondSuccess(w, map[string]interface{}{"webhook": sub})
}

// handleListWebhooks returns every enabled webhook subscriber.
func (a *API) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := a.webhookStore.ListEnabled()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"webhooks": subs})
}

// handleTestWebhook sends a synthetic event=test payload to one webhook.
func (a *API) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid webhook id")
		return
	}

	if err := a.webhookDispatcher.Test(id); err != nil {
		respondError(w, http.StatusBadGateway, "TEST_FAILED", err.Error())
		return
	}
	respondSuccess(w, nil)
}

// handleWebhookDeliveries returns the delivery ledger for one webhook.
func (a *API) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid webhook id")
		return
	}

	deliveries, err := a.webhookStore.DeliveriesForWebhook(id, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"deliveries": deliveries})
}
