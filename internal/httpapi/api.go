// Package httpapi exposes the operator-facing HTTP surface: task queue CRUD,
// bulk operations, watcher subscriptions, webhook management, rollback
// snapshots, and a dashboard websocket feed, wired around gorilla/mux and
// gorilla/websocket.
package httpapi

import (
	"embed"
	"log"
	"net/http"

	"github.com/agentctl/controlplane/internal/notifications"
	"github.com/agentctl/controlplane/internal/queue"
	"github.com/agentctl/controlplane/internal/rollback"
	"github.com/agentctl/controlplane/internal/webhooks"
	"github.com/gorilla/mux"
)

//go:embed openapi/openapi.json openapi/swagger.html
var openapiFS embed.FS

// Config controls the pieces of API that are optional or environment
// specific.
type Config struct {
	// SessionCookie names the cookie CSRFMiddleware reads a session id from.
	SessionCookie string
	// AllowedOrigins lists non-localhost websocket origins to permit.
	AllowedOrigins []string
}

// API bundles every dependency the HTTP handlers need and builds the
// gorilla/mux router wiring them to routes.
type API struct {
	queue             *queue.Queue
	hub               *Hub
	watchers          *notifications.WatcherService
	watcherStore      *notifications.WatcherStore
	webhookStore      *webhooks.Store
	webhookDispatcher *webhooks.Dispatcher
	rollback          *rollback.Manager
	csrf              *CSRFStore
	cfg               Config
	logger            *log.Logger
}

// New constructs an API. hub must already be running (its Run loop started
// by the caller) before any request touches the websocket endpoint.
func New(
	q *queue.Queue,
	hub *Hub,
	watchers *notifications.WatcherService,
	watcherStore *notifications.WatcherStore,
	webhookStore *webhooks.Store,
	webhookDispatcher *webhooks.Dispatcher,
	rb *rollback.Manager,
	cfg Config,
	logger *log.Logger,
) *API {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "session_id"
	}
	SetAllowedOrigins(cfg.AllowedOrigins)
	logger.Printf("[HTTPAPI] api constructed, session cookie %q", cfg.SessionCookie)

	return &API{
		queue:             q,
		hub:               hub,
		watchers:          watchers,
		watcherStore:      watcherStore,
		webhookStore:      webhookStore,
		webhookDispatcher: webhookDispatcher,
		rollback:          rb,
		csrf:              NewCSRFStore(),
		cfg:               cfg,
		logger:            logger,
	}
}

// Router builds the full gorilla/mux router: security headers and CSRF
// middleware wrap every request, /api carries the JSON surface, /ws carries
// the dashboard feed, and /openapi.json plus /docs serve the static API
// description.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(SecurityHeadersMiddleware)
	r.Use(CSRFMiddleware(a.csrf, a.cfg.SessionCookie))

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/csrf-token", a.handleCSRFToken).Methods(http.MethodGet)
	r.HandleFunc("/ws", a.handleWebSocket)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/tasks", a.handleCreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks", a.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", a.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/cancel", a.handleCancelTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/effort", a.handleSetEffort).Methods(http.MethodPut)

	api.HandleFunc("/tasks/{id}/worklog", a.handleTaskWorklog).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/worklog", a.handleAddWorklog).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/effort-rollup", a.handleEffortRollup).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/convert", a.handleConvertTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/reparent", a.handleReparentTask).Methods(http.MethodPost)

	api.HandleFunc("/tasks/bulk/create", a.handleBulkCreate).Methods(http.MethodPost)
	api.HandleFunc("/tasks/bulk/update-status", a.handleBulkUpdateStatus).Methods(http.MethodPost)
	api.HandleFunc("/tasks/bulk/delete", a.handleBulkDelete).Methods(http.MethodPost)
	api.HandleFunc("/tasks/bulk/retry", a.handleBulkRetry).Methods(http.MethodPost)
	api.HandleFunc("/tasks/bulk/prioritize", a.handleBulkPrioritize).Methods(http.MethodPost)

	api.HandleFunc("/templates", a.handleCreateTemplate).Methods(http.MethodPost)
	api.HandleFunc("/templates", a.handleListTemplates).Methods(http.MethodGet)
	api.HandleFunc("/templates/{id}", a.handleGetTemplate).Methods(http.MethodGet)
	api.HandleFunc("/templates/{id}", a.handleDeleteTemplate).Methods(http.MethodDelete)
	api.HandleFunc("/templates/{id}/instantiate", a.handleInstantiateTemplate).Methods(http.MethodPost)
	api.HandleFunc("/templates/{id}/batch", a.handleExpandBatch).Methods(http.MethodPost)
	api.HandleFunc("/batches/{id}", a.handleGetBatch).Methods(http.MethodGet)
	api.HandleFunc("/batches/{id}/tasks", a.handleBatchTasks).Methods(http.MethodGet)

	api.HandleFunc("/timers/start", a.handleStartTimer).Methods(http.MethodPost)
	api.HandleFunc("/timers/stop", a.handleStopTimer).Methods(http.MethodPost)
	api.HandleFunc("/timers/discard", a.handleDiscardTimer).Methods(http.MethodPost)
	api.HandleFunc("/timers/{user_id}", a.handleActiveTimer).Methods(http.MethodGet)

	api.HandleFunc("/sprints", a.handleCreateSprint).Methods(http.MethodPost)
	api.HandleFunc("/sprints/{id}/rollup", a.handleSprintRollup).Methods(http.MethodGet)

	api.HandleFunc("/watchers", a.handleWatchTask).Methods(http.MethodPost)
	api.HandleFunc("/watchers", a.handleUnwatchTask).Methods(http.MethodDelete)
	api.HandleFunc("/watchers/tasks/{task_type}/{id}", a.handleListWatchers).Methods(http.MethodGet)
	api.HandleFunc("/watchers/events/unread", a.handleUnreadWatchEvents).Methods(http.MethodGet)
	api.HandleFunc("/watchers/events/read", a.handleMarkWatchEventsRead).Methods(http.MethodPost)
	api.HandleFunc("/watchers/preferences/{user_id}", a.handleGetWatchPreferences).Methods(http.MethodGet)
	api.HandleFunc("/watchers/preferences/{user_id}", a.handleSetWatchPreferences).Methods(http.MethodPut)

	api.HandleFunc("/webhooks", a.handleListWebhooks).Methods(http.MethodGet)
	api.HandleFunc("/webhooks", a.handleCreateWebhook).Methods(http.MethodPost)
	api.HandleFunc("/webhooks/{id}/test", a.handleTestWebhook).Methods(http.MethodPost)
	api.HandleFunc("/webhooks/{id}/deliveries", a.handleWebhookDeliveries).Methods(http.MethodGet)

	api.HandleFunc("/rollback/snapshots", a.handleListSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/rollback/snapshots", a.handleCreateSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/rollback/snapshots/{id}/restore", a.handleRestoreSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/rollback/snapshots/prune", a.handlePruneSnapshots).Methods(http.MethodPost)

	r.HandleFunc("/openapi.json", a.serveEmbedded("openapi.json", "application/json"))
	r.HandleFunc("/docs", a.serveEmbedded("swagger.html", "text/html; charset=utf-8"))

	return r
}

// serveEmbedded returns a handler writing one file out of openapiFS, bypassing
// CSRF concerns entirely since these are GET-only static documents.
func (a *API) serveEmbedded(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := openapiFS.ReadFile("openapi/" + name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, map[string]interface{}{
		"status":  "healthy",
		"clients": a.hub.ClientCount(),
	})
}

// handleCSRFToken establishes a session cookie if the caller has none and
// returns the session's current CSRF token. Safe-method, so the middleware
// never blocks it.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	var sessionID string
	if cookie, err := r.Cookie(a.cfg.SessionCookie); err == nil && cookie.Value != "" {
		sessionID = cookie.Value
	} else {
		id, err := newSessionID()
		if err != nil {
			respondError(w, http.StatusInternalServerError, "TOKEN_FAILED", "failed to establish session")
			return
		}
		sessionID = id
		http.SetCookie(w, &http.Cookie{
			Name:     a.cfg.SessionCookie,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	token, err := a.csrf.Token(sessionID, false)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TOKEN_FAILED", "failed to issue CSRF token")
		return
	}
	respondSuccess(w, map[string]interface{}{"csrf_token": token})
}
