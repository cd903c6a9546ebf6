package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

type createSnapshotRequest struct {
	Description string `json:"description"`
}

// handleCreateSnapshot captures a new rollback snapshot.
func (a *API) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	snap, err := a.rollback.Create(req.Description)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "SNAPSHOT_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"snapshot": snap})
}

// handleListSnapshots returns every recorded snapshot, newest first.
func (a *API) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := a.rollback.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"snapshots": snaps})
}

// handleRestoreSnapshot restores the live database from a snapshot. Callers
// are responsible for quiescing writers before invoking this — the HTTP
// surface does not itself stop the dispatcher/responder.
func (a *API) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.rollback.Restore(id); err != nil {
		respondError(w, http.StatusInternalServerError, "RESTORE_FAILED", err.Error())
		return
	}
	respondSuccess(w, nil)
}

type pruneSnapshotsRequest struct {
	Keep int `json:"keep"`
}

// handlePruneSnapshots deletes every snapshot beyond the most recent Keep.
func (a *API) handlePruneSnapshots(w http.ResponseWriter, r *http.Request) {
	var req pruneSnapshotsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	removed, err := a.rollback.Prune(req.Keep)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "PRUNE_FAILED", err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"removed": removed})
}
