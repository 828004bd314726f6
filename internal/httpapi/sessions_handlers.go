package httpapi

import (
	"net/http"
	"strconv"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
)

// handleListSessions returns a snapshot of every live session.
func (r *Router) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	reg := r.hub.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": reg.Snapshot(),
		"active":   reg.ActiveCount(),
		"draining": reg.IsDraining(),
	})
}

// handleGetSession returns one live session.
func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	sup, ok := r.hub.Registry().Lookup(id)
	if !ok {
		http.Error(w, `{"error": "session not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sup.Info())
}

// handleSessionEvents returns the latest stored audit events of a session,
// live or not, oldest first.
func (r *Router) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	if !r.eventLog.Enabled() {
		http.Error(w, `{"error": "audit log disabled"}`, http.StatusNotFound)
		return
	}

	limit := defaultEventLimit
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, `{"error": "invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}

	id := req.PathValue("id")
	if r.cfg.Debug {
		r.logger.Printf("sessions: %q reading events of %s", operatorFrom(req.Context()), id)
	}
	events, err := r.eventLog.Recent(req.Context(), id, limit)
	if err != nil {
		r.logger.Printf("sessions: failed to load events for %s: %v", id, err)
		captureError(req, err, "sessions: failed to load events")
		http.Error(w, `{"error": "failed to load events"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}
