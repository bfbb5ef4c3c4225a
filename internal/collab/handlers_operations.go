package collab

import (
	"encoding/json"
	"net/http"
	"strconv"

	"collab-service/internal/identity"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := identity.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	playlistID := chi.URLParam(r, "id")

	var body struct {
		Type          OperationType   `json:"type"`
		Payload       json.RawMessage `json:"payload"`
		ObservedClock VectorClock     `json:"observedClock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(body.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	engine, err := s.engines.Get(ctx, playlistID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	result, err := engine.Propose(ctx, user.UserID, body.Type, body.Payload, body.ObservedClock)
	if err != nil {
		s.log.Infof("propose %s on %s by %s: %v", body.Type, playlistID, user.UserID, err)
		writeServiceError(w, err)
		return
	}

	// A queued conflict is a first-class outcome, not an error.
	status := http.StatusOK
	if result.Status == ProposeQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := identity.FromContext(ctx)
	playlistID := chi.URLParam(r, "id")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > historyWindow {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(historyWindow))
			return
		}
		limit = n
	}

	engine, err := s.engines.Get(ctx, playlistID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !engine.CanUser(user.UserID, ActionRead) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	ops, err := s.store.RecentOperations(ctx, playlistID, limit)
	if err != nil {
		s.log.Errorf("list operations %s: %v", playlistID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if ops == nil {
		ops = []PlaylistOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := identity.FromContext(ctx)
	playlistID := chi.URLParam(r, "id")

	engine, err := s.engines.Get(ctx, playlistID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !engine.CanUser(user.UserID, ActionRead) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	conflicts := engine.Conflicts()
	if conflicts == nil {
		conflicts = []Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := identity.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	playlistID := chi.URLParam(r, "id")
	opID := chi.URLParam(r, "opId")

	var body struct {
		Verdict Verdict `json:"verdict"`
		Reason  string  `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !body.Verdict.Valid() {
		writeError(w, http.StatusBadRequest, `verdict must be "accept", "reject" or "merge"`)
		return
	}

	engine, err := s.engines.Get(ctx, playlistID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	res, err := engine.ResolveConflict(ctx, user.UserID, opID, body.Verdict, body.Reason)
	if err != nil {
		s.log.Infof("resolve %s on %s: %v", opID, playlistID, err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
