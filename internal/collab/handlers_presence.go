package collab

import (
	"encoding/json"
	"net/http"

	"collab-service/internal/identity"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handlePublishPresence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := identity.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	playlistID := chi.URLParam(r, "id")

	engine, err := s.engines.Get(ctx, playlistID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !engine.CanUser(user.UserID, ActionPublishPresence) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var body struct {
		ClipID string       `json:"clipId"`
		Action CursorAction `json:"action"`
		Color  string       `json:"color"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Action == "" {
		body.Action = CursorViewing
	}

	// Fire-and-forget: the tracker drops failed publishes, the next
	// heartbeat supersedes.
	s.presence.Publish(ctx, playlistID, UserCursor{
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
		Color:       body.Color,
		ClipID:      body.ClipID,
		Action:      body.Action,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
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

	snap, err := s.presence.Snapshot(ctx, playlistID)
	if err != nil {
		s.log.Errorf("presence snapshot %s: %v", playlistID, err)
		writeError(w, http.StatusInternalServerError, "presence unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
