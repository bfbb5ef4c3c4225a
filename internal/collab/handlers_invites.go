package collab

import (
	"encoding/json"
	"net/http"

	"collab-service/internal/identity"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleSendInvitation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := identity.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	playlistID := chi.URLParam(r, "id")

	var body struct {
		Email      string     `json:"email"`
		Permission Permission `json:"permission"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	inv, err := s.invites.Send(ctx, user.UserID, playlistID, body.Email, body.Permission)
	if err != nil {
		s.log.Infof("send invitation on %s: %v", playlistID, err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := identity.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}

	invs, err := s.invites.ListFor(ctx, user.UserID, user.Email)
	if err != nil {
		s.log.Errorf("list invitations for %s: %v", user.UserID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if invs == nil {
		invs = []CollaborationInvitation{}
	}
	writeJSON(w, http.StatusOK, invs)
}

func (s *Server) handleRespondInvitation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := identity.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	invitationID := chi.URLParam(r, "id")

	var body struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	inv, err := s.invites.Respond(ctx, user.UserID, user.DisplayName, user.Email, invitationID, body.Accept)
	if err != nil {
		s.log.Infof("respond to invitation %s: %v", invitationID, err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleRedeemCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := identity.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p, err := s.invites.RedeemCode(ctx, user.UserID, user.DisplayName, body.Code)
	if err != nil {
		s.log.Infof("redeem code by %s: %v", user.UserID, err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := identity.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}

	ns, err := s.store.NotificationsFor(ctx, user.UserID, 100)
	if err != nil {
		s.log.Errorf("list notifications for %s: %v", user.UserID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if ns == nil {
		ns = []CollaborationNotification{}
	}
	writeJSON(w, http.StatusOK, ns)
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := identity.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	id := chi.URLParam(r, "id")

	if err := s.store.MarkNotificationRead(ctx, id, user.UserID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "isRead": true})
}
