package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"collab-service/internal/identity"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCreatePlaylist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := identity.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}

	var body struct {
		Name              string      `json:"name"`
		Description       string      `json:"description"`
		IsPublic          *bool       `json:"isPublic"`
		DefaultPermission *Permission `json:"defaultPermission"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" || len(body.Name) > 200 {
		writeError(w, http.StatusBadRequest, "name must be between 1 and 200 characters")
		return
	}

	isPublic := true
	if body.IsPublic != nil {
		isPublic = *body.IsPublic
	}
	defaultPerm := PermissionViewer
	if body.DefaultPermission != nil {
		if *body.DefaultPermission == PermissionOwner || !body.DefaultPermission.Valid() {
			writeError(w, http.StatusBadRequest, "defaultPermission must be editor or viewer")
			return
		}
		defaultPerm = *body.DefaultPermission
	}

	code, err := GenerateInviteCode(ctx, s.store.InviteCodeTaken)
	if err != nil {
		s.log.Errorf("create playlist: invite code: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	p := &CollaborativePlaylist{
		OwnerID:           user.UserID,
		Name:              body.Name,
		Description:       strings.TrimSpace(body.Description),
		IsPublic:          isPublic,
		DefaultPermission: defaultPerm,
		InviteCode:        code,
		Status:            StatusActive,
		Collaborators: map[string]Collaborator{
			user.UserID: {
				UserID:      user.UserID,
				DisplayName: user.DisplayName,
				Permission:  PermissionOwner,
			},
		},
	}
	if err := s.store.CreatePlaylist(ctx, p); err != nil {
		s.log.Errorf("create playlist: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPlaylist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := identity.FromContext(ctx)
	playlistID := chi.URLParam(r, "id")

	engine, err := s.engines.Get(ctx, playlistID)
	if err != nil {
		s.log.Errorf("get playlist %s: %v", playlistID, err)
		writeServiceError(w, err)
		return
	}

	if !engine.CanUser(user.UserID, ActionRead) {
		writeError(w, http.StatusForbidden, "playlist is private")
		return
	}

	p, history := engine.Snapshot()
	p.InviteCode = inviteCodeFor(user.UserID, &p)

	// Active users come from the presence tracker, not the durable store.
	if snap, err := s.presence.Snapshot(ctx, playlistID); err == nil {
		for uid := range snap {
			p.ActiveUsers = append(p.ActiveUsers, uid)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"playlist":  p,
		"history":   history,
		"conflicts": engine.Conflicts(),
		"canEdit":   engine.CanUser(user.UserID, ActionFor(OpUpdateClip)),
	})
}

// inviteCodeFor hides the join code from non-collaborators.
func inviteCodeFor(userID string, p *CollaborativePlaylist) string {
	if _, ok := p.CollaboratorFor(userID); ok {
		return p.InviteCode
	}
	return ""
}

func (s *Server) handleDeletePlaylist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := identity.FromContext(ctx)
	playlistID := chi.URLParam(r, "id")

	p, err := s.store.GetPlaylist(ctx, playlistID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !CanPerform(user.UserID, p, ActionDeletePlaylist) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	// Advisory lock around the destructive path.
	if err := s.store.AcquireLock(ctx, playlistID, user.UserID); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.store.DeletePlaylist(ctx, playlistID); err != nil {
		s.log.Errorf("delete playlist %s: %v", playlistID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	s.engines.Drop(playlistID)

	s.events.Publish(ctx, PlaylistChannel(playlistID), Event{
		Type:       EventPlaylistDeleted,
		PlaylistID: playlistID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchivePlaylist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := identity.FromContext(ctx)
	playlistID := chi.URLParam(r, "id")

	p, err := s.store.GetPlaylist(ctx, playlistID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !CanPerform(user.UserID, p, ActionArchivePlaylist) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := s.store.SetPlaylistStatus(ctx, playlistID, StatusArchived); err != nil {
		writeServiceError(w, err)
		return
	}
	if engine := s.engines.Peek(playlistID); engine != nil {
		if err := engine.Refresh(ctx); err != nil {
			s.log.Warnf("archive playlist %s: refresh: %v", playlistID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": StatusArchived})
}

func (s *Server) handleListCollaborators(w http.ResponseWriter, r *http.Request) {
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

	p, _ := engine.Snapshot()
	live, _ := s.presence.Snapshot(ctx, playlistID)

	out := make([]Collaborator, 0, len(p.Collaborators))
	for _, c := range p.Collaborators {
		if cursor, ok := live[c.UserID]; ok {
			c.IsOnline = true
			c.Activity = string(cursor.Action)
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateCollaborator(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := identity.FromContext(ctx)
	playlistID := chi.URLParam(r, "id")
	targetID := chi.URLParam(r, "userId")

	var body struct {
		Permission Permission `json:"permission"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Permission != PermissionEditor && body.Permission != PermissionViewer {
		writeError(w, http.StatusBadRequest, "permission must be editor or viewer")
		return
	}

	p, err := s.store.GetPlaylist(ctx, playlistID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !CanPerform(user.UserID, p, ActionUpdateCollabPermission) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if targetID == p.OwnerID {
		writeError(w, http.StatusBadRequest, "the owner's permission cannot change")
		return
	}
	if err := s.store.SetCollaboratorPermission(ctx, playlistID, targetID, body.Permission); err != nil {
		writeServiceError(w, err)
		return
	}

	s.notifyAndAnnounce(ctx, targetID, p, NotifyPermissionChanged,
		"Your access to \""+p.Name+"\" is now "+string(body.Permission),
		EventPermissionChanged, map[string]any{"userId": targetID, "permission": body.Permission})
	writeJSON(w, http.StatusOK, map[string]any{"userId": targetID, "permission": body.Permission})
}

func (s *Server) handleRemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := identity.FromContext(ctx)
	playlistID := chi.URLParam(r, "id")
	targetID := chi.URLParam(r, "userId")

	p, err := s.store.GetPlaylist(ctx, playlistID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Self-removal (leaving) is open to any non-owner; removing someone
	// else is owner-only. The owner record can never be removed.
	if targetID == p.OwnerID {
		writeError(w, http.StatusBadRequest, "the owner cannot be removed")
		return
	}
	if targetID != user.UserID && !CanPerform(user.UserID, p, ActionRemoveCollaborator) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if _, ok := p.CollaboratorFor(targetID); !ok {
		writeError(w, http.StatusNotFound, "collaborator not found")
		return
	}

	if err := s.store.RemoveCollaborator(ctx, playlistID, targetID); err != nil {
		s.log.Errorf("remove collaborator %s from %s: %v", targetID, playlistID, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	s.presence.Clear(ctx, playlistID, targetID)

	s.notifyAndAnnounce(ctx, p.OwnerID, p, NotifyUserLeft,
		targetID+" left \""+p.Name+"\"",
		EventCollaboratorLeft, map[string]any{"userId": targetID})
	w.WriteHeader(http.StatusNoContent)
}

// notifyAndAnnounce writes a notification row and publishes the matching
// playlist event, both best-effort, then nudges a loaded engine to refresh.
func (s *Server) notifyAndAnnounce(ctx context.Context, toUserID string, p *CollaborativePlaylist, nt NotificationType, message, eventType string, payload any) {
	s.invites.notify(ctx, toUserID, p.ID, nt, message)
	s.events.Publish(ctx, PlaylistChannel(p.ID), Event{
		Type:       eventType,
		PlaylistID: p.ID,
		Payload:    payload,
	})
	if engine := s.engines.Peek(p.ID); engine != nil {
		if err := engine.Refresh(ctx); err != nil {
			s.log.Warnf("refresh %s after %s: %v", p.ID, eventType, err)
		}
	}
}
