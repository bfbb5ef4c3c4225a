package collab

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// Server wires the engine, the invitation workflow and the presence tracker
// behind the HTTP surface. One Server serves many playlists; per-playlist
// state lives in the engine registry.
type Server struct {
	store    *Store
	engines  *Engines
	invites  *Invitations
	presence *PresenceTracker
	events   *Events
	log      *logrus.Logger
}

func NewServer(store *Store, engines *Engines, invites *Invitations, presence *PresenceTracker, events *Events, log *logrus.Logger) *Server {
	return &Server{
		store:    store,
		engines:  engines,
		invites:  invites,
		presence: presence,
		events:   events,
		log:      log,
	}
}

func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		for _, mw := range middlewares {
			r.Use(mw)
		}

		r.Post("/playlists", s.handleCreatePlaylist)
		r.Get("/playlists/{id}", s.handleGetPlaylist)
		r.Delete("/playlists/{id}", s.handleDeletePlaylist)
		r.Post("/playlists/{id}/archive", s.handleArchivePlaylist)

		r.Post("/playlists/{id}/operations", s.handlePropose)
		r.Get("/playlists/{id}/operations", s.handleListOperations)
		r.Get("/playlists/{id}/conflicts", s.handleListConflicts)
		r.Post("/playlists/{id}/conflicts/{opId}/resolution", s.handleResolveConflict)

		r.Get("/playlists/{id}/collaborators", s.handleListCollaborators)
		r.Patch("/playlists/{id}/collaborators/{userId}", s.handleUpdateCollaborator)
		r.Delete("/playlists/{id}/collaborators/{userId}", s.handleRemoveCollaborator)

		r.Post("/playlists/{id}/invitations", s.handleSendInvitation)
		r.Get("/invitations", s.handleListInvitations)
		r.Post("/invitations/{id}/respond", s.handleRespondInvitation)
		r.Post("/join", s.handleRedeemCode)

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/{id}/read", s.handleMarkNotificationRead)

		r.Put("/playlists/{id}/presence", s.handlePublishPresence)
		r.Get("/playlists/{id}/presence", s.handleGetPresence)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "collab-service",
	})
}

// StartInvitationSweeper runs the TTL sweep that moves pending invitations
// past their expiry into the terminal expired state.
func (s *Server) StartInvitationSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				n, err := s.store.ExpireInvitations(ctx, time.Now().UTC())
				if err != nil {
					s.log.Warnf("sweeper: expire invitations: %v", err)
					continue
				}
				if n > 0 {
					s.log.Infof("sweeper: expired %d invitations", n)
				}
			}
		}
	}()
}
