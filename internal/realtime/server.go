package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	// Origin checks are the API gateway's job.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server exposes the websocket endpoint and relays the redis change feed
// into the hub, room by room.
type Server struct {
	hub *Hub
	rdb *redis.Client
	log *logrus.Logger
}

func NewServer(hub *Hub, rdb *redis.Client, log *logrus.Logger) *Server {
	return &Server{
		hub: hub,
		rdb: rdb,
		log: log,
	}
}

func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)

	return r
}

// RunFeedRelay subscribes to all playlist and presence channels and routes
// each message into the matching room. Channel names carry the room id as
// their suffix.
func (s *Server) RunFeedRelay(ctx context.Context) {
	sub := s.rdb.PSubscribe(ctx, "playlist.*", "presence.*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			room, payload := routeFeedMessage(msg.Channel, msg.Payload)
			if room == "" {
				continue
			}
			s.hub.Broadcast(room, payload)
		}
	}
}

// routeFeedMessage maps a redis channel onto a room and normalizes presence
// notifications (which carry only a user id) into event envelopes.
func routeFeedMessage(channel, payload string) (string, []byte) {
	if room, ok := strings.CutPrefix(channel, "playlist."); ok {
		return room, []byte(payload)
	}
	if room, ok := strings.CutPrefix(channel, "presence."); ok {
		b, err := json.Marshal(map[string]any{
			"type":       "presence.updated",
			"playlistId": room,
			"payload":    map[string]string{"userId": payload},
		})
		if err != nil {
			return "", nil
		}
		return room, b
	}
	return "", nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"service": "collab-service",
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	playlistID := r.URL.Query().Get("playlist")
	if playlistID == "" {
		http.Error(w, "missing playlist id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("realtime: ws upgrade: %v", err)
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		room: playlistID,
		send: make(chan []byte, 256),
	}
	s.hub.register <- client

	welcome := map[string]any{
		"type":       "welcome",
		"playlistId": playlistID,
		"now":        time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.Marshal(welcome); err == nil {
		client.send <- b
	}

	go client.writePump()
	go client.readPump()
}
