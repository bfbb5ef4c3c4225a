package collab

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Event types carried on the change feed.
const (
	EventOperationApplied  = "operation.applied"
	EventOperationQueued   = "operation.queued"
	EventConflictDetected  = "conflict.detected"
	EventConflictResolved  = "conflict.resolved"
	EventPresenceUpdated   = "presence.updated"
	EventCollaboratorJoin  = "collaborator.joined"
	EventCollaboratorLeft  = "collaborator.left"
	EventPermissionChanged = "collaborator.permission_changed"
	EventPlaylistDeleted   = "playlist.deleted"
	EventNotification      = "notification"
)

// Event is the envelope published on the change feed. Playlist-scoped events
// go to PlaylistChannel(playlistID); user-addressed ones to UserChannel.
type Event struct {
	Type       string `json:"type"`
	PlaylistID string `json:"playlistId,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

func PlaylistChannel(playlistID string) string { return "playlist." + playlistID }
func UserChannel(userID string) string         { return "user." + userID }

// Events publishes engine events to redis. Publication is best-effort:
// subscribers recover missed events from the store on resubscribe, so a
// failed publish is logged and dropped.
type Events struct {
	rdb *redis.Client
	log *logrus.Logger
}

func NewEvents(rdb *redis.Client, log *logrus.Logger) *Events {
	return &Events{rdb: rdb, log: log}
}

func (e *Events) Publish(ctx context.Context, channel string, ev Event) {
	if e == nil || e.rdb == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		e.log.Errorf("events: marshal %s: %v", ev.Type, err)
		return
	}
	if err := e.rdb.Publish(ctx, channel, string(data)).Err(); err != nil {
		e.log.Warnf("events: publish %s to %s: %v", ev.Type, channel, err)
	}
}
