package collab

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Gateway tails the externally-pushed change feed and fans updates out to
// the local engines. Feed order is advisory only: operations are integrated
// through vector clocks and dependencies, and the per-engine dedupe window
// makes resubscription after a disconnect safe: an already-applied
// operation id is dropped, never double-applied. go-redis reconnects the
// underlying subscription itself.
type Gateway struct {
	rdb     *redis.Client
	engines *Engines
	log     *logrus.Logger
}

func NewGateway(rdb *redis.Client, engines *Engines, log *logrus.Logger) *Gateway {
	return &Gateway{rdb: rdb, engines: engines, log: log}
}

// Run consumes the playlist feed until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	sub := g.rdb.PSubscribe(ctx, "playlist.*")
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
			g.dispatch(ctx, []byte(msg.Payload))
		}
	}
}

// feedEvent mirrors Event with the payload left raw for per-type decoding.
type feedEvent struct {
	Type       string          `json:"type"`
	PlaylistID string          `json:"playlistId"`
	Payload    json.RawMessage `json:"payload"`
}

func (g *Gateway) dispatch(ctx context.Context, raw []byte) {
	var ev feedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		g.log.Warnf("gateway: bad feed payload: %v", err)
		return
	}
	if ev.PlaylistID == "" {
		return
	}

	// Only playlists open locally get an engine; events for everything
	// else are no-ops here and picked up from the store on first open.
	engine := g.engines.Peek(ev.PlaylistID)

	switch ev.Type {
	case EventOperationApplied, EventOperationQueued:
		if engine == nil {
			return
		}
		var op PlaylistOperation
		if err := json.Unmarshal(ev.Payload, &op); err != nil {
			g.log.Warnf("gateway: bad operation payload on %s: %v", ev.PlaylistID, err)
			return
		}
		engine.Integrate(ctx, &op)

	case EventConflictDetected:
		if engine == nil {
			return
		}
		var c Conflict
		if err := json.Unmarshal(ev.Payload, &c); err != nil {
			g.log.Warnf("gateway: bad conflict payload on %s: %v", ev.PlaylistID, err)
			return
		}
		engine.Integrate(ctx, &c.Candidate)

	case EventConflictResolved, EventCollaboratorJoin, EventCollaboratorLeft, EventPermissionChanged:
		if engine == nil {
			return
		}
		if err := engine.Refresh(ctx); err != nil {
			g.log.Warnf("gateway: refresh %s: %v", ev.PlaylistID, err)
		}

	case EventPlaylistDeleted:
		g.engines.Drop(ev.PlaylistID)
	}
}
