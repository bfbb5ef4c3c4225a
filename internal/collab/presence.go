package collab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// PresenceWindow is the liveness window: cursors older than this are
	// excluded from every read, whether or not the client said goodbye.
	PresenceWindow = 30 * time.Second

	// presenceKeyTTL is the redis expiry on cursor keys. Longer than the
	// read window so expiry is garbage collection, never the liveness
	// check itself.
	presenceKeyTTL = 45 * time.Second
)

// PresenceTracker stores ephemeral cursors in redis, one key per user per
// playlist, overwritten on every update. Liveness is time-based: a crashed
// client's cursor ages out without a disconnect signal.
type PresenceTracker struct {
	rdb *redis.Client
	log *logrus.Logger
	now func() time.Time
}

func NewPresenceTracker(rdb *redis.Client, log *logrus.Logger) *PresenceTracker {
	return &PresenceTracker{rdb: rdb, log: log, now: time.Now}
}

func presenceKey(playlistID, userID string) string {
	return "presence:" + playlistID + ":" + userID
}

func presencePattern(playlistID string) string {
	return "presence:" + playlistID + ":*"
}

// Publish overwrites the user's cursor. Fire-and-forget: failures are
// logged and dropped, the next heartbeat supersedes.
func (t *PresenceTracker) Publish(ctx context.Context, playlistID string, cursor UserCursor) {
	cursor.UpdatedAt = t.now().UTC()
	data, err := json.Marshal(cursor)
	if err != nil {
		t.log.Errorf("presence: marshal cursor: %v", err)
		return
	}
	if err := t.rdb.Set(ctx, presenceKey(playlistID, cursor.UserID), data, presenceKeyTTL).Err(); err != nil {
		t.log.Debugf("presence: publish for %s dropped: %v", cursor.UserID, err)
		return
	}
	if err := t.rdb.Publish(ctx, presenceChannel(playlistID), cursor.UserID).Err(); err != nil {
		t.log.Debugf("presence: notify for %s dropped: %v", cursor.UserID, err)
	}
}

// Clear removes the user's cursor immediately (explicit leave). Absence of a
// Clear has the same eventual effect through the liveness window.
func (t *PresenceTracker) Clear(ctx context.Context, playlistID, userID string) {
	if err := t.rdb.Del(ctx, presenceKey(playlistID, userID)).Err(); err != nil {
		t.log.Debugf("presence: clear for %s dropped: %v", userID, err)
		return
	}
	if err := t.rdb.Publish(ctx, presenceChannel(playlistID), userID).Err(); err != nil {
		t.log.Debugf("presence: notify clear for %s dropped: %v", userID, err)
	}
}

// Snapshot returns the live cursors for a playlist. The 30 second window is
// enforced here, on read, so a stale key that redis has not expired yet can
// never resurface a dead cursor.
func (t *PresenceTracker) Snapshot(ctx context.Context, playlistID string) (map[string]UserCursor, error) {
	var keys []string
	iter := t.rdb.Scan(ctx, 0, presencePattern(playlistID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]UserCursor)
	if len(keys) == 0 {
		return out, nil
	}

	vals, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	cutoff := t.now().UTC().Add(-PresenceWindow)
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // key expired between SCAN and MGET
		}
		var cursor UserCursor
		if err := json.Unmarshal([]byte(s), &cursor); err != nil {
			t.log.Warnf("presence: bad cursor payload: %v", err)
			continue
		}
		if cursor.UpdatedAt.Before(cutoff) {
			continue
		}
		out[cursor.UserID] = cursor
	}
	return out, nil
}

func presenceChannel(playlistID string) string {
	return "presence." + playlistID
}

// Subscribe streams presence snapshots for a playlist: one immediately, then
// one per presence change notification. The stream closes when ctx is done.
// No cross-user ordering is guaranteed; per-user updates arrive in publish
// order because each publish overwrites the same key.
func (t *PresenceTracker) Subscribe(ctx context.Context, playlistID string) <-chan map[string]UserCursor {
	out := make(chan map[string]UserCursor, 1)
	sub := t.rdb.Subscribe(ctx, presenceChannel(playlistID))

	go func() {
		defer close(out)
		defer sub.Close()

		emit := func() {
			snap, err := t.Snapshot(ctx, playlistID)
			if err != nil {
				t.log.Debugf("presence: snapshot for %s: %v", playlistID, err)
				return
			}
			select {
			case out <- snap:
			case <-ctx.Done():
			}
		}

		emit()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				emit()
			}
		}
	}()
	return out
}
