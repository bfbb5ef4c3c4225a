package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGateway(t *testing.T) (*redis.Client, *Engines, *Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ms := newMemStore(testPlaylist())
	engines := NewEngines(ms, nil, nil, testLogger())
	engine, err := engines.Get(context.Background(), "pl-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go NewGateway(rdb, engines, testLogger()).Run(ctx)
	return rdb, engines, engine
}

// publishUntil republishes the event until cond holds. The gateway's dedupe
// window makes repeated delivery of the same event safe, which is exactly
// what a reconnecting feed does, so the tests lean on it instead of
// hand-synchronizing with the subscriber goroutine.
func publishUntil(t *testing.T, rdb *redis.Client, ev Event, cond func() bool, msg string) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, rdb.Publish(context.Background(), PlaylistChannel(ev.PlaylistID), data).Err())
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestGatewayIntegratesAppliedOperations(t *testing.T) {
	rdb, _, engine := setupGateway(t)

	op := testOp("remote-add", "remote", OpAddClip, AddClipPayload{Clip: testClip("c9")}, VectorClock{"remote": 1}, time.Now().UTC())
	op.Version = 2

	publishUntil(t, rdb, Event{Type: EventOperationApplied, PlaylistID: "pl-1", Payload: op},
		func() bool {
			p, _ := engine.Snapshot()
			return len(p.Clips) == 1 && p.Clips[0].ID == "c9"
		}, "remote operation never reached the engine")

	p, history := engine.Snapshot()
	assert.Len(t, history, 1, "repeated delivery folds exactly once")
	assert.Equal(t, int64(2), p.Version)
}

func TestGatewayIntegratesDetectedConflicts(t *testing.T) {
	rdb, _, engine := setupGateway(t)

	candidate := testOp("remote-up", "remote", OpUpdateMetadata,
		UpdateMetadataPayload{Patch: MetadataPatch{Name: strPtr("Remote")}}, VectorClock{"remote": 1}, time.Now().UTC())
	candidate.Status = OpStatusPending

	publishUntil(t, rdb, Event{Type: EventConflictDetected, PlaylistID: "pl-1", Payload: Conflict{Candidate: candidate}},
		func() bool { return len(engine.Conflicts()) == 1 },
		"remote conflict never joined the local queue")

	p, _ := engine.Snapshot()
	assert.Equal(t, "Road Trip", p.Name, "a queued candidate does not fold in")
}

func TestGatewayDropsDeletedPlaylists(t *testing.T) {
	rdb, engines, _ := setupGateway(t)
	require.NotNil(t, engines.Peek("pl-1"))

	publishUntil(t, rdb, Event{Type: EventPlaylistDeleted, PlaylistID: "pl-1"},
		func() bool { return engines.Peek("pl-1") == nil },
		"deleted playlist's engine was not evicted")
}

func TestGatewayIgnoresUnloadedPlaylists(t *testing.T) {
	rdb, engines, _ := setupGateway(t)

	op := testOp("other-add", "remote", OpAddClip, AddClipPayload{Clip: testClip("cx")}, VectorClock{"remote": 1}, time.Now().UTC())
	op.PlaylistID = "pl-other"
	data, err := json.Marshal(Event{Type: EventOperationApplied, PlaylistID: "pl-other", Payload: op})
	require.NoError(t, err)
	require.NoError(t, rdb.Publish(context.Background(), PlaylistChannel("pl-other"), data).Err())

	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, engines.Peek("pl-other"), "the gateway never loads engines on its own")
}
