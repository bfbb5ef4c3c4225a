package collab

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestApplyOperationVersionConflict(t *testing.T) {
	rolledBack := false
	mockTx := &MockTx{
		ExecFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			// CAS update matched zero rows: another applier won.
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
		RollbackFunc: func(ctx context.Context) error {
			rolledBack = true
			return nil
		},
	}
	mockDB := &MockDB{
		BeginTxFunc: func(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
			return mockTx, nil
		},
	}
	store := NewStore(mockDB)

	op := testOp("op-1", "alice", OpAddClip, AddClipPayload{Clip: testClip("c1")}, VectorClock{"alice": 1}, time.Now().UTC())
	err := store.ApplyOperation(context.Background(), &op, NewProjection(), 7)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if !rolledBack {
		t.Error("losing the CAS race must roll the transaction back")
	}
}

func TestApplyOperationSuccess(t *testing.T) {
	var committed bool
	var sawInsert bool
	mockTx := &MockTx{
		ExecFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "UPDATE collaborative_playlists") {
				if args[1].(int64) != 7 {
					t.Errorf("expected version 7 in the CAS clause, got %v", args[1])
				}
				return pgconn.NewCommandTag("UPDATE 1"), nil
			}
			if strings.Contains(sql, "INSERT INTO playlist_operations") {
				sawInsert = true
				return pgconn.NewCommandTag("INSERT 0 1"), nil
			}
			t.Errorf("unexpected tx sql: %s", sql)
			return pgconn.CommandTag{}, nil
		},
		CommitFunc: func(ctx context.Context) error {
			committed = true
			return nil
		},
	}
	mockDB := &MockDB{
		BeginTxFunc: func(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
			return mockTx, nil
		},
	}
	store := NewStore(mockDB)

	op := testOp("op-1", "alice", OpAddClip, AddClipPayload{Clip: testClip("c1")}, VectorClock{"alice": 1}, time.Now().UTC())
	if err := store.ApplyOperation(context.Background(), &op, NewProjection(), 7); err != nil {
		t.Fatalf("ApplyOperation: %v", err)
	}
	if !sawInsert {
		t.Error("the operation row must be written in the same transaction")
	}
	if !committed {
		t.Error("transaction was never committed")
	}
}

func TestApplyOperationUpsertRefreshesClockAndDeps(t *testing.T) {
	var sawUpsert bool
	mockTx := &MockTx{
		ExecFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "UPDATE collaborative_playlists") {
				return pgconn.NewCommandTag("UPDATE 1"), nil
			}
			if strings.Contains(sql, "INSERT INTO playlist_operations") {
				sawUpsert = true
				// Re-applying a pending row after an accepted resolution
				// carries a rewritten clock and dependency set; the
				// conflict branch must refresh both columns.
				if !strings.Contains(sql, "vclock = EXCLUDED.vclock") {
					t.Error("upsert does not refresh vclock on conflict")
				}
				if !strings.Contains(sql, "deps = EXCLUDED.deps") {
					t.Error("upsert does not refresh deps on conflict")
				}
				return pgconn.NewCommandTag("INSERT 0 1"), nil
			}
			t.Errorf("unexpected tx sql: %s", sql)
			return pgconn.CommandTag{}, nil
		},
		CommitFunc: func(ctx context.Context) error { return nil },
	}
	mockDB := &MockDB{
		BeginTxFunc: func(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
			return mockTx, nil
		},
	}
	store := NewStore(mockDB)

	op := testOp("op-1", "bob", OpUpdateClip,
		UpdateClipPayload{ClipID: "c1", Patch: ClipPatch{Title: strPtr("Bob Title")}},
		VectorClock{"alice": 2, "bob": 1}, time.Now().UTC())
	op.Dependencies = []string{"op-0"}
	if err := store.ApplyOperation(context.Background(), &op, NewProjection(), 7); err != nil {
		t.Fatalf("ApplyOperation: %v", err)
	}
	if !sawUpsert {
		t.Error("the operation row was never written")
	}
}

func TestGetPlaylistNotFound(t *testing.T) {
	mockDB := &MockDB{
		QueryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &MockRow{ScanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	store := NewStore(mockDB)

	_, err := store.GetPlaylist(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInviteCodeTaken(t *testing.T) {
	calls := 0
	mockDB := &MockDB{
		QueryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			calls++
			if calls == 1 {
				return &MockRow{ScanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
			}
			return &MockRow{ScanFunc: func(dest ...any) error {
				*dest[0].(*int) = 1
				return nil
			}}
		},
	}
	store := NewStore(mockDB)

	taken, err := store.InviteCodeTaken(context.Background(), "ABCD2346")
	if err != nil || taken {
		t.Fatalf("fresh code: taken=%v err=%v", taken, err)
	}
	taken, err = store.InviteCodeTaken(context.Background(), "ABCD2346")
	if err != nil || !taken {
		t.Fatalf("existing code: taken=%v err=%v", taken, err)
	}
}

func TestTransitionInvitationIsOneWay(t *testing.T) {
	mockDB := &MockDB{
		ExecFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "status = 'pending'") {
				t.Errorf("transition must be guarded by the pending status: %s", sql)
			}
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	store := NewStore(mockDB)

	moved, err := store.TransitionInvitation(context.Background(), "inv-1", InvitationAccepted)
	if err != nil {
		t.Fatalf("TransitionInvitation: %v", err)
	}
	if moved {
		t.Error("a terminal invitation must not transition again")
	}
}

func TestExpireInvitations(t *testing.T) {
	mockDB := &MockDB{
		ExecFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 3"), nil
		},
	}
	store := NewStore(mockDB)

	n, err := store.ExpireInvitations(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireInvitations: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 expired, got %d", n)
	}
}

func TestSetOperationStatusNotFound(t *testing.T) {
	mockDB := &MockDB{
		ExecFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	store := NewStore(mockDB)

	err := store.SetOperationStatus(context.Background(), "ghost", OpStatusRejected)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolutionForAbsentIsNilNil(t *testing.T) {
	mockDB := &MockDB{
		QueryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &MockRow{ScanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	store := NewStore(mockDB)

	res, err := store.ResolutionFor(context.Background(), "op-1")
	if err != nil || res != nil {
		t.Fatalf("absent resolution must be (nil, nil), got (%v, %v)", res, err)
	}
}
