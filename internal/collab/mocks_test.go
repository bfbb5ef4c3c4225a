package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MockDB implements DB interface for testing.
type MockDB struct {
	ExecFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTxFunc  func(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func (m *MockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *MockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, sql, args...)
	}
	return &MockRows{}, nil
}

func (m *MockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.QueryRowFunc != nil {
		return m.QueryRowFunc(ctx, sql, args...)
	}
	return &MockRow{}
}

func (m *MockDB) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	if m.BeginTxFunc != nil {
		return m.BeginTxFunc(ctx, txOptions)
	}
	return &MockTx{}, nil
}

// MockRow implements pgx.Row
type MockRow struct {
	ScanFunc func(dest ...any) error
}

func (m *MockRow) Scan(dest ...any) error {
	if m.ScanFunc != nil {
		return m.ScanFunc(dest...)
	}
	return nil
}

// MockTx implements pgx.Tx
type MockTx struct {
	pgx.Tx // Embed to satisfy interface; unchecked methods will panic if called

	CommitFunc   func(ctx context.Context) error
	RollbackFunc func(ctx context.Context) error
	ExecFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	QueryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (m *MockTx) Commit(ctx context.Context) error {
	if m.CommitFunc != nil {
		return m.CommitFunc(ctx)
	}
	return nil
}

func (m *MockTx) Rollback(ctx context.Context) error {
	if m.RollbackFunc != nil {
		return m.RollbackFunc(ctx)
	}
	return nil
}

func (m *MockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *MockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.QueryRowFunc != nil {
		return m.QueryRowFunc(ctx, sql, args...)
	}
	return &MockRow{}
}

func (m *MockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, sql, args...)
	}
	return &MockRows{}, nil
}

// MockRows Helper for list queries
type MockRows struct {
	pgx.Rows
	ScanFunc func(idx int, dest ...any) error
	Count    int
	Idx      int
}

func (m *MockRows) Next() bool {
	m.Idx++
	return m.Idx <= m.Count
}

func (m *MockRows) Scan(dest ...any) error {
	if m.ScanFunc != nil {
		return m.ScanFunc(m.Idx-1, dest...)
	}
	return nil
}

func (m *MockRows) Close()     {}
func (m *MockRows) Err() error { return nil }

// memStore is an in-memory EngineStore for engine tests: real CAS semantics
// without a database.
type memStore struct {
	mu          sync.Mutex
	playlist    *CollaborativePlaylist
	ops         map[string]*PlaylistOperation
	order       []string
	resolutions map[string]*ConflictResolution

	// applyErr fails the next ApplyOperation once, simulating an outage.
	applyErr error
}

func newMemStore(p *CollaborativePlaylist) *memStore {
	return &memStore{
		playlist:    p,
		ops:         make(map[string]*PlaylistOperation),
		resolutions: make(map[string]*ConflictResolution),
	}
}

func (m *memStore) GetPlaylist(ctx context.Context, id string) (*CollaborativePlaylist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playlist == nil || m.playlist.ID != id {
		return nil, fmt.Errorf("%w: playlist %s", ErrNotFound, id)
	}
	p := *m.playlist
	p.Clips = append([]Clip(nil), m.playlist.Clips...)
	p.Collaborators = make(map[string]Collaborator, len(m.playlist.Collaborators))
	for k, v := range m.playlist.Collaborators {
		p.Collaborators[k] = v
	}
	return &p, nil
}

func (m *memStore) RecentOperations(ctx context.Context, playlistID string, limit int) ([]PlaylistOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PlaylistOperation
	for _, id := range m.order {
		out = append(out, *m.ops[id])
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) PendingOperations(ctx context.Context, playlistID string) ([]PlaylistOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PlaylistOperation
	for _, id := range m.order {
		if m.ops[id].Status == OpStatusPending {
			out = append(out, *m.ops[id])
		}
	}
	return out, nil
}

func (m *memStore) OperationByID(ctx context.Context, opID string) (*PlaylistOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[opID]
	if !ok {
		return nil, fmt.Errorf("%w: operation %s", ErrNotFound, opID)
	}
	o := *op
	return &o, nil
}

func (m *memStore) InsertOperation(ctx context.Context, op *PlaylistOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(op)
	return nil
}

func (m *memStore) ApplyOperation(ctx context.Context, op *PlaylistOperation, pr *Projection, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		err := m.applyErr
		m.applyErr = nil
		return err
	}
	if m.playlist.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.playlist.Version++
	m.playlist.Clips = append([]Clip(nil), pr.Clips...)
	m.playlist.Name = pr.Name
	m.playlist.Description = pr.Description
	m.playlist.IsPublic = pr.IsPublic
	m.playlist.DefaultPermission = pr.DefaultPermission
	m.playlist.DrinkingSoundURL = pr.DrinkingSoundURL

	applied := *op
	applied.Status = OpStatusApplied
	applied.Version = m.playlist.Version
	m.upsertLocked(&applied)
	return nil
}

func (m *memStore) upsertLocked(op *PlaylistOperation) {
	o := *op
	if _, ok := m.ops[op.ID]; !ok {
		m.order = append(m.order, op.ID)
	}
	m.ops[op.ID] = &o
}

func (m *memStore) SetOperationStatus(ctx context.Context, opID string, status OperationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[opID]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, opID)
	}
	op.Status = status
	return nil
}

func (m *memStore) InsertResolution(ctx context.Context, res *ConflictResolution) (*ConflictResolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.resolutions[res.OperationID]; ok {
		p := *prior
		return &p, nil
	}
	r := *res
	m.resolutions[res.OperationID] = &r
	return res, nil
}

func (m *memStore) ResolutionFor(ctx context.Context, opID string) (*ConflictResolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resolutions[opID]
	if !ok {
		return nil, nil
	}
	r := *res
	return &r, nil
}

func (m *memStore) bumpVersion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playlist.Version++
}

func (m *memStore) failNextApply(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

var errStoreDown = errors.New("store unavailable")

// testPlaylist is the standard fixture: owner "olivia", editors "alice" and
// "bob", viewer "victor".
func testPlaylist() *CollaborativePlaylist {
	now := time.Now().UTC()
	return &CollaborativePlaylist{
		ID:                "pl-1",
		OwnerID:           "olivia",
		Name:              "Road Trip",
		IsPublic:          true,
		DefaultPermission: PermissionViewer,
		InviteCode:        "ABCD2346",
		Status:            StatusActive,
		Version:           1,
		Collaborators: map[string]Collaborator{
			"olivia": {UserID: "olivia", DisplayName: "Olivia", Permission: PermissionOwner, JoinedAt: now},
			"alice":  {UserID: "alice", DisplayName: "Alice", Permission: PermissionEditor, JoinedAt: now},
			"bob":    {UserID: "bob", DisplayName: "Bob", Permission: PermissionEditor, JoinedAt: now},
			"victor": {UserID: "victor", DisplayName: "Victor", Permission: PermissionViewer, JoinedAt: now},
		},
		CreatedAt:    now,
		LastActivity: now,
	}
}

func testClip(id string) Clip {
	return Clip{ID: id, Title: "Clip " + id, Artist: "Artist", DurationMs: 30000}
}

// testOp builds a log entry directly, bypassing the engine's stamping.
func testOp(id, user string, t OperationType, payload any, clock VectorClock, ts time.Time) PlaylistOperation {
	return PlaylistOperation{
		ID:         id,
		PlaylistID: "pl-1",
		Type:       t,
		UserID:     user,
		Timestamp:  ts,
		Payload:    MustPayload(payload),
		Clock:      clock,
		Status:     OpStatusApplied,
	}
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
func boolPtr(b bool) *bool    { return &b }
