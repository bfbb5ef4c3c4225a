package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool the store uses. Tests substitute MockDB.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Store persists playlists, operations, resolutions, invitations and
// notifications. All methods are safe for concurrent use; playlist version
// consistency is enforced by compare-and-set in ApplyOperation, not by
// locks.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreatePlaylist(ctx context.Context, p *CollaborativePlaylist) error {
	clips, err := json.Marshal(p.Clips)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO collaborative_playlists
			(owner_id, name, description, is_public, default_permission, invite_code, status, drinking_sound_url, clips)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, version, created_at, last_activity
	`, p.OwnerID, p.Name, p.Description, p.IsPublic, p.DefaultPermission, p.InviteCode, p.Status, p.DrinkingSoundURL, clips).
		Scan(&p.ID, &p.Version, &p.CreatedAt, &p.LastActivity)
	if err != nil {
		return err
	}
	owner := p.Collaborators[p.OwnerID]
	return s.UpsertCollaborator(ctx, p.ID, &owner)
}

func (s *Store) GetPlaylist(ctx context.Context, id string) (*CollaborativePlaylist, error) {
	var (
		p          CollaborativePlaylist
		clips      []byte
		lockHolder string
		lockAt     *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, owner_id, name, description, is_public, default_permission, invite_code,
		       status, version, drinking_sound_url, clips, lock_holder, lock_acquired_at,
		       created_at, last_activity
		FROM collaborative_playlists
		WHERE id = $1
	`, id).Scan(
		&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.IsPublic, &p.DefaultPermission,
		&p.InviteCode, &p.Status, &p.Version, &p.DrinkingSoundURL, &clips,
		&lockHolder, &lockAt, &p.CreatedAt, &p.LastActivity,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: playlist %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if len(clips) > 0 {
		if err := json.Unmarshal(clips, &p.Clips); err != nil {
			return nil, fmt.Errorf("decode clips for %s: %w", id, err)
		}
	}
	if lockHolder != "" && lockAt != nil {
		p.Lock = &LockState{HeldBy: lockHolder, AcquiredAt: *lockAt}
	}
	p.Collaborators, err = s.collaborators(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPlaylistByCode(ctx context.Context, code string) (*CollaborativePlaylist, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT id FROM collaborative_playlists WHERE invite_code = $1
	`, code).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: invite code", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.GetPlaylist(ctx, id)
}

// InviteCodeTaken is the uniqueness check used by code generation.
func (s *Store) InviteCodeTaken(ctx context.Context, code string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, `
		SELECT 1 FROM collaborative_playlists WHERE invite_code = $1
	`, code).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SetPlaylistStatus(ctx context.Context, id string, status PlaylistStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE collaborative_playlists SET status = $2, last_activity = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: playlist %s", ErrNotFound, id)
	}
	return nil
}

// AcquireLock takes the advisory lock used around destructive admin actions.
func (s *Store) AcquireLock(ctx context.Context, id, userID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE collaborative_playlists
		SET lock_holder = $2, lock_acquired_at = now()
		WHERE id = $1 AND lock_holder = ''
	`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: playlist locked", ErrForbidden)
	}
	return nil
}

func (s *Store) DeletePlaylist(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM collaborative_playlists WHERE id = $1`, id)
	return err
}

func (s *Store) collaborators(ctx context.Context, playlistID string) (map[string]Collaborator, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, display_name, permission, last_active, activity, joined_at
		FROM playlist_collaborators
		WHERE playlist_id = $1
		ORDER BY joined_at ASC
	`, playlistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]Collaborator{}
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.UserID, &c.DisplayName, &c.Permission, &c.LastActive, &c.Activity, &c.JoinedAt); err != nil {
			return nil, err
		}
		out[c.UserID] = c
	}
	return out, rows.Err()
}

func (s *Store) UpsertCollaborator(ctx context.Context, playlistID string, c *Collaborator) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO playlist_collaborators (playlist_id, user_id, display_name, permission, last_active, activity)
		VALUES ($1,$2,$3,$4,now(),$5)
		ON CONFLICT (playlist_id, user_id)
		DO UPDATE SET display_name = EXCLUDED.display_name, last_active = now()
	`, playlistID, c.UserID, c.DisplayName, c.Permission, c.Activity)
	return err
}

func (s *Store) SetCollaboratorPermission(ctx context.Context, playlistID, userID string, perm Permission) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE playlist_collaborators SET permission = $3
		WHERE playlist_id = $1 AND user_id = $2
	`, playlistID, userID, perm)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: collaborator %s", ErrNotFound, userID)
	}
	return nil
}

func (s *Store) RemoveCollaborator(ctx context.Context, playlistID, userID string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM playlist_collaborators WHERE playlist_id = $1 AND user_id = $2
	`, playlistID, userID)
	return err
}

func (s *Store) InsertOperation(ctx context.Context, op *PlaylistOperation) error {
	clock, err := json.Marshal(op.Clock)
	if err != nil {
		return err
	}
	deps, err := json.Marshal(op.Dependencies)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO playlist_operations (id, playlist_id, user_id, type, payload, vclock, deps, ts, status, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING
	`, op.ID, op.PlaylistID, op.UserID, op.Type, []byte(op.Payload), clock, deps, op.Timestamp, op.Status, op.Version)
	return err
}

// ApplyOperation commits an operation atomically with the version bump and
// the refreshed projection cache. The WHERE version = $n clause is the
// compare-and-set: losing the race affects zero rows and returns
// ErrVersionConflict so the caller can reload and retry. Two appliers can
// never produce the same resulting version.
func (s *Store) ApplyOperation(ctx context.Context, op *PlaylistOperation, pr *Projection, expectedVersion int64) error {
	clips, err := json.Marshal(pr.Clips)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE collaborative_playlists
		SET version = version + 1,
			name = $3,
			description = $4,
			is_public = $5,
			default_permission = $6,
			drinking_sound_url = $7,
			clips = $8,
			last_activity = now()
		WHERE id = $1 AND version = $2
	`, op.PlaylistID, expectedVersion, pr.Name, pr.Description, pr.IsPublic, pr.DefaultPermission, pr.DrinkingSoundURL, clips)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	clock, err := json.Marshal(op.Clock)
	if err != nil {
		return err
	}
	deps, err := json.Marshal(op.Dependencies)
	if err != nil {
		return err
	}
	// An accepted resolution re-applies a previously pending row with a
	// merged clock and extended dependencies; the upsert must carry those
	// so replicas rebuilding from the store sort it the same way replicas
	// that saw the feed did.
	if _, err := tx.Exec(ctx, `
		INSERT INTO playlist_operations (id, playlist_id, user_id, type, payload, vclock, deps, ts, status, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'applied',$9)
		ON CONFLICT (id) DO UPDATE
		SET status = 'applied', version = EXCLUDED.version,
		    vclock = EXCLUDED.vclock, deps = EXCLUDED.deps
	`, op.ID, op.PlaylistID, op.UserID, op.Type, []byte(op.Payload), clock, deps, op.Timestamp, expectedVersion+1); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) SetOperationStatus(ctx context.Context, opID string, status OperationStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE playlist_operations SET status = $2 WHERE id = $1
	`, opID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: operation %s", ErrNotFound, opID)
	}
	return nil
}

// RecentOperations returns the most recent limit operations in ascending
// timestamp order: the bounded operationHistory window.
func (s *Store) RecentOperations(ctx context.Context, playlistID string, limit int) ([]PlaylistOperation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, playlist_id, user_id, type, payload, vclock, deps, ts, status, version
		FROM (
			SELECT * FROM playlist_operations
			WHERE playlist_id = $1
			ORDER BY ts DESC
			LIMIT $2
		) w
		ORDER BY ts ASC
	`, playlistID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOperations(rows)
}

func (s *Store) PendingOperations(ctx context.Context, playlistID string) ([]PlaylistOperation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, playlist_id, user_id, type, payload, vclock, deps, ts, status, version
		FROM playlist_operations
		WHERE playlist_id = $1 AND status = 'pending'
		ORDER BY ts ASC
	`, playlistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOperations(rows)
}

func (s *Store) OperationByID(ctx context.Context, opID string) (*PlaylistOperation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, playlist_id, user_id, type, payload, vclock, deps, ts, status, version
		FROM playlist_operations
		WHERE id = $1
	`, opID)
	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: operation %s", ErrNotFound, opID)
	}
	return op, err
}

func scanOperations(rows pgx.Rows) ([]PlaylistOperation, error) {
	var out []PlaylistOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

func scanOperation(row pgx.Row) (*PlaylistOperation, error) {
	var (
		op      PlaylistOperation
		payload []byte
		clock   []byte
		deps    []byte
	)
	if err := row.Scan(&op.ID, &op.PlaylistID, &op.UserID, &op.Type, &payload, &clock, &deps, &op.Timestamp, &op.Status, &op.Version); err != nil {
		return nil, err
	}
	op.Payload = json.RawMessage(payload)
	if len(clock) > 0 {
		if err := json.Unmarshal(clock, &op.Clock); err != nil {
			return nil, fmt.Errorf("decode clock for %s: %w", op.ID, err)
		}
	}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &op.Dependencies); err != nil {
			return nil, fmt.Errorf("decode deps for %s: %w", op.ID, err)
		}
	}
	return &op, nil
}

// InsertResolution stores a resolution. Resolutions are unique per contested
// operation; a second insert for the same operation is ignored and the
// stored record returned, which is what makes resolution idempotent.
func (s *Store) InsertResolution(ctx context.Context, res *ConflictResolution) (*ConflictResolution, error) {
	var merged []byte
	if res.MergedOp != nil {
		b, err := json.Marshal(res.MergedOp)
		if err != nil {
			return nil, err
		}
		merged = b
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO conflict_resolutions (id, playlist_id, operation_id, verdict, merged_operation, reason, resolved_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (operation_id) DO NOTHING
	`, res.ID, res.PlaylistID, res.OperationID, res.Verdict, merged, res.Reason, res.ResolvedBy, res.CreatedAt)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return s.ResolutionFor(ctx, res.OperationID)
	}
	return res, nil
}

func (s *Store) ResolutionFor(ctx context.Context, opID string) (*ConflictResolution, error) {
	var (
		res    ConflictResolution
		merged []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, playlist_id, operation_id, verdict, merged_operation, reason, resolved_by, created_at
		FROM conflict_resolutions
		WHERE operation_id = $1
	`, opID).Scan(&res.ID, &res.PlaylistID, &res.OperationID, &res.Verdict, &merged, &res.Reason, &res.ResolvedBy, &res.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(merged) > 0 {
		res.MergedOp = &PlaylistOperation{}
		if err := json.Unmarshal(merged, res.MergedOp); err != nil {
			return nil, fmt.Errorf("decode merged operation: %w", err)
		}
	}
	return &res, nil
}

func (s *Store) InsertInvitation(ctx context.Context, inv *CollaborationInvitation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO collaboration_invitations
			(id, playlist_id, playlist_name, inviter_id, invitee_email, invitee_user_id, permission, code, status, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, inv.ID, inv.PlaylistID, inv.PlaylistName, inv.InviterID, inv.InviteeEmail, inv.InviteeUserID,
		inv.Permission, inv.Code, inv.Status, inv.CreatedAt, inv.ExpiresAt)
	return err
}

func (s *Store) GetInvitation(ctx context.Context, id string) (*CollaborationInvitation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, playlist_id, playlist_name, inviter_id, invitee_email, invitee_user_id, permission, code, status, created_at, expires_at
		FROM collaboration_invitations
		WHERE id = $1
	`, id)
	inv, err := scanInvitation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: invitation %s", ErrNotFound, id)
	}
	return inv, err
}

// InvitationsFor lists invitations addressed to a user by resolved id or by
// the email their identity carries.
func (s *Store) InvitationsFor(ctx context.Context, userID, email string) ([]CollaborationInvitation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, playlist_id, playlist_name, inviter_id, invitee_email, invitee_user_id, permission, code, status, created_at, expires_at
		FROM collaboration_invitations
		WHERE invitee_user_id = $1 OR (invitee_email <> '' AND invitee_email = $2)
		ORDER BY created_at DESC
	`, userID, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CollaborationInvitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func scanInvitation(row pgx.Row) (*CollaborationInvitation, error) {
	var inv CollaborationInvitation
	err := row.Scan(&inv.ID, &inv.PlaylistID, &inv.PlaylistName, &inv.InviterID, &inv.InviteeEmail,
		&inv.InviteeUserID, &inv.Permission, &inv.Code, &inv.Status, &inv.CreatedAt, &inv.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// TransitionInvitation moves an invitation out of pending. The WHERE status
// clause makes the transition one-way: a second transition affects zero
// rows.
func (s *Store) TransitionInvitation(ctx context.Context, id string, to InvitationStatus) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE collaboration_invitations SET status = $2
		WHERE id = $1 AND status = 'pending'
	`, id, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireInvitations marks every pending invitation past its TTL. Run by the
// background sweeper.
func (s *Store) ExpireInvitations(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE collaboration_invitations SET status = 'expired'
		WHERE status = 'pending' AND expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) InsertNotification(ctx context.Context, n *CollaborationNotification) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO collaboration_notifications (id, to_user_id, playlist_id, type, message, is_read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, n.ID, n.ToUserID, n.PlaylistID, n.Type, n.Message, n.IsRead, n.CreatedAt)
	return err
}

func (s *Store) NotificationsFor(ctx context.Context, userID string, limit int) ([]CollaborationNotification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, to_user_id, playlist_id, type, message, is_read, created_at
		FROM collaboration_notifications
		WHERE to_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CollaborationNotification
	for rows.Next() {
		var n CollaborationNotification
		if err := rows.Scan(&n.ID, &n.ToUserID, &n.PlaylistID, &n.Type, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, id, userID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE collaboration_notifications SET is_read = TRUE
		WHERE id = $1 AND to_user_id = $2
	`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %s", ErrNotFound, id)
	}
	return nil
}
