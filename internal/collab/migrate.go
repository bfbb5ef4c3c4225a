package collab

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

func AutoMigrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS collaborative_playlists (
          id                 uuid PRIMARY KEY DEFAULT gen_random_uuid(),
          owner_id           TEXT NOT NULL,
          name               TEXT NOT NULL,
          description        TEXT NOT NULL DEFAULT '',
          is_public          BOOLEAN NOT NULL DEFAULT TRUE,
          default_permission TEXT NOT NULL DEFAULT 'viewer',
          invite_code        TEXT NOT NULL DEFAULT '',
          status             TEXT NOT NULL DEFAULT 'active',
          version            BIGINT NOT NULL DEFAULT 0,
          drinking_sound_url TEXT NOT NULL DEFAULT '',
          clips              JSONB NOT NULL DEFAULT '[]',
          lock_holder        TEXT NOT NULL DEFAULT '',
          lock_acquired_at   TIMESTAMPTZ,
          created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
          last_activity      TIMESTAMPTZ NOT NULL DEFAULT now()
      )
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE UNIQUE INDEX IF NOT EXISTS idx_playlists_invite_code
      ON collaborative_playlists(invite_code)
      WHERE invite_code <> ''
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS playlist_collaborators (
          playlist_id  uuid NOT NULL REFERENCES collaborative_playlists(id) ON DELETE CASCADE,
          user_id      TEXT NOT NULL,
          display_name TEXT NOT NULL DEFAULT '',
          permission   TEXT NOT NULL DEFAULT 'viewer',
          activity     TEXT NOT NULL DEFAULT '',
          last_active  TIMESTAMPTZ NOT NULL DEFAULT now(),
          joined_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
          PRIMARY KEY (playlist_id, user_id)
      )
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS playlist_operations (
          id          uuid PRIMARY KEY,
          playlist_id uuid NOT NULL REFERENCES collaborative_playlists(id) ON DELETE CASCADE,
          user_id     TEXT NOT NULL,
          type        TEXT NOT NULL,
          payload     JSONB NOT NULL DEFAULT '{}',
          vclock      JSONB NOT NULL DEFAULT '{}',
          deps        JSONB NOT NULL DEFAULT '[]',
          ts          TIMESTAMPTZ NOT NULL,
          status      TEXT NOT NULL DEFAULT 'applied',
          version     BIGINT NOT NULL DEFAULT 0
      )
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE INDEX IF NOT EXISTS idx_operations_playlist_ts
      ON playlist_operations(playlist_id, ts DESC)
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS conflict_resolutions (
          id               uuid PRIMARY KEY,
          playlist_id      uuid NOT NULL REFERENCES collaborative_playlists(id) ON DELETE CASCADE,
          operation_id     uuid NOT NULL UNIQUE,
          verdict          TEXT NOT NULL,
          merged_operation JSONB,
          reason           TEXT NOT NULL DEFAULT '',
          resolved_by      TEXT NOT NULL,
          created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
      )
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS collaboration_invitations (
          id              uuid PRIMARY KEY,
          playlist_id     uuid NOT NULL REFERENCES collaborative_playlists(id) ON DELETE CASCADE,
          playlist_name   TEXT NOT NULL DEFAULT '',
          inviter_id      TEXT NOT NULL,
          invitee_email   TEXT NOT NULL DEFAULT '',
          invitee_user_id TEXT NOT NULL DEFAULT '',
          permission      TEXT NOT NULL DEFAULT 'viewer',
          code            TEXT NOT NULL DEFAULT '',
          status          TEXT NOT NULL DEFAULT 'pending',
          created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
          expires_at      TIMESTAMPTZ NOT NULL
      )
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE INDEX IF NOT EXISTS idx_invitations_invitee
      ON collaboration_invitations(invitee_user_id, invitee_email)
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS collaboration_notifications (
          id          uuid PRIMARY KEY,
          to_user_id  TEXT NOT NULL,
          playlist_id uuid NOT NULL,
          type        TEXT NOT NULL,
          message     TEXT NOT NULL DEFAULT '',
          is_read     BOOLEAN NOT NULL DEFAULT FALSE,
          created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
      )
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE INDEX IF NOT EXISTS idx_notifications_user
      ON collaboration_notifications(to_user_id, created_at DESC)
    `); err != nil {
		return err
	}

	return nil
}
