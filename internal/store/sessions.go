package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/compass/internal/session"
)

// Store satisfies session.Store so that several compass processes can share
// one session table.
var _ session.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, sess session.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO compass_sessions (session_id, owner_id, external_actor_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
		    external_actor_id = EXCLUDED.external_actor_id,
		    created_at = EXCLUDED.created_at`,
		sess.ID, sess.OwnerID, sess.ExternalActorID, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (session.Session, bool, error) {
	var sess session.Session
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, owner_id, external_actor_id, created_at
		FROM compass_sessions WHERE session_id = $1`, id,
	).Scan(&sess.ID, &sess.OwnerID, &sess.ExternalActorID, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, fmt.Errorf("get session: %w", err)
	}
	return sess, true, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM compass_sessions WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
