package postgres

import (
	"context"
	"time"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
	"github.com/yourhiddentrip/tripcollab/internal/service"
)

// Join runs under the session row lock, so two parallel joins cannot
// exceed max and their roster entries are logged in commit order.
func (s *Store) Join(ctx context.Context, sessionID string, p domain.Participant, max int) (domain.Update, []domain.Participant, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Update{}, nil, err
	}
	defer tx.Rollback(ctx)

	if err := lockSession(ctx, tx, sessionID); err != nil {
		return domain.Update{}, nil, err
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM collab_participants WHERE session_id=$1 AND user_id=$2)`,
		sessionID, p.UserID).Scan(&exists); err != nil {
		return domain.Update{}, nil, err
	}
	if !exists && max > 0 {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM collab_participants WHERE session_id=$1`, sessionID).Scan(&count); err != nil {
			return domain.Update{}, nil, err
		}
		if count >= max {
			return domain.Update{}, nil, domain.ErrSessionFull
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO collab_participants (session_id, user_id, display_name, avatar_url, joined_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, user_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    avatar_url   = EXCLUDED.avatar_url,
		    last_seen    = EXCLUDED.last_seen
	`, sessionID, p.UserID, p.DisplayName, p.AvatarURL, p.JoinedAt, p.LastSeen); err != nil {
		return domain.Update{}, nil, err
	}

	roster, err := listParticipants(ctx, tx, sessionID)
	if err != nil {
		return domain.Update{}, nil, err
	}
	u, err := appendUpdate(ctx, tx, sessionID, domain.RosterUpdate(domain.UpdateUserJoined, p.UserID, roster))
	if err != nil {
		return domain.Update{}, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Update{}, nil, err
	}
	return u, roster, nil
}

func (s *Store) Leave(ctx context.Context, sessionID, userID string) (domain.Update, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Update{}, false, err
	}
	defer tx.Rollback(ctx)

	if err := lockSession(ctx, tx, sessionID); err != nil {
		return domain.Update{}, false, err
	}
	cmd, err := tx.Exec(ctx,
		`DELETE FROM collab_participants WHERE session_id=$1 AND user_id=$2`, sessionID, userID)
	if err != nil {
		return domain.Update{}, false, err
	}
	if cmd.RowsAffected() == 0 {
		return domain.Update{}, false, nil
	}

	roster, err := listParticipants(ctx, tx, sessionID)
	if err != nil {
		return domain.Update{}, false, err
	}
	u, err := appendUpdate(ctx, tx, sessionID, domain.RosterUpdate(domain.UpdateUserLeft, userID, roster))
	if err != nil {
		return domain.Update{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Update{}, false, err
	}
	return u, true, nil
}

func (s *Store) Touch(ctx context.Context, sessionID, userID string, at time.Time) error {
	cmd, err := s.db.Exec(ctx,
		`UPDATE collab_participants SET last_seen=GREATEST(last_seen, $3) WHERE session_id=$1 AND user_id=$2`,
		sessionID, userID, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}
	ok, err := sessionExists(ctx, s.db, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrSessionNotFound
	}
	return domain.ErrNotParticipant
}

func (s *Store) Participants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	return listParticipants(ctx, s.db, sessionID)
}

func (s *Store) Stale(ctx context.Context, before time.Time) ([]service.Presence, error) {
	rows, err := s.db.Query(ctx,
		`SELECT session_id, user_id, last_seen FROM collab_participants WHERE last_seen < $1 ORDER BY last_seen`,
		before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []service.Presence
	for rows.Next() {
		var p service.Presence
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func listParticipants(ctx context.Context, q querier, sessionID string) ([]domain.Participant, error) {
	rows, err := q.Query(ctx, `
		SELECT user_id, display_name, avatar_url, joined_at, last_seen
		FROM collab_participants
		WHERE session_id=$1
		ORDER BY joined_at, user_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]domain.Participant, 0, 8)
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.JoinedAt, &p.LastSeen); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
