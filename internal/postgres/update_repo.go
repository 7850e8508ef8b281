package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

func (s *Store) Append(ctx context.Context, sessionID string, u domain.Update) (domain.Update, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Update{}, err
	}
	defer tx.Rollback(ctx)

	u, err = appendUpdate(ctx, tx, sessionID, u)
	if err != nil {
		return domain.Update{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Update{}, err
	}
	return u, nil
}

// appendUpdate bumps the session head and stores u under the new value.
// The UPDATE holds the row lock until the transaction ends, so watermarks
// are gap free and commit in order.
func appendUpdate(ctx context.Context, tx pgx.Tx, sessionID string, u domain.Update) (domain.Update, error) {
	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE collab_sessions SET head = head + 1 WHERE id=$1 RETURNING head`, sessionID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Update{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Update{}, err
	}

	var data []byte
	if len(u.Data) > 0 {
		data = u.Data
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO collab_updates (session_id, seq, type, user_id, data) VALUES ($1, $2, $3, $4, $5)`,
		sessionID, seq, string(u.Type), u.UserID, data); err != nil {
		return domain.Update{}, err
	}
	u.Timestamp = seq
	return u, nil
}

func (s *Store) Since(ctx context.Context, sessionID string, since int64, limit int) ([]domain.Update, error) {
	rows, err := s.db.Query(ctx, `
		SELECT seq, type, user_id, data
		FROM collab_updates
		WHERE session_id=$1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, sessionID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Update, 0, 16)
	for rows.Next() {
		var (
			u    domain.Update
			typ  string
			data []byte
		)
		if err := rows.Scan(&u.Timestamp, &typ, &u.UserID, &data); err != nil {
			return nil, err
		}
		u.Type = domain.UpdateType(typ)
		u.Data = data
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		ok, err := sessionExists(ctx, s.db, sessionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrSessionNotFound
		}
	}
	return out, nil
}
