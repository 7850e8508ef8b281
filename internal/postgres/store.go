package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
	"github.com/yourhiddentrip/tripcollab/internal/service"
)

// querier is satisfied by the pool and by transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db *pgxpool.Pool
}

var _ service.Store = (*Store)(nil)

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO collab_sessions (id, trip_id, head, created_at) VALUES ($1, $2, 0, $3)`,
		sess.ID, sess.TripID, sess.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrInvalidArgument
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var sess domain.Session
	err := s.db.QueryRow(ctx,
		`SELECT id, trip_id, head, created_at FROM collab_sessions WHERE id=$1`, id).
		Scan(&sess.ID, &sess.TripID, &sess.Head, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return sess, err
}

// lockSession takes the row lock that serializes roster changes of a
// session.
func lockSession(ctx context.Context, tx pgx.Tx, sessionID string) error {
	var head int64
	err := tx.QueryRow(ctx, `SELECT head FROM collab_sessions WHERE id=$1 FOR UPDATE`, sessionID).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrSessionNotFound
	}
	return err
}

func sessionExists(ctx context.Context, q querier, sessionID string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM collab_sessions WHERE id=$1)`, sessionID).Scan(&ok)
	return ok, err
}
