package service

import (
	"context"
	"time"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

// Store owns the durable state of sessions. Every method that appends to
// the log assigns the next watermark of the session atomically with the
// write.
type Store interface {
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)

	// Join adds p, or refreshes it when already present, and appends a
	// user_joined entry carrying the resulting roster. Returns
	// domain.ErrSessionFull when p is new and the session has max
	// participants.
	Join(ctx context.Context, sessionID string, p domain.Participant, max int) (domain.Update, []domain.Participant, error)
	// Leave removes the participant and appends user_left. ok is false
	// when userID was not in the session.
	Leave(ctx context.Context, sessionID, userID string) (u domain.Update, ok bool, err error)

	Touch(ctx context.Context, sessionID, userID string, at time.Time) error
	Participants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	// Stale lists participants of every session last seen before t.
	Stale(ctx context.Context, before time.Time) ([]Presence, error)

	Append(ctx context.Context, sessionID string, u domain.Update) (domain.Update, error)
	// Since returns at most limit entries with a watermark above since,
	// ascending.
	Since(ctx context.Context, sessionID string, since int64, limit int) ([]domain.Update, error)
}

type Presence struct {
	SessionID string
	UserID    string
	LastSeen  time.Time
}

// Publisher fans updates out to connected clients.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, u domain.Update) error
}

type TokenIssuer interface {
	Issue(userID, sessionID string) (string, error)
}

type PublisherFunc func(ctx context.Context, sessionID string, u domain.Update) error

func (f PublisherFunc) Publish(ctx context.Context, sessionID string, u domain.Update) error {
	return f(ctx, sessionID, u)
}
