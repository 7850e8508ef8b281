package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/yourhiddentrip/tripcollab/internal/clock"
	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

const maxCommentLen = 4000

const orderStripes = 64

// orderLocks serializes the append and publish of one session's updates so
// subscribers receive them in watermark order.
type orderLocks [orderStripes]sync.Mutex

func (l *orderLocks) lock(sessionID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	m := &l[h.Sum32()%orderStripes]
	m.Lock()
	return m.Unlock
}

type Options struct {
	MaxParticipants int
	HeartbeatWindow time.Duration
	SweepInterval   time.Duration
	PageLimit       int
	Clock           clock.Clock
	Logger          *slog.Logger
}

type SessionService struct {
	store  Store
	pub    Publisher
	tokens TokenIssuer
	opts   Options
	log    *slog.Logger
	order  orderLocks
}

func NewSessionService(store Store, pub Publisher, tokens TokenIssuer, opts Options) *SessionService {
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = 10
	}
	if opts.HeartbeatWindow <= 0 {
		opts.HeartbeatWindow = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 500
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SessionService{
		store:  store,
		pub:    pub,
		tokens: tokens,
		opts:   opts,
		log:    opts.Logger.With("component", "session"),
	}
}

// CreateSession starts an empty session for tripID.
func (s *SessionService) CreateSession(ctx context.Context, tripID string) (domain.Session, error) {
	tripID = strings.TrimSpace(tripID)
	if tripID == "" {
		return domain.Session{}, fmt.Errorf("%w: trip_id is required", domain.ErrInvalidArgument)
	}
	sess := domain.Session{
		ID:        uuid.NewString(),
		TripID:    tripID,
		CreatedAt: s.opts.Clock.Now().UTC(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, fmt.Errorf("store.CreateSession: %w", err)
	}
	s.log.Info("session created", "session", sess.ID, "trip", tripID)
	return sess, nil
}

type JoinInput struct {
	SessionID string
	TripID    string
	UserID    string
	Name      string
	Avatar    string
}

type JoinOutput struct {
	Session      domain.Session
	UserID       string
	Participants []domain.Participant
	Token        string
	// Watermark is the position of the user's own user_joined entry.
	Watermark int64
}

// Join enters in.SessionID, or a new session for in.TripID when the id is
// empty. Joining again refreshes the participant.
func (s *SessionService) Join(ctx context.Context, in JoinInput) (JoinOutput, error) {
	var (
		sess domain.Session
		err  error
	)
	if strings.TrimSpace(in.SessionID) == "" {
		sess, err = s.CreateSession(ctx, in.TripID)
	} else {
		sess, err = s.store.GetSession(ctx, in.SessionID)
	}
	if err != nil {
		return JoinOutput{}, err
	}

	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		userID = uuid.NewString()
	}
	now := s.opts.Clock.Now().UTC()
	p := domain.Participant{
		UserID:      userID,
		DisplayName: strings.TrimSpace(in.Name),
		AvatarURL:   strings.TrimSpace(in.Avatar),
		JoinedAt:    now,
		LastSeen:    now,
	}

	unlock := s.order.lock(sess.ID)
	u, roster, err := s.store.Join(ctx, sess.ID, p, s.opts.MaxParticipants)
	if err != nil {
		unlock()
		return JoinOutput{}, fmt.Errorf("store.Join: %w", err)
	}
	s.publish(ctx, sess.ID, u)
	unlock()

	token, err := s.tokens.Issue(userID, sess.ID)
	if err != nil {
		return JoinOutput{}, fmt.Errorf("issue token: %w", err)
	}
	sess.Head = u.Timestamp

	s.log.Info("participant joined", "session", sess.ID, "user", userID, "participants", len(roster))
	return JoinOutput{
		Session:      sess,
		UserID:       userID,
		Participants: roster,
		Token:        token,
		Watermark:    u.Timestamp,
	}, nil
}

// Updates is the poll path. It doubles as the presence heartbeat.
func (s *SessionService) Updates(ctx context.Context, sessionID, userID string, since int64, limit int) ([]domain.Update, error) {
	if err := s.Touch(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return s.Since(ctx, sessionID, since, limit)
}

// Since reads the log without touching presence.
func (s *SessionService) Since(ctx context.Context, sessionID string, since int64, limit int) ([]domain.Update, error) {
	if limit <= 0 || limit > s.opts.PageLimit {
		limit = s.opts.PageLimit
	}
	if since < 0 {
		since = 0
	}
	us, err := s.store.Since(ctx, sessionID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("store.Since: %w", err)
	}
	return us, nil
}

func (s *SessionService) Touch(ctx context.Context, sessionID, userID string) error {
	return s.store.Touch(ctx, sessionID, userID, s.opts.Clock.Now().UTC())
}

// Act accepts a participant action. Cursor moves are broadcast only and
// carry no watermark; everything else is appended to the log first.
func (s *SessionService) Act(ctx context.Context, sessionID, userID string, t domain.UpdateType, data json.RawMessage) (domain.Update, error) {
	if err := domain.ValidatePayload(t, data); err != nil {
		return domain.Update{}, err
	}
	if err := s.Touch(ctx, sessionID, userID); err != nil {
		return domain.Update{}, err
	}

	if t == domain.UpdateAddComment {
		var err error
		if data, err = s.stampComment(userID, data); err != nil {
			return domain.Update{}, err
		}
	}

	u := domain.Update{Type: t, UserID: userID, Data: data}
	if !t.Logged() {
		s.publish(ctx, sessionID, u)
		return u, nil
	}

	unlock := s.order.lock(sessionID)
	u, err := s.store.Append(ctx, sessionID, u)
	if err != nil {
		unlock()
		return domain.Update{}, fmt.Errorf("store.Append: %w", err)
	}
	s.publish(ctx, sessionID, u)
	unlock()
	s.log.Debug("action applied", "session", sessionID, "user", userID, "type", t, "watermark", u.Timestamp)
	return u, nil
}

// stampComment binds the comment to its author and fills the creation
// time when the client left it empty.
func (s *SessionService) stampComment(userID string, data json.RawMessage) (json.RawMessage, error) {
	var c domain.Comment
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidUpdate, err)
	}
	c.Text = strings.TrimSpace(c.Text)
	if utf8.RuneCountInString(c.Text) > maxCommentLen {
		return nil, fmt.Errorf("%w: comment too long", domain.ErrInvalidUpdate)
	}
	c.UserID = userID
	if c.CommentID == "" {
		c.CommentID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.opts.Clock.Now().UTC()
	}
	return domain.MustData(c), nil
}

func (s *SessionService) Leave(ctx context.Context, sessionID, userID string) error {
	ok, err := s.leave(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotParticipant
	}
	s.log.Info("participant left", "session", sessionID, "user", userID)
	return nil
}

func (s *SessionService) leave(ctx context.Context, sessionID, userID string) (bool, error) {
	defer s.order.lock(sessionID)()
	u, ok, err := s.store.Leave(ctx, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("store.Leave: %w", err)
	}
	if ok {
		s.publish(ctx, sessionID, u)
	}
	return ok, nil
}

func (s *SessionService) Participants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.Participants(ctx, sessionID)
}

// SweepInactive drops participants that have not been seen within the
// heartbeat window and reports how many were removed.
func (s *SessionService) SweepInactive(ctx context.Context) (int, error) {
	before := s.opts.Clock.Now().UTC().Add(-s.opts.HeartbeatWindow)
	stale, err := s.store.Stale(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("store.Stale: %w", err)
	}
	n := 0
	for _, p := range stale {
		ok, err := s.leave(ctx, p.SessionID, p.UserID)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		n++
		s.log.Info("participant timed out", "session", p.SessionID, "user", p.UserID, "last_seen", p.LastSeen)
	}
	return n, nil
}

// Run sweeps on every interval until ctx is done. Intervals are measured
// on the service clock, from the end of the previous sweep.
func (s *SessionService) Run(ctx context.Context) error {
	tick := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return s.opts.Clock.AfterFunc(s.opts.SweepInterval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}
	timer := arm()
	defer func() { timer.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if _, err := s.SweepInactive(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("sweep failed", "err", err)
			}
			timer = arm()
		}
	}
}

// publish is best effort: the update is durable already and pollers
// catch up.
func (s *SessionService) publish(ctx context.Context, sessionID string, u domain.Update) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, sessionID, u); err != nil {
		s.log.Warn("publish failed", "session", sessionID, "type", u.Type, "err", err)
	}
}
