// Package memstore keeps sessions in process memory. It backs dev runs
// and tests; everything is lost on restart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
	"github.com/yourhiddentrip/tripcollab/internal/service"
)

type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	meta         domain.Session
	participants []domain.Participant
	log          []domain.Update
}

var _ service.Store = (*Store)(nil)

func New() *Store {
	return &Store{sessions: make(map[string]*session)}
}

func (s *Store) CreateSession(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return domain.ErrInvalidArgument
	}
	sess.Head = 0
	s.sessions[sess.ID] = &session{meta: sess}
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return sess.meta, nil
}

func (s *Store) Join(_ context.Context, sessionID string, p domain.Participant, max int) (domain.Update, []domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.Update{}, nil, domain.ErrSessionNotFound
	}

	if i := sess.index(p.UserID); i >= 0 {
		cur := &sess.participants[i]
		cur.DisplayName, cur.AvatarURL = p.DisplayName, p.AvatarURL
		cur.LastSeen = p.LastSeen
	} else {
		if max > 0 && len(sess.participants) >= max {
			return domain.Update{}, nil, domain.ErrSessionFull
		}
		sess.participants = append(sess.participants, p)
	}

	roster := sess.roster()
	u := sess.append(domain.RosterUpdate(domain.UpdateUserJoined, p.UserID, roster))
	return u, roster, nil
}

func (s *Store) Leave(_ context.Context, sessionID, userID string) (domain.Update, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.Update{}, false, domain.ErrSessionNotFound
	}
	i := sess.index(userID)
	if i < 0 {
		return domain.Update{}, false, nil
	}
	sess.participants = append(sess.participants[:i:i], sess.participants[i+1:]...)
	u := sess.append(domain.RosterUpdate(domain.UpdateUserLeft, userID, sess.roster()))
	return u, true, nil
}

func (s *Store) Touch(_ context.Context, sessionID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	i := sess.index(userID)
	if i < 0 {
		return domain.ErrNotParticipant
	}
	if at.After(sess.participants[i].LastSeen) {
		sess.participants[i].LastSeen = at
	}
	return nil
}

func (s *Store) Participants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sess.roster(), nil
}

func (s *Store) Stale(_ context.Context, before time.Time) ([]service.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []service.Presence
	for id, sess := range s.sessions {
		for _, p := range sess.participants {
			if p.LastSeen.Before(before) {
				out = append(out, service.Presence{SessionID: id, UserID: p.UserID, LastSeen: p.LastSeen})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.Before(out[j].LastSeen) })
	return out, nil
}

func (s *Store) Append(_ context.Context, sessionID string, u domain.Update) (domain.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.Update{}, domain.ErrSessionNotFound
	}
	return sess.append(u), nil
}

func (s *Store) Since(_ context.Context, sessionID string, since int64, limit int) ([]domain.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	// log[i] has watermark i+1
	start := int(since)
	if start < 0 {
		start = 0
	}
	if start >= len(sess.log) {
		return []domain.Update{}, nil
	}
	end := len(sess.log)
	if limit > 0 && end-start > limit {
		end = start + limit
	}
	return append([]domain.Update(nil), sess.log[start:end]...), nil
}

func (s *session) index(userID string) int {
	for i, p := range s.participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (s *session) roster() []domain.Participant {
	return append([]domain.Participant{}, s.participants...)
}

func (s *session) append(u domain.Update) domain.Update {
	s.meta.Head++
	u.Timestamp = s.meta.Head
	s.log = append(s.log, u)
	return u
}
