package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

var errStreamClosed = errors.New("stream closed")

type fakeStream struct {
	msgs   chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		msgs:   make(chan []byte, 256),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Recv() ([]byte, error) {
	select {
	case <-s.closed:
		return nil, errStreamClosed
	default:
	}
	select {
	case m := <-s.msgs:
		return m, nil
	case err := <-s.fail:
		return nil, err
	case <-s.closed:
		return nil, errStreamClosed
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) push(raw []byte) {
	if s.isClosed() {
		return
	}
	s.msgs <- raw
}

func (s *fakeStream) send(u domain.Update) {
	raw, _ := json.Marshal(u)
	s.push(raw)
}

// fakeHub is an in-memory session manager for a single session that
// assigns watermarks and fans updates out to open streams.
type fakeHub struct {
	mu      sync.Mutex
	seq     int64
	log     []domain.Update
	roster  []domain.Participant
	streams []*fakeStream

	joinErr error
	actErr  error
	dialErr error

	dials  int
	polls  int
	acts   []Action
	leaves []string
}

func newFakeHub() *fakeHub { return &fakeHub{} }

func (h *fakeHub) Join(_ context.Context, req JoinRequest) (JoinResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.joinErr != nil {
		return JoinResult{}, h.joinErr
	}
	sid := req.SessionID
	if sid == "" {
		sid = "s1"
	}
	h.roster = append(h.roster, domain.Participant{
		UserID:      req.Profile.UserID,
		DisplayName: req.Profile.DisplayName,
		JoinedAt:    epoch,
		LastSeen:    epoch,
	})
	h.appendLocked(domain.Update{
		Type:   domain.UpdateUserJoined,
		UserID: req.Profile.UserID,
		Data:   domain.MustData(domain.RosterPayload{UserID: req.Profile.UserID, Participants: h.roster}),
	})
	return JoinResult{
		SessionID:    sid,
		TripID:       req.TripID,
		UserID:       req.Profile.UserID,
		Participants: append([]domain.Participant(nil), h.roster...),
		Watermark:    h.seq,
	}, nil
}

func (h *fakeHub) Leave(_ context.Context, _ string, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaves = append(h.leaves, userID)
	for i, p := range h.roster {
		if p.UserID == userID {
			h.roster = append(h.roster[:i:i], h.roster[i+1:]...)
			break
		}
	}
	h.appendLocked(domain.Update{
		Type:   domain.UpdateUserLeft,
		UserID: userID,
		Data:   domain.MustData(domain.RosterPayload{UserID: userID, Participants: h.roster}),
	})
	return nil
}

func (h *fakeHub) Updates(_ context.Context, _, _ string, since int64) ([]domain.Update, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.polls++
	var out []domain.Update
	for _, u := range h.log {
		if u.Timestamp > since {
			out = append(out, u)
		}
	}
	return out, nil
}

func (h *fakeHub) Act(_ context.Context, a Action) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acts = append(h.acts, a)
	if h.actErr != nil {
		return h.actErr
	}
	u := domain.Update{Type: a.Type, UserID: a.UserID, Data: a.Data}
	if !a.Type.Logged() {
		h.broadcastLocked(u)
		return nil
	}
	h.appendLocked(u)
	return nil
}

func (h *fakeHub) Stream(_ context.Context, _, _ string, since int64) (Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	st := newFakeStream()
	for _, u := range h.log {
		if u.Timestamp > since {
			st.send(u)
		}
	}
	h.streams = append(h.streams, st)
	return st, nil
}

func (h *fakeHub) appendLocked(u domain.Update) {
	h.seq++
	u.Timestamp = h.seq
	h.log = append(h.log, u)
	h.broadcastLocked(u)
}

// appendQuiet logs u without broadcasting it, like a publish that has not
// reached the stream yet.
func (h *fakeHub) appendQuiet(u domain.Update) domain.Update {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	u.Timestamp = h.seq
	h.log = append(h.log, u)
	return u
}

func (h *fakeHub) pollCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.polls
}

func (h *fakeHub) broadcastLocked(u domain.Update) {
	for _, st := range h.streams {
		st.send(u)
	}
}

func (h *fakeHub) openStreams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, st := range h.streams {
		if !st.isClosed() {
			n++
		}
	}
	return n
}

func (h *fakeHub) lastStream() *fakeStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.streams) == 0 {
		return nil
	}
	return h.streams[len(h.streams)-1]
}

func (h *fakeHub) head() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

func (h *fakeHub) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

func (h *fakeHub) setDialErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialErr = err
}

// recorder collects events from a listener.
type recorder struct {
	mu  sync.Mutex
	evs []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) count(kind EventKind, match func(Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evs {
		if ev.Kind == kind && (match == nil || match(ev)) {
			n++
		}
	}
	return n
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.evs {
		if ev.Kind == EventNotification {
			out = append(out, ev.Message)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
