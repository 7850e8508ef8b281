package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourhiddentrip/tripcollab/internal/clock"
	"github.com/yourhiddentrip/tripcollab/internal/domain"
	"github.com/yourhiddentrip/tripcollab/internal/memstore"
	"github.com/yourhiddentrip/tripcollab/internal/service"
)

type published struct {
	mu  sync.Mutex
	ups []domain.Update
}

func (p *published) Publish(_ context.Context, _ string, u domain.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ups = append(p.ups, u)
	return nil
}

func (p *published) types() []domain.UpdateType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.UpdateType, 0, len(p.ups))
	for _, u := range p.ups {
		out = append(out, u.Type)
	}
	return out
}

// stallingPublisher delays some publishes so that unordered senders would
// overtake each other.
type stallingPublisher struct {
	published
}

func (p *stallingPublisher) Publish(ctx context.Context, sessionID string, u domain.Update) error {
	if u.Timestamp%3 == 0 {
		time.Sleep(time.Millisecond)
	}
	return p.published.Publish(ctx, sessionID, u)
}

type tokens struct{}

func (tokens) Issue(userID, sessionID string) (string, error) {
	return userID + "@" + sessionID, nil
}

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, max int) (*service.SessionService, *published, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(start)
	pub := &published{}
	svc := service.NewSessionService(memstore.New(), pub, tokens{}, service.Options{
		MaxParticipants: max,
		HeartbeatWindow: 30 * time.Second,
		Clock:           clk,
	})
	return svc, pub, clk
}

func TestJoinStartsAndEntersSession(t *testing.T) {
	ctx := context.Background()
	svc, pub, _ := newService(t, 10)

	a, err := svc.Join(ctx, service.JoinInput{TripID: "trip-42", UserID: "A", Name: "Ann"})
	if err != nil {
		t.Fatalf("join A: %v", err)
	}
	if a.Session.ID == "" || a.Session.TripID != "trip-42" {
		t.Fatalf("session = %+v", a.Session)
	}
	if a.Watermark != 1 || a.Token != "A@"+a.Session.ID {
		t.Fatalf("watermark=%d token=%q", a.Watermark, a.Token)
	}

	b, err := svc.Join(ctx, service.JoinInput{SessionID: a.Session.ID, Name: "Bo"})
	if err != nil {
		t.Fatalf("join B: %v", err)
	}
	if b.UserID == "" {
		t.Fatalf("anonymous user id not generated")
	}
	if len(b.Participants) != 2 || b.Participants[0].UserID != "A" || b.Watermark != 2 {
		t.Fatalf("B join = %+v", b)
	}

	var roster domain.RosterPayload
	if err := json.Unmarshal(pub.ups[1].Data, &roster); err != nil {
		t.Fatalf("roster payload: %v", err)
	}
	if roster.UserID != b.UserID || len(roster.Participants) != 2 {
		t.Fatalf("published roster = %+v", roster)
	}
}

func TestJoinErrors(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 2)

	if _, err := svc.Join(ctx, service.JoinInput{SessionID: "nope", UserID: "A"}); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("unknown session: %v", err)
	}
	if _, err := svc.Join(ctx, service.JoinInput{UserID: "A"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("missing trip: %v", err)
	}

	a, err := svc.Join(ctx, service.JoinInput{TripID: "t", UserID: "A"})
	if err != nil {
		t.Fatalf("join A: %v", err)
	}
	if _, err := svc.Join(ctx, service.JoinInput{SessionID: a.Session.ID, UserID: "B"}); err != nil {
		t.Fatalf("join B: %v", err)
	}
	if _, err := svc.Join(ctx, service.JoinInput{SessionID: a.Session.ID, UserID: "C"}); !errors.Is(err, domain.ErrSessionFull) {
		t.Fatalf("expected ErrSessionFull, got %v", err)
	}
	// an existing participant may rejoin a full session
	if _, err := svc.Join(ctx, service.JoinInput{SessionID: a.Session.ID, UserID: "A", Name: "Ann"}); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
}

func TestActAppendsAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	svc, pub, _ := newService(t, 10)
	a, _ := svc.Join(ctx, service.JoinInput{TripID: "t", UserID: "A"})
	sid := a.Session.ID

	u, err := svc.Act(ctx, sid, "A", domain.UpdateAddStop, domain.MustData(domain.Stop{StopID: "s1", Name: "Louvre"}))
	if err != nil {
		t.Fatalf("add stop: %v", err)
	}
	if u.Timestamp != 2 || u.UserID != "A" {
		t.Fatalf("update = %+v", u)
	}

	cur, err := svc.Act(ctx, sid, "A", domain.UpdateCursorMove, domain.MustData(domain.Cursor{X: 1, Y: 2}))
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cur.Timestamp != 0 {
		t.Fatalf("cursor move got a watermark: %d", cur.Timestamp)
	}

	log, err := svc.Updates(ctx, sid, "A", 0, 0)
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if len(log) != 2 || log[1].Type != domain.UpdateAddStop {
		t.Fatalf("log = %+v", log)
	}
	want := []domain.UpdateType{domain.UpdateUserJoined, domain.UpdateAddStop, domain.UpdateCursorMove}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("published = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("published = %v", got)
		}
	}
}

func TestActRejects(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 10)
	a, _ := svc.Join(ctx, service.JoinInput{TripID: "t", UserID: "A"})
	sid := a.Session.ID

	cases := []struct {
		name string
		user string
		typ  domain.UpdateType
		data json.RawMessage
		want error
	}{
		{"stranger", "Z", domain.UpdateAddStop, domain.MustData(domain.Stop{StopID: "s"}), domain.ErrNotParticipant},
		{"missing stop id", "A", domain.UpdateRemoveStop, json.RawMessage(`{}`), domain.ErrInvalidUpdate},
		{"reserved type", "A", domain.UpdateUserJoined, json.RawMessage(`{}`), domain.ErrInvalidUpdate},
		{"unknown type", "A", "teleport", json.RawMessage(`{}`), domain.ErrUnknownUpdateType},
		{"empty data", "A", domain.UpdateAddStop, nil, domain.ErrInvalidUpdate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Act(ctx, sid, tc.user, tc.typ, tc.data); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestActStampsComments(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 10)
	a, _ := svc.Join(ctx, service.JoinInput{TripID: "t", UserID: "A"})

	u, err := svc.Act(ctx, a.Session.ID, "A", domain.UpdateAddComment,
		domain.MustData(domain.Comment{UserID: "someone-else", Text: "  day two is packed "}))
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	var c domain.Comment
	if err := json.Unmarshal(u.Data, &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.UserID != "A" || c.Text != "day two is packed" || c.CommentID == "" || !c.CreatedAt.Equal(start) {
		t.Fatalf("comment = %+v", c)
	}
}

func TestUpdatesSinceAndLimit(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 10)
	a, _ := svc.Join(ctx, service.JoinInput{TripID: "t", UserID: "A"})
	for i := 0; i < 4; i++ {
		if _, err := svc.Act(ctx, a.Session.ID, "A", domain.UpdateRemoveStop, domain.MustData(domain.RemoveStopPayload{StopID: "x"})); err != nil {
			t.Fatalf("act: %v", err)
		}
	}

	us, err := svc.Updates(ctx, a.Session.ID, "A", 2, 2)
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if len(us) != 2 || us[0].Timestamp != 3 || us[1].Timestamp != 4 {
		t.Fatalf("page = %+v", us)
	}
	if us, _ := svc.Updates(ctx, a.Session.ID, "A", 5, 0); len(us) != 0 {
		t.Fatalf("expected nothing past the head, got %d", len(us))
	}
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	svc, pub, _ := newService(t, 10)
	a, _ := svc.Join(ctx, service.JoinInput{TripID: "t", UserID: "A"})
	_, _ = svc.Join(ctx, service.JoinInput{SessionID: a.Session.ID, UserID: "B"})

	if err := svc.Leave(ctx, a.Session.ID, "B"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := svc.Leave(ctx, a.Session.ID, "B"); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("second leave: %v", err)
	}
	ps, err := svc.Participants(ctx, a.Session.ID)
	if err != nil || len(ps) != 1 {
		t.Fatalf("participants = %+v, %v", ps, err)
	}
	if types := pub.types(); types[len(types)-1] != domain.UpdateUserLeft {
		t.Fatalf("published = %v", types)
	}
	if _, err := svc.Participants(ctx, "nope"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("unknown session: %v", err)
	}
}

func TestSweepInactive(t *testing.T) {
	ctx := context.Background()
	svc, pub, clk := newService(t, 10)
	a, _ := svc.Join(ctx, service.JoinInput{TripID: "t", UserID: "A"})
	_, _ = svc.Join(ctx, service.JoinInput{SessionID: a.Session.ID, UserID: "B"})

	clk.Advance(20 * time.Second)
	if err := svc.Touch(ctx, a.Session.ID, "A"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	clk.Advance(15 * time.Second)

	n, err := svc.SweepInactive(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	ps, _ := svc.Participants(ctx, a.Session.ID)
	if len(ps) != 1 || ps[0].UserID != "A" {
		t.Fatalf("participants after sweep = %+v", ps)
	}
	last := pub.ups[len(pub.ups)-1]
	if last.Type != domain.UpdateUserLeft || last.UserID != "B" {
		t.Fatalf("last published = %+v", last)
	}

	if n, _ := svc.SweepInactive(ctx); n != 0 {
		t.Fatalf("second sweep removed %d", n)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConcurrentActsPublishInWatermarkOrder(t *testing.T) {
	ctx := context.Background()
	pub := &stallingPublisher{}
	svc := service.NewSessionService(memstore.New(), pub, tokens{}, service.Options{Clock: clock.NewFake(start)})
	a, err := svc.Join(ctx, service.JoinInput{TripID: "t", UserID: "A"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stop := domain.Stop{StopID: fmt.Sprintf("s%d", i), Name: "Stop"}
			if _, err := svc.Act(ctx, a.Session.ID, "A", domain.UpdateAddStop, domain.MustData(stop)); err != nil {
				t.Errorf("act %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.ups) != 41 {
		t.Fatalf("published %d updates", len(pub.ups))
	}
	for i, u := range pub.ups {
		if u.Timestamp != int64(i+1) {
			t.Fatalf("publish %d carries watermark %d", i, u.Timestamp)
		}
	}
}

func TestActCommentLengthCountsCharacters(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 10)
	a, _ := svc.Join(ctx, service.JoinInput{TripID: "t", UserID: "A"})

	long := strings.Repeat("é", 4000)
	if _, err := svc.Act(ctx, a.Session.ID, "A", domain.UpdateAddComment,
		domain.MustData(domain.Comment{Text: long})); err != nil {
		t.Fatalf("4000 characters rejected: %v", err)
	}
	_, err := svc.Act(ctx, a.Session.ID, "A", domain.UpdateAddComment,
		domain.MustData(domain.Comment{Text: long + "é"}))
	if !errors.Is(err, domain.ErrInvalidUpdate) {
		t.Fatalf("4001 characters: err = %v", err)
	}
}

func TestRunSweepsOnServiceClock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc, pub, clk := newService(t, 10)
	a, _ := svc.Join(ctx, service.JoinInput{TripID: "t", UserID: "A"})
	clk.Advance(35 * time.Second)

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	waitFor(t, "sweep timer armed", func() bool { return len(clk.Pending()) == 1 })

	clk.Advance(10 * time.Second)
	waitFor(t, "stale participant swept", func() bool {
		ps, _ := svc.Participants(ctx, a.Session.ID)
		return len(ps) == 0
	})
	if got := pub.types(); got[len(got)-1] != domain.UpdateUserLeft {
		t.Fatalf("published = %v", got)
	}

	waitFor(t, "sweep timer re-armed", func() bool { return len(clk.Pending()) == 1 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run = %v", err)
	}
	if p := clk.Pending(); len(p) != 0 {
		t.Fatalf("timers left after run: %v", p)
	}
}
