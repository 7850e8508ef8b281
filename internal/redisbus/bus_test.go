package redisbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

type sink struct {
	mu  sync.Mutex
	got map[string][]domain.Update
}

func (s *sink) Broadcast(sessionID string, u domain.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.got == nil {
		s.got = make(map[string][]domain.Update)
	}
	s.got[sessionID] = append(s.got[sessionID], u)
}

func (s *sink) count(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got[sessionID])
}

func TestBusRelaysBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdbB, err := Dial(ctx, "redis://"+mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer rdbA.Close()
	defer rdbB.Close()

	localA, localB := &sink{}, &sink{}
	busA := New(rdbA, localA, nil)
	busB := New(rdbB, localB, nil)

	errs := make(chan error, 2)
	go func() { errs <- busA.Run(ctx) }()
	go func() { errs <- busB.Run(ctx) }()
	for _, b := range []*Bus{busA, busB} {
		select {
		case <-b.Ready():
		case err := <-errs:
			t.Fatalf("run: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatalf("subscription not ready")
		}
	}

	u := domain.Update{Type: domain.UpdateAddStop, UserID: "A", Data: domain.MustData(domain.Stop{StopID: "x"}), Timestamp: 7}
	if err := busA.Publish(ctx, "s1", u); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := rdbA.Publish(ctx, Channel("s1"), "not json").Err(); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for localA.count("s1") < 1 || localB.count("s1") < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("relay timed out: a=%d b=%d", localA.count("s1"), localB.count("s1"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	localB.mu.Lock()
	got := localB.got["s1"][0]
	localB.mu.Unlock()
	if got.Timestamp != 7 || got.Type != domain.UpdateAddStop {
		t.Fatalf("relayed = %+v", got)
	}
	if localB.count("other") != 0 {
		t.Fatalf("update leaked into another session")
	}

	cancel()
	if err := <-errs; err != context.Canceled {
		t.Fatalf("run returned %v", err)
	}
}

func TestDialFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, "127.0.0.1:1", "", 0); err == nil {
		t.Fatalf("expected ping error")
	}
}
