package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
	"github.com/yourhiddentrip/tripcollab/internal/memstore"
	"github.com/yourhiddentrip/tripcollab/internal/security"
	"github.com/yourhiddentrip/tripcollab/internal/service"
	"github.com/yourhiddentrip/tripcollab/internal/transport/ws"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	hub := ws.NewHub()
	signer := security.NewSigner("test-secret", time.Hour, nil)
	svc := service.NewSessionService(memstore.New(), hub, signer, service.Options{MaxParticipants: 3})
	wsSrv := ws.NewServer(hub, svc, signer, nil)

	srv := httptest.NewServer(NewRouter(Deps{
		Handler:   NewHandler(svc),
		Auth:      signer,
		Heartbeat: svc,
		WS:        wsSrv.HandleWS,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func start(t *testing.T, srv *httptest.Server, user string) JoinResponse {
	t.Helper()
	resp := do(t, http.MethodPost, srv.URL+"/sessions", "", JoinRequest{TripID: "trip-1", UserID: user, UserName: user})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	return decodeBody[JoinResponse](t, resp)
}

func join(t *testing.T, srv *httptest.Server, sessionID, user string) JoinResponse {
	t.Helper()
	resp := do(t, http.MethodPost, srv.URL+"/sessions/"+sessionID+"/join", "", JoinRequest{UserID: user, UserName: user})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d", resp.StatusCode)
	}
	return decodeBody[JoinResponse](t, resp)
}

func TestSessionFlow(t *testing.T) {
	srv := newTestServer(t)
	a := start(t, srv, "A")
	if a.Token == "" || a.Session.ID == "" || a.Watermark != 1 {
		t.Fatalf("start = %+v", a)
	}
	sid := a.Session.ID
	b := join(t, srv, sid, "B")
	if len(b.Session.Participants) != 2 || b.Watermark != 2 {
		t.Fatalf("join = %+v", b)
	}

	resp := do(t, http.MethodPost, srv.URL+"/sessions/"+sid+"/actions", b.Token, ActionRequest{
		ActionType: domain.UpdateAddStop,
		ActionData: domain.MustData(domain.Stop{StopID: "x", Name: "Trevi"}),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("act status = %d", resp.StatusCode)
	}
	if ack := decodeBody[ActionResponse](t, resp); ack.Watermark != 3 {
		t.Fatalf("ack = %+v", ack)
	}

	resp = do(t, http.MethodGet, srv.URL+"/sessions/"+sid+"/updates?since=1", a.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("updates status = %d", resp.StatusCode)
	}
	ups := decodeBody[UpdatesResponse](t, resp).Updates
	if len(ups) != 2 || ups[0].Type != domain.UpdateUserJoined || ups[1].UserID != "B" {
		t.Fatalf("updates = %+v", ups)
	}

	resp = do(t, http.MethodPost, srv.URL+"/sessions/"+sid+"/leave", b.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leave status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, srv.URL+"/sessions/"+sid+"/participants", a.Token, nil)
	if ps := decodeBody[ParticipantsResponse](t, resp).Items; len(ps) != 1 || ps[0].UserID != "A" {
		t.Fatalf("participants = %+v", ps)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv := newTestServer(t)
	a := start(t, srv, "A")
	other := start(t, srv, "Z")
	sid := a.Session.ID

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"no token", http.MethodGet, "/sessions/" + sid + "/updates", "", nil, http.StatusUnauthorized},
		{"token of another session", http.MethodGet, "/sessions/" + sid + "/updates", other.Token, nil, http.StatusUnauthorized},
		{"bad since", http.MethodGet, "/sessions/" + sid + "/updates?since=abc", a.Token, nil, http.StatusBadRequest},
		{"invalid payload", http.MethodPost, "/sessions/" + sid + "/actions", a.Token,
			ActionRequest{ActionType: domain.UpdateAddStop, ActionData: json.RawMessage(`{"name":"no id"}`)}, http.StatusBadRequest},
		{"spoofed user", http.MethodPost, "/sessions/" + sid + "/actions", a.Token,
			ActionRequest{UserID: "B", ActionType: domain.UpdateCursorMove, ActionData: json.RawMessage(`{}`)}, http.StatusForbidden},
		{"unknown session", http.MethodPost, "/sessions/missing/join", "", JoinRequest{UserName: "x"}, http.StatusNotFound},
		{"start without trip", http.MethodPost, "/sessions", "", JoinRequest{UserName: "x"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, tc.method, srv.URL+tc.path, tc.token, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if e := decodeBody[ErrorResponse](t, resp); e.Error == "" {
				t.Fatalf("empty error body")
			}
		})
	}

	join(t, srv, sid, "B")
	join(t, srv, sid, "C")
	resp := do(t, http.MethodPost, srv.URL+"/sessions/"+sid+"/join", "", JoinRequest{UserID: "D"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("full session status = %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStreamReplaysThenFollows(t *testing.T) {
	srv := newTestServer(t)
	a := start(t, srv, "A")
	sid := a.Session.ID
	b := join(t, srv, sid, "B")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + sid + "?since=0&access_token=" + a.Token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = resp.Body.Close()

	read := func() domain.Update {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		u, err := domain.ParseUpdate(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return u
	}

	if u := read(); u.Timestamp != 1 || u.Type != domain.UpdateUserJoined {
		t.Fatalf("first replayed = %+v", u)
	}
	if u := read(); u.Timestamp != 2 || u.UserID != "B" {
		t.Fatalf("second replayed = %+v", u)
	}

	do(t, http.MethodPost, srv.URL+"/sessions/"+sid+"/actions", b.Token, ActionRequest{
		ActionType: domain.UpdateCursorMove,
		ActionData: domain.MustData(domain.Cursor{X: 3}),
	})
	if u := read(); u.Type != domain.UpdateCursorMove || u.UserID != "B" {
		t.Fatalf("live = %+v", u)
	}
}

func TestStreamRejectsBadToken(t *testing.T) {
	srv := newTestServer(t)
	a := start(t, srv, "A")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + a.Session.ID + "?access_token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("dial with bad token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v", resp)
	}
}
