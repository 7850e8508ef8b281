package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
	"github.com/yourhiddentrip/tripcollab/internal/security"
)

type SessionSvc interface {
	Since(ctx context.Context, sessionID string, since int64, limit int) ([]domain.Update, error)
	Touch(ctx context.Context, sessionID, userID string) error
}

type Authorizer interface {
	Authorize(token, sessionID string) (*security.SessionClaims, error)
}

type Server struct {
	upgrader websocket.Upgrader
	hub      *Hub
	svc      SessionSvc
	auth     Authorizer
	log      *slog.Logger

	pingEvery time.Duration
	pageSize  int
}

func NewServer(hub *Hub, svc SessionSvc, auth Authorizer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		hub:  hub,
		svc:  svc,
		auth: auth,
		log:  log.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingEvery: 15 * time.Second,
		pageSize:  500,
	}
}

// SetPingInterval overrides the 15s keepalive.
func (s *Server) SetPingInterval(d time.Duration) {
	if d > 0 {
		s.pingEvery = d
	}
}

// HandleWS serves GET /ws/sessions/{id}?since=...&access_token=...
// The log above since is replayed first, then live updates follow.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if token == "" {
		token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	if token == "" {
		http.Error(w, "missing access_token", http.StatusUnauthorized)
		return
	}
	claims, err := s.auth.Authorize(token, sessionID)
	if err != nil {
		http.Error(w, "invalid access_token", http.StatusUnauthorized)
		return
	}
	userID := claims.Subject

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
	}

	// the stream is only for current participants
	if err := s.svc.Touch(r.Context(), sessionID, userID); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrNotParticipant):
			status = http.StatusForbidden
		case errors.Is(err, domain.ErrSessionNotFound):
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newWsConn(conn, sessionID, userID)
	s.hub.Add(c)
	defer s.hub.Remove(c)

	go s.writeLoop(ctx, c)

	last, err := s.replay(ctx, c, since)
	if err == nil {
		err = c.finishReplay(last)
	}
	if err != nil {
		s.log.Warn("ws replay failed", "session", sessionID, "user", userID, "err", err)
		_ = c.Close()
		return
	}
	s.log.Debug("ws connected", "session", sessionID, "user", userID, "since", since, "replayed_to", last)

	s.readLoop(ctx, c)

	if err := c.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.log.Debug("ws close failed", "session", sessionID, "user", userID, "err", err)
	}
}

func (s *Server) replay(ctx context.Context, c *wsConn, since int64) (int64, error) {
	last := since
	for {
		us, err := s.svc.Since(ctx, c.sessionID, last, s.pageSize)
		if err != nil {
			return last, err
		}
		for _, u := range us {
			if err := c.writeDirect(u); err != nil {
				return last, err
			}
			last = u.Timestamp
		}
		if len(us) < s.pageSize {
			return last, nil
		}
	}
}

// readLoop discards client frames; the channel is server to client. It
// returns when the peer goes away or stops answering pings.
func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
		_ = s.svc.Touch(ctx, c.sessionID, c.userID)
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			_ = s.svc.Touch(ctx, c.sessionID, c.userID)
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}
