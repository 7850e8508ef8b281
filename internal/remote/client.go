// Package remote talks to collabd over HTTP and websocket and implements
// collab.SessionAPI.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourhiddentrip/tripcollab/internal/collab"
	"github.com/yourhiddentrip/tripcollab/internal/domain"
	httpx "github.com/yourhiddentrip/tripcollab/internal/transport/http"
)

type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer

	mu     sync.Mutex
	tokens map[string]string // sessionID -> token
}

var _ collab.SessionAPI = (*Client)(nil)

func New(baseURL string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		base:   u,
		http:   hc,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		tokens: make(map[string]string),
	}, nil
}

// Token returns the session token obtained by Join.
func (c *Client) Token(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[sessionID]
}

func (c *Client) Join(ctx context.Context, req collab.JoinRequest) (collab.JoinResult, error) {
	path := "/sessions"
	if req.SessionID != "" {
		path = "/sessions/" + url.PathEscape(req.SessionID) + "/join"
	}
	body := httpx.JoinRequest{
		TripID:     req.TripID,
		UserID:     req.Profile.UserID,
		UserName:   req.Profile.DisplayName,
		UserAvatar: req.Profile.AvatarURL,
	}
	var resp httpx.JoinResponse
	if err := c.do(ctx, http.MethodPost, path, "", body, &resp); err != nil {
		return collab.JoinResult{}, err
	}

	c.mu.Lock()
	c.tokens[resp.Session.ID] = resp.Token
	c.mu.Unlock()

	return collab.JoinResult{
		SessionID:    resp.Session.ID,
		TripID:       resp.Session.TripID,
		UserID:       resp.UserID,
		Participants: httpx.ParticipantsFromItems(resp.Session.Participants),
		Watermark:    resp.Watermark,
	}, nil
}

func (c *Client) Leave(ctx context.Context, sessionID, _ string) error {
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "leave"), c.Token(sessionID), nil, nil)
	if err == nil || errors.Is(err, domain.ErrNotParticipant) {
		c.mu.Lock()
		delete(c.tokens, sessionID)
		c.mu.Unlock()
	}
	return err
}

func (c *Client) Updates(ctx context.Context, sessionID, _ string, since int64) ([]domain.Update, error) {
	path := sessionPath(sessionID, "updates") + "?since=" + strconv.FormatInt(since, 10)
	var resp httpx.UpdatesResponse
	if err := c.do(ctx, http.MethodGet, path, c.Token(sessionID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Updates, nil
}

func (c *Client) Act(ctx context.Context, a collab.Action) error {
	body := httpx.ActionRequest{UserID: a.UserID, ActionType: a.Type, ActionData: a.Data}
	return c.do(ctx, http.MethodPost, sessionPath(a.SessionID, "actions"), c.Token(a.SessionID), body, nil)
}

func (c *Client) Stream(ctx context.Context, sessionID, _ string, since int64) (collab.Stream, error) {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws/sessions/" + url.PathEscape(sessionID)
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("access_token", c.Token(sessionID))
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("dial stream: %w", statusError(resp))
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return newStream(conn), nil
}

func sessionPath(sessionID, op string) string {
	return "/sessions/" + url.PathEscape(sessionID) + "/" + op
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// StatusError is a non-2xx answer from collabd. It unwraps to the domain
// error matching the status.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("collabd: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("collabd: %d %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return domain.ErrSessionNotFound
	case http.StatusConflict:
		return domain.ErrSessionFull
	case http.StatusForbidden:
		return domain.ErrNotParticipant
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusBadRequest:
		return domain.ErrInvalidArgument
	}
	return nil
}

func statusError(resp *http.Response) error {
	var e httpx.ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(b, &e) != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(b))
	}
	return &StatusError{Status: resp.StatusCode, Message: e.Error}
}
