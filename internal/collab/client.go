package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yourhiddentrip/tripcollab/internal/clock"
	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

type Phase string

const (
	PhaseNoSession    Phase = "no_session"
	PhaseJoining      Phase = "joining"
	PhaseActive       Phase = "active"
	PhaseLeaving      Phase = "leaving"
	PhaseReconnecting Phase = "reconnecting"
	PhaseTerminal     Phase = "terminal_disconnected"
)

var (
	ErrSessionActive  = errors.New("a session is already active")
	ErrNoSession      = errors.New("no active session")
	ErrDisconnected   = errors.New("session is disconnected, restart required")
	ErrLeaveCancelled = errors.New("leave cancelled")
	ErrJoinAborted    = errors.New("join aborted")
)

const syncFailedMessage = "failed to sync changes"

type Options struct {
	Clock         clock.Clock
	Transport     TransportConfig
	CursorTimeout time.Duration
	ActionTimeout time.Duration
	Logger        *slog.Logger
	// ConfirmLeave is asked before leaving; returning false keeps the
	// session.
	ConfirmLeave func() bool
	NewID        func() string
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.CursorTimeout <= 0 {
		o.CursorTimeout = 5 * time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Client is one collaboration session seen from a single user. Construct
// one per session scope and hand it to the components that render it.
type Client struct {
	api  SessionAPI
	opts Options
	log  *slog.Logger

	// all state transitions run to completion under mu
	mu        sync.Mutex
	phase     Phase
	sess      *session
	listeners []Listener
	// events raised under mu; delivered by dispatch once mu is released
	queue       []Event
	dispatching bool

	actions sync.WaitGroup
}

type session struct {
	id        string
	tripID    string
	self      domain.Participant
	reducer   *Reducer
	transport *Transport
	watermark atomic.Int64
	cursors   map[string]*cursorTimer
	// held keeps streamed updates that arrived ahead of a missing
	// predecessor, keyed by watermark.
	held map[int64]domain.Update
}

type cursorTimer struct {
	gen   uint64
	timer clock.Timer
}

func NewClient(api SessionAPI, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		api:   api,
		opts:  opts,
		log:   opts.Logger.With("component", "collab"),
		phase: PhaseNoSession,
	}
}

// Subscribe registers l for all future events.
func (c *Client) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.unlock()
	return c.phase
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.self.UserID
}

// State returns a copy of the local projection.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.unlock()
	if c.sess == nil {
		return newProjection().snapshot()
	}
	return c.sess.reducer.State()
}

func (c *Client) Watermark() int64 {
	c.mu.Lock()
	defer c.unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.watermark.Load()
}

// Start asks the session manager for a new session on tripID.
func (c *Client) Start(ctx context.Context, tripID string, p Profile) error {
	if strings.TrimSpace(tripID) == "" {
		return fmt.Errorf("start session: empty trip id")
	}
	return c.join(ctx, JoinRequest{TripID: tripID, Profile: p})
}

// Join enters an existing session.
func (c *Client) Join(ctx context.Context, sessionID string, p Profile) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("join session: empty session id")
	}
	return c.join(ctx, JoinRequest{SessionID: sessionID, Profile: p})
}

func (c *Client) join(ctx context.Context, req JoinRequest) error {
	c.mu.Lock()
	if c.phase != PhaseNoSession {
		c.unlock()
		return ErrSessionActive
	}
	c.setPhaseLocked(PhaseJoining)
	c.unlock()

	if req.Profile.UserID == "" {
		req.Profile.UserID = c.opts.NewID()
	}
	res, err := c.api.Join(ctx, req)

	c.mu.Lock()
	if c.phase != PhaseJoining {
		c.unlock()
		if err == nil {
			c.leaveRemote(res.SessionID, res.UserID)
		}
		return ErrJoinAborted
	}
	if err != nil {
		c.setPhaseLocked(PhaseNoSession)
		c.unlock()
		c.log.Warn("join failed", "session", req.SessionID, "trip", req.TripID, "err", err)
		return fmt.Errorf("join session: %w", err)
	}

	s := &session{
		id:      res.SessionID,
		tripID:  res.TripID,
		reducer: NewReducer(res.UserID),
		cursors: make(map[string]*cursorTimer),
		held:    make(map[int64]domain.Update),
	}
	s.self = domain.Participant{
		UserID:      res.UserID,
		DisplayName: req.Profile.DisplayName,
		AvatarURL:   req.Profile.AvatarURL,
	}
	s.reducer.Seed(res.Participants, res.Watermark)
	s.transport = NewTransport(c.api, c.opts.Clock, c.opts.Transport, TransportHooks{
		Watermark: s.watermark.Load,
		Deliver:   func(source string, us []domain.Update) { c.deliver(s, source, us) },
		Status:    func(st ConnStatus) { c.connStatus(s, st) },
	}, c.log)

	c.sess = s
	c.setPhaseLocked(PhaseActive)
	c.emitLocked(Event{Kind: EventRosterChanged, Participants: s.reducer.State().Participants})
	c.unlock()

	c.log.Info("joined session", "session", s.id, "user", s.self.UserID, "watermark", res.Watermark)
	s.transport.Start(s.id, s.self.UserID)
	return nil
}

// Leave stops the transport and every timer, tells the session manager and
// clears local state.
func (c *Client) Leave(ctx context.Context) error {
	if c.opts.ConfirmLeave != nil && !c.opts.ConfirmLeave() {
		return ErrLeaveCancelled
	}

	c.mu.Lock()
	if c.phase == PhaseJoining {
		c.setPhaseLocked(PhaseNoSession)
		c.unlock()
		return nil
	}
	s := c.sess
	if s == nil {
		c.unlock()
		return ErrNoSession
	}
	c.setPhaseLocked(PhaseLeaving)
	s.transport.Stop()
	for uid, ct := range s.cursors {
		ct.timer.Stop()
		delete(s.cursors, uid)
	}
	c.sess = nil
	c.unlock()

	err := c.api.Leave(ctx, s.id, s.self.UserID)

	c.mu.Lock()
	c.setPhaseLocked(PhaseNoSession)
	c.unlock()

	if err != nil {
		c.log.Warn("leave failed", "session", s.id, "err", err)
		return fmt.Errorf("leave session: %w", err)
	}
	c.log.Info("left session", "session", s.id, "user", s.self.UserID)
	return nil
}

// Detach drops the local session without telling the session manager.
// The server expires the participant once its heartbeat lapses.
func (c *Client) Detach() {
	c.mu.Lock()
	defer c.unlock()
	s := c.sess
	if s == nil {
		return
	}
	s.transport.Stop()
	for uid, ct := range s.cursors {
		ct.timer.Stop()
		delete(s.cursors, uid)
	}
	c.sess = nil
	c.setPhaseLocked(PhaseNoSession)
}

// Reconnect forces a fresh stream.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	s := c.sess
	phase := c.phase
	c.unlock()
	if s == nil {
		return ErrNoSession
	}
	if phase == PhaseTerminal {
		return ErrDisconnected
	}
	s.transport.Reconnect()
	return nil
}

func (c *Client) AddStop(stop domain.Stop) (domain.Stop, error) {
	if stop.StopID == "" {
		stop.StopID = c.opts.NewID()
	}
	return stop, c.edit(domain.UpdateAddStop, stop)
}

func (c *Client) RemoveStop(stopID string) error {
	return c.edit(domain.UpdateRemoveStop, domain.RemoveStopPayload{StopID: stopID})
}

func (c *Client) UpdateStop(stopID string, fields domain.StopPatchFields) error {
	return c.edit(domain.UpdateUpdateStop, domain.StopPatch{StopID: stopID, Fields: fields})
}

func (c *Client) AddComment(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: empty comment", domain.ErrInvalidUpdate)
	}
	c.mu.Lock()
	self := ""
	if c.sess != nil {
		self = c.sess.self.UserID
	}
	c.unlock()
	return c.edit(domain.UpdateAddComment, domain.Comment{
		CommentID: c.opts.NewID(),
		UserID:    self,
		Text:      text,
		CreatedAt: c.opts.Clock.Now().UTC(),
	})
}

func (c *Client) MoveCursor(cur domain.Cursor) error {
	return c.edit(domain.UpdateCursorMove, cur)
}

// MarkRead clears the unread comment counter.
func (c *Client) MarkRead() {
	c.mu.Lock()
	defer c.unlock()
	if c.sess == nil {
		return
	}
	c.emitLocked(c.sess.reducer.MarkRead()...)
}

// Flush waits for in-flight action submissions.
func (c *Client) Flush() {
	c.actions.Wait()
}

// edit applies itinerary edits optimistically, then submits the action
// without waiting. A failed submission is reported as EventSyncFailed and
// the optimistic state is kept.
func (c *Client) edit(t domain.UpdateType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", t, err)
	}

	c.mu.Lock()
	s := c.sess
	switch {
	case s == nil:
		c.unlock()
		return ErrNoSession
	case c.phase == PhaseTerminal:
		c.unlock()
		return ErrDisconnected
	}
	if t.EditsItinerary() {
		evs, err := s.reducer.ApplyLocal(t, data)
		if err != nil {
			c.unlock()
			return err
		}
		c.emitLocked(evs...)
	}
	c.unlock()

	a := Action{SessionID: s.id, UserID: s.self.UserID, Type: t, Data: data}
	c.actions.Add(1)
	go func() {
		defer c.actions.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ActionTimeout)
		defer cancel()
		if err := c.api.Act(ctx, a); err != nil {
			c.log.Warn("action submit failed", "session", a.SessionID, "type", a.Type, "err", err)
			c.mu.Lock()
			if c.sess == s {
				c.emitLocked(Event{Kind: EventSyncFailed, Message: syncFailedMessage, Err: err})
			}
			c.unlock()
		}
	}()
	return nil
}

func (c *Client) deliver(s *session, source string, us []domain.Update) {
	c.mu.Lock()
	defer c.unlock()
	if c.sess != s {
		return
	}
	gap := false
	for _, u := range us {
		// the stream may overtake a publish still in flight; poll results
		// are read from the log and applied as they come.
		if source == "stream" && u.Type.Logged() && u.Timestamp > s.reducer.Watermark()+1 {
			s.held[u.Timestamp] = u
			gap = true
			continue
		}
		c.applyLocked(s, source, u)
		c.releaseHeldLocked(s, source)
	}
	if gap && len(s.held) > 0 {
		s.transport.PollNow()
	}
}

func (c *Client) applyLocked(s *session, source string, u domain.Update) {
	evs, err := s.reducer.Apply(u)
	s.watermark.Store(s.reducer.Watermark())
	if err != nil {
		c.log.Warn("dropping update", "source", source, "type", u.Type, "watermark", u.Timestamp, "err", err)
		return
	}
	for _, ev := range evs {
		switch ev.Kind {
		case EventCursorMoved:
			c.armCursorLocked(s, ev.UserID)
		case EventCursorRemoved:
			c.disarmCursorLocked(s, ev.UserID)
		}
	}
	c.emitLocked(evs...)
}

// releaseHeldLocked applies held updates that are now next in line and
// forgets the ones already covered.
func (c *Client) releaseHeldLocked(s *session, source string) {
	for len(s.held) > 0 {
		next := s.reducer.Watermark() + 1
		u, ok := s.held[next]
		if !ok {
			break
		}
		delete(s.held, next)
		c.applyLocked(s, source, u)
	}
	for ts := range s.held {
		if ts <= s.reducer.Watermark() {
			delete(s.held, ts)
		}
	}
}

func (c *Client) connStatus(s *session, st ConnStatus) {
	c.mu.Lock()
	defer c.unlock()
	if c.sess != s {
		return
	}
	switch {
	case st.Terminal:
		c.setPhaseLocked(PhaseTerminal)
	case st.State == ConnReconnecting:
		c.setPhaseLocked(PhaseReconnecting)
	case st.State == ConnConnected:
		c.setPhaseLocked(PhaseActive)
	}
	c.emitLocked(Event{Kind: EventConnection, Conn: st.State, Attempt: st.Attempt, RetryIn: st.RetryIn, Err: st.Err})
}

func (c *Client) armCursorLocked(s *session, userID string) {
	ct := s.cursors[userID]
	if ct == nil {
		ct = &cursorTimer{}
		s.cursors[userID] = ct
	} else if ct.timer != nil {
		ct.timer.Stop()
	}
	ct.gen++
	gen := ct.gen
	ct.timer = c.opts.Clock.AfterFunc(c.opts.CursorTimeout, func() { c.expireCursor(s, userID, gen) })
}

func (c *Client) disarmCursorLocked(s *session, userID string) {
	if ct := s.cursors[userID]; ct != nil {
		ct.timer.Stop()
		delete(s.cursors, userID)
	}
}

func (c *Client) expireCursor(s *session, userID string, gen uint64) {
	c.mu.Lock()
	defer c.unlock()
	if c.sess != s {
		return
	}
	ct := s.cursors[userID]
	if ct == nil || ct.gen != gen {
		return
	}
	delete(s.cursors, userID)
	c.emitLocked(s.reducer.ExpireCursor(userID)...)
}

func (c *Client) leaveRemote(sessionID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ActionTimeout)
	defer cancel()
	if err := c.api.Leave(ctx, sessionID, userID); err != nil {
		c.log.Debug("leave after aborted join failed", "session", sessionID, "err", err)
	}
}

func (c *Client) setPhaseLocked(p Phase) {
	if c.phase == p {
		return
	}
	c.phase = p
	c.emitLocked(Event{Kind: EventPhaseChanged, Phase: p})
}

func (c *Client) emitLocked(evs ...Event) {
	c.queue = append(c.queue, evs...)
}

// unlock releases mu and hands queued events to the listeners.
func (c *Client) unlock() {
	c.mu.Unlock()
	c.dispatch()
}

// dispatch runs listeners outside mu, one event at a time and in the order
// they were raised. Only one goroutine dispatches at a time; events queued
// meanwhile are picked up by it.
func (c *Client) dispatch() {
	c.mu.Lock()
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.queue) > 0 {
		ev := c.queue[0]
		c.queue = c.queue[1:]
		ls := c.listeners
		c.mu.Unlock()
		for _, l := range ls {
			l(ev)
		}
		c.mu.Lock()
	}
	c.queue = nil
	c.dispatching = false
	c.mu.Unlock()
}
