package collab

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/yourhiddentrip/tripcollab/internal/clock"
	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)

type TransportConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxRetries is the number of reconnect attempts after which the
	// transport gives up for good.
	MaxRetries   int
	PollInterval time.Duration
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		MaxRetries:   5,
		PollInterval: 5 * time.Second,
	}
}

func (c TransportConfig) withDefaults() TransportConfig {
	def := DefaultTransportConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	return c
}

// ConnStatus is reported on every transport state change.
type ConnStatus struct {
	State    ConnState
	Attempt  int
	RetryIn  time.Duration
	Terminal bool
	Err      error
}

// TransportHooks connect a Transport to its owner. None of them is called
// with the transport lock held.
type TransportHooks struct {
	// Watermark returns the local high-water mark.
	Watermark func() int64
	// Deliver receives updates in watermark order.
	Deliver func(source string, us []domain.Update)
	// Status receives state transitions.
	Status func(ConnStatus)
}

// Transport keeps one live stream to the session manager, reconnecting
// with exponential backoff, and polls on a fixed interval as a redundant
// delivery path and presence heartbeat.
type Transport struct {
	api   SessionAPI
	clock clock.Clock
	cfg   TransportConfig
	hooks TransportHooks
	log   *slog.Logger

	mu        sync.Mutex
	sessionID string
	userID    string
	running   bool
	stopped   bool
	state     ConnState
	attempts  int
	// gen identifies the current stream; a stale reader or dial sees a
	// different value and backs off.
	gen       uint64
	stream    Stream
	ctx       context.Context
	cancel    context.CancelFunc
	backoff   backoff.BackOff
	reconnect clock.Timer
	poller    clock.Timer
	polling   bool
	repoll    bool
}

func NewTransport(api SessionAPI, clk clock.Clock, cfg TransportConfig, hooks TransportHooks, log *slog.Logger) *Transport {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BaseDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Clock = clk
	exp.Reset()

	return &Transport{
		api:     api,
		clock:   clk,
		cfg:     cfg,
		hooks:   hooks,
		log:     log.With("component", "transport"),
		state:   ConnDisconnected,
		backoff: backoff.WithMaxRetries(exp, uint64(cfg.MaxRetries)),
	}
}

func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Start opens the stream for the session and starts polling. A stopped
// transport cannot be started again.
func (t *Transport) Start(sessionID, userID string) {
	t.mu.Lock()
	if t.running || t.stopped {
		t.mu.Unlock()
		return
	}
	t.sessionID, t.userID = sessionID, userID
	t.running = true
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.backoff.Reset()
	t.schedulePollLocked()
	t.mu.Unlock()

	t.connect()
}

// Stop cancels every pending timer and closes the stream before it
// returns. Callbacks already in flight observe the stop and do nothing.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.shutdownLocked()
	t.state = ConnDisconnected
}

// Reconnect drops the current stream and dials again immediately.
func (t *Transport) Reconnect() {
	t.connect()
}

func (t *Transport) connect() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.closeStreamLocked()
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	gen := t.gen
	var st *ConnStatus
	if t.state != ConnReconnecting {
		t.state = ConnConnecting
		st = &ConnStatus{State: ConnConnecting, Attempt: t.attempts}
	}
	ctx, sid, uid := t.ctx, t.sessionID, t.userID
	t.mu.Unlock()
	t.report(st)

	since := t.watermark()
	stream, err := t.api.Stream(ctx, sid, uid, since)

	t.mu.Lock()
	if !t.running || gen != t.gen {
		t.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		t.log.Warn("stream dial failed", "session", sid, "attempt", t.attempts, "err", err)
		st = t.failLocked(err)
		t.mu.Unlock()
		t.report(st)
		return
	}
	t.stream = stream
	t.attempts = 0
	t.backoff.Reset()
	t.state = ConnConnected
	t.mu.Unlock()

	t.log.Debug("stream connected", "session", sid, "since", since)
	t.report(&ConnStatus{State: ConnConnected})
	go t.readLoop(gen, stream)
}

func (t *Transport) readLoop(gen uint64, stream Stream) {
	for {
		raw, err := stream.Recv()
		if err != nil {
			t.streamFailed(gen, err)
			return
		}
		u, err := domain.ParseUpdate(raw)
		if err != nil {
			t.log.Warn("dropping malformed update", "err", err)
			continue
		}
		if !t.current(gen) {
			return
		}
		if t.hooks.Deliver != nil {
			t.hooks.Deliver("stream", []domain.Update{u})
		}
	}
}

func (t *Transport) streamFailed(gen uint64, err error) {
	t.mu.Lock()
	if !t.running || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.log.Warn("stream lost", "session", t.sessionID, "err", err)
	t.stream = nil
	st := t.failLocked(err)
	t.mu.Unlock()
	t.report(st)
}

// failLocked counts an attempt and either arms the reconnect timer or
// moves to the terminal state.
func (t *Transport) failLocked(err error) *ConnStatus {
	t.attempts++
	delay := t.backoff.NextBackOff()
	if delay == backoff.Stop {
		t.log.Error("reconnect budget exhausted", "session", t.sessionID, "attempts", t.attempts-1)
		t.shutdownLocked()
		t.state = ConnDisconnected
		return &ConnStatus{State: ConnDisconnected, Attempt: t.attempts, Terminal: true, Err: err}
	}
	t.state = ConnReconnecting
	t.reconnect = t.clock.AfterFunc(delay, t.connect)
	return &ConnStatus{State: ConnReconnecting, Attempt: t.attempts, RetryIn: delay, Err: err}
}

func (t *Transport) schedulePollLocked() {
	if t.poller != nil {
		t.poller.Stop()
	}
	t.poller = t.clock.AfterFunc(t.cfg.PollInterval, t.poll)
}

// PollNow fetches missed updates without waiting for the poll interval. A
// poll already in flight is followed by one more.
func (t *Transport) PollNow() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	if t.polling {
		t.repoll = true
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	go t.poll()
}

func (t *Transport) poll() {
	t.mu.Lock()
	if !t.running || t.polling {
		t.mu.Unlock()
		return
	}
	t.polling = true
	ctx, sid, uid := t.ctx, t.sessionID, t.userID
	t.mu.Unlock()

	us, err := t.api.Updates(ctx, sid, uid, t.watermark())

	t.mu.Lock()
	t.polling = false
	again := t.repoll
	t.repoll = false
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.schedulePollLocked()
	t.mu.Unlock()

	if err != nil {
		t.log.Warn("poll failed", "session", sid, "err", err)
	} else if len(us) > 0 && t.hooks.Deliver != nil {
		domain.SortUpdates(us)
		t.hooks.Deliver("poll", us)
	}
	if again {
		t.poll()
	}
}

func (t *Transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running && gen == t.gen
}

func (t *Transport) closeStreamLocked() {
	t.gen++
	if t.stream != nil {
		_ = t.stream.Close()
		t.stream = nil
	}
}

func (t *Transport) shutdownLocked() {
	t.running = false
	t.closeStreamLocked()
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	if t.poller != nil {
		t.poller.Stop()
		t.poller = nil
	}
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Transport) watermark() int64 {
	if t.hooks.Watermark == nil {
		return 0
	}
	return t.hooks.Watermark()
}

func (t *Transport) report(st *ConnStatus) {
	if st != nil && t.hooks.Status != nil {
		t.hooks.Status(*st)
	}
}
