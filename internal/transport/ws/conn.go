package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

var errSlowConsumer = errors.New("send queue full")

const (
	sendQueue    = 256
	writeTimeout = 5 * time.Second
)

// wsConn queues outgoing updates for a single writer goroutine. While the
// log is being replayed, live updates are held back and released after
// the replay so that the client sees watermarks in ascending order.
type wsConn struct {
	conn      *websocket.Conn
	sessionID string
	userID    string

	mu        sync.Mutex
	replaying bool
	held      []domain.Update
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWsConn(c *websocket.Conn, sessionID, userID string) *wsConn {
	return &wsConn{
		conn:      c,
		sessionID: sessionID,
		userID:    userID,
		replaying: true,
		out:       make(chan []byte, sendQueue),
		closed:    make(chan struct{}),
	}
}

func (c *wsConn) Send(u domain.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replaying {
		c.held = append(c.held, u)
		return nil
	}
	return c.enqueueLocked(u)
}

// finishReplay releases held live updates that are newer than the last
// replayed watermark. Cursor moves carry no watermark and always pass.
func (c *wsConn) finishReplay(last int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = false
	held := c.held
	c.held = nil
	for _, u := range held {
		if u.Timestamp != 0 && u.Timestamp <= last {
			continue
		}
		if err := c.enqueueLocked(u); err != nil {
			return err
		}
	}
	return nil
}

// writeDirect queues a replayed entry, waiting for room in the queue.
// Only valid before finishReplay.
func (c *wsConn) writeDirect(u domain.Update) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	}
}

func (c *wsConn) enqueueLocked(u domain.Update) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.out <- b:
		return nil
	default:
		go c.Close()
		return errSlowConsumer
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) UserID() string    { return c.userID }
func (c *wsConn) SessionID() string { return c.sessionID }
