package remote

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// stream adapts a websocket to collab.Stream and answers server pings.
type stream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newStream(conn *websocket.Conn) *stream {
	conn.SetReadLimit(1 << 20)
	return &stream{conn: conn}
}

func (s *stream) Recv() ([]byte, error) {
	for {
		typ, raw, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage {
			return raw, nil
		}
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
