package publisher

import (
	"sync"

	"github.com/gorilla/websocket"
)

// state names the three phases of a subscriber's lifetime.
type state int

const (
	stateCatchingUp state = iota
	stateLive
	stateClosing
)

// subscriber is one connected downstream WebSocket client.
type subscriber struct {
	conn *websocket.Conn

	connMu sync.Mutex // serializes writes to conn

	hasCursor bool
	cursor    int64 // last seq delivered (initially the requested cursor); streaming resumes after it

	state state

	outdatedSent bool

	done chan struct{}
}

func newSubscriber(conn *websocket.Conn, cursor int64, hasCursor bool) *subscriber {
	return &subscriber{
		conn:      conn,
		hasCursor: hasCursor,
		cursor:    cursor,
		state:     stateCatchingUp,
		done:      make(chan struct{}),
	}
}

func (s *subscriber) writeBinary(data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *subscriber) writePing() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *subscriber) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	_ = s.conn.Close()
}
