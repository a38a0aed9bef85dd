package session

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Transport is the duplex frame connection underneath a session. ReadMessage is only called
// from the reader goroutine and the write methods only from the writer goroutine. Close must
// unblock a pending ReadMessage.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte, deadline time.Time) error
	WritePing(deadline time.Time) error
	// OnPong registers fn to run whenever the peer answers a keepalive ping.
	OnPong(fn func())
	Close() error
	RemoteAddr() string
}

// WebSocketTransport adapts a gorilla websocket connection.
type WebSocketTransport struct {
	conn *websocket.Conn
}

var _ Transport = &WebSocketTransport{}

// NewWebSocketTransport wraps conn. readLimit bounds a single inbound frame; <= 0 keeps the
// gorilla default (no limit).
func NewWebSocketTransport(conn *websocket.Conn, readLimit int64) (*WebSocketTransport, error) {
	if conn == nil {
		return nil, errors.New("websocket connection is nil")
	}
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &WebSocketTransport{conn: conn}, nil
}

func (t *WebSocketTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *WebSocketTransport) WriteMessage(data []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) WritePing(deadline time.Time) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *WebSocketTransport) OnPong(fn func()) {
	t.conn.SetPongHandler(func(string) error {
		if fn != nil {
			fn()
		}
		return nil
	})
}

func (t *WebSocketTransport) Close() error {
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

func (t *WebSocketTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
