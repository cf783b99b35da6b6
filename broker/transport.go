package broker

import (
	"time"

	"github.com/gorilla/websocket"
)

// MessageTransport is the broker's view of one client transport session. It
// is implemented by websocket connections in production, and by mocks in
// unit tests.
type MessageTransport interface {
	// WriteMessage write one text frame to the peer
	WriteMessage(payload []byte) error
	// Close close the underlying transport
	Close() error
	// RemoteAddr peer address for logging
	RemoteAddr() string
}

// wsTransport implements MessageTransport on a websocket connection
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// GetWebsocketTransport wrap a websocket connection as a MessageTransport
func GetWebsocketTransport(conn *websocket.Conn, writeTimeout time.Duration) MessageTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

// WriteMessage write one text frame to the peer
func (t *wsTransport) WriteMessage(payload []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close close the underlying websocket connection
func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// RemoteAddr peer address for logging
func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
