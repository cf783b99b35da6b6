package client

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ClientTransport one live transport session from the client's perspective
type ClientTransport interface {
	// ReadMessage block until the next text frame arrives
	ReadMessage() ([]byte, error)
	// WriteMessage write one text frame to the broker
	WriteMessage(payload []byte) error
	// Close close the underlying transport
	Close() error
}

// Dialer establishes new transport sessions toward the broker
type Dialer interface {
	Dial(ctxt context.Context) (ClientTransport, error)
}

// wsClientTransport implements ClientTransport on a websocket connection
type wsClientTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// ReadMessage block until the next text frame arrives
func (t *wsClientTransport) ReadMessage() ([]byte, error) {
	_, payload, err := t.conn.ReadMessage()
	return payload, err
}

// WriteMessage write one text frame to the broker
func (t *wsClientTransport) WriteMessage(payload []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close close the underlying websocket connection
func (t *wsClientTransport) Close() error {
	return t.conn.Close()
}

// WebsocketDialer Dialer connecting to the broker's websocket endpoint
type WebsocketDialer struct {
	// TargetURL the broker websocket endpoint, e.g. ws://host:3000/v1/connect
	TargetURL string
	// HandshakeTimeout max duration for the websocket handshake
	HandshakeTimeout time.Duration
	// WriteTimeout per frame write deadline
	WriteTimeout time.Duration
	// RequestHeader optional headers to send with the handshake
	RequestHeader http.Header
}

// Dial establish a new websocket session toward the broker
func (d WebsocketDialer) Dial(ctxt context.Context) (ClientTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctxt, d.TargetURL, d.RequestHeader)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = time.Second * 5
	}
	return &wsClientTransport{conn: conn, writeTimeout: writeTimeout}, nil
}
